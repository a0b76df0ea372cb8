// Package audit implements the Audit Log (C9): an append-only record of
// every session and WOPI operation. Writes are on the hot path but must
// never fail it (spec.md §4.8).
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/genropy/genro-wopi/internal/logger"
	"github.com/genropy/genro-wopi/internal/types"
)

// Log is a gorm-backed AuditLog.
type Log struct {
	db *gorm.DB

	mu      sync.RWMutex
	lastErr error
}

func NewLog(db *gorm.DB) *Log {
	return &Log{db: db}
}

// Record inserts one command_log row. On failure it logs a warning and
// remembers the error for LastWriteError, but never returns anything the
// caller must handle — the WOPI/Management request this was raised from
// keeps going regardless.
func (l *Log) Record(ctx context.Context, tenantID, account, user, command string, details map[string]any) {
	var detailsJSON string
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}

	row := types.CommandLog{
		TenantID:  tenantID,
		Account:   account,
		User:      user,
		Command:   command,
		Details:   detailsJSON,
		CreatedAt: time.Now(),
	}

	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		logger.Warnf(ctx, "audit: failed to record %q for tenant %q: %v", command, tenantID, err)
		l.mu.Lock()
		l.lastErr = err
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.lastErr = nil
	l.mu.Unlock()
}

// LastWriteError reports the most recent write failure, if any.
func (l *Log) LastWriteError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}
