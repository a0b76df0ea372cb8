// Package session implements the Session Store (C4) and Session Manager
// (C6): the authoritative state machine for open WOPI sessions, including
// the lock compare-and-set semantics spec.md §4.3 and §5 require.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/types/interfaces"
)

// isUniqueViolation recognizes a Postgres unique-constraint violation
// (SQLSTATE 23505) without importing the pq/pgx error types directly, since
// gorm's generic driver interface doesn't expose a typed error for it.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "23505") || strings.Contains(strings.ToLower(err.Error()), "duplicate key")
}

// Store is the gorm-backed SessionStore.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// withTx scopes fn to a single transaction, committing on success and
// rolling back on error or ctx cancellation — the "context manager for
// connections" pattern spec.md's design notes call for, realized as a
// plain helper rather than a bespoke type since Go has no context-manager
// protocol of its own.
func withTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(tx)
	})
}

func (s *Store) Insert(ctx context.Context, sess *types.Session) error {
	err := s.db.WithContext(ctx).Create(sess).Error
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewError(types.ErrConflict, "session for file_id %q or access_token already exists", sess.FileID)
		}
		return types.Wrap(types.ErrStorageFailure, err, "insert session")
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*types.Session, error) {
	return s.getBy(ctx, "id = ?", id)
}

func (s *Store) GetByFileID(ctx context.Context, fileID string) (*types.Session, error) {
	return s.getBy(ctx, "file_id = ?", fileID)
}

func (s *Store) GetByToken(ctx context.Context, token string) (*types.Session, error) {
	return s.getBy(ctx, "access_token = ?", token)
}

func (s *Store) getBy(ctx context.Context, cond string, args ...any) (*types.Session, error) {
	var row types.Session
	err := s.db.WithContext(ctx).Where(cond, args...).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrNotFound, "session not found")
		}
		return nil, types.Wrap(types.ErrStorageFailure, err, "load session")
	}
	return &row, nil
}

func (s *Store) Touch(ctx context.Context, id string, ts time.Time) error {
	res := s.db.WithContext(ctx).Model(&types.Session{}).
		Where("id = ?", id).
		Update("last_accessed_at", ts)
	if res.Error != nil {
		return types.Wrap(types.ErrStorageFailure, res.Error, "touch session %q", id)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound, "session %q not found", id)
	}
	return nil
}

// MarkOpened sets opened_at on the first call only, reporting whether this
// call was the one that set it (spec.md §4.6: document_opened fires once).
func (s *Store) MarkOpened(ctx context.Context, id string, ts time.Time) (bool, error) {
	first := false
	err := withTx(ctx, s.db, func(tx *gorm.DB) error {
		var row types.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewError(types.ErrNotFound, "session %q not found", id)
			}
			return types.Wrap(types.ErrStorageFailure, err, "load session %q", id)
		}
		if row.OpenedAt != nil {
			return nil
		}
		first = true
		return tx.Model(&types.Session{}).Where("id = ?", id).Update("opened_at", ts).Error
	})
	if err != nil {
		return false, err
	}
	return first, nil
}

// SetLock runs the compare-and-set lock acquisition inside a
// SELECT ... FOR UPDATE transaction scoped to the single row, giving
// per-session.id linearizability without a separate lock manager
// (spec.md §4.3/§5):
//   - no existing lock, or an expired one -> acquire, return Acquired=true
//   - existing non-expired lock with the same id -> refresh TTL, Acquired=true
//   - existing non-expired lock with a different id -> Acquired=false,
//     ExistingLock set to the current holder
func (s *Store) SetLock(ctx context.Context, id, lockID string, ttl time.Duration) (interfaces.LockResult, error) {
	var result interfaces.LockResult
	err := withTx(ctx, s.db, func(tx *gorm.DB) error {
		var row types.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewError(types.ErrNotFound, "session %q not found", id)
			}
			return types.Wrap(types.ErrStorageFailure, err, "load session %q", id)
		}
		now := time.Now()
		current := row.CurrentLock(now)
		if current != "" && current != lockID {
			result = interfaces.LockResult{Acquired: false, ExistingLock: current}
			return nil
		}
		expiresAt := now.Add(ttl)
		if err := tx.Model(&types.Session{}).Where("id = ?", id).Updates(map[string]any{
			"lock_id":         lockID,
			"lock_expires_at": expiresAt,
		}).Error; err != nil {
			return types.Wrap(types.ErrStorageFailure, err, "set lock on session %q", id)
		}
		result = interfaces.LockResult{Acquired: true}
		return nil
	})
	if err != nil {
		return interfaces.LockResult{}, err
	}
	return result, nil
}

// RefreshLock extends lockID's TTL, but only if it is still the current
// holder, checked and updated inside the same SELECT ... FOR UPDATE
// transaction so a concurrent UNLOCK landing between the check and the
// update cannot cause a silent re-acquire (spec.md §5): unlike SetLock,
// no current lock is itself a failure, since REFRESH_LOCK only transitions
// from Locked(lockID, _).
func (s *Store) RefreshLock(ctx context.Context, id, lockID string, ttl time.Duration) (interfaces.LockResult, error) {
	var result interfaces.LockResult
	err := withTx(ctx, s.db, func(tx *gorm.DB) error {
		var row types.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewError(types.ErrNotFound, "session %q not found", id)
			}
			return types.Wrap(types.ErrStorageFailure, err, "load session %q", id)
		}
		now := time.Now()
		current := row.CurrentLock(now)
		if current != lockID {
			result = interfaces.LockResult{Acquired: false, ExistingLock: current}
			return nil
		}
		expiresAt := now.Add(ttl)
		if err := tx.Model(&types.Session{}).Where("id = ?", id).Updates(map[string]any{
			"lock_id":         lockID,
			"lock_expires_at": expiresAt,
		}).Error; err != nil {
			return types.Wrap(types.ErrStorageFailure, err, "refresh lock on session %q", id)
		}
		result = interfaces.LockResult{Acquired: true}
		return nil
	})
	if err != nil {
		return interfaces.LockResult{}, err
	}
	return result, nil
}

// ReleaseLock releases the lock only if lockID matches the current holder.
func (s *Store) ReleaseLock(ctx context.Context, id, lockID string) (interfaces.UnlockResult, error) {
	var result interfaces.UnlockResult
	err := withTx(ctx, s.db, func(tx *gorm.DB) error {
		var row types.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewError(types.ErrNotFound, "session %q not found", id)
			}
			return types.Wrap(types.ErrStorageFailure, err, "load session %q", id)
		}
		now := time.Now()
		current := row.CurrentLock(now)
		if current == "" {
			result = interfaces.UnlockResult{NotLocked: true}
			return nil
		}
		if current != lockID {
			result = interfaces.UnlockResult{Mismatch: true, ExistingLock: current}
			return nil
		}
		if err := tx.Model(&types.Session{}).Where("id = ?", id).Updates(map[string]any{
			"lock_id":         "",
			"lock_expires_at": nil,
		}).Error; err != nil {
			return types.Wrap(types.ErrStorageFailure, err, "release lock on session %q", id)
		}
		result = interfaces.UnlockResult{Released: true}
		return nil
	})
	if err != nil {
		return interfaces.UnlockResult{}, err
	}
	return result, nil
}

// GetLock returns the current lock id, or "" if unlocked or expired.
func (s *Store) GetLock(ctx context.Context, id string) (string, error) {
	row, err := s.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return row.CurrentLock(time.Now()), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&types.Session{})
	if res.Error != nil {
		return types.Wrap(types.ErrStorageFailure, res.Error, "delete session %q", id)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound, "session %q not found", id)
	}
	return nil
}

func (s *Store) ListActive(ctx context.Context, tenantID string) ([]*types.Session, error) {
	var rows []*types.Session
	q := s.db.WithContext(ctx).Where("expires_at > ?", time.Now())
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if err := q.Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, types.Wrap(types.ErrStorageFailure, err, "list active sessions")
	}
	return rows, nil
}

// CountExpired reports how many sessions are currently expired without
// deleting them, for the Management API's cleanup preview mode.
func (s *Store) CountExpired(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.Session{}).
		Where("expires_at <= ?", time.Now()).
		Count(&count).Error
	if err != nil {
		return 0, types.Wrap(types.ErrStorageFailure, err, "count expired sessions")
	}
	return int(count), nil
}

// CleanupExpired deletes every session whose expires_at has passed,
// returning both the count removed and how many of those rows held a
// (possibly itself expired) lock at deletion time, inside one transaction
// so the lock count reflects exactly the rows actually deleted.
func (s *Store) CleanupExpired(ctx context.Context) (removed, lockReleased int, err error) {
	txErr := withTx(ctx, s.db, func(tx *gorm.DB) error {
		now := time.Now()
		var locked int64
		if err := tx.Model(&types.Session{}).
			Where("expires_at <= ? AND lock_id <> ''", now).
			Count(&locked).Error; err != nil {
			return types.Wrap(types.ErrStorageFailure, err, "count locked expired sessions")
		}
		res := tx.Where("expires_at <= ?", now).Delete(&types.Session{})
		if res.Error != nil {
			return types.Wrap(types.ErrStorageFailure, res.Error, "cleanup expired sessions")
		}
		removed = int(res.RowsAffected)
		lockReleased = int(locked)
		return nil
	})
	if txErr != nil {
		return 0, 0, txErr
	}
	return removed, lockReleased, nil
}
