// Package storage implements the Storage Node Contract (C1) and the
// Storage Registry (C3): it dereferences a (tenant, storage_name, path)
// triple into a concrete interfaces.StorageNode, backed by one of the
// registered interfaces.StorageBackend implementations (local disk, S3).
package storage

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/types/interfaces"
)

const cacheTTL = 60 * time.Second

type cacheEntry struct {
	storage   *types.Storage
	expiresAt time.Time
}

// Registry is the gorm-backed Storage Registry (C3). Reads are served from
// a 60s-TTL cache; concurrent misses for the same key are collapsed by
// singleflight so a cache stampede never produces N identical queries.
type Registry struct {
	db *gorm.DB

	backends map[types.StorageProtocol]interfaces.StorageBackend

	mu    sync.RWMutex
	cache map[string]cacheEntry
	sf    singleflight.Group
}

// NewRegistry builds a Registry. Register backends with RegisterBackend
// before first use; protocols with no registered backend resolve to
// StorageFailure at Node-resolution time, matching the "recognized but
// unimplemented" stance documented in SPEC_FULL.md §1.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{
		db:       db,
		backends: make(map[types.StorageProtocol]interfaces.StorageBackend),
		cache:    make(map[string]cacheEntry),
	}
}

// RegisterBackend wires protocol to a concrete backend implementation.
func (r *Registry) RegisterBackend(protocol types.StorageProtocol, backend interfaces.StorageBackend) {
	r.backends[protocol] = backend
}

func cacheKey(tenantID, name string) string { return tenantID + "/" + name }

// GetStorage resolves a tenant's named storage row, fail NotFound if absent.
func (r *Registry) GetStorage(ctx context.Context, tenantID, name string) (*types.Storage, error) {
	key := cacheKey(tenantID, name)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.storage, nil
	}

	v, err, _ := r.sf.Do(key, func() (any, error) {
		var row types.Storage
		err := r.db.WithContext(ctx).
			Where("tenant_id = ? AND name = ?", tenantID, name).
			First(&row).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, types.NewError(types.ErrNotFound, "storage %q not found for tenant %q", name, tenantID)
			}
			return nil, types.Wrap(types.ErrStorageFailure, err, "load storage %q", name)
		}

		r.mu.Lock()
		r.cache[key] = cacheEntry{storage: &row, expiresAt: time.Now().Add(cacheTTL)}
		r.mu.Unlock()
		return &row, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Storage), nil
}

// InvalidateStorage drops a cached row after an administrative write.
func (r *Registry) InvalidateStorage(tenantID, name string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(tenantID, name))
	r.mu.Unlock()
}

// ResolveNode looks up the named storage and asks its backend for a node
// rooted at path.
func (r *Registry) ResolveNode(ctx context.Context, tenantID, storageName, path string) (interfaces.StorageNode, error) {
	row, err := r.GetStorage(ctx, tenantID, storageName)
	if err != nil {
		return nil, err
	}
	backend, ok := r.backends[row.Protocol]
	if !ok {
		return nil, types.NewError(types.ErrStorageFailure,
			"storage protocol %q has no backend registered", row.Protocol)
	}
	node, err := backend.Node(ctx, row, path)
	if err != nil {
		return nil, err
	}
	return node, nil
}
