// Package tenant implements the Tenant Registry (C2): per-tenant
// configuration lookup, editor URL resolution, and API token
// authentication. Tenant lookups by id are gorm-backed behind a 60s-TTL
// cache; AuthenticateByToken queries the database on every call.
package tenant

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/genropy/genro-wopi/internal/config"
	"github.com/genropy/genro-wopi/internal/types"
)

const cacheTTL = 60 * time.Second

type cacheEntry struct {
	tenant    *types.Tenant
	expiresAt time.Time
}

// Registry is the gorm-backed Tenant Registry (C2).
type Registry struct {
	db     *gorm.DB
	editor config.EditorConfig

	mu    sync.RWMutex
	cache map[string]cacheEntry
	sf    singleflight.Group
}

func NewRegistry(db *gorm.DB, editor config.EditorConfig) *Registry {
	return &Registry{db: db, editor: editor, cache: make(map[string]cacheEntry)}
}

// GetTenant resolves tenantID, failing NotFound if it does not exist.
func (r *Registry) GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error) {
	r.mu.RLock()
	entry, ok := r.cache[tenantID]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.tenant, nil
	}

	v, err, _ := r.sf.Do(tenantID, func() (any, error) {
		var row types.Tenant
		err := r.db.WithContext(ctx).Where("id = ?", tenantID).First(&row).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, types.NewError(types.ErrNotFound, "tenant %q not found", tenantID)
			}
			return nil, types.Wrap(types.ErrStorageFailure, err, "load tenant %q", tenantID)
		}
		r.mu.Lock()
		r.cache[tenantID] = cacheEntry{tenant: &row, expiresAt: time.Now().Add(cacheTTL)}
		r.mu.Unlock()
		return &row, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Tenant), nil
}

// Invalidate drops a cached tenant row after an administrative write.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}

// EditorURLFor resolves a tenant's editor base URL per spec.md §4.2:
// disabled -> error, own -> tenant.EditorURL, pool -> the process-wide
// configured pool URL.
func (r *Registry) EditorURLFor(_ context.Context, t *types.Tenant) (string, error) {
	switch t.EditorMode {
	case types.EditorModeDisabled:
		return "", types.NewError(types.ErrEditorDisabled, "editor is disabled for tenant %q", t.ID)
	case types.EditorModeOwn:
		if t.EditorURL == "" {
			return "", types.NewError(types.ErrEditorDisabled, "tenant %q has editor_mode=own but no editor_url", t.ID)
		}
		return t.EditorURL, nil
	case types.EditorModePool:
		if r.editor.PoolURL == "" {
			return "", types.NewError(types.ErrEditorDisabled, "no pool editor URL configured")
		}
		return r.editor.PoolURL, nil
	default:
		return "", types.NewError(types.ErrEditorDisabled, "tenant %q has unknown editor_mode %q", t.ID, t.EditorMode)
	}
}

// Authenticate verifies a presented bearer token against the tenant's
// stored bcrypt hash. The raw token is only ever compared, never logged or
// persisted.
func (r *Registry) Authenticate(ctx context.Context, tenantID, token string) (*types.Tenant, error) {
	t, err := r.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, types.NewError(types.ErrTenantDisabled, "tenant %q is disabled", tenantID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(t.APIToken), []byte(token)); err != nil {
		return nil, types.NewError(types.ErrInvalidToken, "invalid API token")
	}
	return t, nil
}

// AuthenticateByToken looks up the tenant that owns token without the
// caller already knowing the tenant id, by hashing the token against every
// active tenant's stored hash. This is the shape the Management API
// actually needs (spec.md §6: "tenant resolution from the token"); it is
// O(tenants) but tenants are long-lived and few compared to sessions, and
// results are not cached since every call compares a fresh bcrypt hash.
func (r *Registry) AuthenticateByToken(ctx context.Context, token string) (*types.Tenant, error) {
	var rows []types.Tenant
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, types.Wrap(types.ErrStorageFailure, err, "load tenants")
	}
	for i := range rows {
		if bcrypt.CompareHashAndPassword([]byte(rows[i].APIToken), []byte(token)) == nil {
			return &rows[i], nil
		}
	}
	return nil, types.NewError(types.ErrInvalidToken, "no tenant matches the presented API token")
}

// DiscoveryInfo returns the process-wide editor discovery action path and
// discovery token configured for building editor URLs (spec.md §6).
func (r *Registry) DiscoveryInfo() (actionPath, discoveryToken string) {
	return r.editor.DiscoveryActionPath, r.editor.DiscoveryToken
}

// HashAPIToken bcrypt-hashes a raw API token for storage in Tenant.APIToken.
func HashAPIToken(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash API token: %w", err)
	}
	return string(hash), nil
}

// BuildEditorURL composes the full editor iframe URL per spec.md §6's
// literal format:
//
//	{editor_base}/browser/{discovery_token}/cool.html?WOPISrc={urlencoded_wopi_src}&access_token={token}
//
// discoveryActionPath is a printf template (e.g. "/browser/%s/cool.html")
// with discoveryToken substituted in, so deployments using a different
// editor family can reconfigure the template without a code change.
func BuildEditorURL(editorBase, discoveryActionPath, discoveryToken, proxyBaseURL, fileID, accessToken string) string {
	wopiSrc := proxyBaseURL + "/wopi/files/" + fileID
	q := url.Values{}
	q.Set("WOPISrc", wopiSrc)
	q.Set("access_token", accessToken)
	return editorBase + fmt.Sprintf(discoveryActionPath, discoveryToken) + "?" + q.Encode()
}
