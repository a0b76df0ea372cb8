package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/genropy/genro-wopi/internal/logger"
	"github.com/genropy/genro-wopi/internal/tenant"
	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/types/interfaces"
)

const maxInsertAttempts = 3

// Manager is the SessionManager (C6): it orchestrates the tenant registry,
// storage registry, token service, session store, callback dispatcher, and
// audit log into the create/close/cleanup procedures of spec.md §4.5.
type Manager struct {
	tenants   interfaces.TenantRegistry
	storages  interfaces.StorageRegistry
	tokens    interfaces.TokenService
	store     interfaces.SessionStore
	callbacks interfaces.CallbackDispatcher
	audit     interfaces.AuditLog

	proxyBaseURL string
	sessionTTL   time.Duration
}

func NewManager(
	tenants interfaces.TenantRegistry,
	storages interfaces.StorageRegistry,
	tokens interfaces.TokenService,
	store interfaces.SessionStore,
	callbacks interfaces.CallbackDispatcher,
	audit interfaces.AuditLog,
	proxyBaseURL string,
	sessionTTL time.Duration,
) *Manager {
	return &Manager{
		tenants:      tenants,
		storages:     storages,
		tokens:       tokens,
		store:        store,
		callbacks:    callbacks,
		audit:        audit,
		proxyBaseURL: proxyBaseURL,
		sessionTTL:   sessionTTL,
	}
}

// Create implements spec.md §4.5's session creation procedure:
//  1. resolve and validate the tenant is active
//  2. resolve the editor URL for the tenant's editor mode (fails with
//     EditorDisabled whenever the tenant's editor is disabled)
//  3. resolve the storage node, confirming the named storage exists (the
//     file itself need not exist)
//  4. mint a file id and session id
//  5. issue a bound access token
//  6. insert the session row, retrying on a file_id/access_token collision
//  7. build the editor iframe URL
//  8. fire the session_created callback (best effort)
//  9. record the command in the audit log
func (m *Manager) Create(ctx context.Context, req interfaces.CreateSessionRequest) (*interfaces.CreateSessionResult, error) {
	t, err := m.tenants.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, types.NewError(types.ErrTenantDisabled, "tenant %q is disabled", t.ID)
	}
	if req.Edit && !t.AllowEdit {
		return nil, types.NewError(types.ErrPermissionDenied, "tenant %q does not allow edit sessions", t.ID)
	}

	editorBase, err := m.tenants.EditorURLFor(ctx, t)
	if err != nil {
		return nil, err
	}

	// Resolving the storage node only confirms the named storage exists;
	// per spec.md §4.5 step 2 a session may be created for a path that is
	// not yet materialized, so the file's own existence is never checked
	// here (CheckFileInfo reports Size=0 for it, per Testable Scenario 5).
	if _, err := m.storages.ResolveNode(ctx, req.TenantID, req.StorageName, req.FilePath); err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.sessionTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	perms := types.NewPermissionSet(req.Edit)

	var (
		result *interfaces.CreateSessionResult
		sess   *types.Session
	)
	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		sessionID := uuid.NewString()
		fileID := uuid.NewString()

		accessToken, tokenExpiresAt, err := m.tokens.Issue(sessionID, ttl)
		if err != nil {
			return nil, err
		}
		// The token's own expiry governs signature validity; the session
		// row's expires_at is the authority actually consulted on every
		// request (spec.md §4.4), so the row never outlives the token: it
		// takes the earlier of the two expiries.
		if tokenExpiresAt.Before(expiresAt) {
			expiresAt = tokenExpiresAt
		}

		candidate := &types.Session{
			ID:                 sessionID,
			TenantID:           req.TenantID,
			StorageName:        req.StorageName,
			FilePath:           req.FilePath,
			FileID:             fileID,
			AccessToken:        accessToken,
			Permissions:        perms.Encode(),
			Account:            req.Account,
			User:               req.User,
			OriginConnectionID: req.OriginConnectionID,
			OriginPageID:       req.OriginPageID,
			CreatedAt:          now,
			ExpiresAt:          expiresAt,
			LastAccessedAt:     now,
		}

		if err := m.store.Insert(ctx, candidate); err != nil {
			if perr, ok := types.AsError(err); ok && perr.Kind == types.ErrConflict {
				logger.Warnf(ctx, "session: retrying create after id collision (attempt %d)", attempt+1)
				continue
			}
			return nil, err
		}

		discoveryPath, discoveryToken := m.tenants.DiscoveryInfo()
		editorURL := tenant.BuildEditorURL(editorBase, discoveryPath, discoveryToken, m.proxyBaseURL, fileID, accessToken)
		sess = candidate
		result = &interfaces.CreateSessionResult{
			SessionID: sessionID,
			FileID:    fileID,
			EditorURL: editorURL,
			ExpiresAt: expiresAt,
		}
		break
	}
	if result == nil {
		return nil, types.NewError(types.ErrConflict, "could not allocate a unique session after %d attempts", maxInsertAttempts)
	}

	m.callbacks.Dispatch(ctx, t, sess, interfaces.EventSessionCreated, nil)
	m.audit.Record(ctx, t.ID, req.Account, req.User, "session.create", map[string]any{
		"session_id": result.SessionID,
		"file_id":    result.FileID,
		"storage":    req.StorageName,
		"path":       req.FilePath,
		"edit":       req.Edit,
	})

	return result, nil
}

// Close releases any held lock and deletes the session row, per spec.md
// §4.5: closing an unlocked session is not an error.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	if lockID := sess.CurrentLock(time.Now()); lockID != "" {
		if _, err := m.store.ReleaseLock(ctx, sessionID, lockID); err != nil {
			return err
		}
	}

	if err := m.store.Delete(ctx, sessionID); err != nil {
		return err
	}

	t, terr := m.tenants.GetTenant(ctx, sess.TenantID)
	if terr == nil {
		m.callbacks.Dispatch(ctx, t, sess, interfaces.EventSessionExpired, nil)
		m.audit.Record(ctx, sess.TenantID, sess.Account, sess.User, "session.close", map[string]any{
			"session_id": sessionID,
		})
	}
	return nil
}

// Cleanup removes every expired session. With dryRun it only counts what
// would be removed, leaving rows untouched — used by the Management API's
// preview mode (spec.md §6).
func (m *Manager) Cleanup(ctx context.Context, dryRun bool) (*interfaces.CleanupResult, error) {
	if dryRun {
		expired, err := m.store.CountExpired(ctx)
		if err != nil {
			return nil, err
		}
		return &interfaces.CleanupResult{ExpiredCount: expired}, nil
	}

	removed, lockReleased, err := m.store.CleanupExpired(ctx)
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		logger.Infof(ctx, "session: cleanup removed %d expired session(s), releasing %d lock(s)", removed, lockReleased)
	}
	return &interfaces.CleanupResult{ExpiredCount: removed, LockReleasedCount: lockReleased}, nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	return m.store.GetByID(ctx, sessionID)
}

func (m *Manager) List(ctx context.Context, tenantID string) ([]*types.Session, error) {
	return m.store.ListActive(ctx, tenantID)
}
