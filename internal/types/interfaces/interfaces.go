// Package interfaces collects the contracts every component of the WOPI
// proxy is built against, so internal/wopi and internal/api depend only on
// these narrow seams rather than on concrete gorm/redis/minio types.
package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/genropy/genro-wopi/internal/types"
)

// StorageNode is a handle to a single file in a backend (spec.md §4.1).
type StorageNode interface {
	Basename() string
	Mimetype() string
	Exists(ctx context.Context) (bool, error)
	Size(ctx context.Context) (int64, error)
	Mtime(ctx context.Context) (time.Time, error)
	ReadBytes(ctx context.Context) ([]byte, error)
	WriteBytes(ctx context.Context, data []byte) error
	Capabilities() types.Capabilities
	Versions(ctx context.Context) ([]types.Version, error)
	VersionCount(ctx context.Context) (int, error)
}

// StorageBackend builds StorageNodes for a given storage row's config blob.
// One implementation per types.StorageProtocol (local, s3, ...).
type StorageBackend interface {
	Node(ctx context.Context, storage *types.Storage, path string) (StorageNode, error)
}

// TenantRegistry resolves tenant ids to rows and editor URLs (C2).
type TenantRegistry interface {
	GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error)
	// EditorURLFor resolves the editor base URL per spec.md §4.2's mode
	// rules (own/pool/disabled).
	EditorURLFor(ctx context.Context, tenant *types.Tenant) (string, error)
	// Authenticate hashes token and compares it to the tenant's stored
	// APIToken hash, returning the tenant on success.
	Authenticate(ctx context.Context, tenantID, token string) (*types.Tenant, error)
	// DiscoveryInfo returns the configured editor discovery action path and
	// discovery token used to compose the editor URL (spec.md §6).
	DiscoveryInfo() (actionPath, discoveryToken string)
}

// StorageRegistry resolves (tenant, storage_name) to a row and to a node
// for a path within it (C3).
type StorageRegistry interface {
	GetStorage(ctx context.Context, tenantID, name string) (*types.Storage, error)
	ResolveNode(ctx context.Context, tenantID, storageName, path string) (StorageNode, error)
}

// LockResult is the outcome of a SessionStore.SetLock call.
type LockResult struct {
	Acquired      bool
	ExistingLock  string // set when Acquired == false
}

// UnlockResult is the outcome of a SessionStore.ReleaseLock call.
type UnlockResult struct {
	Released     bool
	Mismatch     bool
	ExistingLock string // set when Mismatch == true
	NotLocked    bool
}

// SessionStore is the transactional CRUD + lock surface over the sessions
// table (C4). Every method is atomic; SetLock/ReleaseLock are additionally
// serialized per session id (spec.md §4.3, §5).
type SessionStore interface {
	Insert(ctx context.Context, s *types.Session) error
	GetByID(ctx context.Context, id string) (*types.Session, error)
	GetByFileID(ctx context.Context, fileID string) (*types.Session, error)
	GetByToken(ctx context.Context, token string) (*types.Session, error)
	Touch(ctx context.Context, id string, ts time.Time) error
	MarkOpened(ctx context.Context, id string, ts time.Time) (first bool, err error)
	SetLock(ctx context.Context, id, lockID string, ttl time.Duration) (LockResult, error)
	// RefreshLock extends an existing lock's TTL, atomically checking that
	// lockID is the current holder inside the same SELECT ... FOR UPDATE
	// transaction as the update. Unlike SetLock it never acquires a fresh
	// lock: REFRESH_LOCK only transitions from Locked(lockID, _) per
	// spec.md §5's lock state machine, so no current lock is itself a
	// failure (LockResult.Acquired=false, ExistingLock="").
	RefreshLock(ctx context.Context, id, lockID string, ttl time.Duration) (LockResult, error)
	ReleaseLock(ctx context.Context, id, lockID string) (UnlockResult, error)
	GetLock(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) error
	ListActive(ctx context.Context, tenantID string) ([]*types.Session, error)
	CountExpired(ctx context.Context) (int, error)
	// CleanupExpired deletes every expired session, reporting both how many
	// rows were removed and how many of those held a lock id (whether or not
	// the lock itself had expired) at the time of deletion (spec.md §4.5:
	// cleanup -> {expired_count, lock_released_count}).
	CleanupExpired(ctx context.Context) (removed, lockReleased int, err error)
}

// TokenService issues and validates access tokens bound to a session id
// (C5).
type TokenService interface {
	Issue(sessionID string, ttl time.Duration) (token string, expiresAt time.Time, err error)
	Validate(token string) (sessionID string, expiresAt time.Time, err error)
}

// CreateSessionRequest is the input to SessionManager.Create (spec.md §4.5).
type CreateSessionRequest struct {
	TenantID           string
	StorageName        string
	FilePath           string
	Edit               bool
	Account            string
	User               string
	OriginConnectionID string
	OriginPageID       string
	TTL                time.Duration
}

// CreateSessionResult is the output of SessionManager.Create.
type CreateSessionResult struct {
	SessionID string
	FileID    string
	EditorURL string
	ExpiresAt time.Time
}

// CleanupResult is the output of SessionManager.Cleanup.
type CleanupResult struct {
	ExpiredCount      int
	LockReleasedCount int
}

// SessionManager implements the business rules for create/close/cleanup
// (C6), orchestrating the tenant/storage registries, token service, and
// session store.
type SessionManager interface {
	Create(ctx context.Context, req CreateSessionRequest) (*CreateSessionResult, error)
	Close(ctx context.Context, sessionID string) error
	Cleanup(ctx context.Context, dryRun bool) (*CleanupResult, error)
	Get(ctx context.Context, sessionID string) (*types.Session, error)
	List(ctx context.Context, tenantID string) ([]*types.Session, error)
}

// CallbackEvent names the best-effort notifications fired to a tenant's
// callback endpoint (C8).
type CallbackEvent string

const (
	EventSessionCreated  CallbackEvent = "session_created"
	EventDocumentOpened  CallbackEvent = "document_opened"
	EventDocumentSaved   CallbackEvent = "document_saved"
	EventLockAcquired    CallbackEvent = "lock_acquired"
	EventLockReleased    CallbackEvent = "lock_released"
	EventSessionExpired  CallbackEvent = "session_expired"
)

// CallbackDispatcher sends best-effort HTTP notifications to the
// originating application (C8).
type CallbackDispatcher interface {
	// Dispatch enqueues the callback; it never blocks on the network and
	// never returns an error the caller must act on (spec.md §4.7).
	Dispatch(ctx context.Context, tenant *types.Tenant, session *types.Session, event CallbackEvent, extras map[string]any)
}

// AuditLog is the append-only operation log (C9).
type AuditLog interface {
	Record(ctx context.Context, tenantID, account, user, command string, details map[string]any)
	// LastWriteError reports the most recent write failure, if any, for
	// health-check purposes; it never affects the hot path.
	LastWriteError() error
}

// FileReader is an alias for io.Reader. GetFile does not use it: it reads
// the whole file through StorageNode.ReadBytes.
type FileReader = io.Reader
