// Package types holds the domain model shared by every component of the
// WOPI proxy: tenants, storages, sessions, audit entries, and the small
// value types (permission sets, editor modes, storage protocols) that tie
// them together.
package types

import (
	"strings"
	"time"
)

// Clock is a time source with the signature of time.Now. No component in
// this module accepts one: stores and handlers call time.Now directly.
type Clock func() time.Time

// EditorMode controls how a tenant's editor URL is resolved (spec.md §4.2).
type EditorMode string

const (
	EditorModePool     EditorMode = "pool"
	EditorModeOwn      EditorMode = "own"
	EditorModeDisabled EditorMode = "disabled"
)

// StorageProtocol enumerates the storage backends a Storage row can name.
// Only "local" and "s3" are backed by a real implementation in this module;
// the rest are recognized so the data model stays forward-compatible but
// resolve to StorageFailure (see internal/storage).
type StorageProtocol string

const (
	StorageProtocolLocal  StorageProtocol = "local"
	StorageProtocolS3     StorageProtocol = "s3"
	StorageProtocolGCS    StorageProtocol = "gcs"
	StorageProtocolAzure  StorageProtocol = "azure"
	StorageProtocolWebDAV StorageProtocol = "webdav"
)

// PermissionSet is the set of WOPI permissions a session carries, a subset
// of {view, edit}. "view" is always present once the set is non-empty.
type PermissionSet map[string]bool

const (
	PermissionView = "view"
	PermissionEdit = "edit"
)

// NewPermissionSet builds a PermissionSet, always including "view".
func NewPermissionSet(edit bool) PermissionSet {
	p := PermissionSet{PermissionView: true}
	if edit {
		p[PermissionEdit] = true
	}
	return p
}

func (p PermissionSet) View() bool { return p[PermissionView] }
func (p PermissionSet) Edit() bool { return p[PermissionEdit] }

// Encode serializes the set for storage as a comma-joined string in a fixed
// order: "view" first, then "edit".
func (p PermissionSet) Encode() string {
	var parts []string
	if p.View() {
		parts = append(parts, PermissionView)
	}
	if p.Edit() {
		parts = append(parts, PermissionEdit)
	}
	return strings.Join(parts, ",")
}

// DecodePermissionSet parses the Encode() format back into a PermissionSet.
func DecodePermissionSet(s string) PermissionSet {
	p := PermissionSet{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			p[part] = true
		}
	}
	return p
}

// Tenant is an isolation boundary owning storages, sessions, and a callback
// target (spec.md §3).
type Tenant struct {
	ID              string     `gorm:"primaryKey;type:varchar(64)"`
	Name            string     `gorm:"not null"`
	Active          bool       `gorm:"not null;default:true"`
	EditorMode      EditorMode `gorm:"type:varchar(16);not null"`
	EditorURL       string     `gorm:"type:text"`
	CallbackBaseURL string     `gorm:"type:text"`
	CallbackAuth    string     `gorm:"type:text"`
	AllowEdit       bool       `gorm:"not null;default:true"`
	// APIToken is the bcrypt hash of the tenant's management API token,
	// never the raw token (see internal/tenant).
	APIToken  string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Tenant) TableName() string { return "tenants" }

// Storage names a storage backend definition owned by a tenant.
type Storage struct {
	TenantID   string          `gorm:"primaryKey;type:varchar(64)"`
	Name       string          `gorm:"primaryKey;type:varchar(128)"`
	Protocol   StorageProtocol `gorm:"type:varchar(16);not null"`
	Config     []byte          `gorm:"type:bytea"` // opaque, sealed blob
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Storage) TableName() string { return "storages" }

// Session is the ephemeral, authenticated handle tying a file_id to a
// tenant, storage path, identity, permission set, expiry, and WOPI lock
// (spec.md §3).
type Session struct {
	ID                 string `gorm:"primaryKey;type:varchar(64)"`
	TenantID           string `gorm:"type:varchar(64);not null;index"`
	StorageName        string `gorm:"type:varchar(128);not null"`
	FilePath           string `gorm:"type:text;not null"`
	FileID             string `gorm:"type:varchar(64);not null;uniqueIndex"`
	AccessToken        string `gorm:"type:text;not null;uniqueIndex"`
	Permissions        string `gorm:"type:varchar(32);not null"`
	Account            string `gorm:"type:varchar(256);not null"`
	User               string `gorm:"type:varchar(256)"`
	OriginConnectionID string `gorm:"type:varchar(256)"`
	OriginPageID       string `gorm:"type:varchar(256)"`
	LockID             string `gorm:"type:varchar(256)"`
	LockExpiresAt      *time.Time
	CreatedAt          time.Time `gorm:"not null"`
	ExpiresAt          time.Time `gorm:"not null;index"`
	LastAccessedAt     time.Time `gorm:"not null"`
	// OpenedAt is set on the first successful GetFile (drives the
	// document_opened callback firing exactly once per session).
	OpenedAt *time.Time
}

func (Session) TableName() string { return "sessions" }

// PermissionSet decodes the stored Permissions column.
func (s *Session) PermissionSet() PermissionSet { return DecodePermissionSet(s.Permissions) }

// Expired reports whether the session is expired as of now.
func (s *Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// Locked reports whether the session currently holds a non-expired lock.
func (s *Session) Locked(now time.Time) bool {
	return s.LockID != "" && s.LockExpiresAt != nil && now.Before(*s.LockExpiresAt)
}

// CurrentLock returns the session's lock id, or "" if unlocked or expired.
func (s *Session) CurrentLock(now time.Time) string {
	if s.Locked(now) {
		return s.LockID
	}
	return ""
}

// CommandLog is one row of the append-only audit trail (C9).
type CommandLog struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID  string `gorm:"type:varchar(64);index"`
	Account   string `gorm:"type:varchar(256)"`
	User      string `gorm:"type:varchar(256)"`
	Command   string `gorm:"type:varchar(128);not null"`
	Details   string `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (CommandLog) TableName() string { return "command_log" }
