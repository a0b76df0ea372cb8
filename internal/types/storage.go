package types

import "time"

// Capabilities describes what a StorageNode backend supports (spec.md
// §4.1). The protocol layer must only call operations a node's
// capabilities permit.
type Capabilities struct {
	Read           bool
	Write          bool
	Delete         bool
	Versioning     bool
	VersionListing bool
	VersionAccess  bool
	PresignedURLs  bool
}

// Version describes one historical version of a stored file, newest first.
type Version struct {
	VersionID string
	Mtime     time.Time
	Size      int64
}
