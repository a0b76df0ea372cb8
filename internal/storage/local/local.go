// Package local implements the Storage Node Contract (C1) over the local
// filesystem, with atomic-replace writes and a simple mtime-keyed version
// history kept in a sibling ".versions" directory.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/genropy/genro-wopi/internal/storage"
	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/types/interfaces"
)

// Config is the unsealed configuration for a "local" storage row.
type Config struct {
	// Root is the directory paths are resolved against.
	Root string `json:"root"`
	// MaxVersions bounds how many historical snapshots are retained per
	// file; 0 disables versioning entirely.
	MaxVersions int `json:"max_versions"`
}

// Backend builds local-disk StorageNodes.
type Backend struct {
	sealer storage.Sealer
}

// NewBackend returns a Backend that unseals Storage.Config via sealer.
func NewBackend(sealer storage.Sealer) *Backend {
	return &Backend{sealer: sealer}
}

func (b *Backend) Node(ctx context.Context, st *types.Storage, path string) (interfaces.StorageNode, error) {
	raw, err := b.sealer.Unseal(st.Config)
	if err != nil {
		return nil, types.Wrap(types.ErrStorageFailure, err, "unseal storage config")
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, types.Wrap(types.ErrStorageFailure, err, "decode local storage config")
	}
	if cfg.Root == "" {
		return nil, types.NewError(types.ErrStorageFailure, "local storage %q has no root configured", st.Name)
	}
	clean := filepath.Clean("/" + path)[1:] // reject ".." escapes by rooting at "/"
	full := filepath.Join(cfg.Root, clean)
	return &Node{root: cfg.Root, path: clean, full: full, maxVersions: cfg.MaxVersions}, nil
}

// Node is a single file within a local-disk storage root.
type Node struct {
	root        string
	path        string
	full        string
	maxVersions int
}

func (n *Node) Basename() string { return filepath.Base(n.path) }

func (n *Node) Mimetype() string { return storage.MimetypeForPath(n.path) }

func (n *Node) Exists(_ context.Context) (bool, error) {
	_, err := os.Stat(n.full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, types.Wrap(types.ErrStorageFailure, err, "stat %s", n.path)
}

// Size returns 0 for a not-yet-materialized file rather than erroring: a
// session may be created for a path with nothing written yet (spec.md
// §4.5 step 2), and CheckFileInfo must still report Size=0 for it.
func (n *Node) Size(_ context.Context) (int64, error) {
	info, err := os.Stat(n.full)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, types.Wrap(types.ErrStorageFailure, err, "stat %s", n.path)
	}
	return info.Size(), nil
}

// Mtime returns the zero time for a not-yet-materialized file; see Size.
func (n *Node) Mtime(_ context.Context) (time.Time, error) {
	info, err := os.Stat(n.full)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, types.Wrap(types.ErrStorageFailure, err, "stat %s", n.path)
	}
	return info.ModTime(), nil
}

func (n *Node) ReadBytes(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(n.full)
	if err != nil {
		return nil, types.Wrap(types.ErrStorageFailure, err, "read %s", n.path)
	}
	return data, nil
}

// WriteBytes replaces the file atomically (write to a temp file in the
// same directory, then rename) and, when versioning is enabled, snapshots
// the previous contents first.
func (n *Node) WriteBytes(ctx context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(n.full), 0o755); err != nil {
		return types.Wrap(types.ErrStorageFailure, err, "create parent dir for %s", n.path)
	}

	if n.maxVersions > 0 {
		if err := n.snapshot(); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(n.full), ".tmp-*")
	if err != nil {
		return types.Wrap(types.ErrStorageFailure, err, "create temp file for %s", n.path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return types.Wrap(types.ErrStorageFailure, err, "write temp file for %s", n.path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return types.Wrap(types.ErrStorageFailure, err, "close temp file for %s", n.path)
	}
	if ctx.Err() != nil {
		os.Remove(tmpName)
		return types.Wrap(types.ErrStorageFailure, ctx.Err(), "write %s canceled", n.path)
	}
	if err := os.Rename(tmpName, n.full); err != nil {
		os.Remove(tmpName)
		return types.Wrap(types.ErrStorageFailure, err, "rename into place for %s", n.path)
	}
	return nil
}

func (n *Node) Capabilities() types.Capabilities {
	return types.Capabilities{
		Read:           true,
		Write:          true,
		Delete:         true,
		Versioning:     n.maxVersions > 0,
		VersionListing: n.maxVersions > 0,
		VersionAccess:  n.maxVersions > 0,
		PresignedURLs:  false,
	}
}

func (n *Node) versionsDir() string {
	return filepath.Join(filepath.Dir(n.full), ".versions", filepath.Base(n.full))
}

// snapshot copies the current file contents into the versions directory,
// named by the current mtime (so ordering and version ids are mtime-based
// per SPEC_FULL.md §4.1), and prunes beyond maxVersions.
func (n *Node) snapshot() error {
	info, err := os.Stat(n.full)
	if os.IsNotExist(err) {
		return nil // nothing to snapshot yet
	}
	if err != nil {
		return types.Wrap(types.ErrStorageFailure, err, "stat %s before snapshot", n.path)
	}

	dir := n.versionsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Wrap(types.ErrStorageFailure, err, "create versions dir for %s", n.path)
	}

	data, err := os.ReadFile(n.full)
	if err != nil {
		return types.Wrap(types.ErrStorageFailure, err, "read %s before snapshot", n.path)
	}
	versionID := fmt.Sprintf("v%d", info.ModTime().Unix())
	if err := os.WriteFile(filepath.Join(dir, versionID), data, 0o644); err != nil {
		return types.Wrap(types.ErrStorageFailure, err, "write version snapshot for %s", n.path)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil // pruning is best-effort
	}
	if len(entries) <= n.maxVersions {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries[:len(entries)-n.maxVersions] {
		os.Remove(filepath.Join(dir, e.Name()))
	}
	return nil
}

func (n *Node) Versions(_ context.Context) ([]types.Version, error) {
	if n.maxVersions <= 0 {
		return nil, nil
	}
	dir := n.versionsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.Wrap(types.ErrStorageFailure, err, "list versions for %s", n.path)
	}

	versions := make([]types.Version, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		versions = append(versions, types.Version{
			VersionID: e.Name(),
			Mtime:     info.ModTime(),
			Size:      info.Size(),
		})
	}
	sort.Slice(versions, func(i, j int) bool {
		return versionNumber(versions[i].VersionID) > versionNumber(versions[j].VersionID)
	})
	return versions, nil
}

func versionNumber(id string) int64 {
	n, _ := strconv.ParseInt(strings.TrimPrefix(id, "v"), 10, 64)
	return n
}

func (n *Node) VersionCount(ctx context.Context) (int, error) {
	versions, err := n.Versions(ctx)
	if err != nil {
		return 0, err
	}
	return len(versions), nil
}
