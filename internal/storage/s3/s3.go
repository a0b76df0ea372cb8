// Package s3 implements the Storage Node Contract (C1) over an
// S3-compatible object store via minio-go/v7.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/genropy/genro-wopi/internal/storage"
	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/types/interfaces"
)

// Config is the unsealed configuration for an "s3" storage row.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	UseSSL    bool   `json:"use_ssl"`
	// Prefix is prepended to every resolved path, letting one bucket host
	// several tenants' storages under distinct key prefixes.
	Prefix string `json:"prefix"`
}

// Backend builds minio-backed StorageNodes. Clients are cached per
// (endpoint, access key); bucket versioning status is not cached and is
// queried again on every Node call.
type Backend struct {
	sealer storage.Sealer

	mu      sync.Mutex
	clients map[string]*minio.Client
}

func NewBackend(sealer storage.Sealer) *Backend {
	return &Backend{sealer: sealer, clients: make(map[string]*minio.Client)}
}

func (b *Backend) client(cfg Config) (*minio.Client, error) {
	key := cfg.Endpoint + "|" + cfg.AccessKey
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[key]; ok {
		return c, nil
	}
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	b.clients[key] = c
	return c, nil
}

func (b *Backend) Node(ctx context.Context, st *types.Storage, path string) (interfaces.StorageNode, error) {
	raw, err := b.sealer.Unseal(st.Config)
	if err != nil {
		return nil, types.Wrap(types.ErrStorageFailure, err, "unseal storage config")
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, types.Wrap(types.ErrStorageFailure, err, "decode s3 storage config")
	}
	client, err := b.client(cfg)
	if err != nil {
		return nil, types.Wrap(types.ErrStorageFailure, err, "build s3 client")
	}

	key := strings.TrimPrefix(strings.TrimPrefix(cfg.Prefix+"/"+path, "/"), "")
	key = strings.TrimPrefix(key, "/")

	versioned, err := bucketVersioned(ctx, client, cfg.Bucket)
	if err != nil {
		// Treat as non-versioned rather than failing node resolution; the
		// capability just reports false.
		versioned = false
	}

	return &Node{client: client, bucket: cfg.Bucket, key: key, versioned: versioned}, nil
}

func bucketVersioned(ctx context.Context, client *minio.Client, bucket string) (bool, error) {
	cfg, err := client.GetBucketVersioning(ctx, bucket)
	if err != nil {
		return false, err
	}
	return cfg.Status == "Enabled", nil
}

// Node is a single object within an S3-compatible bucket.
type Node struct {
	client    *minio.Client
	bucket    string
	key       string
	versioned bool
}

func (n *Node) Basename() string {
	parts := strings.Split(n.key, "/")
	return parts[len(parts)-1]
}

func (n *Node) Mimetype() string { return storage.MimetypeForPath(n.key) }

func (n *Node) Exists(ctx context.Context) (bool, error) {
	_, err := n.client.StatObject(ctx, n.bucket, n.key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if errResp := minio.ToErrorResponse(err); errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
		return false, nil
	}
	return false, types.Wrap(types.ErrStorageFailure, err, "stat %s", n.key)
}

// Size returns 0 for a not-yet-materialized object rather than erroring: a
// session may be created for a key with nothing written yet (spec.md §4.5
// step 2), and CheckFileInfo must still report Size=0 for it.
func (n *Node) Size(ctx context.Context) (int64, error) {
	info, err := n.client.StatObject(ctx, n.bucket, n.key, minio.StatObjectOptions{})
	if err != nil {
		if errResp := minio.ToErrorResponse(err); errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return 0, nil
		}
		return 0, types.Wrap(types.ErrStorageFailure, err, "stat %s", n.key)
	}
	return info.Size, nil
}

// Mtime returns the zero time for a not-yet-materialized object; see Size.
func (n *Node) Mtime(ctx context.Context) (time.Time, error) {
	info, err := n.client.StatObject(ctx, n.bucket, n.key, minio.StatObjectOptions{})
	if err != nil {
		if errResp := minio.ToErrorResponse(err); errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return time.Time{}, nil
		}
		return time.Time{}, types.Wrap(types.ErrStorageFailure, err, "stat %s", n.key)
	}
	return info.LastModified, nil
}

func (n *Node) ReadBytes(ctx context.Context) ([]byte, error) {
	obj, err := n.client.GetObject(ctx, n.bucket, n.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, types.Wrap(types.ErrStorageFailure, err, "get %s", n.key)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, types.Wrap(types.ErrStorageFailure, err, "read %s", n.key)
	}
	return data, nil
}

func (n *Node) WriteBytes(ctx context.Context, data []byte) error {
	_, err := n.client.PutObject(ctx, n.bucket, n.key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: storage.MimetypeForPath(n.key)})
	if err != nil {
		return types.Wrap(types.ErrStorageFailure, err, "put %s", n.key)
	}
	return nil
}

func (n *Node) Capabilities() types.Capabilities {
	return types.Capabilities{
		Read:           true,
		Write:          true,
		Delete:         true,
		Versioning:     n.versioned,
		VersionListing: n.versioned,
		VersionAccess:  n.versioned,
		PresignedURLs:  true,
	}
}

func (n *Node) Versions(ctx context.Context) ([]types.Version, error) {
	if !n.versioned {
		return nil, nil
	}
	var versions []types.Version
	for obj := range n.client.ListObjects(ctx, n.bucket, minio.ListObjectsOptions{
		Prefix:       n.key,
		WithVersions: true,
	}) {
		if obj.Err != nil {
			return nil, types.Wrap(types.ErrStorageFailure, obj.Err, "list versions for %s", n.key)
		}
		if obj.Key != n.key {
			continue
		}
		versions = append(versions, types.Version{
			VersionID: obj.VersionID,
			Mtime:     obj.LastModified,
			Size:      obj.Size,
		})
	}
	sortVersionsNewestFirst(versions)
	return versions, nil
}

func sortVersionsNewestFirst(versions []types.Version) {
	for i := 1; i < len(versions); i++ {
		for j := i; j > 0 && versions[j].Mtime.After(versions[j-1].Mtime); j-- {
			versions[j], versions[j-1] = versions[j-1], versions[j]
		}
	}
}

func (n *Node) VersionCount(ctx context.Context) (int, error) {
	versions, err := n.Versions(ctx)
	if err != nil {
		return 0, err
	}
	return len(versions), nil
}
