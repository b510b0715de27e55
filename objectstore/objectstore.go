// Package objectstore is the blob-archive boundary: raw payload
// archives and canonical CSV exports both go through Put. One write per
// run per object, timestamped keys, no overwrite concern.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ObjectStore abstracts the minimal object storage operations the
// pipelines need.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Close() error
}

// Local persists objects on disk, standing in for the real store in
// tests and local runs.
type Local struct {
	root string
}

// NewLocal creates a local store rooted at dir (a temp dir when empty).
func NewLocal(root string) *Local {
	if root == "" {
		root = filepath.Join(os.TempDir(), "ingestion-objects")
	}
	_ = os.MkdirAll(root, 0o755)
	return &Local{root: root}
}

// Put writes the object under root/bucket/key.
func (l *Local) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	path := filepath.Join(l.root, bucket, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get reads an object back.
func (l *Local) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.root, bucket, filepath.FromSlash(key)))
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Close implements ObjectStore.
func (l *Local) Close() error { return nil }
