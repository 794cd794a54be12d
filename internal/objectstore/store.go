// Package objectstore persists immutable blobs. Raw clinical documents are
// the source of truth of the pipeline, so a Put that returns nil must be
// durable.
package objectstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// Store is the object storage gateway used by ingestion.
type Store interface {
	// Put writes data under key. Implementations return only once the write
	// is durable.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns the object or an error wrapping domain.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// New builds the store selected by the configuration.
func New(ctx context.Context, cfg domain.ObjectStoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "minio":
		return NewMinIOStore(ctx, cfg)
	case "filesystem":
		return NewFSStore(cfg.BasePath)
	default:
		return nil, fmt.Errorf("unsupported object store driver: %s", cfg.Driver)
	}
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}
