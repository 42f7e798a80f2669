// Package storage holds artifact file content. Keys are slash-separated and
// laid out as <project>/<app>/<hash>/files/<path>, with a meta.yaml commit
// marker per version written after all files.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/upb/artifact-registry/config"
	"go.uber.org/zap"
)

// ErrBlobNotFound is returned when a key does not exist
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the content backend used by the registry engine
type BlobStore interface {
	// Put stores content at key. A size of -1 means unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get opens the content at key or returns ErrBlobNotFound
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes a single key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key under prefix
	DeletePrefix(ctx context.Context, prefix string) error

	// List returns every key under prefix, recursively
	List(ctx context.Context, prefix string) ([]string, error)
}

// New creates a blob store based on configuration, wrapped with retries
func New(cfg config.StorageConfig, logger *zap.Logger) (*Retrying, error) {
	var (
		store BlobStore
		err   error
	)
	switch cfg.Type {
	case "s3":
		store, err = NewS3Store(cfg)
	case "local", "filesystem", "":
		store, err = NewLocalStore(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("Blob store initialized", zap.String("type", cfg.Type))
	return NewRetrying(store, RetryPolicy{
		MaxAttempts:    cfg.RetryAttempts,
		InitialBackoff: cfg.RetryInitialBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
	}, logger), nil
}
