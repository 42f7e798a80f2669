package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds the retries of a single blob operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Opener returns a fresh reader for each upload attempt
type Opener func() (io.ReadCloser, error)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm) ||
		errors.Is(err, ErrBlobNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Retrying wraps a BlobStore and retries transient failures with exponential backoff
type Retrying struct {
	store  BlobStore
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetrying wraps store. Zero policy fields fall back to 3 attempts from 200ms up to 5s.
func NewRetrying(store BlobStore, policy RetryPolicy, logger *zap.Logger) *Retrying {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 3
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 200 * time.Millisecond
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = 5 * time.Second
	}
	return &Retrying{store: store, policy: policy, logger: logger}
}

// Unwrap returns the underlying store
func (r *Retrying) Unwrap() BlobStore {
	return r.store
}

func (r *Retrying) do(ctx context.Context, op, key string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialBackoff
	b.MaxInterval = r.policy.MaxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		r.logger.Warn("Blob operation failed, retrying",
			zap.String("op", op),
			zap.String("key", key),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

// Put retries only when r can be rewound to its starting offset
func (r *Retrying) Put(ctx context.Context, key string, rd io.Reader, size int64) error {
	seeker, ok := rd.(io.Seeker)
	if !ok {
		return r.do(ctx, "put", key, func() error {
			return Permanent(r.store.Put(ctx, key, rd, size))
		})
	}
	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return r.store.Put(ctx, key, rd, size)
	}
	return r.do(ctx, "put", key, func() error {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return Permanent(err)
		}
		return r.store.Put(ctx, key, rd, size)
	})
}

// PutFrom reopens the content for every attempt
func (r *Retrying) PutFrom(ctx context.Context, key string, open Opener, size int64) error {
	return r.do(ctx, "put", key, func() error {
		rc, err := open()
		if err != nil {
			return Permanent(err)
		}
		defer rc.Close()
		return r.store.Put(ctx, key, rc, size)
	})
}

func (r *Retrying) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.do(ctx, "get", key, func() error {
		var err error
		rc, err = r.store.Get(ctx, key)
		return err
	})
	return rc, err
}

func (r *Retrying) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.do(ctx, "exists", key, func() error {
		var err error
		exists, err = r.store.Exists(ctx, key)
		return err
	})
	return exists, err
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", key, func() error {
		return r.store.Delete(ctx, key)
	})
}

func (r *Retrying) DeletePrefix(ctx context.Context, prefix string) error {
	return r.do(ctx, "delete_prefix", prefix, func() error {
		return r.store.DeletePrefix(ctx, prefix)
	})
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "list", prefix, func() error {
		var err error
		keys, err = r.store.List(ctx, prefix)
		return err
	})
	return keys, err
}
