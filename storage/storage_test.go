package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/artifact-registry/models"
	"go.uber.org/zap"
)

func TestLocalStore_PutGetList(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	key := FileKey("acme", "web", "abc", "bin/app")
	require.NoError(t, store.Put(ctx, key, strings.NewReader("hello"), 5))

	rc, err := store.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	keys, err := store.List(ctx, VersionPrefix("acme", "web", "abc"))
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/web/abc/files/bin/app"}, keys)

	keys, err = store.List(ctx, "missing/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLocalStore_GetMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "acme/web/abc/meta.yaml")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestLocalStore_SizeMismatchLeavesNothing(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocalStore(root)
	require.NoError(t, err)

	err = store.Put(ctx, "acme/web/abc/files/a", strings.NewReader("short"), 10)
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "acme", "web", "abc", "files"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be removed and target never created")
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	err = store.Put(context.Background(), "../outside", strings.NewReader("x"), 1)
	assert.Error(t, err)
}

func TestLocalStore_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, FileKey("acme", "web", "v1", "a"), strings.NewReader("a"), 1))
	require.NoError(t, store.Put(ctx, FileKey("acme", "web", "v2", "a"), strings.NewReader("a"), 1))
	require.NoError(t, store.DeletePrefix(ctx, VersionPrefix("acme", "web", "v1")))

	keys, err := store.List(ctx, AppPrefix("acme", "web"))
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/web/v2/files/a"}, keys)

	assert.NoError(t, store.Delete(ctx, "acme/web/v1/meta.yaml"), "missing key is not an error")
}

func TestMeta_RoundTripThroughStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	buildTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	files := []models.ManifestFile{{Path: "a.txt", Size: 1, SHA256: strings.Repeat("0", 64)}}
	v := models.NewVersion(uuid.New(), &models.Manifest{Hash: "h1", Files: files}, "ci", buildTime).WithGitCommit("deadbeef")

	require.NoError(t, WriteMeta(ctx, store, NewMeta("acme", "web", v, files)))

	meta, err := ReadMeta(ctx, store, MetaKey("acme", "web", "h1"))
	require.NoError(t, err)
	assert.Equal(t, "acme", meta.Project)
	assert.Equal(t, "web", meta.App)
	assert.Equal(t, "h1", meta.Version)
	assert.Equal(t, "deadbeef", meta.GitCommit)
	assert.True(t, buildTime.Equal(meta.BuildTime))
	assert.Equal(t, files, meta.Files)
}

func TestParseMetaKey(t *testing.T) {
	ref, ok := ParseMetaKey("acme/web/abc/meta.yaml")
	require.True(t, ok)
	assert.Equal(t, VersionRef{Project: "acme", App: "web", Hash: "abc"}, ref)

	_, ok = ParseMetaKey("acme/web/abc/files/meta.yaml")
	assert.False(t, ok)
	_, ok = ParseMetaKey("acme/web/meta.yaml")
	assert.False(t, ok)
}

// MockBlobStore is a mock implementation of BlobStore
type MockBlobStore struct {
	mock.Mock
}

func (m *MockBlobStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	data, _ := io.ReadAll(r)
	args := m.Called(key, string(data), size)
	return args.Error(0)
}

func (m *MockBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	args := m.Called(key)
	if rc := args.Get(0); rc != nil {
		return rc.(io.ReadCloser), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(key)
	return args.Bool(0), args.Error(1)
}

func (m *MockBlobStore) Delete(ctx context.Context, key string) error {
	return m.Called(key).Error(0)
}

func (m *MockBlobStore) DeletePrefix(ctx context.Context, prefix string) error {
	return m.Called(prefix).Error(0)
}

func (m *MockBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(prefix)
	if keys := args.Get(0); keys != nil {
		return keys.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRetrying_RetriesTransientPut(t *testing.T) {
	inner := new(MockBlobStore)
	inner.On("Put", "k", "payload", int64(7)).Return(errors.New("connection reset")).Twice()
	inner.On("Put", "k", "payload", int64(7)).Return(nil).Once()

	store := NewRetrying(inner, fastPolicy(), zap.NewNop())
	err := store.Put(context.Background(), "k", bytes.NewReader([]byte("payload")), 7)

	require.NoError(t, err)
	inner.AssertNumberOfCalls(t, "Put", 3)
}

func TestRetrying_GivesUpAfterMaxAttempts(t *testing.T) {
	inner := new(MockBlobStore)
	inner.On("Delete", "k").Return(errors.New("503 slow down"))

	store := NewRetrying(inner, fastPolicy(), zap.NewNop())
	err := store.Delete(context.Background(), "k")

	require.Error(t, err)
	inner.AssertNumberOfCalls(t, "Delete", 3)
}

func TestRetrying_NotFoundIsPermanent(t *testing.T) {
	inner := new(MockBlobStore)
	inner.On("Get", "k").Return(nil, ErrBlobNotFound)

	store := NewRetrying(inner, fastPolicy(), zap.NewNop())
	_, err := store.Get(context.Background(), "k")

	assert.ErrorIs(t, err, ErrBlobNotFound)
	inner.AssertNumberOfCalls(t, "Get", 1)
}

func TestRetrying_PutFromReopens(t *testing.T) {
	inner := new(MockBlobStore)
	inner.On("Put", "k", "abc", int64(3)).Return(errors.New("timeout")).Once()
	inner.On("Put", "k", "abc", int64(3)).Return(nil).Once()

	opens := 0
	store := NewRetrying(inner, fastPolicy(), zap.NewNop())
	err := store.PutFrom(context.Background(), "k", func() (io.ReadCloser, error) {
		opens++
		return io.NopCloser(strings.NewReader("abc")), nil
	}, 3)

	require.NoError(t, err)
	assert.Equal(t, 2, opens)
}

func TestRetrying_PermanentStopsRetries(t *testing.T) {
	inner := new(MockBlobStore)
	bad := errors.New("content does not match manifest")
	inner.On("Put", "k", "abc", int64(3)).Return(Permanent(bad))

	store := NewRetrying(inner, fastPolicy(), zap.NewNop())
	err := store.PutFrom(context.Background(), "k", func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("abc")), nil
	}, 3)

	assert.ErrorIs(t, err, bad)
	inner.AssertNumberOfCalls(t, "Put", 1)
}
