package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/artifact-registry/repositories/memory"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(ttl time.Duration) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	repos := memory.NewStore(zap.NewNop()).NewRepositories()
	return NewManager(repos.Leases, ttl, zap.NewNop()).WithClock(clock.Now), clock
}

func TestManager_AcquireAndExpire(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(time.Minute)
	appID := uuid.New()

	require.NoError(t, m.Acquire(ctx, appID, "v1", "pull-1"))

	leased, err := m.IsLeased(ctx, appID, "v1")
	require.NoError(t, err)
	assert.True(t, leased)

	clock.Advance(time.Minute)

	leased, err = m.IsLeased(ctx, appID, "v1")
	require.NoError(t, err)
	assert.False(t, leased, "lease must lapse once its ttl has passed")
}

func TestManager_ActiveIsPerApp(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(time.Minute)
	app1, app2 := uuid.New(), uuid.New()

	require.NoError(t, m.Acquire(ctx, app1, "a", "h1"))
	require.NoError(t, m.Acquire(ctx, app1, "a", "h2"))
	require.NoError(t, m.Acquire(ctx, app1, "b", "h3"))
	require.NoError(t, m.Acquire(ctx, app2, "c", "h4"))

	active, err := m.Active(ctx, app1)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a": {}, "b": {}}, active)
}

func TestManager_Sweep(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(time.Minute)
	appID := uuid.New()

	require.NoError(t, m.Acquire(ctx, appID, "old", "h1"))
	clock.Advance(2 * time.Minute)
	require.NoError(t, m.Acquire(ctx, appID, "new", "h2"))

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	active, err := m.Active(ctx, appID)
	require.NoError(t, err)
	assert.Contains(t, active, "new")
}

func TestHandle_ReleaseRemovesLease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(time.Minute)
	appID := uuid.New()

	h, err := m.Hold(ctx, appID, "v1")
	require.NoError(t, err)
	assert.NotEmpty(t, h.Holder())

	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx), "second release is a no-op")

	leased, err := m.IsLeased(ctx, appID, "v1")
	require.NoError(t, err)
	assert.False(t, leased)
}

func TestHandle_OtherHolderKeepsVersionLeased(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(time.Minute)
	appID := uuid.New()

	first, err := m.Hold(ctx, appID, "v1")
	require.NoError(t, err)
	second, err := m.Hold(ctx, appID, "v1")
	require.NoError(t, err)

	require.NoError(t, first.Release(ctx))

	leased, err := m.IsLeased(ctx, appID, "v1")
	require.NoError(t, err)
	assert.True(t, leased)

	require.NoError(t, second.Release(ctx))
}

func TestHandle_RenewsBeforeExpiry(t *testing.T) {
	ctx := context.Background()
	repos := memory.NewStore(zap.NewNop()).NewRepositories()
	m := NewManager(repos.Leases, 60*time.Millisecond, zap.NewNop())
	appID := uuid.New()

	h, err := m.Hold(ctx, appID, "v1")
	require.NoError(t, err)
	defer h.Release(ctx)

	// several ttl periods pass; only renewal keeps the lease alive
	time.Sleep(200 * time.Millisecond)

	leased, err := m.IsLeased(ctx, appID, "v1")
	require.NoError(t, err)
	assert.True(t, leased)
}
