package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/repositories/memory"
	"github.com/upb/artifact-registry/services/audit"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type received struct {
	event   models.Event
	headers http.Header
}

type receiver struct {
	mu       sync.Mutex
	requests []received
	failures atomic.Int32 // respond 500 while positive
	server   *httptest.Server
}

func newReceiver(t *testing.T) *receiver {
	r := &receiver{}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.failures.Add(-1) >= 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(req.Body)
		var event models.Event
		if err := json.Unmarshal(body, &event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.requests = append(r.requests, received{event: event, headers: req.Header.Clone()})
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *receiver) all() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.requests...)
}

func testConfig() Config {
	return Config{
		QueueSize:       64,
		WorkerQueueSize: 64,
		EnqueueTimeout:  10 * time.Millisecond,
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		RequestTimeout:  time.Second,
		RateLimit:       1000,
		RateBurst:       100,
	}
}

func setupDispatcher(t *testing.T, cfg Config) (*Dispatcher, *repositories.Repositories) {
	t.Helper()
	repos := memory.NewStore(zap.NewNop()).NewRepositories()
	recorder := audit.NewRecorder(repos.Audit, zap.NewNop())
	d := NewDispatcher(repos.Webhooks, recorder, zaptest.NewLogger(t), cfg)
	return d, repos
}

func registerHook(t *testing.T, repos *repositories.Repositories, url string, scope *models.Project, types ...models.EventType) *models.Webhook {
	t.Helper()
	hook := models.NewWebhook("receiver", url, types)
	hook.Headers = map[string]string{"Authorization": "Bearer hook-secret"}
	if scope != nil {
		hook.ProjectID = &scope.ID
	}
	require.NoError(t, repos.Webhooks.Create(context.Background(), hook))
	return hook
}

func stop(t *testing.T, d *Dispatcher) {
	t.Helper()
	require.NoError(t, d.Stop(2*time.Second))
}

func TestDispatcher_DeliversInOrderWithSequence(t *testing.T) {
	d, repos := setupDispatcher(t, testConfig())
	recv := newReceiver(t)
	registerHook(t, repos, recv.server.URL, nil, models.EventPush)

	require.NoError(t, d.Start())

	p := models.NewProject("acme")
	a := models.NewApp(p.ID, "web")
	for i := 0; i < 10; i++ {
		d.Enqueue(models.NewEvent(models.EventPush).ForApp(p, a).WithVersion(strconv.Itoa(i)))
	}
	// not subscribed
	d.Enqueue(models.NewEvent(models.EventPublish).ForApp(p, a))

	assert.Eventually(t, func() bool { return recv.count() == 10 }, 2*time.Second, 5*time.Millisecond)
	stop(t, d)

	for i, r := range recv.all() {
		assert.Equal(t, uint64(i+1), r.event.Sequence)
		assert.Equal(t, strconv.Itoa(i), r.event.VersionHash)
		assert.Equal(t, strconv.Itoa(i+1), r.headers.Get(HeaderSequence))
		assert.Equal(t, "push", r.headers.Get(HeaderEvent))
		assert.Equal(t, r.event.ID.String(), r.headers.Get(HeaderDelivery))
		assert.Equal(t, "application/json", r.headers.Get("Content-Type"))
		assert.Equal(t, "Bearer hook-secret", r.headers.Get("Authorization"))
	}

	stats := d.GetStats()
	assert.Equal(t, uint64(11), stats.Enqueued)
	assert.Equal(t, uint64(10), stats.Delivered)
	assert.Equal(t, 1, stats.Endpoints)
}

func TestDispatcher_SequencePerEndpoint(t *testing.T) {
	d, repos := setupDispatcher(t, testConfig())
	first := newReceiver(t)
	second := newReceiver(t)
	registerHook(t, repos, first.server.URL, nil, models.EventPush, models.EventPublish)
	registerHook(t, repos, second.server.URL, nil, models.EventPublish)

	require.NoError(t, d.Start())
	d.Enqueue(models.NewEvent(models.EventPush))
	d.Enqueue(models.NewEvent(models.EventPublish))

	assert.Eventually(t, func() bool { return first.count() == 2 && second.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, d)

	assert.Equal(t, uint64(2), first.all()[1].event.Sequence)
	assert.Equal(t, uint64(1), second.all()[0].event.Sequence)
}

func TestDispatcher_ScopeFiltering(t *testing.T) {
	d, repos := setupDispatcher(t, testConfig())
	recv := newReceiver(t)

	acme := models.NewProject("acme")
	other := models.NewProject("other")
	registerHook(t, repos, recv.server.URL, acme, models.EventPush)

	require.NoError(t, d.Start())
	d.Enqueue(models.NewEvent(models.EventPush).ForApp(other, models.NewApp(other.ID, "web")))
	d.Enqueue(models.NewEvent(models.EventPush).ForApp(acme, models.NewApp(acme.ID, "web")))
	// registry-wide events do not reach project-scoped hooks
	d.Enqueue(models.NewEvent(models.EventPush))
	stop(t, d)

	require.Equal(t, 1, recv.count())
	assert.Equal(t, "acme", recv.all()[0].event.Project)
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	d, repos := setupDispatcher(t, testConfig())
	recv := newReceiver(t)
	recv.failures.Store(2)
	registerHook(t, repos, recv.server.URL, nil, models.EventPush)

	require.NoError(t, d.Start())
	d.Enqueue(models.NewEvent(models.EventPush))
	stop(t, d)

	assert.Equal(t, 1, recv.count())
	stats := d.GetStats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(2), stats.Retried)
	assert.Equal(t, uint64(0), stats.Failed)
}

func TestDispatcher_RecordsExhaustedDelivery(t *testing.T) {
	d, repos := setupDispatcher(t, testConfig())
	recv := newReceiver(t)
	recv.failures.Store(1000)
	hook := registerHook(t, repos, recv.server.URL, nil, models.EventCleanupCompleted)

	require.NoError(t, d.Start())
	d.Enqueue(models.NewEvent(models.EventCleanupCompleted))
	stop(t, d)

	assert.Equal(t, uint64(1), d.GetStats().Failed)

	logs, err := repos.Audit.List(context.Background(), models.AuditFilter{Operation: models.AuditOpWebhookFailed})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	meta := logs[0].MetadataMap()
	assert.Equal(t, hook.ID.String(), meta["webhook_id"])
	assert.EqualValues(t, 3, meta["attempts"])
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	d, _ := setupDispatcher(t, cfg)

	// not started, so nothing drains the intake
	start := time.Now()
	d.Enqueue(models.NewEvent(models.EventPush))
	d.Enqueue(models.NewEvent(models.EventPush))
	assert.Less(t, time.Since(start), time.Second)

	stats := d.GetStats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 1, stats.PendingEvents)
}

func TestDispatcher_Lifecycle(t *testing.T) {
	d, _ := setupDispatcher(t, testConfig())

	assert.Error(t, d.Stop(time.Second))
	require.NoError(t, d.Start())
	assert.Error(t, d.Start())
	require.NoError(t, d.Stop(time.Second))
	assert.Error(t, d.Stop(time.Second))

	// enqueue after stop is dropped without panicking
	d.Enqueue(models.NewEvent(models.EventPush))
	assert.Equal(t, uint64(1), d.GetStats().Dropped)
}

func TestDispatcher_BlockedEndpointDoesNotDelayOthers(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerQueueSize = 4
	cfg.EnqueueTimeout = 2 * time.Second
	cfg.RequestTimeout = 10 * time.Second
	d, repos := setupDispatcher(t, cfg)

	release := make(chan struct{})
	var slowSeen atomic.Int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-release
		slowSeen.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(slow.Close)
	releaseOnce := sync.OnceFunc(func() { close(release) })
	t.Cleanup(releaseOnce)

	healthy := newReceiver(t)
	registerHook(t, repos, slow.URL, nil, models.EventPush)
	registerHook(t, repos, healthy.server.URL, nil, models.EventPush)

	require.NoError(t, d.Start())
	start := time.Now()
	const events = 12
	for i := 0; i < events; i++ {
		d.Enqueue(models.NewEvent(models.EventPush).WithVersion(strconv.Itoa(i)))
	}

	assert.Eventually(t, func() bool { return healthy.count() == events }, time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), cfg.EnqueueTimeout, "fan-out must not wait on the stuck endpoint")

	releaseOnce()
	stop(t, d)

	stats := d.GetStats()
	assert.Positive(t, stats.Dropped)
	assert.Equal(t, events, int(slowSeen.Load())+int(stats.Dropped))

	n, err := repos.Audit.Count(context.Background(), models.AuditFilter{Operation: models.AuditOpWebhookDrop})
	require.NoError(t, err)
	assert.Equal(t, int(stats.Dropped), n)
}

func TestDispatcher_RetireStopsWorker(t *testing.T) {
	d, repos := setupDispatcher(t, testConfig())
	recv := newReceiver(t)
	hook := registerHook(t, repos, recv.server.URL, nil, models.EventPush)

	require.NoError(t, d.Start())
	d.Enqueue(models.NewEvent(models.EventPush))
	assert.Eventually(t, func() bool { return recv.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.GetStats().Endpoints)

	d.Retire(hook.ID)
	assert.Equal(t, 0, d.GetStats().Endpoints)
	d.Retire(hook.ID)

	// a re-enabled hook gets a fresh worker and sequence
	d.Enqueue(models.NewEvent(models.EventPush))
	assert.Eventually(t, func() bool { return recv.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	stop(t, d)
	assert.Equal(t, uint64(1), recv.all()[1].event.Sequence)
}

func TestDispatcher_IdleWorkerExitsAndKeepsSequence(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 20 * time.Millisecond
	d, repos := setupDispatcher(t, cfg)
	recv := newReceiver(t)
	registerHook(t, repos, recv.server.URL, nil, models.EventPush)

	require.NoError(t, d.Start())
	d.Enqueue(models.NewEvent(models.EventPush))
	assert.Eventually(t, func() bool { return recv.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return d.GetStats().Endpoints == 0 }, 2*time.Second, 5*time.Millisecond)

	d.Enqueue(models.NewEvent(models.EventPush))
	assert.Eventually(t, func() bool { return recv.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	stop(t, d)
	assert.Equal(t, uint64(2), recv.all()[1].event.Sequence)
}
