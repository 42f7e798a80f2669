// Package webhook delivers registry events to subscribed HTTP endpoints and
// manages webhook registrations.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/upb/artifact-registry/config"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/services/audit"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	HeaderEvent    = "X-Registry-Event"
	HeaderDelivery = "X-Registry-Delivery"
	HeaderSequence = "X-Registry-Sequence"

	userAgent = "artifact-registry-webhook/1"
)

// Config holds configuration for the Dispatcher
type Config struct {
	QueueSize       int           // Size of the intake channel
	WorkerQueueSize int           // Backlog limit of each endpoint; overflow is dropped and audited
	EnqueueTimeout  time.Duration // How long Enqueue waits on a full intake before dropping
	IdleTimeout     time.Duration // An endpoint worker with nothing to send exits after this long
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RequestTimeout  time.Duration
	RateLimit       float64 // Requests per second per endpoint
	RateBurst       int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:       1024,
		WorkerQueueSize: 256,
		EnqueueTimeout:  time.Second,
		IdleTimeout:     5 * time.Minute,
		MaxAttempts:     5,
		InitialBackoff:  time.Second,
		MaxBackoff:      30 * time.Second,
		RequestTimeout:  10 * time.Second,
		RateLimit:       10,
		RateBurst:       5,
	}
}

// ConfigFrom maps the service settings onto a dispatcher Config
func ConfigFrom(cfg config.WebhookConfig) Config {
	return Config{
		QueueSize:       cfg.QueueSize,
		WorkerQueueSize: cfg.WorkerQueueSize,
		EnqueueTimeout:  cfg.EnqueueTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		MaxAttempts:     cfg.MaxAttempts,
		InitialBackoff:  cfg.InitialBackoff,
		MaxBackoff:      cfg.MaxBackoff,
		RequestTimeout:  cfg.RequestTimeout,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.WorkerQueueSize <= 0 {
		c.WorkerQueueSize = d.WorkerQueueSize
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = d.EnqueueTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateBurst < 1 {
		c.RateBurst = 1
	}
	return c
}

// delivery is one event bound for one endpoint
type delivery struct {
	hook  *models.Webhook
	event *models.Event
}

var errBacklogFull = errors.New("endpoint backlog full")

// endpoint serializes deliveries to a single webhook. The router appends to
// pending without waiting; the worker drains it in order. Lock order is
// Dispatcher.mu before endpoint.mu.
type endpoint struct {
	id      uuid.UUID
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}

	mu      sync.Mutex
	pending []delivery
	closed  bool
}

func (ep *endpoint) offer(dl delivery, limit int) error {
	ep.mu.Lock()
	if len(ep.pending) >= limit {
		ep.mu.Unlock()
		return errBacklogFull
	}
	ep.pending = append(ep.pending, dl)
	ep.mu.Unlock()
	ep.signal()
	return nil
}

func (ep *endpoint) signal() {
	select {
	case ep.wake <- struct{}{}:
	default:
	}
}

// take pops the oldest pending delivery
func (ep *endpoint) take() (delivery, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.pending) == 0 {
		return delivery{}, false
	}
	dl := ep.pending[0]
	ep.pending[0] = delivery{}
	ep.pending = ep.pending[1:]
	return dl, true
}

func (ep *endpoint) isClosed() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.closed
}

// close stops the endpoint once its backlog drains, or at once with discard
func (ep *endpoint) close(discard bool) int {
	ep.mu.Lock()
	ep.closed = true
	n := 0
	if discard {
		n = len(ep.pending)
		ep.pending = nil
	}
	ep.mu.Unlock()
	ep.signal()
	return n
}

// Dispatcher fans events out to webhook endpoints. Each endpoint has its own
// backlog and goroutine, so deliveries to one endpoint keep their order while a
// slow endpoint never delays the others. Fan-out never waits on a backlog.
type Dispatcher struct {
	webhookRepo repositories.WebhookRepository
	recorder    *audit.Recorder
	client      *http.Client
	logger      *zap.Logger
	cfg         Config

	intake chan *models.Event

	// closing guards intake against sends after Stop closes it
	closing sync.RWMutex
	closed  bool

	mu        sync.Mutex
	started   bool
	endpoints map[uuid.UUID]*endpoint
	sequences map[uuid.UUID]uint64

	ctx      context.Context
	cancel   context.CancelFunc
	routerWG sync.WaitGroup
	workerWG sync.WaitGroup

	enqueued  atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

// NewDispatcher creates a new Dispatcher instance
func NewDispatcher(webhookRepo repositories.WebhookRepository, recorder *audit.Recorder, logger *zap.Logger, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		webhookRepo: webhookRepo,
		recorder:    recorder,
		client:      &http.Client{Timeout: cfg.RequestTimeout},
		logger:      logger,
		cfg:         cfg,
		intake:      make(chan *models.Event, cfg.QueueSize),
		endpoints:   make(map[uuid.UUID]*endpoint),
		sequences:   make(map[uuid.UUID]uint64),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// WithHTTPClient replaces the HTTP client used for deliveries
func (d *Dispatcher) WithHTTPClient(client *http.Client) *Dispatcher {
	d.client = client
	return d
}

// Start starts the router goroutine
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("webhook dispatcher already started")
	}

	d.routerWG.Add(1)
	go d.route()

	d.started = true
	d.logger.Info("Started webhook dispatcher",
		zap.Int("queue_size", d.cfg.QueueSize),
		zap.Int("max_attempts", d.cfg.MaxAttempts),
	)
	return nil
}

// Stop closes the intake and waits for queued deliveries. Retries still
// pending when the timeout expires are abandoned.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return fmt.Errorf("webhook dispatcher not started")
	}
	d.mu.Unlock()

	d.closing.Lock()
	if d.closed {
		d.closing.Unlock()
		return fmt.Errorf("webhook dispatcher already stopped")
	}
	d.closed = true
	close(d.intake)
	d.closing.Unlock()

	d.logger.Info("Stopping webhook dispatcher", zap.Int("pending_events", len(d.intake)))

	done := make(chan struct{})
	go func() {
		d.routerWG.Wait()
		d.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("Webhook dispatcher stopped gracefully")
		return nil
	case <-time.After(timeout):
		d.cancel()
		return fmt.Errorf("webhook dispatcher stop timeout after %v", timeout)
	}
}

// Enqueue hands an event to the dispatcher. It never waits on the network;
// when the intake is full it waits up to the enqueue timeout and then drops
// the event.
func (d *Dispatcher) Enqueue(event *models.Event) {
	d.closing.RLock()
	defer d.closing.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		d.logger.Warn("Webhook dispatcher stopped, dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID.String()),
		)
		return
	}

	select {
	case d.intake <- event:
		d.enqueued.Add(1)
		return
	default:
	}

	timer := time.NewTimer(d.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case d.intake <- event:
		d.enqueued.Add(1)
	case <-timer.C:
		d.dropped.Add(1)
		d.logger.Error("Webhook queue full, dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID.String()),
			zap.Duration("waited", d.cfg.EnqueueTimeout),
		)
	}
}

// route resolves subscribers for each event and fans it out to their backlogs
func (d *Dispatcher) route() {
	defer d.routerWG.Done()

	for event := range d.intake {
		d.dispatch(event)
	}

	d.mu.Lock()
	for _, ep := range d.endpoints {
		ep.close(false)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) dispatch(event *models.Event) {
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()

	hooks, err := d.webhookRepo.ListEnabledForEvent(ctx, event.Type)
	if err != nil {
		d.dropped.Add(1)
		d.logger.Error("Failed to resolve webhook subscribers",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
		return
	}

	for _, hook := range hooks {
		if !hook.Accepts(event) {
			continue
		}
		d.push(hook, event)
	}
}

// push assigns the next sequence of the hook and appends the delivery to its
// backlog. A full backlog drops the delivery and records it.
func (d *Dispatcher) push(hook *models.Webhook, event *models.Event) {
	d.mu.Lock()
	ep := d.endpoint(hook.ID)
	d.sequences[hook.ID]++
	payload := *event
	payload.Sequence = d.sequences[hook.ID]
	err := ep.offer(delivery{hook: hook, event: &payload}, d.cfg.WorkerQueueSize)
	d.mu.Unlock()

	if err == nil {
		return
	}
	d.dropped.Add(1)
	d.logger.Error("Webhook endpoint backlog full, dropping delivery",
		zap.String("webhook_id", hook.ID.String()),
		zap.String("event_id", payload.ID.String()),
		zap.Uint64("sequence", payload.Sequence),
		zap.Int("backlog", d.cfg.WorkerQueueSize),
	)
	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()
	if err := d.recorder.RecordWebhookDropped(rctx, hook, &payload, d.cfg.WorkerQueueSize); err != nil {
		d.logger.Error("Failed to record dropped webhook delivery", zap.Error(err))
	}
}

// endpoint returns the worker for a webhook, starting it on first use. The
// caller holds d.mu.
func (d *Dispatcher) endpoint(id uuid.UUID) *endpoint {
	if ep, ok := d.endpoints[id]; ok {
		return ep
	}
	ctx, cancel := context.WithCancel(d.ctx)
	ep := &endpoint{
		id:      id,
		limiter: rate.NewLimiter(rate.Limit(d.cfg.RateLimit), d.cfg.RateBurst),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}
	d.endpoints[id] = ep

	d.workerWG.Add(1)
	go d.worker(ep)
	return ep
}

// Retire stops the worker of a deleted or disabled webhook. Its backlog and
// any delivery in flight are abandoned and its sequence starts over.
func (d *Dispatcher) Retire(id uuid.UUID) {
	d.mu.Lock()
	ep, ok := d.endpoints[id]
	delete(d.endpoints, id)
	delete(d.sequences, id)
	d.mu.Unlock()
	if !ok {
		return
	}

	discarded := ep.close(true)
	ep.cancel()
	d.logger.Info("Retired webhook worker",
		zap.String("webhook_id", id.String()),
		zap.Int("discarded", discarded),
	)
}

// retireIdle removes an endpoint whose backlog is still empty
func (d *Dispatcher) retireIdle(ep *endpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if len(ep.pending) > 0 {
		return false
	}
	ep.closed = true
	if d.endpoints[ep.id] == ep {
		delete(d.endpoints, ep.id)
	}
	return true
}

func (d *Dispatcher) worker(ep *endpoint) {
	defer d.workerWG.Done()
	defer ep.cancel()

	d.logger.Debug("Webhook worker started", zap.String("webhook_id", ep.id.String()))
	idle := time.NewTimer(d.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		if dl, ok := ep.take(); ok {
			d.deliver(ep, dl)
			continue
		}
		if ep.isClosed() {
			break
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(d.cfg.IdleTimeout)

		select {
		case <-ep.wake:
		case <-idle.C:
			if d.retireIdle(ep) {
				d.logger.Debug("Webhook worker idle", zap.String("webhook_id", ep.id.String()))
				return
			}
		}
	}
	d.logger.Debug("Webhook worker stopped", zap.String("webhook_id", ep.id.String()))
}

// deliver posts one event with retries and records the failure once they run out
func (d *Dispatcher) deliver(ep *endpoint, dl delivery) {
	body, err := json.Marshal(dl.event)
	if err != nil {
		d.fail(dl, 0, fmt.Errorf("failed to encode event: %w", err))
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxAttempts-1)), ep.ctx)

	attempts := 0
	err = backoff.RetryNotify(func() error {
		attempts++
		if err := ep.limiter.Wait(ep.ctx); err != nil {
			return backoff.Permanent(err)
		}
		return d.post(ep.ctx, dl, body)
	}, policy, func(err error, wait time.Duration) {
		d.retried.Add(1)
		d.logger.Warn("Webhook delivery failed, retrying",
			zap.String("webhook_id", dl.hook.ID.String()),
			zap.String("event_id", dl.event.ID.String()),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil && ep.ctx.Err() != nil && d.ctx.Err() == nil {
		d.logger.Debug("Webhook delivery abandoned by retirement",
			zap.String("webhook_id", dl.hook.ID.String()),
			zap.String("event_id", dl.event.ID.String()),
		)
		return
	}
	if err != nil {
		d.fail(dl, attempts, err)
		return
	}

	d.delivered.Add(1)
	d.logger.Debug("Webhook delivered",
		zap.String("webhook_id", dl.hook.ID.String()),
		zap.String("event_type", string(dl.event.Type)),
		zap.Uint64("sequence", dl.event.Sequence),
		zap.Int("attempts", attempts),
	)
}

func (d *Dispatcher) post(ctx context.Context, dl delivery, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.hook.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	for k, v := range dl.hook.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, string(dl.event.Type))
	req.Header.Set(HeaderDelivery, dl.event.ID.String())
	req.Header.Set(HeaderSequence, strconv.FormatUint(dl.event.Sequence, 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint responded with status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) fail(dl delivery, attempts int, lastErr error) {
	d.failed.Add(1)
	d.logger.Error("Webhook delivery failed",
		zap.String("webhook_id", dl.hook.ID.String()),
		zap.String("url", dl.hook.URL),
		zap.String("event_type", string(dl.event.Type)),
		zap.String("event_id", dl.event.ID.String()),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.recorder.RecordWebhookFailed(ctx, dl.hook, dl.event, attempts, lastErr); err != nil {
		d.logger.Error("Failed to record webhook failure", zap.Error(err))
	}
}

// GetStats returns statistics about the dispatcher
func (d *Dispatcher) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Stats{
		QueueSize:     d.cfg.QueueSize,
		PendingEvents: len(d.intake),
		Endpoints:     len(d.endpoints),
		Enqueued:      d.enqueued.Load(),
		Dropped:       d.dropped.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Retried:       d.retried.Load(),
		Started:       d.started,
	}
}

// Stats represents dispatcher statistics
type Stats struct {
	QueueSize     int    `json:"queue_size"`
	PendingEvents int    `json:"pending_events"`
	Endpoints     int    `json:"endpoints"`
	Enqueued      uint64 `json:"enqueued"`
	Dropped       uint64 `json:"dropped"`
	Delivered     uint64 `json:"delivered"`
	Failed        uint64 `json:"failed"`
	Retried       uint64 `json:"retried"`
	Started       bool   `json:"started"`
}
