// Package lease tracks advisory markers on versions that are being
// transferred, so garbage collection and deletes leave them alone.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"go.uber.org/zap"
)

const defaultTTL = 2 * time.Minute

// Manager creates, renews and releases leases
type Manager struct {
	leaseRepo repositories.LeaseRepository
	ttl       time.Duration
	logger    *zap.Logger
	nowFn     func() time.Time
}

// NewManager creates a new lease Manager
func NewManager(leaseRepo repositories.LeaseRepository, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{
		leaseRepo: leaseRepo,
		ttl:       ttl,
		logger:    logger,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source
func (m *Manager) WithClock(nowFn func() time.Time) *Manager {
	m.nowFn = nowFn
	return m
}

// TTL returns the lease lifetime
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire creates the lease or pushes its expiry out by one TTL
func (m *Manager) Acquire(ctx context.Context, appID uuid.UUID, hash, holder string) error {
	lease := &models.Lease{
		AppID:       appID,
		VersionHash: hash,
		Holder:      holder,
		ExpiresAt:   m.nowFn().Add(m.ttl),
	}
	if err := m.leaseRepo.Upsert(ctx, lease); err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	return nil
}

// Hold acquires a lease and keeps renewing it every TTL/3 until the handle
// is released.
func (m *Manager) Hold(ctx context.Context, appID uuid.UUID, hash string) (*Handle, error) {
	holder := uuid.NewString()
	if err := m.Acquire(ctx, appID, hash, holder); err != nil {
		return nil, err
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		m:      m,
		appID:  appID,
		hash:   hash,
		holder: holder,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.renew(renewCtx)
	return h, nil
}

// Active returns the hashes of the app that currently have an unexpired lease
func (m *Manager) Active(ctx context.Context, appID uuid.UUID) (map[string]struct{}, error) {
	hashes, err := m.leaseRepo.ActiveHashes(ctx, appID, m.nowFn())
	if err != nil {
		return nil, fmt.Errorf("failed to load active leases: %w", err)
	}
	active := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		active[h] = struct{}{}
	}
	return active, nil
}

// IsLeased reports whether a single version has an active lease
func (m *Manager) IsLeased(ctx context.Context, appID uuid.UUID, hash string) (bool, error) {
	active, err := m.Active(ctx, appID)
	if err != nil {
		return false, err
	}
	_, ok := active[hash]
	return ok, nil
}

// Sweep deletes expired leases
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.leaseRepo.DeleteExpired(ctx, m.nowFn())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep leases: %w", err)
	}
	if n > 0 {
		m.logger.Debug("Swept expired leases", zap.Int64("count", n))
	}
	return n, nil
}

// Handle is a held lease
type Handle struct {
	m      *Manager
	appID  uuid.UUID
	hash   string
	holder string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Holder returns the unique holder id of this lease
func (h *Handle) Holder() string {
	return h.holder
}

func (h *Handle) renew(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.m.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.m.Acquire(ctx, h.appID, h.hash, h.holder); err != nil && ctx.Err() == nil {
				h.m.logger.Warn("Failed to renew lease",
					zap.String("app_id", h.appID.String()),
					zap.String("version", h.hash),
					zap.Error(err),
				)
			}
		}
	}
}

// Release stops renewal and deletes the lease. It is safe to call more than once.
func (h *Handle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		h.cancel()
		<-h.done
		if delErr := h.m.leaseRepo.Delete(ctx, h.appID, h.hash, h.holder); delErr != nil {
			err = fmt.Errorf("failed to release lease: %w", delErr)
		}
	})
	return err
}
