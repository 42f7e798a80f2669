// Package memory is a process-local implementation of the repository
// interfaces. Transactions serialize on a single mutex and roll back by
// restoring a snapshot, which gives the same isolation the Postgres store
// gets from row locks for a single-instance deployment.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"go.uber.org/zap"
)

type txKey struct{}

type leaseKey struct {
	appID  uuid.UUID
	hash   string
	holder string
}

type auditRow struct {
	seq   uint64
	entry models.AuditLog
}

type versionRow struct {
	seq     uint64
	version models.Version
	files   []models.ManifestFile
}

type state struct {
	seq      uint64
	projects map[uuid.UUID]models.Project
	apps     map[uuid.UUID]models.App
	versions map[uuid.UUID]*versionRow
	tokens   map[uuid.UUID]models.Token
	webhooks map[uuid.UUID]models.Webhook
	audit    map[uuid.UUID]auditRow
	config   map[string]string
	leases   map[leaseKey]models.Lease
}

func newState() *state {
	return &state{
		projects: make(map[uuid.UUID]models.Project),
		apps:     make(map[uuid.UUID]models.App),
		versions: make(map[uuid.UUID]*versionRow),
		tokens:   make(map[uuid.UUID]models.Token),
		webhooks: make(map[uuid.UUID]models.Webhook),
		audit:    make(map[uuid.UUID]auditRow),
		config:   make(map[string]string),
		leases:   make(map[leaseKey]models.Lease),
	}
}

func (s *state) clone() *state {
	c := newState()
	c.seq = s.seq
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.apps {
		c.apps[k] = v
	}
	for k, v := range s.versions {
		row := *v
		row.files = append([]models.ManifestFile(nil), v.files...)
		c.versions[k] = &row
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = cloneWebhook(v)
	}
	for k, v := range s.audit {
		c.audit[k] = v
	}
	for k, v := range s.config {
		c.config[k] = v
	}
	for k, v := range s.leases {
		c.leases[k] = v
	}
	return c
}

func (s *state) next() uint64 {
	s.seq++
	return s.seq
}

// Store holds all registry state in memory
type Store struct {
	mu     sync.Mutex
	data   *state
	logger *zap.Logger
}

// NewStore creates an empty store
func NewStore(logger *zap.Logger) *Store {
	return &Store{data: newState(), logger: logger}
}

// NewRepositories returns every repository backed by this store
func (s *Store) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Projects: &ProjectRepository{s},
		Apps:     &AppRepository{s},
		Versions: &VersionRepository{s},
		Tokens:   &TokenRepository{s},
		Webhooks: &WebhookRepository{s},
		Audit:    &AuditRepository{s},
		Config:   &ConfigRepository{s},
		Leases:   &LeaseRepository{s},
		TxMgr:    &TransactionManager{s},
	}
}

// lock acquires the store unless ctx already carries a live transaction of this store
func (s *Store) lock(ctx context.Context) func() {
	if tx, ok := ctx.Value(txKey{}).(*Transaction); ok && tx.store == s && !tx.done {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) inTx(ctx context.Context) bool {
	tx, ok := ctx.Value(txKey{}).(*Transaction)
	return ok && tx.store == s && !tx.done
}

// TransactionManager implements repositories.TransactionManager
type TransactionManager struct {
	store *Store
}

// Begin takes the store lock until Commit or Rollback
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	if tm.store.inTx(ctx) {
		return nil, fmt.Errorf("nested transactions are not supported")
	}
	tm.store.mu.Lock()
	tx := &Transaction{store: tm.store, snapshot: tm.store.data.clone()}
	tx.ctx = context.WithValue(ctx, txKey{}, tx)
	return tx, nil
}

// InTransaction executes fn within a transaction
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := tm.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx.Context(), tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Transaction implements repositories.Transaction
type Transaction struct {
	store    *Store
	snapshot *state
	ctx      context.Context
	done     bool
}

// Commit releases the store lock and keeps the changes
func (t *Transaction) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

// Rollback restores the snapshot and releases the store lock
func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.data = t.snapshot
	t.store.mu.Unlock()
	return nil
}

// Context returns a context carrying the transaction
func (t *Transaction) Context() context.Context {
	return t.ctx
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, repositories.ErrNotFound)
}

func duplicate(what string) error {
	return fmt.Errorf("%s: %w", what, repositories.ErrDuplicate)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneWebhook(w models.Webhook) models.Webhook {
	headers := make(map[string]string, len(w.Headers))
	for k, v := range w.Headers {
		headers[k] = v
	}
	w.Headers = headers
	w.EventTypes = append([]models.EventType(nil), w.EventTypes...)
	return w
}
