package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
)

var (
	// ErrNotFound is wrapped by repositories when a row does not exist
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is wrapped by repositories when a uniqueness constraint rejects a write
	ErrDuplicate = errors.New("duplicate record")
)

// TransactionManager manages database transactions. Repositories pick up the
// active transaction from the context passed to them.
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns a context carrying the transaction
	Context() context.Context
}

// ProjectRepository handles project data operations
type ProjectRepository interface {
	// Create inserts a project, returning ErrDuplicate when the name is taken
	Create(ctx context.Context, project *models.Project) error

	// CreateIfAbsent inserts a project unless the name is taken and reports
	// whether it did. It never aborts an enclosing transaction on conflict.
	CreateIfAbsent(ctx context.Context, project *models.Project) (bool, error)

	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetByName(ctx context.Context, name string) (*models.Project, error)

	// List returns projects ordered by name
	List(ctx context.Context, limit, offset int) ([]*models.Project, error)

	Delete(ctx context.Context, id uuid.UUID) error
}

// AppRepository handles app data operations
type AppRepository interface {
	// Create inserts an app, returning ErrDuplicate when the name is taken in the project
	Create(ctx context.Context, app *models.App) error

	// CreateIfAbsent is Create without the conflict error
	CreateIfAbsent(ctx context.Context, app *models.App) (bool, error)

	GetByID(ctx context.Context, id uuid.UUID) (*models.App, error)
	GetByName(ctx context.Context, projectID uuid.UUID, name string) (*models.App, error)

	// ListByProject returns the apps of a project ordered by name
	ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]*models.App, error)

	// ListAll returns every app in the registry
	ListAll(ctx context.Context) ([]*models.App, error)

	// LockForUpdate takes a row lock on the app for the rest of the transaction.
	// It must be called inside a transaction.
	LockForUpdate(ctx context.Context, id uuid.UUID) error

	Delete(ctx context.Context, id uuid.UUID) error
}

// VersionRepository handles version and manifest data operations
type VersionRepository interface {
	// Create inserts a version, returning ErrDuplicate when (app_id, version_hash) exists
	Create(ctx context.Context, version *models.Version) error

	// InsertFiles stores the manifest rows of a version
	InsertFiles(ctx context.Context, versionID uuid.UUID, files []models.ManifestFile) error

	GetByHash(ctx context.Context, appID uuid.UUID, hash string) (*models.Version, error)

	// GetPublished returns the published version of an app or ErrNotFound
	GetPublished(ctx context.Context, appID uuid.UUID) (*models.Version, error)

	// GetFiles returns the manifest rows of a version ordered by path
	GetFiles(ctx context.Context, versionID uuid.UUID) ([]models.ManifestFile, error)

	// ListByApp returns versions newest first. A limit of zero or less returns all.
	ListByApp(ctx context.Context, appID uuid.UUID, limit, offset int) ([]*models.Version, error)

	// ClearPublished unsets is_published on every version of the app
	ClearPublished(ctx context.Context, appID uuid.UUID) (int64, error)

	// MarkPublished sets is_published on a single version
	MarkPublished(ctx context.Context, versionID uuid.UUID) error

	// Delete removes a version and its manifest rows
	Delete(ctx context.Context, versionID uuid.UUID) error
}

// TokenRepository handles token data operations
type TokenRepository interface {
	Create(ctx context.Context, token *models.Token) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Token, error)

	// GetBySecretHash retrieves a token by the hash of its secret
	GetBySecretHash(ctx context.Context, hash string) (*models.Token, error)

	List(ctx context.Context, limit, offset int) ([]*models.Token, error)
	Count(ctx context.Context) (int, error)
	Update(ctx context.Context, token *models.Token) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// WebhookRepository handles webhook data operations
type WebhookRepository interface {
	Create(ctx context.Context, webhook *models.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Webhook, error)
	List(ctx context.Context, limit, offset int) ([]*models.Webhook, error)

	// ListEnabledForEvent returns enabled webhooks subscribed to the event type.
	// Scope filtering is left to the caller.
	ListEnabledForEvent(ctx context.Context, eventType models.EventType) ([]*models.Webhook, error)

	Update(ctx context.Context, webhook *models.Webhook) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// AuditRepository handles audit log data operations
type AuditRepository interface {
	// Insert inserts a new audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// List returns entries matching the filter, newest first
	List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error)

	// Count returns the number of entries matching the filter, ignoring paging
	Count(ctx context.Context, filter models.AuditFilter) (int, error)

	// DeleteOlderThan deletes entries created before the cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConfigRepository stores registry settings as key/value rows
type ConfigRepository interface {
	// Get returns the value for key or ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// Set upserts the value for key
	Set(ctx context.Context, key, value string) error

	// SetIfAbsent inserts the value only when the key is missing
	SetIfAbsent(ctx context.Context, key, value string) error

	GetAll(ctx context.Context) (map[string]string, error)
}

// LeaseRepository stores advisory transfer leases
type LeaseRepository interface {
	// Upsert creates the lease or extends its expiry
	Upsert(ctx context.Context, lease *models.Lease) error

	Delete(ctx context.Context, appID uuid.UUID, hash, holder string) error

	// ActiveHashes returns the version hashes of the app with unexpired leases
	ActiveHashes(ctx context.Context, appID uuid.UUID, now time.Time) ([]string, error)

	// DeleteExpired removes leases that expired before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Projects ProjectRepository
	Apps     AppRepository
	Versions VersionRepository
	Tokens   TokenRepository
	Webhooks WebhookRepository
	Audit    AuditRepository
	Config   ConfigRepository
	Leases   LeaseRepository
	TxMgr    TransactionManager
}
