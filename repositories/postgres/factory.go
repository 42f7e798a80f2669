package postgres

import (
	"github.com/upb/artifact-registry/config"
	"github.com/upb/artifact-registry/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db     *DB
	logger *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	return &RepositoryFactory{db: db, logger: logger}, nil
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Projects: NewProjectRepository(f.db, f.logger),
		Apps:     NewAppRepository(f.db, f.logger),
		Versions: NewVersionRepository(f.db, f.logger),
		Tokens:   NewTokenRepository(f.db, f.logger),
		Webhooks: NewWebhookRepository(f.db, f.logger),
		Audit:    NewAuditRepository(f.db, f.logger),
		Config:   NewConfigRepository(f.db, f.logger),
		Leases:   NewLeaseRepository(f.db, f.logger),
		TxMgr:    f.GetTransactionManager(),
	}
}

// GetTransactionManager returns a transaction manager
func (f *RepositoryFactory) GetTransactionManager() repositories.TransactionManager {
	return NewTransactionManager(f.db, f.logger)
}

// Migrator returns a migrator bound to the factory's connection pool
func (f *RepositoryFactory) Migrator() (*Migrator, error) {
	return NewMigrator(f.db, f.logger)
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}
