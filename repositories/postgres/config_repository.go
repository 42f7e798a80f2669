package postgres

import (
	"context"
	"fmt"

	"github.com/upb/artifact-registry/repositories"
	"go.uber.org/zap"
)

// ConfigRepository implements the repositories.ConfigRepository interface
type ConfigRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewConfigRepository creates a new config repository
func NewConfigRepository(db *DB, logger *zap.Logger) repositories.ConfigRepository {
	return &ConfigRepository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a config value
func (r *ConfigRepository) Get(ctx context.Context, key string) (string, error) {
	executor := GetExecutor(ctx, r.db)
	var value string
	err := executor.QueryRowContext(ctx, `SELECT value FROM registry_config WHERE key = $1`, key).Scan(&value)
	if err != nil {
		return "", mapReadError(err, "config key "+key)
	}
	return value, nil
}

// Set upserts a config value
func (r *ConfigRepository) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO registry_config (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}

	r.logger.Debug("config updated", zap.String("key", key))
	return nil
}

// SetIfAbsent inserts a config value unless the key exists
func (r *ConfigRepository) SetIfAbsent(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO registry_config (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to seed config %s: %w", key, err)
	}
	return nil
}

// GetAll retrieves every config value
func (r *ConfigRepository) GetAll(ctx context.Context) (map[string]string, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, `SELECT key, value FROM registry_config`)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		values[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating config: %w", err)
	}

	return values, nil
}
