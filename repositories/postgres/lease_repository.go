package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"go.uber.org/zap"
)

// LeaseRepository implements the repositories.LeaseRepository interface
type LeaseRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewLeaseRepository creates a new lease repository
func NewLeaseRepository(db *DB, logger *zap.Logger) repositories.LeaseRepository {
	return &LeaseRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert creates a lease or extends its expiry
func (r *LeaseRepository) Upsert(ctx context.Context, lease *models.Lease) error {
	query := `
		INSERT INTO version_leases (app_id, version_hash, holder, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (app_id, version_hash, holder) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, lease.AppID, lease.VersionHash, lease.Holder, lease.ExpiresAt); err != nil {
		return fmt.Errorf("failed to upsert lease: %w", err)
	}
	return nil
}

// Delete releases a lease
func (r *LeaseRepository) Delete(ctx context.Context, appID uuid.UUID, hash, holder string) error {
	query := `DELETE FROM version_leases WHERE app_id = $1 AND version_hash = $2 AND holder = $3`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, appID, hash, holder); err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	return nil
}

// ActiveHashes returns the hashes of an app's versions with unexpired leases
func (r *LeaseRepository) ActiveHashes(ctx context.Context, appID uuid.UUID, now time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT version_hash
		FROM version_leases
		WHERE app_id = $1 AND expires_at > $2
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, appID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query leases: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		hashes = append(hashes, hash)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating leases: %w", err)
	}

	return hashes, nil
}

// DeleteExpired removes expired leases
func (r *LeaseRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, `DELETE FROM version_leases WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired leases: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		r.logger.Debug("expired leases removed", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}
