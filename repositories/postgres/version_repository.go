package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"go.uber.org/zap"
)

// VersionRepository implements the repositories.VersionRepository interface
type VersionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewVersionRepository creates a new version repository
func NewVersionRepository(db *DB, logger *zap.Logger) repositories.VersionRepository {
	return &VersionRepository{
		db:     db,
		logger: logger,
	}
}

const versionColumns = `id, app_id, version_hash, git_commit, builder, build_time,
		file_count, total_size, is_published, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row rowScanner) (*models.Version, error) {
	v := &models.Version{}
	err := row.Scan(
		&v.ID,
		&v.AppID,
		&v.Hash,
		&v.GitCommit,
		&v.Builder,
		&v.BuildTime,
		&v.FileCount,
		&v.TotalSize,
		&v.IsPublished,
		&v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Create inserts a version. The (app_id, version_hash) constraint turns a
// concurrent identical insert into ErrDuplicate.
func (r *VersionRepository) Create(ctx context.Context, version *models.Version) error {
	query := `
		INSERT INTO versions (
			id, app_id, version_hash, git_commit, builder, build_time,
			file_count, total_size, is_published, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		version.ID,
		version.AppID,
		version.Hash,
		version.GitCommit,
		version.Builder,
		version.BuildTime,
		version.FileCount,
		version.TotalSize,
		version.IsPublished,
		version.CreatedAt,
	)
	if err != nil {
		return mapWriteError(err, "version "+version.Hash)
	}

	r.logger.Debug("version created",
		zap.String("id", version.ID.String()),
		zap.String("app_id", version.AppID.String()),
		zap.String("version_hash", version.Hash))
	return nil
}

// InsertFiles stores the manifest rows of a version
func (r *VersionRepository) InsertFiles(ctx context.Context, versionID uuid.UUID, files []models.ManifestFile) error {
	query := `INSERT INTO version_files (version_id, path, size, sha256) VALUES ($1, $2, $3, $4)`

	executor := GetExecutor(ctx, r.db)
	for _, f := range files {
		if _, err := executor.ExecContext(ctx, query, versionID, f.Path, f.Size, f.SHA256); err != nil {
			return mapWriteError(err, "manifest file "+f.Path)
		}
	}
	return nil
}

// GetByHash retrieves a version by its hash within an app
func (r *VersionRepository) GetByHash(ctx context.Context, appID uuid.UUID, hash string) (*models.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE app_id = $1 AND version_hash = $2`

	executor := GetExecutor(ctx, r.db)
	v, err := scanVersion(executor.QueryRowContext(ctx, query, appID, hash))
	if err != nil {
		return nil, mapReadError(err, "version "+hash)
	}
	return v, nil
}

// GetPublished retrieves the published version of an app
func (r *VersionRepository) GetPublished(ctx context.Context, appID uuid.UUID) (*models.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE app_id = $1 AND is_published`

	executor := GetExecutor(ctx, r.db)
	v, err := scanVersion(executor.QueryRowContext(ctx, query, appID))
	if err != nil {
		return nil, mapReadError(err, "published version of app "+appID.String())
	}
	return v, nil
}

// GetFiles retrieves the manifest rows of a version ordered by path
func (r *VersionRepository) GetFiles(ctx context.Context, versionID uuid.UUID) ([]models.ManifestFile, error) {
	query := `
		SELECT path, size, sha256
		FROM version_files
		WHERE version_id = $1
		ORDER BY path COLLATE "C"
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest files: %w", err)
	}
	defer rows.Close()

	var files []models.ManifestFile
	for rows.Next() {
		var f models.ManifestFile
		if err := rows.Scan(&f.Path, &f.Size, &f.SHA256); err != nil {
			return nil, fmt.Errorf("failed to scan manifest file: %w", err)
		}
		files = append(files, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating manifest files: %w", err)
	}

	return files, nil
}

// ListByApp retrieves versions of an app newest first
func (r *VersionRepository) ListByApp(ctx context.Context, appID uuid.UUID, limit, offset int) ([]*models.Version, error) {
	query := `
		SELECT ` + versionColumns + `
		FROM versions
		WHERE app_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, appID, limitArg(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

// ClearPublished unsets the published flag on every version of the app
func (r *VersionRepository) ClearPublished(ctx context.Context, appID uuid.UUID) (int64, error) {
	query := `UPDATE versions SET is_published = false WHERE app_id = $1 AND is_published`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, appID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear published version: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// MarkPublished sets the published flag on a version
func (r *VersionRepository) MarkPublished(ctx context.Context, versionID uuid.UUID) error {
	query := `UPDATE versions SET is_published = true WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, versionID)
	if err != nil {
		return mapWriteError(err, "published flag")
	}
	if err := expectAffected(result, "version "+versionID.String()); err != nil {
		return err
	}

	r.logger.Debug("version published", zap.String("id", versionID.String()))
	return nil
}

// Delete removes the manifest rows and the version row
func (r *VersionRepository) Delete(ctx context.Context, versionID uuid.UUID) error {
	executor := GetExecutor(ctx, r.db)

	if _, err := executor.ExecContext(ctx, `DELETE FROM version_files WHERE version_id = $1`, versionID); err != nil {
		return fmt.Errorf("failed to delete manifest files: %w", err)
	}

	result, err := executor.ExecContext(ctx, `DELETE FROM versions WHERE id = $1`, versionID)
	if err != nil {
		return fmt.Errorf("failed to delete version: %w", err)
	}
	if err := expectAffected(result, "version "+versionID.String()); err != nil {
		return err
	}

	r.logger.Debug("version deleted", zap.String("id", versionID.String()))
	return nil
}
