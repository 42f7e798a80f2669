package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"go.uber.org/zap"
)

// AppRepository implements the repositories.AppRepository interface
type AppRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAppRepository creates a new app repository
func NewAppRepository(db *DB, logger *zap.Logger) repositories.AppRepository {
	return &AppRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new app
func (r *AppRepository) Create(ctx context.Context, app *models.App) error {
	query := `
		INSERT INTO apps (id, project_id, name, created_at)
		VALUES ($1, $2, $3, $4)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query, app.ID, app.ProjectID, app.Name, app.CreatedAt)
	if err != nil {
		return mapWriteError(err, "app "+app.Name)
	}

	r.logger.Debug("app created",
		zap.String("id", app.ID.String()),
		zap.String("project_id", app.ProjectID.String()),
		zap.String("name", app.Name))
	return nil
}

// CreateIfAbsent inserts the app unless the project already has one by that name
func (r *AppRepository) CreateIfAbsent(ctx context.Context, app *models.App) (bool, error) {
	query := `
		INSERT INTO apps (id, project_id, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, name) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, app.ID, app.ProjectID, app.Name, app.CreatedAt)
	if err != nil {
		return false, mapWriteError(err, "app "+app.Name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// GetByID retrieves an app by ID
func (r *AppRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.App, error) {
	query := `SELECT id, project_id, name, created_at FROM apps WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	app, err := scanApp(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapReadError(err, "app "+id.String())
	}
	return app, nil
}

// GetByName retrieves an app by name within a project
func (r *AppRepository) GetByName(ctx context.Context, projectID uuid.UUID, name string) (*models.App, error) {
	query := `SELECT id, project_id, name, created_at FROM apps WHERE project_id = $1 AND name = $2`

	executor := GetExecutor(ctx, r.db)
	app, err := scanApp(executor.QueryRowContext(ctx, query, projectID, name))
	if err != nil {
		return nil, mapReadError(err, "app "+name)
	}
	return app, nil
}

// ListByProject retrieves the apps of a project ordered by name
func (r *AppRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]*models.App, error) {
	query := `
		SELECT id, project_id, name, created_at
		FROM apps
		WHERE project_id = $1
		ORDER BY name
		LIMIT $2 OFFSET $3
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, projectID, limitArg(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	return collectApps(rows)
}

// ListAll retrieves every app
func (r *AppRepository) ListAll(ctx context.Context) ([]*models.App, error) {
	query := `SELECT id, project_id, name, created_at FROM apps ORDER BY project_id, name`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	return collectApps(rows)
}

// LockForUpdate takes a row lock on the app until the transaction ends
func (r *AppRepository) LockForUpdate(ctx context.Context, id uuid.UUID) error {
	if !inTransaction(ctx) {
		return fmt.Errorf("lock on app %s requires a transaction", id)
	}

	query := `SELECT id FROM apps WHERE id = $1 FOR UPDATE`

	executor := GetExecutor(ctx, r.db)
	var locked uuid.UUID
	if err := executor.QueryRowContext(ctx, query, id).Scan(&locked); err != nil {
		return mapReadError(err, "app "+id.String())
	}

	r.logger.Debug("app locked", zap.String("id", id.String()))
	return nil
}

// Delete deletes an app. Versions must already be gone.
func (r *AppRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM apps WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete app: %w", err)
	}
	if err := expectAffected(result, "app "+id.String()); err != nil {
		return err
	}

	r.logger.Debug("app deleted", zap.String("id", id.String()))
	return nil
}

func scanApp(row *sql.Row) (*models.App, error) {
	app := &models.App{}
	if err := row.Scan(&app.ID, &app.ProjectID, &app.Name, &app.CreatedAt); err != nil {
		return nil, err
	}
	return app, nil
}

func collectApps(rows *sql.Rows) ([]*models.App, error) {
	defer rows.Close()

	var apps []*models.App
	for rows.Next() {
		app := &models.App{}
		if err := rows.Scan(&app.ID, &app.ProjectID, &app.Name, &app.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan app: %w", err)
		}
		apps = append(apps, app)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating apps: %w", err)
	}

	return apps, nil
}
