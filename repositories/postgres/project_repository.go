package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"go.uber.org/zap"
)

// ProjectRepository implements the repositories.ProjectRepository interface
type ProjectRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(db *DB, logger *zap.Logger) repositories.ProjectRepository {
	return &ProjectRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new project
func (r *ProjectRepository) Create(ctx context.Context, project *models.Project) error {
	query := `
		INSERT INTO projects (id, name, created_at)
		VALUES ($1, $2, $3)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query, project.ID, project.Name, project.CreatedAt)
	if err != nil {
		return mapWriteError(err, "project "+project.Name)
	}

	r.logger.Debug("project created", zap.String("id", project.ID.String()), zap.String("name", project.Name))
	return nil
}

// CreateIfAbsent inserts the project unless its name is already taken
func (r *ProjectRepository) CreateIfAbsent(ctx context.Context, project *models.Project) (bool, error) {
	query := `
		INSERT INTO projects (id, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, project.ID, project.Name, project.CreatedAt)
	if err != nil {
		return false, mapWriteError(err, "project "+project.Name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// GetByID retrieves a project by ID
func (r *ProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `SELECT id, name, created_at FROM projects WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	project := &models.Project{}
	err := executor.QueryRowContext(ctx, query, id).Scan(&project.ID, &project.Name, &project.CreatedAt)
	if err != nil {
		return nil, mapReadError(err, "project "+id.String())
	}
	return project, nil
}

// GetByName retrieves a project by its unique name
func (r *ProjectRepository) GetByName(ctx context.Context, name string) (*models.Project, error) {
	query := `SELECT id, name, created_at FROM projects WHERE name = $1`

	executor := GetExecutor(ctx, r.db)
	project := &models.Project{}
	err := executor.QueryRowContext(ctx, query, name).Scan(&project.ID, &project.Name, &project.CreatedAt)
	if err != nil {
		return nil, mapReadError(err, "project "+name)
	}
	return project, nil
}

// List retrieves projects ordered by name
func (r *ProjectRepository) List(ctx context.Context, limit, offset int) ([]*models.Project, error) {
	query := `
		SELECT id, name, created_at
		FROM projects
		ORDER BY name
		LIMIT $1 OFFSET $2
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, limitArg(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		project := &models.Project{}
		if err := rows.Scan(&project.ID, &project.Name, &project.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

// Delete deletes a project. Apps must already be gone.
func (r *ProjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM projects WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if err := expectAffected(result, "project "+id.String()); err != nil {
		return err
	}

	r.logger.Debug("project deleted", zap.String("id", id.String()))
	return nil
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as no limit
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
