package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"go.uber.org/zap"
)

// TokenRepository implements the repositories.TokenRepository interface
type TokenRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *DB, logger *zap.Logger) repositories.TokenRepository {
	return &TokenRepository{
		db:     db,
		logger: logger,
	}
}

const tokenColumns = `id, name, secret_hash, prefix, permissions, project_id, app_id, expires_at, created_at`

func scanToken(row rowScanner) (*models.Token, error) {
	t := &models.Token{}
	var perms pq.StringArray
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.SecretHash,
		&t.Prefix,
		&perms,
		&t.ProjectID,
		&t.AppID,
		&t.ExpiresAt,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	set, err := models.ParsePermissionSet(perms)
	if err != nil {
		return nil, fmt.Errorf("token %s has invalid permissions: %w", t.ID, err)
	}
	t.Permissions = set
	return t, nil
}

// Create creates a new token
func (r *TokenRepository) Create(ctx context.Context, token *models.Token) error {
	query := `
		INSERT INTO tokens (` + tokenColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		token.ID,
		token.Name,
		token.SecretHash,
		token.Prefix,
		pq.Array(token.Permissions.Strings()),
		token.ProjectID,
		token.AppID,
		token.ExpiresAt,
		token.CreatedAt,
	)
	if err != nil {
		return mapWriteError(err, "token "+token.Name)
	}

	r.logger.Debug("token created", zap.String("id", token.ID.String()), zap.String("name", token.Name))
	return nil
}

// GetByID retrieves a token by ID
func (r *TokenRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	t, err := scanToken(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapReadError(err, "token "+id.String())
	}
	return t, nil
}

// GetBySecretHash retrieves a token by the hash of its secret
func (r *TokenRepository) GetBySecretHash(ctx context.Context, hash string) (*models.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE secret_hash = $1`

	executor := GetExecutor(ctx, r.db)
	t, err := scanToken(executor.QueryRowContext(ctx, query, hash))
	if err != nil {
		return nil, mapReadError(err, "token")
	}
	return t, nil
}

// List retrieves tokens newest first
func (r *TokenRepository) List(ctx context.Context, limit, offset int) ([]*models.Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM tokens
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, limitArg(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*models.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tokens: %w", err)
	}

	return tokens, nil
}

// Count returns the number of tokens
func (r *TokenRepository) Count(ctx context.Context) (int, error) {
	executor := GetExecutor(ctx, r.db)
	var count int
	if err := executor.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tokens: %w", err)
	}
	return count, nil
}

// Update updates the mutable fields of a token
func (r *TokenRepository) Update(ctx context.Context, token *models.Token) error {
	query := `
		UPDATE tokens
		SET name = $2, permissions = $3, project_id = $4, app_id = $5, expires_at = $6
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		token.ID,
		token.Name,
		pq.Array(token.Permissions.Strings()),
		token.ProjectID,
		token.AppID,
		token.ExpiresAt,
	)
	if err != nil {
		return mapWriteError(err, "token "+token.Name)
	}
	if err := expectAffected(result, "token "+token.ID.String()); err != nil {
		return err
	}

	r.logger.Debug("token updated", zap.String("id", token.ID.String()))
	return nil
}

// Delete deletes a token
func (r *TokenRepository) Delete(ctx context.Context, id uuid.UUID) error {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, `DELETE FROM tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if err := expectAffected(result, "token "+id.String()); err != nil {
		return err
	}

	r.logger.Debug("token deleted", zap.String("id", id.String()))
	return nil
}
