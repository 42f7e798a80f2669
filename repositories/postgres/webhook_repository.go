package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"go.uber.org/zap"
)

// WebhookRepository implements the repositories.WebhookRepository interface
type WebhookRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewWebhookRepository creates a new webhook repository
func NewWebhookRepository(db *DB, logger *zap.Logger) repositories.WebhookRepository {
	return &WebhookRepository{
		db:     db,
		logger: logger,
	}
}

const webhookColumns = `id, name, url, headers, event_types, enabled, project_id, app_id, created_at`

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	w := &models.Webhook{}
	var headers []byte
	var eventTypes pq.StringArray
	err := row.Scan(
		&w.ID,
		&w.Name,
		&w.URL,
		&headers,
		&eventTypes,
		&w.Enabled,
		&w.ProjectID,
		&w.AppID,
		&w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Headers = map[string]string{}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &w.Headers); err != nil {
			return nil, fmt.Errorf("webhook %s has invalid headers: %w", w.ID, err)
		}
	}
	w.EventTypes = make([]models.EventType, len(eventTypes))
	for i, t := range eventTypes {
		w.EventTypes[i] = models.EventType(t)
	}
	return w, nil
}

func webhookArgs(w *models.Webhook) (string, interface{}, error) {
	headers, err := json.Marshal(w.Headers)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal webhook headers: %w", err)
	}
	eventTypes := make([]string, len(w.EventTypes))
	for i, t := range w.EventTypes {
		eventTypes[i] = string(t)
	}
	return string(headers), pq.Array(eventTypes), nil
}

// Create creates a new webhook
func (r *WebhookRepository) Create(ctx context.Context, webhook *models.Webhook) error {
	headers, eventTypes, err := webhookArgs(webhook)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhooks (` + webhookColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		webhook.ID,
		webhook.Name,
		webhook.URL,
		headers,
		eventTypes,
		webhook.Enabled,
		webhook.ProjectID,
		webhook.AppID,
		webhook.CreatedAt,
	)
	if err != nil {
		return mapWriteError(err, "webhook "+webhook.Name)
	}

	r.logger.Debug("webhook created", zap.String("id", webhook.ID.String()), zap.String("url", webhook.URL))
	return nil
}

// GetByID retrieves a webhook by ID
func (r *WebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	w, err := scanWebhook(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapReadError(err, "webhook "+id.String())
	}
	return w, nil
}

// List retrieves webhooks newest first
func (r *WebhookRepository) List(ctx context.Context, limit, offset int) ([]*models.Webhook, error) {
	query := `
		SELECT ` + webhookColumns + `
		FROM webhooks
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, limitArg(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return r.collect(rows)
}

// ListEnabledForEvent retrieves enabled webhooks subscribed to an event type
func (r *WebhookRepository) ListEnabledForEvent(ctx context.Context, eventType models.EventType) ([]*models.Webhook, error) {
	query := `
		SELECT ` + webhookColumns + `
		FROM webhooks
		WHERE enabled AND $1 = ANY(event_types)
		ORDER BY created_at
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, string(eventType))
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks for event: %w", err)
	}
	return r.collect(rows)
}

func (r *WebhookRepository) collect(rows *sql.Rows) ([]*models.Webhook, error) {
	defer rows.Close()

	var webhooks []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhooks: %w", err)
	}

	return webhooks, nil
}

// Update updates a webhook
func (r *WebhookRepository) Update(ctx context.Context, webhook *models.Webhook) error {
	headers, eventTypes, err := webhookArgs(webhook)
	if err != nil {
		return err
	}

	query := `
		UPDATE webhooks
		SET name = $2, url = $3, headers = $4, event_types = $5, enabled = $6, project_id = $7, app_id = $8
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		webhook.ID,
		webhook.Name,
		webhook.URL,
		headers,
		eventTypes,
		webhook.Enabled,
		webhook.ProjectID,
		webhook.AppID,
	)
	if err != nil {
		return mapWriteError(err, "webhook "+webhook.Name)
	}
	if err := expectAffected(result, "webhook "+webhook.ID.String()); err != nil {
		return err
	}

	r.logger.Debug("webhook updated", zap.String("id", webhook.ID.String()))
	return nil
}

// Delete deletes a webhook
func (r *WebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	if err := expectAffected(result, "webhook "+id.String()); err != nil {
		return err
	}

	r.logger.Debug("webhook deleted", zap.String("id", id.String()))
	return nil
}
