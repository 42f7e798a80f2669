package webhook

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/services"
	"github.com/upb/artifact-registry/services/audit"
	"go.uber.org/zap"
)

// CreateRequest describes a new webhook
type CreateRequest struct {
	Name       string            `json:"name" validate:"required,max=128"`
	URL        string            `json:"url" validate:"required,url"`
	Headers    map[string]string `json:"headers,omitempty"`
	EventTypes []string          `json:"event_types" validate:"required,min=1"`
	Enabled    *bool             `json:"enabled,omitempty"`
	ProjectID  *uuid.UUID        `json:"project_id,omitempty"`
	AppID      *uuid.UUID        `json:"app_id,omitempty"`
}

// UpdateRequest changes the provided fields of a webhook. Scope is fixed at creation.
type UpdateRequest struct {
	Name       *string           `json:"name,omitempty" validate:"omitempty,max=128"`
	URL        *string           `json:"url,omitempty" validate:"omitempty,url"`
	Headers    map[string]string `json:"headers,omitempty"`
	EventTypes []string          `json:"event_types,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"`
}

// Retirer stops deliveries to a webhook that was deleted or disabled
type Retirer interface {
	Retire(id uuid.UUID)
}

// Service manages webhook registrations
type Service struct {
	repos    *repositories.Repositories
	recorder *audit.Recorder
	retirer  Retirer
	logger   *zap.Logger
}

// NewService creates a new webhook Service
func NewService(repos *repositories.Repositories, recorder *audit.Recorder, logger *zap.Logger) *Service {
	return &Service{
		repos:    repos,
		recorder: recorder,
		logger:   logger,
	}
}

// WithRetirer sets who is told about deleted and disabled webhooks
func (s *Service) WithRetirer(r Retirer) *Service {
	s.retirer = r
	return s
}

func (s *Service) retire(id uuid.UUID) {
	if s.retirer != nil {
		s.retirer.Retire(id)
	}
}

// Create validates and stores a webhook
func (s *Service) Create(ctx context.Context, req CreateRequest, agentID string) (*models.Webhook, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, services.Wrap(services.ErrInvalidWebhook, nil).WithDetail("name", "required")
	}
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}
	eventTypes, err := parseEventTypes(req.EventTypes)
	if err != nil {
		return nil, err
	}

	hook := models.NewWebhook(name, req.URL, eventTypes)
	if req.Headers != nil {
		hook.Headers = req.Headers
	}
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
	}
	hook.ProjectID = req.ProjectID
	hook.AppID = req.AppID

	err = services.WithTransaction(ctx, s.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) error {
		if err := services.ValidateScope(ctx, s.repos.Projects, s.repos.Apps, hook.ProjectID, hook.AppID); err != nil {
			return err
		}
		if err := s.repos.Webhooks.Create(ctx, hook); err != nil {
			return err
		}
		return s.recorder.RecordWebhook(ctx, models.AuditOpWebhookCreate, hook, agentID)
	})
	if err != nil {
		return nil, services.WrapStorage("failed to create webhook", err)
	}

	s.logger.Info("Webhook created",
		zap.String("webhook_id", hook.ID.String()),
		zap.String("name", hook.Name),
		zap.String("url", hook.URL),
	)
	return hook, nil
}

// Get retrieves a webhook by ID
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Webhook, error) {
	hook, err := s.repos.Webhooks.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrWebhookNotFound
		}
		return nil, services.WrapStorage("failed to get webhook", err)
	}
	return hook, nil
}

// List returns webhooks in creation order
func (s *Service) List(ctx context.Context, limit, offset int) ([]*models.Webhook, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	hooks, err := s.repos.Webhooks.List(ctx, limit, offset)
	if err != nil {
		return nil, services.WrapStorage("failed to list webhooks", err)
	}
	if hooks == nil {
		hooks = []*models.Webhook{}
	}
	return hooks, nil
}

// Update applies the provided fields
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest, agentID string) (*models.Webhook, error) {
	hook, err := services.WithTransactionResult(ctx, s.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) (*models.Webhook, error) {
		hook, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return nil, services.Wrap(services.ErrInvalidWebhook, nil).WithDetail("name", "required")
			}
			hook.Name = name
		}
		if req.URL != nil {
			if err := validateURL(*req.URL); err != nil {
				return nil, err
			}
			hook.URL = *req.URL
		}
		if req.Headers != nil {
			hook.Headers = req.Headers
		}
		if req.EventTypes != nil {
			eventTypes, err := parseEventTypes(req.EventTypes)
			if err != nil {
				return nil, err
			}
			hook.EventTypes = eventTypes
		}
		if req.Enabled != nil {
			hook.Enabled = *req.Enabled
		}

		if err := s.repos.Webhooks.Update(ctx, hook); err != nil {
			return nil, services.WrapStorage("failed to update webhook", err)
		}
		if err := s.recorder.RecordWebhook(ctx, models.AuditOpWebhookUpdate, hook, agentID); err != nil {
			return nil, services.WrapStorage("failed to record webhook update", err)
		}
		return hook, nil
	})
	if err != nil {
		return nil, err
	}
	if !hook.Enabled {
		s.retire(hook.ID)
	}
	return hook, nil
}

// Delete removes a webhook
func (s *Service) Delete(ctx context.Context, id uuid.UUID, agentID string) error {
	err := services.WithTransaction(ctx, s.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) error {
		hook, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.repos.Webhooks.Delete(ctx, id); err != nil {
			return services.WrapStorage("failed to delete webhook", err)
		}
		if err := s.recorder.RecordWebhook(ctx, models.AuditOpWebhookDelete, hook, agentID); err != nil {
			return services.WrapStorage("failed to record webhook delete", err)
		}
		s.logger.Info("Webhook deleted", zap.String("webhook_id", id.String()))
		return nil
	})
	if err != nil {
		return err
	}
	s.retire(id)
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return services.Wrap(services.ErrInvalidWebhook, err).WithDetail("url", raw)
	}
	return nil
}

func parseEventTypes(names []string) ([]models.EventType, error) {
	if len(names) == 0 {
		return nil, services.Wrap(services.ErrInvalidWebhook, nil).WithDetail("event_types", "at least one is required")
	}
	seen := map[models.EventType]bool{}
	out := make([]models.EventType, 0, len(names))
	for _, name := range names {
		et, err := models.ParseEventType(name)
		if err != nil {
			return nil, services.Wrap(services.ErrInvalidWebhook, err).WithDetail("event_type", name)
		}
		if !seen[et] {
			seen[et] = true
			out = append(out, et)
		}
	}
	return out, nil
}
