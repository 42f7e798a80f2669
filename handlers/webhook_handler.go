package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/artifact-registry/middleware"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/services/webhook"
	"github.com/upb/artifact-registry/utils"
	"go.uber.org/zap"
)

// WebhookService defines webhook registration operations
type WebhookService interface {
	Create(ctx context.Context, req webhook.CreateRequest, agentID string) (*models.Webhook, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Webhook, error)
	List(ctx context.Context, limit, offset int) ([]*models.Webhook, error)
	Update(ctx context.Context, id uuid.UUID, req webhook.UpdateRequest, agentID string) (*models.Webhook, error)
	Delete(ctx context.Context, id uuid.UUID, agentID string) error
}

// DeliveryStats reports dispatcher counters
type DeliveryStats interface {
	GetStats() webhook.Stats
}

// WebhookHandler handles webhook-related HTTP requests
type WebhookHandler struct {
	service WebhookService
	stats   DeliveryStats
	logger  *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(service WebhookService, stats DeliveryStats, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		stats:   stats,
		logger:  logger,
	}
}

// HandleCreateWebhook handles POST /api/v1/webhooks
func (h *WebhookHandler) HandleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req webhook.CreateRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	hook, err := h.service.Create(ctx, req, middleware.GetAgentIDFromContext(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, hook)
}

// HandleListWebhooks handles GET /api/v1/webhooks
func (h *WebhookHandler) HandleListWebhooks(w http.ResponseWriter, r *http.Request) {
	page, err := utils.ParsePagination(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	hooks, err := h.service.List(r.Context(), page.Limit, page.Offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteList(w, hooks, page, nil)
}

// HandleGetWebhook handles GET /api/v1/webhooks/{id}
func (h *WebhookHandler) HandleGetWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	hook, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, hook)
}

// HandleUpdateWebhook handles PATCH /api/v1/webhooks/{id}
func (h *WebhookHandler) HandleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var req webhook.UpdateRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	hook, err := h.service.Update(ctx, id, req, middleware.GetAgentIDFromContext(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, hook)
}

// HandleDeleteWebhook handles DELETE /api/v1/webhooks/{id}
func (h *WebhookHandler) HandleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.service.Delete(ctx, id, middleware.GetAgentIDFromContext(ctx)); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleDeliveryStats handles GET /api/v1/webhooks/stats
func (h *WebhookHandler) HandleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.stats.GetStats())
}
