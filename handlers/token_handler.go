package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/artifact-registry/middleware"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/services/tokens"
	"github.com/upb/artifact-registry/utils"
	"go.uber.org/zap"
)

// TokenService defines the token operations exposed to administrators
type TokenService interface {
	Create(ctx context.Context, req tokens.CreateRequest, agentID string) (*tokens.CreateResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Token, error)
	List(ctx context.Context, limit, offset int) ([]*models.Token, error)
	Update(ctx context.Context, id uuid.UUID, req tokens.UpdateRequest, agentID string) (*models.Token, error)
	Delete(ctx context.Context, id uuid.UUID, agentID string) error
}

// TokenHandler handles token-related HTTP requests
type TokenHandler struct {
	service TokenService
	logger  *zap.Logger
}

// NewTokenHandler creates a new TokenHandler
func NewTokenHandler(service TokenService, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{
		service: service,
		logger:  logger,
	}
}

// HandleCreateToken handles POST /api/v1/tokens. The secret is only ever
// returned by this call.
func (h *TokenHandler) HandleCreateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req tokens.CreateRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.service.Create(ctx, req, middleware.GetAgentIDFromContext(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("token created",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("token_id", result.Token.ID.String()),
		zap.String("name", result.Token.Name))
	_ = utils.WriteCreated(w, result)
}

// HandleListTokens handles GET /api/v1/tokens
func (h *TokenHandler) HandleListTokens(w http.ResponseWriter, r *http.Request) {
	page, err := utils.ParsePagination(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	list, err := h.service.List(r.Context(), page.Limit, page.Offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteList(w, list, page, nil)
}

// HandleGetToken handles GET /api/v1/tokens/{id}
func (h *TokenHandler) HandleGetToken(w http.ResponseWriter, r *http.Request) {
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	token, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, token)
}

// HandleUpdateToken handles PATCH /api/v1/tokens/{id}
func (h *TokenHandler) HandleUpdateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var req tokens.UpdateRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	token, err := h.service.Update(ctx, id, req, middleware.GetAgentIDFromContext(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, token)
}

// HandleDeleteToken handles DELETE /api/v1/tokens/{id}
func (h *TokenHandler) HandleDeleteToken(w http.ResponseWriter, r *http.Request) {
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

	h.logger.Info("token deleted",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("token_id", id.String()))
	utils.WriteNoContent(w)
}
