package handlers

import (
	"context"
	"net/http"

	"github.com/upb/artifact-registry/middleware"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/utils"
	"go.uber.org/zap"
)

// ConfigStore reads and updates the retention configuration
type ConfigStore interface {
	GetConfig(ctx context.Context) (*models.RegistryConfig, error)
	UpdateConfig(ctx context.Context, patch models.ConfigPatch, agentID string) (*models.RegistryConfig, error)
}

// ConfigHandler serves the registry configuration
type ConfigHandler struct {
	store  ConfigStore
	logger *zap.Logger
}

// NewConfigHandler creates a new ConfigHandler
func NewConfigHandler(store ConfigStore, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{store: store, logger: logger}
}

// HandleGetConfig handles GET /api/v1/config
func (h *ConfigHandler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetConfig(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, cfg)
}

// HandleUpdateConfig handles PUT /api/v1/config. Omitted fields keep their value.
func (h *ConfigHandler) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var patch models.ConfigPatch
	if err := utils.DecodeJSON(r, &patch); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	cfg, err := h.store.UpdateConfig(ctx, patch, middleware.GetAgentIDFromContext(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("registry config updated",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.Int("version_retention_limit", cfg.VersionRetentionLimit),
		zap.Int("audit_log_retention_days", cfg.AuditLogRetentionDays))
	_ = utils.WriteOK(w, cfg)
}
