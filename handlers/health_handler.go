package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/upb/artifact-registry/utils"
	"go.uber.org/zap"
)

// storageCheckKey is looked up, never written; only reachability matters
const storageCheckKey = ".healthcheck"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// StorageChecker is the part of the blob store readiness needs
type StorageChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db      *sql.DB
	storage StorageChecker
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db is nil with the memory driver.
func NewHealthHandler(db *sql.DB, storage StorageChecker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		storage: storage,
		logger:  logger,
	}
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Readiness check - validates that the database and blob store are reachable
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	} else {
		checks["database"] = "healthy"
	}

	if err := h.checkStorage(ctx); err != nil {
		h.logger.Warn("storage health check failed", zap.Error(err))
		checks["storage"] = "unhealthy"
		allHealthy = false
	} else {
		checks["storage"] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil
	}

	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	return h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (h *HealthHandler) checkStorage(ctx context.Context) error {
	if h.storage == nil {
		return nil
	}
	_, err := h.storage.Exists(ctx, storageCheckKey)
	return err
}
