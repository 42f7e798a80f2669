package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/services/audit"
	"github.com/upb/artifact-registry/utils"
	"go.uber.org/zap"
)

// AuditLister queries the audit trail
type AuditLister interface {
	List(ctx context.Context, filter models.AuditFilter) (*audit.Page, error)
}

// AuditHandler serves the audit log
type AuditHandler struct {
	lister AuditLister
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(lister AuditLister, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{lister: lister, logger: logger}
}

// HandleListAuditLogs handles GET /api/v1/audit-logs.
// Filters: operation, project_id, app_id, since, until (RFC 3339).
func (h *AuditHandler) HandleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	page, err := h.lister.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list audit logs", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to list audit logs")
		return
	}

	total := page.Total
	_ = utils.WriteList(w, page.Entries, utils.Pagination{Limit: page.Limit, Offset: page.Offset}, &total)
}

func parseAuditFilter(r *http.Request) (models.AuditFilter, error) {
	page, err := utils.ParsePagination(r)
	if err != nil {
		return models.AuditFilter{}, err
	}
	filter := models.AuditFilter{Limit: page.Limit, Offset: page.Offset}
	q := r.URL.Query()

	if op := q.Get("operation"); op != "" {
		filter.Operation = models.AuditOperation(op)
	}
	if raw := q.Get("project_id"); raw != "" {
		id, err := utils.ParseUUID(raw, "project_id")
		if err != nil {
			return filter, err
		}
		filter.ProjectID = &id
	}
	if raw := q.Get("app_id"); raw != "" {
		id, err := utils.ParseUUID(raw, "app_id")
		if err != nil {
			return filter, err
		}
		filter.AppID = &id
	}
	if filter.Since, err = parseTimeParam(q.Get("since"), "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTimeParam(q.Get("until"), "until"); err != nil {
		return filter, err
	}
	if filter.Since != nil && filter.Until != nil && filter.Until.Before(*filter.Since) {
		return filter, &utils.ValidationError{
			Message: "invalid time range",
			Fields:  map[string]string{"until": "until must not be before since"},
		}
	}
	return filter, nil
}

func parseTimeParam(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, &utils.ValidationError{
			Message: fmt.Sprintf("invalid %s", field),
			Fields:  map[string]string{field: fmt.Sprintf("%s must be an RFC 3339 timestamp", field)},
		}
	}
	return &t, nil
}
