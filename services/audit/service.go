package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"go.uber.org/zap"
)

// Delete reasons recorded in delete_version metadata
const (
	ReasonOperator = "operator"
	ReasonCleanup  = "cleanup"
	ReasonCascade  = "cascade"
	ReasonSync     = "sync"
)

// Recorder writes audit entries synchronously. Entries go through the
// transaction carried in ctx, so a failed write fails the enclosing mutation.
type Recorder struct {
	auditRepo repositories.AuditRepository
	logger    *zap.Logger
	nowFn     func() time.Time
}

// Page is one page of audit entries plus the unpaged total
type Page struct {
	Entries []*models.AuditLog `json:"entries"`
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// NewRecorder creates a new Recorder instance
func NewRecorder(auditRepo repositories.AuditRepository, logger *zap.Logger) *Recorder {
	return &Recorder{
		auditRepo: auditRepo,
		logger:    logger,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source
func (r *Recorder) WithClock(nowFn func() time.Time) *Recorder {
	r.nowFn = nowFn
	return r
}

// Record inserts a single entry
func (r *Recorder) Record(ctx context.Context, entry *models.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.nowFn()
	}
	if err := r.auditRepo.Insert(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	r.logger.Debug("audit entry recorded",
		zap.String("operation", string(entry.Operation)),
		zap.String("id", entry.ID.String()))
	return nil
}

// List returns a page of entries matching the filter, newest first
func (r *Recorder) List(ctx context.Context, filter models.AuditFilter) (*Page, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	entries, err := r.auditRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	total, err := r.auditRepo.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit logs: %w", err)
	}
	if entries == nil {
		entries = []*models.AuditLog{}
	}
	return &Page{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Purge deletes entries created before the cutoff
func (r *Recorder) Purge(ctx context.Context, before time.Time) (int64, error) {
	deleted, err := r.auditRepo.DeleteOlderThan(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit logs: %w", err)
	}
	return deleted, nil
}

func (r *Recorder) entry(op models.AuditOperation) *models.AuditLog {
	log := models.NewAuditLog(op)
	log.CreatedAt = r.nowFn()
	return log
}

// Convenience methods for recording common operations

// RecordPush records a push, including duplicate pushes of an existing version
func (r *Recorder) RecordPush(ctx context.Context, p *models.Project, a *models.App, v *models.Version, agentID string, duplicate bool) error {
	details := map[string]interface{}{
		"duplicate":  duplicate,
		"file_count": v.FileCount,
		"total_size": v.TotalSize,
		"builder":    v.Builder,
	}
	if v.GitCommit != nil {
		details["git_commit"] = *v.GitCommit
	}
	log := r.entry(models.AuditOpPush).WithApp(p.ID, a.ID).WithVersion(v.Hash).WithAgent(agentID).WithMetadata(details)
	return r.Record(ctx, log)
}

// RecordPublish records a promotion, with the replaced version when there was one
func (r *Recorder) RecordPublish(ctx context.Context, p *models.Project, a *models.App, hash, previous, agentID string) error {
	details := map[string]interface{}{}
	if previous != "" {
		details["previous_version"] = previous
	}
	log := r.entry(models.AuditOpPublish).WithApp(p.ID, a.ID).WithVersion(hash).WithAgent(agentID).WithMetadata(details)
	return r.Record(ctx, log)
}

// RecordUnpublish records an unpublish
func (r *Recorder) RecordUnpublish(ctx context.Context, p *models.Project, a *models.App, hash, agentID string) error {
	log := r.entry(models.AuditOpUnpublish).WithApp(p.ID, a.ID).WithVersion(hash).WithAgent(agentID)
	return r.Record(ctx, log)
}

// RecordDeleteVersion records a version deletion and why it happened
func (r *Recorder) RecordDeleteVersion(ctx context.Context, p *models.Project, a *models.App, hash, agentID, reason string) error {
	log := r.entry(models.AuditOpDeleteVersion).WithApp(p.ID, a.ID).WithVersion(hash).WithAgent(agentID).
		WithMetadata(map[string]interface{}{"reason": reason})
	return r.Record(ctx, log)
}

// RecordDeleteApp records an app deletion
func (r *Recorder) RecordDeleteApp(ctx context.Context, p *models.Project, a *models.App, agentID string, versions int) error {
	log := r.entry(models.AuditOpDeleteApp).WithApp(p.ID, a.ID).WithAgent(agentID).
		WithMetadata(map[string]interface{}{"project": p.Name, "app": a.Name, "versions_deleted": versions})
	return r.Record(ctx, log)
}

// RecordDeleteProject records a project deletion
func (r *Recorder) RecordDeleteProject(ctx context.Context, p *models.Project, agentID string, apps, versions int) error {
	log := r.entry(models.AuditOpDeleteProject).WithProject(p.ID).WithAgent(agentID).
		WithMetadata(map[string]interface{}{"project": p.Name, "apps_deleted": apps, "versions_deleted": versions})
	return r.Record(ctx, log)
}

// RecordSync records a storage sync step or summary
func (r *Recorder) RecordSync(ctx context.Context, p *models.Project, a *models.App, hash, agentID string, details map[string]interface{}) error {
	log := r.entry(models.AuditOpSyncStorage).WithAgent(agentID).WithVersion(hash).WithMetadata(details)
	switch {
	case a != nil:
		log.WithApp(p.ID, a.ID)
	case p != nil:
		log.WithProject(p.ID)
	}
	return r.Record(ctx, log)
}

// RecordConfigUpdate records a registry settings change
func (r *Recorder) RecordConfigUpdate(ctx context.Context, agentID string, changes map[string]interface{}) error {
	log := r.entry(models.AuditOpConfigUpdate).WithAgent(agentID).WithMetadata(changes)
	return r.Record(ctx, log)
}

// RecordToken records a token create, update or delete
func (r *Recorder) RecordToken(ctx context.Context, op models.AuditOperation, t *models.Token, agentID string) error {
	details := map[string]interface{}{
		"token_id":    t.ID.String(),
		"name":        t.Name,
		"permissions": t.Permissions.Strings(),
	}
	log := r.entry(op).WithAgent(agentID).WithMetadata(details)
	scope(log, t.ProjectID, t.AppID)
	return r.Record(ctx, log)
}

// RecordWebhook records a webhook create, update or delete
func (r *Recorder) RecordWebhook(ctx context.Context, op models.AuditOperation, w *models.Webhook, agentID string) error {
	details := map[string]interface{}{
		"webhook_id":  w.ID.String(),
		"name":        w.Name,
		"url":         w.URL,
		"event_types": w.EventTypes,
		"enabled":     w.Enabled,
	}
	log := r.entry(op).WithAgent(agentID).WithMetadata(details)
	scope(log, w.ProjectID, w.AppID)
	return r.Record(ctx, log)
}

// RecordProjectCreate records a project created implicitly by a push or a sync
func (r *Recorder) RecordProjectCreate(ctx context.Context, p *models.Project, agentID, source string) error {
	log := r.entry(models.AuditOpProjectCreate).WithProject(p.ID).WithAgent(agentID).
		WithMetadata(map[string]interface{}{"project": p.Name, "source": source})
	return r.Record(ctx, log)
}

// RecordAppCreate records an app created implicitly by a push or a sync
func (r *Recorder) RecordAppCreate(ctx context.Context, p *models.Project, a *models.App, agentID, source string) error {
	log := r.entry(models.AuditOpAppCreate).WithApp(p.ID, a.ID).WithAgent(agentID).
		WithMetadata(map[string]interface{}{"project": p.Name, "app": a.Name, "source": source})
	return r.Record(ctx, log)
}

// RecordCleanup records the summary of a retention run
func (r *Recorder) RecordCleanup(ctx context.Context, details map[string]interface{}) error {
	log := r.entry(models.AuditOpCleanup).WithAgent("scheduler").WithMetadata(details)
	return r.Record(ctx, log)
}

// RecordWebhookFailed records a delivery that exhausted its retries
func (r *Recorder) RecordWebhookFailed(ctx context.Context, w *models.Webhook, event *models.Event, attempts int, lastErr error) error {
	details := map[string]interface{}{
		"webhook_id": w.ID.String(),
		"url":        w.URL,
		"event_id":   event.ID.String(),
		"event_type": event.Type,
		"sequence":   event.Sequence,
		"attempts":   attempts,
	}
	if lastErr != nil {
		details["error"] = lastErr.Error()
	}
	log := r.entry(models.AuditOpWebhookFailed).WithVersion(event.VersionHash).WithMetadata(details)
	scope(log, event.ProjectID, event.AppID)
	return r.Record(ctx, log)
}

// RecordWebhookDropped records a delivery discarded because the endpoint backlog was full
func (r *Recorder) RecordWebhookDropped(ctx context.Context, w *models.Webhook, event *models.Event, backlog int) error {
	log := r.entry(models.AuditOpWebhookDrop).WithVersion(event.VersionHash).WithMetadata(map[string]interface{}{
		"webhook_id": w.ID.String(),
		"url":        w.URL,
		"event_id":   event.ID.String(),
		"event_type": event.Type,
		"sequence":   event.Sequence,
		"backlog":    backlog,
	})
	scope(log, event.ProjectID, event.AppID)
	return r.Record(ctx, log)
}

func scope(log *models.AuditLog, projectID, appID *uuid.UUID) {
	log.ProjectID = projectID
	log.AppID = appID
}
