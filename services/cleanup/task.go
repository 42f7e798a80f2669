// Package cleanup applies the retention policy: old versions beyond the
// configured limit are collected and expired audit rows are purged.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/services"
	"github.com/upb/artifact-registry/services/audit"
	"github.com/upb/artifact-registry/services/lease"
	"go.uber.org/zap"
)

// Collector deletes versions through the registry's guarded GC path and
// exposes the retention settings
type Collector interface {
	CollectVersion(ctx context.Context, p *models.Project, a *models.App, hash string) error
	GetConfig(ctx context.Context) (*models.RegistryConfig, error)
}

// Publisher receives the cleanup_completed event
type Publisher interface {
	Enqueue(event *models.Event)
}

// Report summarizes one retention run
type Report struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	AppsScanned      int           `json:"apps_scanned"`
	VersionsDeleted  int           `json:"versions_deleted"`
	VersionsSkipped  int           `json:"versions_skipped"`
	AuditRowsDeleted int64         `json:"audit_rows_deleted"`
	LeasesSwept      int64         `json:"leases_swept"`
	Errors           int           `json:"errors"`
}

// Task is the daily retention job
type Task struct {
	repos     *repositories.Repositories
	collector Collector
	leases    *lease.Manager
	recorder  *audit.Recorder
	events    Publisher
	logger    *zap.Logger
	nowFn     func() time.Time
}

// NewTask creates a new cleanup Task
func NewTask(
	repos *repositories.Repositories,
	collector Collector,
	leases *lease.Manager,
	recorder *audit.Recorder,
	events Publisher,
	logger *zap.Logger,
) *Task {
	return &Task{
		repos:     repos,
		collector: collector,
		leases:    leases,
		recorder:  recorder,
		events:    events,
		logger:    logger,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source used for the audit cutoff
func (t *Task) WithClock(nowFn func() time.Time) *Task {
	t.nowFn = nowFn
	return t
}

// Name returns the task name
func (t *Task) Name() string {
	return "retention-cleanup"
}

// Run applies retention to every app. Failures on single versions are
// counted and logged without stopping the run.
func (t *Task) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: t.nowFn()}

	swept, err := t.leases.Sweep(ctx)
	if err != nil {
		report.Errors++
		t.logger.Warn("Failed to sweep expired leases", zap.Error(err))
	}
	report.LeasesSwept = swept

	cfg, err := t.collector.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load retention settings: %w", err)
	}

	apps, err := t.repos.Apps.ListAll(ctx)
	if err != nil {
		return nil, services.WrapStorage("failed to list apps", err)
	}

	projects := map[uuid.UUID]*models.Project{}
	for _, a := range apps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, ok := projects[a.ProjectID]
		if !ok {
			p, err = t.repos.Projects.GetByID(ctx, a.ProjectID)
			if err != nil {
				report.Errors++
				t.logger.Warn("Failed to load project for app", zap.String("app_id", a.ID.String()), zap.Error(err))
				continue
			}
			projects[a.ProjectID] = p
		}
		report.AppsScanned++
		t.cleanupApp(ctx, p, a, cfg.VersionRetentionLimit, report)
	}

	cutoff := t.nowFn().AddDate(0, 0, -cfg.AuditLogRetentionDays)
	purged, err := t.recorder.Purge(ctx, cutoff)
	if err != nil {
		report.Errors++
		t.logger.Warn("Failed to purge audit logs", zap.Time("cutoff", cutoff), zap.Error(err))
	}
	report.AuditRowsDeleted = purged
	report.Duration = t.nowFn().Sub(report.StartedAt)

	summary := map[string]interface{}{
		"apps_scanned":       report.AppsScanned,
		"versions_deleted":   report.VersionsDeleted,
		"versions_skipped":   report.VersionsSkipped,
		"audit_rows_deleted": report.AuditRowsDeleted,
		"leases_swept":       report.LeasesSwept,
		"errors":             report.Errors,
	}
	if err := t.recorder.RecordCleanup(ctx, summary); err != nil {
		t.logger.Error("Failed to record cleanup summary", zap.Error(err))
	}

	event := models.NewEvent(models.EventCleanupCompleted).WithAgent("scheduler")
	for k, v := range summary {
		event.WithMetadata(k, v)
	}
	t.events.Enqueue(event)

	t.logger.Info("Retention cleanup finished",
		zap.Int("apps_scanned", report.AppsScanned),
		zap.Int("versions_deleted", report.VersionsDeleted),
		zap.Int64("audit_rows_deleted", report.AuditRowsDeleted),
		zap.Int("errors", report.Errors),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (t *Task) cleanupApp(ctx context.Context, p *models.Project, a *models.App, limit int, report *Report) {
	versions, err := t.repos.Versions.ListByApp(ctx, a.ID, 0, 0)
	if err != nil {
		report.Errors++
		t.logger.Warn("Failed to list versions",
			zap.String("project", p.Name),
			zap.String("app", a.Name),
			zap.Error(err),
		)
		return
	}
	if len(versions) <= limit {
		return
	}

	active, err := t.leases.Active(ctx, a.ID)
	if err != nil {
		report.Errors++
		t.logger.Warn("Failed to load leases", zap.String("app", a.Name), zap.Error(err))
		return
	}

	for _, v := range Candidates(versions, limit, active) {
		err := t.collector.CollectVersion(ctx, p, a, v.Hash)
		switch {
		case err == nil:
			report.VersionsDeleted++
		case services.IsConflictError(err) || services.IsNotFoundError(err):
			// published, leased or removed since the listing
			report.VersionsSkipped++
			t.logger.Debug("Skipping version",
				zap.String("project", p.Name),
				zap.String("app", a.Name),
				zap.String("version", v.Hash),
				zap.Error(err),
			)
		default:
			report.Errors++
			t.logger.Warn("Failed to collect version",
				zap.String("project", p.Name),
				zap.String("app", a.Name),
				zap.String("version", v.Hash),
				zap.Error(err),
			)
		}
	}
}

// Candidates returns the versions retention would delete. versions must be
// ordered newest first. The newest limit versions, the published version and
// leased versions are kept.
func Candidates(versions []*models.Version, limit int, active map[string]struct{}) []*models.Version {
	var out []*models.Version
	for i, v := range versions {
		if i < limit || v.IsPublished {
			continue
		}
		if _, leased := active[v.Hash]; leased {
			continue
		}
		out = append(out, v)
	}
	return out
}
