package registry

import (
	"context"

	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/services"
	"github.com/upb/artifact-registry/services/audit"
	"github.com/upb/artifact-registry/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DeleteResult counts what a cascading delete removed
type DeleteResult struct {
	Apps     int `json:"apps_deleted"`
	Versions int `json:"versions_deleted"`
}

// DeleteVersion removes an unpublished, unleased version on behalf of an operator
func (e *Engine) DeleteVersion(ctx context.Context, project, app, hash, agentID string) (err error) {
	ctx, span := e.startSpan(ctx, "DeleteVersion",
		attribute.String("project", project),
		attribute.String("app", app),
		attribute.String("version", hash))
	defer func() { endSpan(span, err) }()

	if err := validateHash(hash); err != nil {
		return err
	}
	p, a, err := e.lookupApp(ctx, project, app)
	if err != nil {
		return err
	}
	if err := e.deleteVersion(ctx, p, a, hash, agentID, audit.ReasonOperator); err != nil {
		return err
	}
	e.emit(models.NewEvent(models.EventVersionDeleted).ForApp(p, a).WithVersion(hash).WithAgent(agentID))
	return nil
}

// CollectVersion is the garbage collection delete path. It applies the same
// guards as DeleteVersion and emits no event.
func (e *Engine) CollectVersion(ctx context.Context, p *models.Project, a *models.App, hash string) error {
	return e.deleteVersion(ctx, p, a, hash, "", audit.ReasonCleanup)
}

func (e *Engine) deleteVersion(ctx context.Context, p *models.Project, a *models.App, hash, agentID, reason string) error {
	err := services.WithTransaction(ctx, e.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) error {
		if err := e.repos.Apps.LockForUpdate(ctx, a.ID); err != nil {
			return repoError(err, services.ErrAppNotFound, "failed to lock app")
		}
		v, err := e.repos.Versions.GetByHash(ctx, a.ID, hash)
		if err != nil {
			return repoError(err, services.ErrVersionNotFound, "failed to load version")
		}
		if err := e.checkDeletable(ctx, a, v, nil); err != nil {
			return err
		}
		if err := e.repos.Versions.Delete(ctx, v.ID); err != nil {
			return repoError(err, services.ErrVersionNotFound, "failed to delete version")
		}
		if err := e.recorder.RecordDeleteVersion(ctx, p, a, hash, agentID, reason); err != nil {
			return err
		}
		// the commit marker goes first so a storage failure keeps the row
		if err := e.blobs.Delete(ctx, storage.MetaKey(p.Name, a.Name, hash)); err != nil {
			return services.WrapStorage("failed to delete version marker", err)
		}
		return nil
	})
	if err != nil {
		return repoError(err, nil, "failed to delete version")
	}

	e.removeBlobs(ctx, storage.VersionPrefix(p.Name, a.Name, hash))
	e.logger.Info("Version deleted",
		zap.String("project", p.Name),
		zap.String("app", a.Name),
		zap.String("version", hash),
		zap.String("reason", reason),
	)
	return nil
}

// checkDeletable rejects published and leased versions. active may be
// preloaded by callers checking many versions of one app.
func (e *Engine) checkDeletable(ctx context.Context, a *models.App, v *models.Version, active map[string]struct{}) error {
	if v.IsPublished {
		return services.Wrap(services.ErrVersionPublished, nil).
			WithDetail("app", a.Name).
			WithDetail("version", v.Hash)
	}
	if active == nil {
		var err error
		active, err = e.leases.Active(ctx, a.ID)
		if err != nil {
			return services.WrapStorage("failed to check leases", err)
		}
	}
	if _, leased := active[v.Hash]; leased {
		return services.Wrap(services.ErrVersionInUse, nil).
			WithDetail("app", a.Name).
			WithDetail("version", v.Hash)
	}
	return nil
}

func (e *Engine) removeBlobs(ctx context.Context, prefix string) {
	if err := e.blobs.DeletePrefix(context.WithoutCancel(ctx), prefix); err != nil {
		e.logger.Warn("Failed to delete blobs after commit",
			zap.String("prefix", prefix),
			zap.Error(err),
		)
	}
}

// purgeApp deletes every version of an app and then the app itself. It must
// run inside a transaction.
func (e *Engine) purgeApp(ctx context.Context, p *models.Project, a *models.App, agentID string) (int, error) {
	if err := e.repos.Apps.LockForUpdate(ctx, a.ID); err != nil {
		return 0, repoError(err, services.ErrAppNotFound, "failed to lock app")
	}
	versions, err := e.repos.Versions.ListByApp(ctx, a.ID, 0, 0)
	if err != nil {
		return 0, repoError(err, nil, "failed to list versions")
	}
	active, err := e.leases.Active(ctx, a.ID)
	if err != nil {
		return 0, services.WrapStorage("failed to check leases", err)
	}
	for _, v := range versions {
		if err := e.checkDeletable(ctx, a, v, active); err != nil {
			return 0, err
		}
	}
	for _, v := range versions {
		if err := e.repos.Versions.Delete(ctx, v.ID); err != nil {
			return 0, repoError(err, nil, "failed to delete version")
		}
		if err := e.recorder.RecordDeleteVersion(ctx, p, a, v.Hash, agentID, audit.ReasonCascade); err != nil {
			return 0, err
		}
	}
	if err := e.repos.Apps.Delete(ctx, a.ID); err != nil {
		return 0, repoError(err, services.ErrAppNotFound, "failed to delete app")
	}
	return len(versions), nil
}

// DeleteApp removes an app with all of its versions. It fails with a conflict
// when any version is published or leased.
func (e *Engine) DeleteApp(ctx context.Context, project, app, agentID string) (_ *DeleteResult, err error) {
	ctx, span := e.startSpan(ctx, "DeleteApp",
		attribute.String("project", project),
		attribute.String("app", app))
	defer func() { endSpan(span, err) }()

	p, a, err := e.lookupApp(ctx, project, app)
	if err != nil {
		return nil, err
	}

	result, err := services.WithTransactionResult(ctx, e.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) (*DeleteResult, error) {
		n, err := e.purgeApp(ctx, p, a, agentID)
		if err != nil {
			return nil, err
		}
		if err := e.recorder.RecordDeleteApp(ctx, p, a, agentID, n); err != nil {
			return nil, err
		}
		return &DeleteResult{Apps: 1, Versions: n}, nil
	})
	if err != nil {
		return nil, repoError(err, nil, "failed to delete app")
	}

	e.removeBlobs(ctx, storage.AppPrefix(p.Name, a.Name))
	e.logger.Info("App deleted",
		zap.String("project", p.Name),
		zap.String("app", a.Name),
		zap.Int("versions", result.Versions),
	)
	e.emit(models.NewEvent(models.EventAppDeleted).
		ForApp(p, a).
		WithAgent(agentID).
		WithMetadata("versions_deleted", result.Versions))
	return result, nil
}

// DeleteProject removes a project with all of its apps and versions
func (e *Engine) DeleteProject(ctx context.Context, project, agentID string) (_ *DeleteResult, err error) {
	ctx, span := e.startSpan(ctx, "DeleteProject", attribute.String("project", project))
	defer func() { endSpan(span, err) }()

	p, err := e.lookupProject(ctx, project)
	if err != nil {
		return nil, err
	}

	result, err := services.WithTransactionResult(ctx, e.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) (*DeleteResult, error) {
		apps, err := e.repos.Apps.ListByProject(ctx, p.ID, 0, 0)
		if err != nil {
			return nil, repoError(err, nil, "failed to list apps")
		}
		result := &DeleteResult{}
		for _, a := range apps {
			n, err := e.purgeApp(ctx, p, a, agentID)
			if err != nil {
				return nil, err
			}
			if err := e.recorder.RecordDeleteApp(ctx, p, a, agentID, n); err != nil {
				return nil, err
			}
			result.Apps++
			result.Versions += n
		}
		if err := e.repos.Projects.Delete(ctx, p.ID); err != nil {
			return nil, repoError(err, services.ErrProjectNotFound, "failed to delete project")
		}
		if err := e.recorder.RecordDeleteProject(ctx, p, agentID, result.Apps, result.Versions); err != nil {
			return nil, err
		}
		return result, nil
	})
	if err != nil {
		return nil, repoError(err, nil, "failed to delete project")
	}

	e.removeBlobs(ctx, storage.ProjectPrefix(p.Name))
	e.logger.Info("Project deleted",
		zap.String("project", p.Name),
		zap.Int("apps", result.Apps),
		zap.Int("versions", result.Versions),
	)
	e.emit(models.NewEvent(models.EventProjectDeleted).
		ForProject(p).
		WithAgent(agentID).
		WithMetadata("apps_deleted", result.Apps).
		WithMetadata("versions_deleted", result.Versions))
	return result, nil
}
