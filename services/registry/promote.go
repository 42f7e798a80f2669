package registry

import (
	"context"
	"errors"

	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/services"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PromoteResult reports the outcome of a promotion
type PromoteResult struct {
	Version  *models.Version `json:"version"`
	Previous string          `json:"previous_version,omitempty"`
	Changed  bool            `json:"changed"`
}

// Promote makes hash the published version of project/app. Promoting the
// version that is already published changes nothing.
func (e *Engine) Promote(ctx context.Context, project, app, hash, agentID string) (_ *PromoteResult, err error) {
	ctx, span := e.startSpan(ctx, "Promote",
		attribute.String("project", project),
		attribute.String("app", app),
		attribute.String("version", hash))
	defer func() { endSpan(span, err) }()

	if err := validateHash(hash); err != nil {
		return nil, err
	}
	p, a, err := e.lookupApp(ctx, project, app)
	if err != nil {
		return nil, err
	}

	result, err := services.WithTransactionResult(ctx, e.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) (*PromoteResult, error) {
		if err := e.repos.Apps.LockForUpdate(ctx, a.ID); err != nil {
			return nil, repoError(err, services.ErrAppNotFound, "failed to lock app")
		}
		target, err := e.repos.Versions.GetByHash(ctx, a.ID, hash)
		if err != nil {
			return nil, repoError(err, services.ErrVersionNotFound, "failed to load version")
		}
		if target.IsPublished {
			return &PromoteResult{Version: target, Changed: false}, nil
		}

		previous := ""
		current, err := e.repos.Versions.GetPublished(ctx, a.ID)
		switch {
		case err == nil:
			previous = current.Hash
		case !errors.Is(err, repositories.ErrNotFound):
			return nil, repoError(err, nil, "failed to load published version")
		}

		if _, err := e.repos.Versions.ClearPublished(ctx, a.ID); err != nil {
			return nil, repoError(err, nil, "failed to clear published version")
		}
		if err := e.repos.Versions.MarkPublished(ctx, target.ID); err != nil {
			return nil, repoError(err, nil, "failed to publish version")
		}
		target.IsPublished = true

		if err := e.recorder.RecordPublish(ctx, p, a, hash, previous, agentID); err != nil {
			return nil, err
		}
		return &PromoteResult{Version: target, Previous: previous, Changed: true}, nil
	})
	if err != nil {
		return nil, repoError(err, nil, "failed to promote version")
	}
	if !result.Changed {
		return result, nil
	}

	e.logger.Info("Version promoted",
		zap.String("project", p.Name),
		zap.String("app", a.Name),
		zap.String("version", hash),
		zap.String("previous_version", result.Previous),
	)
	event := models.NewEvent(models.EventPublish).ForApp(p, a).WithVersion(hash).WithAgent(agentID)
	if result.Previous != "" {
		event.WithMetadata("previous_version", result.Previous)
	}
	e.emit(event)
	return result, nil
}

// Unpublish clears the published flag of hash. Unpublishing a version that is
// not published is a conflict.
func (e *Engine) Unpublish(ctx context.Context, project, app, hash, agentID string) (err error) {
	ctx, span := e.startSpan(ctx, "Unpublish",
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

	err = services.WithTransaction(ctx, e.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) error {
		if err := e.repos.Apps.LockForUpdate(ctx, a.ID); err != nil {
			return repoError(err, services.ErrAppNotFound, "failed to lock app")
		}
		v, err := e.repos.Versions.GetByHash(ctx, a.ID, hash)
		if err != nil {
			return repoError(err, services.ErrVersionNotFound, "failed to load version")
		}
		if !v.IsPublished {
			return services.Wrap(services.ErrVersionNotPublished, nil).WithDetail("version", hash)
		}
		if _, err := e.repos.Versions.ClearPublished(ctx, a.ID); err != nil {
			return repoError(err, nil, "failed to unpublish version")
		}
		return e.recorder.RecordUnpublish(ctx, p, a, hash, agentID)
	})
	if err != nil {
		return repoError(err, nil, "failed to unpublish version")
	}

	e.logger.Info("Version unpublished",
		zap.String("project", p.Name),
		zap.String("app", a.Name),
		zap.String("version", hash),
	)
	e.emit(models.NewEvent(models.EventUnpublish).ForApp(p, a).WithVersion(hash).WithAgent(agentID))
	return nil
}
