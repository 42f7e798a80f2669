// Package registry implements the artifact version engine: pushing
// content-addressed versions, promoting them, deleting them and repairing the
// database from storage.
package registry

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/services"
	"github.com/upb/artifact-registry/services/audit"
	"github.com/upb/artifact-registry/services/lease"
	"github.com/upb/artifact-registry/services/manifest"
	"github.com/upb/artifact-registry/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/upb/artifact-registry/services/registry"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// EventPublisher receives events after the mutation that produced them has committed
type EventPublisher interface {
	Enqueue(event *models.Event)
}

type noopPublisher struct{}

func (noopPublisher) Enqueue(*models.Event) {}

// Options tunes the engine
type Options struct {
	// UploadConcurrency bounds parallel file uploads per push
	UploadConcurrency int

	// Ignore holds glob patterns excluded from every pushed tree
	Ignore []string
}

// Engine is the registry facade used by handlers, the CLI and the cleanup task
type Engine struct {
	repos    *repositories.Repositories
	blobs    *storage.Retrying
	leases   *lease.Manager
	recorder *audit.Recorder
	events   EventPublisher
	logger   *zap.Logger
	tracer   trace.Tracer
	opts     Options
	nowFn    func() time.Time
}

// NewEngine creates a new registry Engine
func NewEngine(
	repos *repositories.Repositories,
	blobs *storage.Retrying,
	leases *lease.Manager,
	recorder *audit.Recorder,
	events EventPublisher,
	logger *zap.Logger,
	opts Options,
) *Engine {
	if events == nil {
		events = noopPublisher{}
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 8
	}
	return &Engine{
		repos:    repos,
		blobs:    blobs,
		leases:   leases,
		recorder: recorder,
		events:   events,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		opts:     opts,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source used for version timestamps
func (e *Engine) WithClock(nowFn func() time.Time) *Engine {
	e.nowFn = nowFn
	return e
}

// ValidateName checks a project or app name
func ValidateName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return services.Wrap(services.ErrInvalidName, nil).
			WithDetail("field", kind).
			WithDetail("value", name)
	}
	return nil
}

func validateHash(hash string) error {
	if !manifest.ValidDigest(hash) {
		return services.Wrap(services.ErrBadHash, nil).WithDetail("version", hash)
	}
	return nil
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "registry."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// repoError maps a repository error onto the service taxonomy
func repoError(err error, notFound *services.DomainError, message string) error {
	if err == nil {
		return nil
	}
	var domainErr *services.DomainError
	switch {
	case errors.As(err, &domainErr):
		return err
	case notFound != nil && errors.Is(err, repositories.ErrNotFound):
		return services.Wrap(notFound, err)
	case errors.Is(err, repositories.ErrDuplicate):
		return services.Wrap(services.ErrConcurrentUpdate, err)
	default:
		return services.WrapStorage(message, err)
	}
}

func (e *Engine) lookupProject(ctx context.Context, project string) (*models.Project, error) {
	if err := ValidateName("project", project); err != nil {
		return nil, err
	}
	p, err := e.repos.Projects.GetByName(ctx, project)
	if err != nil {
		return nil, repoError(err, services.ErrProjectNotFound, "failed to load project")
	}
	return p, nil
}

func (e *Engine) lookupApp(ctx context.Context, project, app string) (*models.Project, *models.App, error) {
	p, err := e.lookupProject(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	if err := ValidateName("app", app); err != nil {
		return nil, nil, err
	}
	a, err := e.repos.Apps.GetByName(ctx, p.ID, app)
	if err != nil {
		return nil, nil, repoError(err, services.ErrAppNotFound, "failed to load app")
	}
	return p, a, nil
}

// implicitNamespace derives the IDs of projects and apps created by a push or
// a sync from their names, so concurrent first pushers lease the same app ID.
var implicitNamespace = uuid.MustParse("5b0c2f7e-91d4-4c3a-8e62-0d7f4a9b1c35")

// planApp loads the project and app, or builds the rows createApp will
// insert for whichever is missing. Nothing is written.
func (e *Engine) planApp(ctx context.Context, project, app string) (*models.Project, *models.App, error) {
	p, err := e.repos.Projects.GetByName(ctx, project)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		p = models.NewProject(project)
		p.ID = uuid.NewSHA1(implicitNamespace, []byte(project))
		p.CreatedAt = e.nowFn()
	case err != nil:
		return nil, nil, repoError(err, nil, "failed to load project")
	}

	a, err := e.repos.Apps.GetByName(ctx, p.ID, app)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		a = models.NewApp(p.ID, app)
		a.ID = uuid.NewSHA1(p.ID, []byte(app))
		a.CreatedAt = e.nowFn()
	case err != nil:
		return nil, nil, repoError(err, nil, "failed to load app")
	}
	return p, a, nil
}

// createApp inserts a planned project and app when absent and audits each
// insert. It must run in the transaction that stores the version, and it
// returns the stored rows, which belong to another creator if one won.
func (e *Engine) createApp(ctx context.Context, project *models.Project, app *models.App, agentID, source string) (*models.Project, *models.App, error) {
	p := *project
	created, err := e.repos.Projects.CreateIfAbsent(ctx, &p)
	if err != nil {
		return nil, nil, err
	}
	if created {
		if err := e.recorder.RecordProjectCreate(ctx, &p, agentID, source); err != nil {
			return nil, nil, err
		}
	} else {
		stored, err := e.repos.Projects.GetByName(ctx, p.Name)
		if err != nil {
			return nil, nil, err
		}
		p = *stored
	}

	a := *app
	a.ProjectID = p.ID
	created, err = e.repos.Apps.CreateIfAbsent(ctx, &a)
	if err != nil {
		return nil, nil, err
	}
	if created {
		if err := e.recorder.RecordAppCreate(ctx, &p, &a, agentID, source); err != nil {
			return nil, nil, err
		}
	} else {
		stored, err := e.repos.Apps.GetByName(ctx, p.ID, a.Name)
		if err != nil {
			return nil, nil, err
		}
		a = *stored
	}
	return &p, &a, nil
}

// resolveVersion loads a version by hash, or the published one for "latest"
func (e *Engine) resolveVersion(ctx context.Context, a *models.App, ref string) (*models.Version, error) {
	if ref == models.LatestRef {
		v, err := e.repos.Versions.GetPublished(ctx, a.ID)
		if err != nil {
			return nil, repoError(err, services.ErrVersionNotFound, "failed to load published version")
		}
		return v, nil
	}
	if err := validateHash(ref); err != nil {
		return nil, err
	}
	v, err := e.repos.Versions.GetByHash(ctx, a.ID, ref)
	if err != nil {
		return nil, repoError(err, services.ErrVersionNotFound, "failed to load version")
	}
	return v, nil
}

// ResolveScope maps URL names onto ids for token scope checks. Names that do
// not exist yet resolve to nil.
func (e *Engine) ResolveScope(ctx context.Context, project, app string) (projectID, appID *uuid.UUID, err error) {
	if project == "" {
		return nil, nil, nil
	}
	p, err := e.repos.Projects.GetByName(ctx, project)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, repoError(err, nil, "failed to resolve project")
	}
	projectID = &p.ID
	if app == "" {
		return projectID, nil, nil
	}
	a, err := e.repos.Apps.GetByName(ctx, p.ID, app)
	if errors.Is(err, repositories.ErrNotFound) {
		return projectID, nil, nil
	}
	if err != nil {
		return nil, nil, repoError(err, nil, "failed to resolve app")
	}
	return projectID, &a.ID, nil
}

func (e *Engine) emit(event *models.Event) {
	event.Timestamp = e.nowFn()
	e.events.Enqueue(event)
}
