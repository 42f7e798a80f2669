package registry

import (
	"context"

	"github.com/upb/artifact-registry/models"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// VersionManifest is a version together with its file list
type VersionManifest struct {
	Version  *models.Version `json:"version"`
	Manifest models.Manifest `json:"manifest"`
}

// ListProjects returns projects ordered by name
func (e *Engine) ListProjects(ctx context.Context, limit, offset int) ([]*models.Project, error) {
	limit, offset = clampPage(limit, offset)
	projects, err := e.repos.Projects.List(ctx, limit, offset)
	if err != nil {
		return nil, repoError(err, nil, "failed to list projects")
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	return projects, nil
}

// ListApps returns the apps of a project ordered by name
func (e *Engine) ListApps(ctx context.Context, project string, limit, offset int) ([]*models.App, error) {
	p, err := e.lookupProject(ctx, project)
	if err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	apps, err := e.repos.Apps.ListByProject(ctx, p.ID, limit, offset)
	if err != nil {
		return nil, repoError(err, nil, "failed to list apps")
	}
	if apps == nil {
		apps = []*models.App{}
	}
	return apps, nil
}

// ListVersions returns the versions of an app, newest first
func (e *Engine) ListVersions(ctx context.Context, project, app string, limit, offset int) ([]*models.Version, error) {
	_, a, err := e.lookupApp(ctx, project, app)
	if err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	versions, err := e.repos.Versions.ListByApp(ctx, a.ID, limit, offset)
	if err != nil {
		return nil, repoError(err, nil, "failed to list versions")
	}
	if versions == nil {
		versions = []*models.Version{}
	}
	return versions, nil
}

// GetManifest returns the manifest of a version. ref is a hash or "latest".
func (e *Engine) GetManifest(ctx context.Context, project, app, ref string) (_ *VersionManifest, err error) {
	ctx, span := e.startSpan(ctx, "GetManifest",
		attribute.String("project", project),
		attribute.String("app", app),
		attribute.String("ref", ref))
	defer func() { endSpan(span, err) }()

	_, a, err := e.lookupApp(ctx, project, app)
	if err != nil {
		return nil, err
	}
	v, err := e.resolveVersion(ctx, a, ref)
	if err != nil {
		return nil, err
	}
	files, err := e.repos.Versions.GetFiles(ctx, v.ID)
	if err != nil {
		return nil, repoError(err, nil, "failed to load manifest")
	}
	if files == nil {
		files = []models.ManifestFile{}
	}
	return &VersionManifest{
		Version:  v,
		Manifest: models.Manifest{Hash: v.Hash, Files: files},
	}, nil
}
