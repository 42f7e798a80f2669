package registry

import (
	"context"

	"github.com/upb/artifact-registry/models"
	"go.opentelemetry.io/otel/attribute"
)

// Inventory is the whole registry as a project, app and version tree
type Inventory struct {
	Projects []ProjectInventory `json:"projects"`
}

// ProjectInventory is one project with its apps
type ProjectInventory struct {
	Project *models.Project `json:"project"`
	Apps    []AppInventory  `json:"apps"`
}

// AppInventory is one app with its versions, newest first
type AppInventory struct {
	App      *models.App       `json:"app"`
	Versions []*models.Version `json:"versions"`
}

// InventorySummary counts what the registry holds
type InventorySummary struct {
	TotalProjects     int `json:"total_projects"`
	TotalApps         int `json:"total_apps"`
	TotalVersions     int `json:"total_versions"`
	PublishedVersions int `json:"published_versions"`
}

// Inventory returns every project, app and version
func (e *Engine) Inventory(ctx context.Context) (_ *Inventory, err error) {
	ctx, span := e.startSpan(ctx, "Inventory")
	defer func() { endSpan(span, err) }()

	projects, err := e.allProjects(ctx)
	if err != nil {
		return nil, err
	}
	inv := &Inventory{Projects: make([]ProjectInventory, 0, len(projects))}
	for _, p := range projects {
		pi, err := e.projectInventory(ctx, p)
		if err != nil {
			return nil, err
		}
		inv.Projects = append(inv.Projects, *pi)
	}
	return inv, nil
}

// ProjectInventory returns the apps and versions of one project
func (e *Engine) ProjectInventory(ctx context.Context, project string) (_ *ProjectInventory, err error) {
	ctx, span := e.startSpan(ctx, "ProjectInventory", attribute.String("project", project))
	defer func() { endSpan(span, err) }()

	p, err := e.lookupProject(ctx, project)
	if err != nil {
		return nil, err
	}
	return e.projectInventory(ctx, p)
}

// InventorySummary counts projects, apps and versions
func (e *Engine) InventorySummary(ctx context.Context) (_ *InventorySummary, err error) {
	ctx, span := e.startSpan(ctx, "InventorySummary")
	defer func() { endSpan(span, err) }()

	inv, err := e.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	summary := &InventorySummary{TotalProjects: len(inv.Projects)}
	for _, p := range inv.Projects {
		summary.TotalApps += len(p.Apps)
		for _, a := range p.Apps {
			summary.TotalVersions += len(a.Versions)
			for _, v := range a.Versions {
				if v.IsPublished {
					summary.PublishedVersions++
				}
			}
		}
	}
	span.SetAttributes(
		attribute.Int("projects", summary.TotalProjects),
		attribute.Int("versions", summary.TotalVersions))
	return summary, nil
}

func (e *Engine) projectInventory(ctx context.Context, p *models.Project) (*ProjectInventory, error) {
	apps, err := e.allApps(ctx, p)
	if err != nil {
		return nil, err
	}
	pi := &ProjectInventory{Project: p, Apps: make([]AppInventory, 0, len(apps))}
	for _, a := range apps {
		versions, err := e.repos.Versions.ListByApp(ctx, a.ID, 0, 0)
		if err != nil {
			return nil, repoError(err, nil, "failed to list versions")
		}
		if versions == nil {
			versions = []*models.Version{}
		}
		pi.Apps = append(pi.Apps, AppInventory{App: a, Versions: versions})
	}
	return pi, nil
}

func (e *Engine) allProjects(ctx context.Context) ([]*models.Project, error) {
	var out []*models.Project
	for offset := 0; ; offset += maxPageSize {
		page, err := e.repos.Projects.List(ctx, maxPageSize, offset)
		if err != nil {
			return nil, repoError(err, nil, "failed to list projects")
		}
		out = append(out, page...)
		if len(page) < maxPageSize {
			return out, nil
		}
	}
}

func (e *Engine) allApps(ctx context.Context, p *models.Project) ([]*models.App, error) {
	var out []*models.App
	for offset := 0; ; offset += maxPageSize {
		page, err := e.repos.Apps.ListByProject(ctx, p.ID, maxPageSize, offset)
		if err != nil {
			return nil, repoError(err, nil, "failed to list apps")
		}
		out = append(out, page...)
		if len(page) < maxPageSize {
			return out, nil
		}
	}
}
