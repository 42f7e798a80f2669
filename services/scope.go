package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/repositories"
)

// ValidateScope checks a token or webhook scope. An app scope needs its
// project, and the app must belong to that project.
func ValidateScope(ctx context.Context, projects repositories.ProjectRepository, apps repositories.AppRepository, projectID, appID *uuid.UUID) error {
	if appID != nil && projectID == nil {
		return Wrap(ErrInvalidScope, nil).WithDetail("reason", "app scope requires project_id")
	}
	if projectID == nil {
		return nil
	}

	if _, err := projects.GetByID(ctx, *projectID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return Wrap(ErrInvalidScope, nil).WithDetail("project_id", projectID.String())
		}
		return WrapStorage("failed to load project", err)
	}
	if appID == nil {
		return nil
	}

	app, err := apps.GetByID(ctx, *appID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return Wrap(ErrInvalidScope, nil).WithDetail("app_id", appID.String())
		}
		return WrapStorage("failed to load app", err)
	}
	if app.ProjectID != *projectID {
		return Wrap(ErrInvalidScope, nil).
			WithDetail("reason", "app does not belong to project").
			WithDetail("app_id", appID.String())
	}
	return nil
}
