package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories/memory"
	"go.uber.org/zap"
)

func TestValidateScope(t *testing.T) {
	ctx := context.Background()
	repos := memory.NewStore(zap.NewNop()).NewRepositories()

	project := models.NewProject("acme")
	require.NoError(t, repos.Projects.Create(ctx, project))
	other := models.NewProject("other")
	require.NoError(t, repos.Projects.Create(ctx, other))
	app := models.NewApp(project.ID, "web")
	require.NoError(t, repos.Apps.Create(ctx, app))

	missing := uuid.New()

	tests := []struct {
		name      string
		projectID *uuid.UUID
		appID     *uuid.UUID
		wantErr   bool
	}{
		{name: "registry wide"},
		{name: "project", projectID: &project.ID},
		{name: "app in project", projectID: &project.ID, appID: &app.ID},
		{name: "app without project", appID: &app.ID, wantErr: true},
		{name: "app in another project", projectID: &other.ID, appID: &app.ID, wantErr: true},
		{name: "unknown project", projectID: &missing, wantErr: true},
		{name: "unknown app", projectID: &project.ID, appID: &missing, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScope(ctx, repos.Projects, repos.Apps, tt.projectID, tt.appID)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidScope)
				assert.True(t, IsValidationError(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}
