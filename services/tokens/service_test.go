package tokens

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/repositories/memory"
	"github.com/upb/artifact-registry/services"
	"github.com/upb/artifact-registry/services/audit"
	"go.uber.org/zap"
)

type fixture struct {
	svc     *Service
	repos   *repositories.Repositories
	project *models.Project
	app     *models.App
	now     time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repos := memory.NewStore(zap.NewNop()).NewRepositories()

	project := models.NewProject("acme")
	require.NoError(t, repos.Projects.Create(ctx, project))
	app := models.NewApp(project.ID, "web")
	require.NoError(t, repos.Apps.Create(ctx, app))

	f := &fixture{repos: repos, project: project, app: app, now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	f.svc = NewService(repos, audit.NewRecorder(repos.Audit, zap.NewNop()), time.Minute, zap.NewNop()).
		WithClock(func() time.Time { return f.now })
	return f
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, SecretPrefix))
	assert.Len(t, a, len(SecretPrefix)+43)
	assert.NotEqual(t, a, b)
	assert.Len(t, HashSecret(a), 64)
}

func TestCreateAndAuthenticate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, CreateRequest{Name: "ci", Permissions: []string{"push", "pull"}}, "admin")
	require.NoError(t, err)

	assert.NotEqual(t, res.Secret, res.Token.SecretHash)
	assert.Equal(t, HashSecret(res.Secret), res.Token.SecretHash)
	assert.True(t, strings.HasPrefix(res.Secret, res.Token.Prefix))

	token, err := f.svc.Authenticate(ctx, res.Secret)
	require.NoError(t, err)
	assert.Equal(t, res.Token.ID, token.ID)

	_, err = f.svc.Authenticate(ctx, "reg_not-a-real-token")
	assert.ErrorIs(t, err, services.ErrInvalidToken)
	_, err = f.svc.Authenticate(ctx, "Bearer something")
	assert.ErrorIs(t, err, services.ErrInvalidToken)

	n, err := f.repos.Audit.Count(ctx, models.AuditFilter{Operation: models.AuditOpTokenCreate})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreate_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	past := f.now.Add(-time.Hour)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{name: "missing name", req: CreateRequest{Permissions: []string{"pull"}}},
		{name: "no permissions", req: CreateRequest{Name: "x"}},
		{name: "unknown permission", req: CreateRequest{Name: "x", Permissions: []string{"root"}}},
		{name: "expired", req: CreateRequest{Name: "x", Permissions: []string{"pull"}, ExpiresAt: &past}},
		{name: "app without project", req: CreateRequest{Name: "x", Permissions: []string{"pull"}, AppID: &f.app.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.req, "admin")
			assert.True(t, services.IsValidationError(err), "got %v", err)
		})
	}
}

func TestAuthenticate_Expiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	expires := f.now.Add(time.Hour)

	res, err := f.svc.Create(ctx, CreateRequest{Name: "short", Permissions: []string{"pull"}, ExpiresAt: &expires}, "admin")
	require.NoError(t, err)

	_, err = f.svc.Authenticate(ctx, res.Secret)
	require.NoError(t, err)

	// the cached token is still checked for expiry
	f.now = expires
	_, err = f.svc.Authenticate(ctx, res.Secret)
	assert.ErrorIs(t, err, services.ErrTokenExpired)
	_, err = f.svc.Resolve(ctx, res.Token.ID)
	assert.ErrorIs(t, err, services.ErrTokenExpired)
}

func TestDelete_RevokesCachedToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, CreateRequest{Name: "ci", Permissions: []string{"pull"}}, "admin")
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, res.Secret)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, res.Token.ID, "admin"))

	_, err = f.svc.Authenticate(ctx, res.Secret)
	assert.ErrorIs(t, err, services.ErrInvalidToken)
	_, err = f.svc.Resolve(ctx, res.Token.ID)
	assert.ErrorIs(t, err, services.ErrInvalidToken)
	assert.ErrorIs(t, f.svc.Delete(ctx, res.Token.ID, "admin"), services.ErrTokenNotFound)
}

func TestUpdate_MergesScopeAndFlushesCache(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, CreateRequest{Name: "ci", Permissions: []string{"admin"}}, "admin")
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, res.Secret)
	require.NoError(t, err)

	// narrowing to an app needs a project
	_, err = f.svc.Update(ctx, res.Token.ID, UpdateRequest{AppID: &f.app.ID}, "admin")
	assert.ErrorIs(t, err, services.ErrInvalidScope)

	updated, err := f.svc.Update(ctx, res.Token.ID, UpdateRequest{
		ProjectID:   &f.project.ID,
		Permissions: []string{"pull"},
	}, "admin")
	require.NoError(t, err)
	assert.Equal(t, f.project.ID, *updated.ProjectID)
	assert.Nil(t, updated.AppID)

	updated, err = f.svc.Update(ctx, res.Token.ID, UpdateRequest{AppID: &f.app.ID}, "admin")
	require.NoError(t, err)
	assert.Equal(t, f.app.ID, *updated.AppID)

	token, err := f.svc.Authenticate(ctx, res.Secret)
	require.NoError(t, err)
	assert.False(t, token.Permissions.Has(models.PermissionAdmin))
	assert.Equal(t, f.app.ID, *token.AppID)

	cleared, err := f.svc.Update(ctx, res.Token.ID, UpdateRequest{ClearScope: true}, "admin")
	require.NoError(t, err)
	assert.Nil(t, cleared.ProjectID)
	assert.Nil(t, cleared.AppID)
}

func TestUpdate_RejectsAppFromAnotherProject(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	other := models.NewProject("globex")
	require.NoError(t, f.repos.Projects.Create(ctx, other))
	foreign := models.NewApp(other.ID, "web")
	require.NoError(t, f.repos.Apps.Create(ctx, foreign))

	res, err := f.svc.Create(ctx, CreateRequest{
		Name:        "deployer",
		Permissions: []string{"pull"},
		ProjectID:   &f.project.ID,
	}, "admin")
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, res.Token.ID, UpdateRequest{AppID: &foreign.ID}, "admin")
	assert.True(t, services.IsValidationError(err), "got %v", err)
	assert.ErrorIs(t, err, services.ErrInvalidScope)

	unchanged, err := f.svc.Get(ctx, res.Token.ID)
	require.NoError(t, err)
	assert.Nil(t, unchanged.AppID)
}

func TestAuthorize(t *testing.T) {
	f := setup(t)
	other := models.NewProject("other")

	appToken := &models.Token{
		Permissions: models.NewPermissionSet(models.PermissionPull, models.PermissionPush),
		ProjectID:   &f.project.ID,
		AppID:       &f.app.ID,
	}
	admin := &models.Token{Permissions: models.NewPermissionSet(models.PermissionAdmin)}

	tests := []struct {
		name    string
		token   *models.Token
		perm    models.Permission
		project *models.Project
		app     bool
		wantErr error
	}{
		{name: "pull on own app", token: appToken, perm: models.PermissionPull, project: f.project, app: true},
		{name: "publish not granted", token: appToken, perm: models.PermissionPublish, project: f.project, app: true, wantErr: services.ErrInsufficientPermissions},
		{name: "project level out of app scope", token: appToken, perm: models.PermissionPull, project: f.project, wantErr: services.ErrOutOfScope},
		{name: "other project", token: appToken, perm: models.PermissionPull, project: other, wantErr: services.ErrOutOfScope},
		{name: "admin implies everything", token: admin, perm: models.PermissionPublish, project: other},
		{name: "admin registry wide", token: admin, perm: models.PermissionAdmin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var projectID, appID *uuid.UUID
			if tt.project != nil {
				projectID = &tt.project.ID
			}
			if tt.app {
				appID = &f.app.ID
			}

			err := f.svc.Authorize(tt.token, tt.perm, projectID, appID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestEnsureBootstrapAdmin(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	created, err := f.svc.EnsureBootstrapAdmin(ctx, "")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = f.svc.EnsureBootstrapAdmin(ctx, "short")
	assert.True(t, services.IsValidationError(err))

	secret := "reg_bootstrap-secret-value"
	created, err = f.svc.EnsureBootstrapAdmin(ctx, secret)
	require.NoError(t, err)
	assert.True(t, created)

	token, err := f.svc.Authenticate(ctx, secret)
	require.NoError(t, err)
	assert.True(t, token.Permissions.Has(models.PermissionAdmin))

	created, err = f.svc.EnsureBootstrapAdmin(ctx, "reg_another-bootstrap-secret")
	require.NoError(t, err)
	assert.False(t, created)
}
