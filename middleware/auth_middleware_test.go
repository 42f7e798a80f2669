package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/upb/artifact-registry/auth"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/services"
	"go.uber.org/zap"
)

// MockTokenAuthenticator is a mock implementation of TokenAuthenticator
type MockTokenAuthenticator struct {
	mock.Mock
}

func (m *MockTokenAuthenticator) Authenticate(ctx context.Context, secret string) (*models.Token, error) {
	args := m.Called(ctx, secret)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Token), args.Error(1)
}

func (m *MockTokenAuthenticator) Resolve(ctx context.Context, id uuid.UUID) (*models.Token, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Token), args.Error(1)
}

func (m *MockTokenAuthenticator) Authorize(token *models.Token, perm models.Permission, projectID, appID *uuid.UUID) error {
	args := m.Called(token, perm, projectID, appID)
	return args.Error(0)
}

// MockSessionVerifier is a mock implementation of SessionVerifier
type MockSessionVerifier struct {
	mock.Mock
}

func (m *MockSessionVerifier) Verify(raw string) (uuid.UUID, error) {
	args := m.Called(raw)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

// MockScopeResolver is a mock implementation of ScopeResolver
type MockScopeResolver struct {
	mock.Mock
}

func (m *MockScopeResolver) ResolveScope(ctx context.Context, project, app string) (*uuid.UUID, *uuid.UUID, error) {
	args := m.Called(ctx, project, app)
	var projectID, appID *uuid.UUID
	if v := args.Get(0); v != nil {
		projectID = v.(*uuid.UUID)
	}
	if v := args.Get(1); v != nil {
		appID = v.(*uuid.UUID)
	}
	return projectID, appID, args.Error(2)
}

func okHandler(t *testing.T, check func(r *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()
	token := models.NewToken("ci", "hash", "reg_abc", models.NewPermissionSet(models.PermissionPush))

	t.Run("raw token in Authorization header", func(t *testing.T) {
		tokens := new(MockTokenAuthenticator)
		sessions := new(MockSessionVerifier)
		m := NewAuthMiddleware(tokens, sessions, new(MockScopeResolver), logger)

		tokens.On("Authenticate", mock.Anything, "reg_secret").Return(token, nil)

		handler := m.RequireAuth(okHandler(t, func(r *http.Request) {
			assert.Equal(t, token.ID, GetTokenFromContext(r.Context()).ID)
			assert.Equal(t, "token:ci", GetAgentIDFromContext(r.Context()))
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer reg_secret")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		tokens.AssertExpectations(t)
		sessions.AssertNotCalled(t, "Verify", mock.Anything)
	})

	t.Run("agent header names the caller", func(t *testing.T) {
		tokens := new(MockTokenAuthenticator)
		m := NewAuthMiddleware(tokens, new(MockSessionVerifier), new(MockScopeResolver), logger)
		tokens.On("Authenticate", mock.Anything, "reg_secret").Return(token, nil)

		handler := m.RequireAuth(okHandler(t, func(r *http.Request) {
			assert.Equal(t, "runner-7", GetAgentIDFromContext(r.Context()))
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer reg_secret")
		req.Header.Set(AgentHeader, "runner-7")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("session cookie resolves the token", func(t *testing.T) {
		tokens := new(MockTokenAuthenticator)
		sessions := new(MockSessionVerifier)
		m := NewAuthMiddleware(tokens, sessions, new(MockScopeResolver), logger)

		sessions.On("Verify", "h.p.s").Return(token.ID, nil)
		tokens.On("Resolve", mock.Anything, token.ID).Return(token, nil)

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "h.p.s"})
		w := httptest.NewRecorder()
		m.RequireAuth(okHandler(t, nil)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		tokens.AssertNotCalled(t, "Authenticate", mock.Anything, mock.Anything)
		sessions.AssertExpectations(t)
		tokens.AssertExpectations(t)
	})

	t.Run("revoked token ends the session", func(t *testing.T) {
		tokens := new(MockTokenAuthenticator)
		sessions := new(MockSessionVerifier)
		m := NewAuthMiddleware(tokens, sessions, new(MockScopeResolver), logger)

		sessions.On("Verify", "h.p.s").Return(token.ID, nil)
		tokens.On("Resolve", mock.Anything, token.ID).Return(nil, services.ErrInvalidToken)

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer h.p.s")
		w := httptest.NewRecorder()
		m.RequireAuth(okHandler(t, nil)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid session", func(t *testing.T) {
		sessions := new(MockSessionVerifier)
		m := NewAuthMiddleware(new(MockTokenAuthenticator), sessions, new(MockScopeResolver), logger)
		sessions.On("Verify", "h.p.s").Return(uuid.Nil, auth.ErrSessionExpired)

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer h.p.s")
		w := httptest.NewRecorder()
		m.RequireAuth(okHandler(t, nil)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing credentials", func(t *testing.T) {
		m := NewAuthMiddleware(new(MockTokenAuthenticator), new(MockSessionVerifier), new(MockScopeResolver), logger)

		for _, header := range []string{"", "Basic dXNlcjpwYXNz", "Bearer"} {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			m.RequireAuth(okHandler(t, nil)).ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
		}
	})

	t.Run("storage failure is not an auth failure", func(t *testing.T) {
		tokens := new(MockTokenAuthenticator)
		m := NewAuthMiddleware(tokens, new(MockSessionVerifier), new(MockScopeResolver), logger)
		tokens.On("Authenticate", mock.Anything, "reg_secret").
			Return(nil, services.WrapStorage("failed to load token", errors.New("connection refused")))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer reg_secret")
		w := httptest.NewRecorder()
		m.RequireAuth(okHandler(t, nil)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestRequirePermission(t *testing.T) {
	logger := zap.NewNop()
	token := models.NewToken("ci", "hash", "reg_abc", models.NewPermissionSet(models.PermissionPull))
	projectID := uuid.New()
	appID := uuid.New()

	route := func(m *AuthMiddleware, perm models.Permission) http.Handler {
		r := chi.NewRouter()
		r.With(m.RequirePermission(perm)).Get("/projects/{project}/apps/{app}", okHandler(t, nil).ServeHTTP)
		r.With(m.RequirePermission(perm)).Get("/tokens", okHandler(t, nil).ServeHTTP)
		return r
	}
	serve := func(h http.Handler, path string, withToken bool) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if withToken {
			req = req.WithContext(WithToken(req.Context(), token))
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("resolves URL names into the scope check", func(t *testing.T) {
		tokens := new(MockTokenAuthenticator)
		scopes := new(MockScopeResolver)
		m := NewAuthMiddleware(tokens, new(MockSessionVerifier), scopes, logger)

		scopes.On("ResolveScope", mock.Anything, "acme", "web").Return(&projectID, &appID, nil)
		tokens.On("Authorize", token, models.PermissionPull, &projectID, &appID).Return(nil)

		assert.Equal(t, http.StatusOK, serve(route(m, models.PermissionPull), "/projects/acme/apps/web", true))
		scopes.AssertExpectations(t)
		tokens.AssertExpectations(t)
	})

	t.Run("routes without names need a registry-wide grant", func(t *testing.T) {
		tokens := new(MockTokenAuthenticator)
		scopes := new(MockScopeResolver)
		m := NewAuthMiddleware(tokens, new(MockSessionVerifier), scopes, logger)

		scopes.On("ResolveScope", mock.Anything, "", "").Return(nil, nil, nil)
		tokens.On("Authorize", token, models.PermissionAdmin, (*uuid.UUID)(nil), (*uuid.UUID)(nil)).
			Return(services.ErrInsufficientPermissions)

		assert.Equal(t, http.StatusForbidden, serve(route(m, models.PermissionAdmin), "/tokens", true))
	})

	t.Run("out of scope", func(t *testing.T) {
		tokens := new(MockTokenAuthenticator)
		scopes := new(MockScopeResolver)
		m := NewAuthMiddleware(tokens, new(MockSessionVerifier), scopes, logger)

		scopes.On("ResolveScope", mock.Anything, "other", "web").Return(nil, nil, nil)
		tokens.On("Authorize", token, models.PermissionPull, (*uuid.UUID)(nil), (*uuid.UUID)(nil)).
			Return(services.ErrOutOfScope)

		assert.Equal(t, http.StatusForbidden, serve(route(m, models.PermissionPull), "/projects/other/apps/web", true))
	})

	t.Run("scope lookup failure", func(t *testing.T) {
		scopes := new(MockScopeResolver)
		m := NewAuthMiddleware(new(MockTokenAuthenticator), new(MockSessionVerifier), scopes, logger)
		scopes.On("ResolveScope", mock.Anything, "acme", "web").Return(nil, nil, errors.New("db down"))

		assert.Equal(t, http.StatusServiceUnavailable, serve(route(m, models.PermissionPull), "/projects/acme/apps/web", true))
	})

	t.Run("no token in context", func(t *testing.T) {
		m := NewAuthMiddleware(new(MockTokenAuthenticator), new(MockSessionVerifier), new(MockScopeResolver), logger)

		assert.Equal(t, http.StatusUnauthorized, serve(route(m, models.PermissionPull), "/projects/acme/apps/web", false))
	})
}
