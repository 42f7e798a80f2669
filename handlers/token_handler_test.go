package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/artifact-registry/middleware"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/services"
	"github.com/upb/artifact-registry/services/tokens"
	"go.uber.org/zap"
)

// MockTokenService is a mock implementation of TokenService
type MockTokenService struct {
	mock.Mock
}

func (m *MockTokenService) Create(ctx context.Context, req tokens.CreateRequest, agentID string) (*tokens.CreateResult, error) {
	args := m.Called(ctx, req, agentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tokens.CreateResult), args.Error(1)
}

func (m *MockTokenService) Get(ctx context.Context, id uuid.UUID) (*models.Token, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Token), args.Error(1)
}

func (m *MockTokenService) List(ctx context.Context, limit, offset int) ([]*models.Token, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Token), args.Error(1)
}

func (m *MockTokenService) Update(ctx context.Context, id uuid.UUID, req tokens.UpdateRequest, agentID string) (*models.Token, error) {
	args := m.Called(ctx, id, req, agentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Token), args.Error(1)
}

func (m *MockTokenService) Delete(ctx context.Context, id uuid.UUID, agentID string) error {
	args := m.Called(ctx, id, agentID)
	return args.Error(0)
}

func newTokenRouter(h *TokenHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithAgentID(r.Context(), "admin")))
		})
	})
	r.Post("/tokens", h.HandleCreateToken)
	r.Get("/tokens", h.HandleListTokens)
	r.Get("/tokens/{id}", h.HandleGetToken)
	r.Patch("/tokens/{id}", h.HandleUpdateToken)
	r.Delete("/tokens/{id}", h.HandleDeleteToken)
	return r
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func TestTokenHandler_Create(t *testing.T) {
	logger := zap.NewNop()

	t.Run("returns the secret once", func(t *testing.T) {
		svc := new(MockTokenService)
		token := models.NewToken("deployer", "hash", "reg_abcdefgh", models.NewPermissionSet(models.PermissionPush))
		req := tokens.CreateRequest{Name: "deployer", Permissions: []string{"push"}}
		svc.On("Create", mock.Anything, req, "admin").
			Return(&tokens.CreateResult{Token: token, Secret: "reg_secret"}, nil)

		w := serve(newTokenRouter(NewTokenHandler(svc, logger)), http.MethodPost, "/tokens", jsonBody(t, req), nil)

		assert.Equal(t, http.StatusCreated, w.Code)
		var result tokens.CreateResult
		decodeData(t, w, &result)
		assert.Equal(t, "reg_secret", result.Secret)
		assert.Equal(t, "deployer", result.Token.Name)
		assert.NotContains(t, w.Body.String(), `"hash"`)
		svc.AssertExpectations(t)
	})

	t.Run("missing name", func(t *testing.T) {
		svc := new(MockTokenService)
		w := serve(newTokenRouter(NewTokenHandler(svc, logger)), http.MethodPost, "/tokens",
			jsonBody(t, map[string]interface{}{"permissions": []string{"pull"}}), nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown permission", func(t *testing.T) {
		svc := new(MockTokenService)
		svc.On("Create", mock.Anything, mock.Anything, "admin").
			Return(nil, services.Validation("unknown permission: %q", "root"))

		w := serve(newTokenRouter(NewTokenHandler(svc, logger)), http.MethodPost, "/tokens",
			jsonBody(t, tokens.CreateRequest{Name: "x", Permissions: []string{"root"}}), nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTokenHandler_GetUpdateDelete(t *testing.T) {
	logger := zap.NewNop()
	token := models.NewToken("reader", "hash", "reg_12345678", models.NewPermissionSet(models.PermissionPull))

	t.Run("get", func(t *testing.T) {
		svc := new(MockTokenService)
		svc.On("Get", mock.Anything, token.ID).Return(token, nil)

		w := serve(newTokenRouter(NewTokenHandler(svc, logger)), http.MethodGet, "/tokens/"+token.ID.String(), nil, nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"permissions":["pull"]`)
	})

	t.Run("get with a malformed id", func(t *testing.T) {
		svc := new(MockTokenService)
		w := serve(newTokenRouter(NewTokenHandler(svc, logger)), http.MethodGet, "/tokens/not-a-uuid", nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("get missing", func(t *testing.T) {
		svc := new(MockTokenService)
		svc.On("Get", mock.Anything, token.ID).Return(nil, services.ErrTokenNotFound)

		w := serve(newTokenRouter(NewTokenHandler(svc, logger)), http.MethodGet, "/tokens/"+token.ID.String(), nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("update", func(t *testing.T) {
		svc := new(MockTokenService)
		name := "renamed"
		req := tokens.UpdateRequest{Name: &name}
		svc.On("Update", mock.Anything, token.ID, req, "admin").Return(token, nil)

		w := serve(newTokenRouter(NewTokenHandler(svc, logger)), http.MethodPatch, "/tokens/"+token.ID.String(), jsonBody(t, req), nil)

		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("delete", func(t *testing.T) {
		svc := new(MockTokenService)
		svc.On("Delete", mock.Anything, token.ID, "admin").Return(nil)

		w := serve(newTokenRouter(NewTokenHandler(svc, logger)), http.MethodDelete, "/tokens/"+token.ID.String(), nil, nil)

		assert.Equal(t, http.StatusNoContent, w.Code)
		svc.AssertExpectations(t)
	})
}

func TestTokenHandler_List(t *testing.T) {
	svc := new(MockTokenService)
	svc.On("List", mock.Anything, 10, 20).Return([]*models.Token{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/tokens?limit=10&offset=20", nil)
	w := httptest.NewRecorder()
	newTokenRouter(NewTokenHandler(svc, zap.NewNop())).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, float64(10), response["limit"])
	assert.Equal(t, float64(20), response["offset"])
	svc.AssertExpectations(t)
}
