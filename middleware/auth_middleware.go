package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/artifact-registry/auth"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/services"
	"github.com/upb/artifact-registry/utils"
	"go.uber.org/zap"
)

// AgentHeader lets CI runners name themselves in audit entries
const AgentHeader = "X-Agent-ID"

// TokenAuthenticator authenticates raw API tokens and authorizes their use
type TokenAuthenticator interface {
	// Authenticate resolves a plaintext secret to its token
	Authenticate(ctx context.Context, secret string) (*models.Token, error)

	// Resolve loads a token by id for the session path
	Resolve(ctx context.Context, id uuid.UUID) (*models.Token, error)

	// Authorize checks a permission against the token's scope
	Authorize(token *models.Token, perm models.Permission, projectID, appID *uuid.UUID) error
}

// SessionVerifier verifies console session JWTs
type SessionVerifier interface {
	Verify(raw string) (uuid.UUID, error)
}

// ScopeResolver maps the project/app names of a URL onto ids
type ScopeResolver interface {
	ResolveScope(ctx context.Context, project, app string) (projectID, appID *uuid.UUID, err error)
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	tokens   TokenAuthenticator
	sessions SessionVerifier
	scopes   ScopeResolver
	logger   *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(tokens TokenAuthenticator, sessions SessionVerifier, scopes ScopeResolver, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokens:   tokens,
		sessions: sessions,
		scopes:   scopes,
		logger:   logger,
	}
}

// RequireAuth is a middleware that requires a valid API token or console session
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		credential := extractCredential(r)
		if credential == "" {
			m.logger.Debug("missing credentials",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		token, err := m.authenticate(ctx, credential)
		if err != nil {
			m.logger.Warn("authentication failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			if services.IsStorageError(err) {
				_ = utils.WriteServiceUnavailable(w, "")
				return
			}
			_ = utils.WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		agentID := strings.TrimSpace(r.Header.Get(AgentHeader))
		if agentID == "" {
			agentID = "token:" + token.Name
		}

		ctx = WithToken(ctx, token)
		ctx = WithAgentID(ctx, agentID)

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("token_id", token.ID.String()),
			zap.String("agent_id", agentID))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) authenticate(ctx context.Context, credential string) (*models.Token, error) {
	if !auth.LooksLikeJWT(credential) {
		return m.tokens.Authenticate(ctx, credential)
	}
	tokenID, err := m.sessions.Verify(credential)
	if err != nil {
		return nil, services.Wrap(services.ErrInvalidToken, err)
	}
	return m.tokens.Resolve(ctx, tokenID)
}

// RequirePermission is a middleware that requires perm within the scope of
// the {project} and {app} URL parameters. Routes without those parameters
// need a registry-wide grant. This should be called after RequireAuth.
func (m *AuthMiddleware) RequirePermission(perm models.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			token := GetTokenFromContext(ctx)
			if token == nil {
				m.logger.Error("token not found in context",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}

			projectID, appID, err := m.scopes.ResolveScope(ctx, chi.URLParam(r, "project"), chi.URLParam(r, "app"))
			if err != nil {
				m.logger.Error("failed to resolve scope",
					zap.String("request_id", requestID),
					zap.Error(err))
				_ = utils.WriteServiceUnavailable(w, "")
				return
			}

			if err := m.tokens.Authorize(token, perm, projectID, appID); err != nil {
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", requestID),
					zap.String("token_id", token.ID.String()),
					zap.String("required", perm.String()),
					zap.Error(err))
				_ = utils.WriteForbidden(w, err.Error())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractCredential reads the Authorization header ("Bearer TOKEN"), falling
// back to the console session cookie.
func extractCredential(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return token
	}
	return auth.SessionFromCookie(r)
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
