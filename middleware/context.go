package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/artifact-registry/models"
)

// Context key type to avoid collisions
type contextKey string

const (
	// TokenKey is the context key for the authenticated token
	TokenKey contextKey = "token"

	// AgentIDKey is the context key for the acting agent recorded in audit entries
	AgentIDKey contextKey = "agent_id"
)

// GetRequestIDFromContext retrieves the request ID set by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// GetTokenFromContext retrieves the authenticated token from context
func GetTokenFromContext(ctx context.Context) *models.Token {
	if val := ctx.Value(TokenKey); val != nil {
		if token, ok := val.(*models.Token); ok {
			return token
		}
	}
	return nil
}

// WithToken adds the authenticated token to the context
func WithToken(ctx context.Context, token *models.Token) context.Context {
	return context.WithValue(ctx, TokenKey, token)
}

// GetAgentIDFromContext retrieves the agent ID from context. Requests that
// did not pass through RequireAuth act as "anonymous".
func GetAgentIDFromContext(ctx context.Context) string {
	if val := ctx.Value(AgentIDKey); val != nil {
		if agentID, ok := val.(string); ok && agentID != "" {
			return agentID
		}
	}
	return "anonymous"
}

// WithAgentID adds the agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}
