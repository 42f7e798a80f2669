package handlers

import (
	"net/http"
	"time"

	"github.com/upb/artifact-registry/auth"
	"github.com/upb/artifact-registry/middleware"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/utils"
	"go.uber.org/zap"
)

// SessionIssuer mints console sessions for authenticated tokens
type SessionIssuer interface {
	Issue(token *models.Token) (*auth.Session, error)
}

// SessionResponse is returned when a session is opened
type SessionResponse struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	Identity  *models.Token `json:"identity"`
}

// SessionHandler exchanges API tokens for short-lived session JWTs
type SessionHandler struct {
	issuer       SessionIssuer
	secureCookie bool
	logger       *zap.Logger
}

// NewSessionHandler creates a new SessionHandler. secureCookie marks the
// session cookie Secure, which browsers only send over HTTPS.
func NewSessionHandler(issuer SessionIssuer, secureCookie bool, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		issuer:       issuer,
		secureCookie: secureCookie,
		logger:       logger,
	}
}

// HandleCreateSession handles POST /api/v1/auth/session. The caller is
// already authenticated; the session inherits its token's identity.
func (h *SessionHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := middleware.GetTokenFromContext(ctx)
	if token == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	session, err := h.issuer.Issue(token)
	if err != nil {
		h.logger.Error("failed to issue session",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("token_id", token.ID.String()),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to create session")
		return
	}

	auth.SetSessionCookie(w, session, h.secureCookie)
	_ = utils.WriteCreated(w, SessionResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
		Identity:  token,
	})
}

// HandleDeleteSession handles DELETE /api/v1/auth/session
func (h *SessionHandler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w, h.secureCookie)
	utils.WriteNoContent(w)
}
