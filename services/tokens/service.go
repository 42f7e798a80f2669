// Package tokens issues, authenticates and authorizes API tokens. Secrets are
// shown once at creation and only their SHA-256 digest is stored.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/services"
	"github.com/upb/artifact-registry/services/audit"
	"go.uber.org/zap"
)

const (
	// SecretPrefix marks registry token secrets
	SecretPrefix = "reg_"

	secretBytes   = 32
	displayPrefix = 12
)

// CreateRequest describes a new token
type CreateRequest struct {
	Name        string     `json:"name" validate:"required,max=128"`
	Permissions []string   `json:"permissions" validate:"required,min=1"`
	ProjectID   *uuid.UUID `json:"project_id,omitempty"`
	AppID       *uuid.UUID `json:"app_id,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// CreateResult carries the plaintext secret, which is never retrievable again
type CreateResult struct {
	Token  *models.Token `json:"token"`
	Secret string        `json:"secret"`
}

// UpdateRequest changes the provided fields. Setting ProjectID replaces the
// whole scope; setting only AppID narrows within the current project.
type UpdateRequest struct {
	Name        *string    `json:"name,omitempty" validate:"omitempty,max=128"`
	Permissions []string   `json:"permissions,omitempty"`
	ProjectID   *uuid.UUID `json:"project_id,omitempty"`
	AppID       *uuid.UUID `json:"app_id,omitempty"`
	ClearScope  bool       `json:"clear_scope,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClearExpiry bool       `json:"clear_expiry,omitempty"`
}

// Service manages API tokens
type Service struct {
	repos    *repositories.Repositories
	recorder *audit.Recorder
	cache    *gocache.Cache
	logger   *zap.Logger
	nowFn    func() time.Time
}

// NewService creates a token Service. Authenticated tokens are cached for cacheTTL.
func NewService(repos *repositories.Repositories, recorder *audit.Recorder, cacheTTL time.Duration, logger *zap.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Service{
		repos:    repos,
		recorder: recorder,
		cache:    gocache.New(cacheTTL, 2*cacheTTL),
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source used for expiry checks
func (s *Service) WithClock(nowFn func() time.Time) *Service {
	s.nowFn = nowFn
	return s
}

// HashSecret returns the stored form of a secret
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// GenerateSecret returns a new random token secret
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token secret: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func prefixOf(secret string) string {
	if len(secret) <= displayPrefix {
		return secret
	}
	return secret[:displayPrefix]
}

// Create issues a new token and returns its secret
func (s *Service) Create(ctx context.Context, req CreateRequest, agentID string) (*CreateResult, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, services.Validation("token name is required")
	}
	perms, err := parsePermissions(req.Permissions)
	if err != nil {
		return nil, err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.nowFn()) {
		return nil, services.Validation("expires_at must be in the future")
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, services.WrapInternal("failed to create token", err)
	}

	token := models.NewToken(name, HashSecret(secret), prefixOf(secret), perms)
	token.ProjectID = req.ProjectID
	token.AppID = req.AppID
	token.ExpiresAt = req.ExpiresAt
	token.CreatedAt = s.nowFn()

	err = services.WithTransaction(ctx, s.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) error {
		if err := services.ValidateScope(ctx, s.repos.Projects, s.repos.Apps, token.ProjectID, token.AppID); err != nil {
			return err
		}
		if err := s.repos.Tokens.Create(ctx, token); err != nil {
			return err
		}
		return s.recorder.RecordToken(ctx, models.AuditOpTokenCreate, token, agentID)
	})
	if err != nil {
		return nil, services.WrapStorage("failed to create token", err)
	}

	s.logger.Info("Token created",
		zap.String("token_id", token.ID.String()),
		zap.String("name", token.Name),
		zap.Strings("permissions", token.Permissions.Strings()),
	)
	return &CreateResult{Token: token, Secret: secret}, nil
}

// Get retrieves a token by ID
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Token, error) {
	token, err := s.repos.Tokens.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrTokenNotFound
		}
		return nil, services.WrapStorage("failed to get token", err)
	}
	return token, nil
}

// List returns tokens without their secrets
func (s *Service) List(ctx context.Context, limit, offset int) ([]*models.Token, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	tokens, err := s.repos.Tokens.List(ctx, limit, offset)
	if err != nil {
		return nil, services.WrapStorage("failed to list tokens", err)
	}
	if tokens == nil {
		tokens = []*models.Token{}
	}
	return tokens, nil
}

// Update applies the provided fields and re-validates the merged scope
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest, agentID string) (*models.Token, error) {
	token, err := services.WithTransactionResult(ctx, s.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) (*models.Token, error) {
		token, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return nil, services.Validation("token name is required")
			}
			token.Name = name
		}
		if req.Permissions != nil {
			perms, err := parsePermissions(req.Permissions)
			if err != nil {
				return nil, err
			}
			token.Permissions = perms
		}

		switch {
		case req.ClearScope:
			token.ProjectID, token.AppID = nil, nil
		case req.ProjectID != nil:
			token.ProjectID, token.AppID = req.ProjectID, req.AppID
		case req.AppID != nil:
			token.AppID = req.AppID
		}
		if err := services.ValidateScope(ctx, s.repos.Projects, s.repos.Apps, token.ProjectID, token.AppID); err != nil {
			return nil, err
		}

		switch {
		case req.ClearExpiry:
			token.ExpiresAt = nil
		case req.ExpiresAt != nil:
			if !req.ExpiresAt.After(s.nowFn()) {
				return nil, services.Validation("expires_at must be in the future")
			}
			token.ExpiresAt = req.ExpiresAt
		}

		if err := s.repos.Tokens.Update(ctx, token); err != nil {
			return nil, services.WrapStorage("failed to update token", err)
		}
		if err := s.recorder.RecordToken(ctx, models.AuditOpTokenUpdate, token, agentID); err != nil {
			return nil, services.WrapStorage("failed to record token update", err)
		}
		return token, nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Delete(token.SecretHash)
	return token, nil
}

// Delete revokes a token
func (s *Service) Delete(ctx context.Context, id uuid.UUID, agentID string) error {
	token, err := services.WithTransactionResult(ctx, s.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) (*models.Token, error) {
		token, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.repos.Tokens.Delete(ctx, id); err != nil {
			return nil, services.WrapStorage("failed to delete token", err)
		}
		if err := s.recorder.RecordToken(ctx, models.AuditOpTokenDelete, token, agentID); err != nil {
			return nil, services.WrapStorage("failed to record token delete", err)
		}
		return token, nil
	})
	if err != nil {
		return err
	}

	s.cache.Delete(token.SecretHash)
	s.logger.Info("Token revoked", zap.String("token_id", id.String()))
	return nil
}

// Authenticate resolves a presented secret to its token
func (s *Service) Authenticate(ctx context.Context, secret string) (*models.Token, error) {
	if !strings.HasPrefix(secret, SecretPrefix) {
		return nil, services.ErrInvalidToken
	}
	hash := HashSecret(secret)

	var token *models.Token
	if cached, ok := s.cache.Get(hash); ok {
		token = cached.(*models.Token)
	} else {
		found, err := s.repos.Tokens.GetBySecretHash(ctx, hash)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, services.ErrInvalidToken
			}
			return nil, services.WrapStorage("failed to load token", err)
		}
		token = found
		s.cache.SetDefault(hash, token)
	}

	if token.Expired(s.nowFn()) {
		return nil, services.ErrTokenExpired
	}
	copied := *token
	return &copied, nil
}

// Resolve loads a token by ID for session authentication. Deleted and expired
// tokens are rejected.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID) (*models.Token, error) {
	token, err := s.repos.Tokens.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrInvalidToken
		}
		return nil, services.WrapStorage("failed to load token", err)
	}
	if token.Expired(s.nowFn()) {
		return nil, services.ErrTokenExpired
	}
	return token, nil
}

// Authorize checks that the token grants perm on the given scope
func (s *Service) Authorize(token *models.Token, perm models.Permission, projectID, appID *uuid.UUID) error {
	if !token.Permissions.Has(perm) {
		return services.Wrap(services.ErrInsufficientPermissions, nil).WithDetail("required", perm.String())
	}
	if !token.Covers(projectID, appID) {
		return services.ErrOutOfScope
	}
	return nil
}

// EnsureBootstrapAdmin creates an admin token from secret when no token
// exists yet. It reports whether a token was created.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, secret string) (bool, error) {
	if secret == "" {
		return false, nil
	}
	if !strings.HasPrefix(secret, SecretPrefix) || len(secret) < len(SecretPrefix)+16 {
		return false, services.Validation("bootstrap admin token must start with %q and carry at least 16 characters", SecretPrefix)
	}

	created, err := services.WithTransactionResult(ctx, s.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) (bool, error) {
		n, err := s.repos.Tokens.Count(ctx)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
		token := models.NewToken("bootstrap-admin", HashSecret(secret), prefixOf(secret), models.NewPermissionSet(models.PermissionAdmin))
		token.CreatedAt = s.nowFn()
		if err := s.repos.Tokens.Create(ctx, token); err != nil {
			return false, err
		}
		return true, s.recorder.RecordToken(ctx, models.AuditOpTokenCreate, token, "bootstrap")
	})
	if err != nil {
		return false, services.WrapStorage("failed to create bootstrap admin token", err)
	}
	if created {
		s.logger.Info("Created bootstrap admin token")
	}
	return created, nil
}

func parsePermissions(names []string) (models.PermissionSet, error) {
	if len(names) == 0 {
		return 0, services.ErrEmptyPermission
	}
	perms, err := models.ParsePermissionSet(names)
	if err != nil {
		return 0, services.Wrap(services.ErrInvalidInput, err).WithDetail("permissions", names)
	}
	return perms, nil
}
