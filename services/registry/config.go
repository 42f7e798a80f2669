package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/services"
	"go.uber.org/zap"
)

// DefaultConfig is used for keys that were never seeded
var DefaultConfig = models.RegistryConfig{
	VersionRetentionLimit: 10,
	AuditLogRetentionDays: 90,
}

// EnsureConfigDefaults seeds retention settings that are not stored yet.
// Existing values are left alone.
func (e *Engine) EnsureConfigDefaults(ctx context.Context, defaults models.RegistryConfig) error {
	if defaults.VersionRetentionLimit < 1 || defaults.AuditLogRetentionDays < 1 {
		return services.Wrap(services.ErrInvalidConfig, nil)
	}
	seeds := map[string]int{
		models.ConfigKeyVersionRetentionLimit: defaults.VersionRetentionLimit,
		models.ConfigKeyAuditRetentionDays:    defaults.AuditLogRetentionDays,
	}
	for key, value := range seeds {
		if err := e.repos.Config.SetIfAbsent(ctx, key, strconv.Itoa(value)); err != nil {
			return services.WrapStorage("failed to seed configuration", err)
		}
	}
	return nil
}

// GetConfig reads the current retention settings
func (e *Engine) GetConfig(ctx context.Context) (*models.RegistryConfig, error) {
	values, err := e.repos.Config.GetAll(ctx)
	if err != nil {
		return nil, services.WrapStorage("failed to load configuration", err)
	}

	cfg := DefaultConfig
	if raw, ok := values[models.ConfigKeyVersionRetentionLimit]; ok {
		cfg.VersionRetentionLimit = e.parsePositive(models.ConfigKeyVersionRetentionLimit, raw, cfg.VersionRetentionLimit)
	}
	if raw, ok := values[models.ConfigKeyAuditRetentionDays]; ok {
		cfg.AuditLogRetentionDays = e.parsePositive(models.ConfigKeyAuditRetentionDays, raw, cfg.AuditLogRetentionDays)
	}
	if raw, ok := values[models.ConfigKeyLastCleanupRun]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			cfg.LastCleanupAt = &t
		}
	}
	return &cfg, nil
}

func (e *Engine) parsePositive(key, raw string, fallback int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		e.logger.Warn("Ignoring invalid stored configuration value",
			zap.String("key", key),
			zap.String("value", raw),
		)
		return fallback
	}
	return n
}

// UpdateConfig applies a patch. Every provided value must be at least 1.
func (e *Engine) UpdateConfig(ctx context.Context, patch models.ConfigPatch, agentID string) (*models.RegistryConfig, error) {
	changes := map[string]interface{}{}
	updates := map[string]string{}
	if v := patch.VersionRetentionLimit; v != nil {
		if *v < 1 {
			return nil, services.Wrap(services.ErrInvalidConfig, nil).
				WithDetail(models.ConfigKeyVersionRetentionLimit, *v)
		}
		changes[models.ConfigKeyVersionRetentionLimit] = *v
		updates[models.ConfigKeyVersionRetentionLimit] = strconv.Itoa(*v)
	}
	if v := patch.AuditLogRetentionDays; v != nil {
		if *v < 1 {
			return nil, services.Wrap(services.ErrInvalidConfig, nil).
				WithDetail(models.ConfigKeyAuditRetentionDays, *v)
		}
		changes[models.ConfigKeyAuditRetentionDays] = *v
		updates[models.ConfigKeyAuditRetentionDays] = strconv.Itoa(*v)
	}
	if len(updates) == 0 {
		return nil, services.Validation("no configuration values provided")
	}

	err := services.WithTransaction(ctx, e.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) error {
		for key, value := range updates {
			if err := e.repos.Config.Set(ctx, key, value); err != nil {
				return err
			}
		}
		return e.recorder.RecordConfigUpdate(ctx, agentID, changes)
	})
	if err != nil {
		return nil, repoError(err, nil, "failed to update configuration")
	}

	e.logger.Info("Registry configuration updated", zap.Any("changes", changes))
	return e.GetConfig(ctx)
}

// LastCleanupRun returns the cleanup watermark, or the zero time when no run
// has been recorded
func (e *Engine) LastCleanupRun(ctx context.Context) (time.Time, error) {
	raw, err := e.repos.Config.Get(ctx, models.ConfigKeyLastCleanupRun)
	if errors.Is(err, repositories.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, services.WrapStorage("failed to load cleanup watermark", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cleanup watermark %q: %w", raw, err)
	}
	return t, nil
}

// SetLastCleanupRun persists the cleanup watermark
func (e *Engine) SetLastCleanupRun(ctx context.Context, t time.Time) error {
	if err := e.repos.Config.Set(ctx, models.ConfigKeyLastCleanupRun, t.UTC().Format(time.RFC3339Nano)); err != nil {
		return services.WrapStorage("failed to store cleanup watermark", err)
	}
	return nil
}
