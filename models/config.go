package models

import "time"

// Config keys persisted in the registry_config table
const (
	ConfigKeyVersionRetentionLimit = "version_retention_limit"
	ConfigKeyAuditRetentionDays    = "audit_log_retention_days"
	ConfigKeyLastCleanupRun        = "last_cleanup_run"
)

// RegistryConfig is the process-wide retention configuration
type RegistryConfig struct {
	VersionRetentionLimit int        `json:"version_retention_limit"`
	AuditLogRetentionDays int        `json:"audit_log_retention_days"`
	LastCleanupAt         *time.Time `json:"last_cleanup_at,omitempty"`
}

// ConfigPatch carries the fields an operator may change
type ConfigPatch struct {
	VersionRetentionLimit *int `json:"version_retention_limit,omitempty" validate:"omitempty,min=1"`
	AuditLogRetentionDays *int `json:"audit_log_retention_days,omitempty" validate:"omitempty,min=1"`
}
