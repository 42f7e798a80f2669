package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditOperation represents the type of operation being audited
type AuditOperation string

const (
	AuditOpPush          AuditOperation = "push"
	AuditOpPublish       AuditOperation = "publish"
	AuditOpUnpublish     AuditOperation = "unpublish"
	AuditOpProjectCreate AuditOperation = "project_create"
	AuditOpAppCreate     AuditOperation = "app_create"
	AuditOpDeleteVersion AuditOperation = "delete_version"
	AuditOpDeleteApp     AuditOperation = "delete_app"
	AuditOpDeleteProject AuditOperation = "delete_project"
	AuditOpSyncStorage   AuditOperation = "sync_storage"
	AuditOpConfigUpdate  AuditOperation = "config_update"
	AuditOpTokenCreate   AuditOperation = "token_create"
	AuditOpTokenUpdate   AuditOperation = "token_update"
	AuditOpTokenDelete   AuditOperation = "token_delete"
	AuditOpWebhookCreate AuditOperation = "webhook_create"
	AuditOpWebhookUpdate AuditOperation = "webhook_update"
	AuditOpWebhookDelete AuditOperation = "webhook_delete"
	AuditOpCleanup       AuditOperation = "cleanup"
	AuditOpWebhookFailed AuditOperation = "webhook_failed"
	AuditOpWebhookDrop   AuditOperation = "webhook_dropped"
)

// AuditLog is an append-only record of a mutating operation
type AuditLog struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	Operation   AuditOperation  `json:"operation" db:"operation"`
	ProjectID   *uuid.UUID      `json:"project_id,omitempty" db:"project_id"`
	AppID       *uuid.UUID      `json:"app_id,omitempty" db:"app_id"`
	VersionHash *string         `json:"version_hash,omitempty" db:"version_hash"`
	AgentID     *string         `json:"agent_id,omitempty" db:"agent_id"`
	Metadata    json.RawMessage `json:"metadata" db:"metadata"` // JSONB for flexible metadata
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(op AuditOperation) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		Operation: op,
		Metadata:  json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC(),
	}
}

// WithProject sets the project ID
func (a *AuditLog) WithProject(projectID uuid.UUID) *AuditLog {
	a.ProjectID = &projectID
	return a
}

// WithApp sets the project and app IDs
func (a *AuditLog) WithApp(projectID, appID uuid.UUID) *AuditLog {
	a.ProjectID = &projectID
	a.AppID = &appID
	return a
}

// WithVersion sets the version hash
func (a *AuditLog) WithVersion(hash string) *AuditLog {
	if hash != "" {
		a.VersionHash = &hash
	}
	return a
}

// WithAgent sets the agent identifier
func (a *AuditLog) WithAgent(agentID string) *AuditLog {
	if agentID != "" {
		a.AgentID = &agentID
	}
	return a
}

// WithMetadata sets the metadata
func (a *AuditLog) WithMetadata(metadata interface{}) *AuditLog {
	if data, err := json.Marshal(metadata); err == nil {
		a.Metadata = data
	}
	return a
}

// MetadataMap decodes the metadata into a map. Invalid metadata yields an empty map.
func (a *AuditLog) MetadataMap() map[string]interface{} {
	out := map[string]interface{}{}
	if len(a.Metadata) > 0 {
		_ = json.Unmarshal(a.Metadata, &out)
	}
	return out
}

// AuditFilter narrows audit log listings
type AuditFilter struct {
	Operation AuditOperation
	ProjectID *uuid.UUID
	AppID     *uuid.UUID
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}
