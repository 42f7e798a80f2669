package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a webhook event
type EventType string

const (
	EventPush             EventType = "push"
	EventPublish          EventType = "publish"
	EventUnpublish        EventType = "unpublish"
	EventVersionDeleted   EventType = "version_deleted"
	EventAppDeleted       EventType = "app_deleted"
	EventProjectDeleted   EventType = "project_deleted"
	EventCleanupCompleted EventType = "cleanup_completed"
)

// EventTypes lists every event a webhook may subscribe to
var EventTypes = []EventType{
	EventPush,
	EventPublish,
	EventUnpublish,
	EventVersionDeleted,
	EventAppDeleted,
	EventProjectDeleted,
	EventCleanupCompleted,
}

// ParseEventType validates an event type name
func ParseEventType(name string) (EventType, error) {
	for _, t := range EventTypes {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type: %q", name)
}

// Event is the payload delivered to webhooks
type Event struct {
	ID          uuid.UUID              `json:"id"`
	Sequence    uint64                 `json:"sequence"`
	Type        EventType              `json:"type"`
	ProjectID   *uuid.UUID             `json:"project_id,omitempty"`
	AppID       *uuid.UUID             `json:"app_id,omitempty"`
	Project     string                 `json:"project,omitempty"`
	App         string                 `json:"app,omitempty"`
	VersionHash string                 `json:"version_hash,omitempty"`
	AgentID     string                 `json:"agent_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// NewEvent creates a registry-wide event
func NewEvent(eventType EventType) *Event {
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// ForProject scopes the event to a project
func (e *Event) ForProject(p *Project) *Event {
	e.ProjectID = &p.ID
	e.Project = p.Name
	return e
}

// ForApp scopes the event to an app and its project
func (e *Event) ForApp(p *Project, a *App) *Event {
	e.ForProject(p)
	e.AppID = &a.ID
	e.App = a.Name
	return e
}

// WithVersion sets the version hash
func (e *Event) WithVersion(hash string) *Event {
	e.VersionHash = hash
	return e
}

// WithAgent sets the agent that triggered the event
func (e *Event) WithAgent(agentID string) *Event {
	e.AgentID = agentID
	return e
}

// WithMetadata sets a metadata key
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}
