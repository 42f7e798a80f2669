package models

import (
	"time"

	"github.com/google/uuid"
)

// Webhook is an external endpoint notified about registry events
type Webhook struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	Name       string            `json:"name" db:"name"`
	URL        string            `json:"url" db:"url"`
	Headers    map[string]string `json:"headers,omitempty" db:"headers"` // JSONB
	EventTypes []EventType       `json:"event_types" db:"event_types"`
	Enabled    bool              `json:"enabled" db:"enabled"`
	ProjectID  *uuid.UUID        `json:"project_id,omitempty" db:"project_id"`
	AppID      *uuid.UUID        `json:"app_id,omitempty" db:"app_id"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Webhook model
func (Webhook) TableName() string {
	return "webhooks"
}

// NewWebhook creates a new enabled Webhook instance
func NewWebhook(name, url string, eventTypes []EventType) *Webhook {
	return &Webhook{
		ID:         uuid.New(),
		Name:       name,
		URL:        url,
		Headers:    map[string]string{},
		EventTypes: eventTypes,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}
}

// Subscribes reports whether the webhook listens for the event type
func (w *Webhook) Subscribes(eventType EventType) bool {
	for _, t := range w.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Matches reports whether an event for the given project and app falls inside
// the webhook scope. Registry-wide webhooks match everything, project webhooks
// match the project and all its apps, app webhooks match that app only.
func (w *Webhook) Matches(projectID, appID *uuid.UUID) bool {
	return scopeCovers(w.ProjectID, w.AppID, projectID, appID)
}

// Accepts combines the enabled flag, event type and scope checks
func (w *Webhook) Accepts(event *Event) bool {
	return w.Enabled && w.Subscribes(event.Type) && w.Matches(event.ProjectID, event.AppID)
}
