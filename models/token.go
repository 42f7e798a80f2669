package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Permission is a single capability a token may grant
type Permission uint8

const (
	PermissionPull Permission = 1 << iota
	PermissionPush
	PermissionPublish
	PermissionAdmin
)

var permissionNames = map[Permission]string{
	PermissionPull:    "pull",
	PermissionPush:    "push",
	PermissionPublish: "publish",
	PermissionAdmin:   "admin",
}

// String returns the wire name of the permission
func (p Permission) String() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("permission(%d)", uint8(p))
}

// ParsePermission converts a wire name into a Permission
func ParsePermission(name string) (Permission, error) {
	for p, n := range permissionNames {
		if n == strings.ToLower(strings.TrimSpace(name)) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown permission: %q", name)
}

// PermissionSet is a bitset of permissions. Admin is stored as its own bit
// and expanded at check time.
type PermissionSet uint8

// NewPermissionSet builds a set from individual permissions
func NewPermissionSet(perms ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range perms {
		s |= PermissionSet(p)
	}
	return s
}

// ParsePermissionSet converts wire names into a set. An empty list is an error.
func ParsePermissionSet(names []string) (PermissionSet, error) {
	if len(names) == 0 {
		return 0, fmt.Errorf("at least one permission is required")
	}
	var s PermissionSet
	for _, name := range names {
		p, err := ParsePermission(name)
		if err != nil {
			return 0, err
		}
		s |= PermissionSet(p)
	}
	return s, nil
}

// Has reports whether the set grants p
func (s PermissionSet) Has(p Permission) bool {
	if s&PermissionSet(PermissionAdmin) != 0 {
		return true
	}
	return s&PermissionSet(p) != 0
}

// Strings returns the stored permission names in a stable order
func (s PermissionSet) Strings() []string {
	names := make([]string, 0, len(permissionNames))
	for p, name := range permissionNames {
		if s&PermissionSet(p) != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// MarshalJSON encodes the set as a list of names
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes a list of names
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParsePermissionSet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Token is an API credential scoped to the registry, a project or an app
type Token struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	Name        string        `json:"name" db:"name"`
	SecretHash  string        `json:"-" db:"secret_hash"` // Never expose in JSON
	Prefix      string        `json:"prefix" db:"prefix"`
	Permissions PermissionSet `json:"permissions" db:"permissions"`
	ProjectID   *uuid.UUID    `json:"project_id,omitempty" db:"project_id"`
	AppID       *uuid.UUID    `json:"app_id,omitempty" db:"app_id"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Token model
func (Token) TableName() string {
	return "tokens"
}

// NewToken creates a new Token instance
func NewToken(name, secretHash, prefix string, perms PermissionSet) *Token {
	return &Token{
		ID:          uuid.New(),
		Name:        name,
		SecretHash:  secretHash,
		Prefix:      prefix,
		Permissions: perms,
		CreatedAt:   time.Now().UTC(),
	}
}

// Expired reports whether the token is past its expiry
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Covers reports whether the token scope includes the given project and app.
// A nil project or app on the request side means the resource is registry-wide
// or project-wide.
func (t *Token) Covers(projectID, appID *uuid.UUID) bool {
	return scopeCovers(t.ProjectID, t.AppID, projectID, appID)
}

// Allows reports whether the token grants perm on the given scope
func (t *Token) Allows(perm Permission, projectID, appID *uuid.UUID) bool {
	return t.Permissions.Has(perm) && t.Covers(projectID, appID)
}

func scopeCovers(scopeProject, scopeApp, projectID, appID *uuid.UUID) bool {
	if scopeProject == nil {
		return true
	}
	if projectID == nil || *projectID != *scopeProject {
		return false
	}
	if scopeApp == nil {
		return true
	}
	return appID != nil && *appID == *scopeApp
}
