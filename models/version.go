package models

import (
	"time"

	"github.com/google/uuid"
)

// LatestRef resolves to the currently published version of an app
const LatestRef = "latest"

// ManifestFile is one entry of a version manifest
type ManifestFile struct {
	Path   string `json:"path" yaml:"path" db:"path"`
	Size   int64  `json:"size" yaml:"size" db:"size"`
	SHA256 string `json:"sha256" yaml:"sha256" db:"sha256"`
}

// Manifest is the sorted file list describing one version's contents
type Manifest struct {
	Hash  string         `json:"version_hash"`
	Files []ManifestFile `json:"files"`
}

// TotalSize returns the sum of all file sizes
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// Version is an immutable, content-addressed build output of an app
type Version struct {
	ID          uuid.UUID `json:"id" db:"id"`
	AppID       uuid.UUID `json:"app_id" db:"app_id"`
	Hash        string    `json:"version_hash" db:"version_hash"`
	GitCommit   *string   `json:"git_commit,omitempty" db:"git_commit"`
	Builder     string    `json:"builder" db:"builder"`
	BuildTime   time.Time `json:"build_time" db:"build_time"`
	FileCount   int       `json:"file_count" db:"file_count"`
	TotalSize   int64     `json:"total_size" db:"total_size"`
	IsPublished bool      `json:"is_published" db:"is_published"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Version model
func (Version) TableName() string {
	return "versions"
}

// NewVersion creates a new unpublished Version for a manifest
func NewVersion(appID uuid.UUID, manifest *Manifest, builder string, buildTime time.Time) *Version {
	if buildTime.IsZero() {
		buildTime = time.Now()
	}
	return &Version{
		ID:        uuid.New(),
		AppID:     appID,
		Hash:      manifest.Hash,
		Builder:   builder,
		BuildTime: buildTime.UTC(),
		FileCount: len(manifest.Files),
		TotalSize: manifest.TotalSize(),
		CreatedAt: time.Now().UTC(),
	}
}

// WithGitCommit sets the source commit
func (v *Version) WithGitCommit(commit string) *Version {
	if commit != "" {
		v.GitCommit = &commit
	}
	return v
}

// Lease marks a version as referenced by an in-flight transfer
type Lease struct {
	AppID       uuid.UUID `json:"app_id" db:"app_id"`
	VersionHash string    `json:"version_hash" db:"version_hash"`
	Holder      string    `json:"holder" db:"holder"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}

// TableName returns the table name for the Lease model
func (Lease) TableName() string {
	return "version_leases"
}

// Expired reports whether the lease is no longer protecting its version
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
