package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/upb/artifact-registry/models"
	"gopkg.in/yaml.v3"
)

// Meta is the meta.yaml commit marker written after all version files
type Meta struct {
	Project   string                `yaml:"project"`
	App       string                `yaml:"app"`
	Version   string                `yaml:"version"`
	GitCommit string                `yaml:"git_commit,omitempty"`
	BuildTime time.Time             `yaml:"build_time"`
	Builder   string                `yaml:"builder"`
	Files     []models.ManifestFile `yaml:"files"`
}

// NewMeta builds the marker for a version
func NewMeta(project, app string, v *models.Version, files []models.ManifestFile) *Meta {
	m := &Meta{
		Project:   project,
		App:       app,
		Version:   v.Hash,
		BuildTime: v.BuildTime.UTC(),
		Builder:   v.Builder,
		Files:     files,
	}
	if v.GitCommit != nil {
		m.GitCommit = *v.GitCommit
	}
	return m
}

// Marshal renders the marker as YAML
func (m *Meta) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// ParseMeta parses a meta.yaml document
func ParseMeta(data []byte) (*Meta, error) {
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse meta.yaml: %w", err)
	}
	return &m, nil
}

// WriteMeta stores the marker at its key
func WriteMeta(ctx context.Context, store BlobStore, m *Meta) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal meta.yaml: %w", err)
	}
	return store.Put(ctx, MetaKey(m.Project, m.App, m.Version), bytes.NewReader(data), int64(len(data)))
}

// ReadMeta loads the marker at key
func ReadMeta(ctx context.Context, store BlobStore, key string) (*Meta, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return ParseMeta(data)
}
