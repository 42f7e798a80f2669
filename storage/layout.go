package storage

import (
	"path"
	"strings"
)

const (
	filesDir = "files"
	metaName = "meta.yaml"
)

// ProjectPrefix returns the key prefix of every object in a project
func ProjectPrefix(project string) string {
	return project + "/"
}

// AppPrefix returns the key prefix of every object in an app
func AppPrefix(project, app string) string {
	return project + "/" + app + "/"
}

// VersionPrefix returns the key prefix of a version
func VersionPrefix(project, app, hash string) string {
	return project + "/" + app + "/" + hash + "/"
}

// FileKey returns the key of a manifest file inside a version
func FileKey(project, app, hash, filePath string) string {
	return VersionPrefix(project, app, hash) + filesDir + "/" + filePath
}

// MetaKey returns the key of the version commit marker
func MetaKey(project, app, hash string) string {
	return VersionPrefix(project, app, hash) + metaName
}

// VersionRef identifies a version directory found in storage
type VersionRef struct {
	Project string
	App     string
	Hash    string
}

// ParseMetaKey splits a commit marker key into its parts
func ParseMetaKey(key string) (VersionRef, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[3] != metaName {
		return VersionRef{}, false
	}
	for _, p := range parts[:3] {
		if p == "" {
			return VersionRef{}, false
		}
	}
	return VersionRef{Project: parts[0], App: parts[1], Hash: parts[2]}, true
}

func cleanKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return ""
	}
	trailing := strings.HasSuffix(key, "/")
	key = path.Clean(key)
	if trailing && key != "." {
		key += "/"
	}
	return key
}
