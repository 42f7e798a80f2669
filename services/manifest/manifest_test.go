package manifest

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/artifact-registry/models"
	"pgregory.net/rapid"
)

func sampleTree() fstest.MapFS {
	return fstest.MapFS{
		"bin/app":         {Data: []byte("#!/bin/sh\necho hello\n")},
		"README.md":       {Data: []byte("# demo\n")},
		"assets/logo.svg": {Data: []byte("<svg/>")},
		"assets/Logo.svg": {Data: []byte("<svg></svg>")},
		"empty.txt":       {Data: []byte{}},
	}
}

func TestBuild_CanonicalGolden(t *testing.T) {
	m, err := Build(sampleTree())
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "canonical", Canonical(m.Files))
	g.Assert(t, "hash", []byte(m.Hash))
}

func TestBuild_SortsByteWise(t *testing.T) {
	m, err := Build(sampleTree())
	require.NoError(t, err)

	paths := make([]string, len(m.Files))
	for i, f := range m.Files {
		paths[i] = f.Path
	}
	// uppercase sorts before lowercase
	assert.Equal(t, []string{"README.md", "assets/Logo.svg", "assets/logo.svg", "bin/app", "empty.txt"}, paths)
	assert.Equal(t, int64(7+11+6+21), m.TotalSize())
}

func TestBuild_SkipsMetaAndIgnored(t *testing.T) {
	tree := sampleTree()
	tree[MetaFile] = &fstest.MapFile{Data: []byte("project: x\n")}
	tree[".git/HEAD"] = &fstest.MapFile{Data: []byte("ref: refs/heads/main\n")}
	tree["logs/build.log"] = &fstest.MapFile{Data: []byte("ok\n")}

	m, err := Build(tree, WithIgnore(".git", "*.log"))
	require.NoError(t, err)

	base, err := Build(sampleTree())
	require.NoError(t, err)
	assert.Equal(t, base.Hash, m.Hash)
}

func TestBuild_SkipsSymlinks(t *testing.T) {
	tree := sampleTree()
	tree["link"] = &fstest.MapFile{Data: []byte("README.md"), Mode: fs.ModeSymlink}

	m, err := Build(tree)
	require.NoError(t, err)
	assert.Len(t, m.Files, 5)
}

type failingFS struct {
	fstest.MapFS
	broken string
}

func (f failingFS) Open(name string) (fs.File, error) {
	if name == f.broken {
		return nil, errors.New("permission denied")
	}
	return f.MapFS.Open(name)
}

func TestBuild_UnreadableFileAborts(t *testing.T) {
	m, err := Build(failingFS{MapFS: sampleTree(), broken: "bin/app"})
	assert.Nil(t, m)

	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "bin/app", merr.Path)
}

func TestNormalize(t *testing.T) {
	digest := strings.Repeat("a", 64)
	tests := []struct {
		name    string
		files   []models.ManifestFile
		want    []string
		wantErr bool
	}{
		{"backslashes", []models.ManifestFile{{Path: `dir\file.txt`, SHA256: digest}}, []string{"dir/file.txt"}, false},
		{"dot prefix", []models.ManifestFile{{Path: "./a/./b", SHA256: digest}}, []string{"a/b"}, false},
		{"absolute", []models.ManifestFile{{Path: "/etc/passwd", SHA256: digest}}, nil, true},
		{"parent", []models.ManifestFile{{Path: "a/../../b", SHA256: digest}}, nil, true},
		{"control char", []models.ManifestFile{{Path: "a\nb", SHA256: digest}}, nil, true},
		{"empty", []models.ManifestFile{{Path: "", SHA256: digest}}, nil, true},
		{"duplicate after cleaning", []models.ManifestFile{{Path: "a/b", SHA256: digest}, {Path: "a//b", SHA256: digest}}, nil, true},
		{"negative size", []models.ManifestFile{{Path: "a", Size: -1, SHA256: digest}}, nil, true},
		{"short digest", []models.ManifestFile{{Path: "a", SHA256: "abc"}}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Normalize(tt.files)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			var paths []string
			for _, f := range out {
				paths = append(paths, f.Path)
			}
			assert.Equal(t, tt.want, paths)
		})
	}
}

func TestHash_OrderIndependent(t *testing.T) {
	m, err := Build(sampleTree())
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		shuffled := rapid.Permutation(m.Files).Draw(rt, "files")
		if got := Hash(shuffled); got != m.Hash {
			rt.Fatalf("hash changed under permutation: %s != %s", got, m.Hash)
		}
	})
}

func TestHash_SensitiveToContent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "files")
		tree := fstest.MapFS{}
		for i := 0; i < n; i++ {
			name := rapid.StringMatching(`[a-z]{1,6}(/[a-z]{1,6})?`).Draw(rt, "path")
			if _, exists := tree[name]; exists {
				continue
			}
			tree[name] = &fstest.MapFile{Data: []byte(rapid.String().Draw(rt, "content"))}
		}
		// a file and a directory cannot share a name
		for name := range tree {
			for other := range tree {
				if strings.HasPrefix(other, name+"/") {
					rt.Skip("path collides with directory")
				}
			}
		}
		base, err := Build(tree)
		if err != nil {
			rt.Fatalf("build: %v", err)
		}

		var victim string
		for name := range tree {
			victim = name
			break
		}
		tree[victim] = &fstest.MapFile{Data: append(tree[victim].Data, 'x')}
		changed, err := Build(tree)
		if err != nil {
			rt.Fatalf("build: %v", err)
		}
		if changed.Hash == base.Hash {
			rt.Fatalf("hash did not change after editing %s", victim)
		}
	})
}

func TestVerify(t *testing.T) {
	tree := sampleTree()
	m, err := Build(tree)
	require.NoError(t, err)
	require.NoError(t, Verify(m.Files, tree))

	tree["README.md"] = &fstest.MapFile{Data: []byte("# changed\n")}
	assert.ErrorIs(t, Verify(m.Files, tree), ErrInvalid)
}

func TestVerifyingReader(t *testing.T) {
	content := []byte("payload")
	size, sum, err := Digest(bytes.NewReader(content))
	require.NoError(t, err)
	entry := models.ManifestFile{Path: "p", Size: size, SHA256: sum}

	_, err = io.ReadAll(VerifyingReader(bytes.NewReader(content), entry))
	assert.NoError(t, err)

	_, err = io.ReadAll(VerifyingReader(bytes.NewReader([]byte("payloaD")), entry))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = io.ReadAll(VerifyingReader(bytes.NewReader([]byte("payload plus")), entry))
	assert.ErrorIs(t, err, ErrInvalid)
}
