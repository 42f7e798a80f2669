// Package manifest computes the content-addressed identity of an artifact tree.
//
// A manifest is the sorted list of {path, size, sha256} for every regular file
// in the tree. The version hash is the SHA-256 of a domain-separated canonical
// rendering of that list, so it depends only on file contents and paths, never
// on enumeration order.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/upb/artifact-registry/models"
)

// Domain is prefixed to the canonical form before hashing
const Domain = "artifact-registry/manifest/v1"

// MetaFile is the storage commit marker, never part of a manifest
const MetaFile = "meta.yaml"

// ErrInvalid is wrapped by every normalization failure
var ErrInvalid = errors.New("invalid manifest")

// Error reports a file that could not be read while building a manifest
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("manifest: %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type options struct {
	ignore []string
}

// Option configures Build
type Option func(*options)

// WithIgnore skips paths matching any of the glob patterns. A pattern matches
// either the full slash-separated path or any single segment of it.
func WithIgnore(patterns ...string) Option {
	return func(o *options) {
		o.ignore = append(o.ignore, patterns...)
	}
}

func (o *options) ignored(p string) bool {
	if p == MetaFile {
		return true
	}
	for _, pattern := range o.ignore {
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		for _, seg := range strings.Split(p, "/") {
			if ok, _ := path.Match(pattern, seg); ok {
				return true
			}
		}
	}
	return false
}

// Build walks fsys and returns the manifest of its regular files. Any read
// failure aborts the build; a partial manifest is never returned.
func Build(fsys fs.FS, opts ...Option) (*models.Manifest, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var files []models.ManifestFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return &Error{Path: p, Err: err}
		}
		if p == "." {
			return nil
		}
		if o.ignored(p) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		size, sum, err := digestFile(fsys, p)
		if err != nil {
			return &Error{Path: p, Err: err}
		}
		files = append(files, models.ManifestFile{Path: p, Size: size, SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}

	files, err = Normalize(files)
	if err != nil {
		return nil, err
	}
	return &models.Manifest{Hash: Hash(files), Files: files}, nil
}

func digestFile(fsys fs.FS, p string) (int64, string, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	return Digest(f)
}

// Digest streams r through SHA-256 and returns the byte count and hex digest
func Digest(r io.Reader) (int64, string, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizePath converts a client path into the canonical slash-separated form
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalid)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalid, p)
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character in path %q", ErrInvalid, p)
		}
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: path %q escapes root", ErrInvalid, p)
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", fmt.Errorf("%w: empty path", ErrInvalid)
	}
	return cleaned, nil
}

// Normalize validates file entries and returns them sorted byte-wise by path
func Normalize(files []models.ManifestFile) ([]models.ManifestFile, error) {
	out := make([]models.ManifestFile, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		p, err := NormalizePath(f.Path)
		if err != nil {
			return nil, err
		}
		if seen[p] {
			return nil, fmt.Errorf("%w: duplicate path %q", ErrInvalid, p)
		}
		seen[p] = true
		if f.Size < 0 {
			return nil, fmt.Errorf("%w: negative size for %q", ErrInvalid, p)
		}
		if !ValidDigest(f.SHA256) {
			return nil, fmt.Errorf("%w: bad sha256 for %q", ErrInvalid, p)
		}
		out = append(out, models.ManifestFile{Path: p, Size: f.Size, SHA256: strings.ToLower(f.SHA256)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ValidDigest reports whether s is a 64 character hex string
func ValidDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Canonical renders files as one "path\tsize\tsha256\n" line each, in byte-wise
// path order. The input need not be sorted.
func Canonical(files []models.ManifestFile) []byte {
	sorted := append([]models.ManifestFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var buf bytes.Buffer
	for _, f := range sorted {
		buf.WriteString(f.Path)
		buf.WriteByte('\t')
		buf.WriteString(strconv.FormatInt(f.Size, 10))
		buf.WriteByte('\t')
		buf.WriteString(f.SHA256)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Hash returns the version hash of the file set
func Hash(files []models.ManifestFile) string {
	h := sha256.New()
	h.Write([]byte(Domain))
	h.Write([]byte{0})
	h.Write(Canonical(files))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify re-reads every file from fsys and checks its size and digest
func Verify(files []models.ManifestFile, fsys fs.FS) error {
	for _, f := range files {
		size, sum, err := digestFile(fsys, f.Path)
		if err != nil {
			return &Error{Path: f.Path, Err: err}
		}
		if size != f.Size || sum != f.SHA256 {
			return &Error{Path: f.Path, Err: fmt.Errorf("%w: content changed", ErrInvalid)}
		}
	}
	return nil
}

// VerifyingReader wraps r and fails at EOF if the content does not match the entry
func VerifyingReader(r io.Reader, f models.ManifestFile) io.Reader {
	return &verifyingReader{r: r, want: f, h: sha256.New()}
}

type verifyingReader struct {
	r    io.Reader
	want models.ManifestFile
	h    hash.Hash
	n    int64
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.h.Write(p[:n])
		v.n += int64(n)
		if v.n > v.want.Size {
			return n, &Error{Path: v.want.Path, Err: fmt.Errorf("%w: content larger than manifest", ErrInvalid)}
		}
	}
	if err == io.EOF {
		if v.n != v.want.Size || hex.EncodeToString(v.h.Sum(nil)) != v.want.SHA256 {
			return n, &Error{Path: v.want.Path, Err: fmt.Errorf("%w: content does not match manifest", ErrInvalid)}
		}
	}
	return n, err
}
