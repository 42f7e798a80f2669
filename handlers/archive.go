package handlers

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/upb/artifact-registry/services"
)

// maxArchiveEntries bounds the number of entries accepted in one upload
const maxArchiveEntries = 100000

// unpackArchive extracts a tar stream, optionally gzip compressed, into dir.
// Only regular files and directories are accepted; links and devices make
// the archive invalid, as do entries that would land outside dir.
func unpackArchive(r io.Reader, dir string) (int, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}

	var src io.Reader = br
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return 0, invalidArchive(err)
		}
		defer gz.Close()
		src = gz
	}

	tr := tar.NewReader(src)
	claimed := newLayout()
	files := 0
	for entries := 0; ; entries++ {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if isBodyTooLarge(err) {
				return files, err
			}
			return files, invalidArchive(err)
		}
		if entries >= maxArchiveEntries {
			return files, invalidArchive(fmt.Errorf("more than %d entries", maxArchiveEntries))
		}

		name, err := entryName(hdr.Name)
		if err != nil {
			return files, err
		}
		if name == "" {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := claimed.claim(name, true); err != nil {
				return files, err
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := claimed.claim(name, false); err != nil {
				return files, err
			}
			if err := writeEntry(target, tr); err != nil {
				return files, err
			}
			files++
		case tar.TypeXGlobalHeader:
			continue
		default:
			return files, invalidArchive(fmt.Errorf("unsupported entry type %q for %s", hdr.Typeflag, name))
		}
	}
	return files, nil
}

// layout records which paths an archive has used as files and as directories
type layout struct {
	files map[string]bool
	dirs  map[string]bool
}

func newLayout() *layout {
	return &layout{files: make(map[string]bool), dirs: make(map[string]bool)}
}

// claim rejects a path already used as a file, a file where a directory was
// used, and an entry below a file
func (l *layout) claim(name string, dir bool) error {
	for parent := path.Dir(name); parent != "."; parent = path.Dir(parent) {
		if l.files[parent] {
			return invalidArchive(fmt.Errorf("%s is both a file and a directory", parent))
		}
	}
	switch {
	case l.files[name] && !dir:
		return invalidArchive(fmt.Errorf("duplicate entry %s", name))
	case l.files[name] || (l.dirs[name] && !dir):
		return invalidArchive(fmt.Errorf("%s is both a file and a directory", name))
	}

	if dir {
		l.dirs[name] = true
	} else {
		l.files[name] = true
	}
	for parent := path.Dir(name); parent != "."; parent = path.Dir(parent) {
		l.dirs[parent] = true
	}
	return nil
}

func entryName(raw string) (string, error) {
	name := strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(raw, "./")), "/")
	if name == "" || name == "." {
		return "", nil
	}
	if strings.HasPrefix(raw, "/") || strings.Contains("/"+raw+"/", "/../") || !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", invalidArchive(fmt.Errorf("unsafe path %q", raw))
	}
	return name, nil
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		if isBodyTooLarge(err) {
			return err
		}
		return invalidArchive(err)
	}
	return f.Close()
}

func invalidArchive(err error) error {
	return services.Wrap(services.ErrInvalidArchive, err)
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
