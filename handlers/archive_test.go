package handlers

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/artifact-registry/services"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func buildTar(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		typeflag := e.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		hdr := &tar.Header{Name: e.name, Typeflag: typeflag, Mode: 0o644, Linkname: e.linkname}
		if typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestUnpackArchive(t *testing.T) {
	site := buildTar(t,
		tarEntry{name: "./", typeflag: tar.TypeDir},
		tarEntry{name: "./index.html", body: "<html></html>"},
		tarEntry{name: "assets/", typeflag: tar.TypeDir},
		tarEntry{name: "assets/app.js", body: "console.log(1)"},
	)

	t.Run("plain tar", func(t *testing.T) {
		dir := t.TempDir()
		n, err := unpackArchive(bytes.NewReader(site), dir)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		data, err := os.ReadFile(filepath.Join(dir, "assets", "app.js"))
		require.NoError(t, err)
		assert.Equal(t, "console.log(1)", string(data))
	})

	t.Run("gzip tar", func(t *testing.T) {
		dir := t.TempDir()
		n, err := unpackArchive(bytes.NewReader(gzipBytes(t, site)), dir)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.FileExists(t, filepath.Join(dir, "index.html"))
	})

	t.Run("empty body", func(t *testing.T) {
		n, err := unpackArchive(strings.NewReader(""), t.TempDir())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	rejected := []struct {
		name    string
		archive []byte
	}{
		{name: "parent traversal", archive: buildTar(t, tarEntry{name: "../escape.txt", body: "x"})},
		{name: "nested traversal", archive: buildTar(t, tarEntry{name: "a/../../escape.txt", body: "x"})},
		{name: "absolute path", archive: buildTar(t, tarEntry{name: "/etc/passwd", body: "x"})},
		{name: "symlink", archive: buildTar(t, tarEntry{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"})},
		{name: "hard link", archive: buildTar(t, tarEntry{name: "a.txt", body: "a"}, tarEntry{name: "b.txt", typeflag: tar.TypeLink, linkname: "a.txt"})},
		{name: "duplicate entry", archive: buildTar(t, tarEntry{name: "a.txt", body: "a"}, tarEntry{name: "./a.txt", body: "b"})},
		{name: "file over directory", archive: buildTar(t, tarEntry{name: "x/", typeflag: tar.TypeDir}, tarEntry{name: "x", body: "a"})},
		{name: "directory over file", archive: buildTar(t, tarEntry{name: "x", body: "a"}, tarEntry{name: "x/", typeflag: tar.TypeDir})},
		{name: "file over implicit directory", archive: buildTar(t, tarEntry{name: "x/y", body: "a"}, tarEntry{name: "x", body: "b"})},
		{name: "entry below a file", archive: buildTar(t, tarEntry{name: "x", body: "a"}, tarEntry{name: "x/y", body: "b"})},
		{name: "not a tar", archive: []byte(strings.Repeat("garbage", 200))},
		{name: "corrupt gzip", archive: []byte{0x1f, 0x8b, 0x00, 0x01}},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := unpackArchive(bytes.NewReader(tt.archive), dir)
			require.Error(t, err)
			assert.ErrorIs(t, err, services.ErrInvalidArchive)
			assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "escape.txt"))
		})
	}
}

func TestUnpackArchive_BodyTooLarge(t *testing.T) {
	archive := buildTar(t, tarEntry{name: "big.bin", body: strings.Repeat("x", 4096)})
	w := httptest.NewRecorder()
	body := http.MaxBytesReader(w, io.NopCloser(bytes.NewReader(archive)), 1024)

	_, err := unpackArchive(body, t.TempDir())
	require.Error(t, err)
	assert.True(t, isBodyTooLarge(err))
}

func TestEntryName(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "index.html", want: "index.html"},
		{raw: "./assets/app.js", want: "assets/app.js"},
		{raw: "assets//app.js", want: "assets/app.js"},
		{raw: "./", want: ""},
		{raw: "../x", wantErr: true},
		{raw: "/abs", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := entryName(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
