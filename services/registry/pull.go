package registry

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/services"
	"github.com/upb/artifact-registry/services/lease"
	"github.com/upb/artifact-registry/services/manifest"
	"github.com/upb/artifact-registry/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Transfer is an open read of one version. It holds a lease until Close so
// the version cannot be collected mid-download.
type Transfer struct {
	Project *models.Project
	App     *models.App
	Version *models.Version
	Files   []models.ManifestFile

	engine *Engine
	lease  *lease.Handle
	index  map[string]models.ManifestFile
}

// Pull opens a transfer of project/app at ref, which is a version hash or "latest"
func (e *Engine) Pull(ctx context.Context, project, app, ref, agentID string) (_ *Transfer, err error) {
	ctx, span := e.startSpan(ctx, "Pull",
		attribute.String("project", project),
		attribute.String("app", app),
		attribute.String("ref", ref))
	defer func() { endSpan(span, err) }()

	p, a, err := e.lookupApp(ctx, project, app)
	if err != nil {
		return nil, err
	}
	v, err := e.resolveVersion(ctx, a, ref)
	if err != nil {
		return nil, err
	}

	// deletes take the same app lock, so one either sees this lease or has
	// already removed the row by the time it is read again
	var held *lease.Handle
	err = services.WithTransaction(ctx, e.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) error {
		if err := e.repos.Apps.LockForUpdate(ctx, a.ID); err != nil {
			return repoError(err, services.ErrAppNotFound, "failed to lock app")
		}
		h, err := e.leases.Hold(ctx, a.ID, v.Hash)
		if err != nil {
			return services.WrapStorage("failed to lease version", err)
		}
		held = h
		v, err = e.resolveVersion(ctx, a, v.Hash)
		return err
	})
	if err != nil {
		if held != nil {
			_ = held.Release(context.WithoutCancel(ctx))
		}
		return nil, repoError(err, nil, "failed to open transfer")
	}
	files, err := e.repos.Versions.GetFiles(ctx, v.ID)
	if err != nil {
		_ = held.Release(context.WithoutCancel(ctx))
		return nil, repoError(err, nil, "failed to load manifest")
	}

	index := make(map[string]models.ManifestFile, len(files))
	for _, f := range files {
		index[f.Path] = f
	}

	e.logger.Debug("Transfer opened",
		zap.String("project", p.Name),
		zap.String("app", a.Name),
		zap.String("version", v.Hash),
		zap.String("agent_id", agentID),
	)
	return &Transfer{
		Project: p,
		App:     a,
		Version: v,
		Files:   files,
		engine:  e,
		lease:   held,
		index:   index,
	}, nil
}

// Open streams one file of the version. Content is verified against the
// manifest while it is read.
func (t *Transfer) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	f, ok := t.index[path]
	if !ok {
		return nil, services.Wrap(services.ErrFileNotFound, nil).WithDetail("path", path)
	}
	rc, err := t.engine.blobs.Get(ctx, storage.FileKey(t.Project.Name, t.App.Name, t.Version.Hash, f.Path))
	if err != nil {
		return nil, services.WrapStorage(fmt.Sprintf("failed to open %s", path), err)
	}
	return &verifiedFile{r: manifest.VerifyingReader(rc, f), c: rc}, nil
}

// WriteArchive streams the whole version as a tar archive in manifest order
func (t *Transfer) WriteArchive(ctx context.Context, w io.Writer) error {
	tw := tar.NewWriter(w)
	files := append([]models.ManifestFile(nil), t.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:     f.Path,
			Mode:     0o644,
			Size:     f.Size,
			ModTime:  t.Version.BuildTime,
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", f.Path, err)
		}
		if err := t.copyFile(ctx, tw, f.Path); err != nil {
			return err
		}
	}
	return tw.Close()
}

func (t *Transfer) copyFile(ctx context.Context, w io.Writer, path string) error {
	rc, err := t.Open(ctx, path)
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		if errors.Is(err, manifest.ErrInvalid) {
			return services.WrapStorage(fmt.Sprintf("stored content of %s is corrupt", path), err)
		}
		return fmt.Errorf("failed to stream %s: %w", path, err)
	}
	return nil
}

// Close releases the transfer lease
func (t *Transfer) Close() error {
	return t.lease.Release(context.Background())
}
