package registry

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/services"
	"github.com/upb/artifact-registry/services/manifest"
	"github.com/upb/artifact-registry/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PushRequest describes a build output to store as a version
type PushRequest struct {
	Project      string
	App          string
	Tree         fs.FS
	ExpectedHash string
	GitCommit    string
	Builder      string
	BuildTime    time.Time
	AgentID      string
}

// PushResult reports the stored version and whether this push created it
type PushResult struct {
	Version *models.Version `json:"version"`
	Created bool            `json:"created"`
}

// Push stores a tree as a version of project/app. Pushing content that already
// exists returns the existing version with Created=false.
func (e *Engine) Push(ctx context.Context, req PushRequest) (_ *PushResult, err error) {
	ctx, span := e.startSpan(ctx, "Push",
		attribute.String("project", req.Project),
		attribute.String("app", req.App))
	defer func() { endSpan(span, err) }()

	if err := ValidateName("project", req.Project); err != nil {
		return nil, err
	}
	if err := ValidateName("app", req.App); err != nil {
		return nil, err
	}
	if req.Tree == nil {
		return nil, services.Validation("artifact tree is required")
	}

	m, err := manifest.Build(req.Tree, manifest.WithIgnore(e.opts.Ignore...))
	if err != nil {
		return nil, services.Wrap(services.ErrBadManifest, err)
	}
	if len(m.Files) == 0 {
		return nil, services.Wrap(services.ErrBadManifest, errors.New("artifact contains no files"))
	}
	if req.ExpectedHash != "" && !strings.EqualFold(req.ExpectedHash, m.Hash) {
		return nil, services.Wrap(services.ErrBadHash, nil).
			WithDetail("expected", req.ExpectedHash).
			WithDetail("actual", m.Hash)
	}
	span.SetAttributes(attribute.String("version", m.Hash), attribute.Int("files", len(m.Files)))

	p, a, err := e.planApp(ctx, req.Project, req.App)
	if err != nil {
		return nil, err
	}

	held, err := e.leases.Hold(ctx, a.ID, m.Hash)
	if err != nil {
		return nil, services.WrapStorage("failed to lease version", err)
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("Failed to release push lease", zap.Error(err))
		}
	}
	defer release()

	existing, err := e.repos.Versions.GetByHash(ctx, a.ID, m.Hash)
	switch {
	case err == nil:
		return e.duplicatePush(ctx, p, a, existing, req.AgentID)
	case !errors.Is(err, repositories.ErrNotFound):
		return nil, repoError(err, nil, "failed to check version")
	}

	v := models.NewVersion(a.ID, m, req.Builder, req.BuildTime).WithGitCommit(req.GitCommit)
	v.CreatedAt = e.nowFn()

	if err := e.upload(ctx, p, a, v, m.Files, req.Tree); err != nil {
		release()
		e.discardUpload(ctx, p, a, m.Hash)
		if errors.Is(err, manifest.ErrInvalid) {
			return nil, services.Wrap(services.ErrBadManifest, err)
		}
		return nil, services.WrapStorage("failed to upload version files", err)
	}

	err = services.WithTransaction(ctx, e.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) error {
		sp, sa, err := e.createApp(ctx, p, a, req.AgentID, string(models.AuditOpPush))
		if err != nil {
			return err
		}
		v.AppID = sa.ID
		if err := e.repos.Versions.Create(ctx, v); err != nil {
			return err
		}
		if err := e.repos.Versions.InsertFiles(ctx, v.ID, m.Files); err != nil {
			return err
		}
		if err := e.recorder.RecordPush(ctx, sp, sa, v, req.AgentID, false); err != nil {
			return err
		}
		p, a = sp, sa
		return nil
	})
	if errors.Is(err, repositories.ErrDuplicate) {
		// a concurrent push of the same content committed first
		existing, getErr := e.repos.Versions.GetByHash(ctx, a.ID, m.Hash)
		if getErr != nil {
			return nil, repoError(getErr, services.ErrVersionNotFound, "failed to load version")
		}
		return e.duplicatePush(ctx, p, a, existing, req.AgentID)
	}
	if err != nil {
		release()
		e.discardUpload(ctx, p, a, m.Hash)
		return nil, repoError(err, nil, "failed to record version")
	}

	e.logger.Info("Version pushed",
		zap.String("project", p.Name),
		zap.String("app", a.Name),
		zap.String("version", v.Hash),
		zap.Int("files", v.FileCount),
		zap.Int64("bytes", v.TotalSize),
	)
	e.emit(models.NewEvent(models.EventPush).
		ForApp(p, a).
		WithVersion(v.Hash).
		WithAgent(req.AgentID).
		WithMetadata("file_count", v.FileCount).
		WithMetadata("total_size", v.TotalSize))

	return &PushResult{Version: v, Created: true}, nil
}

func (e *Engine) duplicatePush(ctx context.Context, p *models.Project, a *models.App, v *models.Version, agentID string) (*PushResult, error) {
	if err := e.recorder.RecordPush(ctx, p, a, v, agentID, true); err != nil {
		return nil, services.WrapStorage("failed to record push", err)
	}
	e.logger.Info("Version already exists",
		zap.String("project", p.Name),
		zap.String("app", a.Name),
		zap.String("version", v.Hash),
	)
	return &PushResult{Version: v, Created: false}, nil
}

// upload writes every file and then the meta.yaml commit marker
func (e *Engine) upload(ctx context.Context, p *models.Project, a *models.App, v *models.Version, files []models.ManifestFile, tree fs.FS) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.UploadConcurrency)

	for _, f := range files {
		f := f
		g.Go(func() error {
			key := storage.FileKey(p.Name, a.Name, v.Hash, f.Path)
			return e.blobs.PutFrom(gctx, key, func() (io.ReadCloser, error) {
				file, err := tree.Open(f.Path)
				if err != nil {
					return nil, err
				}
				return &verifiedFile{r: manifest.VerifyingReader(file, f), c: file}, nil
			}, f.Size)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return storage.WriteMeta(ctx, e.blobs, storage.NewMeta(p.Name, a.Name, v, files))
}

// discardUpload removes a failed upload unless a version row or another
// holder still needs the content
func (e *Engine) discardUpload(ctx context.Context, p *models.Project, a *models.App, hash string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.repos.Versions.GetByHash(ctx, a.ID, hash); !errors.Is(err, repositories.ErrNotFound) {
		return
	}
	if leased, err := e.leases.IsLeased(ctx, a.ID, hash); err != nil || leased {
		return
	}
	if err := e.blobs.DeletePrefix(ctx, storage.VersionPrefix(p.Name, a.Name, hash)); err != nil {
		e.logger.Warn("Failed to remove partial upload",
			zap.String("project", p.Name),
			zap.String("app", a.Name),
			zap.String("version", hash),
			zap.Error(err),
		)
	}
}

// verifiedFile turns content mismatches into permanent upload errors
type verifiedFile struct {
	r io.Reader
	c io.Closer
}

func (f *verifiedFile) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err != nil && errors.Is(err, manifest.ErrInvalid) {
		return n, storage.Permanent(err)
	}
	return n, err
}

func (f *verifiedFile) Close() error {
	return f.c.Close()
}
