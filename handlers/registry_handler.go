package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/artifact-registry/middleware"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/services"
	"github.com/upb/artifact-registry/services/registry"
	"github.com/upb/artifact-registry/utils"
	"go.uber.org/zap"
)

// Push request headers
const (
	HeaderManifestHash = "X-Manifest-Hash"
	HeaderGitCommit    = "X-Git-Commit"
	HeaderBuilder      = "X-Builder"
	HeaderBuildTime    = "X-Build-Time"
	HeaderVersionHash  = "X-Version-Hash"
)

// RegistryEngine is the part of the registry engine served over HTTP
type RegistryEngine interface {
	Push(ctx context.Context, req registry.PushRequest) (*registry.PushResult, error)
	Pull(ctx context.Context, project, app, ref, agentID string) (*registry.Transfer, error)
	Promote(ctx context.Context, project, app, hash, agentID string) (*registry.PromoteResult, error)
	Unpublish(ctx context.Context, project, app, hash, agentID string) error
	DeleteVersion(ctx context.Context, project, app, hash, agentID string) error
	DeleteApp(ctx context.Context, project, app, agentID string) (*registry.DeleteResult, error)
	DeleteProject(ctx context.Context, project, agentID string) (*registry.DeleteResult, error)
	ListProjects(ctx context.Context, limit, offset int) ([]*models.Project, error)
	ListApps(ctx context.Context, project string, limit, offset int) ([]*models.App, error)
	ListVersions(ctx context.Context, project, app string, limit, offset int) ([]*models.Version, error)
	GetManifest(ctx context.Context, project, app, ref string) (*registry.VersionManifest, error)
	SyncStorage(ctx context.Context, agentID string) (*registry.SyncResult, error)
	Inventory(ctx context.Context) (*registry.Inventory, error)
	ProjectInventory(ctx context.Context, project string) (*registry.ProjectInventory, error)
	InventorySummary(ctx context.Context) (*registry.InventorySummary, error)
}

// RegistryHandler serves projects, apps and versions
type RegistryHandler struct {
	engine         RegistryEngine
	maxUploadBytes int64
	logger         *zap.Logger
}

// NewRegistryHandler creates a new RegistryHandler. A maxUploadBytes of zero
// leaves push bodies unbounded.
func NewRegistryHandler(engine RegistryEngine, maxUploadBytes int64, logger *zap.Logger) *RegistryHandler {
	return &RegistryHandler{
		engine:         engine,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// HandleListProjects handles GET /api/v1/projects
func (h *RegistryHandler) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	page, err := utils.ParsePagination(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	projects, err := h.engine.ListProjects(r.Context(), page.Limit, page.Offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteList(w, projects, page, nil)
}

// HandleListApps handles GET /api/v1/projects/{project}/apps
func (h *RegistryHandler) HandleListApps(w http.ResponseWriter, r *http.Request) {
	page, err := utils.ParsePagination(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	apps, err := h.engine.ListApps(r.Context(), chi.URLParam(r, "project"), page.Limit, page.Offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteList(w, apps, page, nil)
}

// HandleListVersions handles GET /api/v1/projects/{project}/apps/{app}/versions
func (h *RegistryHandler) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	page, err := utils.ParsePagination(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	versions, err := h.engine.ListVersions(r.Context(),
		chi.URLParam(r, "project"), chi.URLParam(r, "app"), page.Limit, page.Offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteList(w, versions, page, nil)
}

// HandlePush handles POST /api/v1/projects/{project}/apps/{app}/versions.
// The body is a tar stream, gzip compressed or not.
func (h *RegistryHandler) HandlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	project := chi.URLParam(r, "project")
	app := chi.URLParam(r, "app")

	var buildTime time.Time
	if raw := r.Header.Get(HeaderBuildTime); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, fmt.Sprintf("%s must be an RFC 3339 timestamp", HeaderBuildTime), nil)
			return
		}
		buildTime = parsed
	}

	body := io.Reader(r.Body)
	if h.maxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	dir, err := os.MkdirTemp("", "registry-push-*")
	if err != nil {
		HandleServiceError(w, services.WrapInternal("failed to stage upload", err), h.logger)
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			h.logger.Warn("failed to remove staging directory", zap.String("dir", dir), zap.Error(err))
		}
	}()

	files, err := unpackArchive(body, dir)
	if err != nil {
		switch {
		case isBodyTooLarge(err):
			_ = utils.WriteRequestTooLarge(w, h.maxUploadBytes)
		case services.GetErrorType(err) != "":
			HandleServiceError(w, err, h.logger)
		default:
			HandleServiceError(w, services.WrapInternal("failed to stage upload", err), h.logger)
		}
		return
	}

	h.logger.Debug("upload staged",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("project", project),
		zap.String("app", app),
		zap.Int("files", files))

	result, err := h.engine.Push(ctx, registry.PushRequest{
		Project:      project,
		App:          app,
		Tree:         os.DirFS(dir),
		ExpectedHash: strings.TrimSpace(r.Header.Get(HeaderManifestHash)),
		GitCommit:    strings.TrimSpace(r.Header.Get(HeaderGitCommit)),
		Builder:      strings.TrimSpace(r.Header.Get(HeaderBuilder)),
		BuildTime:    buildTime,
		AgentID:      middleware.GetAgentIDFromContext(ctx),
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if result.Created {
		_ = utils.WriteCreated(w, result)
		return
	}
	_ = utils.WriteOK(w, result)
}

// HandleGetManifest handles GET .../versions/{ref}/manifest
func (h *RegistryHandler) HandleGetManifest(w http.ResponseWriter, r *http.Request) {
	vm, err := h.engine.GetManifest(r.Context(),
		chi.URLParam(r, "project"), chi.URLParam(r, "app"), chi.URLParam(r, "ref"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, vm)
}

// HandleArchive handles GET .../versions/{ref}/archive and streams the
// version as an uncompressed tar
func (h *RegistryHandler) HandleArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	transfer, err := h.pull(r)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	defer h.closeTransfer(transfer)

	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s-%s.tar"`, transfer.App.Name, shortHash(transfer.Version.Hash)))
	w.Header().Set(HeaderVersionHash, transfer.Version.Hash)
	w.WriteHeader(http.StatusOK)

	// headers are gone; a failure here can only cut the stream short
	if err := transfer.WriteArchive(ctx, w); err != nil {
		h.logger.Error("archive stream aborted",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("version", transfer.Version.Hash),
			zap.Error(err))
	}
}

// HandleGetFile handles GET .../versions/{ref}/files/*
func (h *RegistryHandler) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := chi.URLParam(r, "*")
	if path == "" {
		_ = utils.WriteBadRequest(w, "file path is required", nil)
		return
	}

	transfer, err := h.pull(r)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	defer h.closeTransfer(transfer)

	rc, err := transfer.Open(ctx, path)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(HeaderVersionHash, transfer.Version.Hash)
	for _, f := range transfer.Files {
		if f.Path == path {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", f.Size))
			w.Header().Set("ETag", `"`+f.SHA256+`"`)
			break
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Error("file stream aborted",
			zap.String("version", transfer.Version.Hash),
			zap.String("path", path),
			zap.Error(err))
	}
}

// HandlePromote handles POST .../versions/{ref}/promote
func (h *RegistryHandler) HandlePromote(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Promote(r.Context(),
		chi.URLParam(r, "project"), chi.URLParam(r, "app"), chi.URLParam(r, "ref"),
		middleware.GetAgentIDFromContext(r.Context()))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, result)
}

// HandleUnpublish handles POST .../versions/{ref}/unpublish
func (h *RegistryHandler) HandleUnpublish(w http.ResponseWriter, r *http.Request) {
	err := h.engine.Unpublish(r.Context(),
		chi.URLParam(r, "project"), chi.URLParam(r, "app"), chi.URLParam(r, "ref"),
		middleware.GetAgentIDFromContext(r.Context()))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleDeleteVersion handles DELETE .../versions/{ref}
func (h *RegistryHandler) HandleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	err := h.engine.DeleteVersion(r.Context(),
		chi.URLParam(r, "project"), chi.URLParam(r, "app"), chi.URLParam(r, "ref"),
		middleware.GetAgentIDFromContext(r.Context()))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleDeleteApp handles DELETE /api/v1/projects/{project}/apps/{app}
func (h *RegistryHandler) HandleDeleteApp(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.DeleteApp(r.Context(),
		chi.URLParam(r, "project"), chi.URLParam(r, "app"),
		middleware.GetAgentIDFromContext(r.Context()))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, result)
}

// HandleDeleteProject handles DELETE /api/v1/projects/{project}
func (h *RegistryHandler) HandleDeleteProject(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.DeleteProject(r.Context(),
		chi.URLParam(r, "project"),
		middleware.GetAgentIDFromContext(r.Context()))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, result)
}

// HandleSyncStorage handles POST /api/v1/admin/sync-storage
func (h *RegistryHandler) HandleSyncStorage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result, err := h.engine.SyncStorage(ctx, middleware.GetAgentIDFromContext(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("storage sync completed",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.Int("added", result.Added),
		zap.Int("removed", result.Removed),
		zap.Int("skipped", result.Skipped))
	_ = utils.WriteOK(w, result)
}

// HandleInventory handles GET /api/v1/admin/inventory
func (h *RegistryHandler) HandleInventory(w http.ResponseWriter, r *http.Request) {
	inv, err := h.engine.Inventory(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, inv)
}

// HandleProjectInventory handles GET /api/v1/admin/inventory/{project}
func (h *RegistryHandler) HandleProjectInventory(w http.ResponseWriter, r *http.Request) {
	inv, err := h.engine.ProjectInventory(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, inv)
}

// HandleInventorySummary handles GET /api/v1/admin/inventory/summary
func (h *RegistryHandler) HandleInventorySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.InventorySummary(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, summary)
}

func (h *RegistryHandler) pull(r *http.Request) (*registry.Transfer, error) {
	return h.engine.Pull(r.Context(),
		chi.URLParam(r, "project"), chi.URLParam(r, "app"), chi.URLParam(r, "ref"),
		middleware.GetAgentIDFromContext(r.Context()))
}

func (h *RegistryHandler) closeTransfer(t *registry.Transfer) {
	if err := t.Close(); err != nil {
		h.logger.Warn("failed to release transfer", zap.String("version", t.Version.Hash), zap.Error(err))
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
