package registry

import (
	"context"
	"errors"
	"sort"

	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/services"
	"github.com/upb/artifact-registry/services/audit"
	"github.com/upb/artifact-registry/services/manifest"
	"github.com/upb/artifact-registry/storage"
	"go.uber.org/zap"
)

// SyncResult summarizes a storage sync
type SyncResult struct {
	Projects int `json:"projects"`
	Apps     int `json:"apps"`
	Versions int `json:"versions"`
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Skipped  int `json:"skipped"`
}

type storedVersion struct {
	ref   storage.VersionRef
	meta  *storage.Meta
	files []models.ManifestFile
}

// SyncStorage reconciles the database with the commit markers found in the
// blob store. Storage is treated as the source of truth for which versions
// exist; published versions are never removed.
func (e *Engine) SyncStorage(ctx context.Context, agentID string) (_ *SyncResult, err error) {
	ctx, span := e.startSpan(ctx, "SyncStorage")
	defer func() { endSpan(span, err) }()

	stored, skipped, err := e.scanStorage(ctx)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Skipped: skipped, Versions: len(stored)}
	projects := map[string]bool{}
	apps := map[string]bool{}
	present := map[storage.VersionRef]bool{}
	for _, sv := range stored {
		projects[sv.ref.Project] = true
		apps[sv.ref.Project+"/"+sv.ref.App] = true
		present[sv.ref] = true
	}
	result.Projects = len(projects)
	result.Apps = len(apps)

	for _, sv := range stored {
		added, err := e.syncVersion(ctx, sv, agentID)
		if err != nil {
			return nil, err
		}
		if added {
			result.Added++
		}
	}

	removed, err := e.pruneMissing(ctx, present, projects, apps, agentID)
	if err != nil {
		return nil, err
	}
	result.Removed = removed

	summary := map[string]interface{}{
		"projects": result.Projects,
		"apps":     result.Apps,
		"versions": result.Versions,
		"added":    result.Added,
		"removed":  result.Removed,
		"skipped":  result.Skipped,
	}
	if err := e.recorder.RecordSync(ctx, nil, nil, "", agentID, summary); err != nil {
		return nil, services.WrapStorage("failed to record sync", err)
	}

	e.logger.Info("Storage sync completed",
		zap.Int("versions", result.Versions),
		zap.Int("added", result.Added),
		zap.Int("removed", result.Removed),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// scanStorage reads every commit marker and keeps those whose files hash to
// the directory name
func (e *Engine) scanStorage(ctx context.Context) ([]storedVersion, int, error) {
	keys, err := e.blobs.List(ctx, "")
	if err != nil {
		return nil, 0, services.WrapStorage("failed to list storage", err)
	}
	sort.Strings(keys)

	var (
		stored  []storedVersion
		skipped int
	)
	for _, key := range keys {
		ref, ok := storage.ParseMetaKey(key)
		if !ok {
			continue
		}
		if ValidateName("project", ref.Project) != nil || ValidateName("app", ref.App) != nil || !manifest.ValidDigest(ref.Hash) {
			e.logger.Warn("Skipping unrecognized version directory", zap.String("key", key))
			skipped++
			continue
		}
		meta, err := storage.ReadMeta(ctx, e.blobs, key)
		if err != nil {
			e.logger.Warn("Skipping unreadable meta.yaml", zap.String("key", key), zap.Error(err))
			skipped++
			continue
		}
		files, err := manifest.Normalize(meta.Files)
		if err != nil || manifest.Hash(files) != ref.Hash {
			e.logger.Warn("Skipping version whose manifest does not match its hash",
				zap.String("key", key),
				zap.Error(err),
			)
			skipped++
			continue
		}
		stored = append(stored, storedVersion{ref: ref, meta: meta, files: files})
	}
	return stored, skipped, nil
}

func (e *Engine) syncVersion(ctx context.Context, sv storedVersion, agentID string) (bool, error) {
	p, a, err := e.planApp(ctx, sv.ref.Project, sv.ref.App)
	if err != nil {
		return false, err
	}

	_, err = e.repos.Versions.GetByHash(ctx, a.ID, sv.ref.Hash)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return false, repoError(err, nil, "failed to check version")
	}

	m := &models.Manifest{Hash: sv.ref.Hash, Files: sv.files}
	v := models.NewVersion(a.ID, m, sv.meta.Builder, sv.meta.BuildTime).WithGitCommit(sv.meta.GitCommit)
	v.CreatedAt = e.nowFn()

	err = services.WithTransaction(ctx, e.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) error {
		sp, sa, err := e.createApp(ctx, p, a, agentID, string(models.AuditOpSyncStorage))
		if err != nil {
			return err
		}
		v.AppID = sa.ID
		if err := e.repos.Versions.Create(ctx, v); err != nil {
			return err
		}
		if err := e.repos.Versions.InsertFiles(ctx, v.ID, sv.files); err != nil {
			return err
		}
		return e.recorder.RecordSync(ctx, sp, sa, v.Hash, agentID, map[string]interface{}{"action": "add_version"})
	})
	if errors.Is(err, repositories.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, repoError(err, nil, "failed to add version")
	}
	return true, nil
}

// pruneMissing removes database versions without a commit marker, then apps
// and projects left empty that storage no longer knows about
func (e *Engine) pruneMissing(ctx context.Context, present map[storage.VersionRef]bool, projects, apps map[string]bool, agentID string) (int, error) {
	all, err := e.repos.Apps.ListAll(ctx)
	if err != nil {
		return 0, repoError(err, nil, "failed to list apps")
	}

	removed := 0
	touched := map[string]*models.Project{}
	for _, a := range all {
		p, err := e.repos.Projects.GetByID(ctx, a.ProjectID)
		if err != nil {
			return removed, repoError(err, nil, "failed to load project")
		}
		versions, err := e.repos.Versions.ListByApp(ctx, a.ID, 0, 0)
		if err != nil {
			return removed, repoError(err, nil, "failed to list versions")
		}

		remaining := 0
		for _, v := range versions {
			if present[storage.VersionRef{Project: p.Name, App: a.Name, Hash: v.Hash}] {
				remaining++
				continue
			}
			if v.IsPublished {
				e.logger.Warn("Keeping published version missing from storage",
					zap.String("project", p.Name),
					zap.String("app", a.Name),
					zap.String("version", v.Hash),
				)
				remaining++
				continue
			}
			if err := e.deleteVersion(ctx, p, a, v.Hash, agentID, audit.ReasonSync); err != nil {
				if services.IsConflictError(err) || services.IsNotFoundError(err) {
					remaining++
					continue
				}
				return removed, err
			}
			removed++
		}

		if remaining == 0 && !apps[p.Name+"/"+a.Name] {
			if err := e.removeEmptyApp(ctx, p, a, agentID); err != nil {
				return removed, err
			}
			touched[p.Name] = p
		}
	}

	for name, p := range touched {
		if projects[name] {
			continue
		}
		if err := e.removeEmptyProject(ctx, p, agentID); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (e *Engine) removeEmptyApp(ctx context.Context, p *models.Project, a *models.App, agentID string) error {
	err := services.WithTransaction(ctx, e.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) error {
		n, err := e.purgeApp(ctx, p, a, agentID)
		if err != nil {
			return err
		}
		return e.recorder.RecordSync(ctx, p, a, "", agentID, map[string]interface{}{
			"action":           "remove_app",
			"versions_deleted": n,
		})
	})
	if err != nil {
		if services.IsConflictError(err) {
			return nil
		}
		return repoError(err, nil, "failed to remove empty app")
	}
	return nil
}

func (e *Engine) removeEmptyProject(ctx context.Context, p *models.Project, agentID string) error {
	err := services.WithTransaction(ctx, e.repos.TxMgr, func(ctx context.Context, tx repositories.Transaction) error {
		apps, err := e.repos.Apps.ListByProject(ctx, p.ID, 1, 0)
		if err != nil {
			return err
		}
		if len(apps) > 0 {
			return nil
		}
		if err := e.repos.Projects.Delete(ctx, p.ID); err != nil {
			return err
		}
		return e.recorder.RecordSync(ctx, p, nil, "", agentID, map[string]interface{}{"action": "remove_project"})
	})
	return repoError(err, nil, "failed to remove empty project")
}
