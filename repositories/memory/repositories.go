package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
)

// ProjectRepository implements repositories.ProjectRepository
type ProjectRepository struct{ s *Store }

func (r *ProjectRepository) Create(ctx context.Context, project *models.Project) error {
	defer r.s.lock(ctx)()
	for _, p := range r.s.data.projects {
		if p.Name == project.Name {
			return duplicate("project " + project.Name)
		}
	}
	r.s.data.projects[project.ID] = *project
	return nil
}

func (r *ProjectRepository) CreateIfAbsent(ctx context.Context, project *models.Project) (bool, error) {
	err := r.Create(ctx, project)
	if errors.Is(err, repositories.ErrDuplicate) {
		return false, nil
	}
	return err == nil, err
}

func (r *ProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	defer r.s.lock(ctx)()
	p, ok := r.s.data.projects[id]
	if !ok {
		return nil, notFound("project " + id.String())
	}
	return &p, nil
}

func (r *ProjectRepository) GetByName(ctx context.Context, name string) (*models.Project, error) {
	defer r.s.lock(ctx)()
	for _, p := range r.s.data.projects {
		if p.Name == name {
			p := p
			return &p, nil
		}
	}
	return nil, notFound("project " + name)
}

func (r *ProjectRepository) List(ctx context.Context, limit, offset int) ([]*models.Project, error) {
	defer r.s.lock(ctx)()
	out := make([]*models.Project, 0, len(r.s.data.projects))
	for _, p := range r.s.data.projects {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return page(out, limit, offset), nil
}

func (r *ProjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.data.projects[id]; !ok {
		return notFound("project " + id.String())
	}
	for _, a := range r.s.data.apps {
		if a.ProjectID == id {
			return fmt.Errorf("project %s still has apps", id)
		}
	}
	delete(r.s.data.projects, id)
	for tid, t := range r.s.data.tokens {
		if t.ProjectID != nil && *t.ProjectID == id {
			delete(r.s.data.tokens, tid)
		}
	}
	for wid, w := range r.s.data.webhooks {
		if w.ProjectID != nil && *w.ProjectID == id {
			delete(r.s.data.webhooks, wid)
		}
	}
	return nil
}

// AppRepository implements repositories.AppRepository
type AppRepository struct{ s *Store }

func (r *AppRepository) Create(ctx context.Context, app *models.App) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.data.projects[app.ProjectID]; !ok {
		return fmt.Errorf("project %s does not exist", app.ProjectID)
	}
	for _, a := range r.s.data.apps {
		if a.ProjectID == app.ProjectID && a.Name == app.Name {
			return duplicate("app " + app.Name)
		}
	}
	r.s.data.apps[app.ID] = *app
	return nil
}

func (r *AppRepository) CreateIfAbsent(ctx context.Context, app *models.App) (bool, error) {
	err := r.Create(ctx, app)
	if errors.Is(err, repositories.ErrDuplicate) {
		return false, nil
	}
	return err == nil, err
}

func (r *AppRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.App, error) {
	defer r.s.lock(ctx)()
	a, ok := r.s.data.apps[id]
	if !ok {
		return nil, notFound("app " + id.String())
	}
	return &a, nil
}

func (r *AppRepository) GetByName(ctx context.Context, projectID uuid.UUID, name string) (*models.App, error) {
	defer r.s.lock(ctx)()
	for _, a := range r.s.data.apps {
		if a.ProjectID == projectID && a.Name == name {
			a := a
			return &a, nil
		}
	}
	return nil, notFound("app " + name)
}

func (r *AppRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]*models.App, error) {
	defer r.s.lock(ctx)()
	var out []*models.App
	for _, a := range r.s.data.apps {
		if a.ProjectID == projectID {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return page(out, limit, offset), nil
}

func (r *AppRepository) ListAll(ctx context.Context) ([]*models.App, error) {
	defer r.s.lock(ctx)()
	out := make([]*models.App, 0, len(r.s.data.apps))
	for _, a := range r.s.data.apps {
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID.String() < out[j].ProjectID.String()
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// LockForUpdate is satisfied by the transaction holding the store lock
func (r *AppRepository) LockForUpdate(ctx context.Context, id uuid.UUID) error {
	if !r.s.inTx(ctx) {
		return fmt.Errorf("lock on app %s requires a transaction", id)
	}
	if _, ok := r.s.data.apps[id]; !ok {
		return notFound("app " + id.String())
	}
	return nil
}

func (r *AppRepository) Delete(ctx context.Context, id uuid.UUID) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.data.apps[id]; !ok {
		return notFound("app " + id.String())
	}
	for _, v := range r.s.data.versions {
		if v.version.AppID == id {
			return fmt.Errorf("app %s still has versions", id)
		}
	}
	delete(r.s.data.apps, id)
	for tid, t := range r.s.data.tokens {
		if t.AppID != nil && *t.AppID == id {
			delete(r.s.data.tokens, tid)
		}
	}
	for wid, w := range r.s.data.webhooks {
		if w.AppID != nil && *w.AppID == id {
			delete(r.s.data.webhooks, wid)
		}
	}
	return nil
}

// VersionRepository implements repositories.VersionRepository
type VersionRepository struct{ s *Store }

func (r *VersionRepository) Create(ctx context.Context, version *models.Version) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.data.apps[version.AppID]; !ok {
		return fmt.Errorf("app %s does not exist", version.AppID)
	}
	for _, v := range r.s.data.versions {
		if v.version.AppID == version.AppID && v.version.Hash == version.Hash {
			return duplicate("version " + version.Hash)
		}
	}
	r.s.data.versions[version.ID] = &versionRow{seq: r.s.data.next(), version: *version}
	return nil
}

func (r *VersionRepository) InsertFiles(ctx context.Context, versionID uuid.UUID, files []models.ManifestFile) error {
	defer r.s.lock(ctx)()
	row, ok := r.s.data.versions[versionID]
	if !ok {
		return fmt.Errorf("version %s does not exist", versionID)
	}
	row.files = append(row.files, files...)
	sort.Slice(row.files, func(i, j int) bool { return row.files[i].Path < row.files[j].Path })
	return nil
}

func (r *VersionRepository) GetByHash(ctx context.Context, appID uuid.UUID, hash string) (*models.Version, error) {
	defer r.s.lock(ctx)()
	for _, row := range r.s.data.versions {
		if row.version.AppID == appID && row.version.Hash == hash {
			v := row.version
			return &v, nil
		}
	}
	return nil, notFound("version " + hash)
}

func (r *VersionRepository) GetPublished(ctx context.Context, appID uuid.UUID) (*models.Version, error) {
	defer r.s.lock(ctx)()
	for _, row := range r.s.data.versions {
		if row.version.AppID == appID && row.version.IsPublished {
			v := row.version
			return &v, nil
		}
	}
	return nil, notFound("published version of app " + appID.String())
}

func (r *VersionRepository) GetFiles(ctx context.Context, versionID uuid.UUID) ([]models.ManifestFile, error) {
	defer r.s.lock(ctx)()
	row, ok := r.s.data.versions[versionID]
	if !ok {
		return nil, nil
	}
	return append([]models.ManifestFile(nil), row.files...), nil
}

func (r *VersionRepository) ListByApp(ctx context.Context, appID uuid.UUID, limit, offset int) ([]*models.Version, error) {
	defer r.s.lock(ctx)()
	var rows []*versionRow
	for _, row := range r.s.data.versions {
		if row.version.AppID == appID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].version.CreatedAt.Equal(rows[j].version.CreatedAt) {
			return rows[i].version.CreatedAt.After(rows[j].version.CreatedAt)
		}
		return rows[i].seq > rows[j].seq
	})
	out := make([]*models.Version, 0, len(rows))
	for _, row := range page(rows, limit, offset) {
		v := row.version
		out = append(out, &v)
	}
	return out, nil
}

func (r *VersionRepository) ClearPublished(ctx context.Context, appID uuid.UUID) (int64, error) {
	defer r.s.lock(ctx)()
	var cleared int64
	for _, row := range r.s.data.versions {
		if row.version.AppID == appID && row.version.IsPublished {
			row.version.IsPublished = false
			cleared++
		}
	}
	return cleared, nil
}

// MarkPublished mirrors the partial unique index on published versions
func (r *VersionRepository) MarkPublished(ctx context.Context, versionID uuid.UUID) error {
	defer r.s.lock(ctx)()
	target, ok := r.s.data.versions[versionID]
	if !ok {
		return notFound("version " + versionID.String())
	}
	for id, row := range r.s.data.versions {
		if id != versionID && row.version.AppID == target.version.AppID && row.version.IsPublished {
			return duplicate("published version of app " + target.version.AppID.String())
		}
	}
	target.version.IsPublished = true
	return nil
}

func (r *VersionRepository) Delete(ctx context.Context, versionID uuid.UUID) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.data.versions[versionID]; !ok {
		return notFound("version " + versionID.String())
	}
	delete(r.s.data.versions, versionID)
	return nil
}

// TokenRepository implements repositories.TokenRepository
type TokenRepository struct{ s *Store }

func (r *TokenRepository) Create(ctx context.Context, token *models.Token) error {
	defer r.s.lock(ctx)()
	for _, t := range r.s.data.tokens {
		if t.SecretHash == token.SecretHash {
			return duplicate("token " + token.Name)
		}
	}
	r.s.data.tokens[token.ID] = *token
	return nil
}

func (r *TokenRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Token, error) {
	defer r.s.lock(ctx)()
	t, ok := r.s.data.tokens[id]
	if !ok {
		return nil, notFound("token " + id.String())
	}
	return &t, nil
}

func (r *TokenRepository) GetBySecretHash(ctx context.Context, hash string) (*models.Token, error) {
	defer r.s.lock(ctx)()
	for _, t := range r.s.data.tokens {
		if t.SecretHash == hash {
			t := t
			return &t, nil
		}
	}
	return nil, notFound("token")
}

func (r *TokenRepository) List(ctx context.Context, limit, offset int) ([]*models.Token, error) {
	defer r.s.lock(ctx)()
	out := make([]*models.Token, 0, len(r.s.data.tokens))
	for _, t := range r.s.data.tokens {
		t := t
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (r *TokenRepository) Count(ctx context.Context) (int, error) {
	defer r.s.lock(ctx)()
	return len(r.s.data.tokens), nil
}

func (r *TokenRepository) Update(ctx context.Context, token *models.Token) error {
	defer r.s.lock(ctx)()
	existing, ok := r.s.data.tokens[token.ID]
	if !ok {
		return notFound("token " + token.ID.String())
	}
	existing.Name = token.Name
	existing.Permissions = token.Permissions
	existing.ProjectID = token.ProjectID
	existing.AppID = token.AppID
	existing.ExpiresAt = token.ExpiresAt
	r.s.data.tokens[token.ID] = existing
	return nil
}

func (r *TokenRepository) Delete(ctx context.Context, id uuid.UUID) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.data.tokens[id]; !ok {
		return notFound("token " + id.String())
	}
	delete(r.s.data.tokens, id)
	return nil
}

// WebhookRepository implements repositories.WebhookRepository
type WebhookRepository struct{ s *Store }

func (r *WebhookRepository) Create(ctx context.Context, webhook *models.Webhook) error {
	defer r.s.lock(ctx)()
	r.s.data.webhooks[webhook.ID] = cloneWebhook(*webhook)
	return nil
}

func (r *WebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Webhook, error) {
	defer r.s.lock(ctx)()
	w, ok := r.s.data.webhooks[id]
	if !ok {
		return nil, notFound("webhook " + id.String())
	}
	w = cloneWebhook(w)
	return &w, nil
}

func (r *WebhookRepository) List(ctx context.Context, limit, offset int) ([]*models.Webhook, error) {
	defer r.s.lock(ctx)()
	out := r.sorted(func(*models.Webhook) bool { return true })
	return page(out, limit, offset), nil
}

func (r *WebhookRepository) ListEnabledForEvent(ctx context.Context, eventType models.EventType) ([]*models.Webhook, error) {
	defer r.s.lock(ctx)()
	return r.sorted(func(w *models.Webhook) bool { return w.Enabled && w.Subscribes(eventType) }), nil
}

func (r *WebhookRepository) sorted(keep func(*models.Webhook) bool) []*models.Webhook {
	var out []*models.Webhook
	for _, w := range r.s.data.webhooks {
		w := cloneWebhook(w)
		if keep(&w) {
			out = append(out, &w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *WebhookRepository) Update(ctx context.Context, webhook *models.Webhook) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.data.webhooks[webhook.ID]; !ok {
		return notFound("webhook " + webhook.ID.String())
	}
	r.s.data.webhooks[webhook.ID] = cloneWebhook(*webhook)
	return nil
}

func (r *WebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.data.webhooks[id]; !ok {
		return notFound("webhook " + id.String())
	}
	delete(r.s.data.webhooks, id)
	return nil
}

// AuditRepository implements repositories.AuditRepository
type AuditRepository struct{ s *Store }

func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	defer r.s.lock(ctx)()
	r.s.data.audit[log.ID] = auditRow{seq: r.s.data.next(), entry: *log}
	return nil
}

func (r *AuditRepository) matching(filter models.AuditFilter) []auditRow {
	var rows []auditRow
	for _, row := range r.s.data.audit {
		e := row.entry
		if filter.Operation != "" && e.Operation != filter.Operation {
			continue
		}
		if filter.ProjectID != nil && (e.ProjectID == nil || *e.ProjectID != *filter.ProjectID) {
			continue
		}
		if filter.AppID != nil && (e.AppID == nil || *e.AppID != *filter.AppID) {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !e.CreatedAt.Before(*filter.Until) {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func (r *AuditRepository) List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error) {
	defer r.s.lock(ctx)()
	rows := r.matching(filter)
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].entry.CreatedAt.Equal(rows[j].entry.CreatedAt) {
			return rows[i].entry.CreatedAt.After(rows[j].entry.CreatedAt)
		}
		return rows[i].seq > rows[j].seq
	})
	out := make([]*models.AuditLog, 0, len(rows))
	for _, row := range page(rows, filter.Limit, filter.Offset) {
		e := row.entry
		out = append(out, &e)
	}
	return out, nil
}

func (r *AuditRepository) Count(ctx context.Context, filter models.AuditFilter) (int, error) {
	defer r.s.lock(ctx)()
	return len(r.matching(filter)), nil
}

func (r *AuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var deleted int64
	for id, row := range r.s.data.audit {
		if row.entry.CreatedAt.Before(cutoff) {
			delete(r.s.data.audit, id)
			deleted++
		}
	}
	return deleted, nil
}

// ConfigRepository implements repositories.ConfigRepository
type ConfigRepository struct{ s *Store }

func (r *ConfigRepository) Get(ctx context.Context, key string) (string, error) {
	defer r.s.lock(ctx)()
	v, ok := r.s.data.config[key]
	if !ok {
		return "", notFound("config key " + key)
	}
	return v, nil
}

func (r *ConfigRepository) Set(ctx context.Context, key, value string) error {
	defer r.s.lock(ctx)()
	r.s.data.config[key] = value
	return nil
}

func (r *ConfigRepository) SetIfAbsent(ctx context.Context, key, value string) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.data.config[key]; !ok {
		r.s.data.config[key] = value
	}
	return nil
}

func (r *ConfigRepository) GetAll(ctx context.Context) (map[string]string, error) {
	defer r.s.lock(ctx)()
	out := make(map[string]string, len(r.s.data.config))
	for k, v := range r.s.data.config {
		out[k] = v
	}
	return out, nil
}

// LeaseRepository implements repositories.LeaseRepository
type LeaseRepository struct{ s *Store }

func (r *LeaseRepository) Upsert(ctx context.Context, lease *models.Lease) error {
	defer r.s.lock(ctx)()
	r.s.data.leases[leaseKey{lease.AppID, lease.VersionHash, lease.Holder}] = *lease
	return nil
}

func (r *LeaseRepository) Delete(ctx context.Context, appID uuid.UUID, hash, holder string) error {
	defer r.s.lock(ctx)()
	delete(r.s.data.leases, leaseKey{appID, hash, holder})
	return nil
}

func (r *LeaseRepository) ActiveHashes(ctx context.Context, appID uuid.UUID, now time.Time) ([]string, error) {
	defer r.s.lock(ctx)()
	seen := make(map[string]bool)
	var hashes []string
	for k, l := range r.s.data.leases {
		if k.appID == appID && !l.Expired(now) && !seen[k.hash] {
			seen[k.hash] = true
			hashes = append(hashes, k.hash)
		}
	}
	sort.Strings(hashes)
	return hashes, nil
}

func (r *LeaseRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var deleted int64
	for k, l := range r.s.data.leases {
		if l.Expired(now) {
			delete(r.s.data.leases, k)
			deleted++
		}
	}
	return deleted, nil
}
