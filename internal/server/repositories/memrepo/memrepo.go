// Package memrepo is an in-memory implementation of the registry
// repositories. It backs single-node development runs and tests.
package memrepo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/files"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/links"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/sessions"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/shares"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/users"
)

// Manager is an in-memory registry with the same conditional-update
// semantics as the Postgres repositories. It ignores the DBTX it is bound
// to: writes apply immediately and are not rolled back with a transaction,
// and GetForUpdate takes no row lock. A file deleted while its upload is
// being finalized therefore keeps the owner's quota reservation, which only
// a restart clears. Use it for development and tests, not production.
type Manager struct {
	mu       sync.Mutex
	users    map[string]*models.User
	files    map[string]*models.File
	shares   map[[2]string]*models.SharedFile
	links    map[string]*models.DownloadLink
	sessions map[string]*models.UploadSession

	reserveErr error
}

var _ repomanager.RepositoryManager = (*Manager)(nil)

func New() *Manager {
	return &Manager{
		users:    map[string]*models.User{},
		files:    map[string]*models.File{},
		shares:   map[[2]string]*models.SharedFile{},
		links:    map[string]*models.DownloadLink{},
		sessions: map[string]*models.UploadSession{},
	}
}

// FileByID returns a copy of the stored file, or nil.
func (r *Manager) FileByID(id string) *models.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok {
		return nil
	}
	c := *f
	return &c
}

// UserByID returns a copy of the stored user, or nil.
func (r *Manager) UserByID(id string) *models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil
	}
	c := *u
	return &c
}

// SessionByID returns a copy of the stored session, or nil.
func (r *Manager) SessionByID(id string) *models.UploadSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	c := *s
	return &c
}

// LinkCount returns the number of stored links.
func (r *Manager) LinkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// AllFiles returns copies of every stored file.
func (r *Manager) AllFiles() []*models.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.File, 0, len(r.files))
	for _, f := range r.files {
		c := *f
		out = append(out, &c)
	}
	return out
}

// FailReserve makes every Reserve call return err until it is called
// again with nil.
func (r *Manager) FailReserve(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserveErr = err
}

// RunMigrations is a no-op; the in-memory registry has no schema.
func (r *Manager) RunMigrations(context.Context, *sql.DB) error { return nil }

func (r *Manager) Users(dbx.DBTX) users.Repository       { return userRepo{r} }
func (r *Manager) Files(dbx.DBTX) files.Repository       { return fileRepo{r} }
func (r *Manager) Shares(dbx.DBTX) shares.Repository     { return shareRepo{r} }
func (r *Manager) Links(dbx.DBTX) links.Repository       { return linkRepo{r} }
func (r *Manager) Sessions(dbx.DBTX) sessions.Repository { return sessionRepo{r} }

// --- users ---

type userRepo struct{ r *Manager }

func (f userRepo) Ensure(_ context.Context, id, displayName string, limit int64) (*models.User, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	u, ok := f.r.users[id]
	if !ok {
		u = &models.User{ID: id, StorageLimit: limit, CreatedAt: time.Now()}
		f.r.users[id] = u
	}
	if displayName != "" {
		u.DisplayName = displayName
	}
	c := *u
	return &c, nil
}

func (f userRepo) Get(_ context.Context, id string) (*models.User, error) {
	if u := f.r.UserByID(id); u != nil {
		return u, nil
	}
	return nil, common.ErrorNotFound
}

func (f userRepo) Reserve(_ context.Context, id string, n int64) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.reserveErr != nil {
		return f.r.reserveErr
	}
	u, ok := f.r.users[id]
	if !ok || u.StorageUsed+n > u.StorageLimit {
		return common.ErrQuotaExceeded
	}
	u.StorageUsed += n
	return nil
}

func (f userRepo) Release(_ context.Context, id string, n int64) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	u, ok := f.r.users[id]
	if !ok {
		return common.ErrorNotFound
	}
	u.StorageUsed = max(u.StorageUsed-n, 0)
	return nil
}

// --- files ---

type fileRepo struct{ r *Manager }

func (f fileRepo) Create(_ context.Context, file *models.File) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if _, ok := f.r.files[file.ID]; ok {
		return common.ErrConflict
	}
	c := *file
	f.r.files[file.ID] = &c
	return nil
}

func (f fileRepo) Get(_ context.Context, id string) (*models.File, error) {
	if file := f.r.FileByID(id); file != nil {
		return file, nil
	}
	return nil, common.ErrorNotFound
}

func (f fileRepo) GetForUpdate(ctx context.Context, id string) (*models.File, error) {
	return f.Get(ctx, id)
}

// update applies fn to the file when ok reports the current state allows it.
func (f fileRepo) update(id string, ok func(*models.File) bool, fn func(*models.File)) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	file, found := f.r.files[id]
	if !found || !ok(file) {
		return common.ErrorNotFound
	}
	fn(file)
	return nil
}

func inState(states ...models.FileState) func(*models.File) bool {
	return func(f *models.File) bool {
		for _, s := range states {
			if f.State == s {
				return true
			}
		}
		return false
	}
}

func (f fileRepo) MarkInProgress(_ context.Context, id string) error {
	return f.update(id, inState(models.FilePending), func(file *models.File) { file.State = models.FileInProgress })
}

func (f fileRepo) MarkComplete(_ context.Context, id string, size int64, at time.Time) error {
	return f.update(id, inState(models.FileInProgress), func(file *models.File) {
		file.State = models.FileComplete
		file.Size = size
		file.CompletedAt = &at
	})
}

func (f fileRepo) MarkFailed(_ context.Context, id string, reason string) error {
	return f.update(id, inState(models.FilePending, models.FileInProgress), func(file *models.File) {
		file.State = models.FileFailed
		file.FailureReason = reason
	})
}

func (f fileRepo) MarkDeleted(_ context.Context, id string) error {
	return f.update(id, func(file *models.File) bool { return file.State != models.FileDeleted },
		func(file *models.File) { file.State = models.FileDeleted })
}

func (f fileRepo) MarkPurged(_ context.Context, id string, at time.Time) error {
	return f.update(id, func(file *models.File) bool { return file.PurgedAt == nil },
		func(file *models.File) { file.PurgedAt = &at })
}

func (f fileRepo) IncrementDownloads(_ context.Context, id string) error {
	return f.update(id, inState(models.FileComplete), func(file *models.File) { file.DownloadCount++ })
}

func (f fileRepo) list(keep func(*models.File) bool) []*models.File {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	var out []*models.File
	for _, file := range f.r.files {
		if keep(file) {
			c := *file
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (f fileRepo) ListByOwner(_ context.Context, ownerID string) ([]*models.File, error) {
	return f.list(func(file *models.File) bool {
		return file.OwnerID == ownerID && file.State != models.FileDeleted
	}), nil
}

func (f fileRepo) ListSharedWith(_ context.Context, granteeID string, now time.Time) ([]*models.File, error) {
	f.r.mu.Lock()
	granted := map[string]bool{}
	for k, s := range f.r.shares {
		if k[1] == granteeID && s.ActiveAt(now) {
			granted[k[0]] = true
		}
	}
	f.r.mu.Unlock()
	return f.list(func(file *models.File) bool {
		return granted[file.ID] && file.State == models.FileComplete
	}), nil
}

func (f fileRepo) ListPurgeable(_ context.Context, limit int) ([]*models.File, error) {
	out := f.list(func(file *models.File) bool {
		return (file.State == models.FileDeleted || file.State == models.FileFailed) && file.PurgedAt == nil
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- shares ---

type shareRepo struct{ r *Manager }

func (f shareRepo) Create(_ context.Context, s *models.SharedFile) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	k := [2]string{s.FileID, s.GranteeID}
	if _, ok := f.r.shares[k]; ok {
		return common.ErrConflict
	}
	c := *s
	f.r.shares[k] = &c
	return nil
}

func (f shareRepo) Get(_ context.Context, fileID, granteeID string) (*models.SharedFile, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	s, ok := f.r.shares[[2]string{fileID, granteeID}]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *s
	return &c, nil
}

func (f shareRepo) Delete(_ context.Context, fileID, granteeID string) (bool, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	k := [2]string{fileID, granteeID}
	_, ok := f.r.shares[k]
	delete(f.r.shares, k)
	return ok, nil
}

func (f shareRepo) ListByFile(_ context.Context, fileID string) ([]*models.SharedFile, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	var out []*models.SharedFile
	for k, s := range f.r.shares {
		if k[0] == fileID {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

// --- links ---

type linkRepo struct{ r *Manager }

func (f linkRepo) Create(_ context.Context, l *models.DownloadLink) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if _, ok := f.r.links[l.ID]; ok {
		return common.ErrConflict
	}
	if l.Kind == models.LinkPermanent {
		for _, other := range f.r.links {
			if other.FileID == l.FileID && other.Kind == models.LinkPermanent {
				return common.ErrConflict
			}
		}
	}
	c := *l
	f.r.links[l.ID] = &c
	return nil
}

func (f linkRepo) Get(_ context.Context, linkID string) (*models.DownloadLink, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	l, ok := f.r.links[linkID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *l
	return &c, nil
}

func (f linkRepo) GetPermanent(_ context.Context, fileID string) (*models.DownloadLink, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	for _, l := range f.r.links {
		if l.FileID == fileID && l.Kind == models.LinkPermanent {
			c := *l
			return &c, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f linkRepo) Consume(_ context.Context, linkID string, now time.Time) (string, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	l, ok := f.r.links[linkID]
	if !ok || !l.UsableAt(now) {
		return "", common.ErrorNotFound
	}
	file, ok := f.r.files[l.FileID]
	if !ok || file.State != models.FileComplete {
		return "", common.ErrorNotFound
	}
	l.AccessCount++
	return l.FileID, nil
}

func (f linkRepo) DeleteByFile(_ context.Context, fileID string) (int64, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	var n int64
	for id, l := range f.r.links {
		if l.FileID == fileID {
			delete(f.r.links, id)
			n++
		}
	}
	return n, nil
}

func (f linkRepo) DeleteInert(_ context.Context, now time.Time) (int64, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	var n int64
	for id, l := range f.r.links {
		if !l.UsableAt(now) {
			delete(f.r.links, id)
			n++
		}
	}
	return n, nil
}

// --- sessions ---

type sessionRepo struct{ r *Manager }

func (f sessionRepo) Create(_ context.Context, s *models.UploadSession) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if _, ok := f.r.sessions[s.FileID]; ok {
		return common.ErrConflict
	}
	c := *s
	f.r.sessions[s.FileID] = &c
	return nil
}

func (f sessionRepo) Get(_ context.Context, fileID string) (*models.UploadSession, error) {
	if s := f.r.SessionByID(fileID); s != nil {
		return s, nil
	}
	return nil, common.ErrorNotFound
}

func (f sessionRepo) UpdateProgress(_ context.Context, fileID string, parts int32, bytes int64, at time.Time) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	s, ok := f.r.sessions[fileID]
	if !ok || s.State != models.SessionOpen {
		return common.ErrorNotFound
	}
	s.Parts, s.Bytes, s.UpdatedAt = parts, bytes, at
	return nil
}

func (f sessionRepo) Close(_ context.Context, fileID string, state models.SessionState, at time.Time) error {
	if state != models.SessionCommitted && state != models.SessionAborted {
		return fmt.Errorf("%w: cannot close session as %q", common.ErrInvalidArgument, state)
	}
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	s, ok := f.r.sessions[fileID]
	if !ok || s.State != models.SessionOpen {
		return common.ErrorNotFound
	}
	s.State, s.UpdatedAt = state, at
	return nil
}

func (f sessionRepo) ListStale(_ context.Context, before time.Time, limit int) ([]*models.UploadSession, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	var out []*models.UploadSession
	for _, s := range f.r.sessions {
		if s.State == models.SessionOpen && s.UpdatedAt.Before(before) && len(out) < limit {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}
