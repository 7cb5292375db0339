package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/repomanager"
)

// AccessPath is the route by which a reader claims access to a file.
type AccessPath string

const (
	ViaLink         AccessPath = "via-link"
	DirectAsOwner   AccessPath = "direct-as-owner"
	DirectAsGrantee AccessPath = "direct-as-grantee"
)

// AccessOp is what the reader wants to do with the file.
type AccessOp string

const (
	// OpRead reads content; it requires a complete file.
	OpRead AccessOp = "read"
	// OpInspect reads the descriptor. Owners may inspect files in any
	// state except deleted.
	OpInspect AccessOp = "inspect"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonOwner     Reason = "owner"
	ReasonGrantee   Reason = "grantee"
	ReasonLink      Reason = "link"
	ReasonNotFound  Reason = "not-found"
	ReasonNotOwner  Reason = "not-owner"
	ReasonNoGrant   Reason = "no-grant"
	ReasonNotReady  Reason = "not-ready"
	ReasonLinkInert Reason = "link-inert"
)

type AccessRequest struct {
	Path        AccessPath
	LinkID      string
	FileID      string
	RequesterID string
	Op          AccessOp
	// Check, if set, runs against the file once access is established and
	// before a link use is consumed. Its error is returned unchanged.
	Check func(f *models.File) error
}

// Decision is the outcome of ResolveAccess. File is set when Allowed.
type Decision struct {
	Allowed bool
	Reason  Reason
	File    *models.File
}

// Err converts a denial into common.ErrorNotFound or common.ErrAccessDenied.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == ReasonNotOwner || d.Reason == ReasonNoGrant:
		return fmt.Errorf("%w: %s", common.ErrAccessDenied, d.Reason)
	default:
		return fmt.Errorf("%w: %s", common.ErrorNotFound, d.Reason)
	}
}

func deny(r Reason) Decision {
	return Decision{Reason: r}
}

type AccessService struct {
	db           *sql.DB
	repomanager  repomanager.RepositoryManager
	log          logging.Logger
	maxLinkTTL   time.Duration
	defaultQuota int64
	now          func() time.Time
}

func NewAccessService(db *sql.DB, rm repomanager.RepositoryManager, cfg *config.Config, log logging.Logger) *AccessService {
	return &AccessService{
		db:           db,
		repomanager:  rm,
		log:          log.With("module", "access"),
		maxLinkTTL:   cfg.MaxLinkTTL,
		defaultQuota: cfg.DefaultQuota,
		now:          time.Now,
	}
}

// ResolveAccess is the single authorization check for every read path.
// A via-link decision consumes one use of the link atomically with the
// grant, after req.Check has passed. Errors are returned for registry
// failures and from req.Check.
func (s *AccessService) ResolveAccess(ctx context.Context, req AccessRequest) (Decision, error) {
	if req.Op == "" {
		req.Op = OpRead
	}

	var (
		d   Decision
		err error
	)
	switch req.Path {
	case ViaLink:
		d, err = s.resolveLink(ctx, req)
	case DirectAsOwner:
		d, err = s.resolveOwner(ctx, req)
	case DirectAsGrantee:
		d, err = s.resolveGrantee(ctx, req)
	default:
		return Decision{}, fmt.Errorf("%w: access path %q", common.ErrInvalidArgument, req.Path)
	}
	if err != nil {
		return Decision{}, err
	}
	if d.Allowed && req.Path != ViaLink && req.Check != nil {
		if err := req.Check(d.File); err != nil {
			return Decision{}, err
		}
	}

	accessDecisionsTotal.WithLabelValues(string(req.Path), string(d.Reason)).Inc()
	return d, nil
}

func (s *AccessService) resolveLink(ctx context.Context, req AccessRequest) (Decision, error) {
	if req.LinkID == "" {
		return deny(ReasonNotFound), nil
	}
	links := s.repomanager.Links(s.db)
	now := s.now().UTC()

	l, err := links.Get(ctx, req.LinkID)
	if errors.Is(err, common.ErrorNotFound) {
		return deny(ReasonNotFound), nil
	}
	if err != nil {
		return Decision{}, err
	}
	if !l.UsableAt(now) {
		return deny(ReasonLinkInert), nil
	}

	f, err := s.repomanager.Files(s.db).Get(ctx, l.FileID)
	if errors.Is(err, common.ErrorNotFound) {
		return deny(ReasonNotFound), nil
	}
	if err != nil {
		return Decision{}, err
	}
	if !f.Readable() {
		return deny(ReasonNotReady), nil
	}
	if req.Check != nil {
		if err := req.Check(f); err != nil {
			return Decision{}, err
		}
	}

	// the lookups above are advisory; Consume re-checks everything atomically
	if _, err := links.Consume(ctx, l.ID, now); errors.Is(err, common.ErrorNotFound) {
		return deny(ReasonLinkInert), nil
	} else if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true, Reason: ReasonLink, File: f}, nil
}

func (s *AccessService) loadFile(ctx context.Context, id string) (*models.File, error) {
	if id == "" {
		return nil, nil
	}
	f, err := s.repomanager.Files(s.db).Get(ctx, id)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if f.State == models.FileDeleted {
		return nil, nil
	}
	return f, nil
}

func (s *AccessService) resolveOwner(ctx context.Context, req AccessRequest) (Decision, error) {
	f, err := s.loadFile(ctx, req.FileID)
	if err != nil {
		return Decision{}, err
	}
	if f == nil {
		return deny(ReasonNotFound), nil
	}
	if req.RequesterID == "" || f.OwnerID != req.RequesterID {
		return deny(ReasonNotOwner), nil
	}
	if req.Op != OpInspect && !f.Readable() {
		return deny(ReasonNotReady), nil
	}
	return Decision{Allowed: true, Reason: ReasonOwner, File: f}, nil
}

func (s *AccessService) resolveGrantee(ctx context.Context, req AccessRequest) (Decision, error) {
	f, err := s.loadFile(ctx, req.FileID)
	if err != nil {
		return Decision{}, err
	}
	if f == nil {
		return deny(ReasonNotFound), nil
	}
	ok, err := s.hasActiveGrant(ctx, f.ID, req.RequesterID)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return deny(ReasonNoGrant), nil
	}
	if !f.Readable() {
		return deny(ReasonNotReady), nil
	}
	return Decision{Allowed: true, Reason: ReasonGrantee, File: f}, nil
}

func (s *AccessService) hasActiveGrant(ctx context.Context, fileID, granteeID string) (bool, error) {
	if granteeID == "" {
		return false, nil
	}
	g, err := s.repomanager.Shares(s.db).Get(ctx, fileID, granteeID)
	if errors.Is(err, common.ErrorNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return g.ActiveAt(s.now()), nil
}

// ownedFile loads a non-deleted file and checks that requesterID owns it.
func (s *AccessService) ownedFile(ctx context.Context, fileID, requesterID string) (*models.File, error) {
	f, err := s.loadFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: file %s", common.ErrorNotFound, fileID)
	}
	if f.OwnerID != requesterID {
		return nil, fmt.Errorf("%w: not the owner of %s", common.ErrAccessDenied, fileID)
	}
	return f, nil
}

func newLinkID() (string, error) {
	id, err := common.MakeRandHexString(common.LinkTokenBytes)
	if err != nil {
		return "", fmt.Errorf("generate link id: %w", err)
	}
	return id, nil
}

// IssuePermanentLink returns the file's permanent link, creating it on
// first use. Only the owner may call it.
func (s *AccessService) IssuePermanentLink(ctx context.Context, fileID, requesterID string) (*models.DownloadLink, error) {
	f, err := s.ownedFile(ctx, fileID, requesterID)
	if err != nil {
		return nil, err
	}
	links := s.repomanager.Links(s.db)

	existing, err := links.GetPermanent(ctx, f.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return nil, err
	}

	id, err := newLinkID()
	if err != nil {
		return nil, err
	}
	link := &models.DownloadLink{
		ID:        id,
		FileID:    f.ID,
		Kind:      models.LinkPermanent,
		CreatedAt: s.now().UTC(),
		CreatedBy: requesterID,
		MaxAccess: models.UnlimitedAccess,
	}
	err = links.Create(ctx, link)
	if errors.Is(err, common.ErrConflict) {
		// a concurrent call created it first
		return links.GetPermanent(ctx, f.ID)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "permanent link issued", "file_id", f.ID)
	return link, nil
}

// IssueTemporaryLink mints a link valid for ttl, capped at the configured
// maximum. A zero ttl yields a link that is already expired. The owner and
// active grantees may call it.
func (s *AccessService) IssueTemporaryLink(ctx context.Context, fileID, requesterID string, ttl time.Duration, oneTime bool) (*models.DownloadLink, error) {
	if ttl < 0 {
		return nil, fmt.Errorf("%w: negative ttl", common.ErrInvalidArgument)
	}
	if ttl > s.maxLinkTTL {
		ttl = s.maxLinkTTL
	}

	f, err := s.loadFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: file %s", common.ErrorNotFound, fileID)
	}
	if f.OwnerID != requesterID {
		ok, err := s.hasActiveGrant(ctx, f.ID, requesterID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: no grant on %s", common.ErrAccessDenied, fileID)
		}
	}

	id, err := newLinkID()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	expires := now.Add(ttl)
	link := &models.DownloadLink{
		ID:        id,
		FileID:    f.ID,
		Kind:      models.LinkTemporary,
		ExpiresAt: &expires,
		CreatedAt: now,
		CreatedBy: requesterID,
		MaxAccess: models.UnlimitedAccess,
	}
	if oneTime {
		link.MaxAccess = 1
	}
	if err := s.repomanager.Links(s.db).Create(ctx, link); err != nil {
		return nil, err
	}

	s.log.Info(ctx, "temporary link issued", "file_id", f.ID, "ttl", ttl.String(), "one_time", oneTime)
	return link, nil
}

// ShareWith grants granteeID read access to an owned file. ttl of zero
// means the grant does not expire. Sharing again returns the active grant;
// an expired one is replaced.
func (s *AccessService) ShareWith(ctx context.Context, fileID, ownerID, granteeID string, ttl time.Duration) (*models.SharedFile, error) {
	if granteeID == "" {
		return nil, fmt.Errorf("%w: grantee id is required", common.ErrInvalidArgument)
	}
	if granteeID == ownerID {
		return nil, fmt.Errorf("%w: cannot share with the owner", common.ErrInvalidArgument)
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: negative ttl", common.ErrInvalidArgument)
	}

	f, err := s.ownedFile(ctx, fileID, ownerID)
	if err != nil {
		return nil, err
	}
	shares := s.repomanager.Shares(s.db)
	now := s.now().UTC()

	existing, err := shares.Get(ctx, f.ID, granteeID)
	switch {
	case err == nil && existing.ActiveAt(now):
		return existing, nil
	case err == nil:
		if _, err := shares.Delete(ctx, f.ID, granteeID); err != nil {
			return nil, err
		}
	case !errors.Is(err, common.ErrorNotFound):
		return nil, err
	}

	if _, err := s.repomanager.Users(s.db).Ensure(ctx, granteeID, "", s.defaultQuota); err != nil {
		return nil, fmt.Errorf("ensure grantee: %w", err)
	}

	grant := &models.SharedFile{
		FileID:    f.ID,
		GranteeID: granteeID,
		GrantedBy: ownerID,
		GrantedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		grant.ExpiresAt = &exp
	}
	if err := shares.Create(ctx, grant); err != nil {
		return nil, err
	}

	s.log.Info(ctx, "file shared", "file_id", f.ID, "grantee_id", granteeID)
	return grant, nil
}

// RevokeShare removes a grant. Revoking a grant that does not exist
// succeeds.
func (s *AccessService) RevokeShare(ctx context.Context, fileID, ownerID, granteeID string) error {
	f, err := s.ownedFile(ctx, fileID, ownerID)
	if err != nil {
		return err
	}
	removed, err := s.repomanager.Shares(s.db).Delete(ctx, f.ID, granteeID)
	if err != nil {
		return err
	}
	if removed {
		s.log.Info(ctx, "share revoked", "file_id", f.ID, "grantee_id", granteeID)
	}
	return nil
}

func (s *AccessService) ListOwned(ctx context.Context, ownerID string) ([]*models.File, error) {
	return s.repomanager.Files(s.db).ListByOwner(ctx, ownerID)
}

func (s *AccessService) ListSharedWith(ctx context.Context, userID string) ([]*models.File, error) {
	return s.repomanager.Files(s.db).ListSharedWith(ctx, userID, s.now().UTC())
}

func (s *AccessService) ListShares(ctx context.Context, fileID, ownerID string) ([]*models.SharedFile, error) {
	f, err := s.ownedFile(ctx, fileID, ownerID)
	if err != nil {
		return nil, err
	}
	return s.repomanager.Shares(s.db).ListByFile(ctx, f.ID)
}

// DeleteFile marks an owned file deleted, returns its bytes to the owner's
// quota and drops its links. The object itself is removed by the purger.
func (s *AccessService) DeleteFile(ctx context.Context, fileID, requesterID string) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		files := s.repomanager.Files(tx)

		f, err := files.GetForUpdate(ctx, fileID)
		if err != nil {
			return err
		}
		if f.State == models.FileDeleted {
			return fmt.Errorf("%w: file %s", common.ErrorNotFound, fileID)
		}
		if f.OwnerID != requesterID {
			return fmt.Errorf("%w: not the owner of %s", common.ErrAccessDenied, fileID)
		}

		if err := files.MarkDeleted(ctx, f.ID); err != nil {
			return err
		}
		if f.State == models.FileComplete {
			if err := s.repomanager.Users(tx).Release(ctx, f.OwnerID, f.Size); err != nil {
				return err
			}
		}
		_, err = s.repomanager.Links(tx).DeleteByFile(ctx, f.ID)
		return err
	})
	if err != nil {
		return err
	}

	s.log.Info(ctx, "file deleted", "file_id", fileID)
	return nil
}
