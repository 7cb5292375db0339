package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/services"
	"github.com/dmitrijs2005/filevault/internal/timex"
)

// maxJSONBody bounds request bodies of the small JSON endpoints.
const maxJSONBody = 1 << 20

type Handler struct {
	ingest   *services.IngestService
	access   *services.AccessService
	delivery *services.DeliveryService
	progress *services.ProgressTracker
	baseURL  string
	log      logging.Logger
}

func NewHandler(is *services.IngestService, as *services.AccessService, ds *services.DeliveryService,
	pt *services.ProgressTracker, publicBaseURL string, l logging.Logger) *Handler {
	return &Handler{
		ingest:   is,
		access:   as,
		delivery: ds,
		progress: pt,
		baseURL:  strings.TrimRight(publicBaseURL, "/"),
		log:      l.With("module", "http_handler"),
	}
}

type fileResponse struct {
	ID            string           `json:"fileId"`
	OwnerID       string           `json:"ownerId"`
	Name          string           `json:"name"`
	ContentType   string           `json:"contentType"`
	Size          int64            `json:"size"`
	SizeHint      *int64           `json:"sizeHint,omitempty"`
	State         models.FileState `json:"status"`
	FailureReason string           `json:"failureReason,omitempty"`
	DownloadCount int64            `json:"downloadCount"`
	CreatedAt     time.Time        `json:"createdAt"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
}

func toFileResponse(f *models.File) fileResponse {
	return fileResponse{
		ID:            f.ID,
		OwnerID:       f.OwnerID,
		Name:          f.OrigName,
		ContentType:   f.ContentType,
		Size:          f.Size,
		SizeHint:      f.SizeHint,
		State:         f.State,
		FailureReason: f.FailureReason,
		DownloadCount: f.DownloadCount,
		CreatedAt:     f.CreatedAt,
		CompletedAt:   f.CompletedAt,
	}
}

func toFileList(in []*models.File) []fileResponse {
	out := make([]fileResponse, 0, len(in))
	for _, f := range in {
		out = append(out, toFileResponse(f))
	}
	return out
}

type ingestResponse struct {
	FileID string           `json:"fileId,omitempty"`
	State  models.FileState `json:"status,omitempty"`
	Size   int64            `json:"size"`
	Parts  int32            `json:"parts"`
	Error  string           `json:"error,omitempty"`
}

type shareRequest struct {
	GranteeID string          `json:"granteeId"`
	TTL       *timex.Duration `json:"ttl,omitempty"`
}

type shareResponse struct {
	FileID    string     `json:"fileId"`
	GranteeID string     `json:"granteeId"`
	GrantedBy string     `json:"grantedBy"`
	GrantedAt time.Time  `json:"grantedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func toShareResponse(s *models.SharedFile) shareResponse {
	return shareResponse{
		FileID:    s.FileID,
		GranteeID: s.GranteeID,
		GrantedBy: s.GrantedBy,
		GrantedAt: s.GrantedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

type linkRequest struct {
	Kind    models.LinkKind `json:"kind"`
	TTL     *timex.Duration `json:"ttl,omitempty"`
	OneTime bool            `json:"oneTime"`
}

type linkResponse struct {
	LinkID    string          `json:"linkId"`
	URL       string          `json:"url"`
	Kind      models.LinkKind `json:"kind"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
	MaxAccess int             `json:"maxAccess"`
}

func (h *Handler) toLinkResponse(l *models.DownloadLink) linkResponse {
	return linkResponse{
		LinkID:    l.ID,
		URL:       h.baseURL + "/d/" + l.ID,
		Kind:      l.Kind,
		ExpiresAt: l.ExpiresAt,
		MaxAccess: l.MaxAccess,
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", common.ErrInvalidArgument, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// sizeHint reads the declared size from the size-hint header, falling back
// to Content-Length. Chunked bodies carry no hint.
func sizeHint(r *http.Request) (*int64, error) {
	if v := r.Header.Get(common.SizeHintHeaderName); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s header", common.ErrInvalidArgument, common.SizeHintHeaderName)
		}
		return &n, nil
	}
	if r.ContentLength >= 0 {
		n := r.ContentLength
		return &n, nil
	}
	return nil, nil
}

// directRequest builds a non-link access request for the file in the URL.
// The "as" query parameter selects the owner (default) or grantee path.
func directRequest(r *http.Request, op services.AccessOp) (services.AccessRequest, error) {
	req := services.AccessRequest{
		FileID:      chi.URLParam(r, "fileId"),
		RequesterID: identityFrom(r.Context()).UserID,
		Op:          op,
	}
	switch as := r.URL.Query().Get("as"); as {
	case "", "owner":
		req.Path = services.DirectAsOwner
	case "grantee":
		req.Path = services.DirectAsGrantee
	default:
		return req, fmt.Errorf("%w: unknown access path %q", common.ErrInvalidArgument, as)
	}
	return req, nil
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) uploadFile(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	hint, err := sizeHint(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	req := services.IngestRequest{
		OwnerID:     id.UserID,
		DisplayName: id.DisplayName,
		Name:        firstNonEmpty(r.URL.Query().Get("name"), r.Header.Get(common.FileNameHeaderName)),
		ContentType: firstNonEmpty(r.Header.Get(common.ContentTypeHeaderName), r.Header.Get("Content-Type")),
		SizeHint:    hint,
	}

	res, err := h.ingest.Ingest(r.Context(), req, r.Body)
	if err != nil {
		status := statusFor(err)
		body := ingestResponse{Error: err.Error()}
		if status >= 500 {
			h.log.Error(r.Context(), "ingest failed", "error", err)
			body.Error = http.StatusText(status)
		}
		if res != nil {
			body.FileID, body.State, body.Size, body.Parts = res.FileID, res.State, res.Size, res.Parts
		}
		writeJSON(w, status, body)
		return
	}

	writeJSON(w, http.StatusCreated, ingestResponse{
		FileID: res.FileID,
		State:  res.State,
		Size:   res.Size,
		Parts:  res.Parts,
	})
}

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.access.ListOwned(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileList(files))
}

func (h *Handler) listShared(w http.ResponseWriter, r *http.Request) {
	files, err := h.access.ListSharedWith(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileList(files))
}

func (h *Handler) describeFile(w http.ResponseWriter, r *http.Request) {
	req, err := directRequest(r, services.OpInspect)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.access.ResolveAccess(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !d.Allowed {
		h.failRead(w, r, d.Err())
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(d.File))
}

func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request) {
	err := h.access.DeleteFile(r.Context(), chi.URLParam(r, "fileId"), identityFrom(r.Context()).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fileContent(w http.ResponseWriter, r *http.Request) {
	req, err := directRequest(r, services.OpRead)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.serve(w, r, req)
}

func (h *Handler) linkDownload(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, services.AccessRequest{
		Path:   services.ViaLink,
		LinkID: chi.URLParam(r, "linkId"),
	})
}

// serve answers a content read. Whole-object reads are redirected to a
// presigned URL when the delivery mode allows it; ranged reads are always
// proxied.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, req services.AccessRequest) {
	ctx := r.Context()
	rangeHeader := r.Header.Get("Range")

	if rangeHeader == "" && h.delivery.RedirectEnabled() {
		u, _, err := h.delivery.Redirect(ctx, req)
		if err != nil {
			h.failRead(w, r, err)
			return
		}
		http.Redirect(w, r, u, http.StatusFound)
		return
	}

	st, err := h.delivery.Open(ctx, req, rangeHeader)
	if err != nil {
		var rerr *common.RangeNotSatisfiableError
		if errors.As(err, &rerr) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rerr.Size))
		}
		h.failRead(w, r, err)
		return
	}
	defer st.Body.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", firstNonEmpty(st.File.ContentType, "application/octet-stream"))
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Content-Length", strconv.FormatInt(st.Length(), 10))
	if st.File.OrigName != "" {
		hdr.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": st.File.OrigName}))
	}

	status := http.StatusOK
	if st.Partial {
		hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", st.Start, st.End, st.Total))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if _, err := io.Copy(w, st.Body); err != nil {
		h.log.Warn(ctx, "stream interrupted", "file_id", st.File.ID, "error", err)
	}
}

// snapshotOf derives a progress snapshot from the registry when the
// tracker no longer holds one.
func snapshotOf(f *models.File) services.Progress {
	p := services.Progress{
		FileID: f.ID,
		Bytes:  f.Size,
		Total:  -1,
		State:  f.State,
		Error:  f.FailureReason,
	}
	if f.SizeHint != nil {
		p.Total = *f.SizeHint
	}
	switch f.State {
	case models.FileComplete, models.FileFailed, models.FileDeleted:
		p.Done = true
	}
	return p
}

// fileProgress reports upload progress to the owner. With ?follow=1 the
// response is a server-sent event stream that ends when the upload does.
func (h *Handler) fileProgress(w http.ResponseWriter, r *http.Request) {
	d, err := h.access.ResolveAccess(r.Context(), services.AccessRequest{
		Path:        services.DirectAsOwner,
		FileID:      chi.URLParam(r, "fileId"),
		RequesterID: identityFrom(r.Context()).UserID,
		Op:          services.OpInspect,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !d.Allowed {
		h.failRead(w, r, d.Err())
		return
	}

	if r.URL.Query().Get("follow") != "" {
		h.followProgress(w, r, d.File)
		return
	}

	p, ok := h.progress.Get(d.File.ID)
	if !ok {
		p = snapshotOf(d.File)
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) followProgress(w http.ResponseWriter, r *http.Request, f *models.File) {
	ch, cancel := h.progress.Subscribe(f.ID)
	defer cancel()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(p services.Progress) bool {
		b, err := json.Marshal(p)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	sent := false
	for {
		select {
		case <-r.Context().Done():
			return
		case p, ok := <-ch:
			if !ok {
				if !sent {
					send(snapshotOf(f))
				}
				return
			}
			sent = true
			if !send(p) {
				return
			}
		}
	}
}

func (h *Handler) listShares(w http.ResponseWriter, r *http.Request) {
	grants, err := h.access.ListShares(r.Context(), chi.URLParam(r, "fileId"), identityFrom(r.Context()).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]shareResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, toShareResponse(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) shareFile(w http.ResponseWriter, r *http.Request) {
	var body shareRequest
	if err := decodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	var ttl time.Duration
	if body.TTL != nil {
		ttl = body.TTL.Duration
	}

	grant, err := h.access.ShareWith(r.Context(), chi.URLParam(r, "fileId"), identityFrom(r.Context()).UserID, body.GranteeID, ttl)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toShareResponse(grant))
}

func (h *Handler) unshareFile(w http.ResponseWriter, r *http.Request) {
	var body shareRequest
	if err := decodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	err := h.access.RevokeShare(r.Context(), chi.URLParam(r, "fileId"), identityFrom(r.Context()).UserID, body.GranteeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fileId": chi.URLParam(r, "fileId"), "granteeId": body.GranteeID})
}

func (h *Handler) issueLink(w http.ResponseWriter, r *http.Request) {
	var body linkRequest
	if err := decodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	fileID := chi.URLParam(r, "fileId")
	requester := identityFrom(r.Context()).UserID

	switch body.Kind {
	case "", models.LinkPermanent:
		link, err := h.access.IssuePermanentLink(r.Context(), fileID, requester)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, h.toLinkResponse(link))
	case models.LinkTemporary:
		if body.TTL == nil {
			h.fail(w, r, fmt.Errorf("%w: ttl is required for temporary links", common.ErrInvalidArgument))
			return
		}
		link, err := h.access.IssueTemporaryLink(r.Context(), fileID, requester, body.TTL.Duration, body.OneTime)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, h.toLinkResponse(link))
	default:
		h.fail(w, r, fmt.Errorf("%w: unknown link kind %q", common.ErrInvalidArgument, body.Kind))
	}
}
