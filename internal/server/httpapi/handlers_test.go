package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/auth"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/memrepo"
	"github.com/dmitrijs2005/filevault/internal/server/services"
	"github.com/dmitrijs2005/filevault/internal/server/storage/memstore"
)

var testSecret = []byte("test-secret")

type apiEnv struct {
	srv   *httptest.Server
	reg   *memrepo.Manager
	store *memstore.Store
}

func newAPIEnv(t *testing.T, mutate func(cfg *config.Config)) *apiEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.PartSize = 16
	cfg.PublicBaseURL = "http://files.example/"
	if mutate != nil {
		mutate(cfg)
	}

	reg := memrepo.New()
	store := memstore.New(0)
	log := logging.Nop()
	progress := services.NewProgressTracker(16, time.Hour)

	is := services.NewIngestService(db, reg, store, progress, cfg, log)
	as := services.NewAccessService(db, reg, cfg, log)
	ds := services.NewDeliveryService(db, reg, as, store, cfg, log)

	h := NewHandler(is, as, ds, progress, cfg.PublicBaseURL, log)
	srv := httptest.NewServer(NewRouter(h, auth.NewVerifier(testSecret)))
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, reg: reg, store: store}
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := auth.GenerateToken(user, user, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *apiEnv) do(t *testing.T, method, path, user string, body io.Reader, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *apiEnv) upload(t *testing.T, user string, data []byte) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/ingest?name=report.bin", user, bytes.NewReader(data),
		map[string]string{"Content-Type": "application/pdf"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out ingestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, models.FileComplete, out.State)
	require.Equal(t, int64(len(data)), out.Size)
	return out.FileID
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func TestHealthIsPublic(t *testing.T) {
	e := newAPIEnv(t, nil)
	resp := e.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	e := newAPIEnv(t, nil)

	resp := e.do(t, http.MethodGet, "/files", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/files", "", nil, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/files", "", nil, map[string]string{common.AccessTokenHeaderName: token(t, "u1")})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadAndRead(t *testing.T) {
	e := newAPIEnv(t, nil)
	data := payload(37)
	id := e.upload(t, "owner", data)

	resp := e.do(t, http.MethodGet, "/files/"+id+"/content", "owner", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, readAll(t, resp))
	assert.Equal(t, "37", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=report.bin`, resp.Header.Get("Content-Disposition"))

	resp = e.do(t, http.MethodGet, "/files/"+id+"/content", "owner", nil, map[string]string{"Range": "bytes=5-9"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 5-9/37", resp.Header.Get("Content-Range"))
	assert.Equal(t, data[5:10], readAll(t, resp))

	resp = e.do(t, http.MethodGet, "/files/"+id+"/content", "owner", nil, map[string]string{"Range": "bytes=-4"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, data[33:], readAll(t, resp))

	resp = e.do(t, http.MethodGet, "/files/"+id+"/content", "owner", nil, map[string]string{"Range": "bytes=37-40"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */37", resp.Header.Get("Content-Range"))

	resp = e.do(t, http.MethodGet, "/files/"+id, "owner", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var desc fileResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&desc))
	assert.Equal(t, "report.bin", desc.Name)
	assert.Equal(t, int64(37), desc.Size)
	assert.Equal(t, int64(1), desc.DownloadCount)
}

func TestUploadRejected(t *testing.T) {
	e := newAPIEnv(t, func(cfg *config.Config) { cfg.MaxObjectSize = 10 })

	resp := e.do(t, http.MethodPost, "/ingest", "u1", bytes.NewReader(payload(11)), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/ingest", "u1", strings.NewReader("abc"),
		map[string]string{common.SizeHintHeaderName: "lots"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, e.store.Calls(memstore.OpBegin))
}

func TestUploadOverQuota(t *testing.T) {
	e := newAPIEnv(t, func(cfg *config.Config) { cfg.DefaultQuota = 20 })
	e.upload(t, "u1", payload(15))

	resp := e.do(t, http.MethodPost, "/ingest", "u1", bytes.NewReader(payload(10)), nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	var out ingestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.FileID)
	assert.Equal(t, models.FileDeleted, out.State)
	assert.Contains(t, out.Error, common.ErrQuotaExceeded.Error())
}

func TestSharedRangeRead(t *testing.T) {
	e := newAPIEnv(t, nil)
	data := payload(300)
	id := e.upload(t, "owner", data)

	// not shared yet
	resp := e.do(t, http.MethodGet, "/files/"+id+"/content?as=grantee", "v", nil, map[string]string{"Range": "bytes=0-99"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/files/"+id+"/share", "owner", strings.NewReader(`{"granteeId":"v","ttl":"24h"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var grant shareResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&grant))
	assert.Equal(t, "v", grant.GranteeID)
	require.NotNil(t, grant.ExpiresAt)

	resp = e.do(t, http.MethodGet, "/files/"+id+"/content?as=grantee", "v", nil, map[string]string{"Range": "bytes=0-99"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 0-99/300", resp.Header.Get("Content-Range"))
	assert.Equal(t, data[:100], readAll(t, resp))

	// a grantee posing as owner learns nothing
	resp = e.do(t, http.MethodGet, "/files/"+id+"/content", "v", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/files/shared", "v", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var shared []fileResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&shared))
	require.Len(t, shared, 1)
	assert.Equal(t, id, shared[0].ID)

	resp = e.do(t, http.MethodDelete, "/files/"+id+"/share", "owner", strings.NewReader(`{"granteeId":"v"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// revoking again is a no-op
	resp = e.do(t, http.MethodDelete, "/files/"+id+"/share", "owner", strings.NewReader(`{"granteeId":"v"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/files/"+id+"/content?as=grantee", "v", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShareErrors(t *testing.T) {
	e := newAPIEnv(t, nil)
	id := e.upload(t, "owner", payload(5))

	resp := e.do(t, http.MethodPost, "/files/"+id+"/share", "owner", strings.NewReader(`{"granteeId":""}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/files/"+id+"/share", "owner", strings.NewReader(`{not json`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/files/"+id+"/share", "mallory", strings.NewReader(`{"granteeId":"v"}`), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLinks(t *testing.T) {
	e := newAPIEnv(t, nil)
	data := payload(20)
	id := e.upload(t, "owner", data)

	resp := e.do(t, http.MethodPost, "/files/"+id+"/links", "owner", strings.NewReader(`{"kind":"permanent"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var perm linkResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&perm))
	assert.Equal(t, "http://files.example/d/"+perm.LinkID, perm.URL)
	assert.Nil(t, perm.ExpiresAt)

	resp = e.do(t, http.MethodPost, "/files/"+id+"/links", "owner", strings.NewReader(`{}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again linkResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
	assert.Equal(t, perm.LinkID, again.LinkID)

	for i := 0; i < 3; i++ {
		resp = e.do(t, http.MethodGet, "/d/"+perm.LinkID, "", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, data, readAll(t, resp))
	}

	resp = e.do(t, http.MethodPost, "/files/"+id+"/links", "owner",
		strings.NewReader(`{"kind":"temporary","ttl":"1h","oneTime":true}`), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var once linkResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&once))
	require.NotNil(t, once.ExpiresAt)
	assert.Equal(t, 1, once.MaxAccess)

	// a bad range reports the size and leaves the one use intact
	resp = e.do(t, http.MethodGet, "/d/"+once.LinkID, "", nil, map[string]string{"Range": "bytes=1000-"})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */20", resp.Header.Get("Content-Range"))

	resp = e.do(t, http.MethodGet, "/d/"+once.LinkID, "", nil, map[string]string{"Range": "bytes=0-1"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, data[:2], readAll(t, resp))

	resp = e.do(t, http.MethodGet, "/d/"+once.LinkID, "", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/d/nonexistent", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/files/"+id+"/links", "owner", strings.NewReader(`{"kind":"temporary"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/files/"+id+"/links", "owner", strings.NewReader(`{"kind":"forever"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDelete(t *testing.T) {
	e := newAPIEnv(t, nil)
	id := e.upload(t, "owner", payload(8))

	resp := e.do(t, http.MethodDelete, "/files/"+id, "mallory", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/files/"+id, "owner", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/files/"+id+"/content", "owner", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/files/"+id, "owner", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = e.do(t, http.MethodDelete, "/files/"+id, "owner", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, int64(0), e.reg.UserByID("owner").StorageUsed)
}

func TestListFiles(t *testing.T) {
	e := newAPIEnv(t, nil)
	a := e.upload(t, "owner", payload(3))
	b := e.upload(t, "owner", payload(4))
	e.upload(t, "other", payload(5))

	resp := e.do(t, http.MethodGet, "/files", "owner", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var files []fileResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&files))

	ids := []string{}
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	assert.ElementsMatch(t, []string{a, b}, ids)
}

func TestProgress(t *testing.T) {
	e := newAPIEnv(t, nil)
	id := e.upload(t, "owner", payload(40))

	resp := e.do(t, http.MethodGet, "/files/"+id+"/progress", "owner", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p services.Progress
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	assert.Equal(t, int64(40), p.Bytes)
	assert.Equal(t, int32(3), p.Parts)
	assert.True(t, p.Done)
	assert.Equal(t, models.FileComplete, p.State)

	resp = e.do(t, http.MethodGet, "/files/"+id+"/progress?follow=1", "owner", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body := string(readAll(t, resp))
	assert.True(t, strings.HasPrefix(body, "data: "))
	assert.Contains(t, body, `"done":true`)

	resp = e.do(t, http.MethodGet, "/files/"+id+"/progress", "v", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDescriptorsDoNotRevealExistence(t *testing.T) {
	e := newAPIEnv(t, nil)
	id := e.upload(t, "owner", payload(12))
	missing := "00000000-0000-4000-8000-000000000000"

	paths := []string{"", "?as=owner", "?as=grantee", "/progress"}
	for _, p := range paths {
		existing := e.do(t, http.MethodGet, "/files/"+id+p, "stranger", nil, nil)
		absent := e.do(t, http.MethodGet, "/files/"+missing+p, "stranger", nil, nil)

		assert.Equal(t, http.StatusNotFound, existing.StatusCode, "existing file%s", p)
		assert.Equal(t, absent.StatusCode, existing.StatusCode, "path %q", p)
		assert.Equal(t, string(readAll(t, absent)), string(readAll(t, existing)), "body for %q", p)
	}

	resp := e.do(t, http.MethodGet, "/files/"+id+"?as=owner", "owner", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRedirectMode(t *testing.T) {
	e := newAPIEnv(t, func(cfg *config.Config) { cfg.DeliveryMode = config.DeliveryRedirect })
	data := payload(10)
	id := e.upload(t, "owner", data)

	resp := e.do(t, http.MethodGet, "/files/"+id+"/content", "owner", nil, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "mem:///"))
	assert.Equal(t, 0, e.store.Calls(memstore.OpRangeGet))

	// ranged reads are always proxied
	resp = e.do(t, http.MethodGet, "/files/"+id+"/content", "owner", nil, map[string]string{"Range": "bytes=2-3"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, data[2:4], readAll(t, resp))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{common.ErrInvalidArgument, http.StatusBadRequest},
		{common.ErrIngestAborted, http.StatusBadRequest},
		{common.ErrorUnauthorized, http.StatusUnauthorized},
		{common.ErrAccessDenied, http.StatusForbidden},
		{common.ErrorNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: %w", common.ErrPermanent, common.ErrorNotFound), http.StatusNotFound},
		{common.ErrConflict, http.StatusConflict},
		{common.ErrQuotaExceeded, http.StatusRequestEntityTooLarge},
		{common.ErrFileTooLarge, http.StatusRequestEntityTooLarge},
		{&common.RangeNotSatisfiableError{Size: 3}, http.StatusRequestedRangeNotSatisfiable},
		{common.ErrTransient, http.StatusBadGateway},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(fmt.Errorf("wrapped: %w", tc.err)), tc.err.Error())
	}
}
