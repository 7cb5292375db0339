package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/memrepo"
	"github.com/dmitrijs2005/filevault/internal/server/storage"
	"github.com/dmitrijs2005/filevault/internal/server/storage/memstore"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestIngest_TwelveMiBInFourMiBParts(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) { cfg.PartSize = 4 << 20 })
	data := randomBytes(t, 12<<20)

	res, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1", Name: "movie.mp4", ContentType: "video/mp4"}, bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, models.FileComplete, res.State)
	assert.Equal(t, int64(12582912), res.Size)
	assert.Equal(t, int32(3), res.Parts)
	assert.Equal(t, 3, e.store.Calls(memstore.OpUploadPart))

	f := e.reg.FileByID(res.FileID)
	require.NotNil(t, f)
	assert.Equal(t, models.FileComplete, f.State)
	assert.Equal(t, int64(12582912), f.Size)
	assert.NotNil(t, f.CompletedAt)

	exists, size, err := e.store.HeadObject(context.Background(), f.StorageKey)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, f.Size, size)

	assert.Equal(t, int64(12582912), e.reg.UserByID("u1").StorageUsed)

	sess := e.reg.SessionByID(res.FileID)
	require.NotNil(t, sess)
	assert.Equal(t, models.SessionCommitted, sess.State)
	assert.Equal(t, int32(3), sess.Parts)

	p, ok := e.progress.Get(res.FileID)
	require.True(t, ok)
	assert.True(t, p.Done)
	assert.Equal(t, f.Size, p.Bytes)
}

func TestIngest_RoundTrip(t *testing.T) {
	e := newEnv(t, nil)
	data := []byte("the quick brown fox jumps over the lazy dog")
	res := e.upload(t, "u1", data)

	st, err := e.delivery.Open(context.Background(), AccessRequest{Path: DirectAsOwner, FileID: res.FileID, RequesterID: "u1"}, "")
	require.NoError(t, err)
	defer st.Body.Close()

	got, err := io.ReadAll(st.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.False(t, st.Partial)
	assert.Equal(t, int64(len(data)), st.Total)
	assert.Equal(t, int32((len(data)+3)/4), res.Parts)
}

func TestIngest_EmptyObject(t *testing.T) {
	e := newEnv(t, nil)
	res := e.upload(t, "u1", nil)

	assert.Equal(t, int64(0), res.Size)
	assert.Equal(t, int32(1), res.Parts)

	st, err := e.delivery.Open(context.Background(), AccessRequest{Path: DirectAsOwner, FileID: res.FileID, RequesterID: "u1"}, "")
	require.NoError(t, err)
	got, err := io.ReadAll(st.Body)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(0), st.Length())
}

func TestNewIngestService_ClampsPartSize(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.PartSize = 1 << 20

	s := NewIngestService(nil, memrepo.New(), memstore.New(5<<20), NewProgressTracker(1, time.Minute), cfg, logging.Nop())
	assert.Equal(t, int64(5<<20), s.PartSize())
}

func assertAborted(t *testing.T, e *env, res *IngestResult) *models.File {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.FileID)
	assert.Equal(t, models.FileFailed, res.State)

	f := e.reg.FileByID(res.FileID)
	require.NotNil(t, f)
	assert.Equal(t, models.FileFailed, f.State)
	assert.NotEmpty(t, f.FailureReason)

	assert.Equal(t, 0, e.store.OpenUploads())
	assert.Equal(t, models.SessionAborted, e.reg.SessionByID(res.FileID).State)

	exists, _, err := e.store.HeadObject(context.Background(), f.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)

	p, ok := e.progress.Get(res.FileID)
	require.True(t, ok)
	assert.True(t, p.Done)
	assert.Equal(t, models.FileFailed, p.State)
	return f
}

func TestIngest_StorageFailureAborts(t *testing.T) {
	e := newEnv(t, nil)
	e.store.FailNext(memstore.OpUploadPart, 1, storage.Permanent(errors.New("access denied")))

	res, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1"}, bytes.NewReader([]byte("0123456789")))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrPermanent)
	assert.Contains(t, err.Error(), res.FileID)
	assertAborted(t, e, res)
}

func TestIngest_CompleteFailureAborts(t *testing.T) {
	e := newEnv(t, nil)
	e.store.FailNext(memstore.OpComplete, 1, storage.Permanent(errors.New("invalid part")))

	res, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1"}, bytes.NewReader([]byte("0123456789")))
	require.Error(t, err)
	assertAborted(t, e, res)
}

func TestIngest_BeginFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.store.FailNext(memstore.OpBegin, 1, storage.Transient(errors.New("503")))

	res, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1"}, bytes.NewReader([]byte("x")))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.FileFailed, e.reg.FileByID(res.FileID).State)
	assert.Equal(t, 0, e.store.OpenUploads())
}

func TestIngest_TransientFailuresAreRetried(t *testing.T) {
	e := newEnv(t, nil)
	e.store.FailNext(memstore.OpUploadPart, 2, storage.Transient(errors.New("slow down")))
	e.ingest.store = storage.NewRetrying(e.store, storage.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}, logging.Nop())

	res, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1"}, bytes.NewReader([]byte("0123456789")))
	require.NoError(t, err)
	assert.Equal(t, models.FileComplete, res.State)
	assert.Equal(t, int64(10), res.Size)
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestIngest_SourceErrorAborts(t *testing.T) {
	e := newEnv(t, nil)
	src := &failingReader{data: []byte("0123456789"), err: errors.New("connection reset")}

	res, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1"}, src)
	require.ErrorIs(t, err, common.ErrIngestAborted)
	assertAborted(t, e, res)
}

type cancelingReader struct {
	cancel context.CancelFunc
	done   bool
}

func (r *cancelingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, context.Canceled
	}
	r.done = true
	n := copy(p, "abcd")
	r.cancel()
	return n, nil
}

func TestIngest_CancellationAborts(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := e.ingest.Ingest(ctx, IngestRequest{OwnerID: "u1"}, &cancelingReader{cancel: cancel})
	require.ErrorIs(t, err, common.ErrIngestAborted)
	assertAborted(t, e, res)
	assert.GreaterOrEqual(t, e.store.Calls(memstore.OpAbort), 1)
}

func TestIngest_TooLarge(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) { cfg.MaxObjectSize = 10 })

	res, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1"}, bytes.NewReader(make([]byte, 11)))
	require.ErrorIs(t, err, common.ErrFileTooLarge)
	assertAborted(t, e, res)
}

func TestIngest_DeclaredTooLargeIsRejectedEarly(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) { cfg.MaxObjectSize = 10 })
	hint := int64(11)

	res, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1", SizeHint: &hint}, bytes.NewReader(nil))
	require.ErrorIs(t, err, common.ErrFileTooLarge)
	assert.Nil(t, res)
	assert.Equal(t, 0, e.store.Calls(memstore.OpBegin))
}

func TestIngest_InvalidRequest(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.ingest.Ingest(context.Background(), IngestRequest{}, bytes.NewReader(nil))
	require.ErrorIs(t, err, common.ErrInvalidArgument)

	neg := int64(-1)
	_, err = e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1", SizeHint: &neg}, bytes.NewReader(nil))
	require.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestIngest_SizeHintMismatchIsNotFatal(t *testing.T) {
	e := newEnv(t, nil)
	hint := int64(100)

	res, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1", SizeHint: &hint}, bytes.NewReader([]byte("12345")))
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Size)
	assert.Equal(t, int64(100), *e.reg.FileByID(res.FileID).SizeHint)
}

func TestIngest_QuotaExceeded(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) { cfg.DefaultQuota = 10 })
	e.upload(t, "u1", []byte("123456"))

	res, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1"}, bytes.NewReader([]byte("abcdef")))
	require.ErrorIs(t, err, common.ErrQuotaExceeded)
	require.NotNil(t, res)
	assert.Equal(t, models.FileDeleted, res.State)

	f := e.reg.FileByID(res.FileID)
	assert.Equal(t, models.FileDeleted, f.State)
	assert.NotNil(t, f.PurgedAt)

	exists, _, err := e.store.HeadObject(context.Background(), f.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int64(6), e.reg.UserByID("u1").StorageUsed)
}

func TestIngest_FinalizeFailureRemovesObject(t *testing.T) {
	e := newEnv(t, nil)
	e.reg.FailReserve(errors.New("db error: connection lost"))

	res, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1"}, bytes.NewReader([]byte("abcdef")))
	require.Error(t, err)
	assertAborted(t, e, res)
}

func TestIngest_ReadsWhileReceivingAreNotFound(t *testing.T) {
	e := newEnv(t, nil)
	pr, pw := io.Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: "u1"}, pr)
		done <- err
	}()

	_, err := pw.Write([]byte("abcd"))
	require.NoError(t, err)

	var f *models.File
	require.Eventually(t, func() bool {
		f = onlyFile(e.reg)
		if f == nil || f.State != models.FileInProgress {
			return false
		}
		p, ok := e.progress.Get(f.ID)
		return ok && p.Bytes == 4
	}, 2*time.Second, 5*time.Millisecond)

	_, err = e.delivery.Open(context.Background(), AccessRequest{Path: DirectAsOwner, FileID: f.ID, RequesterID: "u1"}, "")
	require.ErrorIs(t, err, common.ErrorNotFound)
	_, err = e.delivery.Open(context.Background(), AccessRequest{Path: DirectAsOwner, FileID: f.ID, RequesterID: "u1"}, "bytes=0-1")
	require.ErrorIs(t, err, common.ErrorNotFound)
	assert.Equal(t, 0, e.store.Calls(memstore.OpRangeGet))

	// owners may still inspect their in-flight upload
	d, err := e.access.ResolveAccess(context.Background(), AccessRequest{Path: DirectAsOwner, FileID: f.ID, RequesterID: "u1", Op: OpInspect})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
	assert.Equal(t, models.FileComplete, e.reg.FileByID(f.ID).State)
}

func TestAbortStale(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	sess, err := e.store.BeginMultipart(ctx, "users/u1/k", "")
	require.NoError(t, err)
	created := e.clock.Now().Add(-7 * time.Hour)
	require.NoError(t, e.reg.Files(nil).Create(ctx, &models.File{ID: "f1", OwnerID: "u1", StorageKey: "users/u1/k", State: models.FileInProgress, CreatedAt: created}))
	require.NoError(t, e.reg.Sessions(nil).Create(ctx, &models.UploadSession{
		FileID: "f1", StorageKey: "users/u1/k", UploadID: sess.UploadID, State: models.SessionOpen, CreatedAt: created, UpdatedAt: created,
	}))

	n, err := e.ingest.AbortStale(ctx, e.clock.Now().Add(-6*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, e.store.OpenUploads())
	assert.Equal(t, models.FileFailed, e.reg.FileByID("f1").State)
	assert.Equal(t, models.SessionAborted, e.reg.SessionByID("f1").State)
}
