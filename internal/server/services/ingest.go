package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/filevault/internal/server/storage"
)

// IngestRequest describes an incoming byte stream.
type IngestRequest struct {
	OwnerID     string
	DisplayName string
	Name        string
	ContentType string
	// SizeHint is the size announced by the client. It is only used for
	// progress reporting and early rejection of oversized uploads.
	SizeHint *int64
}

// IngestResult reports the outcome of an ingestion. FileID is set as soon
// as the File row exists, so failed uploads can be inspected later.
type IngestResult struct {
	FileID string
	State  models.FileState
	Size   int64
	Parts  int32
}

type IngestService struct {
	db           *sql.DB
	repomanager  repomanager.RepositoryManager
	store        storage.Backend
	progress     *ProgressTracker
	log          logging.Logger
	partSize     int64
	maxSize      int64
	defaultQuota int64
	now          func() time.Time
}

func NewIngestService(db *sql.DB, rm repomanager.RepositoryManager, store storage.Backend,
	progress *ProgressTracker, cfg *config.Config, log logging.Logger) *IngestService {

	partSize := cfg.PartSize
	if floor := store.MinPartSize(); partSize < floor {
		partSize = floor
	}
	maxSize := cfg.MaxObjectSize
	if maxSize <= 0 || maxSize > common.MaxObjectSize {
		maxSize = common.MaxObjectSize
	}
	return &IngestService{
		db:           db,
		repomanager:  rm,
		store:        store,
		progress:     progress,
		log:          log.With("module", "ingest"),
		partSize:     partSize,
		maxSize:      maxSize,
		defaultQuota: cfg.DefaultQuota,
		now:          time.Now,
	}
}

// PartSize is the effective part size after clamping to the store minimum.
func (s *IngestService) PartSize() int64 {
	return s.partSize
}

// upload is the in-flight state of one ingestion.
type upload struct {
	file  *models.File
	sess  *storage.Session
	parts []storage.Part
	bytes int64
}

// Ingest streams src into the store as a multipart upload and records the
// resulting File. On any failure the multipart upload is aborted and the
// File is left failed; the returned result still carries its id.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest, src io.Reader) (*IngestResult, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", common.ErrInvalidArgument)
	}
	if req.SizeHint != nil {
		if *req.SizeHint < 0 {
			return nil, fmt.Errorf("%w: negative size hint", common.ErrInvalidArgument)
		}
		if *req.SizeHint > s.maxSize {
			ingestTotal.WithLabelValues("too_large").Inc()
			return nil, fmt.Errorf("%w: declared %d bytes, limit %d", common.ErrFileTooLarge, *req.SizeHint, s.maxSize)
		}
	}

	activeIngests.Inc()
	defer activeIngests.Dec()

	up, err := s.begin(ctx, req)
	if err != nil {
		if up == nil {
			return nil, err
		}
		return s.result(up, models.FileFailed), err
	}

	if err := s.receive(ctx, up, src); err != nil {
		return s.result(up, models.FileFailed), s.fail(ctx, up, err)
	}
	return s.finalize(ctx, up)
}

func (s *IngestService) result(up *upload, state models.FileState) *IngestResult {
	return &IngestResult{FileID: up.file.ID, State: state, Size: up.bytes, Parts: int32(len(up.parts))}
}

// begin creates the File, opens the multipart upload and records the
// session. A non-nil upload is returned once the File row exists.
func (s *IngestService) begin(ctx context.Context, req IngestRequest) (*upload, error) {
	if _, err := s.repomanager.Users(s.db).Ensure(ctx, req.OwnerID, req.DisplayName, s.defaultQuota); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	now := s.now().UTC()
	file := &models.File{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		StorageKey:  storage.NewStorageKey(req.OwnerID, now),
		OrigName:    req.Name,
		ContentType: req.ContentType,
		SizeHint:    req.SizeHint,
		State:       models.FilePending,
		CreatedAt:   now,
	}
	if file.ContentType == "" {
		file.ContentType = "application/octet-stream"
	}
	if err := s.repomanager.Files(s.db).Create(ctx, file); err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	total := int64(-1)
	if req.SizeHint != nil {
		total = *req.SizeHint
	}
	s.progress.start(file.ID, total)

	up := &upload{file: file}

	sess, err := s.store.BeginMultipart(ctx, file.StorageKey, file.ContentType)
	if err != nil {
		return up, s.fail(ctx, up, fmt.Errorf("begin multipart: %w", err))
	}
	up.sess = sess

	err = s.repomanager.Sessions(s.db).Create(ctx, &models.UploadSession{
		FileID:     file.ID,
		StorageKey: file.StorageKey,
		UploadID:   sess.UploadID,
		State:      models.SessionOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return up, s.fail(ctx, up, fmt.Errorf("create session: %w", err))
	}

	if err := s.repomanager.Files(s.db).MarkInProgress(ctx, file.ID); err != nil {
		return up, s.fail(ctx, up, fmt.Errorf("mark in progress: %w", err))
	}
	file.State = models.FileInProgress

	s.log.Info(ctx, "ingest started", "file_id", file.ID, "owner_id", file.OwnerID, "key", file.StorageKey)
	return up, nil
}

// receive reads src one part at a time. Only one part buffer is held in
// memory. An empty source still produces a single empty part.
func (s *IngestService) receive(ctx context.Context, up *upload, src io.Reader) error {
	buf := make([]byte, s.partSize)
	sessions := s.repomanager.Sessions(s.db)

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", common.ErrIngestAborted, err)
		}

		n, rerr := io.ReadFull(src, buf)
		eof := errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)
		if rerr != nil && !eof {
			return fmt.Errorf("%w: read source: %w", common.ErrIngestAborted, rerr)
		}

		if n > 0 || (eof && len(up.parts) == 0) {
			if up.bytes+int64(n) > s.maxSize {
				return fmt.Errorf("%w: exceeds %d bytes", common.ErrFileTooLarge, s.maxSize)
			}
			part, err := s.store.UploadPart(ctx, up.sess, int32(len(up.parts)+1), buf[:n])
			if err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return fmt.Errorf("%w: %w", common.ErrIngestAborted, cerr)
				}
				return fmt.Errorf("upload part %d: %w", len(up.parts)+1, err)
			}
			up.parts = append(up.parts, part)
			up.bytes += int64(n)

			ingestPartsTotal.Inc()
			ingestBytesTotal.Add(float64(n))
			s.progress.advance(up.file.ID, up.bytes, int32(len(up.parts)))

			if err := sessions.UpdateProgress(ctx, up.file.ID, int32(len(up.parts)), up.bytes, s.now().UTC()); err != nil {
				return fmt.Errorf("record progress: %w", err)
			}
		}

		if eof {
			return nil
		}
	}
}

// finalize completes the multipart upload and commits the File together
// with the owner's quota in a single transaction.
func (s *IngestService) finalize(ctx context.Context, up *upload) (*IngestResult, error) {
	version, err := s.store.CompleteMultipart(ctx, up.sess, up.parts)
	if err != nil {
		return s.result(up, models.FileFailed), s.fail(ctx, up, fmt.Errorf("complete multipart: %w", err))
	}

	if up.file.SizeHint != nil && *up.file.SizeHint != up.bytes {
		s.log.Warn(ctx, "size hint mismatch", "file_id", up.file.ID, "declared", *up.file.SizeHint, "actual", up.bytes)
	}

	now := s.now().UTC()
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		f, err := s.repomanager.Files(tx).GetForUpdate(ctx, up.file.ID)
		if err != nil {
			return err
		}
		if f.State != models.FileInProgress {
			return fmt.Errorf("%w: file is %s", common.ErrConflict, f.State)
		}
		if err := s.repomanager.Users(tx).Reserve(ctx, f.OwnerID, up.bytes); err != nil {
			return err
		}
		if err := s.repomanager.Files(tx).MarkComplete(ctx, f.ID, up.bytes, now); err != nil {
			return err
		}
		return s.repomanager.Sessions(tx).Close(ctx, f.ID, models.SessionCommitted, now)
	})

	// The object exists in the store from here on; every failure below
	// must remove it again.
	switch {
	case err == nil:
		up.file.State = models.FileComplete
		s.progress.finish(up.file.ID, models.FileComplete, nil)
		ingestTotal.WithLabelValues("complete").Inc()
		s.log.Info(ctx, "ingest complete", "file_id", up.file.ID, "size", up.bytes, "parts", len(up.parts), "version", version)
		return s.result(up, models.FileComplete), nil

	case errors.Is(err, common.ErrQuotaExceeded):
		s.rejectOverQuota(ctx, up)
		return s.result(up, models.FileDeleted), fmt.Errorf("file %s: %w", up.file.ID, err)

	default:
		dctx := context.WithoutCancel(ctx)
		if derr := s.store.DeleteObject(dctx, up.file.StorageKey); derr != nil {
			s.log.Error(ctx, "delete orphaned object", "file_id", up.file.ID, "key", up.file.StorageKey, "error", derr)
		}
		up.sess = nil
		return s.result(up, models.FileFailed), s.fail(ctx, up, fmt.Errorf("record completion: %w", err))
	}
}

// rejectOverQuota marks the File deleted and purges the object right away.
// If the purge fails the purger retries it.
func (s *IngestService) rejectOverQuota(ctx context.Context, up *upload) {
	ctx = context.WithoutCancel(ctx)
	now := s.now().UTC()
	id := up.file.ID

	if err := s.repomanager.Files(s.db).MarkDeleted(ctx, id); err != nil {
		s.log.Error(ctx, "mark over-quota file deleted", "file_id", id, "error", err)
	}
	if err := s.repomanager.Sessions(s.db).Close(ctx, id, models.SessionCommitted, now); err != nil {
		s.log.Warn(ctx, "close session", "file_id", id, "error", err)
	}
	if err := s.store.DeleteObject(ctx, up.file.StorageKey); err != nil {
		s.log.Warn(ctx, "purge over-quota object", "file_id", id, "error", err)
	} else if err := s.repomanager.Files(s.db).MarkPurged(ctx, id, now); err != nil {
		s.log.Warn(ctx, "mark purged", "file_id", id, "error", err)
	}

	up.file.State = models.FileDeleted
	s.progress.finish(id, models.FileDeleted, common.ErrQuotaExceeded)
	ingestTotal.WithLabelValues("quota_exceeded").Inc()
	s.log.Warn(ctx, "ingest rejected over quota", "file_id", id, "size", up.bytes)
}

// fail aborts the multipart upload and records the failure. Cleanup runs on
// a context detached from cancellation so a disconnected client still gets
// its upload aborted. It returns cause wrapped with the file id.
func (s *IngestService) fail(ctx context.Context, up *upload, cause error) error {
	ctx = context.WithoutCancel(ctx)
	id := up.file.ID

	if up.sess != nil {
		if err := s.store.AbortMultipart(ctx, up.sess); err != nil {
			s.log.Error(ctx, "abort multipart", "file_id", id, "upload_id", up.sess.UploadID, "error", err)
		}
	}
	if err := s.repomanager.Files(s.db).MarkFailed(ctx, id, cause.Error()); err != nil {
		s.log.Error(ctx, "mark file failed", "file_id", id, "error", err)
	}
	if err := s.repomanager.Sessions(s.db).Close(ctx, id, models.SessionAborted, s.now().UTC()); err != nil && !errors.Is(err, common.ErrorNotFound) {
		s.log.Warn(ctx, "close session", "file_id", id, "error", err)
	}

	up.file.State = models.FileFailed
	up.file.FailureReason = cause.Error()
	s.progress.finish(id, models.FileFailed, cause)
	ingestTotal.WithLabelValues(outcomeOf(cause)).Inc()
	s.log.Warn(ctx, "ingest failed", "file_id", id, "bytes", up.bytes, "error", cause)

	return fmt.Errorf("file %s: %w", id, cause)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, common.ErrFileTooLarge):
		return "too_large"
	case errors.Is(err, common.ErrIngestAborted):
		return "aborted"
	case errors.Is(err, common.ErrTransient), errors.Is(err, common.ErrPermanent):
		return "storage_error"
	default:
		return "failed"
	}
}

// AbortStale aborts sessions left open since before, typically by a
// process that died mid-upload, and marks their files failed.
func (s *IngestService) AbortStale(ctx context.Context, before time.Time, limit int) (int, error) {
	stale, err := s.repomanager.Sessions(s.db).ListStale(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	n := 0
	for _, sess := range stale {
		err := s.store.AbortMultipart(ctx, &storage.Session{Key: sess.StorageKey, UploadID: sess.UploadID})
		if err != nil {
			s.log.Warn(ctx, "abort stale upload", "file_id", sess.FileID, "error", err)
			continue
		}
		if err := s.repomanager.Files(s.db).MarkFailed(ctx, sess.FileID, "upload abandoned"); err != nil && !errors.Is(err, common.ErrorNotFound) {
			s.log.Warn(ctx, "mark stale file failed", "file_id", sess.FileID, "error", err)
		}
		if err := s.repomanager.Sessions(s.db).Close(ctx, sess.FileID, models.SessionAborted, s.now().UTC()); err != nil && !errors.Is(err, common.ErrorNotFound) {
			s.log.Warn(ctx, "close stale session", "file_id", sess.FileID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
