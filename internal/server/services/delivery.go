package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/filevault/internal/server/storage"
)

// Stream is one read of a file. Body is lazy and can be read once; the
// caller must close it. Start and End are inclusive; Total is the size of
// the whole file.
type Stream struct {
	Body    io.ReadCloser
	Start   int64
	End     int64
	Total   int64
	Partial bool
	File    *models.File
}

// Length is the number of bytes Body yields.
func (s *Stream) Length() int64 {
	if s.Total == 0 {
		return 0
	}
	return s.End - s.Start + 1
}

type DeliveryService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	access      *AccessService
	store       storage.Backend
	log         logging.Logger
	mode        string
	presignTTL  time.Duration
}

func NewDeliveryService(db *sql.DB, rm repomanager.RepositoryManager, access *AccessService,
	store storage.Backend, cfg *config.Config, log logging.Logger) *DeliveryService {
	return &DeliveryService{
		db:          db,
		repomanager: rm,
		access:      access,
		store:       store,
		log:         log.With("module", "delivery"),
		mode:        cfg.DeliveryMode,
		presignTTL:  cfg.PresignTTL,
	}
}

func (s *DeliveryService) authorize(ctx context.Context, req AccessRequest) (*models.File, error) {
	req.Op = OpRead
	d, err := s.access.ResolveAccess(ctx, req)
	if errors.Is(err, common.ErrRangeNotSatisfiable) {
		deliveryTotal.WithLabelValues("unsatisfiable").Inc()
		return nil, err
	}
	if err != nil {
		deliveryTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !d.Allowed {
		deliveryTotal.WithLabelValues("denied").Inc()
		return nil, d.Err()
	}
	return d.File, nil
}

// Open authorizes req and opens the requested byte range of the file. An
// empty rangeHeader reads the whole file. Denied requests never reach the
// store, and an unsatisfiable range does not use up a link.
func (s *DeliveryService) Open(ctx context.Context, req AccessRequest, rangeHeader string) (*Stream, error) {
	var (
		br      ByteRange
		partial bool
	)
	req.Check = func(f *models.File) error {
		var err error
		br, partial, err = ParseRange(rangeHeader, f.Size)
		return err
	}

	f, err := s.authorize(ctx, req)
	if err != nil {
		return nil, err
	}

	end := br.End
	if !partial {
		end = -1
	}

	obj, err := s.store.RangeGet(ctx, f.StorageKey, br.Start, end)
	if err != nil {
		deliveryTotal.WithLabelValues("store_error").Inc()
		if errors.Is(err, common.ErrorNotFound) {
			s.log.Error(ctx, "object missing for complete file", "file_id", f.ID, "key", f.StorageKey)
		}
		return nil, fmt.Errorf("read %s: %w", f.ID, err)
	}
	if obj.Total != f.Size {
		s.log.Warn(ctx, "stored size differs from registry", "file_id", f.ID, "registry", f.Size, "store", obj.Total)
	}

	if br.Start == 0 {
		s.countDownload(ctx, f.ID)
	}
	deliveryTotal.WithLabelValues("ok").Inc()

	return &Stream{
		Body:    obj.Body,
		Start:   obj.Start,
		End:     obj.End,
		Total:   obj.Total,
		Partial: partial,
		File:    f,
	}, nil
}

// RedirectEnabled reports whether reads should be answered with presigned
// URLs rather than proxied.
func (s *DeliveryService) RedirectEnabled() bool {
	return s.mode == config.DeliveryRedirect && storage.CanPresign(s.store)
}

// Redirect authorizes req and returns a presigned URL for the whole object.
func (s *DeliveryService) Redirect(ctx context.Context, req AccessRequest) (string, *models.File, error) {
	p, ok := s.store.(storage.Presigner)
	if !ok || !storage.CanPresign(s.store) {
		return "", nil, storage.Permanent(storage.ErrPresignUnsupported)
	}
	f, err := s.authorize(ctx, req)
	if err != nil {
		return "", nil, err
	}

	u, err := p.PresignGet(ctx, f.StorageKey, s.presignTTL)
	if err != nil {
		deliveryTotal.WithLabelValues("store_error").Inc()
		return "", nil, fmt.Errorf("presign %s: %w", f.ID, err)
	}
	s.countDownload(ctx, f.ID)
	deliveryTotal.WithLabelValues("redirect").Inc()
	return u, f, nil
}

func (s *DeliveryService) countDownload(ctx context.Context, fileID string) {
	if err := s.repomanager.Files(s.db).IncrementDownloads(ctx, fileID); err != nil {
		s.log.Warn(ctx, "count download", "file_id", fileID, "error", err)
	}
}
