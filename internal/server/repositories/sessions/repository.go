// Package sessions persists multipart upload sessions owned by the
// ingestion pipeline.
package sessions

import (
	"context"
	"time"

	"github.com/dmitrijs2005/filevault/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, s *models.UploadSession) error
	Get(ctx context.Context, fileID string) (*models.UploadSession, error)
	UpdateProgress(ctx context.Context, fileID string, parts int32, bytes int64, at time.Time) error
	// Close moves an open session to committed or aborted.
	Close(ctx context.Context, fileID string, state models.SessionState, at time.Time) error
	// ListStale returns open sessions not updated since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*models.UploadSession, error)
}
