// Package files persists File records.
package files

import (
	"context"
	"time"

	"github.com/dmitrijs2005/filevault/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, file *models.File) error
	Get(ctx context.Context, id string) (*models.File, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id string) (*models.File, error)
	MarkInProgress(ctx context.Context, id string) error
	MarkComplete(ctx context.Context, id string, size int64, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
	MarkDeleted(ctx context.Context, id string) error
	MarkPurged(ctx context.Context, id string, at time.Time) error
	IncrementDownloads(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string) ([]*models.File, error)
	ListSharedWith(ctx context.Context, granteeID string, now time.Time) ([]*models.File, error)
	ListPurgeable(ctx context.Context, limit int) ([]*models.File, error)
}
