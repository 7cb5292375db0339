// Package links persists download links and implements the atomic
// check-and-consume used when a link is resolved.
package links

import (
	"context"
	"time"

	"github.com/dmitrijs2005/filevault/internal/server/models"
)

type Repository interface {
	// Create inserts a link. A second permanent link for the same file
	// yields common.ErrConflict.
	Create(ctx context.Context, link *models.DownloadLink) error
	Get(ctx context.Context, linkID string) (*models.DownloadLink, error)
	GetPermanent(ctx context.Context, fileID string) (*models.DownloadLink, error)
	// Consume counts one access against the link and returns its file id
	// when the link is unexpired, not used up and points at a complete
	// file. Otherwise it returns common.ErrorNotFound and changes nothing.
	Consume(ctx context.Context, linkID string, now time.Time) (string, error)
	DeleteByFile(ctx context.Context, fileID string) (int64, error)
	// DeleteInert removes links that can never grant access again.
	DeleteInert(ctx context.Context, now time.Time) (int64, error)
}
