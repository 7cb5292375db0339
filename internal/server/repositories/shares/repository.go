// Package shares persists per-user read grants on files.
package shares

import (
	"context"

	"github.com/dmitrijs2005/filevault/internal/server/models"
)

type Repository interface {
	// Create inserts a grant; an existing (file, grantee) pair yields
	// common.ErrConflict.
	Create(ctx context.Context, share *models.SharedFile) error
	Get(ctx context.Context, fileID, granteeID string) (*models.SharedFile, error)
	// Delete removes a grant and reports whether one existed.
	Delete(ctx context.Context, fileID, granteeID string) (bool, error)
	ListByFile(ctx context.Context, fileID string) ([]*models.SharedFile, error)
}
