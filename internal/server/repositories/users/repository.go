// Package users persists User records and their storage accounting.
package users

import (
	"context"

	"github.com/dmitrijs2005/filevault/internal/server/models"
)

type Repository interface {
	// Ensure creates the user with the given limit if absent and returns
	// the stored row. A non-empty display name overwrites the stored one.
	Ensure(ctx context.Context, id, displayName string, limit int64) (*models.User, error)
	Get(ctx context.Context, id string) (*models.User, error)
	// Reserve adds n bytes to the user's usage iff the result stays within
	// the limit; otherwise it returns common.ErrQuotaExceeded.
	Reserve(ctx context.Context, id string, n int64) error
	Release(ctx context.Context, id string, n int64) error
}
