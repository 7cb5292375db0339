package users

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Ensure(ctx context.Context, id, displayName string, limit int64) (*models.User, error) {
	query := `
		INSERT INTO users (id, display_name, storage_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
			SET display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE users.display_name END
		RETURNING id, display_name, storage_used, storage_limit, created_at`

	u := &models.User{}
	err := r.db.QueryRowContext(ctx, query, id, displayName, limit).
		Scan(&u.ID, &u.DisplayName, &u.StorageUsed, &u.StorageLimit, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, display_name, storage_used, storage_limit, created_at FROM users WHERE id = $1`

	u := &models.User{}
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&u.ID, &u.DisplayName, &u.StorageUsed, &u.StorageLimit, &u.CreatedAt)
	if err != nil {
		if dbx.IsNoRows(err) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) Reserve(ctx context.Context, id string, n int64) error {
	query := `UPDATE users SET storage_used = storage_used + $2
		WHERE id = $1 AND storage_used + $2 <= storage_limit`

	res, err := r.db.ExecContext(ctx, query, id, n)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if affected == 0 {
		return common.ErrQuotaExceeded
	}
	return nil
}

func (r *PostgresRepository) Release(ctx context.Context, id string, n int64) error {
	query := `UPDATE users SET storage_used = GREATEST(storage_used - $2, 0) WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, n); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
