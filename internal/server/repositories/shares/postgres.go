package shares

import (
	"context"
	"database/sql"
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

type scanner interface {
	Scan(dest ...any) error
}

func scanShare(s scanner) (*models.SharedFile, error) {
	var (
		sh      models.SharedFile
		expires sql.NullTime
	)
	if err := s.Scan(&sh.FileID, &sh.GranteeID, &sh.GrantedBy, &sh.GrantedAt, &expires); err != nil {
		return nil, err
	}
	if expires.Valid {
		v := expires.Time
		sh.ExpiresAt = &v
	}
	return &sh, nil
}

func (r *PostgresRepository) Create(ctx context.Context, share *models.SharedFile) error {
	query := `
		INSERT INTO shared_files (file_id, grantee_id, granted_by, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`

	var expires sql.NullTime
	if share.ExpiresAt != nil {
		expires = sql.NullTime{Time: *share.ExpiresAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query, share.FileID, share.GranteeID, share.GrantedBy, share.GrantedAt, expires)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return fmt.Errorf("%w: file %s already shared with %s", common.ErrConflict, share.FileID, share.GranteeID)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, fileID, granteeID string) (*models.SharedFile, error) {
	query := `SELECT file_id, grantee_id, granted_by, granted_at, expires_at
		FROM shared_files WHERE file_id = $1 AND grantee_id = $2`

	sh, err := scanShare(r.db.QueryRowContext(ctx, query, fileID, granteeID))
	if err != nil {
		if dbx.IsNoRows(err) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return sh, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, fileID, granteeID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM shared_files WHERE file_id = $1 AND grantee_id = $2`, fileID, granteeID)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresRepository) ListByFile(ctx context.Context, fileID string) ([]*models.SharedFile, error) {
	query := `SELECT file_id, grantee_id, granted_by, granted_at, expires_at
		FROM shared_files WHERE file_id = $1 ORDER BY granted_at`

	rows, err := r.db.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to select shares: %w", err)
	}
	defer rows.Close()

	var result []*models.SharedFile
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sh)
	}
	return result, rows.Err()
}
