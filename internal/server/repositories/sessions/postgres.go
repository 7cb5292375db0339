package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/server/models"
)

const sessionColumns = `file_id, storage_key, upload_id, state, parts, bytes, created_at, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*models.UploadSession, error) {
	var (
		us    models.UploadSession
		state string
	)
	if err := s.Scan(&us.FileID, &us.StorageKey, &us.UploadID, &state, &us.Parts, &us.Bytes, &us.CreatedAt, &us.UpdatedAt); err != nil {
		return nil, err
	}
	us.State = models.SessionState(state)
	return &us, nil
}

func (r *PostgresRepository) Create(ctx context.Context, s *models.UploadSession) error {
	query := `
		INSERT INTO upload_sessions (file_id, storage_key, upload_id, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`

	if _, err := r.db.ExecContext(ctx, query, s.FileID, s.StorageKey, s.UploadID, string(s.State), s.CreatedAt); err != nil {
		if dbx.IsUniqueViolation(err) {
			return fmt.Errorf("%w: session for file %s", common.ErrConflict, s.FileID)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, fileID string) (*models.UploadSession, error) {
	us, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE file_id = $1`, fileID))
	if err != nil {
		if dbx.IsNoRows(err) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return us, nil
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdateProgress(ctx context.Context, fileID string, parts int32, bytes int64, at time.Time) error {
	return r.exec(ctx,
		`UPDATE upload_sessions SET parts = $2, bytes = $3, updated_at = $4 WHERE file_id = $1 AND state = 'open'`,
		fileID, parts, bytes, at)
}

func (r *PostgresRepository) Close(ctx context.Context, fileID string, state models.SessionState, at time.Time) error {
	if state != models.SessionCommitted && state != models.SessionAborted {
		return fmt.Errorf("%w: cannot close session as %q", common.ErrInvalidArgument, state)
	}
	return r.exec(ctx,
		`UPDATE upload_sessions SET state = $2, updated_at = $3 WHERE file_id = $1 AND state = 'open'`,
		fileID, string(state), at)
}

func (r *PostgresRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*models.UploadSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions
		WHERE state = 'open' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select sessions: %w", err)
	}
	defer rows.Close()

	var result []*models.UploadSession
	for rows.Next() {
		us, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, us)
	}
	return result, rows.Err()
}
