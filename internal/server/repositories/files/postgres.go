package files

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/server/models"
)

const fileColumns = `f.id, f.owner_id, f.storage_key, f.orig_name, f.content_type, f.size_hint, f.size,
	f.state, f.failure_reason, f.download_count, f.created_at, f.completed_at, f.purged_at`

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(s scanner) (*models.File, error) {
	var (
		f           models.File
		state       string
		sizeHint    sql.NullInt64
		completedAt sql.NullTime
		purgedAt    sql.NullTime
	)
	err := s.Scan(&f.ID, &f.OwnerID, &f.StorageKey, &f.OrigName, &f.ContentType, &sizeHint, &f.Size,
		&state, &f.FailureReason, &f.DownloadCount, &f.CreatedAt, &completedAt, &purgedAt)
	if err != nil {
		return nil, err
	}
	f.State = models.FileState(state)
	if sizeHint.Valid {
		v := sizeHint.Int64
		f.SizeHint = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		f.CompletedAt = &v
	}
	if purgedAt.Valid {
		v := purgedAt.Time
		f.PurgedAt = &v
	}
	return &f, nil
}

// Create inserts a new file row and fills CreatedAt. A duplicate id or
// storage key yields common.ErrConflict.
func (r *PostgresRepository) Create(ctx context.Context, file *models.File) error {
	query := `
		INSERT INTO files (id, owner_id, storage_key, orig_name, content_type, size_hint, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	var sizeHint sql.NullInt64
	if file.SizeHint != nil {
		sizeHint = sql.NullInt64{Int64: *file.SizeHint, Valid: true}
	}

	err := r.db.QueryRowContext(ctx, query,
		file.ID, file.OwnerID, file.StorageKey, file.OrigName, file.ContentType, sizeHint, string(file.State),
	).Scan(&file.CreatedAt)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return fmt.Errorf("%w: file %s", common.ErrConflict, file.ID)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) get(ctx context.Context, query, id string) (*models.File, error) {
	f, err := scanFile(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if dbx.IsNoRows(err) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return f, nil
}

// Get returns the file by id or common.ErrorNotFound.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.File, error) {
	return r.get(ctx, `SELECT `+fileColumns+` FROM files f WHERE f.id = $1`, id)
}

// GetForUpdate is Get with a row lock.
func (r *PostgresRepository) GetForUpdate(ctx context.Context, id string) (*models.File, error) {
	return r.get(ctx, `SELECT `+fileColumns+` FROM files f WHERE f.id = $1 FOR UPDATE`, id)
}

// execOne runs a state transition and maps "no row matched" to
// common.ErrorNotFound.
func (r *PostgresRepository) execOne(ctx context.Context, query string, args ...any) error {
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

// MarkInProgress moves a pending file to in-progress.
func (r *PostgresRepository) MarkInProgress(ctx context.Context, id string) error {
	return r.execOne(ctx, `UPDATE files SET state = 'in-progress' WHERE id = $1 AND state = 'pending'`, id)
}

// MarkComplete records the final size of an in-progress file.
func (r *PostgresRepository) MarkComplete(ctx context.Context, id string, size int64, at time.Time) error {
	return r.execOne(ctx,
		`UPDATE files SET state = 'complete', size = $2, completed_at = $3 WHERE id = $1 AND state = 'in-progress'`,
		id, size, at)
}

// MarkFailed fails a file that has not reached a terminal state.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	return r.execOne(ctx,
		`UPDATE files SET state = 'failed', failure_reason = $2 WHERE id = $1 AND state IN ('pending', 'in-progress')`,
		id, reason)
}

// MarkDeleted tombstones a file; its object is removed later by the purger.
func (r *PostgresRepository) MarkDeleted(ctx context.Context, id string) error {
	return r.execOne(ctx, `UPDATE files SET state = 'deleted' WHERE id = $1 AND state <> 'deleted'`, id)
}

// MarkPurged stamps the time the object was removed from the store.
func (r *PostgresRepository) MarkPurged(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx, `UPDATE files SET purged_at = $2 WHERE id = $1 AND purged_at IS NULL`, id, at)
}

// IncrementDownloads bumps the download counter of a complete file.
func (r *PostgresRepository) IncrementDownloads(ctx context.Context, id string) error {
	return r.execOne(ctx, `UPDATE files SET download_count = download_count + 1 WHERE id = $1 AND state = 'complete'`, id)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.File, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select files: %w", err)
	}
	defer rows.Close()

	var result []*models.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListByOwner returns the owner's files that are not deleted, newest first.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.File, error) {
	return r.list(ctx, `SELECT `+fileColumns+` FROM files f
		WHERE f.owner_id = $1 AND f.state <> 'deleted'
		ORDER BY f.created_at DESC`, ownerID)
}

// ListSharedWith returns complete files with an active grant for granteeID.
func (r *PostgresRepository) ListSharedWith(ctx context.Context, granteeID string, now time.Time) ([]*models.File, error) {
	return r.list(ctx, `SELECT `+fileColumns+` FROM files f
		JOIN shared_files s ON s.file_id = f.id
		WHERE s.grantee_id = $1 AND f.state = 'complete' AND (s.expires_at IS NULL OR s.expires_at > $2)
		ORDER BY s.granted_at DESC`, granteeID, now)
}

// ListPurgeable returns deleted or failed files whose objects have not
// been purged yet.
func (r *PostgresRepository) ListPurgeable(ctx context.Context, limit int) ([]*models.File, error) {
	return r.list(ctx, `SELECT `+fileColumns+` FROM files f
		WHERE f.state IN ('deleted', 'failed') AND f.purged_at IS NULL
		ORDER BY f.created_at
		LIMIT $1`, limit)
}
