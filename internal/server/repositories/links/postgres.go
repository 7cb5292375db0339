package links

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/server/models"
)

const linkColumns = `link_id, file_id, kind, expires_at, created_at, created_by, max_access, access_count`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanLink(row *sql.Row) (*models.DownloadLink, error) {
	var (
		l       models.DownloadLink
		kind    string
		expires sql.NullTime
	)
	err := row.Scan(&l.ID, &l.FileID, &kind, &expires, &l.CreatedAt, &l.CreatedBy, &l.MaxAccess, &l.AccessCount)
	if err != nil {
		if dbx.IsNoRows(err) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	l.Kind = models.LinkKind(kind)
	if expires.Valid {
		v := expires.Time
		l.ExpiresAt = &v
	}
	return &l, nil
}

func (r *PostgresRepository) Create(ctx context.Context, link *models.DownloadLink) error {
	query := `
		INSERT INTO download_links (link_id, file_id, kind, expires_at, created_at, created_by, max_access)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	var expires sql.NullTime
	if link.ExpiresAt != nil {
		expires = sql.NullTime{Time: *link.ExpiresAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		link.ID, link.FileID, string(link.Kind), expires, link.CreatedAt, link.CreatedBy, link.MaxAccess)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return fmt.Errorf("%w: link for file %s", common.ErrConflict, link.FileID)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, linkID string) (*models.DownloadLink, error) {
	return scanLink(r.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM download_links WHERE link_id = $1`, linkID))
}

func (r *PostgresRepository) GetPermanent(ctx context.Context, fileID string) (*models.DownloadLink, error) {
	return scanLink(r.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM download_links WHERE file_id = $1 AND kind = 'permanent'`, fileID))
}

func (r *PostgresRepository) Consume(ctx context.Context, linkID string, now time.Time) (string, error) {
	query := `
		UPDATE download_links dl
		SET access_count = dl.access_count + 1
		FROM files f
		WHERE dl.link_id = $1
			AND f.id = dl.file_id
			AND f.state = 'complete'
			AND (dl.expires_at IS NULL OR dl.expires_at > $2)
			AND (dl.max_access = -1 OR dl.access_count < dl.max_access)
		RETURNING dl.file_id`

	var fileID string
	if err := r.db.QueryRowContext(ctx, query, linkID, now).Scan(&fileID); err != nil {
		if dbx.IsNoRows(err) {
			return "", common.ErrorNotFound
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return fileID, nil
}

func (r *PostgresRepository) deleteWhere(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) DeleteByFile(ctx context.Context, fileID string) (int64, error) {
	return r.deleteWhere(ctx, `DELETE FROM download_links WHERE file_id = $1`, fileID)
}

func (r *PostgresRepository) DeleteInert(ctx context.Context, now time.Time) (int64, error) {
	return r.deleteWhere(ctx, `DELETE FROM download_links
		WHERE (expires_at IS NOT NULL AND expires_at <= $1)
			OR (max_access <> -1 AND access_count >= max_access)`, now)
}
