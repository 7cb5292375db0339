package shares

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

var shareCols = []string{"file_id", "grantee_id", "granted_by", "granted_at", "expires_at"}

func TestCreate(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	exp := at.Add(time.Hour)

	mock.ExpectExec(`INSERT INTO shared_files`).
		WithArgs("f1", "u2", "u1", at, exp).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &models.SharedFile{
		FileID: "f1", GranteeID: "u2", GrantedBy: "u1", GrantedAt: at, ExpiresAt: &exp,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_Conflict(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`INSERT INTO shared_files`).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	err := repo.Create(context.Background(), &models.SharedFile{FileID: "f1", GranteeID: "u2"})
	require.ErrorIs(t, err, common.ErrConflict)
}

func TestGet(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM shared_files WHERE file_id = \$1 AND grantee_id = \$2`).
		WithArgs("f1", "u2").
		WillReturnRows(sqlmock.NewRows(shareCols).AddRow("f1", "u2", "u1", at, nil))

	sh, err := repo.Get(context.Background(), "f1", "u2")
	require.NoError(t, err)
	assert.Nil(t, sh.ExpiresAt)
	assert.True(t, sh.ActiveAt(at.Add(24*time.Hour)))
}

func TestGet_NotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`FROM shared_files`).WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "f1", "u2")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestDelete(t *testing.T) {
	q := regexp.QuoteMeta(`DELETE FROM shared_files WHERE file_id = $1 AND grantee_id = $2`)

	t.Run("existing", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(q).WithArgs("f1", "u2").WillReturnResult(sqlmock.NewResult(0, 1))
		ok, err := repo.Delete(context.Background(), "f1", "u2")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("missing", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(q).WithArgs("f1", "u3").WillReturnResult(sqlmock.NewResult(0, 0))
		ok, err := repo.Delete(context.Background(), "f1", "u3")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("db error", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(q).WillReturnError(errors.New("down"))
		_, err := repo.Delete(context.Background(), "f1", "u3")
		require.Error(t, err)
	})
}

func TestListByFile(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	at := time.Now()
	exp := at.Add(-time.Minute)

	mock.ExpectQuery(`FROM shared_files WHERE file_id = \$1 ORDER BY granted_at`).
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows(shareCols).
			AddRow("f1", "u2", "u1", at, nil).
			AddRow("f1", "u3", "u1", at, exp))

	got, err := repo.ListByFile(context.Background(), "f1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[1].ExpiresAt)
	assert.False(t, got[1].ActiveAt(at))
}
