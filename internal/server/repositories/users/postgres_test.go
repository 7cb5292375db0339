package users

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/filevault/internal/common"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

var userCols = []string{"id", "display_name", "storage_used", "storage_limit", "created_at"}

func TestEnsure(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	created := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)INSERT INTO users.*ON CONFLICT \(id\) DO UPDATE.*RETURNING id, display_name, storage_used, storage_limit, created_at`).
		WithArgs("u1", "Alice", int64(2<<30)).
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "Alice", int64(10), int64(2<<30), created))

	u, err := repo.Ensure(context.Background(), "u1", "Alice", 2<<30)
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.DisplayName)
	assert.Equal(t, int64(10), u.StorageUsed)
	assert.Equal(t, int64(2<<30), u.StorageLimit)
	assert.Equal(t, created, u.CreatedAt)
}

func TestEnsure_DBError(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`INSERT INTO users`).WillReturnError(errors.New("down"))

	_, err := repo.Ensure(context.Background(), "u1", "", 1)
	require.Error(t, err)
}

func TestGet(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`FROM users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "", int64(0), int64(100), time.Now()))

	u, err := repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.StorageLimit)
}

func TestGet_NotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`FROM users WHERE id = \$1`).WithArgs("nobody").WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "nobody")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestReserve(t *testing.T) {
	q := regexp.QuoteMeta(`UPDATE users SET storage_used = storage_used + $2 WHERE id = $1 AND storage_used + $2 <= storage_limit`)

	t.Run("fits", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(q).WithArgs("u1", int64(500)).WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, repo.Reserve(context.Background(), "u1", 500))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("over quota", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(q).WithArgs("u1", int64(500)).WillReturnResult(sqlmock.NewResult(0, 0))
		require.ErrorIs(t, repo.Reserve(context.Background(), "u1", 500), common.ErrQuotaExceeded)
	})

	t.Run("db error", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(q).WillReturnError(errors.New("down"))
		err := repo.Reserve(context.Background(), "u1", 500)
		require.Error(t, err)
		require.NotErrorIs(t, err, common.ErrQuotaExceeded)
	})
}

func TestRelease(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET storage_used = GREATEST(storage_used - $2, 0) WHERE id = $1`)).
		WithArgs("u1", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Release(context.Background(), "u1", 42))
	require.NoError(t, mock.ExpectationsWereMet())
}
