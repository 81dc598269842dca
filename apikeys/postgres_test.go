package apikeys_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/nwardle/chartreg/apikeys"
	apperrors "github.com/nwardle/chartreg/internal/errors"
)

func newRepoForTest(t *testing.T) (*apikeys.PostgresRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return apikeys.NewPostgresRepo(db), mock
}

func TestPostgresCreate(t *testing.T) {
	repo, mock := newRepoForTest(t)
	now := time.Now().UTC()
	expiresAt := now.Add(time.Hour)

	mock.ExpectQuery("INSERT INTO api_keys").
		WithArgs("publish", "ci key", "tok", int64(7), expiresAt).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(3), now))

	key := &apikeys.APIKey{Name: "publish", Description: "ci key", Token: "tok", Owner: 7, ExpiresAt: &expiresAt}
	require.NoError(t, repo.Create(context.Background(), key))
	require.EqualValues(t, 3, key.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetByToken(t *testing.T) {
	repo, mock := newRepoForTest(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE token").
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "token", "owner", "expires_at", "created_at"}).
			AddRow(int64(3), "publish", "", "tok", int64(7), nil, now))

	key, err := repo.GetByToken(context.Background(), "tok")
	require.NoError(t, err)
	require.EqualValues(t, 3, key.ID)
	require.Nil(t, key.ExpiresAt)

	mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE token").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "token", "owner", "expires_at", "created_at"}))

	_, err = repo.GetByToken(context.Background(), "missing")
	require.ErrorIs(t, err, apperrors.ErrAPIKeyNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
