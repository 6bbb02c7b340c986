package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-passkey-backend/internal/domain"
	"github.com/sirosfoundation/go-passkey-backend/internal/storage"
)

func newRepoWithMock(t *testing.T) (*Repository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewRepository(db), mock, db
}

func TestCreateUser_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+users\s*\(id,\s*username,\s*created_at\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3\)\s*$`

	mock.ExpectExec(q).
		WithArgs(sqlmock.AnyArg(), "alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	user, err := repo.CreateUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.NotEqual(t, uuid.Nil, user.ID)
}

func TestCreateUser_Conflict(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT\s+INTO\s+users`).
		WithArgs(sqlmock.AnyArg(), "alice", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_username_key"})

	_, err := repo.CreateUser(context.Background(), "alice")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestGetUserByUsername_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT\s+id,\s*username,\s*created_at\s+FROM\s+users`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetUserByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetUserByID_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	id := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "username", "created_at"}).
		AddRow(id.String(), "alice", time.Now())

	mock.ExpectQuery(`SELECT\s+id,\s*username,\s*created_at\s+FROM\s+users\s+WHERE\s+id`).
		WithArgs(id).
		WillReturnRows(rows)

	user, err := repo.GetUserByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)
	assert.Equal(t, "alice", user.Username)
}

func TestSaveCredential_ForeignKeyViolation(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT\s+INTO\s+credentials`).
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "credentials_user_id_fkey"})

	cred := domain.NewCredential([]byte{0x01}, uuid.New(), []byte("pk"))
	err := repo.SaveCredential(context.Background(), cred)
	assert.ErrorIs(t, err, storage.ErrForeignKey)
}

func TestGetCredentialByID_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	userID := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "user_id", "public_key", "counter", "created_at"}).
		AddRow([]byte{0xAA}, userID.String(), []byte("pk"), int64(42), time.Now())

	mock.ExpectQuery(`SELECT\s+id,\s*user_id,\s*public_key,\s*counter,\s*created_at\s+FROM\s+credentials\s+WHERE\s+id`).
		WithArgs([]byte{0xAA}).
		WillReturnRows(rows)

	cred, err := repo.GetCredentialByID(context.Background(), []byte{0xAA})
	require.NoError(t, err)
	assert.Equal(t, uint32(42), cred.Counter)
	assert.Equal(t, userID, cred.UserID)
}

func TestGetCredentialsByUser(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	userID := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "user_id", "public_key", "counter", "created_at"}).
		AddRow([]byte{0x01}, userID.String(), []byte("pk1"), int64(0), time.Now()).
		AddRow([]byte{0x02}, userID.String(), []byte("pk2"), int64(3), time.Now())

	mock.ExpectQuery(`SELECT\s+id,\s*user_id,\s*public_key,\s*counter,\s*created_at\s+FROM\s+credentials\s+WHERE\s+user_id`).
		WithArgs(userID).
		WillReturnRows(rows)

	creds, err := repo.GetCredentialsByUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, creds, 2)
}

func TestUpdateCredential_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE\s+credentials\s+SET\s+public_key`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	cred := domain.NewCredential([]byte{0x01}, uuid.New(), []byte("pk"))
	err := repo.UpdateCredential(context.Background(), cred)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateCredential_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE\s+credentials\s+SET\s+public_key\s*=\s*\$1,\s*counter\s*=\s*\$2\s+WHERE\s+id\s*=\s*\$3`).
		WithArgs([]byte("pk"), int64(5), []byte{0x01}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cred := &domain.Credential{ID: []byte{0x01}, UserID: uuid.New(), PublicKey: []byte("pk"), Counter: 5}
	assert.NoError(t, repo.UpdateCredential(context.Background(), cred))
}

func TestDeleteCredential_Idempotent(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE\s+FROM\s+credentials\s+WHERE\s+id`).
		WithArgs([]byte{0x01}).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, repo.DeleteCredential(context.Background(), []byte{0x01}))
}
