// Package postgres implements the credential repository on PostgreSQL,
// wiring together the pgx driver and schema migrations (via goose).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/sirosfoundation/go-passkey-backend/internal/domain"
	"github.com/sirosfoundation/go-passkey-backend/internal/storage"
	"github.com/sirosfoundation/go-passkey-backend/internal/storage/postgres/migrations"
)

// PostgreSQL error codes used to translate constraint violations into
// storage sentinel errors.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Config controls connection behavior for the repository.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	// ConnectRetries bounds the ping attempts made before giving up at
	// startup; RetryDelay is the pause between attempts.
	ConnectRetries int
	RetryDelay     time.Duration
}

// Repository implements storage.Repository backed by PostgreSQL.
type Repository struct {
	db *sql.DB
}

// Open connects to PostgreSQL, waits for the database to accept
// connections, and runs pending migrations.
func Open(ctx context.Context, cfg Config) (*Repository, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	var pingErr error
	for attempt := 0; attempt < retries; attempt++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database not reachable: %w", pingErr)
	}

	repo := &Repository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return repo, nil
}

// NewRepository wraps an existing database handle. Migrations are not run;
// used by tests that provide their own connection.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) runMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	return goose.UpContext(ctx, r.db, ".")
}

func (r *Repository) CreateUser(ctx context.Context, username string) (*domain.User, error) {
	user := domain.NewUser(username)

	query :=
		`INSERT INTO users (id, username, created_at)
		 VALUES ($1, $2, $3)
		 `

	_, err := r.db.ExecContext(ctx, query, user.ID, user.Username, user.CreatedAt)
	if err != nil {
		if isPgError(err, codeUniqueViolation) {
			return nil, storage.ErrConflict
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query :=
		`SELECT id, username, created_at FROM users
		 WHERE username = $1
		 `

	user := &domain.User{}
	err := r.db.QueryRowContext(ctx, query, username).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	query :=
		`SELECT id, username, created_at FROM users
		 WHERE id = $1
		 `

	user := &domain.User{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func (r *Repository) SaveCredential(ctx context.Context, credential *domain.Credential) error {
	query :=
		`INSERT INTO credentials (id, user_id, public_key, counter, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 `

	_, err := r.db.ExecContext(ctx, query,
		credential.ID, credential.UserID, credential.PublicKey,
		int64(credential.Counter), credential.CreatedAt)
	if err != nil {
		if isPgError(err, codeForeignKeyViolation) {
			return storage.ErrForeignKey
		}
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

func (r *Repository) GetCredentialsByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Credential, error) {
	query :=
		`SELECT id, user_id, public_key, counter, created_at FROM credentials
		 WHERE user_id = $1
		 `

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	creds := make([]*domain.Credential, 0)
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return creds, nil
}

func (r *Repository) GetCredentialByID(ctx context.Context, credentialID []byte) (*domain.Credential, error) {
	query :=
		`SELECT id, user_id, public_key, counter, created_at FROM credentials
		 WHERE id = $1
		 `

	cred, err := scanCredential(r.db.QueryRowContext(ctx, query, credentialID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	return cred, nil
}

func (r *Repository) UpdateCredential(ctx context.Context, credential *domain.Credential) error {
	query :=
		`UPDATE credentials SET public_key = $1, counter = $2
		 WHERE id = $3
		 `

	res, err := r.db.ExecContext(ctx, query,
		credential.PublicKey, int64(credential.Counter), credential.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *Repository) DeleteCredential(ctx context.Context, credentialID []byte) error {
	query :=
		`DELETE FROM credentials
		 WHERE id = $1
		 `

	// Idempotent: zero affected rows is not an error
	if _, err := r.db.ExecContext(ctx, query, credentialID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*domain.Credential, error) {
	cred := &domain.Credential{}
	var counter int64
	if err := row.Scan(&cred.ID, &cred.UserID, &cred.PublicKey, &counter, &cred.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	cred.Counter = uint32(counter)
	return cred, nil
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
