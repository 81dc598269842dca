package users

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	apperrors "github.com/nwardle/chartreg/internal/errors"
)

var _ Repo = (*PostgresRepo)(nil)

// PostgresRepo stores users in the registry's relational database.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const userColumns = "id, username, email, password, name, admin, created_at, updated_at"

func (r *PostgresRepo) Create(ctx context.Context, user *User) error {
	query := `INSERT INTO users (username, email, password, name, admin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW()) RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		user.Username, user.Email, user.Password, user.Name, user.Admin,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "PostgresRepo.Create")
	}
	return nil
}

func (r *PostgresRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	return r.getBy(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
}

func (r *PostgresRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.getBy(ctx, "SELECT "+userColumns+" FROM users WHERE username = $1", username)
}

func (r *PostgresRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.getBy(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email)
}

func (r *PostgresRepo) getBy(ctx context.Context, query string, arg any) (*User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Username, &user.Email, &user.Password,
		&user.Name, &user.Admin, &user.CreatedAt, &user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "PostgresRepo.getBy")
	}
	return &user, nil
}

func (r *PostgresRepo) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE users SET password = $1, updated_at = NOW() WHERE id = $2", passwordHash, id)
	if err != nil {
		return errors.Wrap(err, "PostgresRepo.UpdatePassword")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperrors.ErrUserNotFound
	}
	return nil
}

func (r *PostgresRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return errors.Wrap(err, "PostgresRepo.Delete")
	}
	return nil
}
