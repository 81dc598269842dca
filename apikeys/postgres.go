package apikeys

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	apperrors "github.com/nwardle/chartreg/internal/errors"
)

var _ Repo = (*PostgresRepo)(nil)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const keyColumns = "id, name, description, token, owner, expires_at, created_at"

func (r *PostgresRepo) Create(ctx context.Context, key *APIKey) error {
	query := `INSERT INTO api_keys (name, description, token, owner, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query,
		key.Name, key.Description, key.Token, key.Owner, key.ExpiresAt,
	).Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "PostgresRepo.Create")
	}
	return nil
}

func (r *PostgresRepo) GetByID(ctx context.Context, id int64) (*APIKey, error) {
	return r.getBy(ctx, "SELECT "+keyColumns+" FROM api_keys WHERE id = $1", id)
}

func (r *PostgresRepo) GetByToken(ctx context.Context, token string) (*APIKey, error) {
	return r.getBy(ctx, "SELECT "+keyColumns+" FROM api_keys WHERE token = $1", token)
}

func (r *PostgresRepo) getBy(ctx context.Context, query string, arg any) (*APIKey, error) {
	var key APIKey
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&key.ID, &key.Name, &key.Description, &key.Token,
		&key.Owner, &key.ExpiresAt, &key.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "PostgresRepo.getBy")
	}
	return &key, nil
}

func (r *PostgresRepo) ListByOwner(ctx context.Context, owner int64) ([]APIKey, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+keyColumns+" FROM api_keys WHERE owner = $1 ORDER BY id", owner)
	if err != nil {
		return nil, errors.Wrap(err, "PostgresRepo.ListByOwner")
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var key APIKey
		if err := rows.Scan(
			&key.ID, &key.Name, &key.Description, &key.Token,
			&key.Owner, &key.ExpiresAt, &key.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "PostgresRepo.ListByOwner scan")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *PostgresRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM api_keys WHERE id = $1", id)
	if err != nil {
		return errors.Wrap(err, "PostgresRepo.Delete")
	}
	return nil
}
