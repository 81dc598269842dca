package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/nwardle/chartreg/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ConnectPostgres opens the PostgreSQL pool backing user accounts and API
// key records. A missing DSN returns a nil handle so the core can run
// store-less in tests and smoke setups.
func ConnectPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, nil
	}

	pg, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	pg.SetMaxOpenConns(cfg.MaxOpenConns)
	pg.SetMaxIdleConns(cfg.MaxIdleConns)
	pg.SetConnMaxIdleTime(cfg.MaxIdleTime)

	pingCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := pg.PingContext(pingCtx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
