package db

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nwardle/chartreg/internal/config"
)

// ConnectRedis opens the shared store used for rate-limit and session state.
// Keyspace-event notifications for expired keys are enabled so the
// expiration manager can react to expiry pushes instead of polling; managed
// Redis offerings often forbid CONFIG, so failure to enable them only
// degrades to the scheduled-deletion path.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	if err := client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		log.Warn().Err(err).Msg("could not enable keyspace notifications, expiry pushes disabled")
	}

	return client, nil
}
