package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	zerolog "github.com/jackc/pgx-zerolog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/config"
	"github.com/tasklineio/jobrunner-http-service/common/redis"
)

// DB bundles the connections the service injects into its collaborators.
type DB struct {
	Pool  *pgxpool.Pool
	Redis *redis.RedisClient
}

// New creates a new DB instance.
func New(pool *pgxpool.Pool, redisClient *redis.RedisClient) (*DB, error) {
	if pool == nil {
		return nil, errors.New("cannot use nil database pool")
	}
	return &DB{
		Pool:  pool,
		Redis: redisClient,
	}, nil
}

// Close closes the database connection.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Redis != nil {
		if err := db.Redis.Close(); err != nil {
			log.Warn().Err(err).Msg("closing redis client")
		}
	}
}

// Ping checks if the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// SetupDatabase initializes the Postgres pool and the Redis client.
func SetupDatabase(ctx context.Context, cfg config.Config) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PgSql.ConnStr())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolCfg.MaxConns = 20
	poolCfg.MinConns = 5
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	logger := zerolog.NewLogger(log.Logger)
	poolCfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   logger,
		LogLevel: tracelog.LogLevelWarn,
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	redisClient, err := redis.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating Redis client: %w", err)
	}

	return New(pool, redisClient)
}
