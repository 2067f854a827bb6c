package pg

import (
	"chatty/logger"
	"chatty/tools/errs"
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	DSN      string
	MaxConns int32
	MaxRetry int
}

// NewPool opens a pgx pool and pings it, retrying with a short backoff.
func NewPool(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	if c.DSN == "" {
		return nil, errs.ErrArgs.WrapMsg("postgres dsn is required")
	}
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg("parse postgres dsn", "err", err)
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errs.WrapMsg(err, "create pgx pool")
	}
	for i := 0; i < c.MaxRetry; i++ {
		if err = pool.Ping(ctx); err == nil {
			return pool, nil
		}
		logger.Warnf("[PG] ping failed attempt=%d err=%v", i+1, err)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, errs.Wrap(ctx.Err())
		case <-time.After(time.Second / 2):
		}
	}
	pool.Close()
	return nil, errs.WrapMsg(err, "postgres unreachable")
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id          TEXT PRIMARY KEY,
    email       TEXT NOT NULL UNIQUE,
    full_name   TEXT NOT NULL,
    password    TEXT NOT NULL,
    profile_pic TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id          TEXT PRIMARY KEY,
    sender_id   TEXT NOT NULL,
    receiver_id TEXT NOT NULL,
    text        TEXT NOT NULL DEFAULT '',
    image       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (sender_id, receiver_id, created_at);
`

// Migrate creates the tables the stores need.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return errs.WrapMsg(err, "postgres migrate")
	}
	return nil
}
