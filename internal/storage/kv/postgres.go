package kv

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps keys in a PostgreSQL table through a pgx pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// OpenPostgres connects to dsn, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse database config")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to ping database")
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to apply schema")
	}

	return &PostgresStore{db: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx, "SELECT value FROM kv_entries WHERE key = $1", key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return value, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO kv_entries (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	return nil
}

func (s *PostgresStore) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO kv_entries (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, value)
	if err != nil {
		return false, errors.Wrapf(err, "put if absent %s", key)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE kv_entries SET value = $1, updated_at = now()
		WHERE key = $2 AND value = $3
	`, next, key, prev)
	if err != nil {
		return false, errors.Wrapf(err, "compare and swap %s", key)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT key FROM kv_entries
		WHERE left(key, length($1)) = $1
		ORDER BY key ASC
	`, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "list keys %s", prefix)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "scan keys")
	}
	return keys, nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
