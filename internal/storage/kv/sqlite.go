package kv

import (
	"context"
	"database/sql"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteFileName = "ledger.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
) WITHOUT ROWID;
`

// SQLiteStore keeps keys in a single SQLite table.
// Uses WAL journal mode so readers do not block the single writer.
type SQLiteStore struct {
	db *sql.DB
}

func sqlitePath(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, sqliteFileName)
}

// OpenSQLite creates or opens a SQLite database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	// SQLite supports a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to execute %q", pragma)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return value, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	`, key, value)
	if err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	return nil
}

// PutIfAbsent relies on ON CONFLICT DO NOTHING; RowsAffected tells the winner apart.
func (s *SQLiteStore) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, value)
	if err != nil {
		return false, errors.Wrapf(err, "put if absent %s", key)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "put if absent %s: rows affected", key)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE kv SET value = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE key = ? AND value = ?
	`, next, key, prev)
	if err != nil {
		return false, errors.Wrapf(err, "compare and swap %s", key)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "compare and swap %s: rows affected", key)
	}
	return rows == 1, nil
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv
		WHERE substr(key, 1, length(?)) = ?
		ORDER BY key ASC
	`, prefix, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "list keys %s", prefix)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "scan key")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
