package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
)

const sqliteRetryMaxElapsed = 10 * time.Second

const schema = `CREATE TABLE IF NOT EXISTS documents (
	path TEXT PRIMARY KEY,
	body BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps documents in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = sqliteRetryMaxElapsed
	return bo
}

// isBusy reports whether err is a transient lock error worth retrying.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func (s *SQLiteStore) withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newRetryBackoff(), ctx))
}

// Get reads a document. Missing documents return nil, nil.
func (s *SQLiteStore) Get(ctx context.Context, p string) ([]byte, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE path = ?`, clean).Scan(&body)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", p, err)
	}
	return body, nil
}

// Put inserts or replaces a document.
func (s *SQLiteStore) Put(ctx context.Context, p string, doc []byte) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO documents (path, body, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
			clean, doc, time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", p, err)
	}
	return nil
}

// Exists reports whether a document is present.
func (s *SQLiteStore) Exists(ctx context.Context, p string) (bool, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return false, err
	}
	var n int
	err = s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM documents WHERE path = ?`, clean).Scan(&n)
	})
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", p, err)
	}
	return n > 0, nil
}

// List returns document paths starting with prefix in lexical order.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := s.withRetry(ctx, func() error {
		paths = paths[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT path FROM documents WHERE path LIKE ? ESCAPE '\' ORDER BY path`,
			escapeLike(prefix)+"%")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return err
			}
			paths = append(paths, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return paths, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
