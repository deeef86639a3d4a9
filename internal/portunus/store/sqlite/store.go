package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	dbpkg "github.com/BrandonDHaskell/Portunus/node/internal/db"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/store"
)

// Store is a store.Store over the records table. Reads go straight to the
// connection; every mutation is one transaction on the writer.
type Store struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func New(db *sql.DB, writer *dbpkg.Worker) *Store {
	return &Store{db: db, writer: writer}
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Read %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	return s.Commit(ctx, store.Put(key, value))
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Commit(ctx, store.Del(key))
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key FROM records
WHERE substr(key, 1, ?) = ?
ORDER BY key ASC;
`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("List %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("List scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("List rows: %w", err)
	}
	return keys, nil
}

func (s *Store) Commit(ctx context.Context, ops ...store.Op) error {
	if len(ops) == 0 {
		return nil
	}
	nowMs := time.Now().UTC().UnixMilli()

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, op := range ops {
			if op.Delete {
				if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?;`, op.Key); err != nil {
					return fmt.Errorf("Commit delete %s: %w", op.Key, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO records(key, value, updated_at_ms) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value = excluded.value,
  updated_at_ms = excluded.updated_at_ms;
`, op.Key, op.Value, nowMs); err != nil {
				return fmt.Errorf("Commit put %s: %w", op.Key, err)
			}
		}
		return nil
	})
	return mapFull(err)
}

// mapFull translates SQLITE_FULL (disk or max_page_count exhausted) into
// store.ErrFull so callers can apply backpressure.
func mapFull(err error) error {
	if err == nil {
		return nil
	}
	var se *msqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_FULL {
		return fmt.Errorf("%w: %w", store.ErrFull, err)
	}
	if strings.Contains(err.Error(), "database or disk is full") {
		return fmt.Errorf("%w: %w", store.ErrFull, err)
	}
	return err
}
