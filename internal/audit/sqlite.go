package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	reservation_id INTEGER NOT NULL,
	slot           TEXT NOT NULL,
	event          TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_reservation ON audit_log(reservation_id);
`

// SQLiteStore is a Recorder backed by an embedded SQLite database.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: creating directory for %s: %w", path, err)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    2,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}

	slog.Info("audit log opened", "store", "sqlite", "path", path)
	return &SQLiteStore{pool: pool, path: path}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("audit: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("audit: schema: %w", err)
	}
	return nil
}

// Append inserts rec.
func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit: take: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`INSERT INTO audit_log (reservation_id, slot, event, detail, at) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{rec.ReservationID, rec.Slot, string(rec.Event), rec.Detail, rec.At.UnixNano()},
		})
}

// List returns up to limit records, newest first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: take: %w", err)
	}
	defer s.pool.Put(conn)

	var out []Record
	err = sqlitex.Execute(conn,
		`SELECT id, reservation_id, slot, event, detail, at FROM audit_log ORDER BY id DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, Record{
					ID:            stmt.ColumnInt64(0),
					ReservationID: stmt.ColumnInt64(1),
					Slot:          stmt.ColumnText(2),
					Event:         Event(stmt.ColumnText(3)),
					Detail:        stmt.ColumnText(4),
					At:            time.Unix(0, stmt.ColumnInt64(5)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return out, nil
}

// Close closes the pool.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("audit: closing %s: %w", s.path, err)
	}
	return nil
}
