package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id             BIGSERIAL PRIMARY KEY,
	reservation_id BIGINT NOT NULL,
	slot           TEXT NOT NULL,
	event          TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	at             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_reservation ON audit_log(reservation_id);
`

// PostgresStore is a Recorder backed by a PostgreSQL pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and migrates the audit table.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	slog.Info("audit log opened", "store", "postgres", "host", cfg.ConnConfig.Host)
	return &PostgresStore{pool: pool}, nil
}

// Append inserts rec.
func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (reservation_id, slot, event, detail, at) VALUES ($1, $2, $3, $4, $5)`,
		rec.ReservationID, rec.Slot, string(rec.Event), rec.Detail, rec.At)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, reservation_id, slot, event, detail, at FROM audit_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var event string
		if err := rows.Scan(&rec.ID, &rec.ReservationID, &rec.Slot, &event, &rec.Detail, &rec.At); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		rec.Event = Event(event)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
