package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgxpool-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool, pings it, and ensures the schema
// exists, matching the teacher's connect-then-ensureSchema sequencing.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create postgres pool: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("store: not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS manifest_snapshots (
			id BIGSERIAL PRIMARY KEY,
			raw JSONB NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS program_stats (
			tenant_name TEXT PRIMARY KEY,
			live_update_count BIGINT NOT NULL DEFAULT 0,
			live_update_bytes BIGINT NOT NULL DEFAULT 0,
			reservation_timeout_count BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS live_update_history (
			id BIGSERIAL PRIMARY KEY,
			tenant_name TEXT NOT NULL,
			old_generation BIGINT NOT NULL,
			new_generation BIGINT NOT NULL,
			bytes_transferred BIGINT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_live_update_history_tenant
			ON live_update_history (tenant_name, occurred_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveManifestSnapshot(ctx context.Context, raw json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO manifest_snapshots (raw, taken_at) VALUES ($1, $2)`,
		raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: save manifest snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestManifestSnapshot(ctx context.Context) (json.RawMessage, time.Time, error) {
	var raw json.RawMessage
	var takenAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT raw, taken_at FROM manifest_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&raw, &takenAt)
	if err == pgx.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("store: latest manifest snapshot: %w", err)
	}
	return raw, takenAt, nil
}

func (s *PostgresStore) RecordLiveUpdate(ctx context.Context, tenantName string, bytesTransferred int64) (*LiveUpdateRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: record live update: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var prevGeneration int64
	err = tx.QueryRow(ctx,
		`SELECT live_update_count FROM program_stats WHERE tenant_name = $1 FOR UPDATE`,
		tenantName).Scan(&prevGeneration)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("store: record live update: read stats: %w", err)
	}

	now := time.Now().UTC()
	newGeneration := prevGeneration + 1

	_, err = tx.Exec(ctx, `
		INSERT INTO program_stats (tenant_name, live_update_count, live_update_bytes, reservation_timeout_count, updated_at)
		VALUES ($1, 1, $2, 0, $3)
		ON CONFLICT (tenant_name) DO UPDATE SET
			live_update_count = program_stats.live_update_count + 1,
			live_update_bytes = program_stats.live_update_bytes + EXCLUDED.live_update_bytes,
			updated_at = EXCLUDED.updated_at`,
		tenantName, bytesTransferred, now)
	if err != nil {
		return nil, fmt.Errorf("store: record live update: upsert stats: %w", err)
	}

	rec := &LiveUpdateRecord{
		TenantName:       tenantName,
		OldGeneration:    prevGeneration,
		NewGeneration:    newGeneration,
		BytesTransferred: bytesTransferred,
		OccurredAt:       now,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO live_update_history (tenant_name, old_generation, new_generation, bytes_transferred, occurred_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		rec.TenantName, rec.OldGeneration, rec.NewGeneration, rec.BytesTransferred, rec.OccurredAt,
	).Scan(&rec.ID)
	if err != nil {
		return nil, fmt.Errorf("store: record live update: insert history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: record live update: commit: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) IncrReservationTimeout(ctx context.Context, tenantName string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO program_stats (tenant_name, live_update_count, live_update_bytes, reservation_timeout_count, updated_at)
		VALUES ($1, 0, 0, 1, $2)
		ON CONFLICT (tenant_name) DO UPDATE SET
			reservation_timeout_count = program_stats.reservation_timeout_count + 1,
			updated_at = EXCLUDED.updated_at`,
		tenantName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: incr reservation timeout: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProgramStats(ctx context.Context, tenantName string) (*ProgramStats, error) {
	stats := &ProgramStats{TenantName: tenantName}
	err := s.pool.QueryRow(ctx, `
		SELECT live_update_count, live_update_bytes, reservation_timeout_count, updated_at
		FROM program_stats WHERE tenant_name = $1`, tenantName,
	).Scan(&stats.LiveUpdateCount, &stats.LiveUpdateBytes, &stats.ReservationTimeoutCount, &stats.UpdatedAt)
	if err == pgx.ErrNoRows {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get program stats %q: %w", tenantName, err)
	}
	return stats, nil
}

func (s *PostgresStore) ListLiveUpdateHistory(ctx context.Context, tenantName string, limit int) ([]*LiveUpdateRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_name, old_generation, new_generation, bytes_transferred, occurred_at
		FROM live_update_history WHERE tenant_name = $1
		ORDER BY occurred_at DESC LIMIT $2`, tenantName, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list live update history %q: %w", tenantName, err)
	}
	defer rows.Close()

	var out []*LiveUpdateRecord
	for rows.Next() {
		rec := &LiveUpdateRecord{}
		if err := rows.Scan(&rec.ID, &rec.TenantName, &rec.OldGeneration, &rec.NewGeneration,
			&rec.BytesTransferred, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("store: scan live update history: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
