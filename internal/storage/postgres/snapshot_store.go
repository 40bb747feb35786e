// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/progress"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SnapshotStoreConfig controls the Postgres connection pool used for session
// snapshots.
type SnapshotStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// SnapshotStore persists session snapshots in Postgres. Each session is one
// row: a few indexed columns cached off the snapshot for querying, plus the
// full snapshot as jsonb. Writes are idempotent upserts keyed on session_id.
type SnapshotStore struct {
	pool  pgxPool
	table string
}

// NewSnapshotStore creates a Postgres-backed SnapshotStore using the provided config.
func NewSnapshotStore(ctx context.Context, cfg SnapshotStoreConfig) (*SnapshotStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "session_progress"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SnapshotStore{pool: pool, table: table}, nil
}

// NewSnapshotStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSnapshotStoreWithPool(pool pgxPool, table string) (*SnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "session_progress"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SnapshotStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveSnapshot upserts the session's row, replacing any previous snapshot.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap progress.Snapshot) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("snapshot store is not configured")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	session_id,
	status,
	current_phase,
	overall_percentage,
	status_message,
	last_update,
	snapshot
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)
ON CONFLICT (session_id) DO UPDATE SET
	status = EXCLUDED.status,
	current_phase = EXCLUDED.current_phase,
	overall_percentage = EXCLUDED.overall_percentage,
	status_message = EXCLUDED.status_message,
	last_update = EXCLUDED.last_update,
	snapshot = EXCLUDED.snapshot`, s.table)

	args := []any{
		snap.SessionID,
		string(snap.Status),
		snap.CurrentPhase,
		snap.OverallPercentage,
		snap.StatusMessage,
		snap.LastUpdate,
		payload,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert session snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads one session's snapshot.
func (s *SnapshotStore) GetSnapshot(ctx context.Context, sessionID uuid.UUID) (progress.Snapshot, error) {
	if s == nil || s.pool == nil {
		return progress.Snapshot{}, fmt.Errorf("snapshot store is not configured")
	}
	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE session_id = $1`, s.table)
	var payload []byte
	if err := s.pool.QueryRow(ctx, query, sessionID).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return progress.Snapshot{}, progress.ErrNotFound
		}
		return progress.Snapshot{}, fmt.Errorf("get session snapshot: %w", err)
	}
	var snap progress.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return progress.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// ListRunning returns every stored snapshot still in running status.
func (s *SnapshotStore) ListRunning(ctx context.Context) ([]progress.Snapshot, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("snapshot store is not configured")
	}
	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE status = $1 ORDER BY last_update`, s.table)
	rows, err := s.pool.Query(ctx, query, string(progress.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	defer rows.Close()

	var snaps []progress.Snapshot
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		var snap progress.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return snaps, nil
}
