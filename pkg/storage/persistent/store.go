package persistent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool" // Using pgx pool
)

// Ensure Store implements the storage.ResultSink interface at compile time
var _ storage.ResultSink = (*Store)(nil)

const (
	upsertRunSQL = `
		INSERT INTO execution_runs (
			request_id, state, error, total, completed, failed,
			results, started_at, ended_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, NOW()
		)
		ON CONFLICT (request_id) DO UPDATE SET
			state = EXCLUDED.state,
			error = EXCLUDED.error,
			total = EXCLUDED.total,
			completed = EXCLUDED.completed,
			failed = EXCLUDED.failed,
			results = EXCLUDED.results,
			started_at = COALESCE(EXCLUDED.started_at, execution_runs.started_at),
			ended_at = EXCLUDED.ended_at,
			updated_at = NOW();
	`
	getRunSQL = `
		SELECT request_id, state, error, total, completed, failed,
		       results, started_at, ended_at
		FROM execution_runs
		WHERE request_id = $1;
	`
	listRunsSQL = `
		SELECT request_id, state, error, total, completed, failed,
		       results, started_at, ended_at
		FROM execution_runs
		ORDER BY started_at DESC NULLS LAST
		LIMIT $1;
	`

	// SQL for creating the table (for reference)
	/*
		-- Run this manually or via migrations after connecting to the DB:
		CREATE TABLE IF NOT EXISTS execution_runs (
			request_id VARCHAR(36) PRIMARY KEY,       -- UUID
			state VARCHAR(20) NOT NULL,
			error TEXT,
			total INT NOT NULL,
			completed INT NOT NULL,
			failed INT NOT NULL,
			results JSONB NOT NULL,                   -- Full per-test record list
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_execution_runs_state ON execution_runs (state);
		CREATE INDEX IF NOT EXISTS idx_execution_runs_started_at ON execution_runs (started_at);
	*/
)

// Store persists terminal run snapshots to PostgreSQL.
type Store struct {
	db     *pgxpool.Pool // PostgreSQL connection pool
	logger *slog.Logger
}

// NewStore connects to PostgreSQL and verifies the connection.
func NewStore(postgresDSN string, logger *slog.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, postgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	logger.Info("PostgreSQL connection established")

	return &Store{db: pool, logger: logger.With(slog.String("component", "result_sink"))}, nil
}

// SaveRun upserts the terminal snapshot of one run. The per-test records go
// into a JSONB column; the dashboard reads them back as-is.
func (s *Store) SaveRun(ctx context.Context, snap models.RunSnapshot) error {
	results, err := json.Marshal(snap.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal run results: %w", err)
	}

	_, err = s.db.Exec(ctx, upsertRunSQL,
		snap.RequestID,
		string(snap.State),
		nullableString(snap.Error),
		snap.Total,
		snap.Completed,
		snap.Failed,
		results,
		snap.StartedAt,
		snap.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run '%s': %w", snap.RequestID, err)
	}
	s.logger.Info("Persisted terminal run snapshot",
		slog.String("request_id", snap.RequestID),
		slog.String("state", string(snap.State)))
	return nil
}

// GetRun retrieves one persisted snapshot. Returns (nil, nil) when the
// request id is unknown.
func (s *Store) GetRun(ctx context.Context, requestID string) (*models.RunSnapshot, error) {
	row := s.db.QueryRow(ctx, getRunSQL, requestID)
	snap, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run '%s': %w", requestID, err)
	}
	return snap, nil
}

// ListRuns returns the most recent persisted snapshots.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.RunSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, listRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var snaps []models.RunSnapshot
	for rows.Next() {
		snap, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.logger.Info("Closing PostgreSQL connection pool")
	s.db.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.RunSnapshot, error) {
	var snap models.RunSnapshot
	var errMsg *string
	var results []byte

	err := row.Scan(
		&snap.RequestID,
		&snap.State,
		&errMsg,
		&snap.Total,
		&snap.Completed,
		&snap.Failed,
		&results,
		&snap.StartedAt,
		&snap.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		snap.Error = *errMsg
	}
	if err := json.Unmarshal(results, &snap.Results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run results: %w", err)
	}
	return &snap, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
