// Package store keeps a PostgreSQL ledger of export runs.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/exportcap/internal/capture"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Attempt is one strategy's verdict within a run.
type Attempt struct {
	Strategy string
	Outcome  string
	Error    string
	Elapsed  time.Duration
}

// Run is one export request as recorded in the ledger.
type Run struct {
	ID         string
	RequestID  string
	Label      string
	TriggerID  string
	OutputPath string
	Source     string
	Bytes      int
	MIME       string
	Success    bool
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Attempts   []Attempt
}

// RunFromResult flattens a capture result for storage.
func RunFromResult(req capture.ExportRequest, res capture.CaptureResult, started, finished time.Time) Run {
	run := Run{
		ID:         uuid.NewString(),
		RequestID:  req.ID(),
		Label:      req.Label(),
		TriggerID:  req.TriggerID(),
		OutputPath: req.OutputPath(),
		Source:     string(res.Source),
		Bytes:      len(res.Data),
		MIME:       res.MIME,
		Success:    res.Success(),
		StartedAt:  started,
		FinishedAt: finished,
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	for _, o := range res.Outcomes {
		a := Attempt{Strategy: string(o.Strategy), Outcome: o.Kind.String(), Elapsed: o.Elapsed}
		if o.Err != nil {
			a.Error = o.Err.Error()
		}
		run.Attempts = append(run.Attempts, a)
	}
	return run
}

// Store records export runs in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// Connect opens a pgx pool for url.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return pool, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

const schemaSQL = `
        CREATE TABLE IF NOT EXISTS export_runs (
            id UUID PRIMARY KEY,
            request_id TEXT NOT NULL,
            label TEXT NOT NULL,
            trigger_id TEXT NOT NULL,
            output_path TEXT NOT NULL,
            source TEXT NOT NULL,
            bytes INTEGER NOT NULL,
            mime TEXT NOT NULL,
            success BOOLEAN NOT NULL,
            error TEXT NOT NULL,
            started_at TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ NOT NULL
        );
        CREATE TABLE IF NOT EXISTS export_attempts (
            run_id UUID NOT NULL REFERENCES export_runs (id) ON DELETE CASCADE,
            position INTEGER NOT NULL,
            strategy TEXT NOT NULL,
            outcome TEXT NOT NULL,
            error TEXT NOT NULL,
            elapsed_ms BIGINT NOT NULL,
            PRIMARY KEY (run_id, position)
        );
    `

// EnsureSchema creates the ledger tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const insertRunSQL = `
        INSERT INTO export_runs (id, request_id, label, trigger_id, output_path, source, bytes, mime, success, error, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
    `

var attemptColumns = []string{"run_id", "position", "strategy", "outcome", "error", "elapsed_ms"}

// RecordExport stores a run and its attempts in one transaction.
func (s *Store) RecordExport(ctx context.Context, run Run) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, insertRunSQL,
		run.ID, run.RequestID, run.Label, run.TriggerID, run.OutputPath,
		run.Source, run.Bytes, run.MIME, run.Success, run.Error,
		run.StartedAt, run.FinishedAt,
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	if len(run.Attempts) > 0 {
		rows := make([][]interface{}, len(run.Attempts))
		for i, a := range run.Attempts {
			rows[i] = []interface{}{run.ID, i + 1, a.Strategy, a.Outcome, a.Error, a.Elapsed.Milliseconds()}
		}
		copied, err := tx.CopyFrom(ctx, pgx.Identifier{"export_attempts"}, attemptColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy attempts: %w", err)
		}
		if int(copied) != len(rows) {
			return fmt.Errorf("mismatch in copied attempts count: expected %d, got %d", len(rows), copied)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Export run recorded.", zap.String("run_id", run.ID), zap.Bool("success", run.Success))
	return nil
}

const recentRunsSQL = `
        SELECT id, request_id, label, trigger_id, output_path, source, bytes, mime, success, error, started_at, finished_at
        FROM export_runs
        ORDER BY started_at DESC
        LIMIT $1;
    `

// RecentRuns lists the latest runs, newest first, without their attempts.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, recentRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.ID, &r.RequestID, &r.Label, &r.TriggerID, &r.OutputPath,
			&r.Source, &r.Bytes, &r.MIME, &r.Success, &r.Error,
			&r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}
