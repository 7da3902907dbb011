// ============================================================================
// fractalpool run history - SQLite record of calculated images
// ============================================================================
//
// Package: internal/history
// File: history.go
// Purpose: Persist one row per image run so "fractalpooluser history" can show
//          what was calculated, how it ended and which failovers happened.
//
// Table image_runs:
//   id TEXT PRIMARY KEY        job ID of the run
//   status                     completed | failed | cancelled
//   units_* / failovers        counts at the end of the run
//   failover_log TEXT          JSON array of failover records
//   started_at / elapsed       wall clock start, elapsed nanoseconds
//
// ============================================================================

package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

var (
	ErrNotFound  = errors.New("run not found")
	ErrDuplicate = errors.New("run already recorded")
)

// Run is one recorded image calculation.
type Run struct {
	ID            string           `json:"id"`
	Image         int              `json:"image"`
	ParameterFile string           `json:"parameter_file,omitempty"`
	Algorithm     string           `json:"algorithm"`
	Width         int              `json:"width"`
	Height        int              `json:"height"`
	Sessions      int              `json:"sessions"`
	Status        types.JobStatus  `json:"status"`
	Counts        types.Counts     `json:"counts"`
	Failovers     []types.Failover `json:"failovers,omitempty"`
	Error         string           `json:"error,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	Elapsed       time.Duration    `json:"elapsed"`
}

// Store persists runs.
type Store interface {
	Record(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// List returns runs newest first; an empty status matches every run.
	List(ctx context.Context, status types.JobStatus, offset, limit int) ([]*Run, error)
	Count(ctx context.Context, status types.JobStatus) (int, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" keeps the
// history in memory.
func Open(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// database/sql would open a second, empty in-memory database per connection
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		logger: logger.Named("history"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS image_runs (
			id TEXT PRIMARY KEY,
			image INTEGER NOT NULL,
			parameter_file TEXT,
			algorithm TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			sessions INTEGER NOT NULL,
			status TEXT NOT NULL,
			units_total INTEGER NOT NULL,
			units_completed INTEGER NOT NULL,
			units_failed INTEGER NOT NULL,
			failovers INTEGER NOT NULL,
			failover_log TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			elapsed INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_image_runs_status ON image_runs(status);
		CREATE INDEX IF NOT EXISTS idx_image_runs_started_at ON image_runs(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Record stores a finished run.
func (s *SQLiteStore) Record(ctx context.Context, run *Run) error {
	var failoverLog sql.NullString
	if len(run.Failovers) > 0 {
		data, err := json.Marshal(run.Failovers)
		if err != nil {
			return fmt.Errorf("failed to encode failover log: %w", err)
		}
		failoverLog = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_runs (
			id, image, parameter_file, algorithm, width, height, sessions, status,
			units_total, units_completed, units_failed, failovers, failover_log,
			error, started_at, elapsed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Image,
		sql.NullString{String: run.ParameterFile, Valid: run.ParameterFile != ""},
		run.Algorithm,
		run.Width,
		run.Height,
		run.Sessions,
		string(run.Status),
		run.Counts.Total,
		run.Counts.Completed,
		run.Counts.Failed,
		len(run.Failovers),
		failoverLog,
		sql.NullString{String: run.Error, Valid: run.Error != ""},
		run.StartedAt.UTC(),
		int64(run.Elapsed),
	)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s", ErrDuplicate, run.ID)
		}
		return fmt.Errorf("failed to store run %s: %w", run.ID, err)
	}
	s.logger.Debug("run recorded", zap.String("job", run.ID), zap.String("status", string(run.Status)))
	return nil
}

const selectColumns = `SELECT id, image, parameter_file, algorithm, width, height, sessions, status,
	units_total, units_completed, units_failed, failover_log, error, started_at, elapsed
	FROM image_runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var parameterFile, failoverLog, errorStr sql.NullString
	var status string
	var elapsed int64

	err := row.Scan(
		&run.ID,
		&run.Image,
		&parameterFile,
		&run.Algorithm,
		&run.Width,
		&run.Height,
		&run.Sessions,
		&status,
		&run.Counts.Total,
		&run.Counts.Completed,
		&run.Counts.Failed,
		&failoverLog,
		&errorStr,
		&run.StartedAt,
		&elapsed,
	)
	if err != nil {
		return nil, err
	}

	run.Status = types.JobStatus(status)
	run.Elapsed = time.Duration(elapsed)
	if parameterFile.Valid {
		run.ParameterFile = parameterFile.String
	}
	if errorStr.Valid {
		run.Error = errorStr.String
	}
	if failoverLog.Valid && failoverLog.String != "" {
		if err := json.Unmarshal([]byte(failoverLog.String), &run.Failovers); err != nil {
			return nil, fmt.Errorf("failed to decode failover log of %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// Get returns the run with the given job ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return run, nil
}

// List returns runs newest first.
func (s *SQLiteStore) List(ctx context.Context, status types.JobStatus, offset, limit int) ([]*Run, error) {
	query := selectColumns
	args := make([]any, 0, 3)
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY started_at DESC, image DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// Count returns the number of runs with status, or of all runs.
func (s *SQLiteStore) Count(ctx context.Context, status types.JobStatus) (int, error) {
	query := "SELECT COUNT(*) FROM image_runs"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

// DeleteBefore removes runs started before the given time.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM image_runs WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted runs: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
