// Package ledger records batch runs and per-file outcomes in SQLite so a
// later invocation can report on them or reprocess the failures.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/scanprep/internal/batch"
	"github.com/banshee-data/scanprep/internal/timeutil"
	"github.com/banshee-data/scanprep/internal/version"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Store is a batch.Observer backed by a SQLite file.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	clock  timeutil.Clock
}

var _ batch.Observer = (*Store)(nil)

// Open opens (creating if needed) the ledger at path and migrates it to the
// latest schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	s, err := OpenUnmigrated(path, logger)
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenUnmigrated opens the ledger without touching its schema. The migrate
// subcommands use it so that a dirty database can still be forced.
func OpenUnmigrated(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	// Workers write concurrently; a single connection serialises them and
	// keeps the per-connection PRAGMAs in force.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	return &Store{db: db, logger: logger, clock: timeutil.RealClock{}}, nil
}

// SetClock replaces the time source used for recorded timestamps.
func (s *Store) SetClock(c timeutil.Clock) { s.clock = timeutil.Or(c) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RunStarted inserts the run row.
func (s *Store) RunStarted(ctx context.Context, runID string, total int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_runs (run_id, started_unix_ns, total, version)
		VALUES (?, ?, ?, ?)
	`, runID, s.clock.Now().UnixNano(), total, version.Version)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", runID, err)
	}
	return nil
}

// FileChanged upserts the file row with r's state.
func (s *Store) FileChanged(ctx context.Context, runID string, r batch.Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_files (
			run_id, base_name, geometry_path, label_path, state, stage,
			error_class, error_message, points_in, rows_out, output_path,
			duration_ns, updated_unix_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, base_name) DO UPDATE SET
			state = excluded.state,
			stage = excluded.stage,
			error_class = excluded.error_class,
			error_message = excluded.error_message,
			points_in = excluded.points_in,
			rows_out = excluded.rows_out,
			output_path = excluded.output_path,
			duration_ns = excluded.duration_ns,
			updated_unix_ns = excluded.updated_unix_ns
	`,
		runID, r.Pair.BaseName, r.Pair.GeometryPath, r.Pair.LabelPath,
		string(r.State), string(r.Stage), r.Class, r.Message,
		r.Stats.PointsIn, r.Stats.RowsOut, r.Stats.OutputPath,
		r.Duration.Nanoseconds(), s.clock.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s in run %s: %w", r.Pair.BaseName, runID, err)
	}
	return nil
}

// RunFinished stores the aggregate counts.
func (s *Store) RunFinished(ctx context.Context, sum *batch.Summary) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_runs
		SET finished_unix_ns = ?, processed = ?, succeeded = ?, failed = ?, not_started = ?
		WHERE run_id = ?
	`, s.clock.Now().UnixNano(), sum.Processed, sum.Succeeded, sum.Failed, sum.NotStarted, sum.RunID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", sum.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", sum.RunID, ErrRunNotFound)
	}
	return nil
}

// Run is one row of scan_runs.
type Run struct {
	RunID      string     `json:"run_id"`
	Started    time.Time  `json:"started"`
	Finished   *time.Time `json:"finished,omitempty"`
	Total      int        `json:"total"`
	Processed  int        `json:"processed"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	NotStarted int        `json:"not_started"`
	Version    string     `json:"version"`
}

// File is one row of scan_files.
type File struct {
	Pair       batch.Pair    `json:"pair"`
	State      batch.State   `json:"state"`
	Stage      string        `json:"stage,omitempty"`
	ErrorClass string        `json:"error_class,omitempty"`
	Error      string        `json:"error,omitempty"`
	PointsIn   int           `json:"points_in"`
	RowsOut    int           `json:"rows_out"`
	OutputPath string        `json:"output_path,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

const runColumns = `run_id, started_unix_ns, finished_unix_ns, total, processed, succeeded, failed, not_started, version`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&r.RunID, &started, &finished, &r.Total, &r.Processed,
		&r.Succeeded, &r.Failed, &r.NotStarted, &r.Version); err != nil {
		return r, err
	}
	r.Started = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.Finished = &t
	}
	return r, nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM scan_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return r, err
}

// ListRuns returns the most recent runs first, at most limit (0 means all).
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT ` + runColumns + ` FROM scan_runs ORDER BY started_unix_ns DESC, run_id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Files returns every file of a run ordered by base name. An empty state
// returns all states.
func (s *Store) Files(ctx context.Context, runID string, state batch.State) ([]File, error) {
	q := `
		SELECT base_name, geometry_path, label_path, state, stage, error_class,
		       error_message, points_in, rows_out, output_path, duration_ns
		FROM scan_files WHERE run_id = ?`
	args := []any{runID}
	if state != "" {
		q += ` AND state = ?`
		args = append(args, string(state))
	}
	q += ` ORDER BY base_name`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query files of run %s: %w", runID, err)
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var f File
		var st string
		var dur int64
		if err := rows.Scan(&f.Pair.BaseName, &f.Pair.GeometryPath, &f.Pair.LabelPath, &st,
			&f.Stage, &f.ErrorClass, &f.Error, &f.PointsIn, &f.RowsOut, &f.OutputPath, &dur); err != nil {
			return nil, err
		}
		f.State = batch.State(st)
		f.Duration = time.Duration(dur)
		out = append(out, f)
	}
	return out, rows.Err()
}

// FailedPairs lists the pairs of runID that did not succeed, including those
// left pending or running by an interrupted run.
func (s *Store) FailedPairs(ctx context.Context, runID string) ([]batch.Pair, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT base_name, geometry_path, label_path
		FROM scan_files
		WHERE run_id = ? AND state != ?
		ORDER BY base_name
	`, runID, string(batch.Succeeded))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed pairs of run %s: %w", runID, err)
	}
	defer rows.Close()
	var out []batch.Pair
	for rows.Next() {
		var p batch.Pair
		if err := rows.Scan(&p.BaseName, &p.GeometryPath, &p.LabelPath); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
