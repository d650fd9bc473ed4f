package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hpc-queue/pkg/job"
)

const DefaultPath string = "hpcq.db"

// Record is the persisted view of one job.
type Record struct {
	RunID       string
	Index       int
	Name        string
	RunPath     string
	State       job.State
	SubmitCount int
	Reason      string
	UpdatedAt   time.Time
}

// Store journals job state transitions to SQLite. It implements
// queue.Observer; write errors are logged, never returned to the queue.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the journal at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: log.With().Str("component", "db").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		run_id       TEXT PRIMARY KEY,
		idx          INTEGER NOT NULL,
		name         TEXT NOT NULL,
		run_path     TEXT NOT NULL,
		state        TEXT NOT NULL,
		submit_count INTEGER NOT NULL DEFAULT 0,
		reason       TEXT NOT NULL DEFAULT '',
		updated_at   TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS job_events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id       TEXT NOT NULL,
		from_state   TEXT NOT NULL,
		to_state     TEXT NOT NULL,
		submit_count INTEGER NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		at           TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_events_run ON job_events(run_id, id);
	`)
	return err
}

// Record writes one transition and the job's current row.
func (s *Store) Record(ctx context.Context, ev job.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	j := ev.Job
	_, err = tx.ExecContext(ctx, `
	INSERT INTO jobs (run_id, idx, name, run_path, state, submit_count, reason, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		state = excluded.state,
		submit_count = excluded.submit_count,
		reason = excluded.reason,
		updated_at = excluded.updated_at`,
		j.RunID, j.Index, j.Name, j.RunPath, string(ev.To), j.SubmitCount, j.Reason, ev.At.UTC())
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO job_events (run_id, from_state, to_state, submit_count, reason, at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		j.RunID, string(ev.From), string(ev.To), j.SubmitCount, j.Reason, ev.At.UTC())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) JobChanged(ev job.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Record(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("run_id", ev.Job.RunID).Str("state", string(ev.To)).Msg("failed to record job transition")
	}
}

// ListJobs returns every journaled job, most recently updated first.
func (s *Store) ListJobs(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT run_id, idx, name, run_path, state, submit_count, reason, updated_at
	FROM jobs ORDER BY updated_at DESC, idx ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var state string
		if err := rows.Scan(&r.RunID, &r.Index, &r.Name, &r.RunPath, &state, &r.SubmitCount, &r.Reason, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.State = job.State(state)
		records = append(records, r)
	}
	return records, rows.Err()
}

// History returns the transitions of one job in order.
func (s *Store) History(ctx context.Context, runID string) ([]job.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT from_state, to_state, submit_count, reason, at
	FROM job_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []job.Event
	for rows.Next() {
		var from, to string
		ev := job.Event{Job: job.Info{RunID: runID}}
		if err := rows.Scan(&from, &to, &ev.Job.SubmitCount, &ev.Job.Reason, &ev.At); err != nil {
			return nil, err
		}
		ev.From, ev.To = job.State(from), job.State(to)
		ev.Job.State = ev.To
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CloseDatabase closes the SQLite database
func (s *Store) CloseDatabase() error {
	return s.db.Close()
}
