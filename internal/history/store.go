// Package history records pipeline runs and the last commit whose tests
// passed for each app.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 50

const maxErrorBytes = 16 * 1024

// Fixed-width UTC timestamps so that text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// Begin inserts r with status running.
func (s *Store) Begin(ctx context.Context, r Run) error {
	if r.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	if r.App == "" {
		return fmt.Errorf("app is empty")
	}
	started := r.StartedAt
	if started.IsZero() {
		started = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO deploy_runs(id, app, trigger, status, started_at)
VALUES(?, ?, ?, ?, ?);
`, r.ID, r.App, r.Trigger, StatusRunning, formatTime(started))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Complete writes the terminal state of run id.
func (s *Store) Complete(ctx context.Context, id string, c Completion) error {
	if c.Status != StatusSucceeded && c.Status != StatusFailed {
		return fmt.Errorf("invalid terminal status: %q", c.Status)
	}
	phases := c.Phases
	if phases == nil {
		phases = []Phase{}
	}
	phasesJSON, err := json.Marshal(phases)
	if err != nil {
		return fmt.Errorf("marshal phases: %w", err)
	}
	finished := c.FinishedAt
	if finished.IsZero() {
		finished = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE deploy_runs
SET status = ?, failed_phase = ?, last_error = ?, commit_hash = ?, phases = ?, finished_at = ?
WHERE id = ?;
`, c.Status, nullable(c.FailedPhase), nullable(truncate(c.Error, maxErrorBytes)), nullable(c.Commit),
		string(phasesJSON), formatTime(finished), id)
	if err != nil {
		return fmt.Errorf("update run completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run completion: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete %s: %w", id, ErrNotFound)
	}
	return nil
}

// List returns the most recent runs, newest first. An empty app lists all apps.
func (s *Store) List(ctx context.Context, app string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, app, trigger, status, failed_phase, last_error, commit_hash, phases, started_at, finished_at
FROM deploy_runs
WHERE (? = '' OR app = ?)
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, app, app, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// Get returns run id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, app, trigger, status, failed_phase, last_error, commit_hash, phases, started_at, finished_at
FROM deploy_runs
WHERE id = ?;
`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

// LastGoodCommit returns the last commit whose tests passed for app, or ""
// when none was recorded.
func (s *Store) LastGoodCommit(ctx context.Context, app string) (string, error) {
	var commit string
	err := s.db.QueryRowContext(ctx, `SELECT commit_hash FROM last_good_commit WHERE app = ?;`, app).Scan(&commit)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load last good commit: %w", err)
	}
	return commit, nil
}

func (s *Store) SetLastGoodCommit(ctx context.Context, app, commit string) error {
	if app == "" || commit == "" {
		return fmt.Errorf("app and commit are required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO last_good_commit(app, commit_hash, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(app) DO UPDATE SET commit_hash = excluded.commit_hash, updated_at = excluded.updated_at;
`, app, commit, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("save last good commit: %w", err)
	}
	return nil
}

// Prune deletes finished runs that started more than retention ago and
// returns how many were removed. A non-positive retention keeps everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(s.now().Add(-retention))

	res, err := s.db.ExecContext(ctx, `
DELETE FROM deploy_runs
WHERE finished_at IS NOT NULL AND started_at < ?;
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r           Run
		status      string
		failedPhase sql.NullString
		lastError   sql.NullString
		commit      sql.NullString
		phases      sql.NullString
		startedAt   string
		finishedAt  sql.NullString
	)
	err := sc.Scan(&r.ID, &r.App, &r.Trigger, &status, &failedPhase, &lastError, &commit, &phases, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, err
	}
	if err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	r.Status = Status(status)
	r.FailedPhase = failedPhase.String
	r.Error = lastError.String
	r.Commit = commit.String
	if t, err := time.Parse(timeFormat, startedAt); err == nil {
		r.StartedAt = t
	}
	if finishedAt.Valid {
		if t, err := time.Parse(timeFormat, finishedAt.String); err == nil {
			r.FinishedAt = &t
		}
	}
	r.Phases = []Phase{}
	if phases.Valid && phases.String != "" {
		if err := json.Unmarshal([]byte(phases.String), &r.Phases); err != nil {
			return Run{}, fmt.Errorf("decode phases of %s: %w", r.ID, err)
		}
	}
	return r, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
