package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrJobNotFound is returned by store lookups for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Store is the durable backing for dispatch jobs. All mutation goes through
// it so a process restart can resume by re-reading the queue.
type Store interface {
	Insert(ctx context.Context, job *Job) error
	// Claim atomically moves the oldest runnable job to active and
	// increments its attempt counter. Returns nil when nothing is runnable.
	Claim(ctx context.Context) (*Job, error)
	UpdateProgress(ctx context.Context, id string, progress int, results []Result) error
	MarkCompleted(ctx context.Context, id string, results []Result) error
	MarkFailed(ctx context.Context, id string, lastError string, results []Result) error
	// Reschedule parks a job as delayed until nextRun after a whole-job error.
	Reschedule(ctx context.Context, id string, lastError string, nextRun time.Time) error
	Get(ctx context.Context, id string) (*Job, error)
	ListRecent(ctx context.Context, limit int) ([]*Job, error)
	// ResetActive requeues jobs left active by a crashed run.
	ResetActive(ctx context.Context) (int64, error)
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
	// TrimFinished bounds retained history to the newest N per terminal state.
	TrimFinished(ctx context.Context, keepCompleted int, keepFailed int) (int64, error)
}

// PgStore persists jobs in Postgres through database/sql with lib/pq.
type PgStore struct {
	db *sql.DB
}

func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging queue database: %w", err)
	}
	store := &PgStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PgStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wa_dispatch_jobs (
			id           TEXT PRIMARY KEY,
			session_key  TEXT NOT NULL,
			template     TEXT NOT NULL,
			entries      JSONB NOT NULL,
			priority     INT NOT NULL DEFAULT 0,
			state        TEXT NOT NULL,
			attempts     INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 3,
			progress     INT NOT NULL DEFAULT 0,
			results      JSONB,
			last_error   TEXT NOT NULL DEFAULT '',
			next_run_at  TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS wa_dispatch_jobs_state_idx
			ON wa_dispatch_jobs (state, priority DESC, created_at);
	`)
	if err != nil {
		return fmt.Errorf("ensuring queue schema: %w", err)
	}
	return nil
}

const jobColumns = `id, session_key, template, entries, priority, state, attempts,
	max_attempts, progress, results, last_error, next_run_at, created_at, updated_at`

func (s *PgStore) Insert(ctx context.Context, job *Job) error {
	entries, err := json.Marshal(job.Entries)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wa_dispatch_jobs
			(id, session_key, template, entries, priority, state, attempts, max_attempts, progress, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, 0, '', $8, $8)
	`, job.ID, job.SessionKey, job.Template, entries, job.Priority, job.State, job.MaxAttempts, job.CreatedAt)
	return err
}

func (s *PgStore) Claim(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE wa_dispatch_jobs SET state = 'active', attempts = attempts + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM wa_dispatch_jobs
			WHERE state = 'waiting' OR (state = 'delayed' AND next_run_at <= now())
			ORDER BY priority DESC, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *PgStore) UpdateProgress(ctx context.Context, id string, progress int, results []Result) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return err
	}
	// Progress is monotonically non-decreasing by construction: GREATEST
	// protects the invariant against a delayed write from a retried attempt.
	_, err = s.db.ExecContext(ctx, `
		UPDATE wa_dispatch_jobs
		SET progress = GREATEST(progress, $2), results = $3, updated_at = now()
		WHERE id = $1
	`, id, progress, resultsJSON)
	return err
}

func (s *PgStore) MarkCompleted(ctx context.Context, id string, results []Result) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE wa_dispatch_jobs
		SET state = 'completed', progress = 100, results = $2, last_error = '', updated_at = now()
		WHERE id = $1
	`, id, resultsJSON)
	return err
}

func (s *PgStore) MarkFailed(ctx context.Context, id string, lastError string, results []Result) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE wa_dispatch_jobs
		SET state = 'failed', results = $2, last_error = $3, updated_at = now()
		WHERE id = $1
	`, id, resultsJSON, lastError)
	return err
}

func (s *PgStore) Reschedule(ctx context.Context, id string, lastError string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wa_dispatch_jobs
		SET state = 'delayed', last_error = $2, next_run_at = $3, updated_at = now()
		WHERE id = $1
	`, id, lastError, nextRun)
	return err
}

func (s *PgStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM wa_dispatch_jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *PgStore) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM wa_dispatch_jobs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PgStore) ResetActive(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wa_dispatch_jobs SET state = 'waiting', updated_at = now()
		WHERE state = 'active'
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PgStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM wa_dispatch_jobs
		WHERE state IN ('completed', 'failed') AND updated_at < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int64(age.Seconds())))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PgStore) TrimFinished(ctx context.Context, keepCompleted int, keepFailed int) (int64, error) {
	var total int64
	for _, bound := range []struct {
		state string
		keep  int
	}{{"completed", keepCompleted}, {"failed", keepFailed}} {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM wa_dispatch_jobs
			WHERE state = $1 AND id NOT IN (
				SELECT id FROM wa_dispatch_jobs
				WHERE state = $1
				ORDER BY updated_at DESC
				LIMIT $2
			)
		`, bound.state, bound.keep)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var entriesJSON []byte
	var resultsJSON []byte
	var nextRun sql.NullTime
	err := row.Scan(&job.ID, &job.SessionKey, &job.Template, &entriesJSON, &job.Priority,
		&job.State, &job.Attempts, &job.MaxAttempts, &job.Progress, &resultsJSON,
		&job.LastError, &nextRun, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(entriesJSON, &job.Entries); err != nil {
		return nil, err
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &job.Results); err != nil {
			return nil, err
		}
	}
	if nextRun.Valid {
		job.NextRunAt = nextRun.Time
	}
	return &job, nil
}
