package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

// ─── Job State Store ────────────────────────────────────────────────────────
// All mutations are atomic read-modify-writes guarded by the version column:
// UPDATE ... WHERE id = ? AND version = ?. A losing writer re-reads and
// retries instead of overwriting.

// maxCASRetries bounds the optimistic-concurrency retry loop. Exceeding it
// means the row is under pathological contention and the write is refused.
const maxCASRetries = 10

// TransitionPayload carries the optional result/error recorded alongside a
// status change.
type TransitionPayload struct {
	Result string
	Error  string
}

// CreateJob inserts a new QUEUED job. Resubmission with an identical payload
// is idempotent and returns the existing job unchanged; reusing an id with a
// different payload returns domain.ErrAlreadyExists.
func (d *DB) CreateJob(id, query string, context map[string]string) (*domain.Job, error) {
	existing, err := d.GetJob(id)
	if err == nil {
		if existing.Query == query && equalContext(existing.Context, context) {
			return existing, nil
		}
		return nil, domain.ErrAlreadyExists
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	ctxJSON, err := json.Marshal(orEmpty(context))
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = d.db.Exec(
		`INSERT INTO jobs (id, query, context, status, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		id, query, string(ctxJSON), string(domain.JobQueued), now, now,
	)
	if err != nil {
		// A concurrent submitter may have won the insert race. Re-read and
		// apply the same idempotency rule.
		if existing, gerr := d.GetJob(id); gerr == nil {
			if existing.Query == query && equalContext(existing.Context, context) {
				return existing, nil
			}
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("%w: insert job: %v", domain.ErrUnavailable, err)
	}

	return d.GetJob(id)
}

// GetJob returns a job by id, or domain.ErrNotFound.
func (d *DB) GetJob(id string) (*domain.Job, error) {
	row := d.db.QueryRow(
		`SELECT id, query, context, status, result, error, retry_count,
		        cancel_requested, version, created_at, updated_at, started_at, finished_at
		 FROM jobs WHERE id = ?`, id,
	)
	return scanJob(row)
}

// TransitionJob moves a job to the next status, recording the payload.
// Self-transitions of non-terminal statuses are no-ops that return the row
// unchanged (redelivered tasks re-mark RUNNING without error). Violations of
// the monotonic ordering return domain.ErrInvalidTransition.
func (d *DB) TransitionJob(id string, next domain.JobStatus, payload TransitionPayload) (*domain.Job, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		job, err := d.GetJob(id)
		if err != nil {
			return nil, err
		}

		if job.Status == next && !next.IsTerminal() {
			return job, nil // idempotent re-mark
		}
		if !job.Status.CanTransition(next) {
			return nil, fmt.Errorf("%w: %s → %s (job %s)", domain.ErrInvalidTransition, job.Status, next, id)
		}

		now := time.Now().UnixMilli()
		started := nullableMilli(job.StartedAt)
		finished := nullableMilli(job.FinishedAt)
		if next == domain.JobRunning && job.StartedAt.IsZero() {
			started = sql.NullInt64{Int64: now, Valid: true}
		}
		if next.IsTerminal() {
			finished = sql.NullInt64{Int64: now, Valid: true}
		}

		res, err := d.db.Exec(
			`UPDATE jobs SET status = ?, result = ?, error = ?, version = version + 1,
			        updated_at = ?, started_at = ?, finished_at = ?
			 WHERE id = ? AND version = ?`,
			string(next), nullableString(payload.Result), nullableString(payload.Error),
			now, started, finished, id, job.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: update job: %v", domain.ErrUnavailable, err)
		}
		n, _ := res.RowsAffected()
		if n == 1 {
			return d.GetJob(id)
		}
		// Lost the race: another writer bumped the version. Retry the
		// read-modify-write from the top.
	}
	return nil, fmt.Errorf("%w: job %s contended beyond %d attempts", domain.ErrUnavailable, id, maxCASRetries)
}

// RequestCancel asks for cooperative cancellation. A QUEUED job is cancelled
// immediately; a RUNNING job has its cancel flag raised for the worker to
// honor at its next safe point; a terminal job is returned unchanged (no-op).
func (d *DB) RequestCancel(id string) (*domain.Job, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		job, err := d.GetJob(id)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		if job.Status == domain.JobQueued {
			// CAS against the version read above so a job picked up in the
			// meantime falls through to the flag-raising branch on retry
			// instead of being hard-cancelled out of RUNNING.
			now := time.Now().UnixMilli()
			res, err := d.db.Exec(
				`UPDATE jobs SET status = ?, version = version + 1, updated_at = ?, finished_at = ?
				 WHERE id = ? AND version = ?`,
				string(domain.JobCancelled), now, now, id, job.Version,
			)
			if err != nil {
				return nil, fmt.Errorf("%w: update job: %v", domain.ErrUnavailable, err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				return d.GetJob(id)
			}
			continue
		}

		res, err := d.db.Exec(
			`UPDATE jobs SET cancel_requested = 1, version = version + 1, updated_at = ?
			 WHERE id = ? AND version = ?`,
			time.Now().UnixMilli(), id, job.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: update job: %v", domain.ErrUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return d.GetJob(id)
		}
	}
	return nil, fmt.Errorf("%w: job %s contended beyond %d attempts", domain.ErrUnavailable, id, maxCASRetries)
}

// IncrementRetry bumps the caller-visible retry counter after a nack.
func (d *DB) IncrementRetry(id string) error {
	res, err := d.db.Exec(
		`UPDATE jobs SET retry_count = retry_count + 1, version = version + 1, updated_at = ?
		 WHERE id = ?`,
		time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: update job: %v", domain.ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ─── Scan Helpers ───────────────────────────────────────────────────────────

func scanJob(s scanner) (*domain.Job, error) {
	var (
		j                     domain.Job
		ctxJSON               string
		result, errDetail     sql.NullString
		created, updated      int64
		startedAt, finishedAt sql.NullInt64
	)
	err := s.Scan(&j.ID, &j.Query, &ctxJSON, &j.Status, &result, &errDetail,
		&j.RetryCount, &j.CancelAsked, &j.Version, &created, &updated,
		&startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan job: %v", domain.ErrUnavailable, err)
	}

	if err := json.Unmarshal([]byte(ctxJSON), &j.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	j.Result = result.String
	j.Error = errDetail.String
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(updated)
	if startedAt.Valid {
		j.StartedAt = time.UnixMilli(startedAt.Int64)
	}
	if finishedAt.Valid {
		j.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return &j, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableMilli(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func equalContext(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

