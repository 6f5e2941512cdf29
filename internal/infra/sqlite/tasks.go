package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

// ─── Task Rows ──────────────────────────────────────────────────────────────
// The queue keeps delivery scheduling in memory and uses these rows for
// durability: pending work is re-offered after a restart, settled work is
// marked so it never re-enters rotation.

// InsertTask stores a task row if its id is new. Returns false when the id
// already exists; deterministic follow-on ids make duplicate enqueue
// attempts collapse here.
func (d *DB) InsertTask(t domain.Task) (bool, error) {
	params, err := json.Marshal(orEmpty(t.Params))
	if err != nil {
		return false, fmt.Errorf("encode params: %w", err)
	}

	res, err := d.db.Exec(
		`INSERT OR IGNORE INTO tasks (id, job_id, role, params, status, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.JobID, t.Role, string(params), string(domain.TaskPending),
		t.Attempts, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("%w: insert task: %v", domain.ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetTaskStatus updates a task's queue status and attempt count.
func (d *DB) SetTaskStatus(id string, status domain.TaskStatus, attempts int) error {
	_, err := d.db.Exec(
		`UPDATE tasks SET status = ?, attempts = ? WHERE id = ?`,
		string(status), attempts, id,
	)
	if err != nil {
		return fmt.Errorf("%w: update task: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// UnsettledTasks returns tasks that were pending or in flight when the
// process last stopped. They are re-offered on startup (at-least-once).
func (d *DB) UnsettledTasks() ([]domain.Task, error) {
	rows, err := d.db.Query(
		`SELECT id, job_id, role, params, attempts, created_at FROM tasks
		 WHERE status IN (?, ?) ORDER BY created_at ASC`,
		string(domain.TaskPending), string(domain.TaskInflight),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", domain.ErrUnavailable, err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ParkDeadLetter moves a retry-exhausted task to the dead-letter table.
func (d *DB) ParkDeadLetter(t domain.Task, reason string) error {
	params, err := json.Marshal(orEmpty(t.Params))
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", domain.ErrUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO dead_letters (task_id, job_id, role, params, attempts, reason, parked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.JobID, t.Role, string(params), t.Attempts, reason, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: park dead letter: %v", domain.ErrUnavailable, err)
	}
	_, err = tx.Exec(
		`UPDATE tasks SET status = ?, attempts = ? WHERE id = ?`,
		string(domain.TaskDead), t.Attempts, t.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: mark task dead: %v", domain.ErrUnavailable, err)
	}
	return tx.Commit()
}

// ListDeadLetters returns parked tasks, most recent first.
func (d *DB) ListDeadLetters(limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.Query(
		`SELECT task_id, job_id, role, params, attempts, reason, parked_at
		 FROM dead_letters ORDER BY parked_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list dead letters: %v", domain.ErrUnavailable, err)
	}
	defer rows.Close()

	var parked []domain.DeadLetter
	for rows.Next() {
		var (
			dl         domain.DeadLetter
			paramsJSON string
			parkedAt   int64
		)
		err := rows.Scan(&dl.Task.ID, &dl.Task.JobID, &dl.Task.Role, &paramsJSON,
			&dl.Task.Attempts, &dl.Reason, &parkedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scan dead letter: %v", domain.ErrUnavailable, err)
		}
		if err := json.Unmarshal([]byte(paramsJSON), &dl.Task.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		dl.ParkedAt = time.UnixMilli(parkedAt)
		parked = append(parked, dl)
	}
	return parked, rows.Err()
}

func scanTask(s scanner) (*domain.Task, error) {
	var (
		t          domain.Task
		paramsJSON string
		created    int64
	)
	if err := s.Scan(&t.ID, &t.JobID, &t.Role, &paramsJSON, &t.Attempts, &created); err != nil {
		return nil, fmt.Errorf("%w: scan task: %v", domain.ErrUnavailable, err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &t.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	t.CreatedAt = time.UnixMilli(created)
	return &t, nil
}
