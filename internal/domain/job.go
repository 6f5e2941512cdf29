// Package domain holds the core types of the PharmaQ orchestration engine.
// A Job is a single user-initiated unit of work that flows through the system:
// submit → queue → execute → done/failed/cancelled.
package domain

import "time"

// JobStatus tracks job lifecycle.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobDone      JobStatus = "DONE"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// IsTerminal returns true if the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether moving from s to next respects the
// monotonic ordering QUEUED → RUNNING → terminal. Self-transitions of
// non-terminal statuses are allowed so a redelivered task can re-mark a
// RUNNING job without error.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobCancelled || next == JobFailed
	case JobRunning:
		return next == JobDone || next == JobFailed || next == JobCancelled
	}
	return false
}

// Job is the externally visible unit of orchestrated work. The record is
// owned by the job store; workers mutate it only through the store API.
type Job struct {
	ID           string            `json:"id"`
	Query        string            `json:"query"`
	Context      map[string]string `json:"context,omitempty"`
	Status       JobStatus         `json:"status"`
	Result       string            `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	RetryCount   int               `json:"retry_count"`
	CancelAsked  bool              `json:"cancel_requested"`
	Version      int64             `json:"-"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	FinishedAt   time.Time         `json:"finished_at,omitempty"`
}

// Identity returns the rate-limiting identity for the job, taken from the
// submission context. Falls back to "anonymous".
func (j *Job) Identity() string {
	if id, ok := j.Context["identity"]; ok && id != "" {
		return id
	}
	return "anonymous"
}

// Duration returns wall time from execution start to finish (0 if unknown).
func (j *Job) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// JobView is the caller-facing projection returned by status queries.
// Retries stay invisible except through RetryCount.
type JobView struct {
	JobID      string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	RetryCount int       `json:"retry_count"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// View projects a Job into its caller-facing form.
func (j *Job) View() JobView {
	return JobView{
		JobID:      j.ID,
		Status:     j.Status,
		Result:     j.Result,
		Error:      j.Error,
		RetryCount: j.RetryCount,
		DurationMS: j.Duration().Milliseconds(),
	}
}
