package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TaskStatus tracks a task through the queue.
type TaskStatus string

const (
	TaskPending  TaskStatus = "PENDING"   // waiting for delivery
	TaskInflight TaskStatus = "IN_FLIGHT" // delivered, invisible to other dequeuers
	TaskAcked    TaskStatus = "ACKED"     // completed, removed from rotation
	TaskDead     TaskStatus = "DEAD"      // retries exhausted, parked for inspection
)

// Agent roles known to the platform. Each role is served by the worker pool
// and backed by its own data source on the executor side.
const (
	RoleMarket     = "market"
	RolePatent     = "patent"
	RoleClinical   = "clinical"
	RoleSocial     = "social"
	RoleCompetitor = "competitor"
	RoleTrade      = "trade"
	RoleInternal   = "internal"
	RoleWeb        = "web"
)

// Task is one dispatchable, retryable execution attempt belonging to a job.
// Tasks are delivered at-least-once; the (job, role) pair is the dedupe key
// workers use to keep redelivery side effects idempotent.
type Task struct {
	ID        string            `json:"id"`
	JobID     string            `json:"job_id"`
	Role      string            `json:"role"`
	Params    map[string]string `json:"params,omitempty"`
	Attempts  int               `json:"attempts"`
	CreatedAt time.Time         `json:"created_at"`
}

// FollowOnTaskID derives a deterministic task id for event-driven chaining.
// Duplicate event deliveries produce the same id, so duplicate enqueue
// attempts collapse into one stored task.
func FollowOnTaskID(jobID, producingRole, consumingRole string) string {
	sum := sha256.Sum256([]byte(jobID + "|" + producingRole + "|" + consumingRole))
	return hex.EncodeToString(sum[:16])
}

// DeadLetter is a task parked after exhausting its retry budget, kept for
// external inspection. No automatic replay.
type DeadLetter struct {
	Task     Task      `json:"task"`
	Reason   string    `json:"reason"`
	ParkedAt time.Time `json:"parked_at"`
}
