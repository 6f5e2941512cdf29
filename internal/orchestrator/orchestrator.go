// Package orchestrator exposes the boundary operations of the engine:
// submit, status, cancel, and dead-letter inspection. It composes the job
// store and the task queue; all business rules live below it.
package orchestrator

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
	"github.com/pharmaq-ai/pharmaq/internal/infra/metrics"
)

// submitProducer keys the deterministic ids of tasks created at submission,
// as opposed to tasks created by follow-on chaining.
const submitProducer = "submit"

// Store is the slice of the job state store the orchestrator needs.
type Store interface {
	CreateJob(id, query string, context map[string]string) (*domain.Job, error)
	GetJob(id string) (*domain.Job, error)
	RequestCancel(id string) (*domain.Job, error)
	ListDeadLetters(limit int) ([]domain.DeadLetter, error)
}

// Enqueuer accepts initial tasks. Duplicate task ids collapse, which makes
// resubmission idempotent end to end.
type Enqueuer interface {
	Enqueue(t domain.Task) error
}

// Config tunes submission behavior.
type Config struct {
	// InitialRoles are the agent roles dispatched for every new job when the
	// caller does not name any (default: market).
	InitialRoles []string
}

// Orchestrator implements the boundary operations.
type Orchestrator struct {
	cfg   Config
	store Store
	queue Enqueuer
	clock domain.Clock
	log   *slog.Logger
}

// New wires an orchestrator.
func New(cfg Config, store Store, queue Enqueuer, clock domain.Clock, log *slog.Logger) *Orchestrator {
	if len(cfg.InitialRoles) == 0 {
		cfg.InitialRoles = []string{domain.RoleMarket}
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{cfg: cfg, store: store, queue: queue, clock: clock, log: log}
}

// SubmitRequest carries one job submission.
type SubmitRequest struct {
	ID      string            `json:"id,omitempty"`
	Query   string            `json:"query"`
	Context map[string]string `json:"context,omitempty"`
	Roles   []string          `json:"roles,omitempty"`
}

// Submit accepts a job and enqueues its initial tasks. Resubmission with the
// same id and payload returns the existing job unchanged; resubmission with a
// different payload fails with AlreadyExists.
func (o *Orchestrator) Submit(req SubmitRequest) (*domain.Job, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", domain.ErrInvalidArgument)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	roles := req.Roles
	if len(roles) == 0 {
		roles = o.cfg.InitialRoles
	}

	job, err := o.store.CreateJob(id, req.Query, req.Context)
	if err != nil {
		return nil, err
	}

	for _, role := range roles {
		task := domain.Task{
			ID:        domain.FollowOnTaskID(id, submitProducer, role),
			JobID:     id,
			Role:      role,
			CreatedAt: o.clock.Now(),
		}
		if err := o.queue.Enqueue(task); err != nil {
			return nil, fmt.Errorf("enqueue %s task: %w", role, err)
		}
	}

	metrics.JobsSubmitted.Inc()
	o.log.Info("job submitted", "job_id", id, "roles", roles, "identity", job.Identity())
	return job, nil
}

// Status returns the caller-facing view of a job.
func (o *Orchestrator) Status(id string) (*domain.JobView, error) {
	job, err := o.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	view := job.View()
	return &view, nil
}

// Cancel requests cooperative cancellation. Queued jobs cancel immediately;
// running jobs finish their in-flight attempt first; terminal jobs are
// returned unchanged.
func (o *Orchestrator) Cancel(id string) (*domain.Job, error) {
	job, err := o.store.RequestCancel(id)
	if err != nil {
		return nil, err
	}
	o.log.Info("cancellation requested", "job_id", id, "status", job.Status)
	return job, nil
}

// DeadLetters lists parked tasks, most recent first.
func (o *Orchestrator) DeadLetters(limit int) ([]domain.DeadLetter, error) {
	return o.store.ListDeadLetters(limit)
}
