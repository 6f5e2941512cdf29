// Package worker runs the agent worker pool: a fixed number of goroutines
// that pull tasks off the queue, gate them through the rate limiter and the
// result cache, execute the agent under a bounded timeout, and settle the
// delivery. A worker never lets a task failure terminate its own loop; every
// failure is classified and becomes either a nack (retry with backoff) or a
// terminal failed transition on the owning job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
	"github.com/pharmaq-ai/pharmaq/internal/infra/cache"
	"github.com/pharmaq-ai/pharmaq/internal/infra/metrics"
	"github.com/pharmaq-ai/pharmaq/internal/infra/queue"
	"github.com/pharmaq-ai/pharmaq/internal/infra/sqlite"
)

// Executor invokes an agent for one task attempt and returns its result
// payload. Errors must be classified: wrap domain.ErrPermanent for
// unrecoverable failures, anything matching domain.IsRetryable (or an
// unclassified error) is retried.
type Executor interface {
	Execute(ctx context.Context, job *domain.Job, task domain.Task) (string, error)
}

// JobStore is the slice of the job state store the pool mutates.
type JobStore interface {
	GetJob(id string) (*domain.Job, error)
	TransitionJob(id string, next domain.JobStatus, payload sqlite.TransitionPayload) (*domain.Job, error)
	IncrementRetry(id string) error
}

// TaskQueue is the delivery side of the task queue.
type TaskQueue interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	Ack(d *queue.Delivery) error
	Nack(d *queue.Delivery, reason string) (bool, error)
}

// Gate admits or defers an execution for an identity.
type Gate interface {
	Allow(identity string) bool
}

// ResultCache caches agent results keyed by role + normalized query.
type ResultCache interface {
	Get(key string) (string, bool)
	Put(key, value string, ttl time.Duration)
}

// Publisher fans out completion events.
type Publisher interface {
	Publish(topic string, ev domain.Event)
}

// Config tunes the pool. Zero values fall back to defaults.
type Config struct {
	Workers     int           // concurrent workers (default 4)
	ExecTimeout time.Duration // bound on one agent invocation (default 60s)
	CacheTTL    time.Duration // lifetime of cached results (default 30m)
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 60 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Minute
	}
}

// Pool owns the worker goroutines.
type Pool struct {
	cfg   Config
	store JobStore
	queue TaskQueue
	gate  Gate
	cache ResultCache
	bus   Publisher
	exec  Executor
	clock domain.Clock
	log   *slog.Logger
}

// New wires a pool. gate, cache, and bus may each be nil to disable that
// concern (used by tests and by reduced deployments).
func New(cfg Config, store JobStore, q TaskQueue, gate Gate, rc ResultCache, bus Publisher, exec Executor, clock domain.Clock, log *slog.Logger) *Pool {
	cfg.applyDefaults()
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:   cfg,
		store: store,
		queue: q,
		gate:  gate,
		cache: rc,
		bus:   bus,
		exec:  exec,
		clock: clock,
		log:   log,
	}
}

// Run blocks until ctx ends or the queue closes, then waits for in-progress
// attempts to settle.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.log.With("worker", id)
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrQueueClosed) {
				return
			}
			log.Error("dequeue failed", "error", err)
			continue
		}
		p.handle(ctx, log, d)
	}
}

// handle settles exactly one delivery.
func (p *Pool) handle(ctx context.Context, log *slog.Logger, d *queue.Delivery) {
	task := d.Task
	log = log.With("task_id", task.ID, "job_id", task.JobID, "role", task.Role, "attempt", task.Attempts)

	job, err := p.store.GetJob(task.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("dropping task for unknown job")
			p.ack(log, d)
			return
		}
		p.nack(log, d, task, fmt.Sprintf("job lookup: %v", err))
		return
	}

	switch {
	case job.Status == domain.JobFailed || job.Status == domain.JobCancelled:
		log.Info("dropping task, job already settled", "status", job.Status)
		p.ack(log, d)
		return
	case job.CancelAsked && !job.Status.IsTerminal():
		if _, err := p.store.TransitionJob(job.ID, domain.JobCancelled, sqlite.TransitionPayload{}); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			log.Error("cancel transition failed", "error", err)
		}
		log.Info("dropping task, cancellation requested")
		p.ack(log, d)
		return
	}

	// A DONE job still runs follow-on tasks for their events; its own record
	// stays immutable.
	settled := job.Status == domain.JobDone
	if !settled {
		job, err = p.store.TransitionJob(job.ID, domain.JobRunning, sqlite.TransitionPayload{})
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				log.Info("dropping task, job settled concurrently")
				p.ack(log, d)
				return
			}
			p.nack(log, d, task, fmt.Sprintf("mark running: %v", err))
			return
		}
		if job.CancelAsked {
			if _, err := p.store.TransitionJob(job.ID, domain.JobCancelled, sqlite.TransitionPayload{}); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
				log.Error("cancel transition failed", "error", err)
			}
			p.ack(log, d)
			return
		}
	}

	if p.gate != nil && !p.gate.Allow(job.Identity()) {
		metrics.RateLimitDenials.WithLabelValues("identity").Inc()
		p.nack(log, d, task, "throttled")
		return
	}

	result, err := p.execute(ctx, job, task)
	if err != nil {
		metrics.TasksExecuted.WithLabelValues(task.Role, outcome(err)).Inc()
		if errors.Is(err, domain.ErrPermanent) {
			p.failJob(log, job, settled, err.Error())
			p.ack(log, d)
			return
		}
		p.nackAndCount(log, d, task, job, settled, err.Error())
		return
	}
	metrics.TasksExecuted.WithLabelValues(task.Role, "success").Inc()

	if !settled {
		done, err := p.store.TransitionJob(job.ID, domain.JobDone, sqlite.TransitionPayload{Result: result})
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				log.Info("job settled concurrently, keeping result for events only")
			} else {
				// The result is not durable yet; let redelivery retry. The
				// cache and the dedupe key make the retry side-effect free.
				p.nack(log, d, task, fmt.Sprintf("record result: %v", err))
				return
			}
		} else {
			metrics.JobsCompleted.WithLabelValues(string(domain.JobDone)).Inc()
			metrics.JobDuration.Observe(done.Duration().Seconds())
		}
	}

	if p.bus != nil {
		p.bus.Publish(domain.TopicAgentCompleted, domain.Event{
			JobID:         job.ID,
			ProducingRole: task.Role,
			Summary:       domain.Summarize(result),
			Timestamp:     p.clock.Now(),
		})
		metrics.EventsPublished.WithLabelValues(domain.TopicAgentCompleted).Inc()
	}
	p.ack(log, d)
	log.Info("task completed")
}

// execute runs one attempt, consulting the result cache first.
func (p *Pool) execute(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
	var key string
	if p.cache != nil {
		key = cache.Key(task.Role, job.Query)
		if v, ok := p.cache.Get(key); ok {
			metrics.CacheHits.Inc()
			return v, nil
		}
		metrics.CacheMisses.Inc()
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ExecTimeout)
	defer cancel()

	start := p.clock.Now()
	result, err := p.exec.Execute(ctx, job, task)
	metrics.TaskDuration.WithLabelValues(task.Role).Observe(p.clock.Now().Sub(start).Seconds())
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, domain.ErrPermanent) {
			return "", fmt.Errorf("%w: agent %s: %v", domain.ErrTimeout, task.Role, err)
		}
		return "", err
	}

	if p.cache != nil {
		p.cache.Put(key, result, p.cfg.CacheTTL)
	}
	return result, nil
}

// nackAndCount is the retryable-failure path: record the retry on the job,
// nack the delivery, and if the retry budget is exhausted settle the job as
// failed.
func (p *Pool) nackAndCount(log *slog.Logger, d *queue.Delivery, task domain.Task, job *domain.Job, settled bool, reason string) {
	if err := p.store.IncrementRetry(job.ID); err != nil {
		log.Error("retry count update failed", "error", err)
	}
	metrics.TaskRetries.WithLabelValues(task.Role).Inc()

	dead, err := p.queue.Nack(d, reason)
	if err != nil {
		log.Error("nack failed", "error", err, "reason", reason)
		return
	}
	if dead {
		metrics.DeadLetters.WithLabelValues(task.Role).Inc()
		log.Warn("task dead-lettered", "reason", reason)
		p.failJob(log, job, settled, reason)
		p.publishFailure(task, reason)
		return
	}
	log.Warn("task nacked for retry", "reason", reason)
}

// failJob marks the owning job failed unless it is already settled.
func (p *Pool) failJob(log *slog.Logger, job *domain.Job, settled bool, reason string) {
	if settled {
		log.Warn("follow-on task failed after job completion", "reason", reason)
		return
	}
	failed, err := p.store.TransitionJob(job.ID, domain.JobFailed, sqlite.TransitionPayload{Error: reason})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			log.Error("failed transition error", "error", err)
		}
		return
	}
	metrics.JobsCompleted.WithLabelValues(string(domain.JobFailed)).Inc()
	metrics.JobDuration.Observe(failed.Duration().Seconds())
}

// publishFailure announces a dead-lettered task on the failure topic.
func (p *Pool) publishFailure(task domain.Task, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(domain.TopicAgentFailed, domain.Event{
		JobID:         task.JobID,
		ProducingRole: task.Role,
		Summary:       domain.Summarize(reason),
		Timestamp:     p.clock.Now(),
	})
	metrics.EventsPublished.WithLabelValues(domain.TopicAgentFailed).Inc()
}

func (p *Pool) ack(log *slog.Logger, d *queue.Delivery) {
	if err := p.queue.Ack(d); err != nil {
		log.Warn("ack rejected", "error", err)
	}
}

// nack settles a delivery without touching the job's retry count. Used for
// infrastructure failures around the attempt, not agent failures.
func (p *Pool) nack(log *slog.Logger, d *queue.Delivery, task domain.Task, reason string) {
	dead, err := p.queue.Nack(d, reason)
	if err != nil {
		log.Error("nack failed", "error", err, "reason", reason)
		return
	}
	if dead {
		metrics.DeadLetters.WithLabelValues(task.Role).Inc()
		log.Warn("task dead-lettered", "reason", reason)
		if job, err := p.store.GetJob(task.JobID); err == nil {
			p.failJob(log, job, job.Status == domain.JobDone, reason)
		}
		p.publishFailure(task, reason)
		return
	}
	log.Warn("task nacked for retry", "reason", reason)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermanent):
		return "permanent_error"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	default:
		return "transient_error"
	}
}
