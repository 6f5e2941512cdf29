// Package queue implements the at-least-once task queue feeding the worker
// pool. Delivery scheduling (ready list, backoff timers, visibility
// deadlines) lives in memory; task rows are persisted through the Store so
// unsettled work is re-offered after a restart.
//
// Delivery contract: a dequeued task is invisible to other dequeuers until
// it is acked, nacked, or its visibility timeout elapses. Nacks schedule
// redelivery with exponential backoff (base << attempt, capped). Exhausting
// the retry budget, whether through nacks or through visibility expiries,
// parks the task in the dead-letter area and settles the delivery so it is
// never offered again.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

// Store is the durable backing for task rows (implemented by sqlite.DB).
type Store interface {
	InsertTask(t domain.Task) (bool, error)
	SetTaskStatus(id string, status domain.TaskStatus, attempts int) error
	UnsettledTasks() ([]domain.Task, error)
	ParkDeadLetter(t domain.Task, reason string) error
}

// Config tunes delivery behavior. Zero values fall back to defaults.
type Config struct {
	MaxRetries        int           // failure budget before dead-lettering (default 3)
	BaseDelay         time.Duration // first backoff delay (default 500ms)
	MaxDelay          time.Duration // backoff cap (default 30s)
	VisibilityTimeout time.Duration // in-flight deadline before redelivery (default 2m)
	PollInterval      time.Duration // promotion tick for delayed/expired entries (default 50ms)

	// OnDeadLetter, when set, is invoked (on its own goroutine) after the
	// reaper parks a task whose visibility deadline expired with the retry
	// budget spent. Nack exhaustion reports through its return value instead.
	OnDeadLetter func(t domain.Task, reason string)
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
}

// Delivery is the handle for one delivery attempt of a task. It must be
// settled exactly once via Ack or Nack.
type Delivery struct {
	Task  domain.Task
	token uint64
}

type entry struct {
	task     domain.Task
	readyAt  time.Time // earliest delivery time (backoff)
	deadline time.Time // visibility deadline while in flight
}

// Queue is a single-process, multi-worker task queue.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	cfg       Config
	store     Store
	clock     domain.Clock
	log       *slog.Logger
	ready     []*entry
	delayed   []*entry
	inflight  map[uint64]*entry
	nextToken uint64
	closed    bool
}

// New creates a queue over the given store. Run must be started for delayed
// redelivery and visibility expiry to make progress.
func New(store Store, cfg Config, clock domain.Clock, log *slog.Logger) *Queue {
	cfg.applyDefaults()
	if clock == nil {
		clock = domain.SystemClock{}
	}
	q := &Queue{
		cfg:      cfg,
		store:    store,
		clock:    clock,
		log:      log,
		inflight: make(map[uint64]*entry),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Recover re-offers tasks that were pending or in flight when the process
// last stopped. Call once at startup, before workers begin dequeuing.
func (q *Queue) Recover() error {
	tasks, err := q.store.UnsettledTasks()
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		if err := q.store.SetTaskStatus(t.ID, domain.TaskPending, t.Attempts); err != nil {
			return err
		}
		q.ready = append(q.ready, &entry{task: t})
	}
	if len(tasks) > 0 {
		q.log.Info("recovered unsettled tasks", "count", len(tasks))
		q.cond.Broadcast()
	}
	return nil
}

// Enqueue stores and offers a task. Duplicate task ids collapse into the
// already-stored task (deterministic follow-on ids rely on this), so a
// redelivered event enqueues at most one execution.
func (q *Queue) Enqueue(t domain.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.ErrQueueClosed
	}
	q.mu.Unlock()

	inserted, err := q.store.InsertTask(t)
	if err != nil {
		return err
	}
	if !inserted {
		return nil // idempotent duplicate
	}

	q.mu.Lock()
	q.ready = append(q.ready, &entry{task: t})
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

// Dequeue blocks until a task is available, the context ends, or the queue
// shuts down. The returned delivery is invisible to other callers until
// settled or its visibility timeout elapses.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return nil, domain.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.promoteLocked()

		if len(q.ready) > 0 {
			e := q.ready[0]
			q.ready = q.ready[1:]

			e.task.Attempts++
			e.deadline = q.clock.Now().Add(q.cfg.VisibilityTimeout)
			q.nextToken++
			token := q.nextToken
			q.inflight[token] = e

			if err := q.store.SetTaskStatus(e.task.ID, domain.TaskInflight, e.task.Attempts); err != nil {
				q.log.Warn("persist in-flight status failed", "task", e.task.ID, "error", err)
			}
			return &Delivery{Task: e.task, token: token}, nil
		}

		q.cond.Wait()
	}
}

// Ack settles a delivery as succeeded and removes the task from rotation.
// Returns domain.ErrUnknownHandle if the delivery was already settled or its
// visibility expired and the task was redelivered.
func (q *Queue) Ack(d *Delivery) error {
	q.mu.Lock()
	e, ok := q.inflight[d.token]
	if ok {
		delete(q.inflight, d.token)
	}
	q.mu.Unlock()

	if !ok {
		return domain.ErrUnknownHandle
	}
	return q.store.SetTaskStatus(e.task.ID, domain.TaskAcked, e.task.Attempts)
}

// Nack settles a delivery as failed. Within the retry budget the task is
// rescheduled after an exponential backoff delay; beyond it the task is
// parked in the dead-letter area and dead=true is returned so the caller can
// record the terminal job failure.
func (q *Queue) Nack(d *Delivery, reason string) (dead bool, err error) {
	q.mu.Lock()
	e, ok := q.inflight[d.token]
	if ok {
		delete(q.inflight, d.token)
	}
	q.mu.Unlock()

	if !ok {
		return false, domain.ErrUnknownHandle
	}

	if e.task.Attempts >= q.cfg.MaxRetries {
		q.log.Warn("task exhausted retries, parking in dead-letter area",
			"task", e.task.ID, "job", e.task.JobID, "attempts", e.task.Attempts, "reason", reason)
		if err := q.store.ParkDeadLetter(e.task, reason); err != nil {
			return true, err
		}
		return true, nil
	}

	delay := Backoff(q.cfg.BaseDelay, q.cfg.MaxDelay, e.task.Attempts)
	e.readyAt = q.clock.Now().Add(delay)
	e.deadline = time.Time{}

	if err := q.store.SetTaskStatus(e.task.ID, domain.TaskPending, e.task.Attempts); err != nil {
		return false, err
	}

	q.mu.Lock()
	q.delayed = append(q.delayed, e)
	q.mu.Unlock()

	q.log.Debug("task nacked, redelivery scheduled",
		"task", e.task.ID, "attempt", e.task.Attempts, "delay", delay, "reason", reason)
	return false, nil
}

// Run promotes delayed and visibility-expired tasks until ctx ends. Waiters
// blocked in Dequeue are woken whenever work becomes ready.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.Close()
			return
		case <-ticker.C:
			q.mu.Lock()
			if q.promoteLocked() {
				q.cond.Broadcast()
			}
			q.mu.Unlock()
		}
	}
}

// Close shuts the queue down; blocked Dequeue calls return ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Depth returns the number of tasks waiting for delivery (ready + delayed).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed)
}

// InflightCount returns the number of unsettled deliveries.
func (q *Queue) InflightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// promoteLocked moves due delayed entries to the ready list and re-offers
// in-flight entries whose visibility deadline passed (crashed or stalled
// consumers). An expired entry whose retry budget is spent is parked in the
// dead-letter area instead of being re-offered, so a consumer that never
// settles cannot keep a task in rotation forever. Caller holds q.mu. Reports
// whether anything became ready.
func (q *Queue) promoteLocked() bool {
	now := q.clock.Now()
	promoted := false

	remaining := q.delayed[:0]
	for _, e := range q.delayed {
		if !e.readyAt.After(now) {
			q.ready = append(q.ready, e)
			promoted = true
		} else {
			remaining = append(remaining, e)
		}
	}
	q.delayed = remaining

	for token, e := range q.inflight {
		if e.deadline.IsZero() || !e.deadline.Before(now) {
			continue
		}
		delete(q.inflight, token)
		e.deadline = time.Time{}

		if e.task.Attempts >= q.cfg.MaxRetries {
			reason := "visibility timeout, retries exhausted"
			q.log.Warn("task exhausted retries after visibility timeout, parking in dead-letter area",
				"task", e.task.ID, "job", e.task.JobID, "attempts", e.task.Attempts)
			if err := q.store.ParkDeadLetter(e.task, reason); err != nil {
				q.log.Error("park dead letter failed", "task", e.task.ID, "error", err)
			}
			if q.cfg.OnDeadLetter != nil {
				go q.cfg.OnDeadLetter(e.task, reason)
			}
			continue
		}

		q.ready = append(q.ready, e)
		promoted = true
		q.log.Warn("visibility timeout elapsed, redelivering task",
			"task", e.task.ID, "attempts", e.task.Attempts)
	}
	return promoted
}

// Backoff computes the redelivery delay for the given attempt number
// (1-based): base doubled per prior attempt, capped at maxDelay. Pure
// function of its inputs so it is testable without a clock.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
