package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
	"github.com/pharmaq-ai/pharmaq/internal/infra/cache"
	"github.com/pharmaq-ai/pharmaq/internal/infra/queue"
	"github.com/pharmaq-ai/pharmaq/internal/infra/sqlite"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newFakeStore(jobs ...*domain.Job) *fakeStore {
	s := &fakeStore{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) GetJob(id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) TransitionJob(id string, next domain.JobStatus, payload sqlite.TransitionPayload) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !j.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	if payload.Result != "" {
		j.Result = payload.Result
	}
	if payload.Error != "" {
		j.Error = payload.Error
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) IncrementRetry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.RetryCount++
	return nil
}

func (s *fakeStore) job(t *testing.T, id string) domain.Job {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		t.Fatalf("job %s missing", id)
	}
	return *j
}

type nackCall struct {
	reason string
}

type fakeQueue struct {
	mu         sync.Mutex
	acks       int
	nacks      []nackCall
	deadAfter  int // Nack returns dead=true once len(nacks) reaches this
	deadOnNack bool
}

func (q *fakeQueue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	return nil, domain.ErrQueueClosed
}

func (q *fakeQueue) Ack(d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acks++
	return nil
}

func (q *fakeQueue) Nack(d *queue.Delivery, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacks = append(q.nacks, nackCall{reason: reason})
	if q.deadOnNack {
		return true, nil
	}
	return q.deadAfter > 0 && len(q.nacks) >= q.deadAfter, nil
}

type fakeGate struct{ allow bool }

func (g fakeGate) Allow(identity string) bool { return g.allow }

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string
	puts    int
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[string]string)} }

func (c *fakeCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *fakeCache) Put(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	c.puts++
}

type fakeBus struct {
	mu     sync.Mutex
	events []domain.Event
	topics []string
}

func (b *fakeBus) Publish(topic string, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	b.topics = append(b.topics, topic)
}

func (b *fakeBus) published(topic string) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for i, tp := range b.topics {
		if tp == topic {
			out = append(out, b.events[i])
		}
	}
	return out
}

type execFunc func(ctx context.Context, job *domain.Job, task domain.Task) (string, error)

func (f execFunc) Execute(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
	return f(ctx, job, task)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func queuedJob(id string) *domain.Job {
	return &domain.Job{ID: id, Query: "glp-1 market size", Status: domain.JobQueued}
}

func delivery(jobID, role string) *queue.Delivery {
	return &queue.Delivery{Task: domain.Task{
		ID:       domain.FollowOnTaskID(jobID, "submit", role),
		JobID:    jobID,
		Role:     role,
		Attempts: 1,
	}}
}

func newPool(cfg Config, store JobStore, q TaskQueue, gate Gate, rc ResultCache, bus Publisher, exec Executor) *Pool {
	return New(cfg, store, q, gate, rc, bus, exec, nil, testLogger())
}

func jobDurationSamples(t *testing.T) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "pharmaq_job_duration_seconds" {
			return f.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestHandle_SuccessCompletesJob(t *testing.T) {
	store := newFakeStore(queuedJob("j1"))
	q := &fakeQueue{}
	rc := newFakeCache()
	bus := &fakeBus{}
	exec := execFunc(func(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
		return "market analysis result", nil
	})
	p := newPool(Config{}, store, q, fakeGate{allow: true}, rc, bus, exec)

	durationsBefore := jobDurationSamples(t)
	p.handle(context.Background(), testLogger(), delivery("j1", domain.RoleMarket))

	job := store.job(t, "j1")
	if job.Status != domain.JobDone {
		t.Fatalf("status = %s, want %s", job.Status, domain.JobDone)
	}
	if job.Result != "market analysis result" {
		t.Fatalf("result = %q", job.Result)
	}
	if q.acks != 1 || len(q.nacks) != 0 {
		t.Fatalf("acks = %d, nacks = %d, want 1, 0", q.acks, len(q.nacks))
	}
	if len(bus.events) != 1 || bus.events[0].ProducingRole != domain.RoleMarket {
		t.Fatalf("events = %+v", bus.events)
	}
	if rc.puts != 1 {
		t.Fatalf("cache puts = %d, want 1", rc.puts)
	}
	if got := jobDurationSamples(t); got != durationsBefore+1 {
		t.Fatalf("job duration samples = %d, want %d", got, durationsBefore+1)
	}
}

func TestHandle_CacheHitSkipsExecutor(t *testing.T) {
	store := newFakeStore(queuedJob("j1"))
	q := &fakeQueue{}
	rc := newFakeCache()
	executed := false
	exec := execFunc(func(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
		executed = true
		return "fresh", nil
	})
	p := newPool(Config{}, store, q, nil, rc, nil, exec)

	// Prime the cache with the key the pool derives.
	rc.Put(cache.Key(domain.RoleMarket, "glp-1 market size"), "cached", time.Minute)

	p.handle(context.Background(), testLogger(), delivery("j1", domain.RoleMarket))

	if executed {
		t.Fatal("executor should not run on cache hit")
	}
	job := store.job(t, "j1")
	if job.Status != domain.JobDone || job.Result != "cached" {
		t.Fatalf("job = %s / %q, want DONE / cached", job.Status, job.Result)
	}
}

func TestHandle_PermanentErrorFailsImmediately(t *testing.T) {
	store := newFakeStore(queuedJob("j1"))
	q := &fakeQueue{}
	exec := execFunc(func(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
		return "", fmt.Errorf("%w: model rejected the prompt", domain.ErrPermanent)
	})
	p := newPool(Config{}, store, q, nil, nil, nil, exec)

	p.handle(context.Background(), testLogger(), delivery("j1", domain.RoleMarket))

	job := store.job(t, "j1")
	if job.Status != domain.JobFailed {
		t.Fatalf("status = %s, want %s", job.Status, domain.JobFailed)
	}
	if job.Error == "" {
		t.Fatal("error detail should be recorded")
	}
	if job.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", job.RetryCount)
	}
	if q.acks != 1 || len(q.nacks) != 0 {
		t.Fatalf("permanent failure must ack, got acks=%d nacks=%d", q.acks, len(q.nacks))
	}
}

func TestHandle_TransientErrorNacksAndCountsRetry(t *testing.T) {
	store := newFakeStore(queuedJob("j1"))
	q := &fakeQueue{}
	exec := execFunc(func(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
		return "", fmt.Errorf("%w: llm endpoint reset", domain.ErrTransient)
	})
	p := newPool(Config{}, store, q, nil, nil, nil, exec)

	p.handle(context.Background(), testLogger(), delivery("j1", domain.RoleMarket))

	job := store.job(t, "j1")
	if job.Status != domain.JobRunning {
		t.Fatalf("status = %s, want %s", job.Status, domain.JobRunning)
	}
	if job.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", job.RetryCount)
	}
	if len(q.nacks) != 1 || q.acks != 0 {
		t.Fatalf("acks = %d, nacks = %d, want 0, 1", q.acks, len(q.nacks))
	}
}

func TestHandle_ExhaustedRetriesFailJob(t *testing.T) {
	store := newFakeStore(queuedJob("j1"))
	q := &fakeQueue{deadOnNack: true}
	bus := &fakeBus{}
	exec := execFunc(func(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
		return "", fmt.Errorf("%w: llm endpoint reset", domain.ErrTransient)
	})
	p := newPool(Config{}, store, q, nil, nil, bus, exec)

	p.handle(context.Background(), testLogger(), delivery("j1", domain.RoleMarket))

	job := store.job(t, "j1")
	if job.Status != domain.JobFailed {
		t.Fatalf("status = %s, want %s", job.Status, domain.JobFailed)
	}
	if job.Error == "" {
		t.Fatal("terminal error should be recorded")
	}
	failures := bus.published(domain.TopicAgentFailed)
	if len(failures) != 1 || failures[0].JobID != "j1" || failures[0].ProducingRole != domain.RoleMarket {
		t.Fatalf("failure events = %+v, want one for j1/market", failures)
	}
}

func TestHandle_ThrottledNacksWithoutExecuting(t *testing.T) {
	store := newFakeStore(queuedJob("j1"))
	q := &fakeQueue{}
	executed := false
	exec := execFunc(func(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
		executed = true
		return "x", nil
	})
	p := newPool(Config{}, store, q, fakeGate{allow: false}, nil, nil, exec)

	p.handle(context.Background(), testLogger(), delivery("j1", domain.RoleMarket))

	if executed {
		t.Fatal("executor must not run when throttled")
	}
	if len(q.nacks) != 1 || q.nacks[0].reason != "throttled" {
		t.Fatalf("nacks = %+v", q.nacks)
	}
	job := store.job(t, "j1")
	if job.RetryCount != 0 {
		t.Fatalf("throttling must not count as a job retry, got %d", job.RetryCount)
	}
	if job.Status.IsTerminal() {
		t.Fatalf("throttling must not settle the job, status = %s", job.Status)
	}
}

func TestHandle_CancelRequestedDropsTask(t *testing.T) {
	j := queuedJob("j1")
	j.CancelAsked = true
	store := newFakeStore(j)
	q := &fakeQueue{}
	executed := false
	exec := execFunc(func(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
		executed = true
		return "x", nil
	})
	p := newPool(Config{}, store, q, nil, nil, nil, exec)

	p.handle(context.Background(), testLogger(), delivery("j1", domain.RoleMarket))

	if executed {
		t.Fatal("executor must not run for a cancelled job")
	}
	job := store.job(t, "j1")
	if job.Status != domain.JobCancelled {
		t.Fatalf("status = %s, want %s", job.Status, domain.JobCancelled)
	}
	if q.acks != 1 {
		t.Fatalf("acks = %d, want 1", q.acks)
	}
}

func TestHandle_SettledJobDropsTask(t *testing.T) {
	for _, status := range []domain.JobStatus{domain.JobFailed, domain.JobCancelled} {
		t.Run(string(status), func(t *testing.T) {
			j := queuedJob("j1")
			j.Status = status
			store := newFakeStore(j)
			q := &fakeQueue{}
			exec := execFunc(func(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
				t.Fatal("executor must not run")
				return "", nil
			})
			p := newPool(Config{}, store, q, nil, nil, nil, exec)

			p.handle(context.Background(), testLogger(), delivery("j1", domain.RoleMarket))
			if q.acks != 1 {
				t.Fatalf("acks = %d, want 1", q.acks)
			}
		})
	}
}

func TestHandle_FollowOnRunsAfterJobDone(t *testing.T) {
	j := queuedJob("j1")
	j.Status = domain.JobDone
	j.Result = "original"
	store := newFakeStore(j)
	q := &fakeQueue{}
	bus := &fakeBus{}
	exec := execFunc(func(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
		return "competitor landscape", nil
	})
	p := newPool(Config{}, store, q, nil, nil, bus, exec)

	p.handle(context.Background(), testLogger(), delivery("j1", domain.RoleCompetitor))

	job := store.job(t, "j1")
	if job.Result != "original" {
		t.Fatalf("follow-on must not overwrite the job result, got %q", job.Result)
	}
	if len(bus.events) != 1 || bus.events[0].ProducingRole != domain.RoleCompetitor {
		t.Fatalf("events = %+v", bus.events)
	}
	if q.acks != 1 {
		t.Fatalf("acks = %d, want 1", q.acks)
	}
}

func TestHandle_UnknownJobDropsTask(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	p := newPool(Config{}, store, q, nil, nil, nil, execFunc(func(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
		t.Fatal("executor must not run")
		return "", nil
	}))

	p.handle(context.Background(), testLogger(), delivery("missing", domain.RoleMarket))
	if q.acks != 1 {
		t.Fatalf("acks = %d, want 1", q.acks)
	}
}

func TestHandle_TimeoutIsNackedAsTimeout(t *testing.T) {
	store := newFakeStore(queuedJob("j1"))
	q := &fakeQueue{}
	exec := execFunc(func(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	p := newPool(Config{ExecTimeout: 10 * time.Millisecond}, store, q, nil, nil, nil, exec)

	p.handle(context.Background(), testLogger(), delivery("j1", domain.RoleMarket))

	if len(q.nacks) != 1 {
		t.Fatalf("nacks = %+v", q.nacks)
	}
	job := store.job(t, "j1")
	if job.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", job.RetryCount)
	}
}

func TestRun_DrainsOnQueueClose(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{} // Dequeue always reports queue closed
	p := newPool(Config{Workers: 3}, store, q, nil, nil, nil, execFunc(func(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
		return "", nil
	}))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after queue close")
	}
}

func TestOutcome_Classification(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: boom", domain.ErrPermanent), "permanent_error"},
		{fmt.Errorf("%w: slow", domain.ErrTimeout), "timeout"},
		{fmt.Errorf("%w: flaky", domain.ErrTransient), "transient_error"},
		{errors.New("unclassified"), "transient_error"},
	}
	for _, c := range cases {
		if got := outcome(c.err); got != c.want {
			t.Errorf("outcome(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}
