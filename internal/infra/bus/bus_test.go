package bus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recvEvent(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before event arrived")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.Event{}
}

func TestPublish_ReachesAllTopicSubscribers(t *testing.T) {
	b := New(4, testLogger())
	ch1, unsub1 := b.Subscribe(domain.TopicAgentCompleted)
	ch2, unsub2 := b.Subscribe(domain.TopicAgentCompleted)
	defer unsub1()
	defer unsub2()

	b.Publish(domain.TopicAgentCompleted, domain.Event{JobID: "j1", ProducingRole: domain.RoleMarket})

	for _, ch := range []<-chan domain.Event{ch1, ch2} {
		ev := recvEvent(t, ch)
		if ev.JobID != "j1" {
			t.Fatalf("JobID = %q, want j1", ev.JobID)
		}
	}
}

func TestPublish_TopicIsolation(t *testing.T) {
	b := New(4, testLogger())
	completed, unsub := b.Subscribe(domain.TopicAgentCompleted)
	defer unsub()

	b.Publish(domain.TopicAgentFailed, domain.Event{JobID: "j1"})

	select {
	case ev := <-completed:
		t.Fatalf("subscriber received event from wrong topic: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe_StopsDeliveryAndCloses(t *testing.T) {
	b := New(4, testLogger())
	ch, unsub := b.Subscribe(domain.TopicAgentCompleted)

	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if n := b.SubscriberCount(domain.TopicAgentCompleted); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}
	b.Publish(domain.TopicAgentCompleted, domain.Event{JobID: "j1"})
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	b := New(1, testLogger())
	ch, unsub := b.Subscribe(domain.TopicAgentCompleted)
	defer unsub()

	b.Publish(domain.TopicAgentCompleted, domain.Event{JobID: "kept"})
	b.Publish(domain.TopicAgentCompleted, domain.Event{JobID: "dropped"})

	if ev := recvEvent(t, ch); ev.JobID != "kept" {
		t.Fatalf("JobID = %q, want kept", ev.JobID)
	}
	select {
	case ev := <-ch:
		t.Fatalf("overflow event should have been dropped, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishReliable_BurstLosesNothing(t *testing.T) {
	const total = 10
	b := New(4, testLogger())
	ch, unsub := b.SubscribeReliable(domain.TopicAgentCompleted)
	defer unsub()

	go func() {
		for i := 0; i < total; i++ {
			b.Publish(domain.TopicAgentCompleted, domain.Event{JobID: "burst", Summary: "s"})
		}
	}()

	for i := 0; i < total; i++ {
		recvEvent(t, ch)
	}
}

func TestPublishReliable_UnsubscribeReleasesBlockedPublisher(t *testing.T) {
	b := New(1, testLogger())
	_, unsub := b.SubscribeReliable(domain.TopicAgentCompleted)

	published := make(chan struct{})
	go func() {
		// Fills the buffer, then blocks on the second event.
		b.Publish(domain.TopicAgentCompleted, domain.Event{JobID: "j1"})
		b.Publish(domain.TopicAgentCompleted, domain.Event{JobID: "j2"})
		close(published)
	}()

	time.Sleep(20 * time.Millisecond)
	unsub()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher stayed blocked after unsubscribe")
	}
}

func TestPublishReliable_CloseReleasesBlockedPublisher(t *testing.T) {
	b := New(1, testLogger())
	b.SubscribeReliable(domain.TopicAgentCompleted)

	published := make(chan struct{})
	go func() {
		b.Publish(domain.TopicAgentCompleted, domain.Event{JobID: "j1"})
		b.Publish(domain.TopicAgentCompleted, domain.Event{JobID: "j2"})
		close(published)
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher stayed blocked after close")
	}
}

func TestClose_TerminatesSubscribers(t *testing.T) {
	b := New(4, testLogger())
	ch, _ := b.Subscribe(domain.TopicAgentCompleted)

	b.Close()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(domain.TopicAgentCompleted, domain.Event{JobID: "j1"}) // no-op

	late, unsub := b.Subscribe(domain.TopicAgentCompleted)
	defer unsub()
	if _, ok := <-late; ok {
		t.Fatal("subscribe after close should yield a closed channel")
	}
}

// ─── Chain ──────────────────────────────────────────────────────────────────

type memEnqueuer struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
	order []string
}

func newMemEnqueuer() *memEnqueuer {
	return &memEnqueuer{tasks: make(map[string]domain.Task)}
}

func (m *memEnqueuer) Enqueue(t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return nil
	}
	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)
	return nil
}

func (m *memEnqueuer) snapshot() []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id])
	}
	return out
}

func waitForTasks(t *testing.T, m *memEnqueuer, want int) []domain.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := m.snapshot(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d tasks, have %d", want, len(m.snapshot()))
	return nil
}

func startChain(t *testing.T, b *Bus, q Enqueuer, rules []Rule) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	chain := NewChain(b, q, rules, domain.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)), testLogger())
	go chain.Run(ctx)
	// Subscribe happens inside Run; wait until it is registered.
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount(domain.TopicAgentCompleted) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("chain never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestChain_EnqueuesFollowOnTask(t *testing.T) {
	b := New(8, testLogger())
	q := newMemEnqueuer()
	startChain(t, b, q, []Rule{{Producer: domain.RolePatent, Consumer: domain.RoleCompetitor}})

	b.Publish(domain.TopicAgentCompleted, domain.Event{
		JobID:         "j1",
		ProducingRole: domain.RolePatent,
		Summary:       "three blocking patents found",
	})

	tasks := waitForTasks(t, q, 1)
	task := tasks[0]
	if task.Role != domain.RoleCompetitor {
		t.Fatalf("Role = %q, want %q", task.Role, domain.RoleCompetitor)
	}
	if task.JobID != "j1" {
		t.Fatalf("JobID = %q, want j1", task.JobID)
	}
	if want := domain.FollowOnTaskID("j1", domain.RolePatent, domain.RoleCompetitor); task.ID != want {
		t.Fatalf("ID = %q, want %q", task.ID, want)
	}
	if task.Params["triggered_by"] != domain.RolePatent {
		t.Fatalf("triggered_by = %q, want %q", task.Params["triggered_by"], domain.RolePatent)
	}
	if task.Params["summary"] != "three blocking patents found" {
		t.Fatalf("summary = %q", task.Params["summary"])
	}
}

func TestChain_DuplicateDeliveryEnqueuesOnce(t *testing.T) {
	b := New(8, testLogger())
	q := newMemEnqueuer()
	startChain(t, b, q, []Rule{{Producer: domain.RolePatent, Consumer: domain.RoleCompetitor}})

	ev := domain.Event{JobID: "j2", ProducingRole: domain.RolePatent, Summary: "dup"}
	b.Publish(domain.TopicAgentCompleted, ev)
	b.Publish(domain.TopicAgentCompleted, ev)
	b.Publish(domain.TopicAgentCompleted, ev)

	waitForTasks(t, q, 1)
	time.Sleep(50 * time.Millisecond)
	if got := len(q.snapshot()); got != 1 {
		t.Fatalf("duplicate completions produced %d tasks, want 1", got)
	}
}

func TestChain_FanOutToMultipleConsumers(t *testing.T) {
	b := New(8, testLogger())
	q := newMemEnqueuer()
	startChain(t, b, q, []Rule{
		{Producer: domain.RoleMarket, Consumer: domain.RoleSocial},
		{Producer: domain.RoleMarket, Consumer: domain.RoleTrade},
	})

	b.Publish(domain.TopicAgentCompleted, domain.Event{JobID: "j3", ProducingRole: domain.RoleMarket})

	tasks := waitForTasks(t, q, 2)
	roles := map[string]bool{}
	for _, task := range tasks {
		roles[task.Role] = true
	}
	if !roles[domain.RoleSocial] || !roles[domain.RoleTrade] {
		t.Fatalf("fan-out roles = %v", roles)
	}
}

func TestChain_CompletionBurstLosesNoFollowOns(t *testing.T) {
	const jobs = 20
	b := New(1, testLogger()) // buffer far smaller than the burst
	q := newMemEnqueuer()
	startChain(t, b, q, []Rule{{Producer: domain.RolePatent, Consumer: domain.RoleCompetitor}})

	for i := 0; i < jobs; i++ {
		b.Publish(domain.TopicAgentCompleted, domain.Event{
			JobID:         fmt.Sprintf("j%d", i),
			ProducingRole: domain.RolePatent,
		})
	}

	tasks := waitForTasks(t, q, jobs)
	if len(tasks) != jobs {
		t.Fatalf("follow-on tasks = %d, want %d", len(tasks), jobs)
	}
}

func TestChain_UnmatchedProducerIsIgnored(t *testing.T) {
	b := New(8, testLogger())
	q := newMemEnqueuer()
	startChain(t, b, q, []Rule{{Producer: domain.RolePatent, Consumer: domain.RoleCompetitor}})

	b.Publish(domain.TopicAgentCompleted, domain.Event{JobID: "j4", ProducingRole: domain.RoleWeb})

	time.Sleep(50 * time.Millisecond)
	if got := len(q.snapshot()); got != 0 {
		t.Fatalf("unmatched producer enqueued %d tasks, want 0", got)
	}
}
