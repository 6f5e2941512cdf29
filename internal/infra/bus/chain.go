package bus

import (
	"context"
	"log/slog"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

// Enqueuer accepts follow-on tasks. Enqueue of an already-known task id is a
// no-op, which is what makes redelivered completions harmless.
type Enqueuer interface {
	Enqueue(t domain.Task) error
}

// Rule triggers one consuming role whenever a producing role completes.
type Rule struct {
	Producer string
	Consumer string
}

// Chain subscribes to agent completions and enqueues the configured follow-on
// tasks. Task ids are derived deterministically from (job, producer,
// consumer), so the same completion observed twice enqueues once.
type Chain struct {
	bus   *Bus
	queue Enqueuer
	clock domain.Clock
	log   *slog.Logger
	rules map[string][]string
}

// NewChain builds a chain consumer from the rule set.
func NewChain(b *Bus, q Enqueuer, rules []Rule, clock domain.Clock, log *slog.Logger) *Chain {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	byProducer := make(map[string][]string)
	for _, r := range rules {
		byProducer[r.Producer] = append(byProducer[r.Producer], r.Consumer)
	}
	return &Chain{bus: b, queue: q, clock: clock, log: log, rules: byProducer}
}

// Run consumes completions until ctx ends or the bus closes. The chain
// subscribes losslessly: a completion burst waits on the chain rather than
// losing follow-on work.
func (c *Chain) Run(ctx context.Context) {
	events, unsubscribe := c.bus.SubscribeReliable(domain.TopicAgentCompleted)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handle(ev)
		}
	}
}

func (c *Chain) handle(ev domain.Event) {
	for _, consumer := range c.rules[ev.ProducingRole] {
		task := domain.Task{
			ID:    domain.FollowOnTaskID(ev.JobID, ev.ProducingRole, consumer),
			JobID: ev.JobID,
			Role:  consumer,
			Params: map[string]string{
				"triggered_by": ev.ProducingRole,
				"summary":      ev.Summary,
			},
			CreatedAt: c.clock.Now(),
		}
		if err := c.queue.Enqueue(task); err != nil {
			c.log.Error("chain enqueue failed",
				"job_id", ev.JobID, "producer", ev.ProducingRole, "consumer", consumer, "error", err)
			continue
		}
		c.log.Info("follow-on task enqueued",
			"job_id", ev.JobID, "producer", ev.ProducingRole, "consumer", consumer, "task_id", task.ID)
	}
}
