package domain

import "time"

// Topic names carried by the event bus. The set is fixed at compile time but
// extensible: consumers register per topic at startup.
const (
	TopicAgentCompleted = "agent.completed"
	TopicAgentFailed    = "agent.failed"
)

// summaryLimit bounds the payload carried on completion events; full results
// live on the job record, the event only carries a preview.
const summaryLimit = 500

// Event is an immutable fact published when a task finishes. Delivery is
// at-least-once to subscribers registered at publish time; ordering is
// preserved per (job, producer), never across jobs.
type Event struct {
	JobID         string    `json:"job_id"`
	ProducingRole string    `json:"producing_role"`
	Summary       string    `json:"summary"`
	Timestamp     time.Time `json:"timestamp"`
}

// Summarize truncates a result payload for inclusion on an event.
func Summarize(result string) string {
	if len(result) <= summaryLimit {
		return result
	}
	return result[:summaryLimit]
}
