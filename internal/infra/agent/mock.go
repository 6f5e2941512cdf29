package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

// ─── Mock Executor (for testing and offline runs) ───────────────────────────

// MockExecutor produces deterministic answers without an LLM endpoint. The
// same (role, query) pair always yields the same result, so cache and dedupe
// behavior is observable in tests.
type MockExecutor struct {
	// Latency, when set, delays each execution so timeout paths can be
	// exercised.
	Latency time.Duration
	// Fail, when set, overrides execution with the given error.
	Fail error
}

func NewMockExecutor() *MockExecutor { return &MockExecutor{} }

func (m *MockExecutor) Execute(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: mock %s: %v", domain.ErrTimeout, task.Role, ctx.Err())
		case <-time.After(m.Latency):
		}
	}
	if m.Fail != nil {
		return "", m.Fail
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] findings for %q", task.Role, job.Query)
	if from := task.Params["triggered_by"]; from != "" {
		fmt.Fprintf(&b, " (building on %s: %s)", from, task.Params["summary"])
	}
	return b.String(), nil
}
