// Package agent provides executors for the pharma research roles. The LLM
// executor proxies each task through an OpenAI-compatible chat completions
// endpoint (llama-server, vLLM, or a hosted API); the mock executor produces
// deterministic answers for tests and offline runs.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

// LLMConfig points the executor at a chat completions endpoint.
type LLMConfig struct {
	BaseURL     string        // e.g. http://127.0.0.1:8080
	Model       string        // model name passed through to the endpoint
	APIKey      string        // optional bearer token
	MaxTokens   int           // completion cap (default 1024)
	Temperature float64       // sampling temperature (default 0.2)
	Timeout     time.Duration // per-request HTTP timeout (default 90s)
}

// LLMExecutor answers research tasks via an OpenAI-compatible API.
type LLMExecutor struct {
	cfg    LLMConfig
	client *http.Client
}

// NewLLMExecutor builds an executor against cfg.BaseURL.
func NewLLMExecutor(cfg LLMConfig) *LLMExecutor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &LLMExecutor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Execute runs one attempt for the task's role. Failures are classified so
// the worker pool can decide between retry and terminal failure: 4xx from the
// endpoint is permanent, 429 is throttled, everything else is transient.
func (e *LLMExecutor) Execute(ctx context.Context, job *domain.Job, task domain.Task) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: RolePrompt(task.Role)},
			{Role: "user", Content: userPrompt(job, task)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", domain.ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", domain.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %s request: %v", domain.ErrTimeout, task.Role, err)
		}
		return "", fmt.Errorf("%w: %s request: %v", domain.ErrTransient, task.Role, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", classifyStatus(resp.StatusCode, string(detail))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", domain.ErrTransient, err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("%w: endpoint error: %s", domain.ErrPermanent, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", domain.ErrTransient)
	}

	result := strings.TrimSpace(out.Choices[0].Message.Content)
	if result == "" {
		return "", fmt.Errorf("%w: blank completion", domain.ErrTransient)
	}
	return result, nil
}

// classifyStatus maps an HTTP error status to the retry taxonomy.
func classifyStatus(code int, detail string) error {
	detail = strings.TrimSpace(detail)
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: endpoint returned 429: %s", domain.ErrThrottled, detail)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: endpoint returned %d: %s", domain.ErrPermanent, code, detail)
	case code == http.StatusServiceUnavailable || code == http.StatusBadGateway:
		return fmt.Errorf("%w: endpoint returned %d: %s", domain.ErrUnavailable, code, detail)
	default:
		return fmt.Errorf("%w: endpoint returned %d: %s", domain.ErrTransient, code, detail)
	}
}

// userPrompt renders the task into the user turn. Follow-on tasks carry the
// upstream summary in their params.
func userPrompt(job *domain.Job, task domain.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n", job.Query)
	if from := task.Params["triggered_by"]; from != "" {
		fmt.Fprintf(&b, "Upstream finding from the %s analyst: %s\n", from, task.Params["summary"])
	}
	for k, v := range job.Context {
		if k == "identity" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	return b.String()
}

// RolePrompt returns the system prompt for an agent role.
func RolePrompt(role string) string {
	if p, ok := rolePrompts[role]; ok {
		return p
	}
	return "You are a pharmaceutical research analyst. Answer concisely with sourced facts."
}

var rolePrompts = map[string]string{
	domain.RoleMarket:     "You are a pharmaceutical market analyst. Size the market, name key payers and pricing dynamics, and quantify growth.",
	domain.RolePatent:     "You are a pharmaceutical patent analyst. Identify blocking patents, expiry dates, and freedom-to-operate risks.",
	domain.RoleClinical:   "You are a clinical trials analyst. Summarize trial phases, endpoints, enrollment, and readout timing.",
	domain.RoleSocial:     "You are a social listening analyst. Summarize patient and prescriber sentiment with representative themes.",
	domain.RoleCompetitor: "You are a competitive intelligence analyst. Map competing programs, their stage, and differentiation.",
	domain.RoleTrade:      "You are a trade and supply chain analyst. Cover sourcing, tariffs, and distribution constraints.",
	domain.RoleInternal:   "You are an internal knowledge analyst. Surface relevant prior internal studies and decisions.",
	domain.RoleWeb:        "You are a web research analyst. Aggregate recent public reporting relevant to the question.",
}
