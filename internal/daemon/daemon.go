package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pharmaq-ai/pharmaq/internal/api"
	"github.com/pharmaq-ai/pharmaq/internal/domain"
	"github.com/pharmaq-ai/pharmaq/internal/health"
	"github.com/pharmaq-ai/pharmaq/internal/infra/agent"
	"github.com/pharmaq-ai/pharmaq/internal/infra/bus"
	"github.com/pharmaq-ai/pharmaq/internal/infra/cache"
	"github.com/pharmaq-ai/pharmaq/internal/infra/metrics"
	"github.com/pharmaq-ai/pharmaq/internal/infra/queue"
	"github.com/pharmaq-ai/pharmaq/internal/infra/ratelimit"
	"github.com/pharmaq-ai/pharmaq/internal/infra/sqlite"
	"github.com/pharmaq-ai/pharmaq/internal/infra/worker"
	"github.com/pharmaq-ai/pharmaq/internal/orchestrator"
)

// Daemon is the PharmaQ runtime. It wires the job store, task queue, worker
// pool, event bus, rate limiter, and result cache behind the HTTP API.
type Daemon struct {
	Config  Config
	DB      *sqlite.DB
	Queue   *queue.Queue
	Limiter *ratelimit.Limiter
	Cache   *cache.Cache
	Bus     *bus.Bus
	Chain   *bus.Chain
	Pool    *worker.Pool
	Orch    *orchestrator.Orchestrator
	Health  *health.Checker
	Server  *api.Server

	log    *slog.Logger
	cancel context.CancelFunc
}

// New creates a Daemon from the on-disk configuration.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	log := NewLogger(cfg.Logging)
	clock := domain.SystemClock{}

	db, err := sqlite.Open(Home())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	b := bus.New(0, log)

	q := queue.New(db, queue.Config{
		MaxRetries:        cfg.Queue.MaxRetries,
		BaseDelay:         parseDuration(cfg.Queue.BaseDelay, 500*time.Millisecond),
		MaxDelay:          parseDuration(cfg.Queue.MaxDelay, 30*time.Second),
		VisibilityTimeout: parseDuration(cfg.Queue.VisibilityTimeout, 2*time.Minute),
		// Reaper-parked tasks have no worker holding them, so the terminal job
		// failure and the failure event are recorded here.
		OnDeadLetter: func(t domain.Task, reason string) {
			metrics.DeadLetters.WithLabelValues(t.Role).Inc()
			if _, err := db.TransitionJob(t.JobID, domain.JobFailed, sqlite.TransitionPayload{Error: reason}); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
				log.Error("fail transition after dead-letter", "job", t.JobID, "error", err)
			}
			b.Publish(domain.TopicAgentFailed, domain.Event{
				JobID:         t.JobID,
				ProducingRole: t.Role,
				Summary:       reason,
				Timestamp:     clock.Now(),
			})
			metrics.EventsPublished.WithLabelValues(domain.TopicAgentFailed).Inc()
		},
	}, clock, log)

	limiter := ratelimit.New(ratelimit.Config{
		Rate:        cfg.RateLimit.Rate,
		Burst:       cfg.RateLimit.Burst,
		GlobalRate:  cfg.RateLimit.GlobalRate,
		GlobalBurst: cfg.RateLimit.GlobalBurst,
	}, clock)

	cacheTTL := parseDuration(cfg.Cache.TTL, 30*time.Minute)
	results := cache.New(cache.Config{
		Capacity: cfg.Cache.Capacity,
		TTL:      cacheTTL,
	}, clock)

	rules := make([]bus.Rule, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		rules = append(rules, bus.Rule{Producer: c.Producer, Consumer: c.Consumer})
	}
	chain := bus.NewChain(b, q, rules, clock, log)

	var exec worker.Executor
	if cfg.LLM.BaseURL != "" {
		exec = agent.NewLLMExecutor(agent.LLMConfig{
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			APIKey:      cfg.LLM.APIKey,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     parseDuration(cfg.LLM.Timeout, 90*time.Second),
		})
	} else {
		log.Warn("no llm endpoint configured, using mock executor")
		exec = agent.NewMockExecutor()
	}

	pool := worker.New(worker.Config{
		Workers:     cfg.Workers.Count,
		ExecTimeout: parseDuration(cfg.Workers.ExecTimeout, 60*time.Second),
		CacheTTL:    cacheTTL,
	}, db, q, limiter, results, b, exec, clock, log)

	orch := orchestrator.New(orchestrator.Config{
		InitialRoles: cfg.Orchestrator.InitialRoles,
	}, db, q, clock, log)

	checker := health.NewChecker(db, q, Home())

	srv := api.NewServer(orch)
	srv.SetHealthChecker(checker)
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}

	return &Daemon{
		Config:  cfg,
		DB:      db,
		Queue:   q,
		Limiter: limiter,
		Cache:   results,
		Bus:     b,
		Chain:   chain,
		Pool:    pool,
		Orch:    orch,
		Health:  checker,
		Server:  srv,
		log:     log,
	}, nil
}

// Serve recovers unsettled tasks, starts the background services, and blocks
// serving HTTP until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.Queue.Recover(); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}

	go d.Queue.Run(ctx)
	go d.Chain.Run(ctx)
	go d.Health.Run(ctx)
	go d.Cache.Run(ctx, parseDuration(d.Config.Cache.SweepInterval, time.Minute))
	go d.publishGauges(ctx)
	go func() {
		if err := d.Pool.Run(ctx); err != nil {
			d.log.Error("worker pool stopped", "error", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		_ = httpServer.Shutdown(shutdownCtx)
		d.Bus.Close()
		_ = d.DB.Close()
	}()

	d.log.Info("pharmaq serving", "addr", addr,
		"workers", d.Config.Workers.Count, "metrics", d.Config.Telemetry.Prometheus)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Queue != nil {
		d.Queue.Close()
	}
	if d.Bus != nil {
		d.Bus.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

// publishGauges mirrors queue state into Prometheus gauges.
func (d *Daemon) publishGauges(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.QueueDepth.Set(float64(d.Queue.Depth()))
			metrics.TasksInFlight.Set(float64(d.Queue.InflightCount()))
		}
	}
}

// NewLogger builds the process logger from config.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
