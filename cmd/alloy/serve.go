package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alloybot/alloy/internal/agent"
	"github.com/alloybot/alloy/internal/approval"
	"github.com/alloybot/alloy/internal/breaker"
	"github.com/alloybot/alloy/internal/config"
	"github.com/alloybot/alloy/internal/guard"
	"github.com/alloybot/alloy/internal/hooks"
	"github.com/alloybot/alloy/internal/idempotency"
	"github.com/alloybot/alloy/internal/llm"
	"github.com/alloybot/alloy/internal/memory"
	"github.com/alloybot/alloy/internal/notify"
	"github.com/alloybot/alloy/internal/observability"
	"github.com/alloybot/alloy/internal/policy"
	"github.com/alloybot/alloy/internal/ratelimit"
	"github.com/alloybot/alloy/internal/scheduler"
	"github.com/alloybot/alloy/internal/tools"
)

// runtime bundles the wired core components.
type runtime struct {
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	executor  *agent.Executor
	scheduler *scheduler.Scheduler
	approvals *approval.Store
	closers   []func() error
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn(context.Background(), "close failed", "error", err)
		}
	}
}

// registryToolInvoker serves MCP_TOOL jobs from the local tool
// registry. The server name is informational until remote MCP servers
// are attached.
type registryToolInvoker struct {
	registry *agent.ToolRegistry
}

func (r registryToolInvoker) InvokeTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	t, ok := r.registry.Get(tool)
	if !ok {
		return "", fmt.Errorf("tool %q not found (server %q)", tool, server)
	}
	return t.Invoke(ctx, args)
}

// buildRuntime wires the full component graph from configuration.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	metrics := observability.NewMetrics()
	rt := &runtime{cfg: cfg, logger: logger, metrics: metrics}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	outbound := breaker.NewExecutor(breaker.Config{
		MaxAttempts:      cfg.Breaker.MaxAttempts,
		InitialBackoff:   cfg.Breaker.InitialBackoff,
		MaxBackoff:       cfg.Breaker.MaxBackoff,
		Timeout:          cfg.Breaker.Timeout,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenDuration:     cfg.Breaker.OpenDuration,
	}, breaker.WithLogger(logger.WithComponent("outbound")), breaker.WithMetrics(metrics))

	registry := agent.NewToolRegistry()
	builtins := []agent.Tool{&tools.CurrentTime{}, tools.NewHTTPFetch()}
	for _, tool := range builtins {
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("failed to register builtin tool: %w", err)
		}
	}

	guardPipeline := guard.NewPipeline(
		guard.NewRateLimitStage(ratelimit.New(
			cfg.Guard.RateLimit.RequestsPerMinute,
			cfg.Guard.RateLimit.RequestsPerHour,
		)),
		guard.NewInputValidationStage(
			cfg.Guard.InputValidation.MinLength,
			cfg.Guard.InputValidation.MaxLength,
		),
		guard.NewInjectionStage(),
	)

	hookRegistry := hooks.NewRegistry(logger.WithComponent("hooks"))
	hookRegistry.Register(hooks.NewAuditHook(logger.WithComponent("audit")))

	memStore := memory.NewStore(cfg.Memory.MaxSessions, cfg.Memory.MaxMessages)
	rt.approvals = approval.NewStore()
	policyEngine := policy.NewEngine(policy.ToolPolicy{})

	opts := []agent.Option{
		agent.WithGuard(guardPipeline),
		agent.WithHooks(hookRegistry),
		agent.WithMemory(memStore),
		agent.WithApprovals(rt.approvals),
		agent.WithPolicy(policyEngine),
		agent.WithOutbound(outbound),
		agent.WithLogger(logger.WithComponent("agent")),
		agent.WithMetrics(metrics),
	}
	if cfg.Memory.Path != "" {
		archive, err := memory.NewSQLiteStore(cfg.Memory.Path, cfg.Memory.MaxMessages)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, archive.Close)
		opts = append(opts, agent.WithArchive(archive))
	}
	if cfg.Idempotency.Enabled {
		opts = append(opts, agent.WithIdempotency(idempotency.New(idempotency.Config{
			Enabled:    true,
			TTL:        cfg.Idempotency.TTL,
			MaxEntries: cfg.Idempotency.MaxEntries,
		})))
	}

	rt.executor = agent.NewExecutor(provider, registry, agent.Config{
		MaxToolCalls:          cfg.Agent.MaxToolCalls,
		MaxToolsPerRequest:    cfg.Agent.MaxToolsPerRequest,
		MaxConcurrentRequests: cfg.Agent.Concurrency.MaxConcurrentRequests,
		RequestTimeout:        cfg.Agent.Concurrency.RequestTimeout,
		MaxConversationTurns:  cfg.LLM.MaxConversationTurns,
		RAGEnabled:            cfg.Agent.RAG.Enabled,
		RAGTopK:               cfg.Agent.RAG.TopK,
		RAGRerank:             cfg.Agent.RAG.RerankEnabled,
		Model:                 cfg.LLM.Model,
		Temperature:           cfg.LLM.Temperature,
		MaxOutputTokens:       cfg.LLM.MaxOutputTokens,
	}, opts...)

	jobStore := scheduler.NewMemoryJobStore()
	var execStore scheduler.ExecutionStore = scheduler.NewMemoryExecutionStore(0)
	if cfg.Scheduler.ExecutionsPath != "" {
		sqliteStore, err := scheduler.NewSQLiteExecutionStore(cfg.Scheduler.ExecutionsPath)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, sqliteStore.Close)
		execStore = sqliteStore
	}

	schedOpts := []scheduler.SchedulerOption{
		scheduler.WithAgentRunner(rt.executor),
		scheduler.WithToolInvoker(registryToolInvoker{registry: registry}),
		scheduler.WithTeamsSender(notify.NewTeamsNotifier(outbound, logger.WithComponent("teams"))),
		scheduler.WithLogger(logger.WithComponent("scheduler")),
		scheduler.WithMetrics(metrics),
	}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		slackNotifier, err := notify.NewSlackNotifier(token, outbound, logger.WithComponent("slack"))
		if err != nil {
			return nil, err
		}
		schedOpts = append(schedOpts, scheduler.WithSlackSender(slackNotifier))
	}
	rt.scheduler = scheduler.New(jobStore, execStore, schedOpts...)

	return rt, nil
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "openai":
		apiKey := cfg.LLM.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:           apiKey,
			BaseURL:          cfg.LLM.BaseURL,
			DefaultModel:     cfg.LLM.Model,
			DefaultMaxTokens: cfg.LLM.MaxOutputTokens,
		})
	default:
		apiKey := cfg.LLM.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:           apiKey,
			BaseURL:          cfg.LLM.BaseURL,
			DefaultModel:     cfg.LLM.Model,
			DefaultMaxTokens: cfg.LLM.MaxOutputTokens,
		})
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string
	var jobsPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime and job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if jobsPath != "" {
				jobs, err := loadJobsFile(jobsPath)
				if err != nil {
					return err
				}
				for _, job := range jobs {
					if _, err := rt.scheduler.CreateJob(ctx, job); err != nil {
						return fmt.Errorf("job %q: %w", job.Name, err)
					}
				}
				rt.logger.Info(ctx, "jobs loaded", "count", len(jobs), "path", jobsPath)
			}

			if cfg.Scheduler.Enabled {
				if err := rt.scheduler.Start(ctx); err != nil {
					return err
				}
				defer rt.scheduler.Stop()
			}

			metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					rt.logger.Error(ctx, "metrics server failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				metricsSrv.Shutdown(shutdownCtx)
			}()

			rt.logger.Info(ctx, "alloy started",
				"provider", cfg.LLM.Provider,
				"scheduler_enabled", cfg.Scheduler.Enabled,
				"metrics_addr", metricsAddr)
			<-ctx.Done()
			rt.logger.Info(context.Background(), "shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.Flags().StringVar(&jobsPath, "jobs", "", "Path to a YAML file of scheduled jobs to load at startup")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Listen address for Prometheus metrics")
	return cmd
}
