package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/jllopis/watt/pkg/accounting"
	"github.com/jllopis/watt/pkg/agents"
	"github.com/jllopis/watt/pkg/config"
	"github.com/jllopis/watt/pkg/engine"
	"github.com/jllopis/watt/pkg/governance"
	"github.com/jllopis/watt/pkg/llm"
	"github.com/jllopis/watt/pkg/mcp"
	"github.com/jllopis/watt/pkg/memory"
	"github.com/jllopis/watt/pkg/resilience"
	"github.com/jllopis/watt/pkg/retrieval"
	"github.com/jllopis/watt/pkg/retrieval/pgvector"
	"github.com/jllopis/watt/pkg/retrieval/qdrant"
	"github.com/jllopis/watt/pkg/store"
	"github.com/jllopis/watt/pkg/telemetry"
	"github.com/jllopis/watt/pkg/tools"
)

// app is everything a command needs, built from one configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	store     store.Store
	registry  *tools.Registry
	messaging *tools.MessagingAdapter
	catalog   *agents.FileCatalog
	engine    *engine.Engine

	closers []func() error
}

type buildOptions struct {
	logOutput io.Writer
	notifier  func(*app) governance.Notifier
	stream    engine.StreamFunc
	// withTools connects tool backends; read-only commands skip it.
	withTools bool
}

func buildApp(ctx context.Context, cfg *config.Config, opts buildOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.logger = telemetry.ConfigureSlog(opts.logOutput, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := telemetry.InitWithConfig("watt", version, telemetry.Config{
		Exporter:           cfg.Telemetry.Exporter,
		OTLPEndpoint:       cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:       cfg.Telemetry.OTLPInsecure,
		OTLPTimeoutSeconds: cfg.Telemetry.OTLPTimeoutSeconds,
		OTLPHeaders:        cfg.Telemetry.OTLPHeaders,
		OTLPUser:           cfg.Telemetry.OTLPUser,
		OTLPToken:          cfg.Telemetry.OTLPToken,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})
	if a.metrics, err = telemetry.NewMetrics(); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	if a.store, err = store.Open(ctx, cfg.Store, a.logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	a.registry = tools.NewRegistry()
	if opts.withTools {
		if err := a.registerAdapters(ctx); err != nil {
			return nil, err
		}
	}

	if a.catalog, err = agents.OpenFileCatalog(cfg.Agents.Dir, a.logger); err != nil {
		return nil, err
	}

	policy, err := loadPolicy(cfg)
	if err != nil {
		return nil, err
	}

	router := newRouter(cfg, a.logger, a.metrics)
	engineOpts := []engine.Option{
		engine.WithConfig(engine.FromConfig(cfg)),
		engine.WithPolicy(policy),
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
		engine.WithExecutor(tools.NewExecutor(
			tools.WithDefaultTimeout(config.Seconds(cfg.Engine.DefaultToolTimeoutSeconds, tools.DefaultTimeout)),
			tools.WithExecutorLogger(a.logger),
			tools.WithExecutorMetrics(a.metrics),
		)),
		engine.WithRecorder(accounting.NewRecorder(a.store,
			accounting.WithRates(accounting.RateTableFromConfig(cfg.Accounting)),
			accounting.WithLogger(a.logger),
			accounting.WithMetrics(a.metrics),
		)),
	}
	engineOpts = append(engineOpts, engine.WithSummarizer(newSummarizer(cfg, router)))
	if opts.notifier != nil {
		engineOpts = append(engineOpts, engine.WithNotifier(opts.notifier(a)))
	}
	if opts.stream != nil {
		engineOpts = append(engineOpts, engine.WithStreamHandler(opts.stream))
	}
	if a.engine, err = engine.New(a.catalog, router, a.registry, a.store, engineOpts...); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.engine.Close(); return nil })
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}

func newRouter(cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics) *llm.Router {
	attempts := cfg.LLM.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	router := llm.NewRouter(
		llm.WithRetry(resilience.RetryConfig{
			MaxAttempts:  attempts,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		}),
		llm.WithBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.LLM.BreakerThreshold,
			SuccessThreshold: 1,
			Timeout:          config.Seconds(cfg.LLM.BreakerResetSeconds, 30*time.Second),
		}),
		llm.WithAttemptTimeout(config.Seconds(cfg.LLM.TimeoutSeconds, time.Minute)),
		llm.WithRouterLogger(logger),
		llm.WithRouterMetrics(metrics),
	)
	switch cfg.LLM.Provider {
	case "mock":
		router.Register(cfg.LLM.Name, &llm.MockProvider{Response: "This is a mock response."})
	default:
		router.Register(cfg.LLM.Name, llm.NewHTTPGateway(cfg.LLM.BaseURL, llm.WithAPIKey(cfg.LLM.APIKey)))
	}
	return router
}

func newSummarizer(cfg *config.Config, router *llm.Router) memory.Summarizer {
	if cfg.Memory.Summarizer != "llm" {
		return memory.HeuristicSummarizer{}
	}
	route, err := router.Route(llm.Target{Provider: cfg.LLM.Name, Model: cfg.LLM.Model})
	if err != nil {
		return memory.HeuristicSummarizer{}
	}
	return memory.LLMSummarizer{Provider: route, Model: cfg.LLM.Model, MaxTokens: cfg.Memory.SummaryTokens * 2}
}

func loadPolicy(cfg *config.Config) (governance.PolicySpec, error) {
	if cfg.Governance.PolicyFile == "" {
		return governance.PolicySpec{}, nil
	}
	spec, err := governance.LoadPolicyFile(cfg.Governance.PolicyFile)
	if err != nil {
		return governance.PolicySpec{}, NewConfigError(err, cfg.Governance.PolicyFile)
	}
	return spec, nil
}

// registerAdapters binds one adapter per tool type. MCP servers are
// connected here and their tools registered by name.
func (a *app) registerAdapters(ctx context.Context) error {
	cfg := a.cfg
	timeout := config.Seconds(cfg.Tools.HTTPTimeoutSeconds, 30*time.Second)

	a.registry.RegisterAdapter(tools.TypeHTTP, tools.NewHTTPAdapter(timeout))
	a.registry.RegisterAdapter(tools.TypeCode, builtinCode())
	a.messaging = tools.NewMessagingAdapter(cfg.Tools.MessagingWebhookURL, cfg.Tools.MessagingSecret, timeout)
	a.registry.RegisterAdapter(tools.TypeMessaging, a.messaging)

	svc, err := a.retrievalService(ctx, timeout)
	if err != nil {
		return err
	}
	a.registry.RegisterAdapter(tools.TypeRetrieval, tools.NewRetrievalAdapter(svc))

	adapter := mcp.NewAdapter()
	a.registry.RegisterAdapter(tools.TypeMCP, adapter)
	names := make([]string, 0, len(cfg.MCP.Servers))
	for name := range cfg.MCP.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		server := cfg.MCP.Servers[name]
		client, err := mcp.Connect(server)
		if err != nil {
			a.logger.Warn("mcp.server.unavailable", slog.String("server", name), slog.String("error", err.Error()))
			continue
		}
		a.closers = append(a.closers, client.Close)
		discovered, err := adapter.AddServer(ctx, name, client, config.Seconds(server.TimeoutSeconds, timeout))
		if err != nil {
			a.logger.Warn("mcp.server.tools.failed", slog.String("server", name), slog.String("error", err.Error()))
			continue
		}
		for _, t := range discovered {
			if err := a.registry.RegisterTool(t); err != nil {
				return err
			}
		}
		a.logger.Info("mcp.server.ready", slog.String("server", name), slog.Int("tools", len(discovered)))
	}
	return nil
}

func (a *app) retrievalService(ctx context.Context, timeout time.Duration) (retrieval.Service, error) {
	cfg := a.cfg.Retrieval
	switch cfg.Backend {
	case "qdrant":
		s, err := qdrant.New(cfg.QdrantAddr, retrieval.NewOllamaEmbedder(cfg.EmbedderBaseURL, cfg.EmbedderModel))
		if err != nil {
			return nil, fmt.Errorf("retrieval: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case "pgvector":
		s, err := pgvector.New(ctx, cfg.PGVectorDSN, cfg.PGVectorTable,
			retrieval.NewOllamaEmbedder(cfg.EmbedderBaseURL, cfg.EmbedderModel), a.logger)
		if err != nil {
			return nil, fmt.Errorf("retrieval: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		return s, nil
	default:
		return retrieval.NewHTTPClient(cfg.BaseURL, timeout), nil
	}
}

// builtinCode registers the in-process tools every deployment has.
func builtinCode() *tools.CodeAdapter {
	code := tools.NewCodeAdapter()
	code.Register("current_time", func(_ context.Context, input map[string]any) (map[string]any, error) {
		loc := time.UTC
		if name, ok := input["timezone"].(string); ok && name != "" {
			l, err := time.LoadLocation(name)
			if err != nil {
				return nil, err
			}
			loc = l
		}
		return map[string]any{"time": time.Now().In(loc).Format(time.RFC3339)}, nil
	}, nil)
	code.Register("escalate", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"escalated": true, "reason": input["reason"]}, nil
	}, nil)
	return code
}

// messageNotifier posts approval requests through the messaging adapter.
func (a *app) messageNotifier() governance.Notifier {
	return governance.NewMessageNotifier(a.cfg.Governance.ApprovalChannel, func(ctx context.Context, channel, text string) error {
		_, err := a.messaging.Send(ctx, tools.Message{Channel: channel, Text: text})
		return err
	})
}
