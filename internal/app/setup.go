package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/abiroot/ispbot/db"
	"github.com/abiroot/ispbot/internal/backend"
	"github.com/abiroot/ispbot/internal/chat"
	"github.com/abiroot/ispbot/internal/config"
	"github.com/abiroot/ispbot/internal/conversation"
	"github.com/abiroot/ispbot/internal/ingest"
	"github.com/abiroot/ispbot/internal/knowledge"
	"github.com/abiroot/ispbot/internal/log"
	"github.com/abiroot/ispbot/internal/profile"
	"github.com/abiroot/ispbot/internal/provider"
	"github.com/abiroot/ispbot/internal/session"
	"github.com/abiroot/ispbot/internal/timer"
	"github.com/abiroot/ispbot/internal/tools"
	"github.com/abiroot/ispbot/internal/wizard"
)

// systemIdentity is the base system prompt for the support assistant.
const systemIdentity = `You are the customer-support assistant of an internet service provider.
Help subscribers with connection issues, billing questions and service requests.
Be concise and friendly. Use the available tools to look up real account data
instead of guessing; never invent account numbers, balances or ticket IDs.`

// Setup creates and initializes the application.
// Returns an App with embedded cleanup — call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	// On error, release everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, poolCleanup, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool
	a.poolCleanup = poolCleanup

	client, err := provider.New(ctx, provider.Config{
		Provider:      cfg.Provider,
		ModelName:     cfg.ModelName,
		EmbedderModel: cfg.EmbedderModel,
		OllamaHost:    cfg.OllamaHost,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing provider: %w", err)
	}
	a.Provider = client
	embedder := provider.NewEmbedder(client)

	messages, err := conversation.NewStore(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating message store: %w", err)
	}
	a.Messages = messages

	reconstructor, err := conversation.NewReconstructor(messages, logger)
	if err != nil {
		return nil, fmt.Errorf("creating history reconstructor: %w", err)
	}

	kstore, err := knowledge.NewStore(pool, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("creating knowledge store: %w", err)
	}
	a.Knowledge = kstore

	retriever, err := knowledge.NewRetriever(embedder, kstore, logger)
	if err != nil {
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	profiles, err := profile.NewStore(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating profile store: %w", err)
	}

	a.Sessions = session.NewStore(cfg.SessionTTL, logger)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	a.stopSweeper = stopSweeper
	a.sweeperDone = make(chan struct{})
	go func() {
		defer close(a.sweeperDone)
		a.Sessions.RunSweeper(sweepCtx, cfg.SessionSweepInterval)
	}()

	a.Timers = timer.NewManager(logger)

	ops, err := provideBackend(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry, err := provideTools(ops, logger)
	if err != nil {
		return nil, err
	}

	if err := provideWizard(a, cfg, ops, logger); err != nil {
		return nil, err
	}

	specs := toolSpecs(registry)
	model, err := provider.NewModel(client, specs, logger)
	if err != nil {
		return nil, fmt.Errorf("creating generation model: %w", err)
	}

	engine, err := chat.New(chat.Config{
		Model:          model,
		Registry:       registry,
		Messages:       messages,
		Reconstructor:  reconstructor,
		Retriever:      retriever,
		Profiles:       profiles,
		Sessions:       a.Sessions,
		Logger:         logger,
		SystemIdentity: systemIdentity,

		ContextWindow:    cfg.ContextWindow,
		MaxSteps:         cfg.MaxSteps,
		MaxOutputTokens:  cfg.MaxTokens,
		Temperature:      cfg.Temperature,
		MaxHistoryTurns:  cfg.MaxHistoryTurns,
		MaxHistoryTokens: cfg.MaxHistoryTokens,
		RAGTopK:          cfg.RAGTopK,
		RAGMinSimilarity: cfg.RAGMinSimilarity,
		RetryConfig: chat.RetryConfig{
			MaxRetries:      cfg.RetryMaxRetries,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
		},
		CircuitBreakerConfig: chat.DefaultCircuitBreakerConfig(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating conversation engine: %w", err)
	}
	a.Engine = engine

	pipeline, err := ingest.New(cfg.Ingest, kstore, logger)
	if err != nil {
		return nil, fmt.Errorf("creating ingest pipeline: %w", err)
	}
	a.Ingest = pipeline

	return a, nil
}

// provideOtelShutdown wires the OTLP trace exporter when telemetry is
// enabled. Returns the cleanup that flushes and stops the provider.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	tel := cfg.Telemetry
	if !tel.Enabled {
		return func() {}
	}

	// Genkit's tracer picks these up from the environment.
	// SAFETY: os.Setenv is not concurrent-safe, but Setup runs exactly once
	// at startup before any goroutines are spawned.
	if tel.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", tel.ServiceName)
	}
	if tel.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+tel.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(tel.AgentHost),
		otlptracehttp.WithInsecure(), // local agent, no TLS
	)
	if err != nil {
		logger.Warn("creating trace exporter, tracing disabled", "error", err)
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)
	otel.SetTracerProvider(tp)

	logger.Debug("tracing enabled",
		"agent", tel.AgentHost,
		"service", tel.ServiceName,
		"environment", tel.Environment)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and creates the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, func(), error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, pool.Close, nil
}

// provideBackend creates the operations-backend client, or nil when the
// backend is not configured.
func provideBackend(cfg *config.Config, logger log.Logger) (*backend.Client, error) {
	if cfg.BackendBaseURL == "" {
		logger.Warn("operations backend not configured, support tools and ticket wizard disabled")
		return nil, nil
	}
	client, err := backend.New(backend.Config{
		BaseURL: cfg.BackendBaseURL,
		APIKey:  cfg.BackendAPIKey,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating backend client: %w", err)
	}
	return client, nil
}

// provideTools builds the tool registry. Without an operations backend the
// registry stays empty and the bot answers from knowledge only.
func provideTools(client *backend.Client, logger log.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	if client == nil {
		return registry, nil
	}

	constructors := []func() (*tools.Tool, error){
		func() (*tools.Tool, error) { return tools.NewLookupCustomer(client, logger) },
		func() (*tools.Tool, error) { return tools.NewGetBalance(client, logger) },
		func() (*tools.Tool, error) { return tools.NewSendPaymentLink(client, logger) },
	}
	for _, build := range constructors {
		t, err := build()
		if err != nil {
			return nil, fmt.Errorf("creating tool: %w", err)
		}
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("registering tool: %w", err)
		}
	}

	logger.Info("support tools registered", "count", registry.Count())
	return registry, nil
}

// provideWizard wires the ticket wizard over the operations backend.
func provideWizard(a *App, cfg *config.Config, client *backend.Client, logger log.Logger) error {
	if client == nil {
		return nil
	}

	wiz, err := wizard.NewTicketWizard(wizard.TicketConfig{
		Sessions:       a.Sessions,
		Timers:         a.Timers,
		Logger:         logger,
		Dispatcher:     client,
		MaxAttempts:    cfg.WizardMaxAttempts,
		FieldTimeout:   cfg.WizardFieldTimeout,
		ConfirmTimeout: cfg.WizardConfirmTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating ticket wizard: %w", err)
	}
	a.Wizard = wiz
	return nil
}

// toolSpecs extracts the declarations the model adapter registers with the
// provider.
func toolSpecs(registry *tools.Registry) []chat.ToolSpec {
	all := registry.All()
	specs := make([]chat.ToolSpec, len(all))
	for i, t := range all {
		specs[i] = chat.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return specs
}
