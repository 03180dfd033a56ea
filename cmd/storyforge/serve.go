package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/storyforge/internal/audit"
	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/config"
	"github.com/basket/storyforge/internal/cron"
	"github.com/basket/storyforge/internal/gateway"
	"github.com/basket/storyforge/internal/llm"
	"github.com/basket/storyforge/internal/otel"
	"github.com/basket/storyforge/internal/persistence"
	"github.com/basket/storyforge/internal/service"
	"github.com/basket/storyforge/internal/telemetry"
)

type serveOptions struct {
	addr  string
	quiet bool
}

func bindServeFlags(cmd *cobra.Command, opts *serveOptions) {
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides bind_addr)")
	cmd.Flags().BoolVar(&opts.quiet, "quiet", false, "log to the log file only")
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event stream and scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	bindServeFlags(cmd, &opts)
	return cmd
}

func llmOptions(cfg config.Config, kv llm.KVStore, prov *otel.Provider, metrics *otel.Metrics, logger *slog.Logger) llm.Options {
	return llm.Options{
		Timeout:           cfg.LLMTimeout(),
		RateLimitRetries:  &cfg.LLM.RateLimitRetries,
		RetryBaseDelay:    cfg.RetryBaseDelay(),
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		FailoverThreshold: cfg.LLM.FailoverThreshold,
		FailoverCooldown:  cfg.FailoverCooldown(),
		KV:                kv,
		Tracer:            prov.Tracer,
		Metrics:           metrics,
		Logger:            logger,
	}
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if opts.addr != "" {
		cfg.BindAddr = opts.addr
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer audit.Close()
	logger.Info("startup phase", "phase", "config_loaded", "source", cfg.Source, "version", Version)
	warnOpenBind(logger, cfg)

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.WithoutCancel(ctx))
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath(), cfg.Database.Driver, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "driver", store.Driver(), "path", cfg.DBPath())

	httpClient := &http.Client{}
	llmGateway := llm.NewGateway(llm.BuildProviders(ctx, cfg, httpClient, logger), llmOptions(cfg, store, otelProvider, metrics, logger))
	llmGateway.LoadBreakerState(ctx)

	svc := service.New(service.Deps{
		Store:          store,
		LLM:            llmGateway,
		Bus:            eventBus,
		Metrics:        metrics,
		Logger:         logger,
		ContextTokens:  cfg.Planning.ContextTokenBudget,
		HistorySprints: cfg.Planning.HistorySprints,
		ContextWindow:  cfg.Planning.ContextWindow,
	})

	api := gateway.New(gateway.Config{
		Service:        svc,
		DB:             store,
		Bus:            eventBus,
		Metrics:        metrics,
		Tracer:         otelProvider.Tracer,
		Logger:         logger,
		AuthToken:      cfg.Server.AuthToken,
		AllowOrigins:   cfg.Server.AllowOrigins,
		RateLimitRPM:   cfg.Server.RateLimitRPM,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Version:        Version,
	})
	api.Limiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", ln.Addr().String(), "events", "/ws/events")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	cronSched, err := cron.NewScheduler(cron.Config{
		Store:  store,
		Logger: logger,
		Jobs: []cron.Job{
			{Name: "reconcile_test_runs", Expr: cfg.Jobs.ReconcileTestRuns, Run: svc.ReconcileAll},
			{Name: "sprint_forecast", Expr: cfg.Jobs.SprintForecast, Run: svc.ForecastActive},
		},
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	cronSched.Start(ctx)
	defer cronSched.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits need a restart", "error", err)
	} else {
		go watchConfig(ctx, confWatcher, cfg, httpClient, llmGateway, logger)
	}
	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("api server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// watchConfig applies config edits that do not need a restart: log level
// and the provider chain.
func watchConfig(ctx context.Context, w *config.Watcher, current config.Config, client *http.Client, gw *llm.Gateway, logger *slog.Logger) {
	fingerprint := current.Fingerprint()
	for ev := range w.Events() {
		next, err := config.LoadFrom(current.HomeDir)
		if err != nil {
			logger.Error("config reload failed; keeping previous settings", "path", ev.Path, "error", err)
			continue
		}
		telemetry.SetLevel(next.LogLevel)
		if fp := next.Fingerprint(); fp != fingerprint {
			gw.SetProviders(llm.BuildProviders(ctx, next, client, logger))
			fingerprint = fp
			logger.Info("provider chain reloaded", "providers", next.ProviderOrder())
		}
		if next.BindAddr != current.BindAddr || next.DBPath() != current.DBPath() {
			logger.Warn("bind_addr and database changes apply on restart")
		}
	}
}

func warnOpenBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return
	}
	if cfg.Server.AuthToken == "" {
		logger.Warn("non-loopback bind without server.auth_token; the API is open to the network", "bind_addr", cfg.BindAddr)
	}
}
