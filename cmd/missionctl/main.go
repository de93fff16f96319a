// Package main is the entry point for the mission control server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agi-run/missionctl/internal/casestate"
	"github.com/agi-run/missionctl/internal/config"
	"github.com/agi-run/missionctl/internal/gate"
	"github.com/agi-run/missionctl/internal/ledger"
	"github.com/agi-run/missionctl/internal/manifest"
	"github.com/agi-run/missionctl/internal/node"
	"github.com/agi-run/missionctl/internal/observability"
	"github.com/agi-run/missionctl/internal/policy"
	"github.com/agi-run/missionctl/internal/scheduler"
	"github.com/agi-run/missionctl/internal/transport"
	"github.com/agi-run/missionctl/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "missionctl", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load manifests, validate, publish to the registry.
	loader := manifest.NewLoader()
	validator := manifest.NewValidator()
	registry := manifest.NewRegistry()

	defs, err := loader.LoadAll(cfg.Manifests.Directories)
	if err != nil {
		logger.Error("manifest loading failed", zap.Error(err))
		return 1
	}
	for _, def := range defs {
		if verrs := validator.Validate(def); verrs != nil {
			for _, ve := range verrs {
				logger.Error("manifest validation error",
					zap.String("file", def.SourceFile),
					zap.String("error", ve.Error()))
			}
			return 1
		}
		// Definitions loaded from disk at startup go straight to live.
		def.Stage = model.StageLive
		if err := registry.Publish(def); err != nil {
			logger.Error("manifest publish failed",
				zap.String("file", def.SourceFile), zap.Error(err))
			return 1
		}
	}
	metrics.DefinitionsPublished.Set(float64(registry.Len()))

	// Step 5: Initialize persistence.
	caseStore, trail, gateStore, storeCloser, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Register agent services.
	agents := node.NewRegistry(
		cfg.Services.Breaker.TripAfter,
		cfg.Services.Breaker.CloseAfter,
		cfg.Services.Breaker.CoolDown,
	)
	for _, svc := range cfg.Services.Agents {
		client := &http.Client{Timeout: svc.Timeout}
		agents.Register(node.ServiceInfo{Name: svc.Name, BaseURL: svc.BaseURL},
			node.NewHTTPInvoker(svc.BaseURL, client))
		logger.Info("agent service registered",
			zap.String("service", svc.Name), zap.String("base_url", svc.BaseURL))
	}

	// Step 7: Build the policy engine.
	budget := policy.NewBudget(cfg.Budget.PerCaseUSD, cfg.Budget.DailyUSD)
	rules := policy.NewRuleSet(
		policy.WithAllowedDomains(cfg.Policies.AllowedDomains),
		policy.WithViolationWindow(cfg.Policies.ViolationWindow),
	)
	if cfg.Policies.RulesFile != "" {
		if err := rules.LoadFile(cfg.Policies.RulesFile); err != nil {
			logger.Error("policy rules file failed", zap.Error(err))
			return 1
		}
		logger.Info("policy rules loaded", zap.String("file", cfg.Policies.RulesFile))
	}
	engine := policy.NewEngine(rules, budget)

	// Step 8: Build the gate controller and scheduler.
	gates := gate.NewController(gateStore, registry, trail, metrics, logger, cfg.Approvals.DefaultDeadline)
	sched := scheduler.New(registry, caseStore, agents, gates, engine, trail, metrics, logger, cfg.Scheduler)

	// Step 9: Build the HTTP router.
	jwks := transport.NewJWKSCache(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
	}
	if hc, ok := caseStore.(observability.HealthChecker); ok {
		readiness.CaseStore = hc
	}
	if hc, ok := trail.(observability.HealthChecker); ok {
		readiness.LedgerStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Loader:       loader,
		Validator:    validator,
		Definitions:  registry,
		Scheduler:    sched,
		Gates:        gates,
		Engine:       engine,
		Trail:        trail,
		Agents:       agents,
		Metrics:      metrics,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      observability.TracingMiddleware(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks: the worker pool and the expiry sweeper.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(bgCtx) }()
	go gates.RunSweeper(bgCtx, cfg.Approvals.SweepInterval)

	// Step 11: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
		zap.Int("agent_services", len(cfg.Services.Agents)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop workers and the sweeper, then wait for the pool to drain.
	bgCancel()
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not drain before shutdown deadline")
	}

	// Close stores.
	if storeCloser != nil {
		storeCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStores creates the case, ledger, and approval stores based on config.
// All three share one connection pool under the postgres driver.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (
	casestate.Store, ledger.Store, gate.Store, func(), error) {

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory stores")
		return casestate.NewMemStore(), ledger.NewMemStore(), gate.NewMemStore(), nil, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		logger.Info("using postgres stores")
		return casestate.NewPgStore(pool), ledger.NewPgStore(pool), gate.NewPgStore(pool), pool.Close, nil

	default:
		return nil, nil, nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}
