// Copyright 2025 The coderelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// relayd is the control-plane daemon: HTTP ingress, run worker, and the
// approval gate in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coderelay/coderelay/internal/api"
	"github.com/coderelay/coderelay/internal/approval"
	"github.com/coderelay/coderelay/internal/audit"
	"github.com/coderelay/coderelay/internal/bus"
	"github.com/coderelay/coderelay/internal/capability"
	"github.com/coderelay/coderelay/internal/config"
	"github.com/coderelay/coderelay/internal/idempotency"
	"github.com/coderelay/coderelay/internal/log"
	"github.com/coderelay/coderelay/internal/metrics"
	"github.com/coderelay/coderelay/internal/pipeline"
	"github.com/coderelay/coderelay/internal/reliability"
	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/internal/store/memory"
	"github.com/coderelay/coderelay/internal/store/sqlite"
	"github.com/coderelay/coderelay/internal/tracing"
	"github.com/coderelay/coderelay/internal/worker"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		addr        = flag.String("addr", "", "HTTP listen address")
		backend     = flag.String("store", "", "Store backend (memory, sqlite)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("relayd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}

	if err := serve(cfg, logger); err != nil {
		logger.Error("daemon exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	eventBus := bus.NewMemory()
	auditLog := audit.NewLog(st, eventBus)
	engine := run.NewEngine(st, auditLog, eventBus, logger)
	keyer := idempotency.NewKeyer(st)
	locks := idempotency.NewLockManager(st)

	keyring, err := cfg.Keyring()
	if err != nil {
		return fmt.Errorf("building approver keyring: %w", err)
	}
	gate := approval.NewGate(st, auditLog, eventBus, engine, keyring, cfg.Authorizer(), logger)
	if len(cfg.AutoPolicy) > 0 {
		policy, err := approval.CompilePolicy(cfg.AutoPolicy)
		if err != nil {
			return fmt.Errorf("compiling auto-policy: %w", err)
		}
		gate.SetAutoPolicy(policy)
	}

	limiter, err := buildLimiter(cfg)
	if err != nil {
		return fmt.Errorf("building rate limiter: %w", err)
	}
	breakers := reliability.NewBreakerRegistry(cfg.BreakerSettings(), logger)
	exec := reliability.NewExecutor(limiter, breakers)

	llm := capability.NewPacedLLM(
		capability.NewHTTPLLM(cfg.LLM.Endpoint, cfg.LLM.Token),
		cfg.LLM.RPS, cfg.LLM.Burst)
	connector := capability.NewHTTPConnector(cfg.Connector.Endpoint, cfg.Connector.Token)

	orch := pipeline.New(engine, gate, llm, connector, exec, auditLog, logger, pipeline.DefaultConfig())

	collectors := metrics.New()
	collectors.Observe(ctx, eventBus)

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	triggers, err := api.CompileTriggers(cfg.Triggers)
	if err != nil {
		return fmt.Errorf("compiling trigger rules: %w", err)
	}

	var inbound *reliability.RateLimiter
	if cfg.RateLimit.Enabled {
		inbound = limiter
	}
	router := api.NewRouter(api.RouterConfig{Version: version, Commit: commit}, logger, inbound)
	webhooks := api.NewWebhookHandler(engine, keyer, cfg.WebhookSecrets(), triggers, logger)
	webhooks.SetRecorder(collectors)
	router.Register(webhooks)
	router.Register(api.NewRunsHandler(engine, gate, keyer, logger))
	router.SetMetricsHandler(collectors.Handler())
	router.SetRecorder(collectors)

	var w *worker.Worker
	if cfg.Worker.Enabled {
		w = worker.New(engine, orch, locks, gate, st, logger, worker.Config{
			ID:                cfg.Worker.ID,
			Tenants:           cfg.TenantIDs(),
			PollInterval:      cfg.Worker.PollInterval,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			SweepInterval:     cfg.Worker.SweepInterval,
		})
		go w.Run(ctx)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      tracer.HTTPMiddleware(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Drain: refuse new work, let in-flight runs reach a suspension point,
	// then stop the listener.
	logger.Info("shutting down")
	router.SetDraining(true)
	if w != nil {
		w.Stop()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", slog.Any("error", err))
	}
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreSQLite:
		return sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: true})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildLimiter(cfg *config.Config) (*reliability.RateLimiter, error) {
	var rlStore reliability.RateLimitStore
	switch cfg.RateLimit.Backend {
	case config.RateLimitRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RateLimit.RedisAddr,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		})
		rlStore = reliability.NewRedisRateLimitStore(client)
	default:
		rlStore = reliability.NewMemoryRateLimitStore()
	}
	return reliability.NewRateLimiter(rlStore, cfg.RateLimit.Requests, cfg.RateLimit.Window), nil
}
