package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/arwhub/agenthub/internal/actions"
	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/config"
	"github.com/arwhub/agenthub/internal/configstate"
	"github.com/arwhub/agenthub/internal/contextassembler"
	"github.com/arwhub/agenthub/internal/egress"
	"github.com/arwhub/agenthub/internal/httpapi"
	"github.com/arwhub/agenthub/internal/kernel"
	"github.com/arwhub/agenthub/internal/memory"
	"github.com/arwhub/agenthub/internal/obslog"
	"github.com/arwhub/agenthub/internal/readmodel"
	"github.com/arwhub/agenthub/internal/runtimesup"
	"github.com/arwhub/agenthub/internal/ssegateway"
	"github.com/arwhub/agenthub/internal/tasksup"
)

func newServeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agenthub HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	logger := obslog.New(obslog.Config{
		Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output,
		Filename: cfg.Log.Filename, MaxSizeMB: cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups, MaxAgeDays: cfg.Log.MaxAgeDays, Compress: cfg.Log.Compress,
	})
	logger.Info("starting agenthub", "version", serviceVersion, "bind", cfg.Server.Bind, "port", cfg.Server.Port)

	if cfg.Server.Bind != "127.0.0.1" && cfg.Server.Bind != "localhost" && cfg.Admin.Token == "" && cfg.Admin.TokenSHA == "" {
		return errors.New("agenthub: ARW_ADMIN_TOKEN or ARW_ADMIN_TOKEN_SHA256 is required for non-loopback binds")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("agenthub: invalid server.port %d", cfg.Server.Port)
	}
	if cfg.Server.MaxConcurrency <= 0 {
		return fmt.Errorf("agenthub: invalid server.max_concurrency %d", cfg.Server.MaxConcurrency)
	}

	var store kernel.Store
	if cfg.Storage.KernelEnable {
		opened, err := kernel.Open(ctx, cfg.Storage.Backend, cfg.Storage.SQLitePath, cfg.Storage.PostgresURL)
		if err != nil {
			return fmt.Errorf("agenthub: open kernel store: %w", err)
		}
		defer opened.Close()
		store = opened
	}

	eventBus := bus.New(logger)
	if cfg.Events.Enabled {
		if err := eventBus.EnableJournal(cfg.Events.JournalPath); err != nil {
			logger.Warn("journal disabled: failed to open", "error", err)
		}
	}

	gateway := ssegateway.New(eventBus, store, logger, false)
	tasks := tasksup.New(eventBus, logger)
	if store != nil {
		tasks.Supervise(ctx, "bus_durable_append", busDurableAppendTask(eventBus, store, gateway, tasks, logger))
	}

	metricsReg := prometheus.NewRegistry()
	actionMetrics := actions.NewMetrics(metricsReg)
	pool := actions.New(store, eventBus, logger, actionMetrics, cfg.Actions.Workers, cfg.Actions.HighWater)
	pool.SetRateLimit(cfg.Actions.RateLimitPerSec, cfg.Actions.RateBurst)
	pool.RegisterTool("echo", func(ctx context.Context, input map[string]any, cancelled func() bool) (map[string]any, error) {
		return input, nil
	})
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("agenthub: start action pool: %w", err)
	}
	defer pool.Shutdown()

	capsules := egress.NewCapsuleGuard(store, eventBus, logger)
	policy := egress.Resolve(cfg.Egress.Posture, cfg.Egress.Allowlist, cfg.Egress.MultiLabelSuffixes,
		cfg.Egress.BlockIPLiterals, cfg.Egress.DNSGuardEnable, cfg.Egress.ProxyEnable, cfg.Egress.LedgerEnable)
	egressEngine := egress.New(policy, store, eventBus, capsules)
	projector := readmodel.New(eventBus)
	capsules.SetProjector(projector)
	if cfg.Cache.Enabled {
		leaseCache := egress.NewRedisLeaseCache(cfg.Cache.RedisAddr)
		defer leaseCache.Close()
		egressEngine.SetLeaseCache(leaseCache, cfg.Cache.TTL)
	}

	claims := memory.New(store)
	assembler := contextassembler.New(claims, store, eventBus)
	cfgEngine := configstate.New(map[string]any{
		"server": map[string]any{"port": float64(cfg.Server.Port), "bind": cfg.Server.Bind},
		"egress": map[string]any{"posture": string(policy.Posture)},
	}, store, eventBus, projector)

	runtimeRegistry := runtimesup.New(runtimesup.Options{
		WindowSeconds: cfg.Runtime.RestartWindowSec,
		MaxRestarts:   cfg.Runtime.RestartMax,
		StatePath:     filepath.Join(filepath.Dir(cfg.Storage.SQLitePath), "runtime_registry.json"),
	}, eventBus, logger)
	if err := runtimeRegistry.Restore(); err != nil {
		logger.Warn("runtime registry restore failed", "error", err)
	}
	runtimeRegistry.SetProjector(projector)

	tasks.Supervise(ctx, "capsule_refresh", func(ctx context.Context) error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				capsules.Refresh(ctx)
			}
		}
	})

	wsMirror := ssegateway.NewWSMirror(eventBus, logger)
	blobs := httpapi.NewBlobStore(filepath.Join(filepath.Dir(cfg.Storage.SQLitePath), "models"))
	projects := &httpapi.ProjectStore{Root: cfg.Projects.Dir, MaxFileMB: cfg.Projects.MaxFileMB}

	router := httpapi.NewRouter(httpapi.Deps{
		Logger:    logger,
		Store:     store,
		Actions:   pool,
		Config:    cfgEngine,
		Assembler: assembler,
		Projector: projector,
		Runtimes:  runtimeRegistry,
		Gateway:   gateway,
		WSMirror:  wsMirror,
		Blobs:     blobs,
		Projects:  projects,
		Admin:     httpapi.AdminAuth{Token: cfg.Admin.Token, TokenSHA: cfg.Admin.TokenSHA},
		MaxConc:   cfg.Server.MaxConcurrency,
		NodeID:    "local",
		Version:   serviceVersion,
		StartedAt: time.Now(),
		Metrics:   metricsReg,
		Egress:    egressEngine,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("agenthub: server failed: %w", err)
	case <-quit:
		logger.Info("shutting down")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("agenthub: graceful shutdown: %w", err)
	}
	tasks.Wait()
	logger.Info("server exited")
	return nil
}

// busDurableAppendTask returns the supervised task (spec.md C10) that feeds
// the kernel (C2) from the event bus (C1): every envelope is durably
// appended before any other subscriber's view of it can be treated as
// authoritative, which is what lets SSE Last-Event-ID/replay resume and
// /admin/events/journal reconstruct history for every event kind, not just
// the egress ledger. It also keeps the SSE gateway's id cache in sync so a
// live-streamed envelope's id matches the durable row id once the append
// lands (spec §8).
//
// A failed append returns an error, which tasksup restarts and, if it
// thrashes, reports as a degraded service.health event; a later successful
// append reports recovery via MarkHealthy, mirroring the event journal's
// own degraded/recovered pairing in bus.go.
func busDurableAppendTask(b *bus.Bus, store kernel.Store, gateway *ssegateway.Gateway, mgr *tasksup.Manager, logger *slog.Logger) tasksup.Fn {
	const taskName = "bus_durable_append"
	return func(ctx context.Context) error {
		rx := b.Subscribe(bus.DefaultReceiverCapacity)
		defer rx.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case env, ok := <-rx.C():
				if !ok {
					return nil
				}
				rowID, err := store.AppendEvent(ctx, env.Kind, env.Time, env.Payload)
				if err != nil {
					logger.Error("durable append failed", "kind", env.Kind, "error", err)
					return fmt.Errorf("bus durable append: %w", err)
				}
				gateway.RecordDurable(env.Fingerprint(), rowID)
				mgr.MarkHealthy(taskName)
			}
		}
	}
}
