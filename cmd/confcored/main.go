// Command confcored is the shared configuration/operational datastore
// daemon: it loads configuration, wires every internal subsystem
// together into a session.Core, and serves the admin HTTP surface and
// metrics endpoint until signaled to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sysshare/confcore/internal/adminapi"
	"github.com/sysshare/confcore/internal/commit"
	"github.com/sysshare/confcore/internal/config"
	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/locktable"
	"github.com/sysshare/confcore/internal/nacm"
	"github.com/sysshare/confcore/internal/plugin"
	"github.com/sysshare/confcore/internal/session"
	"github.com/sysshare/confcore/internal/shm"
	"github.com/sysshare/confcore/internal/subscription"
	"github.com/sysshare/confcore/internal/subshm"
	"github.com/sysshare/confcore/internal/telemetry"
	"github.com/sysshare/confcore/internal/tree"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "confcored",
		Short: "shared configuration and operational datastore daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.Log, nil)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	slog.SetDefault(logger)
	logger.Info("starting confcored", "profile", cfg.Profile)

	reg := prometheus.NewRegistry()
	telemetry.NewCoreMetrics(reg) // registers every metric against reg; no subsystem is handed the metrics, so they stay at zero

	var (
		arena shm.Arena
		store plugin.Datastore
	)

	switch cfg.Profile {
	case config.ProfileCluster:
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			MaxRetries:   cfg.Redis.MaxRetries,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		arena = shm.NewRedisArena(rdb, "confcore")

		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.Postgres.Username, cfg.Postgres.Password, cfg.Postgres.Host,
			cfg.Postgres.Port, cfg.Postgres.Database, cfg.Postgres.SSLMode)
		pg, err := plugin.NewPostgres(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open postgres datastore: %w", err)
		}
		store = pg
	default:
		arena = shm.NewMemoryArena()
		sl, err := plugin.NewSQLite(cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("open sqlite datastore: %w", err)
		}
		store = sl
	}

	locks := locktable.New(locktable.Config{
		LeaseTTL:       cfg.Lock.LeaseTTL,
		RenewInterval:  cfg.Lock.RenewInterval,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		ReapInterval:   cfg.Lock.ReapInterval,
	}, logger)
	defer locks.Close()

	commitCfg := commit.DefaultConfig()
	commitCfg.Timeout = cfg.Commit.Timeout
	commitCfg.BreakerThreshold = cfg.Commit.BreakerFailures
	commitCfg.BreakerResetAfter = cfg.Commit.BreakerCooldown

	resources := map[string]session.ModuleResources{}
	orch := commit.New(commitCfg, locks,
		func(m string) (plugin.Datastore, bool) {
			r, ok := resources[m]
			return r.Store, ok
		},
		func(m string) (commit.ModuleRings, bool) {
			r, ok := resources[m]
			return r.Rings, ok
		},
		func(m string) (*tree.Schema, bool) {
			r, ok := resources[m]
			if !ok || r.Schema == nil {
				return nil, false
			}
			return r.Schema, true
		})

	registry := subscription.NewRegistry(func(module string, kind datamodel.SubKind) subshm.Ring {
		r, ok := resources[module]
		if !ok {
			return nil
		}
		// Every kind shares the module's one module-change roster; RPC
		// subscriptions dispatch over their own per-path ring in
		// ModuleResources.RPCRings instead, not through this resolver.
		return r.Rings.Change
	})

	core := session.NewCore(arena, locks, orch, nacm.AllowAll{}, registry, resources)
	// TODO: load a module manifest and populate resources[name] (Schema,
	// store, Rings, RPCRings) per installed module before serving; store
	// is the datastore plugin every installed module will be bound to.
	_ = store
	logger.Info("datastore plugin ready, awaiting module registration", "profile", cfg.Profile)

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	var adminSrv *http.Server
	if cfg.Admin.Enabled {
		admin := adminapi.NewServer(core, arena, locks, logger)
		adminSrv = &http.Server{Addr: cfg.Admin.Addr, Handler: admin}
		go func() {
			logger.Info("admin surface listening", "addr", cfg.Admin.Addr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin surface stopped", "err", err)
			}
		}()
	}

	if cfg.Metrics.Enabled {
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down confcored")
	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(shutdownCtx)
	}
	return nil
}
