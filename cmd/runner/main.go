// Command runner is the DevTeam automation service: an HTTP control plane,
// a Redis-backed job queue, and workers that drive task executions through
// per-project containers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/devteamhq/runner/internal/config"
	"github.com/devteamhq/runner/internal/container"
	"github.com/devteamhq/runner/internal/executor"
	"github.com/devteamhq/runner/internal/logging"
	"github.com/devteamhq/runner/internal/pipeline"
	"github.com/devteamhq/runner/internal/queue"
	"github.com/devteamhq/runner/internal/repocache"
	"github.com/devteamhq/runner/internal/server"
	"github.com/devteamhq/runner/internal/store"
	"github.com/devteamhq/runner/internal/verifier"
	"github.com/devteamhq/runner/internal/worker"
	"github.com/devteamhq/runner/internal/ws"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "runner:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		logLevel   string
		configFile string
	)
	cmd := &cobra.Command{
		Use:           "runner",
		Short:         "DevTeam automation runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), logLevel, configFile)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "initial log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&configFile, "config-file", "", "optional key=value file watched for log_level changes")
	return cmd
}

func serve(parent context.Context, logLevel, configFile string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lvl := &slog.LevelVar{}
	if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logging.Setup(os.Stderr, lvl, logging.IsTerminal(os.Stderr))

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.IdempotencyTTL())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	host, _ := os.Hostname()
	q := queue.New(rdb, "runner:events", "runner", host)

	cache := repocache.New(cfg.CacheRoot, cfg.CacheTTL())
	containers := container.NewManager(cfg.CacheRoot, cfg.ContainerImage,
		cfg.ContainerCPU, cfg.ContainerMemMiB, cfg.GlobalConcurrency)
	hub := ws.NewHub(cfg.WSMaxFrameBytes, cfg.WSCoalesce)

	pipeline.Register(pipeline.Deps{
		Cache:      cache,
		Containers: containers,
		Executor:   &executor.Executor{Containers: containers, ToolPath: cfg.ToolBinaryPath},
		Verifier:   &verifier.Verifier{Containers: containers},
		Pusher:     pipeline.NewPusher(),
		Timeouts: pipeline.Timeouts{
			Prep:      cfg.PrepTimeout,
			Implement: cfg.ImplementTimeout,
			Verify:    cfg.VerifyTimeout,
		},
	})

	ctrl := worker.NewController(st)
	logDir := cfg.CacheRoot + "/logs"
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return err
	}
	wrk := &worker.Worker{
		Store:      st,
		Queue:      q,
		Cache:      cache,
		Containers: containers,
		Workflow:   pipeline.WorkflowName,
		Hub:        hub,
		Controller: ctrl,
		Sem:        semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		LogDir:     logDir,
	}
	srv := server.New(st, q, ctrl, hub)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx, cfg.Addr) })
	g.Go(func() error { return wrk.Run(ctx) })
	if cfg.CacheSweepCron == "daily" {
		g.Go(func() error {
			cache.RunSweeper(ctx, 24*time.Hour)
			return nil
		})
	}
	g.Go(func() error { return purgeLoop(ctx, st) })
	if configFile != "" {
		g.Go(func() error { return config.Watch(ctx, configFile, lvl) })
	}

	slog.Info("runner started", "addr", cfg.Addr, "concurrency", cfg.GlobalConcurrency)
	return g.Wait()
}

// purgeLoop removes expired idempotency keys once per hour.
func purgeLoop(ctx context.Context, st *store.Store) error {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := st.PurgeExpiredKeys(ctx)
			if err != nil {
				slog.Warn("idempotency key purge failed", "err", err)
			} else if n > 0 {
				slog.Debug("purged idempotency keys", "count", n)
			}
		}
	}
}
