package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/escrowmirror/internal/bus"
	"github.com/basket/escrowmirror/internal/config"
	"github.com/basket/escrowmirror/internal/cron"
	"github.com/basket/escrowmirror/internal/gateway"
	"github.com/basket/escrowmirror/internal/listener"
	"github.com/basket/escrowmirror/internal/reconcile"
)

func (c *cli) daemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Serve the API and keep the mirror in sync",
		Long: `daemon serves the task/profile HTTP API, follows TaskEscrow events and
runs the periodic gap sync and retention jobs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runDaemon(cmd.Context())
		},
	}
}

func (c *cli) runDaemon(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	env, err := c.open(ctx, openOptions{actor: "daemon", validateChain: true})
	if err != nil {
		return err
	}
	defer env.Close()
	cfg := env.cfg
	logger := env.logger.With("component", "daemon")

	gw, err := gateway.New(gateway.Config{
		Coordinator:       env.coord,
		Bus:               env.bus,
		Logger:            env.logger,
		Tracer:            env.otel.Tracer,
		Metrics:           env.metrics,
		AuthToken:         cfg.Gateway.AuthToken,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
	})
	if err != nil {
		return c.fatalStartup(ctx, logger, "E_GATEWAY_INIT", err)
	}
	ln, err := net.Listen("tcp", cfg.Gateway.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%s is already in use; is another daemon running? %w", cfg.Gateway.BindAddr, err)
		}
		return c.fatalStartup(ctx, logger, "E_GATEWAY_BIND", err)
	}

	sched, err := cron.NewScheduler(cron.Config{
		Store:  env.store,
		Logger: env.logger,
		Jobs:   daemonJobs(cfg, env.coord),
	})
	if err != nil {
		_ = ln.Close()
		return c.fatalStartup(ctx, logger, "E_SCHEDULER_INIT", err)
	}

	var follower *listener.Listener
	if cfg.Sync.ListenerEnabled {
		follower, err = listener.New(listener.Config{
			ChainID:      env.chainID,
			Chain:        env.chain,
			Store:        env.store,
			Syncer:       env.coord,
			Bus:          env.bus,
			Logger:       env.logger,
			Metrics:      env.metrics,
			PollInterval: time.Duration(cfg.Sync.ListenerPollSeconds) * time.Second,
			BlockWindow:  cfg.Sync.ListenerBlockWindow,
			StartBlock:   cfg.Sync.ListenerStartBlock,
		})
		if err != nil {
			_ = ln.Close()
			return c.fatalStartup(ctx, logger, "E_LISTENER_INIT", err)
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, env.logger)
	if err := watcher.Start(ctx); err != nil {
		// The daemon still works without hot reload.
		logger.Warn("config watcher disabled", "error", err)
		watcher = nil
	}

	logger.Info("daemon started",
		"version", Version,
		"chain", config.ChainName(cfg.Chain.ID),
		"bind_addr", cfg.Gateway.BindAddr,
		"listener", cfg.Sync.ListenerEnabled,
		"fingerprint", cfg.Fingerprint(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Serve(gctx, ln, cfg.DrainTimeout())
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if follower != nil {
		g.Go(func() error {
			return follower.Run(gctx)
		})
	}
	if watcher != nil {
		g.Go(func() error {
			watchReloads(gctx, watcher, env.bus, cfg, logger)
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped with error", "error", err)
		return err
	}
	logger.Info("daemon stopped")
	return nil
}

// daemonJobs are the periodic jobs of a running daemon.
func daemonJobs(cfg config.Config, coord *reconcile.Coordinator) []cron.Job {
	gapSync := cron.Job{
		Name:       "sync-missing",
		Schedule:   cfg.Sync.Schedule,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			_, err := coord.SyncMissing(ctx, reconcile.SourceChainSync)
			return err
		},
	}
	if cfg.Sync.IntervalSeconds > 0 {
		gapSync.Interval = time.Duration(cfg.Sync.IntervalSeconds) * time.Second
	}

	store := coord.Store()
	return []cron.Job{
		gapSync,
		{
			Name:     "resync-metadata",
			Schedule: "@hourly",
			Run: func(ctx context.Context) error {
				_, err := coord.ResyncMetadata(ctx)
				return err
			},
		},
		{
			Name:     "retention",
			Schedule: "@daily",
			Run: func(ctx context.Context) error {
				_, err := store.RunRetention(ctx, cfg.RetentionSyncRunsDays, cfg.RetentionAuditLogDays)
				return err
			},
		},
	}
}

// watchReloads announces config.yaml changes on the bus. Settings are read
// once at startup; a changed fingerprint is logged as needing a restart.
func watchReloads(ctx context.Context, w *config.Watcher, b *bus.Bus, running config.Config, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			payload := bus.ConfigReloadedEvent{Path: ev.Path}
			if ev.Err != nil {
				payload.Error = ev.Err.Error()
				b.Publish(bus.TopicConfigReloaded, payload)
				continue
			}
			payload.Fingerprint = ev.Fingerprint
			b.Publish(bus.TopicConfigReloaded, payload)
			if payload.Fingerprint != running.Fingerprint() {
				logger.Warn("config changed on disk; restart the daemon to apply it",
					"running_fingerprint", running.Fingerprint(), "new_fingerprint", payload.Fingerprint)
			} else {
				logger.Info("config reloaded without effective changes")
			}
		}
	}
}
