package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/deployhook/internal/api"
	"github.com/mattjoyce/deployhook/internal/config"
	"github.com/mattjoyce/deployhook/internal/events"
	"github.com/mattjoyce/deployhook/internal/history"
	"github.com/mattjoyce/deployhook/internal/lock"
	"github.com/mattjoyce/deployhook/internal/log"
	"github.com/mattjoyce/deployhook/internal/notify"
	"github.com/mattjoyce/deployhook/internal/pipeline"
	"github.com/mattjoyce/deployhook/internal/pm2"
	"github.com/mattjoyce/deployhook/internal/process"
	"github.com/mattjoyce/deployhook/internal/report"
	"github.com/mattjoyce/deployhook/internal/storage"
	"github.com/mattjoyce/deployhook/internal/vcs"
	"github.com/mattjoyce/deployhook/internal/webhook"
)

const pruneInterval = time.Hour

func newStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the webhook server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStart(ctx, cfg)
		},
	}
}

func pidLockPath(cfg *config.Config) string {
	if cfg.State.Path != "" {
		return filepath.Join(filepath.Dir(cfg.State.Path), "deployhook.lock")
	}
	return filepath.Join(filepath.Dir(cfg.SourcePath), "deployhook.lock")
}

func appNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Apps))
	for name := range cfg.Apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// warnLegacyMatching flags apps whose validation is weaker than it looks.
func warnLegacyMatching(cfg *config.Config, logger *slog.Logger) {
	for _, name := range appNames(cfg) {
		if cfg.Apps[name].Service == config.ServiceJenkins {
			logger.Warn("jenkins app accepts any source ip containing its secret as a substring", "app", name, "match", cfg.Apps[name].Secret)
		}
	}
}

func runStart(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("deployhook starting", "version", version, "config", cfg.SourcePath, "apps", len(cfg.Apps))

	pidPath := pidLockPath(cfg)
	pidLock, err := lock.Acquire(pidPath)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", pidPath, "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Debug("acquired PID lock", "path", pidPath)

	var store *history.Store
	if cfg.State.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
			return err
		}
		defer db.Close()
		store = history.New(db)
		logger.Info("run history enabled", "path", cfg.State.Path)
	}

	warnLegacyMatching(cfg, logger)

	sink, err := log.OpenFileSink(cfg.Service.LogDir, log.WithComponent("hook"))
	if err != nil {
		logger.Error("failed to open hook log", "dir", cfg.Service.LogDir, "error", err)
		return err
	}
	defer sink.Close()

	hub := events.NewHub(256)
	deps := pipeline.Deps{
		ProcessManager: pm2.NewClient(cfg.PM2.Bin),
		VCS:            vcs.NewGit(),
		Runner:         process.NewRunner(sink),
		Registry:       process.NewRegistry(log.WithComponent("process")),
		Events:         hub,
		CWD:            pipeline.NewCWDCache(),
		ReportsDir:     cfg.Reports.Dir,
		Logger:         log.WithComponent("pipeline"),
	}
	var commits report.CommitSource
	var runs api.RunStore
	if store != nil {
		deps.Recorder = store
		commits = store
		runs = store
	}
	if cfg.Slack.WebhookURL != "" {
		deps.Notifier = notify.NewSlack(cfg.Slack.WebhookURL, cfg.Slack.Channel, cfg.Slack.Username)
		logger.Info("slack notifications enabled", "channel", cfg.Slack.Channel)
	}
	executor := pipeline.NewExecutor(deps)

	whConfig, err := webhook.FromGlobalConfig(cfg)
	if err != nil {
		logger.Error("failed to configure webhook server", "error", err)
		return err
	}
	reports := report.New(cfg.Reports.Dir, appNames(cfg), commits, log.WithComponent("report"))
	wh := webhook.New(whConfig, cfg.Apps, executor, reports, hub, log.WithComponent("webhook"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return component("webhook", wh.Start(gctx))
	})

	if cfg.API.Enabled {
		apiServer := api.New(api.FromGlobalConfig(cfg), cfg.Apps, executor, runs, hub, log.WithComponent("api"))
		g.Go(func() error {
			return component("api", apiServer.Start(gctx))
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if store != nil && cfg.Service.HistoryRetention > 0 {
		g.Go(func() error {
			pruneLoop(gctx, store, cfg.Service.HistoryRetention, logger)
			return nil
		})
	}

	logger.Info("deployhook running", "listen", whConfig.Listen)
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return err
	}
	logger.Info("deployhook stopped")
	return nil
}

// component maps a clean shutdown to nil and tags real failures.
func component(name string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

type pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

func pruneLoop(ctx context.Context, p pruner, retention time.Duration, logger *slog.Logger) {
	prune := func() {
		n, err := p.Prune(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("failed to prune run history", "error", err)
		case n > 0:
			logger.Info("pruned run history", "removed", n, "retention", retention.String())
		}
	}

	prune()
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}
