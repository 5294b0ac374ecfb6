// Command tallyd is the Tally server daemon. It opens the task store,
// wires the tree manager, workflow engine and notification dispatcher, and
// serves the REST API until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/tally/comms"
	"github.com/GoCodeAlone/tally/config"
	"github.com/GoCodeAlone/tally/internal/version"
	"github.com/GoCodeAlone/tally/milestone"
	"github.com/GoCodeAlone/tally/server"
	"github.com/GoCodeAlone/tally/task"
	"github.com/GoCodeAlone/tally/tree"
	"github.com/GoCodeAlone/tally/workflow"
)

var configPath = flag.String("config", "", "path to a YAML or TOML config file")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tallyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	logger.Info("starting tallyd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("driver", cfg.Database.Driver),
	)
	if len(cfg.Auth.Users) == 0 {
		logger.Warn("no users configured; every login will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialect := task.Dialect(cfg.Database.Driver)
	if dialect == task.DialectSQLite && cfg.Database.DSN == "" {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := task.Open(ctx, dialect, cfg.DatabaseDSN())
	if err != nil {
		return err
	}
	defer store.Close()

	tm := tree.NewManager(store, logger)
	bus := comms.NewInMemoryBus()
	dispatcher := comms.NewDispatcher(bus, cfg.Notify.QueueSize, logger)

	srv := server.New(*cfg, version.Version, logger)
	srv.SetStore(store)
	srv.SetTree(tm)
	srv.SetWorkflow(workflow.New(tm, dispatcher, logger))
	srv.SetMilestones(milestone.NewService(store, logger))
	srv.SetBus(bus)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if n := dispatcher.Dropped(); n > 0 {
		logger.Warn("notifications dropped", slog.Int64("count", n))
	}
	logger.Info("shutdown complete")
	return nil
}
