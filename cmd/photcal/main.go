package main

import (
	"context"
	"fmt"
	"os"

	"photcal/internal/cli"
	"photcal/internal/config"
	"photcal/internal/logging"
	"photcal/internal/pipeline"
	"photcal/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	var store *storage.Store
	dbPath, err := config.ExpandUser(cfg.Paths.DatabasePath)
	if err == nil {
		store, err = storage.New(dbPath)
	}
	if err != nil {
		logger.Warn("run history disabled", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	engine, err := cli.NewEngine(cfg, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	proc := pipeline.NewProcessor(engine.Calculator, cfg.Processing.ParallelJobs, logger)
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, proc)
	defer pipe.Stop()

	root := cli.NewRoot(cfg, logger, store, engine.Registry, pipe)
	return cli.NewRootCmd(root).ExecuteContext(ctx)
}
