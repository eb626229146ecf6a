package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/railyard-io/railyard/internal/engine"
	"github.com/railyard-io/railyard/internal/scheduler"
	"github.com/railyard-io/railyard/internal/store"
	"github.com/railyard-io/railyard/pkg/mcp"
)

// cmdServe runs the MCP server on stdio until the transport closes or the
// process is signalled. Delegated decisions go to connected agents; the
// scheduler triggers stored jobs in the background.
func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path (default ~/.railyard/railyard.db)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", 0, "concurrent oracle resolutions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *poolSize > 0 {
		cfg.PoolSize = *poolSize
	}

	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	oracle := mcp.NewAgentOracle(st, logger)

	eng, err := engine.New(engine.Config{
		Store:        st,
		Oracle:       oracle,
		Checkpointer: engine.NewStoreCheckpointer(st),
		Logger:       logger,
		PoolSize:     cfg.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler(st, eng, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-job recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := mcp.NewYardServer(mcp.YardServerDeps{
		Engine: eng,
		Store:  st,
		Oracle: oracle,
		Logger: logger,
	})

	logger.Info("railyard listening on stdio", "db", cfg.DBPath, "version", version)
	serveErr := srv.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
