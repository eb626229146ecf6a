package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/railyard-io/railyard/internal/engine"
	"github.com/railyard-io/railyard/internal/store"
	"github.com/railyard-io/railyard/pkg/schema"
)

// cmdRun executes one graph definition file and prints the terminal result.
// Headless runs have no agent to delegate to, so delegations resolve via
// the automatic oracle: declared work is acknowledged, first edges win.
func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	seedsJSON := fs.String("seeds", "", "context seeds as JSON, keyed by context then key")
	dbPath := fs.String("db", "", "database path (default ~/.railyard/railyard.db)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	timeout := fs.Duration("timeout", 0, "abort the run after this duration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: railyard run <definition-file> [flags]")
	}

	def, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return err
	}

	var seeds map[string]map[string]any
	if *seedsJSON != "" {
		if err := json.Unmarshal([]byte(*seedsJSON), &seeds); err != nil {
			return fmt.Errorf("parse seeds: %w", err)
		}
	}

	cfg := loadConfig()
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
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

	eng, err := engine.New(engine.Config{
		Store:        st,
		Oracle:       engine.AutoOracle{},
		Checkpointer: engine.NewStoreCheckpointer(st),
		Logger:       logger,
		PoolSize:     cfg.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	result, runErr := eng.Run(ctx, def, engine.RunOptions{Origin: "cli", Seeds: seeds})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}

	if runErr != nil {
		return runErr
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if result.Status != schema.RunStatusCompleted {
		return fmt.Errorf("run %s finished %s", result.RunID, result.Status)
	}
	return nil
}

// loadDefinition reads a graph definition from a JSON or YAML file,
// picking the codec by extension.
func loadDefinition(path string) (*schema.GraphDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	var def schema.GraphDefinition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return &def, nil
}
