package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/railyard-io/railyard/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `railyard — graph program execution engine

Usage:
  railyard serve [flags]               start the MCP server on stdio
  railyard run <definition> [flags]    execute a graph definition file
  railyard version                     print the version

Run 'railyard <command> -h' for command flags.
`)
}

// newLogger builds the process logger. Everything goes to stderr: when
// serving, stdout belongs to the MCP transport. The correlation handler
// stamps run_id/path_id/node from the context onto subsystem logs that
// don't carry them explicitly.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
