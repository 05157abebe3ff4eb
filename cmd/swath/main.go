package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/mkarle/swath/internal/api"
	"github.com/mkarle/swath/internal/config"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitAPIError     = 3
	ExitStorageError = 4
)

func main() {
	// Populate the environment from a .env file when one is present.
	_ = godotenv.Load()

	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "search":
		return runSearch(cmdArgs)
	case "activate":
		return runActivate(cmdArgs)
	case "download":
		return runDownload(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: swath <command> [options]

Commands:
  search    Find catalog items matching a filter
  activate  Drive items' assets to the active state without downloading
  download  Activate and download assets into a directory or bucket

Run 'swath <command> -h' for command-specific help.`)
}

// loadConfig layers the optional config file, the environment, and flag
// overrides, and builds the logger.
func loadConfig(path string, override config.Config, verbose bool) (config.Config, zerolog.Logger, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	cfg = cfg.Merge(override)

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("parse log_level: %w", err)
	}
	if verbose {
		level = zerolog.DebugLevel
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	return cfg, log, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// newClient builds the API client from configuration.
func newClient(cfg config.Config, log zerolog.Logger) *api.Client {
	opts := api.DefaultOptions()
	opts.BaseURL = cfg.BaseURL
	opts.APIKey = cfg.APIKey
	opts.RetryAttempts = cfg.Retry.Attempts
	opts.RetryBackoff = cfg.Retry.Backoff
	opts.RetryMaxBackoff = cfg.Retry.MaxBackoff
	opts.Logger = &log
	return api.NewClient(opts)
}
