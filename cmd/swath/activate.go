package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/mkarle/swath/internal/api"
	"github.com/mkarle/swath/internal/config"
	"github.com/mkarle/swath/internal/pipeline"
)

func runActivate(args []string) int {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)

	itemType := fs.String("item-type", "", "Item type (required)")
	assetTypes := fs.String("asset-types", "", "Comma-separated asset types (required)")
	filterPath := fs.String("filter", "", "Path to a JSON filter document")
	limit := fs.Int("limit", 0, "Maximum number of items to process (0 = no limit)")
	configPath := fs.String("config", "", "Path to a YAML config file")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: swath activate [options] [item-id ...]

Drive each item's requested assets to the active state without downloading.
Items come from a catalog search, or from item IDs given as arguments.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if *itemType == "" {
		fmt.Fprintln(os.Stderr, "Error: -item-type is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	override := config.Config{AssetTypes: splitAssetTypes(*assetTypes)}

	cfg, log, err := loadConfig(*configPath, override, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if len(cfg.AssetTypes) == 0 {
		fmt.Fprintln(os.Stderr, "Error: -asset-types is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	client := newClient(cfg, log)

	dl, err := pipeline.New(client, pipelineOptions(cfg, log, func(item api.Item, assetType, _ string) {
		fmt.Printf("%s %s active\n", item.ID, assetType)
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	defer dl.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(dl)

	source, err := newItemSource(ctx, client, *itemType, *filterPath, *limit, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitAPIError
	}

	if err := dl.Activate(ctx, source); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	stats := dl.Stats()
	fmt.Fprintf(os.Stderr, "[swath] Done: %d assets active\n", stats.Complete)
	return ExitSuccess
}

// pipelineOptions maps configuration onto pipeline options.
func pipelineOptions(cfg config.Config, log zerolog.Logger, onComplete func(api.Item, string, string)) pipeline.Options {
	return pipeline.Options{
		AssetTypes:          cfg.AssetTypes,
		Overwrite:           cfg.Overwrite,
		OnComplete:          onComplete,
		ActivationQueueSize: cfg.Queues.Activation,
		PollQueueSize:       cfg.Queues.Poll,
		DownloadQueueSize:   cfg.Queues.Download,
		ActivationRate:      cfg.Rates.Activation,
		PollRate:            cfg.Rates.Poll,
		DownloadRate:        cfg.Rates.Download,
		MinPollInterval:     cfg.MinPollInterval,
		NoDelay:             cfg.NoDelay,
		Logger:              &log,
	}
}

// notifyShutdown wires SIGINT/SIGTERM to a cooperative pipeline shutdown.
func notifyShutdown(dl *pipeline.Downloader) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[swath] Received interrupt, shutting down...")
		dl.Shutdown()
	}()
}

// splitAssetTypes splits a comma-separated asset type list.
func splitAssetTypes(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
