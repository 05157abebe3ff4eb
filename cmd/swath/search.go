package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mkarle/swath/internal/api"
	"github.com/mkarle/swath/internal/config"
	"github.com/mkarle/swath/internal/pipeline"
)

func runSearch(args []string) int {
	fs := flag.NewFlagSet("search", flag.ExitOnError)

	itemType := fs.String("item-type", "", "Item type to search for (required)")
	filterPath := fs.String("filter", "", "Path to a JSON filter document")
	limit := fs.Int("limit", 0, "Maximum number of items to return (0 = no limit)")
	quiet := fs.Bool("quiet", false, "Print item IDs only")
	configPath := fs.String("config", "", "Path to a YAML config file")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: swath search [options]

Search the catalog and print matching items as JSON lines.

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

	cfg, log, err := loadConfig(*configPath, config.Config{}, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	client := newClient(cfg, log)
	defer client.Shutdown()

	ctx, cancel := signalContext()
	defer cancel()

	pager, err := newItemSource(ctx, client, *itemType, *filterPath, *limit, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitAPIError
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		item, err := pager.Next(ctx)
		if err == io.EOF {
			return ExitSuccess
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitAPIError
		}
		if *quiet {
			fmt.Println(item.ID)
			continue
		}
		if err := enc.Encode(item); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
	}
}

// newItemSource builds the item stream a command operates on: explicit item
// IDs when given as positional arguments, a catalog search otherwise.
func newItemSource(ctx context.Context, client *api.Client, itemType, filterPath string, limit int, ids []string) (pipeline.ItemSource, error) {
	if len(ids) > 0 {
		return client.Items(ctx, itemType, ids), nil
	}

	req := api.SearchRequest{ItemTypes: []string{itemType}}
	if filterPath != "" {
		data, err := os.ReadFile(filterPath)
		if err != nil {
			return nil, fmt.Errorf("read filter: %w", err)
		}
		if !json.Valid(data) {
			return nil, errors.New("filter file is not valid JSON")
		}
		req.Filter = data
	}

	pager, err := client.QuickSearch(ctx, req)
	if err != nil {
		return nil, err
	}
	return pager.Limit(limit), nil
}
