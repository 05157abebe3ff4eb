package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/mkarle/swath/internal/api"
	"github.com/mkarle/swath/internal/config"
	"github.com/mkarle/swath/internal/pipeline"
	"github.com/mkarle/swath/internal/progress"
)

func runDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)

	itemType := fs.String("item-type", "", "Item type (required)")
	assetTypes := fs.String("asset-types", "", "Comma-separated asset types (required)")
	dest := fs.String("dest", "", "Destination directory or bucket URL (required)")
	overwrite := fs.Bool("overwrite", false, "Replace destination files that already exist")
	filterPath := fs.String("filter", "", "Path to a JSON filter document")
	limit := fs.Int("limit", 0, "Maximum number of items to process (0 = no limit)")
	noProgress := fs.Bool("no-progress", false, "Suppress the live progress display")
	configPath := fs.String("config", "", "Path to a YAML config file")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: swath download [options] [item-id ...]

Activate and download each item's requested assets. The destination is a
pre-existing local directory, or any bucket URL (s3://, gs://) for direct
delivery to object storage. Existing files are skipped unless -overwrite is
given.

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

	override := config.Config{
		AssetTypes:  splitAssetTypes(*assetTypes),
		Destination: *dest,
		Overwrite:   *overwrite,
	}

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
	if cfg.Destination == "" {
		fmt.Fprintln(os.Stderr, "Error: -dest is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bucket, err := openDestination(ctx, cfg.Destination)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer bucket.Close()

	client := newClient(cfg, log)

	dl, err := pipeline.New(client, pipelineOptions(cfg, log, func(item api.Item, assetType, path string) {
		fmt.Printf("%s %s -> %s\n", item.ID, assetType, path)
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	defer dl.Shutdown()
	notifyShutdown(dl)

	source, err := newItemSource(ctx, client, *itemType, *filterPath, *limit, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitAPIError
	}

	if !*noProgress {
		reporter := progress.NewReporter(progress.Options{Stats: dl.Stats})
		reporter.Start()
		defer reporter.Stop()
	}

	if err := dl.Download(ctx, source, bucket); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	stats := dl.Stats()
	if stats.Complete == 0 {
		fmt.Fprintln(os.Stderr, "[swath] No assets downloaded")
	}
	return ExitSuccess
}

// openDestination opens the download destination: a bucket URL when dest
// contains a scheme, otherwise a pre-existing local directory.
func openDestination(ctx context.Context, dest string) (*blob.Bucket, error) {
	if strings.Contains(dest, "://") {
		bucket, err := blob.OpenBucket(ctx, dest)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", dest, err)
		}
		return bucket, nil
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("destination directory must exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("destination %s is not a directory", dest)
	}

	bucket, err := fileblob.OpenBucket(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open destination %s: %w", dest, err)
	}
	return bucket, nil
}
