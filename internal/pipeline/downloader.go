package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"

	"github.com/mkarle/swath/internal/api"
)

// Caller-misuse errors, raised synchronously before any stage starts.
var (
	ErrAlreadyRunning = errors.New("pipeline: a run is already active on this downloader")
	ErrNoDestination  = errors.New("pipeline: download requires a destination bucket")
	ErrNoAssetTypes   = errors.New("pipeline: at least one asset type is required")
	ErrNoSource       = errors.New("pipeline: an item source is required")
	ErrShutdown       = errors.New("pipeline: downloader has been shut down")
)

// Options configures a Downloader.
type Options struct {
	// AssetTypes is the set of asset types each item is driven through.
	// Required.
	AssetTypes []string

	// Overwrite allows replacing destination objects that already exist.
	// When false an existing object is a skip, not an error.
	Overwrite bool

	// OnComplete is invoked once per finished item/asset pair. path is the
	// destination object key, or empty for activate-only runs. It runs on
	// the drain goroutine; keep it fast.
	OnComplete func(item api.Item, assetType, path string)

	// Queue sizes per stage. Defaults: activation 100, poll 100, download 4.
	ActivationQueueSize int
	PollQueueSize       int
	DownloadQueueSize   int

	// Maximum operations per second per stage. Defaults: activation 5,
	// poll 2, download 2.
	ActivationRate float64
	PollRate       float64
	DownloadRate   float64

	// MinPollInterval is the minimum time between status re-fetches for
	// the same item. Default 5s.
	MinPollInterval time.Duration

	// NoDelay disables all artificial delays (rate limiters and the poll
	// interval). Meant for tests and CI.
	NoDelay bool

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.ActivationQueueSize <= 0 {
		o.ActivationQueueSize = 100
	}
	if o.PollQueueSize <= 0 {
		o.PollQueueSize = 100
	}
	if o.DownloadQueueSize <= 0 {
		o.DownloadQueueSize = 4
	}
	if o.ActivationRate <= 0 {
		o.ActivationRate = 5
	}
	if o.PollRate <= 0 {
		o.PollRate = 2
	}
	if o.DownloadRate <= 0 {
		o.DownloadRate = 2
	}
	if o.MinPollInterval <= 0 {
		o.MinPollInterval = 5 * time.Second
	}
	if o.NoDelay {
		o.ActivationRate = 0
		o.PollRate = 0
		o.DownloadRate = 0
		o.MinPollInterval = 0
	}
	return o
}

// Downloader orchestrates activation/download runs against an AssetService.
// A Downloader executes at most one run at a time; Activate and Download
// block until the run drains. Stats may be called from any goroutine during
// or after a run, and Shutdown cancels a run from any goroutine.
type Downloader struct {
	svc  AssetService
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopped  bool
	cancel   context.CancelFunc
	awaiting *api.Download

	// Handles of the current (or most recent) run, kept for Stats.
	activation  *stage[api.Item, api.Item, itemAssets]
	poll        *stage[itemAssets, pollTask, itemAssets]
	download    *stage[itemAssets, downloadTask, downloadResult]
	hasDownload bool
	counters    *counters
}

// New creates a Downloader. It fails fast on an empty asset-type list.
func New(svc AssetService, opts Options) (*Downloader, error) {
	if svc == nil {
		return nil, errors.New("pipeline: asset service is required")
	}
	if len(opts.AssetTypes) == 0 {
		return nil, ErrNoAssetTypes
	}
	opts = opts.withDefaults()

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &Downloader{svc: svc, opts: opts, log: log}, nil
}

// Activate runs the activation and poll stages only, reporting each
// item/asset pair as it becomes active. No files are written and OnComplete
// receives an empty path.
func (d *Downloader) Activate(ctx context.Context, items ItemSource) error {
	return d.run(ctx, items, nil)
}

// Download runs the full three-stage pipeline, delivering every requested
// asset of every item into the destination bucket.
func (d *Downloader) Download(ctx context.Context, items ItemSource, dest *blob.Bucket) error {
	if dest == nil {
		return ErrNoDestination
	}
	return d.run(ctx, items, dest)
}

func (d *Downloader) run(ctx context.Context, items ItemSource, dest *blob.Bucket) error {
	if items == nil {
		return ErrNoSource
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrShutdown
	}
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	cts := &counters{}
	feed := make(chan api.Item)

	activation := newStage("activation",
		stageConfig{queueSize: d.opts.ActivationQueueSize, opsPerSec: d.opts.ActivationRate},
		feed,
		activationOps{svc: d.svc, types: d.opts.AssetTypes, log: d.log},
		d.log)

	poll := newStage("poll",
		stageConfig{queueSize: d.opts.PollQueueSize, opsPerSec: d.opts.PollRate},
		activation.Results(),
		pollOps{svc: d.svc, types: d.opts.AssetTypes, minInterval: d.opts.MinPollInterval, log: d.log},
		d.log)

	var download *stage[itemAssets, downloadTask, downloadResult]
	if dest != nil {
		download = newStage("download",
			stageConfig{queueSize: d.opts.DownloadQueueSize, opsPerSec: d.opts.DownloadRate},
			poll.Results(),
			downloadOps{svc: d.svc, types: d.opts.AssetTypes, bucket: dest, overwrite: d.opts.Overwrite, counters: cts, log: d.log},
			d.log)
	}

	d.running = true
	d.cancel = cancel
	d.activation = activation
	d.poll = poll
	d.download = download
	d.hasDownload = download != nil
	d.counters = cts
	d.mu.Unlock()

	defer func() {
		cancel()
		d.mu.Lock()
		d.running = false
		d.cancel = nil
		d.mu.Unlock()
	}()

	// Feed the activation stage from the item source. The stage pulls from
	// this channel only while it has queue capacity, so a slow pipeline
	// applies backpressure all the way up to pagination.
	go func() {
		defer close(feed)
		for {
			item, err := items.Next(runCtx)
			if err == io.EOF {
				return
			}
			if err != nil {
				if runCtx.Err() == nil {
					d.log.Error().Err(err).Msg("item source failed, stopping paging")
				}
				return
			}
			select {
			case feed <- item:
			case <-runCtx.Done():
				return
			}
		}
	}()

	activation.Start(runCtx)
	poll.Start(runCtx)
	if download != nil {
		download.Start(runCtx)
		d.drainDownloads(download)
	} else {
		d.drainActivations(poll)
	}
	return nil
}

// drainActivations consumes the poll stage, reporting one completion per
// requested asset type the item carries.
func (d *Downloader) drainActivations(poll *stage[itemAssets, pollTask, itemAssets]) {
	for ia := range poll.Results() {
		for _, t := range d.opts.AssetTypes {
			if _, ok := ia.assets[t]; !ok {
				continue
			}
			d.counters.complete.Add(1)
			if d.opts.OnComplete != nil {
				d.opts.OnComplete(ia.item, t, "")
			}
		}
	}
}

// drainDownloads consumes the download stage, awaiting each transfer handle
// in turn. Awaiting blocks only this goroutine; the stages keep working.
func (d *Downloader) drainDownloads(download *stage[itemAssets, downloadTask, downloadResult]) {
	for res := range download.Results() {
		d.setAwaiting(res.handle)
		path, err := res.handle.Wait()
		d.setAwaiting(nil)

		d.counters.settled.Add(1)
		if err != nil {
			if errors.Is(err, api.ErrDownloadCancelled) {
				continue // shutdown in progress
			}
			d.log.Error().Err(err).Str("item", res.item.ID).Str("asset", res.assetType).Msg("download failed")
			continue
		}

		d.counters.complete.Add(1)
		if d.opts.OnComplete != nil {
			d.opts.OnComplete(res.item, res.assetType, path)
		}
	}
}

func (d *Downloader) setAwaiting(h *api.Download) {
	d.mu.Lock()
	d.awaiting = h
	d.mu.Unlock()
}

// Stats returns a snapshot of the current (or most recent) run.
func (d *Downloader) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	var s Stats
	if d.counters == nil {
		return s
	}
	s.Paging = d.activation.Pulling()
	s.Activating = d.activation.Work() + d.poll.Work()
	s.Complete = int(d.counters.complete.Load())
	if d.hasDownload {
		s.Pending = d.download.Work()
		s.Downloading = int(d.counters.dispatched.Load() - d.counters.settled.Load())
		s.Downloaded = formatBytes(d.counters.bytes.Load())
	}
	return s
}

// Shutdown cancels any active run, unblocks the drain loop, and releases the
// asset service's transport resources. It is idempotent and safe to call
// from any goroutine, including a signal handler.
func (d *Downloader) Shutdown() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel := d.cancel
	awaiting := d.awaiting
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if awaiting != nil {
		awaiting.Cancel()
	}
	d.svc.Shutdown()
}
