package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"gocloud.dev/blob"
)

// ErrDownloadCancelled is returned by Download.Wait when the transfer was
// cancelled before completing.
var ErrDownloadCancelled = errors.New("api: download cancelled")

// ErrNoLocation is returned when a download is requested for an asset that
// has not been activated yet.
var ErrNoLocation = errors.New("api: asset has no download location")

// WriteObserver receives progress callbacks during an asset transfer. All
// fields are optional. Callbacks may fire from the transfer goroutine and
// must be safe for concurrent use.
type WriteObserver struct {
	// Start fires once the response headers have been read. total is the
	// content length, or -1 if unknown.
	Start func(name string, total int64)

	// Wrote fires after each chunk is written to the destination.
	Wrote func(n int64)

	// Finish fires after the object has been committed.
	Finish func(name string)

	// Skip fires instead of a transfer when the destination object already
	// exists and overwriting is disabled.
	Skip func(name string)
}

func (o WriteObserver) start(name string, total int64) {
	if o.Start != nil {
		o.Start(name, total)
	}
}

func (o WriteObserver) wrote(n int64) {
	if o.Wrote != nil {
		o.Wrote(n)
	}
}

func (o WriteObserver) finish(name string) {
	if o.Finish != nil {
		o.Finish(name)
	}
}

func (o WriteObserver) skip(name string) {
	if o.Skip != nil {
		o.Skip(name)
	}
}

// AssetWriter describes where an asset transfer lands.
type AssetWriter struct {
	// Bucket is the destination bucket.
	Bucket *blob.Bucket

	// Name is the destination object key. When empty it is derived from
	// the asset's location URL.
	Name string

	// Overwrite allows replacing an existing object. When false, an
	// existing object resolves the download immediately via the Skip
	// callback.
	Overwrite bool

	// Observer receives progress callbacks.
	Observer WriteObserver
}

// Download is a handle to an in-flight (or already resolved) asset transfer.
type Download struct {
	name    string
	skipped bool
	cancel  context.CancelFunc
	done    chan struct{}

	// written before done is closed, read only after.
	path string
	err  error
}

// Wait blocks until the transfer finishes and returns the destination object
// key. It returns ErrDownloadCancelled if the transfer was cancelled.
func (d *Download) Wait() (string, error) {
	<-d.done
	return d.path, d.err
}

// Cancel aborts the transfer. Waiters are released with
// ErrDownloadCancelled. Cancelling a finished or skipped download is a no-op.
func (d *Download) Cancel() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Skipped reports whether the download resolved without a transfer because
// the destination already existed.
func (d *Download) Skipped() bool {
	return d.skipped
}

// Name returns the destination object key.
func (d *Download) Name() string {
	return d.name
}

// AssetObjectName returns the deterministic destination key for an item's
// asset: "<itemID>_<assetType>" plus the extension of the asset's location
// path, when it has one. The key must be known before the transfer starts so
// the existence check can run up front.
func AssetObjectName(item Item, asset Asset) string {
	name := item.ID + "_" + asset.Type
	if u, err := url.Parse(asset.Location); err == nil {
		name += path.Ext(u.Path)
	}
	return name
}

// Download starts an asynchronous transfer of an active asset into the
// destination bucket. Only the existence check runs synchronously; the body
// is fetched and written by a background goroutine tracked by the returned
// handle. The handle is resolved immediately (and the Skip callback fired)
// when the destination exists and overwriting is disabled.
func (c *Client) Download(ctx context.Context, asset Asset, w AssetWriter) (*Download, error) {
	if asset.Location == "" {
		return nil, ErrNoLocation
	}

	name := w.Name
	if name == "" {
		u, err := url.Parse(asset.Location)
		if err != nil {
			return nil, fmt.Errorf("parse asset location: %w", err)
		}
		name = path.Base(u.Path)
	}

	d := &Download{name: name, done: make(chan struct{})}

	if !w.Overwrite {
		exists, err := w.Bucket.Exists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("check destination %s: %w", name, err)
		}
		if exists {
			d.path = name
			d.skipped = true
			close(d.done)
			w.Observer.skip(name)
			return d, nil
		}
	}

	tctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go func() {
		defer close(d.done)
		defer cancel()

		err := c.transferAsset(tctx, asset, w.Bucket, name, w.Observer)
		if err != nil {
			if tctx.Err() != nil {
				d.err = ErrDownloadCancelled
			} else {
				d.err = err
			}
			return
		}
		d.path = name
	}()

	return d, nil
}

// transferAsset streams the asset body into the bucket, reporting progress.
func (c *Client) transferAsset(ctx context.Context, asset Asset, bucket *blob.Bucket, name string, obs WriteObserver) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.Location, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.transfer.Do(req)
	if err != nil {
		return fmt.Errorf("fetch asset: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		return fmt.Errorf("fetch asset: %w", err)
	}

	obs.start(name, resp.ContentLength)

	// Cancelling the writer context before Close aborts the write, so a
	// failed transfer never commits a partial object.
	wctx, abort := context.WithCancel(ctx)
	defer abort()

	bw, err := bucket.NewWriter(wctx, name, nil)
	if err != nil {
		return fmt.Errorf("open destination %s: %w", name, err)
	}

	buf := make([]byte, 1024*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := bw.Write(buf[:n]); writeErr != nil {
				abort()
				bw.Close()
				return fmt.Errorf("write %s: %w", name, writeErr)
			}
			obs.wrote(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			abort()
			bw.Close()
			return fmt.Errorf("read asset body: %w", readErr)
		}
	}

	if err := bw.Close(); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}

	obs.finish(name)
	return nil
}
