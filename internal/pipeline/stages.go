package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"

	"github.com/mkarle/swath/internal/api"
)

// AssetService is the remote collaborator the pipeline drives. It is
// implemented by *api.Client; tests substitute a fake.
type AssetService interface {
	// Assets returns a fresh snapshot of an item's asset map.
	Assets(ctx context.Context, item api.Item) (api.AssetMap, error)

	// Activate requests activation of an asset. Fire-and-forget.
	Activate(ctx context.Context, asset api.Asset) error

	// Download starts an asynchronous transfer of an active asset.
	Download(ctx context.Context, asset api.Asset, w api.AssetWriter) (*api.Download, error)

	// Shutdown releases the underlying transport resources.
	Shutdown()
}

// ItemSource supplies the items a run operates on. Next returns io.EOF once
// the source is exhausted; any other error stops paging.
type ItemSource interface {
	Next(ctx context.Context) (api.Item, error)
}

// itemAssets pairs an item with the asset snapshot that moved it downstream.
type itemAssets struct {
	item   api.Item
	assets api.AssetMap
}

// activationOps fetches asset status per item and triggers activation for
// inactive assets, re-queueing the item until every requested asset is
// uniformly activating or active.
type activationOps struct {
	svc   AssetService
	types []string
	log   zerolog.Logger
}

func (o activationOps) intake(item api.Item) []api.Item {
	return []api.Item{item}
}

func (o activationOps) process(ctx context.Context, item api.Item) (step[api.Item, itemAssets], error) {
	assets, err := o.svc.Assets(ctx, item)
	if err != nil {
		return step[api.Item, itemAssets]{}, err
	}

	var (
		present, activating, active int
		inactive                    *api.Asset
	)
	for _, t := range o.types {
		a, ok := assets[t]
		if !ok {
			continue
		}
		present++
		switch a.Status {
		case api.StatusInactive:
			if inactive == nil {
				inactive = &a
			}
		case api.StatusActivating:
			activating++
		case api.StatusActive:
			active++
		}
	}

	if present == 0 {
		o.log.Warn().Str("item", item.ID).Strs("requested", o.types).Msg("item has no usable assets, dropping")
		return step[api.Item, itemAssets]{}, nil
	}

	if inactive != nil {
		// One activation call per cycle; the re-queued item picks up the
		// remaining inactive assets on later passes.
		if err := o.svc.Activate(ctx, *inactive); err != nil {
			return step[api.Item, itemAssets]{}, err
		}
		return step[api.Item, itemAssets]{requeue: &item}, nil
	}

	// No inactive assets remain: the item is ready for polling. Anything
	// else means the API returned a status outside the taxonomy.
	if activating+active == present {
		return step[api.Item, itemAssets]{emit: []itemAssets{{item: item, assets: assets}}}, nil
	}

	o.log.Error().Str("item", item.ID).Int("activating", activating).Int("active", active).Msg("unknown asset status, dropping item")
	return step[api.Item, itemAssets]{}, nil
}

func (o activationOps) discard(itemAssets) {}

// pollTask is an itemAssets snapshot stamped with polling bookkeeping.
type pollTask struct {
	itemAssets
	started    time.Time
	lastPolled time.Time
}

// pollOps re-fetches asset status until every requested type is active,
// never polling the same item more often than minInterval.
type pollOps struct {
	svc         AssetService
	types       []string
	minInterval time.Duration
	log         zerolog.Logger
}

func (o pollOps) intake(ia itemAssets) []pollTask {
	now := time.Now()
	return []pollTask{{itemAssets: ia, started: now, lastPolled: now}}
}

func (o pollOps) process(ctx context.Context, t pollTask) (step[pollTask, itemAssets], error) {
	// The snapshot from activation may already be fully active.
	if t.assets.Active(o.types) {
		return step[pollTask, itemAssets]{emit: []itemAssets{t.itemAssets}}, nil
	}

	if time.Since(t.lastPolled) < o.minInterval {
		return step[pollTask, itemAssets]{requeue: &t}, nil
	}

	assets, err := o.svc.Assets(ctx, t.item)
	if err != nil {
		return step[pollTask, itemAssets]{}, err
	}
	t.assets = assets
	t.lastPolled = time.Now()

	if assets.Active(o.types) {
		o.log.Info().Str("item", t.item.ID).Dur("activation_took", time.Since(t.started)).Msg("assets active")
		return step[pollTask, itemAssets]{emit: []itemAssets{t.itemAssets}}, nil
	}

	return step[pollTask, itemAssets]{requeue: &t}, nil
}

func (o pollOps) discard(itemAssets) {}

// downloadTask is one asset transfer to dispatch.
type downloadTask struct {
	item  api.Item
	asset api.Asset
}

// downloadResult carries the handle of a dispatched transfer to the drain
// loop.
type downloadResult struct {
	item      api.Item
	assetType string
	handle    *api.Download
}

// downloadOps fans each ready item out into one task per requested asset
// type and dispatches the asynchronous transfers.
type downloadOps struct {
	svc       AssetService
	types     []string
	bucket    *blob.Bucket
	overwrite bool
	counters  *counters
	log       zerolog.Logger
}

func (o downloadOps) intake(ia itemAssets) []downloadTask {
	tasks := make([]downloadTask, 0, len(o.types))
	for _, t := range o.types {
		a, ok := ia.assets[t]
		if !ok {
			continue
		}
		tasks = append(tasks, downloadTask{item: ia.item, asset: a})
	}
	return tasks
}

func (o downloadOps) process(ctx context.Context, t downloadTask) (step[downloadTask, downloadResult], error) {
	handle, err := o.svc.Download(ctx, t.asset, api.AssetWriter{
		Bucket:    o.bucket,
		Name:      api.AssetObjectName(t.item, t.asset),
		Overwrite: o.overwrite,
		Observer: api.WriteObserver{
			Wrote: func(n int64) { o.counters.bytes.Add(n) },
			Skip: func(name string) {
				o.log.Debug().Str("object", name).Msg("destination exists, skipping")
			},
		},
	})
	if err != nil {
		return step[downloadTask, downloadResult]{}, err
	}
	o.counters.dispatched.Add(1)

	return step[downloadTask, downloadResult]{
		emit: []downloadResult{{item: t.item, assetType: t.asset.Type, handle: handle}},
	}, nil
}

// discard cancels transfers whose handles were still sitting unread in the
// result queue when the stage was cancelled.
func (o downloadOps) discard(r downloadResult) {
	r.handle.Cancel()
}
