// Package pipeline drives items from search results through asset
// activation, status polling, and download.
//
// # Architecture
//
// A run wires three stages in sequence:
//
//	items ─> activation ─> poll ─> download ─> drain loop
//
// Each stage owns a bounded FIFO task queue and a single worker goroutine,
// pulls from the previous stage only while it has queue capacity, and is
// rate-limited to a configured number of operations per second. A task that
// is not yet complete (asset still activating) is re-queued locally, which
// occupies queue capacity and throttles how much new work is pulled from
// upstream. Results flow downstream over buffered channels; a closed channel
// marks a stage as permanently exhausted.
//
// # Orchestration
//
// The Downloader starts the stages, drains the final one synchronously,
// awaits each in-flight transfer, and invokes OnComplete per finished asset.
// Activate runs the first two stages only. Stats returns a live snapshot of
// queue depths, dispatched transfers, and bytes written. Shutdown cancels
// cooperatively from any goroutine and is idempotent.
//
// # Failure policy
//
// An error inside a stage's operation is logged and halts that stage's
// intake; the stage drains what it already queued and finishes. Per-item
// skip conditions (no usable assets, destination already exists) are not
// errors. A run that drains with zero completions is a legitimate terminal
// state.
package pipeline
