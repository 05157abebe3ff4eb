package pipeline

import (
	"fmt"
	"sync/atomic"
)

// counters holds the shared tallies of one run. All fields are monotonically
// increasing approximate counters for reporting; they are read without
// coordination by Stats.
type counters struct {
	// bytes written to destinations, fed by transfer progress callbacks.
	bytes atomic.Int64
	// dispatched transfers, counted when the download stage emits a handle.
	dispatched atomic.Int64
	// settled transfers: awaited to completion, failure, or cancellation.
	settled atomic.Int64
	// complete reported completions (per item per asset type).
	complete atomic.Int64
}

// Stats is a point-in-time snapshot of a run. Snapshots are eventually
// consistent; individual fields may be momentarily out of step with each
// other.
type Stats struct {
	// Paging reports whether the activation stage is still pulling items
	// from the source.
	Paging bool

	// Activating is the queued plus in-flight work of the activation and
	// poll stages combined.
	Activating int

	// Pending is the queued plus in-flight work of the download stage.
	Pending int

	// Downloading is the number of dispatched transfers not yet settled.
	Downloading int

	// Downloaded is the human-readable byte total written so far. Empty
	// for activate-only runs.
	Downloaded string

	// Complete is the number of reported completions.
	Complete int
}

func (s Stats) String() string {
	if s.Downloaded == "" {
		return fmt.Sprintf("paging=%t activating=%d complete=%d", s.Paging, s.Activating, s.Complete)
	}
	return fmt.Sprintf("paging=%t activating=%d pending=%d downloading=%d complete=%d downloaded=%s",
		s.Paging, s.Activating, s.Pending, s.Downloading, s.Complete, s.Downloaded)
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
		tb = gb * 1024
	)

	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
