package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mkarle/swath/internal/pipeline"
)

// Options configures the progress reporter.
type Options struct {
	// Stats supplies the snapshot to render. Required.
	Stats func() pipeline.Stats

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration
}

// Reporter outputs human-readable pipeline progress.
type Reporter struct {
	opts Options

	mu        sync.Mutex
	startTime time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	stopped   bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.mu.Unlock()

	go r.updateLoop()
}

// Stop stops the progress reporter, printing a final summary. It blocks
// until the render loop has exited and is safe to call more than once.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current status line.
func (r *Reporter) printProgress() {
	s := r.opts.Stats()

	if s.Downloaded == "" {
		fmt.Fprintf(r.opts.Output, "\r[swath] Paging: %t | Activating: %d | Complete: %d    ",
			s.Paging, s.Activating, s.Complete)
		return
	}

	fmt.Fprintf(r.opts.Output, "\r[swath] Activating: %d | Pending: %d | Downloading: %d | Complete: %d | Downloaded: %s    ",
		s.Activating, s.Pending, s.Downloading, s.Complete, s.Downloaded)
}

// printFinalStatus outputs the final summary.
func (r *Reporter) printFinalStatus() {
	s := r.opts.Stats()
	duration := time.Since(r.startTime)

	fmt.Fprintln(r.opts.Output)
	if s.Downloaded == "" {
		fmt.Fprintf(r.opts.Output, "[swath] Activated %d assets in %s\n",
			s.Complete, formatDuration(duration))
		return
	}
	fmt.Fprintf(r.opts.Output, "[swath] Completed %d assets (%s) in %s\n",
		s.Complete, s.Downloaded, formatDuration(duration))
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
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
