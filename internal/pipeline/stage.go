package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// step is the outcome of one stage operation: results to publish downstream
// and, for work that is not finished yet, the task to put back on the local
// queue. Both may be empty, which drops the task.
type step[T, R any] struct {
	emit    []R
	requeue *T
}

// stageOps is implemented by each stage specialization.
type stageOps[U, T, R any] interface {
	// intake converts one upstream unit into zero or more queued tasks.
	// Returning no tasks drops the unit silently.
	intake(u U) []T

	// process executes one task. An error halts the stage's intake.
	process(ctx context.Context, t T) (step[T, R], error)

	// discard releases a result that was drained unread on cancellation.
	discard(r R)
}

// stageConfig bounds one stage.
type stageConfig struct {
	// queueSize bounds the local task queue and the result buffer.
	queueSize int

	// opsPerSec is the maximum rate of process calls. Zero disables
	// throttling.
	opsPerSec float64
}

// stage is one bounded, rate-limited pipeline phase. It pulls from an
// upstream channel while it has queue capacity, runs at most one process
// call at a time, and publishes results to its out channel. Closing the out
// channel is the exhaustion sentinel for the downstream consumer.
type stage[U, T, R any] struct {
	name    string
	size    int
	limiter *rate.Limiter
	log     zerolog.Logger
	ops     stageOps[U, T, R]

	in  <-chan U
	out chan R

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	work    atomic.Int64 // queued + in-flight tasks
	pulling atomic.Bool  // still accepting upstream units
}

func newStage[U, T, R any](name string, cfg stageConfig, in <-chan U, ops stageOps[U, T, R], log zerolog.Logger) *stage[U, T, R] {
	if cfg.queueSize <= 0 {
		cfg.queueSize = 1
	}
	s := &stage[U, T, R]{
		name: name,
		size: cfg.queueSize,
		log:  log.With().Str("stage", name).Logger(),
		ops:  ops,
		in:   in,
		out:  make(chan R, cfg.queueSize),
		done: make(chan struct{}),
	}
	if cfg.opsPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.opsPerSec), 1)
	}
	s.pulling.Store(true)
	return s
}

// Start launches the stage worker. The stage stops when ctx is cancelled,
// when Cancel is called, or when upstream is exhausted and the local queue
// has drained.
func (s *stage[U, T, R]) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
}

// Cancel marks the stage dead. Queued tasks are discarded, buffered results
// are drained and released, and any rate-limit sleep is interrupted. The out
// channel still closes exactly once.
func (s *stage[U, T, R]) Cancel() {
	s.cancel()
}

// Results is the stage's output. It is closed once the stage is permanently
// exhausted.
func (s *stage[U, T, R]) Results() <-chan R {
	return s.out
}

// Work returns the number of queued plus in-flight tasks. The count is for
// stats reporting only and is not authoritative for control flow.
func (s *stage[U, T, R]) Work() int {
	return int(s.work.Load())
}

// Pulling reports whether the stage is still accepting upstream units.
func (s *stage[U, T, R]) Pulling() bool {
	return s.pulling.Load()
}

// Done is closed when the worker has exited.
func (s *stage[U, T, R]) Done() <-chan struct{} {
	return s.done
}

func (s *stage[U, T, R]) run() {
	defer close(s.done)

	var queue []T
	intake := true

	stopIntake := func() {
		intake = false
		s.pulling.Store(false)
	}

	enqueue := func(u U) {
		ts := s.ops.intake(u)
		if len(ts) == 0 {
			return
		}
		s.work.Add(int64(len(ts)))
		queue = append(queue, ts...)
	}

	defer func() {
		stopIntake()
		s.work.Add(-int64(len(queue)))
		queue = nil

		// On cancellation, unread results are drained and released so the
		// close below is the only thing the consumer ever sees after it.
		if s.ctx.Err() != nil {
			for {
				select {
				case r := <-s.out:
					s.ops.discard(r)
				default:
					close(s.out)
					return
				}
			}
		}
		close(s.out)
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		// Top up the task queue without blocking.
	topup:
		for intake && len(queue) < s.size {
			select {
			case u, ok := <-s.in:
				if !ok {
					stopIntake()
					continue
				}
				enqueue(u)
			default:
				break topup
			}
		}

		if len(queue) == 0 {
			if !intake {
				return // exhausted
			}
			// Nothing queued: block until upstream produces or we die.
			select {
			case u, ok := <-s.in:
				if !ok {
					stopIntake()
					continue
				}
				enqueue(u)
			case <-s.ctx.Done():
			}
			continue
		}

		if s.limiter != nil {
			// Interruptible rate sleep; Cancel wakes it via the context.
			if s.limiter.Wait(s.ctx) != nil {
				continue
			}
		}

		t := queue[0]
		queue = queue[1:]

		res, err := s.ops.process(s.ctx, t)
		switch {
		case s.ctx.Err() != nil:
			s.work.Add(-1)
			continue
		case err != nil:
			s.work.Add(-1)
			s.log.Error().Err(err).Msg("task failed, halting intake")
			stopIntake()
		default:
			if res.requeue != nil {
				queue = append(queue, *res.requeue)
			} else {
				s.work.Add(-1)
			}
			for _, r := range res.emit {
				select {
				case s.out <- r:
				case <-s.ctx.Done():
					s.ops.discard(r)
				}
			}
		}
	}
}
