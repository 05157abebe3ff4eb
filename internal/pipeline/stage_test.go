package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// funcOps adapts plain functions to stageOps for tests. Nil hooks default to
// pass-through.
type funcOps struct {
	onIntake  func(u int) []int
	onProcess func(ctx context.Context, t int) (step[int, int], error)
	onDiscard func(r int)
}

func (o funcOps) intake(u int) []int {
	if o.onIntake != nil {
		return o.onIntake(u)
	}
	return []int{u}
}

func (o funcOps) process(ctx context.Context, t int) (step[int, int], error) {
	if o.onProcess != nil {
		return o.onProcess(ctx, t)
	}
	return step[int, int]{emit: []int{t}}, nil
}

func (o funcOps) discard(r int) {
	if o.onDiscard != nil {
		o.onDiscard(r)
	}
}

func feedInts(n int) chan int {
	ch := make(chan int, n)
	for i := 0; i < n; i++ {
		ch <- i
	}
	return ch
}

func collect(t *testing.T, s *stage[int, int, int]) []int {
	t.Helper()
	var out []int
	timeout := time.After(10 * time.Second)
	for {
		select {
		case r, ok := <-s.Results():
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatalf("stage did not close its results channel (got %d so far)", len(out))
		}
	}
}

func TestStageExhaustion(t *testing.T) {
	in := feedInts(10)
	close(in)

	s := newStage("test", stageConfig{queueSize: 3}, in, funcOps{}, zerolog.Nop())
	s.Start(context.Background())

	got := collect(t, s)
	if len(got) != 10 {
		t.Errorf("expected 10 results, got %d", len(got))
	}
	<-s.Done()
	if s.Work() != 0 {
		t.Errorf("expected no remaining work, got %d", s.Work())
	}
	if s.Pulling() {
		t.Error("stage still reports pulling after exhaustion")
	}
}

func TestStageRequeueRunsTaskAgain(t *testing.T) {
	in := feedInts(5)
	close(in)

	var mu sync.Mutex
	attempts := make(map[int]int)

	ops := funcOps{
		onProcess: func(_ context.Context, v int) (step[int, int], error) {
			mu.Lock()
			attempts[v]++
			n := attempts[v]
			mu.Unlock()
			if n < 3 {
				return step[int, int]{requeue: &v}, nil
			}
			return step[int, int]{emit: []int{v}}, nil
		},
	}

	s := newStage("test", stageConfig{queueSize: 5}, in, ops, zerolog.Nop())
	s.Start(context.Background())

	got := collect(t, s)
	if len(got) != 5 {
		t.Fatalf("expected 5 results, got %d", len(got))
	}

	mu.Lock()
	defer mu.Unlock()
	for v, n := range attempts {
		if n != 3 {
			t.Errorf("task %d processed %d times, expected 3", v, n)
		}
	}
}

func TestStageHaltsIntakeOnError(t *testing.T) {
	// Upstream stays open; the stage must wind down on its own after the
	// failure despite more units being available.
	in := feedInts(50)

	var mu sync.Mutex
	processed := 0
	ops := funcOps{
		onProcess: func(_ context.Context, v int) (step[int, int], error) {
			mu.Lock()
			processed++
			n := processed
			mu.Unlock()
			if n >= 3 {
				return step[int, int]{}, errors.New("remote refused")
			}
			return step[int, int]{emit: []int{v}}, nil
		},
	}

	s := newStage("test", stageConfig{queueSize: 2}, in, ops, zerolog.Nop())
	s.Start(context.Background())

	got := collect(t, s)
	if len(got) != 2 {
		t.Errorf("expected the 2 pre-failure results, got %d", len(got))
	}

	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("stage did not stop after a task error")
	}
	if s.Pulling() {
		t.Error("stage still reports pulling after a task error")
	}
	if remaining := len(in); remaining < 40 {
		t.Errorf("stage kept draining upstream after the error, %d units left", remaining)
	}
}

func TestStageCancelDiscardsBufferedResults(t *testing.T) {
	// Upstream stays open so the worker parks waiting for more input while
	// its result buffer holds unread values.
	in := feedInts(3)

	var mu sync.Mutex
	var discarded []int
	ops := funcOps{
		onDiscard: func(r int) {
			mu.Lock()
			discarded = append(discarded, r)
			mu.Unlock()
		},
	}

	s := newStage("test", stageConfig{queueSize: 4}, in, ops, zerolog.Nop())
	s.Start(context.Background())

	// Wait until all three results sit in the buffer.
	deadline := time.After(10 * time.Second)
	for len(s.out) < 3 {
		select {
		case <-deadline:
			t.Fatalf("results never buffered, have %d", len(s.out))
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.Cancel()

	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("stage did not stop after cancel")
	}

	// The results channel must close without delivering anything.
	for r := range s.Results() {
		t.Errorf("received result %d after cancel", r)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(discarded) != 3 {
		t.Errorf("expected 3 discarded results, got %d (%v)", len(discarded), discarded)
	}
}

func TestStageRateLimitSpacesOperations(t *testing.T) {
	in := feedInts(4)
	close(in)

	var mu sync.Mutex
	var stamps []time.Time
	ops := funcOps{
		onProcess: func(_ context.Context, v int) (step[int, int], error) {
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
			return step[int, int]{emit: []int{v}}, nil
		},
	}

	// 10 ops/sec: 100ms between operations.
	s := newStage("test", stageConfig{queueSize: 4, opsPerSec: 10}, in, ops, zerolog.Nop())
	start := time.Now()
	s.Start(context.Background())
	collect(t, s)

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 4 {
		t.Fatalf("expected 4 operations, got %d", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < 90*time.Millisecond {
			t.Errorf("operations %d and %d only %v apart, expected >= 100ms", i-1, i, gap)
		}
	}
	if elapsed := time.Since(start); elapsed < 290*time.Millisecond {
		t.Errorf("4 operations at 10/s finished in %v, expected >= 300ms", elapsed)
	}
}

func TestStageUnthrottledRunsImmediately(t *testing.T) {
	in := feedInts(200)
	close(in)

	s := newStage("test", stageConfig{queueSize: 10}, in, funcOps{}, zerolog.Nop())
	start := time.Now()
	s.Start(context.Background())

	got := collect(t, s)
	if len(got) != 200 {
		t.Fatalf("expected 200 results, got %d", len(got))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("unthrottled stage took %v", elapsed)
	}
}

func TestStageBackpressure(t *testing.T) {
	in := feedInts(10)

	gate := make(chan struct{})
	started := make(chan struct{}, 10)
	ops := funcOps{
		onProcess: func(ctx context.Context, v int) (step[int, int], error) {
			started <- struct{}{}
			select {
			case <-gate:
			case <-ctx.Done():
			}
			return step[int, int]{emit: []int{v}}, nil
		},
	}

	s := newStage("test", stageConfig{queueSize: 2}, in, ops, zerolog.Nop())
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("no task started")
	}

	// With a queue of 2 and one task in flight, at most 3 units may have
	// left the upstream buffer.
	if remaining := len(in); remaining < 7 {
		t.Errorf("stage overdrained upstream: %d units left, expected >= 7", remaining)
	}

	close(gate)
	close(in)
	if got := collect(t, s); len(got) != 10 {
		t.Errorf("expected 10 results after release, got %d", len(got))
	}
}
