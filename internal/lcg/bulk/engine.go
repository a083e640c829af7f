// Package bulk runs a function over a list of work items on a fixed-size pool of workers.
//
// Each item gets its own future. Workers never touch shared state; the calling goroutine collects every
// future after the join and merges the successful results sorted by key. The engine neither retries nor
// rolls back: callers compare Outcome.Complete() and take compensating action themselves.
package bulk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"

	"github.com/armadaproject/lcg/internal/lcg/metrics"
)

type Options struct {
	// Name identifies the engine run in logs and metrics.
	Name    string
	Workers int
	// Timeout bounds the join. Zero waits until every item has finished.
	Timeout time.Duration
}

// ProcessFunc processes one item and returns the key its result is merged under.
type ProcessFunc[T any, K constraints.Ordered, R any] func(ctx context.Context, item T) (K, R, error)

type Result[K constraints.Ordered, R any] struct {
	Key   K
	Value R
}

type Outcome[K constraints.Ordered, R any] struct {
	// Successful results sorted by key.
	Results   []Result[K, R]
	Submitted int
	// Items that failed or had not finished when the join timed out.
	Failed   int
	TimedOut bool
}

// Complete reports whether every submitted item succeeded.
func (o *Outcome[K, R]) Complete() bool {
	return len(o.Results) == o.Submitted
}

func (o *Outcome[K, R]) Keys() []K {
	keys := make([]K, 0, len(o.Results))
	for _, r := range o.Results {
		keys = append(keys, r.Key)
	}
	return keys
}

func (o *Outcome[K, R]) Values() []R {
	values := make([]R, 0, len(o.Results))
	for _, r := range o.Results {
		values = append(values, r.Value)
	}
	return values
}

type future[K constraints.Ordered, R any] struct {
	key   K
	value R
	err   error
}

// Run processes every item and blocks until all have finished or the timeout elapses.
// Items still running after a timeout are counted as failed; they keep running in the background.
func Run[T any, K constraints.Ordered, R any](
	ctx context.Context,
	opts Options,
	items []T,
	process ProcessFunc[T, K, R],
) *Outcome[K, R] {
	start := time.Now()
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}
	logger := log.WithField("engine", opts.Name)

	futures := make([]chan future[K, R], len(items))
	for i := range futures {
		futures[i] = make(chan future[K, R], 1)
	}

	wg := &sync.WaitGroup{}
	indices := make(chan int, len(items))
	for i := range items {
		indices <- i
	}
	close(indices)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				futures[i] <- runItem(ctx, items[i], process)
			}
		}()
	}

	timedOut := !waitWithTimeout(wg, opts.Timeout)

	outcome := &Outcome[K, R]{Submitted: len(items), TimedOut: timedOut}
	for i, f := range futures {
		select {
		case result := <-f:
			if result.err != nil {
				logger.WithError(result.err).Errorf("item %d failed", i)
				outcome.Failed++
				metrics.RecordBulkItem(opts.Name, false)
				continue
			}
			outcome.Results = append(outcome.Results, Result[K, R]{Key: result.key, Value: result.value})
			metrics.RecordBulkItem(opts.Name, true)
		default:
			logger.Errorf("item %d did not finish within %s", i, opts.Timeout)
			outcome.Failed++
			metrics.RecordBulkItem(opts.Name, false)
		}
	}
	sort.SliceStable(outcome.Results, func(i, j int) bool {
		return outcome.Results[i].Key < outcome.Results[j].Key
	})

	metrics.RecordBulkRun(opts.Name, time.Since(start))
	logger.Debugf("processed %d items, %d failed in %s", outcome.Submitted, outcome.Failed, time.Since(start))
	return outcome
}

func runItem[T any, K constraints.Ordered, R any](ctx context.Context, item T, process ProcessFunc[T, K, R]) (f future[K, R]) {
	defer func() {
		if r := recover(); r != nil {
			f = future[K, R]{err: errors.Errorf("panic: %v", r)}
		}
	}()
	key, value, err := process(ctx, item)
	return future[K, R]{key: key, value: value, err: err}
}

// waitWithTimeout returns false if the timeout elapsed before the wait group finished.
func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	if timeout <= 0 {
		wg.Wait()
		return true
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
