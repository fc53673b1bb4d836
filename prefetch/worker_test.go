package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tvdeck/catalogcache/cache"
	"github.com/tvdeck/catalogcache/logger"
	"github.com/tvdeck/catalogcache/metrics"
)

func TestRunOnceIsolatesFailures(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.ScheduleEPGPrefetch("p1", []string{"1", "2", "3", "4", "5"}))

	var mu sync.Mutex
	var done []string
	fetcher := FetcherFunc(func(ctx context.Context, item Item) error {
		if *item.Identifier == "3" {
			return errors.New("upstream down")
		}
		mu.Lock()
		done = append(done, *item.Identifier)
		mu.Unlock()
		return nil
	})

	m := metrics.New("")
	w := NewWorker(logger.NewTestLogger(), s, fetcher, WithWorkerMetrics(m))
	assert.Equal(t, 5, w.RunOnce(context.Background()))
	assert.ElementsMatch(t, []string{"1", "2", "4", "5"}, done)
	assert.Zero(t, s.Len())
}

func TestConcurrencyCap(t *testing.T) {
	s := NewScheduler()
	ids := make([]string, 12)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	require.NoError(t, s.ScheduleEPGPrefetch("p1", ids))

	var inFlight, peak atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context, item Item) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	w := NewWorker(logger.NewTestLogger(), s, fetcher, WithConcurrency(3))
	assert.Equal(t, 12, w.RunOnce(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestHungItemDoesNotBlockOthers(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.ScheduleEPGPrefetch("p1", []string{"hang", "1", "2", "3", "4"}))

	release := make(chan struct{})
	var processed atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context, item Item) error {
		if *item.Identifier == "hang" {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return ctx.Err()
		}
		processed.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(logger.NewTestLogger(), s, fetcher, WithConcurrency(3), WithInterval(5*time.Millisecond))
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	assert.Eventually(t, func() bool { return processed.Load() == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	close(release)
}

func TestRunStopsAndCheckpoints(t *testing.T) {
	store := newTestStore(t)
	s := NewScheduler(WithCheckpointStore(store))
	fetcher := FetcherFunc(func(ctx context.Context, item Item) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(logger.NewTestLogger(), s, fetcher, WithInterval(5*time.Millisecond))
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	require.NoError(t, s.ScheduleEPGPrefetch("p1", []string{"1"}))
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-stopped

	found, items, err := cache.Get[[]Item](context.Background(), store, "p1:prefetch_queue")
	require.NoError(t, err)
	if found {
		assert.Empty(t, items)
	}
}
