package prefetch

import (
	"context"
	"time"

	"github.com/tvdeck/catalogcache/logger"
	"github.com/tvdeck/catalogcache/metrics"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultConcurrency = 3
	DefaultInterval    = 5 * time.Second

	checkpointTimeout = 5 * time.Second
)

// Fetcher performs the fetch of a prefetch item, caching its result.
type Fetcher interface {
	Prefetch(ctx context.Context, item Item) error
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, item Item) error

func (f FetcherFunc) Prefetch(ctx context.Context, item Item) error {
	return f(ctx, item)
}

// Worker drains a Scheduler in the background with bounded concurrency.
// Failed items are logged and dropped.
type Worker struct {
	scheduler   *Scheduler
	fetcher     Fetcher
	log         logger.Logger
	concurrency int
	interval    time.Duration
	sem         *semaphore.Weighted
	metrics     *metrics.Collector
}

type WorkerOption func(*Worker)

// WithConcurrency caps the number of items fetched at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) { w.concurrency = n }
}

// WithInterval sets the pause between cycles.
func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.interval = d }
}

func WithWorkerMetrics(m *metrics.Collector) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

func NewWorker(log logger.Logger, scheduler *Scheduler, fetcher Fetcher, opts ...WorkerOption) *Worker {
	w := &Worker{
		scheduler:   scheduler,
		fetcher:     fetcher,
		log:         log.WithPrefix("[prefetch]"),
		concurrency: DefaultConcurrency,
		interval:    DefaultInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency <= 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	w.sem = semaphore.NewWeighted(int64(w.concurrency))
	return w
}

// Run processes the queue until ctx is cancelled. Each cycle starts as many
// items as there are free slots, checkpoints the queue and sleeps. On
// cancellation it waits for in-flight items and writes a last checkpoint.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("prefetch worker started (concurrency %d, interval %s)", w.concurrency, w.interval)
	defer w.log.Info("prefetch worker stopped")

	timer := time.NewTimer(w.interval)
	defer timer.Stop()
	for {
		if n := w.cycle(ctx); n > 0 {
			w.log.Debug("started %d prefetch items, %d queued", n, w.scheduler.Len())
		}
		w.checkpoint(ctx)

		timer.Reset(w.interval)
		select {
		case <-ctx.Done():
			w.wait()
			w.checkpoint(context.WithoutCancel(ctx))
			return
		case <-timer.C:
		}
	}
}

// RunOnce processes the queue until it is empty and every started item has
// finished.
func (w *Worker) RunOnce(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n := w.cycle(ctx)
		w.wait()
		if n == 0 {
			break
		}
		total += n
	}
	w.checkpoint(context.WithoutCancel(ctx))
	return total
}

// cycle fills the free slots with queued items.
func (w *Worker) cycle(ctx context.Context) int {
	started := 0
	for ctx.Err() == nil && w.sem.TryAcquire(1) {
		item, ok := w.scheduler.Next()
		if !ok {
			w.sem.Release(1)
			break
		}
		started++
		go func() {
			defer w.sem.Release(1)
			w.process(ctx, item)
		}()
	}
	return started
}

func (w *Worker) process(ctx context.Context, item *Item) {
	start := time.Now()
	if err := w.fetcher.Prefetch(ctx, *item); err != nil {
		w.metrics.PrefetchItem(item.ContentType, "error")
		w.log.Debug("prefetch of %s failed: %s", item.CacheKey(), err)
		return
	}
	w.metrics.PrefetchItem(item.ContentType, "ok")
	w.log.Trace("prefetched %s in %s", item.CacheKey(), time.Since(start))
}

// wait blocks until no item is in flight.
func (w *Worker) wait() {
	n := int64(w.concurrency)
	_ = w.sem.Acquire(context.Background(), n)
	w.sem.Release(n)
}

func (w *Worker) checkpoint(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, checkpointTimeout)
	defer cancel()
	if err := w.scheduler.Checkpoint(ctx); err != nil {
		w.log.Warn("failed to checkpoint prefetch queue: %s", err)
	}
}
