// Package prefetch queues catalog fetches ahead of user demand and runs them
// in the background.
package prefetch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/tvdeck/catalogcache/cache"
	"github.com/tvdeck/catalogcache/fault"
	"github.com/tvdeck/catalogcache/metrics"
)

// Priority orders queued items. Higher priorities are always served first.
type Priority int

const (
	Low Priority = iota
	Medium
	High
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	}
	return "unknown"
}

// Item is one queued fetch.
type Item struct {
	ID          string
	ProfileID   string
	ContentType string
	Identifier  *string
	Priority    Priority
	ScheduledAt time.Time
	// Seq orders items scheduled by this process.
	Seq uint64
}

// CacheKey is the cache key the item's fetch populates.
func (i Item) CacheKey() string {
	if i.Identifier == nil {
		return cache.Key(i.ProfileID, i.ContentType)
	}
	return cache.Key(i.ProfileID, i.ContentType, *i.Identifier)
}

// CheckpointTTL is how long a queue checkpoint stays fresh.
const CheckpointTTL = 24 * time.Hour

var schedulable = map[string]bool{
	cache.ContentChannelCategories: false,
	cache.ContentMovieCategories:   false,
	cache.ContentSeriesCategories:  false,
	cache.ContentChannels:          false,
	cache.ContentMovies:            false,
	cache.ContentSeries:            false,
	cache.ContentEPG:               true,
	cache.ContentMovieInfo:         true,
	cache.ContentSeriesInfo:        true,
}

func validate(item Item) error {
	if item.ProfileID == "" {
		return fault.Validation("schedule_prefetch", item.ContentType, errors.New("profile id is required"))
	}
	needsID, ok := schedulable[item.ContentType]
	if !ok {
		return fault.Validation("schedule_prefetch", item.ProfileID, errors.Newf("unsupported content type %q", item.ContentType))
	}
	if needsID && (item.Identifier == nil || *item.Identifier == "") {
		return fault.Validation("schedule_prefetch", item.ProfileID, errors.Newf("content type %q requires an identifier", item.ContentType))
	}
	if item.Priority < Low || item.Priority > High {
		return fault.Validation("schedule_prefetch", item.ProfileID, errors.Newf("invalid priority %d", item.Priority))
	}
	return nil
}

// Scheduler is a priority queue of prefetch items, FIFO within a priority.
// Duplicates are not collapsed.
type Scheduler struct {
	mu     sync.Mutex
	queues [High + 1][]*Item
	seq    uint64
	// checkpointed holds the profiles with a checkpoint on record.
	checkpointed map[string]struct{}

	store   *cache.ContentCache
	clock   func() time.Time
	metrics *metrics.Collector
}

type SchedulerOption func(*Scheduler)

// WithCheckpointStore enables Checkpoint and Restore.
func WithCheckpointStore(c *cache.ContentCache) SchedulerOption {
	return func(s *Scheduler) { s.store = c }
}

func WithClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

func WithMetrics(m *metrics.Collector) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		checkpointed: make(map[string]struct{}),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule enqueues item, stamping its ID, ScheduledAt and Seq.
func (s *Scheduler) Schedule(item Item) error {
	if err := validate(item); err != nil {
		return err
	}
	item.ID = uuid.NewString()
	item.ScheduledAt = s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(item)
	return nil
}

func (s *Scheduler) enqueueLocked(item Item) {
	s.seq++
	item.Seq = s.seq
	s.queues[item.Priority] = append(s.queues[item.Priority], &item)
	s.metrics.PrefetchQueueDepth(item.Priority.String(), len(s.queues[item.Priority]))
}

// Next removes and returns the oldest item of the highest non-empty priority.
func (s *Scheduler) Next() (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := High; p >= Low; p-- {
		q := s.queues[p]
		if len(q) == 0 {
			continue
		}
		item := q[0]
		q[0] = nil
		s.queues[p] = q[1:]
		s.metrics.PrefetchQueueDepth(p.String(), len(s.queues[p]))
		return item, true
	}
	return nil, false
}

// Len returns the number of queued items.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Snapshot returns the queued items in the order Next would return them.
func (s *Scheduler) Snapshot() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked("")
}

func (s *Scheduler) snapshotLocked(profileID string) []Item {
	var out []Item
	for p := High; p >= Low; p-- {
		for _, item := range s.queues[p] {
			if profileID == "" || item.ProfileID == profileID {
				out = append(out, *item)
			}
		}
	}
	return out
}

// Drain removes every queued item of profileID and returns how many were removed.
func (s *Scheduler) Drain(profileID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for p := range s.queues {
		kept := s.queues[p][:0]
		for _, item := range s.queues[p] {
			if item.ProfileID == profileID {
				removed++
				continue
			}
			kept = append(kept, item)
		}
		clear(s.queues[p][len(kept):])
		s.queues[p] = kept
		s.metrics.PrefetchQueueDepth(Priority(p).String(), len(kept))
	}
	return removed
}

// listingOf maps a content type to the listing it categorizes.
func listingOf(contentType string) (string, bool) {
	switch contentType {
	case cache.ContentChannels, cache.ContentChannelCategories:
		return cache.ContentChannels, true
	case cache.ContentMovies, cache.ContentMovieCategories:
		return cache.ContentMovies, true
	case cache.ContentSeries, cache.ContentSeriesCategories:
		return cache.ContentSeries, true
	}
	return "", false
}

// ScheduleIntelligentPrefetch schedules the categories of recently used
// content types at High priority and the content of recently used
// categories, for each of those content types, at Medium priority.
func (s *Scheduler) ScheduleIntelligentPrefetch(profileID string, recentContentTypes, recentCategories []string) error {
	var listings []string
	seen := make(map[string]bool)
	for _, ct := range recentContentTypes {
		listing, ok := listingOf(ct)
		if !ok || seen[listing] {
			continue
		}
		seen[listing] = true
		listings = append(listings, listing)
		categories, _ := cache.CategoriesOf(listing)
		if err := s.Schedule(Item{ProfileID: profileID, ContentType: categories, Priority: High}); err != nil {
			return err
		}
	}
	for _, listing := range listings {
		for _, categoryID := range recentCategories {
			id := categoryID
			if err := s.Schedule(Item{ProfileID: profileID, ContentType: listing, Identifier: &id, Priority: Medium}); err != nil {
				return err
			}
		}
	}
	return nil
}

// ScheduleEPGPrefetch schedules the short EPG of each channel at Medium priority.
func (s *Scheduler) ScheduleEPGPrefetch(profileID string, channelIDs []string) error {
	for _, channelID := range channelIDs {
		id := channelID
		if err := s.Schedule(Item{ProfileID: profileID, ContentType: cache.ContentEPG, Identifier: &id, Priority: Medium}); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleDetailPrefetch schedules the detail pages of browsed movies or
// series at Low priority.
func (s *Scheduler) ScheduleDetailPrefetch(profileID, contentType string, itemIDs []string) error {
	var detail string
	switch contentType {
	case cache.ContentMovies, cache.ContentMovieInfo, "movie":
		detail = cache.ContentMovieInfo
	case cache.ContentSeries, cache.ContentSeriesInfo:
		detail = cache.ContentSeriesInfo
	default:
		return fault.Validation("schedule_detail_prefetch", profileID, errors.Newf("content type %q has no detail pages", contentType))
	}
	for _, itemID := range itemIDs {
		id := itemID
		if err := s.Schedule(Item{ProfileID: profileID, ContentType: detail, Identifier: &id, Priority: Low}); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint writes each profile's queued items to the cache under
// "{profile}:prefetch_queue". Profiles whose queue emptied since the last
// checkpoint get an empty checkpoint.
func (s *Scheduler) Checkpoint(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	byProfile := make(map[string][]Item)
	for profileID := range s.checkpointed {
		byProfile[profileID] = []Item{}
	}
	for _, item := range s.snapshotLocked("") {
		byProfile[item.ProfileID] = append(byProfile[item.ProfileID], item)
	}
	s.mu.Unlock()

	var (
		firstErr error
		failed   int
	)
	// A failed write is retried by the next checkpoint.
	pending := make(map[string]struct{}, len(byProfile))
	for profileID, items := range byProfile {
		key := cache.Key(profileID, cache.ContentPrefetchQueue)
		err := s.store.Set(ctx, key, items, CheckpointTTL)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
		if err != nil || len(items) > 0 {
			pending[profileID] = struct{}{}
		}
	}

	s.mu.Lock()
	s.checkpointed = pending
	s.mu.Unlock()
	if firstErr != nil {
		return errors.Wrapf(firstErr, "checkpoint failed for %d profiles", failed)
	}
	return nil
}

// Restore re-enqueues the checkpointed items of profileIDs in their original
// order and returns how many were restored.
func (s *Scheduler) Restore(ctx context.Context, profileIDs []string) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	var restored []Item
	for _, profileID := range profileIDs {
		found, items, err := cache.Get[[]Item](ctx, s.store, cache.Key(profileID, cache.ContentPrefetchQueue))
		if err != nil {
			return 0, err
		}
		if found {
			restored = append(restored, items...)
		}
	}
	sort.SliceStable(restored, func(i, j int) bool { return restored[i].Seq < restored[j].Seq })

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range restored {
		if validate(item) != nil {
			continue
		}
		s.enqueueLocked(item)
		n++
	}
	return n, nil
}
