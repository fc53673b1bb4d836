// Package catalog is the entry point for catalog reads. Each read
// authenticates the profile when needed, retries transient upstream
// failures, caches the result and falls back to cached data according to
// the configured degradation strategy.
package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tvdeck/catalogcache/cache"
	"github.com/tvdeck/catalogcache/degrade"
	"github.com/tvdeck/catalogcache/fault"
	"github.com/tvdeck/catalogcache/logger"
	"github.com/tvdeck/catalogcache/metrics"
	"github.com/tvdeck/catalogcache/prefetch"
	"github.com/tvdeck/catalogcache/resilience"
	"github.com/tvdeck/catalogcache/session"
	"github.com/tvdeck/catalogcache/upstream"
)

const (
	CategoriesTTL = 24 * time.Hour
	ListTTL       = 6 * time.Hour
	EPGTTL        = 30 * time.Minute
	InfoTTL       = 24 * time.Hour

	// recentLimit bounds the usage remembered per profile for prefetching.
	recentLimit = 5
)

// Profiles resolves and removes profile records.
type Profiles interface {
	Credentials(ctx context.Context, profileID string) (upstream.Credentials, error)
	Delete(ctx context.Context, profileID string) (bool, error)
}

type usage struct {
	contentTypes []string
	categories   []string
}

// Service serves catalog content for configured profiles.
type Service struct {
	log       logger.Logger
	profiles  Profiles
	content   *cache.ContentCache
	sessions  *session.Manager
	degrade   *degrade.Controller
	scheduler *prefetch.Scheduler
	retry     resilience.RetryConfig
	breaker   resilience.BreakerConfig
	strategy  degrade.Strategy
	metrics   *metrics.Collector

	mu       sync.Mutex
	recent   map[string]*usage
	breakers map[string]*resilience.Breaker
	// gates hold each profile's reads off while it is being removed. They
	// outlive the profile so that a waiting read keeps the same gate.
	gates map[string]*sync.RWMutex
}

var _ prefetch.Fetcher = (*Service)(nil)

type Option func(*Service)

// WithStrategy sets the degradation strategy of reads. Prefetches never use
// the cache.
func WithStrategy(s degrade.Strategy) Option {
	return func(svc *Service) { svc.strategy = s }
}

// WithRetry sets the retry profile of upstream reads.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(svc *Service) { svc.retry = cfg }
}

// WithBreaker sets the circuit breaker guarding each profile's upstream.
func WithBreaker(cfg resilience.BreakerConfig) Option {
	return func(svc *Service) { svc.breaker = cfg }
}

// WithScheduler connects the prefetch queue, enabling PrefetchRecent and
// draining on RemoveProfile.
func WithScheduler(s *prefetch.Scheduler) Option {
	return func(svc *Service) { svc.scheduler = s }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(svc *Service) { svc.metrics = m }
}

func New(log logger.Logger, profiles Profiles, content *cache.ContentCache, sessions *session.Manager, opts ...Option) *Service {
	s := &Service{
		log:      log.WithPrefix("[catalog]"),
		profiles: profiles,
		content:  content,
		sessions: sessions,
		retry:    resilience.Default(),
		breaker:  resilience.DefaultBreakerConfig(),
		strategy: degrade.UseStaleCache,
		recent:   make(map[string]*usage),
		breakers: make(map[string]*resilience.Breaker),
		gates:    make(map[string]*sync.RWMutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.degrade = degrade.New(log, content, s.metrics)
	return s
}

// fetch is the read path shared by every content type.
func fetch[T any](ctx context.Context, s *Service, profileID, key string, ttl time.Duration, strategy degrade.Strategy, op func(ctx context.Context, client upstream.Client) (T, error)) (degrade.Result[T], error) {
	gate := s.gateOf(profileID)
	gate.RLock()
	defer gate.RUnlock()

	creds, err := s.profiles.Credentials(ctx, profileID)
	if err != nil {
		return degrade.Result[T]{}, err
	}
	_, operation, _, err := cache.ParseKey(key)
	if err != nil {
		return degrade.Result[T]{}, err
	}
	breaker := s.breakerOf(profileID)
	return degrade.ExecuteWithTTL(ctx, s.degrade, key, ttl, strategy, func(ctx context.Context) (T, error) {
		return resilience.Protect(ctx, breaker, func(ctx context.Context) (T, error) {
			return session.WithAuth(ctx, s.sessions, profileID, creds, func(ctx context.Context, client upstream.Client) (T, error) {
				return resilience.RetryWithBackoff(ctx, s.retry, func(ctx context.Context) (T, error) {
					return op(ctx, client)
				}, func(attempt int, err error, delay time.Duration) {
					s.metrics.Retry(operation)
					s.log.Debug("fetch of %s failed (attempt %d), retrying in %s: %s", key, attempt+1, delay, err)
				})
			})
		})
	})
}

func (s *Service) breakerOf(profileID string) *resilience.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[profileID]
	if !ok {
		b = resilience.NewBreaker(s.breaker)
		s.breakers[profileID] = b
	}
	return b
}

func (s *Service) gateOf(profileID string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[profileID]
	if !ok {
		g = &sync.RWMutex{}
		s.gates[profileID] = g
	}
	return g
}

// BreakerState reports the circuit state of a profile's upstream.
func (s *Service) BreakerState(profileID string) resilience.BreakerState {
	return s.breakerOf(profileID).State()
}

func listKey(profileID, contentType string, categoryID *string) string {
	if categoryID == nil {
		return cache.Key(profileID, contentType)
	}
	return cache.Key(profileID, contentType, *categoryID)
}

func (s *Service) remember(profileID, contentType string, categoryID *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.recent[profileID]
	if !ok {
		u = &usage{}
		s.recent[profileID] = u
	}
	u.contentTypes = pushRecent(u.contentTypes, contentType)
	if categoryID != nil {
		u.categories = pushRecent(u.categories, *categoryID)
	}
}

// pushRecent moves v to the front of list, keeping at most recentLimit values.
func pushRecent(list []string, v string) []string {
	out := []string{v}
	for _, existing := range list {
		if existing != v && len(out) < recentLimit {
			out = append(out, existing)
		}
	}
	return out
}

func (s *Service) channelCategories(ctx context.Context, profileID string, strategy degrade.Strategy) (degrade.Result[[]upstream.Category], error) {
	return fetch(ctx, s, profileID, cache.Key(profileID, cache.ContentChannelCategories), CategoriesTTL, strategy,
		func(ctx context.Context, client upstream.Client) ([]upstream.Category, error) {
			return client.GetChannelCategories(ctx)
		})
}

func (s *Service) movieCategories(ctx context.Context, profileID string, strategy degrade.Strategy) (degrade.Result[[]upstream.Category], error) {
	return fetch(ctx, s, profileID, cache.Key(profileID, cache.ContentMovieCategories), CategoriesTTL, strategy,
		func(ctx context.Context, client upstream.Client) ([]upstream.Category, error) {
			return client.GetMovieCategories(ctx)
		})
}

func (s *Service) seriesCategories(ctx context.Context, profileID string, strategy degrade.Strategy) (degrade.Result[[]upstream.Category], error) {
	return fetch(ctx, s, profileID, cache.Key(profileID, cache.ContentSeriesCategories), CategoriesTTL, strategy,
		func(ctx context.Context, client upstream.Client) ([]upstream.Category, error) {
			return client.GetSeriesCategories(ctx)
		})
}

func (s *Service) channels(ctx context.Context, profileID string, categoryID *string, strategy degrade.Strategy) (degrade.Result[[]upstream.Channel], error) {
	return fetch(ctx, s, profileID, listKey(profileID, cache.ContentChannels, categoryID), ListTTL, strategy,
		func(ctx context.Context, client upstream.Client) ([]upstream.Channel, error) {
			return client.GetChannels(ctx, categoryID)
		})
}

func (s *Service) movies(ctx context.Context, profileID string, categoryID *string, strategy degrade.Strategy) (degrade.Result[[]upstream.Movie], error) {
	return fetch(ctx, s, profileID, listKey(profileID, cache.ContentMovies, categoryID), ListTTL, strategy,
		func(ctx context.Context, client upstream.Client) ([]upstream.Movie, error) {
			return client.GetMovies(ctx, categoryID)
		})
}

func (s *Service) series(ctx context.Context, profileID string, categoryID *string, strategy degrade.Strategy) (degrade.Result[[]upstream.Series], error) {
	return fetch(ctx, s, profileID, listKey(profileID, cache.ContentSeries, categoryID), ListTTL, strategy,
		func(ctx context.Context, client upstream.Client) ([]upstream.Series, error) {
			return client.GetSeries(ctx, categoryID)
		})
}

func (s *Service) shortEPG(ctx context.Context, profileID, channelID string, strategy degrade.Strategy) (degrade.Result[[]upstream.EPGEntry], error) {
	return fetch(ctx, s, profileID, cache.Key(profileID, cache.ContentEPG, channelID), EPGTTL, strategy,
		func(ctx context.Context, client upstream.Client) ([]upstream.EPGEntry, error) {
			return client.GetShortEPG(ctx, channelID)
		})
}

func (s *Service) movieInfo(ctx context.Context, profileID, movieID string, strategy degrade.Strategy) (degrade.Result[*upstream.MovieInfo], error) {
	return fetch(ctx, s, profileID, cache.Key(profileID, cache.ContentMovieInfo, movieID), InfoTTL, strategy,
		func(ctx context.Context, client upstream.Client) (*upstream.MovieInfo, error) {
			return client.GetMovieInfo(ctx, movieID)
		})
}

func (s *Service) seriesInfo(ctx context.Context, profileID, seriesID string, strategy degrade.Strategy) (degrade.Result[*upstream.SeriesInfo], error) {
	return fetch(ctx, s, profileID, cache.Key(profileID, cache.ContentSeriesInfo, seriesID), InfoTTL, strategy,
		func(ctx context.Context, client upstream.Client) (*upstream.SeriesInfo, error) {
			return client.GetSeriesInfo(ctx, seriesID)
		})
}

func (s *Service) ChannelCategories(ctx context.Context, profileID string) (degrade.Result[[]upstream.Category], error) {
	s.remember(profileID, cache.ContentChannels, nil)
	return s.channelCategories(ctx, profileID, s.strategy)
}

func (s *Service) MovieCategories(ctx context.Context, profileID string) (degrade.Result[[]upstream.Category], error) {
	s.remember(profileID, cache.ContentMovies, nil)
	return s.movieCategories(ctx, profileID, s.strategy)
}

func (s *Service) SeriesCategories(ctx context.Context, profileID string) (degrade.Result[[]upstream.Category], error) {
	s.remember(profileID, cache.ContentSeries, nil)
	return s.seriesCategories(ctx, profileID, s.strategy)
}

// Channels returns the live channels of a category, or all of them when
// categoryID is nil.
func (s *Service) Channels(ctx context.Context, profileID string, categoryID *string) (degrade.Result[[]upstream.Channel], error) {
	s.remember(profileID, cache.ContentChannels, categoryID)
	return s.channels(ctx, profileID, categoryID, s.strategy)
}

func (s *Service) Movies(ctx context.Context, profileID string, categoryID *string) (degrade.Result[[]upstream.Movie], error) {
	s.remember(profileID, cache.ContentMovies, categoryID)
	return s.movies(ctx, profileID, categoryID, s.strategy)
}

func (s *Service) Series(ctx context.Context, profileID string, categoryID *string) (degrade.Result[[]upstream.Series], error) {
	s.remember(profileID, cache.ContentSeries, categoryID)
	return s.series(ctx, profileID, categoryID, s.strategy)
}

func (s *Service) ShortEPG(ctx context.Context, profileID, channelID string) (degrade.Result[[]upstream.EPGEntry], error) {
	return s.shortEPG(ctx, profileID, channelID, s.strategy)
}

func (s *Service) MovieInfo(ctx context.Context, profileID, movieID string) (degrade.Result[*upstream.MovieInfo], error) {
	return s.movieInfo(ctx, profileID, movieID, s.strategy)
}

func (s *Service) SeriesInfo(ctx context.Context, profileID, seriesID string) (degrade.Result[*upstream.SeriesInfo], error) {
	return s.seriesInfo(ctx, profileID, seriesID, s.strategy)
}

// Prefetch fetches item from the upstream and caches it. Cached data is
// never used, so a failure is always returned.
func (s *Service) Prefetch(ctx context.Context, item prefetch.Item) error {
	id := ""
	if item.Identifier != nil {
		id = *item.Identifier
	}
	var err error
	switch item.ContentType {
	case cache.ContentChannelCategories:
		_, err = s.channelCategories(ctx, item.ProfileID, degrade.NeverUseCache)
	case cache.ContentMovieCategories:
		_, err = s.movieCategories(ctx, item.ProfileID, degrade.NeverUseCache)
	case cache.ContentSeriesCategories:
		_, err = s.seriesCategories(ctx, item.ProfileID, degrade.NeverUseCache)
	case cache.ContentChannels:
		_, err = s.channels(ctx, item.ProfileID, item.Identifier, degrade.NeverUseCache)
	case cache.ContentMovies:
		_, err = s.movies(ctx, item.ProfileID, item.Identifier, degrade.NeverUseCache)
	case cache.ContentSeries:
		_, err = s.series(ctx, item.ProfileID, item.Identifier, degrade.NeverUseCache)
	case cache.ContentEPG:
		_, err = s.shortEPG(ctx, item.ProfileID, id, degrade.NeverUseCache)
	case cache.ContentMovieInfo:
		_, err = s.movieInfo(ctx, item.ProfileID, id, degrade.NeverUseCache)
	case cache.ContentSeriesInfo:
		_, err = s.seriesInfo(ctx, item.ProfileID, id, degrade.NeverUseCache)
	default:
		err = fault.Validation("prefetch", item.CacheKey(), errors.Newf("unsupported content type %q", item.ContentType))
	}
	return err
}

// PrefetchRecent schedules the categories and category listings the profile
// browsed most recently.
func (s *Service) PrefetchRecent(profileID string) error {
	if s.scheduler == nil {
		return nil
	}
	s.mu.Lock()
	u, ok := s.recent[profileID]
	var contentTypes, categories []string
	if ok {
		contentTypes = append(contentTypes, u.contentTypes...)
		categories = append(categories, u.categories...)
	}
	s.mu.Unlock()
	if len(contentTypes) == 0 {
		return nil
	}
	return s.scheduler.ScheduleIntelligentPrefetch(profileID, contentTypes, categories)
}

// Invalidate removes the cached entries matching a LIKE pattern.
func (s *Service) Invalidate(ctx context.Context, pattern string) (int64, error) {
	return s.degrade.InvalidateCache(ctx, pattern)
}

// RemoveProfile deletes a profile with everything that belongs to it: its
// queued prefetches, its cached content in both tiers, its dependent rows and
// its session. It waits for reads of the profile already in flight, and reads
// that start afterwards fail because the profile is gone. It reports whether
// the profile existed.
func (s *Service) RemoveProfile(ctx context.Context, profileID string) (bool, error) {
	if s.scheduler != nil {
		if n := s.scheduler.Drain(profileID); n > 0 {
			s.log.Debug("dropped %d queued prefetches of %s", n, profileID)
		}
	}

	gate := s.gateOf(profileID)
	gate.Lock()
	defer gate.Unlock()

	var deleted bool
	_, err := s.content.RemoveProfile(ctx, profileID, func(ctx context.Context) (err error) {
		deleted, err = s.profiles.Delete(ctx, profileID)
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "remove profile %s", profileID)
	}
	s.sessions.ClearSession(profileID)
	s.mu.Lock()
	delete(s.recent, profileID)
	delete(s.breakers, profileID)
	s.mu.Unlock()
	return deleted, nil
}
