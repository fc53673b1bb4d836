package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tvdeck/catalogcache/database"
	"github.com/tvdeck/catalogcache/fault"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type channel struct {
	ID   int
	Name string
}

func newTestCache(t *testing.T, opts ...Option) (*ContentCache, *testClock, *database.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := newTestClock()
	opts = append([]Option{WithClock(clock.Now), WithExpiryCheck(0)}, opts...)
	c := New(ctx, NewSQLiteStore(db, opts...), opts...)
	t.Cleanup(func() { c.Close() })
	return c, clock, db
}

func TestSetGet(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	found, _, err := Get[[]channel](ctx, c, "p1:channels")
	assert.NoError(t, err)
	assert.False(t, found)

	want := []channel{{1, "A"}, {2, "B"}}
	require.NoError(t, c.Set(ctx, "p1:channels", want, time.Hour))

	found, got, err := Get[[]channel](ctx, c, "p1:channels")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	ok, err := c.Has(ctx, "p1:channels")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestLastWriteWins(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "p1:movies", []string{"old"}, time.Hour))
	require.NoError(t, c.Set(ctx, "p1:movies", []string{"new"}, time.Hour))

	_, got, err := Get[[]string](ctx, c, "p1:movies")
	assert.NoError(t, err)
	assert.Equal(t, []string{"new"}, got)

	_, got, err = Get[[]string](ctx, c.Persistent(), "p1:movies")
	assert.NoError(t, err)
	assert.Equal(t, []string{"new"}, got)
}

func TestExpiryAndStaleReads(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "p1:channels", []string{"A", "B"}, time.Hour))
	clock.Advance(time.Hour + time.Second)

	found, _, err := Get[[]string](ctx, c, "p1:channels")
	assert.NoError(t, err)
	assert.False(t, found)

	ok, err := c.Has(ctx, "p1:channels")
	assert.NoError(t, err)
	assert.False(t, ok)

	found, got, err := GetStale[[]string](ctx, c, "p1:channels")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"A", "B"}, got)

	ok, err = c.HasStale(ctx, "p1:channels")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiresAtBoundary(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "p1:epg:7", "guide", time.Minute))
	clock.Advance(time.Minute)

	found, _, err := Get[string](ctx, c, "p1:epg:7")
	assert.NoError(t, err)
	assert.False(t, found, "an entry is expired once expires_at <= now")
}

func TestDefaultTTL(t *testing.T) {
	c, clock, _ := newTestCache(t, WithDefaultTTL(10*time.Minute))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "p1:series", "x", 0))
	clock.Advance(9 * time.Minute)
	ok, _ := c.Has(ctx, "p1:series")
	assert.True(t, ok)
	clock.Advance(time.Minute)
	ok, _ = c.Has(ctx, "p1:series")
	assert.False(t, ok)
}

func TestDecodeFailureIsAnError(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "p1:server_info", "not a number", time.Hour))
	found, _, err := Get[int](ctx, c, "p1:server_info")
	assert.False(t, found)
	assert.Equal(t, fault.KindDecode, fault.KindOf(err))
}

func TestInvalidKey(t *testing.T) {
	c, _, _ := newTestCache(t)
	err := c.Set(context.Background(), "nocolon", 1, time.Hour)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInvalidatePattern(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	for _, key := range []string{"p1:channels", "p1:channels:1", "p1:movies", "p10:channels", "P1:channels", "P1:movies"} {
		require.NoError(t, c.Set(ctx, key, key, time.Hour))
	}

	n, err := c.Invalidate(ctx, "p1:channels%")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = c.Invalidate(ctx, "p1:%")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	for key, want := range map[string]bool{
		"p1:channels":   false,
		"p1:channels:1": false,
		"p1:movies":     false,
		"p10:channels":  true,
		"P1:channels":   true,
		"P1:movies":     true,
	} {
		ok, err := c.Has(ctx, key)
		assert.NoError(t, err)
		assert.Equal(t, want, ok, key)
		ok, err = c.HasStale(ctx, key)
		assert.NoError(t, err)
		assert.Equal(t, want, ok, key)
	}
}

func TestInvalidateLiteralKeyRemovesOne(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "p1:epg:1", 1, time.Hour))
	require.NoError(t, c.Set(ctx, "p1:epg:12", 12, time.Hour))
	require.NoError(t, c.Set(ctx, "P1:epg:1", 1, time.Hour))
	require.NoError(t, c.Set(ctx, "P1:EPG:1", 1, time.Hour))

	n, err := c.Invalidate(ctx, "p1:epg:1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ok, _ := c.HasStale(ctx, "P1:epg:1")
	assert.True(t, ok)
	_, ok = c.Memory().Get("P1:EPG:1")
	assert.True(t, ok)

	n, err = c.Invalidate(ctx, "p1:epg:_")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	ok, _ = c.Has(ctx, "p1:epg:12")
	assert.True(t, ok)
}

func TestClearProfileCacheIsLiteral(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a_%b:channels", 1, time.Hour))
	require.NoError(t, c.Set(ctx, "axyb:channels", 2, time.Hour))
	require.NoError(t, c.Set(ctx, "a_%b:movies", 3, time.Hour))

	n, err := c.ClearProfileCache(ctx, "a_%b")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ok, _ := c.Has(ctx, "axyb:channels")
	assert.True(t, ok)
	ok, _ = c.Has(ctx, "a_%b:channels")
	assert.False(t, ok)
}

func TestEscapedPatternMatchesLiterally(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a_%b:channels", 1, time.Hour))
	require.NoError(t, c.Set(ctx, "axyb:channels", 2, time.Hour))

	n, err := c.Invalidate(ctx, ProfilePattern("a_%b"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	ok, _ := c.Has(ctx, "axyb:channels")
	assert.True(t, ok)
}

func TestMemoryPopulatedFromPersistentHit(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Persistent().Set(ctx, "p1:movie_info:9", "info", time.Hour))
	assert.Equal(t, 0, c.Memory().Len())

	found, got, err := Get[string](ctx, c, "p1:movie_info:9")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "info", got)
	assert.Equal(t, 1, c.Memory().Len())
}

func TestInvalidateClearsMemory(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "p1:channels", "x", time.Hour))
	_, ok := c.Memory().Get("p1:channels")
	require.True(t, ok)

	_, err := c.Invalidate(ctx, "p1:%")
	require.NoError(t, err)
	_, ok = c.Memory().Get("p1:channels")
	assert.False(t, ok)
}

func TestPlaceholderProfileAndCascade(t *testing.T) {
	c, _, db := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "p1:channels", "x", time.Hour))

	var profiles int
	require.NoError(t, db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles WHERE id = 'p1'`).Scan(&profiles))
	assert.Equal(t, 1, profiles)

	_, err := db.SQL().ExecContext(ctx, `DELETE FROM profiles WHERE id = 'p1'`)
	require.NoError(t, err)

	entry, err := c.Persistent().store.Lookup(ctx, "p1:channels")
	assert.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRemoveProfileHoldsWritersUntilOwnerIsGone(t *testing.T) {
	c, _, db := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "p1:channels", []string{"A"}, time.Hour))
	require.NoError(t, c.Set(ctx, "p2:channels", []string{"Z"}, time.Hour))

	written := make(chan error, 1)
	n, err := c.RemoveProfile(ctx, "p1", func(ctx context.Context) error {
		go func() { written <- c.Set(ctx, "p1:channels", []string{"B"}, time.Hour) }()
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, written, 0, "write landed during removal")
		_, err := db.SQL().ExecContext(ctx, `DELETE FROM profiles WHERE id = 'p1'`)
		return err
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, <-written)

	// The late write lands after the cascade, so both tiers agree on it.
	found, got, err := Get[[]string](ctx, c, "p1:channels")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"B"}, got)
	entry, err := c.Persistent().store.Lookup(ctx, "p1:channels")
	require.NoError(t, err)
	assert.NotNil(t, entry)

	ok, _ := c.Has(ctx, "p2:channels")
	assert.True(t, ok)
}

func TestRemoveProfileClearsMemoryWhenOwnerRemovalFails(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "p1:channels", "x", time.Hour))

	boom := errors.New("boom")
	_, err := c.RemoveProfile(ctx, "p1", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, ok := c.Memory().Get("p1:channels")
	assert.False(t, ok)
}

// gatedStore holds every Lookup until release is closed.
type gatedStore struct {
	Store
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	ctxErrs []error
}

func (s *gatedStore) Lookup(ctx context.Context, key string) (*Entry, error) {
	s.entered <- struct{}{}
	<-s.release
	s.mu.Lock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	s.mu.Unlock()
	return s.Store.Lookup(ctx, key)
}

func TestSharedReadSurvivesCallerCancellation(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := newTestClock()
	opts := []Option{WithClock(clock.Now), WithExpiryCheck(0), WithMemoryEntries(0)}
	store := &gatedStore{
		Store:   NewSQLiteStore(db, opts...),
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	c := New(ctx, store, opts...)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Set(ctx, "p1:channels", "x", time.Hour))

	first, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetRaw(first, "p1:channels")
		firstErr <- err
	}()
	<-store.entered

	second := make(chan bool, 1)
	go func() {
		_, ok, err := c.GetRaw(ctx, "p1:channels")
		assert.NoError(t, err)
		second <- ok
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(store.release)
	assert.True(t, <-second)

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, err := range store.ctxErrs {
		assert.NoError(t, err)
	}
}

func TestPurgeKeepsStaleWithinRetention(t *testing.T) {
	c, clock, _ := newTestCache(t, WithStaleRetention(24*time.Hour))
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "p1:channels", "old", time.Hour))
	require.NoError(t, c.Set(ctx, "p1:movies", "fresh", 48*time.Hour))

	clock.Advance(2 * time.Hour)
	n, err := c.Persistent().PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	clock.Advance(24 * time.Hour)
	n, err = c.Persistent().PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ok, _ := c.HasStale(ctx, "p1:channels")
	assert.False(t, ok)
	ok, _ = c.Has(ctx, "p1:movies")
	assert.True(t, ok)
}

func TestPurgeLoop(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.MemoryPath)
	require.NoError(t, err)
	defer db.Close()

	clock := newTestClock()
	opts := []Option{WithClock(clock.Now), WithExpiryCheck(10 * time.Millisecond), WithStaleRetention(time.Minute)}
	c := New(ctx, NewSQLiteStore(db, opts...), opts...)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "p1:channels", "x", time.Second))
	clock.Advance(2 * time.Minute)

	assert.Eventually(t, func() bool {
		ok, err := c.HasStale(ctx, "p1:channels")
		return err == nil && !ok
	}, time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _, _ := newTestCache(t)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestConcurrentAccess(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 20 {
				key := fmt.Sprintf("p%d:epg:%d", i%2, j)
				assert.NoError(t, c.Set(ctx, key, j, time.Hour))
				found, v, err := Get[int](ctx, c, key)
				assert.NoError(t, err)
				if found {
					assert.Equal(t, j, v)
				}
			}
			_, err := c.Invalidate(ctx, fmt.Sprintf("p%d:epg:1%%", i%2))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}
