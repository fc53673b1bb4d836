package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tvdeck/catalogcache/cache"
	"github.com/tvdeck/catalogcache/database"
	"github.com/tvdeck/catalogcache/fault"
	"github.com/tvdeck/catalogcache/logger"
	"github.com/tvdeck/catalogcache/resilience"
	"github.com/tvdeck/catalogcache/upstream"
	"github.com/tvdeck/catalogcache/upstream/upstreamtest"
)

var creds = upstream.Credentials{URL: "http://panel.example", Username: "u", Password: "p"}

type fixture struct {
	manager *Manager
	client  *upstreamtest.Client
	now     time.Time
	mu      sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{client: upstreamtest.New(), now: time.Now()}
	f.client.Server = upstream.ServerInfo{URL: "panel.example", Timezone: "UTC"}
	factory := func(upstream.Credentials) (upstream.Client, error) { return f.client, nil }
	opts = append([]Option{
		WithClock(f.clock),
		WithRetry(resilience.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2}),
	}, opts...)
	f.manager = New(logger.NewTestLogger(), factory, opts...)
	return f
}

func TestNeedsReauth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, f.manager.NeedsReauth("p1"))
	st := f.manager.State("p1")
	assert.False(t, st.IsAuthenticated)
	assert.Nil(t, st.LastAuthTime)

	_, err := f.manager.Authenticate(ctx, "p1", creds)
	require.NoError(t, err)
	assert.False(t, f.manager.NeedsReauth("p1"))

	f.advance(DefaultMaxSessionAge)
	assert.False(t, f.manager.NeedsReauth("p1"))
	f.advance(time.Second)
	assert.True(t, f.manager.NeedsReauth("p1"))
}

func TestAuthenticateStoresServerInfo(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.MemoryPath)
	require.NoError(t, err)
	defer db.Close()
	content := cache.New(ctx, cache.NewSQLiteStore(db), cache.WithExpiryCheck(0))
	defer content.Close()

	f := newFixture(t, WithCache(content))
	info, err := f.manager.Authenticate(ctx, "p1", creds)
	require.NoError(t, err)
	assert.Equal(t, "panel.example", info.URL)

	st := f.manager.State("p1")
	assert.True(t, st.IsAuthenticated)
	require.NotNil(t, st.ServerInfo)
	assert.Equal(t, "UTC", st.ServerInfo.Timezone)

	found, cached, err := cache.Get[upstream.ServerInfo](ctx, content, "p1:server_info")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "panel.example", cached.URL)
}

func TestAuthenticateRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	unreachable := fault.Auth("authenticate", "panel", true, errors.New("connection refused"))
	f.client.Fail("Authenticate", unreachable, unreachable, nil)

	_, err := f.manager.Authenticate(context.Background(), "p1", creds)
	require.NoError(t, err)
	assert.Equal(t, 3, f.client.Calls("Authenticate"))
	assert.Zero(t, f.manager.FailureCount("p1"))
}

func TestFailureCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.Fail("Authenticate", fault.InvalidCredentials("authenticate", "panel", errors.New("rejected")))

	for i := 1; i <= DefaultMaxAuthFailures; i++ {
		_, err := f.manager.Authenticate(ctx, "p1", creds)
		assert.Equal(t, fault.KindInvalidCredentials, fault.KindOf(err))
		assert.EqualValues(t, i, f.manager.FailureCount("p1"))
	}
	assert.Equal(t, DefaultMaxAuthFailures, f.client.Calls("Authenticate"))

	_, err := f.manager.Authenticate(ctx, "p1", creds)
	assert.ErrorIs(t, err, ErrMaxAuthFailures)
	assert.Equal(t, DefaultMaxAuthFailures, f.client.Calls("Authenticate"), "no network call past the ceiling")

	f.manager.ResetFailureCount("p1")
	f.client.Fail("Authenticate", nil)
	_, err = f.manager.Authenticate(ctx, "p1", creds)
	assert.NoError(t, err)
	assert.Zero(t, f.manager.FailureCount("p1"))
}

func TestSuccessResetsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.Fail("Authenticate", fault.InvalidCredentials("authenticate", "panel", nil), nil)

	_, err := f.manager.Authenticate(ctx, "p1", creds)
	assert.Error(t, err)
	assert.EqualValues(t, 1, f.manager.FailureCount("p1"))

	_, err = f.manager.Authenticate(ctx, "p1", creds)
	assert.NoError(t, err)
	assert.Zero(t, f.manager.FailureCount("p1"))
}

func TestFactoryErrorCountsAsFailure(t *testing.T) {
	m := New(logger.NewTestLogger(), func(upstream.Credentials) (upstream.Client, error) {
		return nil, fault.Validation("new_client", "", errors.New("bad url"))
	})
	_, err := m.Authenticate(context.Background(), "p1", creds)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.EqualValues(t, 1, m.FailureCount("p1"))
}

func TestWithAuthPreAuthenticates(t *testing.T) {
	f := newFixture(t)
	f.client.Channels = []upstream.Channel{{Name: "A"}}

	channels, err := WithAuth(context.Background(), f.manager, "p1", creds, func(ctx context.Context, c upstream.Client) ([]upstream.Channel, error) {
		return c.GetChannels(ctx, nil)
	})
	require.NoError(t, err)
	assert.Len(t, channels, 1)
	assert.Equal(t, 1, f.client.Calls("Authenticate"))
	assert.False(t, f.manager.NeedsReauth("p1"))
}

func TestWithAuthReauthenticatesOnce(t *testing.T) {
	f := newFixture(t)
	f.client.Fail("GetMovies", fault.HTTP("get_movies", "panel", 401, nil), nil)

	_, err := WithAuth(context.Background(), f.manager, "p1", creds, func(ctx context.Context, c upstream.Client) ([]upstream.Movie, error) {
		return c.GetMovies(ctx, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.client.Calls("GetMovies"))
	assert.Equal(t, 2, f.client.Calls("Authenticate"))
}

func TestWithAuthSecondAuthFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.client.Fail("GetSeries", fault.HTTP("get_series", "panel", 403, nil))

	_, err := WithAuth(context.Background(), f.manager, "p1", creds, func(ctx context.Context, c upstream.Client) ([]upstream.Series, error) {
		return c.GetSeries(ctx, nil)
	})
	assert.True(t, fault.IsAuth(err))
	assert.Equal(t, 2, f.client.Calls("GetSeries"))
}

func TestWithAuthOtherErrorsPropagate(t *testing.T) {
	f := newFixture(t)
	f.client.Fail("GetShortEPG", fault.HTTP("get_short_epg", "panel", 503, nil))

	_, err := WithAuth(context.Background(), f.manager, "p1", creds, func(ctx context.Context, c upstream.Client) ([]upstream.EPGEntry, error) {
		return c.GetShortEPG(ctx, "1")
	})
	assert.Equal(t, fault.KindHTTP, fault.KindOf(err))
	assert.Equal(t, 1, f.client.Calls("GetShortEPG"))
	assert.Equal(t, 1, f.client.Calls("Authenticate"))
}

func TestClearSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Authenticate(context.Background(), "p1", creds)
	require.NoError(t, err)

	f.manager.ClearSession("p1")
	assert.True(t, f.manager.NeedsReauth("p1"))
	assert.Nil(t, f.manager.State("p1").LastAuthTime)
}

func TestMarkAuthFailed(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Authenticate(context.Background(), "p1", creds)
	require.NoError(t, err)

	f.manager.MarkAuthFailed("p1")
	assert.True(t, f.manager.NeedsReauth("p1"))
	assert.Zero(t, f.manager.FailureCount("p1"))
}
