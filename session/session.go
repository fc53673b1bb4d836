// Package session tracks the authentication state of each profile against
// its provider and gates provider calls on a valid session.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tvdeck/catalogcache/cache"
	"github.com/tvdeck/catalogcache/fault"
	"github.com/tvdeck/catalogcache/logger"
	"github.com/tvdeck/catalogcache/metrics"
	"github.com/tvdeck/catalogcache/resilience"
	"github.com/tvdeck/catalogcache/upstream"
)

// ErrMaxAuthFailures is returned by Authenticate once a profile reached the
// failure ceiling. ResetFailureCount lifts it.
var ErrMaxAuthFailures = errors.New("maximum authentication failures exceeded")

const (
	DefaultMaxSessionAge   = 4 * time.Hour
	DefaultMaxAuthFailures = 3
)

// State is a snapshot of a profile's session.
type State struct {
	ProfileID       string
	IsAuthenticated bool
	LastAuthTime    *time.Time
	AuthFailures    uint32
	ServerInfo      *upstream.ServerInfo
}

type session struct {
	state  State
	client upstream.Client
}

// Manager owns the session of every profile. Sessions are created on first
// use and live until cleared.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	factory         upstream.Factory
	content         *cache.ContentCache
	maxSessionAge   time.Duration
	maxAuthFailures uint32
	retry           resilience.RetryConfig
	clock           func() time.Time
	log             logger.Logger
	metrics         *metrics.Collector
}

type Option func(*Manager)

// WithCache records the server info of each successful authentication.
func WithCache(c *cache.ContentCache) Option {
	return func(m *Manager) { m.content = c }
}

func WithMaxSessionAge(d time.Duration) Option {
	return func(m *Manager) { m.maxSessionAge = d }
}

func WithMaxAuthFailures(n uint32) Option {
	return func(m *Manager) { m.maxAuthFailures = n }
}

// WithRetry replaces the retry profile used for authentication.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(m *Manager) { m.retry = cfg }
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// New returns a Manager building provider clients with factory.
func New(log logger.Logger, factory upstream.Factory, opts ...Option) *Manager {
	m := &Manager{
		sessions:        make(map[string]*session),
		factory:         factory,
		maxSessionAge:   DefaultMaxSessionAge,
		maxAuthFailures: DefaultMaxAuthFailures,
		retry:           resilience.Quick(),
		clock:           time.Now,
		log:             log.WithPrefix("[session]"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// get returns the session of profileID, creating it. Callers hold m.mu.
func (m *Manager) get(profileID string) *session {
	s, ok := m.sessions[profileID]
	if !ok {
		s = &session{state: State{ProfileID: profileID}}
		m.sessions[profileID] = s
	}
	return s
}

func (m *Manager) needsReauthLocked(s *session) bool {
	if !s.state.IsAuthenticated || s.state.LastAuthTime == nil || s.client == nil {
		return true
	}
	return m.clock().Sub(*s.state.LastAuthTime) > m.maxSessionAge
}

// NeedsReauth reports whether profileID has no valid session: it never
// authenticated, its last authentication is older than the maximum session
// age, or an operation reported an auth failure since.
func (m *Manager) NeedsReauth(profileID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsReauthLocked(m.get(profileID))
}

// Authenticate authenticates profileID with creds, retrying transient
// failures with the quick retry profile.
func (m *Manager) Authenticate(ctx context.Context, profileID string, creds upstream.Credentials) (*upstream.ServerInfo, error) {
	m.mu.Lock()
	failures := m.get(profileID).state.AuthFailures
	m.mu.Unlock()
	if m.maxAuthFailures > 0 && failures >= m.maxAuthFailures {
		m.metrics.AuthAttempt("blocked")
		return nil, errors.Wrapf(ErrMaxAuthFailures, "profile %s failed to authenticate %d times", profileID, failures)
	}

	client, err := m.factory(creds)
	if err != nil {
		m.recordFailure(profileID)
		return nil, err
	}

	info, err := resilience.RetryWithBackoff(ctx, m.retry, client.Authenticate, func(attempt int, err error, delay time.Duration) {
		m.metrics.Retry("authenticate")
		m.log.Debug("authentication of %s failed (attempt %d), retrying in %s: %s", profileID, attempt+1, delay, err)
	})
	if err != nil {
		n := m.recordFailure(profileID)
		m.log.Warn("authentication of %s failed (%d consecutive): %s", profileID, n, err)
		return nil, err
	}

	now := m.clock()
	m.mu.Lock()
	s := m.get(profileID)
	s.state.IsAuthenticated = true
	s.state.LastAuthTime = &now
	s.state.AuthFailures = 0
	s.state.ServerInfo = info
	s.client = client
	m.mu.Unlock()
	m.metrics.AuthAttempt("success")
	m.log.Debug("authenticated %s", profileID)

	if m.content != nil {
		key := cache.Key(profileID, cache.ContentServerInfo)
		if err := m.content.Set(ctx, key, info, m.maxSessionAge); err != nil {
			m.log.Warn("failed to cache server info for %s: %s", profileID, err)
		}
	}
	return info, nil
}

func (m *Manager) recordFailure(profileID string) uint32 {
	m.metrics.AuthAttempt("failure")
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(profileID)
	s.state.AuthFailures++
	s.state.IsAuthenticated = false
	return s.state.AuthFailures
}

// client returns a client with a valid session, authenticating first when needed.
func (m *Manager) client(ctx context.Context, profileID string, creds upstream.Credentials) (upstream.Client, error) {
	m.mu.Lock()
	s := m.get(profileID)
	if !m.needsReauthLocked(s) {
		client := s.client
		m.mu.Unlock()
		return client, nil
	}
	m.mu.Unlock()

	if _, err := m.Authenticate(ctx, profileID, creds); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(profileID).client, nil
}

// WithAuth runs op with an authenticated client for profileID. When op fails
// with an auth error the session is dropped, the profile re-authenticates
// and op runs exactly once more. Other errors are returned as is.
func WithAuth[T any](ctx context.Context, m *Manager, profileID string, creds upstream.Credentials, op func(ctx context.Context, client upstream.Client) (T, error)) (T, error) {
	var zero T
	client, err := m.client(ctx, profileID, creds)
	if err != nil {
		return zero, err
	}
	result, err := op(ctx, client)
	if err == nil || !fault.IsAuth(err) {
		return result, err
	}

	m.log.Info("auth error for %s, re-authenticating: %s", profileID, err)
	m.MarkAuthFailed(profileID)
	if _, err := m.Authenticate(ctx, profileID, creds); err != nil {
		return zero, err
	}
	m.mu.Lock()
	client = m.get(profileID).client
	m.mu.Unlock()
	return op(ctx, client)
}

// MarkAuthFailed drops the session of profileID without counting a failure.
func (m *Manager) MarkAuthFailed(profileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(profileID)
	s.state.IsAuthenticated = false
	s.client = nil
}

// ClearSession forgets everything about profileID, including its failures.
func (m *Manager) ClearSession(profileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, profileID)
}

func (m *Manager) FailureCount(profileID string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[profileID]; ok {
		return s.state.AuthFailures
	}
	return 0
}

func (m *Manager) ResetFailureCount(profileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[profileID]; ok {
		s.state.AuthFailures = 0
	}
}

// State returns a copy of profileID's session state.
func (m *Manager) State(profileID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[profileID]
	if !ok {
		return State{ProfileID: profileID}
	}
	st := s.state
	if st.LastAuthTime != nil {
		t := *st.LastAuthTime
		st.LastAuthTime = &t
	}
	if st.ServerInfo != nil {
		info := *st.ServerInfo
		st.ServerInfo = &info
	}
	return st
}
