package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrCircuitOpen is returned without calling the operation while a breaker
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the state of a circuit breaker
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig defines when a breaker opens and how it recovers
type BreakerConfig struct {
	// MaxFailures is the number of consecutive transient failures that opens the circuit
	MaxFailures int `yaml:"max_failures"`

	// OpenTimeout is how long the circuit stays open before letting a probe through
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// HalfOpenRequests is the number of concurrent probes allowed while half open
	HalfOpenRequests int `yaml:"half_open_requests"`

	// SuccessThreshold is the number of successful probes that closes the circuit
	SuccessThreshold int `yaml:"success_threshold"`
}

// DefaultBreakerConfig returns a default configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
		SuccessThreshold: 1,
	}
}

// Breaker stops calling an upstream that keeps failing with transient
// errors. Only errors IsRetryable accepts count as failures; rejections and
// bad input say nothing about upstream health.
type Breaker struct {
	config BreakerConfig
	clock  func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

func NewBreaker(config BreakerConfig) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &Breaker{config: config, clock: time.Now}
}

// State returns the current state. An open breaker whose timeout elapsed
// reports half open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock().Sub(b.openedAt) >= b.config.OpenTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosed()
}

func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.clock().Sub(b.openedAt) < b.config.OpenTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.probes = 0
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.config.HalfOpenRequests {
			return false, ErrCircuitOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe && b.state == StateHalfOpen {
		b.probes--
	}
	failed := IsRetryable(err)
	if err != nil && !failed {
		return
	}

	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.config.MaxFailures {
			b.toOpen()
		}
	case StateHalfOpen:
		if failed {
			b.toOpen()
			return
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.toClosed()
		}
	}
}

func (b *Breaker) toOpen() {
	b.state = StateOpen
	b.openedAt = b.clock()
	b.successes = 0
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probes = 0
}

// Protect runs op through the breaker, failing fast with ErrCircuitOpen
// while the circuit is open.
func Protect[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	probe, err := b.allow()
	if err != nil {
		var zero T
		return zero, err
	}
	result, err := op(ctx)
	b.record(probe, err)
	return result, err
}
