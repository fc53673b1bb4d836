package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tvdeck/catalogcache/fault"
)

// RetryConfig defines how an operation is retried
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int `yaml:"max_retries"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the computed delay before jitter is applied
	MaxDelay time.Duration `yaml:"max_delay"`

	// BackoffMultiplier is the exponential growth factor per attempt
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// UseJitter scales each delay by a random factor in [0.8, 1.2]
	UseJitter bool `yaml:"use_jitter"`
}

// Default is the retry profile for regular catalog fetches.
func Default() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		UseJitter:         true,
	}
}

// Quick is used for authentication, where the caller is waiting.
func Quick() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
		UseJitter:         true,
	}
}

// Patient is used for background work that can afford to wait.
func Patient() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		InitialDelay:      time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		UseJitter:         true,
	}
}

// CalculateDelay returns the backoff before retry number attempt (0 based).
func (c RetryConfig) CalculateDelay(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.UseJitter {
		delay *= 0.8 + rand.Float64()*0.4
	}
	return time.Duration(delay)
}

// IsRetryable reports whether err is transient. Timeouts, connection failures,
// upstream 5xx, storage and lock errors are retryable, as are authentication
// failures caused by the network. Rejections and bad input are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch fault.KindOf(err) {
	case fault.KindNetwork, fault.KindTimeout, fault.KindStorage, fault.KindLock:
		return true
	case fault.KindHTTP:
		fe, _ := fault.As(err)
		return fe.Status >= http.StatusInternalServerError
	case fault.KindAuth:
		fe, ok := fault.As(err)
		return ok && fe.NetworkCause
	}
	return false
}

// OnRetry is called before sleeping ahead of the next attempt.
type OnRetry func(attempt int, err error, delay time.Duration)

// RetryWithBackoff invokes op at most MaxRetries+1 times. It stops at the first
// non-retryable error and otherwise returns the last error unchanged.
func RetryWithBackoff[T any](ctx context.Context, config RetryConfig, op func(ctx context.Context) (T, error), hooks ...OnRetry) (T, error) {
	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == config.MaxRetries {
			break
		}

		delay := config.CalculateDelay(attempt)
		for _, hook := range hooks {
			hook(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, errors.Wrapf(ctx.Err(), "retry cancelled after %d attempts: %v", attempt+1, lastErr)
		case <-timer.C:
		}
	}
	var zero T
	return zero, lastErr
}

// Retry is RetryWithBackoff for operations without a result.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error, hooks ...OnRetry) error {
	_, err := RetryWithBackoff(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, hooks...)
	return err
}
