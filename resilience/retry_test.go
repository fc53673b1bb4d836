package resilience

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/tvdeck/catalogcache/fault"
)

func fastConfig(retries int) RetryConfig {
	return RetryConfig{
		MaxRetries:        retries,
		InitialDelay:      time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		UseJitter:         false,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := RetryWithBackoff(context.Background(), fastConfig(3), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", fault.Timeout("get_live_streams", "p1", errors.New("deadline"))
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}
	if result != "ok" {
		t.Errorf("Expected result ok, got %q", result)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_MaxRetriesExceeded(t *testing.T) {
	attempts := 0
	last := fault.Network("get_vod_streams", "p1", syscall.ECONNREFUSED)
	err := Retry(context.Background(), fastConfig(2), func(ctx context.Context) error {
		attempts++
		return last
	})

	if !errors.Is(err, last) {
		t.Errorf("Expected last error to be surfaced, got %v", err)
	}
	if attempts != 3 { // Initial attempt + 2 retries
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_NonRetryableError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(5), func(ctx context.Context) error {
		attempts++
		return fault.InvalidCredentials("authenticate", "p1", errors.New("bad password"))
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if fault.KindOf(err) != fault.KindInvalidCredentials {
		t.Errorf("Expected invalid credentials error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetry_StopsAtFirstNonRetryable(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(5), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return fault.HTTP("get_series", "p1", 503, nil)
		}
		return fault.HTTP("get_series", "p1", 404, nil)
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	config := RetryConfig{
		MaxRetries:        5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	err := Retry(ctx, config, func(ctx context.Context) error {
		attempts++
		return fault.Network("get_short_epg", "p1", errors.New("reset"))
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestRetry_OnRetryHook(t *testing.T) {
	var delays []time.Duration
	_ = Retry(context.Background(), fastConfig(2), func(ctx context.Context) error {
		return fault.Lock("set", "cache", errors.New("busy"))
	}, func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	})

	if len(delays) != 2 {
		t.Fatalf("Expected 2 hook calls, got %d", len(delays))
	}
	if delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Errorf("Unexpected delays %v", delays)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"network", fault.Network("op", "r", nil), true},
		{"timeout", fault.Timeout("op", "r", nil), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"5xx", fault.HTTP("op", "r", 502, nil), true},
		{"4xx", fault.HTTP("op", "r", 404, nil), false},
		{"401", fault.HTTP("op", "r", 401, nil), false},
		{"storage", fault.Storage("op", "r", nil), true},
		{"lock", fault.Lock("op", "r", nil), true},
		{"auth network cause", fault.Auth("op", "r", true, nil), true},
		{"auth rejected", fault.Auth("op", "r", false, nil), false},
		{"invalid credentials", fault.InvalidCredentials("op", "r", nil), false},
		{"validation", fault.Validation("op", "r", nil), false},
		{"unclassified", errors.New("boom"), false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("%s: expected retryable=%v, got %v", tt.name, tt.retryable, got)
		}
	}
}

func TestCalculateDelay(t *testing.T) {
	config := RetryConfig{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second}, // Capped at MaxDelay
		{9, time.Second},
	}

	for _, tt := range tests {
		if result := config.CalculateDelay(tt.attempt); result != tt.expected {
			t.Errorf("Attempt %d: expected %v, got %v", tt.attempt, tt.expected, result)
		}
	}
}

func TestCalculateDelayWithJitter(t *testing.T) {
	config := RetryConfig{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
		UseJitter:         true,
	}

	results := make(map[time.Duration]bool)
	for range 20 {
		results[config.CalculateDelay(1)] = true
	}

	if len(results) < 2 {
		t.Error("Expected jitter to produce different delay values")
	}
	for d := range results {
		if d < 160*time.Millisecond || d > 240*time.Millisecond {
			t.Errorf("Jittered delay %v outside expected range [160ms, 240ms]", d)
		}
	}
}

func TestProfiles(t *testing.T) {
	quick := Quick()
	if quick.MaxRetries != 2 {
		t.Errorf("Expected quick profile to retry twice, got %d", quick.MaxRetries)
	}
	if Patient().MaxRetries <= Default().MaxRetries {
		t.Error("Expected patient profile to retry more than default")
	}
}
