package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"adengine/pkg/clock"
)

func newTestLimiter(t *testing.T, services map[string]ServiceConfig) (*Limiter, *miniredis.Miniredis, *clock.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := New(client, services)
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l.SetClock(fc)
	return l, mr, fc
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]ServiceConfig{
		"weather": {MaxRequests: 3, Window: time.Minute, DefaultRetryAfter: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "weather", "id-1")
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d: expected allowed, got refused", i)
		}
	}
}

func TestCheckRefusesOverLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]ServiceConfig{
		"weather": {MaxRequests: 2, Window: time.Minute, DefaultRetryAfter: 30 * time.Second},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, "weather", "id-1")
		if err != nil || !res.Allowed {
			t.Fatalf("call %d: expected allowed, got %+v err=%v", i, res, err)
		}
	}

	res, err := l.Check(ctx, "weather", "id-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected 3rd call over a 2-request limit to be refused")
	}
	if res.RetryAfter <= 0 {
		t.Fatal("expected a positive retry-after on refusal")
	}
}

func TestCheckSlidingWindowEvictsOldMarks(t *testing.T) {
	l, _, fc := newTestLimiter(t, map[string]ServiceConfig{
		"weather": {MaxRequests: 1, Window: time.Minute, DefaultRetryAfter: time.Minute},
	})
	ctx := context.Background()

	res, err := l.Check(ctx, "weather", "x")
	if err != nil || !res.Allowed {
		t.Fatalf("first call should be allowed: %+v %v", res, err)
	}

	res, err = l.Check(ctx, "weather", "x")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("second call within window should be refused")
	}

	fc.Advance(61 * time.Second)

	res, err = l.Check(ctx, "weather", "x")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatal("call after window elapsed should be allowed again")
	}
}

func TestCheckUnknownServiceFailsOpen(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]ServiceConfig{})
	res, err := l.Check(context.Background(), "some_unconfigured_service", "x")
	if err != nil {
		t.Fatalf("unknown service should not error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("unknown service should fail open (allowed)")
	}
}

func TestCheckFailsOpenWhenStoreUnavailable(t *testing.T) {
	l, mr, _ := newTestLimiter(t, map[string]ServiceConfig{
		"weather": {MaxRequests: 1, Window: time.Minute, DefaultRetryAfter: time.Minute},
	})
	mr.Close()

	res, err := l.Check(context.Background(), "weather", "x")
	if err != nil {
		t.Fatalf("store-down check should fail open without error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("store-down check should fail open (allowed)")
	}
}

func TestClassifyRateLimit(t *testing.T) {
	if Classify(&APIError{StatusCode: 429}) != ClassRateLimit {
		t.Error("status 429 should classify as rate-limit")
	}
	if Classify(&APIError{StatusCode: 503}) != ClassRateLimit {
		t.Error("status 503 should classify as rate-limit")
	}
	if Classify(errors.New("Too Many Requests from upstream")) != ClassRateLimit {
		t.Error("message containing 'too many requests' should classify as rate-limit")
	}
	if Classify(errors.New("quota exceeded for account")) != ClassRateLimit {
		t.Error("message containing 'quota exceeded' should classify as rate-limit")
	}
}

func TestClassifyRetryable(t *testing.T) {
	for _, status := range []int{408, 500, 502, 504} {
		if Classify(&APIError{StatusCode: status}) != ClassRetryable {
			t.Errorf("status %d should classify as retryable", status)
		}
	}
	if Classify(errors.New("connection reset by peer")) != ClassRetryable {
		t.Error("'connection reset' should classify as retryable")
	}
	if Classify(errors.New("request timeout")) != ClassRetryable {
		t.Error("'timeout' should classify as retryable")
	}
}

func TestClassifyTerminal(t *testing.T) {
	if Classify(&APIError{StatusCode: 400}) != ClassTerminal {
		t.Error("status 400 should classify as terminal")
	}
	if Classify(errors.New("invalid ad set id")) != ClassTerminal {
		t.Error("an unrelated message should classify as terminal")
	}
}

func TestExecuteWithBackoffSucceedsFirstTry(t *testing.T) {
	l, _, _ := newTestLimiter(t, DefaultServices)
	calls := 0
	err := l.ExecuteWithBackoff(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, "weather", "current_weather", 3, clock.BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: time.Millisecond, Jitter: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestExecuteWithBackoffRetriesRetryableThenSucceeds(t *testing.T) {
	l, _, _ := newTestLimiter(t, DefaultServices)
	calls := 0
	err := l.ExecuteWithBackoff(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &APIError{StatusCode: 502, Err: errors.New("bad gateway")}
		}
		return nil
	}, "weather", "current_weather", 3, clock.BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: time.Millisecond, Jitter: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls (2 failures + success), got %d", calls)
	}
}

func TestExecuteWithBackoffTerminalErrorDoesNotRetry(t *testing.T) {
	l, _, _ := newTestLimiter(t, DefaultServices)
	calls := 0
	sentinel := errors.New("ad set not found")
	err := l.ExecuteWithBackoff(context.Background(), func(ctx context.Context) error {
		calls++
		return sentinel
	}, "weather", "current_weather", 3, clock.BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: time.Millisecond, Jitter: false})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the terminal error to surface unwrapped, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("terminal errors must not be retried, got %d calls", calls)
	}
}

func TestExecuteWithBackoffExhaustsRetries(t *testing.T) {
	l, _, _ := newTestLimiter(t, DefaultServices)
	calls := 0
	err := l.ExecuteWithBackoff(context.Background(), func(ctx context.Context) error {
		calls++
		return &APIError{StatusCode: 500, Err: errors.New("boom")}
	}, "weather", "current_weather", 2, clock.BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: time.Millisecond, Jitter: false})

	var exhausted *ErrRetriesExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if calls != 3 { // maxRetries=2 => attempts 0,1,2
		t.Fatalf("expected 3 attempts (maxRetries+1), got %d", calls)
	}
}

func TestExecuteWithBackoffUsesServerRetryAfter(t *testing.T) {
	l, _, fc := newTestLimiter(t, DefaultServices)
	calls := 0
	start := fc.Now()
	err := l.ExecuteWithBackoff(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &APIError{StatusCode: 429, RetryAfter: 2 * time.Second, Err: errors.New("rate limited")}
		}
		return nil
	}, "weather", "current_weather", 3, clock.BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: time.Millisecond, Jitter: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	elapsed := fc.Now().Sub(start)
	if elapsed < 2*time.Second {
		t.Fatalf("expected fake clock to advance by at least the server Retry-After (2s), got %v", elapsed)
	}
}
