// Package ratelimit implements the Rate Limiter (spec.md §4.2): a
// per-service sliding-window throttle over Redis plus a backoff-gated retry
// driver for outbound external calls. Grounded on the teacher's
// pkg/storage/redis/queue_store.go for the go-redis client idiom (error
// wrapping, context-first methods) and on pkg/resilience/circuit_breaker.go
// for the shape of a stateful call-wrapping gate, though the state here is
// held in Redis rather than in process memory.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"adengine/pkg/clock"
	"adengine/pkg/logger"
	"adengine/pkg/metrics"
)

// ServiceConfig is one row of the per-service table in spec.md §4.2.
type ServiceConfig struct {
	MaxRequests       int64
	Window            time.Duration
	DefaultRetryAfter time.Duration
}

// DefaultServices is the configuration table from spec.md §4.2.
var DefaultServices = map[string]ServiceConfig{
	"platform_m_ads": {MaxRequests: 200, Window: time.Hour, DefaultRetryAfter: time.Hour},
	"platform_g_ads": {MaxRequests: 10000, Window: 24 * time.Hour, DefaultRetryAfter: 5 * time.Minute},
	"weather":        {MaxRequests: 1000, Window: 24 * time.Hour, DefaultRetryAfter: time.Minute},
}

// Result is the outcome of Check.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter is the Redis-backed sliding window throttle plus backoff gate.
type Limiter struct {
	client   *redis.Client
	clock    clock.Clock
	services map[string]ServiceConfig
}

// New builds a Limiter. A non-nil services map replaces DefaultServices as a
// whole (services missing from it fail open as unknown); pass nil to use the
// defaults unmodified.
func New(client *redis.Client, services map[string]ServiceConfig) *Limiter {
	if services == nil {
		services = DefaultServices
	}
	return &Limiter{client: client, clock: clock.Real{}, services: services}
}

// SetClock overrides the Limiter's time source, for tests.
func (l *Limiter) SetClock(c clock.Clock) { l.clock = c }

func (l *Limiter) configFor(service string) (ServiceConfig, bool) {
	cfg, ok := l.services[service]
	return cfg, ok
}

// ServiceStats reports the current "default" identifier's live usage
// against a configured service, for the CLI's `rate-limit-stats` command
// and the Engine's get_engine_stats().
type ServiceStats struct {
	Service      string `json:"service"`
	MaxRequests  int64  `json:"max_requests"`
	WindowMS     int64  `json:"window_ms"`
	CurrentCount int64  `json:"current_count"`
}

// Stats snapshots every configured service's current request count in the
// sliding window (identifier "default").
func (l *Limiter) Stats(ctx context.Context) ([]ServiceStats, error) {
	out := make([]ServiceStats, 0, len(l.services))
	now := l.clock.NowMillis()
	for service, cfg := range l.services {
		key := fmt.Sprintf("ratelimit:%s:default", service)
		count, err := l.client.ZCount(ctx, key, strconv.FormatInt(now-cfg.Window.Milliseconds(), 10), strconv.FormatInt(now, 10)).Result()
		if err != nil {
			count = 0
		}
		out = append(out, ServiceStats{
			Service:      service,
			MaxRequests:  cfg.MaxRequests,
			WindowMS:     cfg.Window.Milliseconds(),
			CurrentCount: count,
		})
	}
	return out, nil
}

// slidingWindowScript evicts stale marks, reads the pre-insert count, and
// (if allowed) inserts a fresh mark, all atomically. KEYS[1] is the sorted
// set key. ARGV: now_ms, window_ms, max_requests, member.
//
// Returns {allowed (0/1), count_before_insert, oldest_mark_or_minus1}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)

local count = redis.call("ZCARD", key)
local oldest = -1
local oldest_entries = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if #oldest_entries > 0 then
	oldest = tonumber(oldest_entries[2])
end

if count >= max_requests then
	return {0, count, oldest}
end

redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return {1, count, oldest}
`)

// Check implements spec.md §4.2 check(service, identifier). Unknown services
// fail open with a warning; coordination-store failures also fail open.
func (l *Limiter) Check(ctx context.Context, service, identifier string) (Result, error) {
	cfg, known := l.configFor(service)
	if !known {
		logger.Warn("rate limit check for unknown service, failing open", zap.String("service", service))
		metrics.RateLimitChecks.WithLabelValues(service, "unknown_open").Inc()
		return Result{Allowed: true, Remaining: -1}, nil
	}

	if identifier == "" {
		identifier = "default"
	}
	key := fmt.Sprintf("ratelimit:%s:%s", service, identifier)
	now := l.clock.NowMillis()
	member := fmt.Sprintf("%d-%d", now, rand.Int63())

	res, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		now, cfg.Window.Milliseconds(), cfg.MaxRequests, member).Result()
	if err != nil {
		logger.Warn("rate limit coordination store unavailable, failing open", zap.String("service", service), zap.Error(err))
		metrics.RateLimitChecks.WithLabelValues(service, "store_down_open").Inc()
		return Result{Allowed: true, Remaining: -1}, nil
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result shape for %s", service)
	}
	allowed := toInt64(vals[0]) == 1
	count := toInt64(vals[1])
	oldest := toInt64(vals[2])

	if !allowed {
		retryAfter := cfg.DefaultRetryAfter
		if oldest >= 0 {
			untilWindowClears := time.Duration(oldest+cfg.Window.Milliseconds()-now) * time.Millisecond
			if untilWindowClears > 0 {
				retryAfter = untilWindowClears
			}
		}
		metrics.RateLimitChecks.WithLabelValues(service, "refused").Inc()
		return Result{Allowed: false, RetryAfter: retryAfter}, nil
	}

	metrics.RateLimitChecks.WithLabelValues(service, "allowed").Inc()
	return Result{Allowed: true, Remaining: cfg.MaxRequests - count - 1}, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// ErrorClass is the triage bucket assigned to a failed API call (spec §4.2).
type ErrorClass int

const (
	ClassTerminal ErrorClass = iota
	ClassRateLimit
	ClassRetryable
)

// APIError optionally carries an HTTP status and a server-provided
// Retry-After duration, used by Classify and ExecuteWithBackoff.
type APIError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("api error (status %d)", e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.Err }

var rateLimitPhrases = []string{"rate limit", "too many requests", "quota exceeded", "throttled"}
var retryablePhrases = []string{"network", "timeout", "connection", "connection reset", "socket hang up"}

// Classify buckets err per spec.md §4.2's error-classification table.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTerminal
	}
	var apiErr *APIError
	status := 0
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	msg := strings.ToLower(err.Error())

	if status == 429 || status == 503 {
		return ClassRateLimit
	}
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return ClassRateLimit
		}
	}

	switch status {
	case 408, 429, 500, 502, 503, 504:
		return ClassRetryable
	}
	for _, p := range retryablePhrases {
		if strings.Contains(msg, p) {
			return ClassRetryable
		}
	}

	return ClassTerminal
}

// ErrRetriesExhausted wraps the last cause when ExecuteWithBackoff gives up.
type ErrRetriesExhausted struct {
	Service  string
	Endpoint string
	Attempts int
	Cause    error
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("ratelimit: retries exhausted for %s/%s after %d attempts: %v",
		e.Service, e.Endpoint, e.Attempts, e.Cause)
}

func (e *ErrRetriesExhausted) Unwrap() error { return e.Cause }

func backoffKey(service, endpoint string) string {
	return fmt.Sprintf("backoff:%s:%s", service, endpoint)
}

// backoffUntil returns the persisted backoff-until deadline for
// (service, endpoint), or zero if none is set / the store is unavailable
// (fail-open, per spec §4.2).
func (l *Limiter) backoffUntil(ctx context.Context, service, endpoint string) time.Time {
	val, err := l.client.Get(ctx, backoffKey(service, endpoint)).Result()
	if err != nil {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (l *Limiter) setBackoffUntil(ctx context.Context, service, endpoint string, until time.Time, ttl time.Duration) {
	if err := l.client.Set(ctx, backoffKey(service, endpoint), until.UnixMilli(), ttl).Err(); err != nil {
		logger.Warn("failed to persist backoff-until, continuing fail-open", zap.String("service", service), zap.String("endpoint", endpoint), zap.Error(err))
	}
}

func (l *Limiter) clearBackoff(ctx context.Context, service, endpoint string) {
	l.client.Del(ctx, backoffKey(service, endpoint))
	metrics.RateLimitBackoffActive.WithLabelValues(service, endpoint).Set(0)
}

// APICall is the shape of the function ExecuteWithBackoff wraps.
type APICall func(ctx context.Context) error

// ExecuteWithBackoff implements spec.md §4.2 execute_with_backoff: gate
// through Check, invoke call, classify failures, and retry with jittered
// exponential backoff (or the server's Retry-After) up to maxRetries times.
func (l *Limiter) ExecuteWithBackoff(ctx context.Context, call APICall, service, endpoint string, maxRetries int, backoffCfg clock.BackoffConfig) error {
	if until := l.backoffUntil(ctx, service, endpoint); !until.IsZero() {
		if wait := until.Sub(l.clock.Now()); wait > 0 {
			l.clock.Sleep(wait)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		check, err := l.Check(ctx, service, endpoint)
		if err != nil {
			return fmt.Errorf("ratelimit: check failed for %s/%s: %w", service, endpoint, err)
		}
		if !check.Allowed {
			l.clock.Sleep(check.RetryAfter)
			lastErr = fmt.Errorf("rate limit refused for %s/%s", service, endpoint)
			continue
		}

		err = call(ctx)
		if err == nil {
			l.clearBackoff(ctx, service, endpoint)
			return nil
		}
		lastErr = err

		class := Classify(err)
		if class == ClassTerminal {
			return err
		}

		delay := clock.Delay(backoffCfg, attempt+1)
		if class == ClassRateLimit {
			// Only rate-limit errors honor the server's Retry-After;
			// retryable errors always use jittered exponential backoff.
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				delay = apiErr.RetryAfter
			}
			l.setBackoffUntil(ctx, service, endpoint, l.clock.Now().Add(delay), delay)
			metrics.RateLimitBackoffActive.WithLabelValues(service, endpoint).Set(1)
		}
		l.clock.Sleep(delay)
	}

	metrics.RateLimitBackoffActive.WithLabelValues(service, endpoint).Set(0)
	return &ErrRetriesExhausted{Service: service, Endpoint: endpoint, Attempts: maxRetries + 1, Cause: lastErr}
}
