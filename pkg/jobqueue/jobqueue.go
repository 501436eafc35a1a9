// Package jobqueue implements the Job Scheduler's coordination-store
// primitives (spec.md §4.3): the scheduled set, processing set, job hash,
// and result ledger, all held in Redis. Grounded on the teacher's
// pkg/storage/redis/queue_store.go for the go-redis client idiom, adapted
// from a consumer-group stream to the scheduled/processing sorted-set model
// spec.md calls for, with atomic transitions implemented as Lua scripts the
// way pkg/resilience/circuit_breaker.go inspires the "single linearization
// point" framing of claim().
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"adengine/pkg/clock"
	"adengine/pkg/logger"
	"adengine/pkg/models"
)

const (
	keyScheduled  = "jobs:scheduled"
	keyProcessing = "jobs:processing"

	stuckThreshold    = 10 * time.Minute
	overdueThreshold  = 5 * time.Minute
	resultTTL         = 24 * time.Hour
	recoverInterval   = 5 * time.Minute
	recoverStartGrace = 1 * time.Minute
)

// SetClock overrides the Queue's time source, for tests.
func (q *Queue) SetClock(c clock.Clock) { q.clock = c }

func jobKey(id string) string    { return fmt.Sprintf("job:%s", id) }
func resultKey(id string) string { return fmt.Sprintf("jobs:results:%s", id) }

// Queue is the Redis-backed coordination store for the Job Scheduler.
type Queue struct {
	client *redis.Client
	clock  clock.Clock
}

// New builds a Queue over an existing go-redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client, clock: clock.Real{}}
}

// claimScript atomically removes a job id from the scheduled set and, if it
// was present, adds it to the processing set stamped with now. Returns 1 if
// claimed, 0 if the race was lost (someone else already claimed or removed
// it). KEYS: scheduled, processing, job hash. ARGV: id, now_ms.
var claimScript = redis.NewScript(`
local scheduled = KEYS[1]
local processing = KEYS[2]
local jobHashKey = KEYS[3]
local id = ARGV[1]
local now = ARGV[2]

local removed = redis.call("ZREM", scheduled, id)
if removed == 0 then
	return 0
end

redis.call("SADD", processing, id)
redis.call("HSET", jobHashKey, "processing_started_at", now)
return 1
`)

// Schedule writes the job record and adds it to the scheduled set, replacing
// any prior entry for the same id (spec §4.3 schedule()).
func (q *Queue) Schedule(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal job %s: %w", job.ID, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), "data", data)
	pipe.SRem(ctx, keyProcessing, job.ID)
	pipe.ZAdd(ctx, keyScheduled, redis.Z{Score: float64(job.ScheduledAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobqueue: schedule job %s: %w", job.ID, err)
	}
	return nil
}

// ScheduleRuleCheck computes scheduled_at = now + interval and schedules the
// job, per spec §4.3's "recurring rule check helper".
func (q *Queue) ScheduleRuleCheck(ctx context.Context, ruleID, userID string, intervalMinutes int) error {
	now := q.clock.Now()
	job := &models.Job{
		ID:              models.JobID(ruleID),
		Type:            models.JobTypeAutomationRuleCheck,
		RuleID:          ruleID,
		UserID:          userID,
		IntervalMinutes: intervalMinutes,
		MaxRetries:      models.DefaultMaxRetries,
		CreatedAt:       now,
		ScheduledAt:     now.Add(time.Duration(intervalMinutes) * time.Minute),
	}
	return q.Schedule(ctx, job)
}

// ReadyJobs returns up to limit job records whose scheduled_at <= now,
// ordered by scheduled_at, then priority, then id (spec §4.3 ready_jobs()).
// Corrupt records are dropped from all sets as encountered.
func (q *Queue) ReadyJobs(ctx context.Context, limit int) ([]models.Job, error) {
	now := float64(q.clock.NowMillis())
	ids, err := q.client.ZRangeByScore(ctx, keyScheduled, &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("jobqueue: list ready ids: %w", err)
	}

	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		data, err := q.client.HGet(ctx, jobKey(id), "data").Result()
		if errors.Is(err, redis.Nil) {
			q.removeCorrupt(ctx, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("jobqueue: read job %s: %w", id, err)
		}
		var job models.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			logger.Warn("jobqueue: dropping corrupt job record", zap.String("job_id", id), zap.Error(err))
			q.removeCorrupt(ctx, id)
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].ScheduledAt.Equal(jobs[j].ScheduledAt) {
			return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
		}
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		return jobs[i].ID < jobs[j].ID
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (q *Queue) removeCorrupt(ctx context.Context, id string) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyScheduled, id)
	pipe.SRem(ctx, keyProcessing, id)
	pipe.Del(ctx, jobKey(id))
	_, _ = pipe.Exec(ctx)
}

// Claim atomically moves id from scheduled to processing (spec §4.3
// claim()). Returns false, nil when the race was lost; this is not an error.
func (q *Queue) Claim(ctx context.Context, id string) (bool, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{keyScheduled, keyProcessing, jobKey(id)},
		id, q.clock.NowMillis()).Result()
	if err != nil {
		return false, fmt.Errorf("jobqueue: claim %s: %w", id, err)
	}
	claimed, _ := res.(int64)
	return claimed == 1, nil
}

// Complete implements spec §4.3 complete(): reschedule/retry/terminate the
// job record per the result, and always write the result ledger entry.
func (q *Queue) Complete(ctx context.Context, id string, result models.CompletionResult) error {
	data, err := q.client.HGet(ctx, jobKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return q.writeResult(ctx, id, result)
	}
	if err != nil {
		return fmt.Errorf("jobqueue: read job %s for complete: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return fmt.Errorf("jobqueue: corrupt job %s at complete: %w", id, err)
	}

	now := q.clock.Now()
	switch {
	case result.Success:
		job.RetryCount = 0
		job.LastExecutedAt = &now
		job.ScheduledAt = now.Add(time.Duration(job.IntervalMinutes) * time.Minute)
		job.ProcessingStartedAt = nil
		if err := q.rescheduleAfterCompletion(ctx, &job); err != nil {
			return err
		}

	case !result.Terminal && job.RetryCount < job.MaxRetries:
		retryDelay := time.Duration(result.RetryAfterMS) * time.Millisecond
		if result.RetryAfterMS <= 0 {
			retryDelay = jobRetryDelay(result.Err, job.RetryCount)
		}
		job.RetryCount++
		job.ScheduledAt = now.Add(retryDelay)
		job.ProcessingStartedAt = nil
		if err := q.rescheduleAfterCompletion(ctx, &job); err != nil {
			return err
		}

	case !result.Terminal && job.IntervalMinutes > 0:
		// Retries exhausted on a recurring check: the rule stays under
		// monitoring, so fall back to the next periodic tick with the retry
		// budget reset rather than dropping the job.
		job.RetryCount = 0
		job.ScheduledAt = now.Add(time.Duration(job.IntervalMinutes) * time.Minute)
		job.ProcessingStartedAt = nil
		if err := q.rescheduleAfterCompletion(ctx, &job); err != nil {
			return err
		}

	default:
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, keyScheduled, id)
		pipe.SRem(ctx, keyProcessing, id)
		pipe.Del(ctx, jobKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("jobqueue: terminate job %s: %w", id, err)
		}
	}

	return q.writeResult(ctx, id, result)
}

func (q *Queue) rescheduleAfterCompletion(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal job %s: %w", job.ID, err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), "data", data)
	pipe.SRem(ctx, keyProcessing, job.ID)
	pipe.ZAdd(ctx, keyScheduled, redis.Z{Score: float64(job.ScheduledAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobqueue: reschedule job %s: %w", job.ID, err)
	}
	return nil
}

// jobRetryDelay implements spec §4.5.3's job-level retry budgeting formula
// when the result didn't specify a RetryAfterMS explicitly.
func jobRetryDelay(cause error, retryCount int) time.Duration {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	pow := 1 << uint(retryCount) // 2^retry_count

	switch {
	case containsAny(msg, "rate limit", "429"):
		d := 60_000 * pow
		if d > 300_000 {
			d = 300_000
		}
		return time.Duration(d) * time.Millisecond
	case containsAny(msg, "network", "timeout"):
		d := 5_000 * pow
		if d > 60_000 {
			d = 60_000
		}
		return time.Duration(d) * time.Millisecond
	default:
		d := 10_000 * pow
		if d > 120_000 {
			d = 120_000
		}
		return time.Duration(d) * time.Millisecond
	}
}

func containsAny(s string, subs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// persistedResult is the JSON shape written to the result ledger; Err is
// flattened to a string since error values don't round-trip through JSON.
type persistedResult struct {
	Success      bool   `json:"success"`
	Terminal     bool   `json:"terminal"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (q *Queue) writeResult(ctx context.Context, id string, result models.CompletionResult) error {
	pr := persistedResult{Success: result.Success, Terminal: result.Terminal, RetryAfterMS: result.RetryAfterMS}
	if result.Err != nil {
		pr.Error = result.Err.Error()
	}
	data, err := json.Marshal(pr)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal result for %s: %w", id, err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, resultKey(id), "result", data)
	pipe.Expire(ctx, resultKey(id), resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobqueue: write result ledger for %s: %w", id, err)
	}
	return nil
}

// RecoverStuck implements spec §4.3 recover_stuck(): any processing id whose
// processing_started_at predates the stuck threshold is moved back to
// scheduled at now.
func (q *Queue) RecoverStuck(ctx context.Context) (int, error) {
	ids, err := q.client.SMembers(ctx, keyProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("jobqueue: list processing ids: %w", err)
	}

	now := q.clock.Now()
	recovered := 0
	for _, id := range ids {
		startedStr, err := q.client.HGet(ctx, jobKey(id), "processing_started_at").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("jobqueue: read processing_started_at for %s: %w", id, err)
		}
		startedMs, err := parseInt64(startedStr)
		if err != nil {
			continue
		}
		started := time.UnixMilli(startedMs)
		if now.Sub(started) < stuckThreshold {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.SRem(ctx, keyProcessing, id)
		pipe.ZAdd(ctx, keyScheduled, redis.Z{Score: float64(now.UnixMilli()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("jobqueue: recover stuck job %s: %w", id, err)
		}
		recovered++
		logger.Warn("recovered stuck job", zap.String("job_id", id), zap.Duration("stuck_for", now.Sub(started)))
	}
	return recovered, nil
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// Stats is the {scheduled, processing, overdue} triple from spec §4.3.
type Stats struct {
	Scheduled  int64 `json:"scheduled"`
	Processing int64 `json:"processing"`
	Overdue    int64 `json:"overdue"`
}

// Stats computes the current queue-depth snapshot.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	scheduled, err := q.client.ZCard(ctx, keyScheduled).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("jobqueue: count scheduled: %w", err)
	}
	processing, err := q.client.SCard(ctx, keyProcessing).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("jobqueue: count processing: %w", err)
	}
	overdueCutoff := float64(q.clock.Now().Add(-overdueThreshold).UnixMilli())
	overdue, err := q.client.ZCount(ctx, keyScheduled, "0", fmt.Sprintf("%f", overdueCutoff)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("jobqueue: count overdue: %w", err)
	}
	return Stats{Scheduled: scheduled, Processing: processing, Overdue: overdue}, nil
}

// Remove deletes a job's record and any claims, used by the Engine's
// remove_rule collaborator entry point (spec §6).
func (q *Queue) Remove(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyScheduled, id)
	pipe.SRem(ctx, keyProcessing, id)
	pipe.Del(ctx, jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobqueue: remove job %s: %w", id, err)
	}
	return nil
}

// RecoverInterval and RecoverStartGrace parameterize the recovery loop's
// ticker cadence (spec §4.5 "Recovery loop").
func RecoverInterval() time.Duration   { return recoverInterval }
func RecoverStartGrace() time.Duration { return recoverStartGrace }
