// Package engine implements the Automation Engine (spec.md §4.5): the
// fetch→evaluate→act pipeline and its processing/recovery lifecycle.
// Grounded on the teacher's pkg/executor/core.go for the worker-loop shape
// (semaphore-bounded concurrent processing, heartbeat goroutine) and
// pkg/scheduler/core.go for the multi-ticker select loop and reconcile
// cadence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"adengine/pkg/clock"
	"adengine/pkg/jobqueue"
	"adengine/pkg/logger"
	"adengine/pkg/metrics"
	"adengine/pkg/models"
	"adengine/pkg/platform"
	"adengine/pkg/ratelimit"
	"adengine/pkg/rules"
	"adengine/pkg/weather"
	"adengine/pkg/worker"
)

const (
	pollInterval    = 5 * time.Second
	readyJobsLimit  = 5
	statsSampleRate = 0.10
)

// ErrRuleNotFound is a terminal process_rule error (spec §4.5 step 1).
var ErrRuleNotFound = rules.ErrRuleNotFound

// Engine wires the four core components together into the running worker
// process.
type Engine struct {
	queue       *jobqueue.Queue
	rateLimiter *ratelimit.Limiter
	registry    *worker.Registry

	ruleRepo    rules.RuleRepository
	credentials rules.CredentialsLookup
	weatherC    weather.Client
	platformM   platform.MClient
	platformG   platform.GClient

	clock  clock.Clock
	tracer trace.Tracer

	maxConcurrentJobs int
	heartbeatInterval time.Duration

	mu          sync.Mutex
	currentJobs int

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config bundles Engine's collaborators (spec §6 outbound collaborators).
type Config struct {
	Queue       *jobqueue.Queue
	RateLimiter *ratelimit.Limiter
	Registry    *worker.Registry
	RuleRepo    rules.RuleRepository
	Credentials rules.CredentialsLookup
	Weather     weather.Client
	PlatformM   platform.MClient
	PlatformG   platform.GClient
	// Tracer is optional; a no-op global tracer is used when nil.
	Tracer trace.Tracer
	// HeartbeatInterval is the independent heartbeat cadence (spec §5: "one
	// heartbeat task, 15s cadence"). Defaults to 15s when zero.
	HeartbeatInterval time.Duration
}

// New builds an Engine from its collaborators.
func New(cfg Config) *Engine {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("adengine/engine")
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &Engine{
		queue:             cfg.Queue,
		rateLimiter:       cfg.RateLimiter,
		registry:          cfg.Registry,
		ruleRepo:          cfg.RuleRepo,
		credentials:       cfg.Credentials,
		weatherC:          cfg.Weather,
		platformM:         cfg.PlatformM,
		platformG:         cfg.PlatformG,
		clock:             clock.Real{},
		tracer:            tracer,
		maxConcurrentJobs: cfg.Registry.MaxConcurrentJobs(),
		heartbeatInterval: heartbeatInterval,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// SetClock overrides the Engine's time source, for tests.
func (e *Engine) SetClock(c clock.Clock) { e.clock = c }

// Start implements spec §4.5's lifecycle: register, seed the scheduler from
// active rules, then launch the processing and recovery loops.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.registry.Register(ctx); err != nil {
		return fmt.Errorf("engine: register worker: %w", err)
	}

	active, err := e.ruleRepo.ActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("engine: load active rules: %w", err)
	}
	for _, r := range active {
		if !r.IsActive {
			continue
		}
		interval := r.CheckIntervalMinutes
		if interval <= 0 {
			interval = 1
		}
		nextDue := e.clock.Now()
		if r.LastCheckedAt != nil {
			candidate := r.LastCheckedAt.Add(time.Duration(interval) * time.Minute)
			if candidate.After(nextDue) {
				nextDue = candidate
			}
		}
		job := &models.Job{
			ID:              models.JobID(r.ID),
			Type:            models.JobTypeAutomationRuleCheck,
			RuleID:          r.ID,
			UserID:          r.UserID,
			IntervalMinutes: interval,
			MaxRetries:      models.DefaultMaxRetries,
			CreatedAt:       e.clock.Now(),
			ScheduledAt:     nextDue,
		}
		if err := e.queue.Schedule(ctx, job); err != nil {
			logger.Warn("engine: failed to seed schedule for rule", zap.String("rule_id", r.ID), zap.Error(err))
		}
	}

	if err := e.registry.SetStatus(ctx, models.WorkerRunning); err != nil {
		logger.Warn("engine: failed to mark worker running", zap.Error(err))
	}

	go e.processingLoop(ctx)
	go e.recoveryLoop(ctx)
	go e.heartbeatLoop(ctx)
	return nil
}

// Stop implements spec §5's cooperative shutdown: mark stopping, stop
// polling, let in-flight jobs finish, then mark stopped.
func (e *Engine) Stop(ctx context.Context) {
	if err := e.registry.SetStatus(ctx, models.WorkerStopping); err != nil {
		logger.Warn("engine: failed to mark worker stopping", zap.Error(err))
	}
	close(e.stopCh)
	<-e.doneCh
	if err := e.registry.SetStatus(ctx, models.WorkerStopped); err != nil {
		logger.Warn("engine: failed to mark worker stopped", zap.Error(err))
	}
}

func (e *Engine) processingLoop(ctx context.Context) {
	defer close(e.doneCh)
	sem := make(chan struct{}, e.maxConcurrentJobs)
	var wg sync.WaitGroup

	for {
		select {
		case <-e.stopCh:
			wg.Wait()
			return
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		ready, err := e.queue.ReadyJobs(ctx, readyJobsLimit)
		if err != nil {
			logger.Error("engine: failed to list ready jobs", zap.Error(err))
			e.sleepOrStop(pollInterval)
			continue
		}

		for _, job := range ready {
			job := job
			claimed, err := e.queue.Claim(ctx, job.ID)
			if err != nil {
				logger.Error("engine: claim failed", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			if !claimed {
				continue
			}
			if lag := e.clock.Now().Sub(job.ScheduledAt); lag > 0 {
				metrics.SchedulerLag.Observe(lag.Seconds())
			}

			sem <- struct{}{}
			wg.Add(1)
			e.adjustCurrentJobs(1)
			go func() {
				defer func() {
					<-sem
					wg.Done()
					e.adjustCurrentJobs(-1)
				}()
				e.runJob(ctx, &job)
			}()
		}

		if rand.Float64() < statsSampleRate {
			if stats, err := e.queue.Stats(ctx); err == nil {
				metrics.JobsScheduled.Set(float64(stats.Scheduled))
				metrics.JobsProcessing.Set(float64(stats.Processing))
				metrics.JobsOverdue.Set(float64(stats.Overdue))
				logger.Info("engine stats snapshot",
					zap.Int64("scheduled", stats.Scheduled),
					zap.Int64("processing", stats.Processing),
					zap.Int64("overdue", stats.Overdue))
			}
		}

		e.sleepOrStop(pollInterval)
	}
}

func (e *Engine) sleepOrStop(d time.Duration) {
	select {
	case <-time.After(d):
	case <-e.stopCh:
	}
}

func (e *Engine) adjustCurrentJobs(delta int) {
	e.mu.Lock()
	e.currentJobs += delta
	current := e.currentJobs
	e.mu.Unlock()
	metrics.CurrentJobsGauge.Set(float64(current))
	if err := e.registry.Heartbeat(context.Background(), current); err != nil {
		logger.Warn("engine: heartbeat failed", zap.Error(err))
	}
}

func (e *Engine) runJob(ctx context.Context, job *models.Job) {
	record, err := e.ProcessRule(ctx, job.RuleID)

	success := err == nil && (record == nil || record.Success)
	var completion models.CompletionResult
	switch {
	case err != nil:
		completion = models.CompletionResult{
			Success:  false,
			Terminal: errors.Is(err, rules.ErrRuleNotFound),
			Err:      err,
		}
	case !success:
		// Conditions were met but one or more actions failed (spec §8 S4):
		// reflected in the execution record already, but the job itself
		// must still be retried rather than completing cleanly.
		completion = models.CompletionResult{
			Success: false,
			Err:     actionFailureError(record),
		}
	default:
		completion = models.CompletionResult{Success: true}
	}

	if completeErr := e.queue.Complete(ctx, job.ID, completion); completeErr != nil {
		logger.Error("engine: complete failed", zap.String("job_id", job.ID), zap.Error(completeErr))
	}

	if incErr := e.registry.IncrementProcessed(ctx, success); incErr != nil {
		logger.Warn("engine: increment processed failed", zap.Error(incErr))
	}
	metrics.RecordJobCompletion(outcomeLabel(success))
}

// actionFailureError builds a retry-worthy error from a failed execution
// record so jobqueue.Complete's retry-delay classification (spec §4.5.3) has
// something to inspect instead of a false success.
func actionFailureError(record *models.ExecutionRecord) error {
	if record == nil {
		return errors.New("engine: rule run reported failure")
	}
	if record.ErrorMessage != "" {
		return errors.New(record.ErrorMessage)
	}
	for _, a := range record.ActionsTaken {
		if !a.Success && a.ErrorMessage != "" {
			return fmt.Errorf("engine: action on campaign %s failed: %s", a.CampaignID, a.ErrorMessage)
		}
	}
	return errors.New("engine: rule run completed with one or more failed actions")
}

func (e *Engine) backoffCfg() clock.BackoffConfig {
	return clock.DefaultBackoffConfig()
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (e *Engine) recoveryLoop(ctx context.Context) {
	select {
	case <-time.After(jobqueue.RecoverStartGrace()):
	case <-e.stopCh:
		return
	}

	ticker := time.NewTicker(jobqueue.RecoverInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := e.queue.RecoverStuck(ctx)
			if err != nil {
				logger.Error("engine: recover_stuck failed", zap.Error(err))
				continue
			}
			if recovered > 0 {
				metrics.JobsStuckRecovered.Add(float64(recovered))
			}
		}
	}
}

// heartbeatLoop runs independently of job start/stop so an idling worker
// (zero ready jobs) still reports liveness at the configured cadence
// (spec §5).
func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			current := e.currentJobs
			e.mu.Unlock()
			if err := e.registry.Heartbeat(ctx, current); err != nil {
				logger.Warn("engine: heartbeat failed", zap.Error(err))
				continue
			}
			metrics.HeartbeatsSent.Inc()
		}
	}
}
