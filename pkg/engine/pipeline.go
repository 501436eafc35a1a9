package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"adengine/pkg/logger"
	"adengine/pkg/metrics"
	"adengine/pkg/models"
	"adengine/pkg/observability"
	"adengine/pkg/rules"
)

// ProcessRule runs the process_rule pipeline (spec §4.5) for one rule
// check: load, mark checked, fetch weather, evaluate, dispatch, record.
// Errors from steps 1-4 are recorded as a failed execution (weather_data
// nil) and rethrown per spec §4.5 step 8; action-dispatch failures never
// reach this return path, they are captured per-action instead.
func (e *Engine) ProcessRule(ctx context.Context, ruleID string) (*models.ExecutionRecord, error) {
	ctx, span := e.tracer.Start(ctx, "engine.process_rule", trace.WithAttributes(attribute.String("rule_id", ruleID)))
	defer span.End()

	start := e.clock.Now()

	rule, err := e.ruleRepo.FindByID(ctx, ruleID)
	if err != nil {
		observability.SetError(ctx, err)
		e.recordFailure(ctx, ruleID, start, 0, err)
		return nil, err
	}

	if !rule.IsActive {
		return &models.ExecutionRecord{
			RuleID:     ruleID,
			ExecutedAt: start,
			Success:    true,
		}, nil
	}

	now := e.clock.Now()
	if err := e.ruleRepo.SetLastChecked(ctx, ruleID, now); err != nil {
		e.recordFailure(ctx, ruleID, start, 0, err)
		return nil, err
	}

	snapshot, weatherCalls, err := e.fetchWeatherWithBackoff(ctx, rule)
	if err != nil {
		e.recordFailure(ctx, ruleID, start, weatherCalls, err)
		return nil, err
	}

	conditionsMet := evaluateConditions(rule, snapshot)
	metrics.ConditionsEvaluated.Add(float64(countConditions(rule)))

	record := &models.ExecutionRecord{
		RuleID:        ruleID,
		ExecutedAt:    start,
		WeatherData:   snapshot,
		ConditionsMet: conditionsMet,
		Metrics: models.ExecutionMetrics{
			WeatherCalls:        weatherCalls,
			ConditionsEvaluated: countConditions(rule),
		},
	}

	executionSuccess := true
	if conditionsMet {
		actions := e.dispatchAll(ctx, rule.UserID, rule.Campaigns)
		record.ActionsTaken = actions
		record.Metrics.ActionsExecuted = len(actions)
		for _, a := range actions {
			executionSuccess = executionSuccess && a.Success
			if a.Platform == models.PlatformM {
				record.Metrics.PlatformMCalls++
			} else if a.Platform == models.PlatformG {
				record.Metrics.PlatformGCalls++
			}
		}

		if executionSuccess {
			if err := e.ruleRepo.SetLastExecuted(ctx, ruleID, e.clock.Now()); err != nil {
				logger.Warn("engine: failed to set last_executed_at", zap.String("rule_id", ruleID), zap.Error(err))
			}
		}
	}

	record.Success = !conditionsMet || executionSuccess
	record.Metrics.TotalTimeMS = e.clock.Now().Sub(start).Milliseconds()

	if err := e.ruleRepo.AppendExecution(ctx, record); err != nil {
		return nil, fmt.Errorf("engine: append execution for rule %s: %w", ruleID, err)
	}

	metrics.RecordRuleExecution(record.Success, time.Since(start).Seconds())
	return record, nil
}

// fetchWeatherWithBackoff wraps the weather call through the rate limiter,
// per spec §4.5 step 3. The returned count is the number of attempts issued,
// not successes, so a retried fetch reports every call made on the rule's
// behalf.
func (e *Engine) fetchWeatherWithBackoff(ctx context.Context, rule *rules.Rule) (*models.WeatherSnapshot, int, error) {
	var snapshot *models.WeatherSnapshot
	attempts := 0
	err := e.rateLimiter.ExecuteWithBackoff(ctx, func(ctx context.Context) error {
		attempts++
		metrics.WeatherCalls.Inc()
		s, err := e.weatherC.CurrentWeather(ctx, rule.Location.Lat, rule.Location.Lon)
		if err != nil {
			return err
		}
		snapshot = s
		return nil
	}, "weather", "current_weather", 3, e.backoffCfg())
	return snapshot, attempts, err
}

func (e *Engine) recordFailure(ctx context.Context, ruleID string, start time.Time, weatherCalls int, cause error) {
	record := &models.ExecutionRecord{
		RuleID:       ruleID,
		ExecutedAt:   start,
		WeatherData:  nil,
		Success:      false,
		ErrorMessage: cause.Error(),
		Metrics: models.ExecutionMetrics{
			WeatherCalls: weatherCalls,
			TotalTimeMS:  e.clock.Now().Sub(start).Milliseconds(),
		},
	}
	if err := e.ruleRepo.AppendExecution(ctx, record); err != nil {
		logger.Error("engine: failed to append failure execution", zap.String("rule_id", ruleID), zap.Error(err))
	}
	metrics.RecordRuleExecution(false, time.Since(start).Seconds())
}

// ScheduleRuleCheck implements spec §6 schedule_rule_check: idempotently
// schedules (or reschedules) a rule's recurring check job.
func (e *Engine) ScheduleRuleCheck(ctx context.Context, ruleID, userID string, intervalMinutes int) error {
	return e.queue.ScheduleRuleCheck(ctx, ruleID, userID, intervalMinutes)
}

// RemoveRule implements spec §6 remove_rule: deletes the job record and any
// claims for a rule's recurring check.
func (e *Engine) RemoveRule(ctx context.Context, ruleID string) error {
	return e.queue.Remove(ctx, models.JobID(ruleID))
}

// RunRuleOnce bypasses the scheduler and runs the pipeline synchronously
// (spec §6 run_rule_once). It never touches the job schedule.
func (e *Engine) RunRuleOnce(ctx context.Context, ruleID string) (*models.ExecutionRecord, error) {
	return e.ProcessRule(ctx, ruleID)
}

// TestRule implements spec §6 test_rule: evaluate conditions on fresh
// weather, but flag every action as successful without calling the real
// ad platforms.
func (e *Engine) TestRule(ctx context.Context, ruleID string) (*models.ExecutionRecord, error) {
	rule, err := e.ruleRepo.FindByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	snapshot, err := e.weatherC.CurrentWeather(ctx, rule.Location.Lat, rule.Location.Lon)
	if err != nil {
		return nil, fmt.Errorf("engine: test_rule weather fetch: %w", err)
	}

	conditionsMet := evaluateConditions(rule, snapshot)
	record := &models.ExecutionRecord{
		RuleID:        ruleID,
		ExecutedAt:    e.clock.Now(),
		WeatherData:   snapshot,
		ConditionsMet: conditionsMet,
		Success:       true,
	}

	if conditionsMet {
		for _, target := range rule.Campaigns {
			record.ActionsTaken = append(record.ActionsTaken, models.Action{
				CampaignID: target.CampaignID,
				Platform:   models.Platform(target.Platform),
				Action:     models.TargetAction(target.Action),
				Success:    true,
				TargetType: target.TargetType,
				AdSetID:    target.AdSetID,
			})
		}
		record.Metrics.ActionsExecuted = len(record.ActionsTaken)
	}
	record.Metrics.ConditionsEvaluated = countConditions(rule)
	return record, nil
}

// EngineStats is the shape spec §6 get_engine_stats() returns.
type EngineStats struct {
	Jobs       interface{} `json:"jobs"`
	RateLimits interface{} `json:"rate_limits"`
	Workers    interface{} `json:"workers"`
	Timestamp  time.Time   `json:"timestamp"`
}

// GetEngineStats aggregates the scheduler queue depth and worker list.
func (e *Engine) GetEngineStats(ctx context.Context) (*EngineStats, error) {
	jobStats, err := e.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: get job stats: %w", err)
	}
	workers, err := e.registry.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: get worker stats: %w", err)
	}
	active := 0
	for _, w := range workers {
		if e.clock.Now().Sub(w.LastHeartbeat) < time.Minute {
			active++
		}
	}
	metrics.WorkersActive.Set(float64(active))
	rateLimitStats, err := e.rateLimiter.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: get rate limit stats: %w", err)
	}
	return &EngineStats{
		Jobs:       jobStats,
		RateLimits: rateLimitStats,
		Workers:    workers,
		Timestamp:  e.clock.Now(),
	}, nil
}
