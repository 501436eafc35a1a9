package engine

import (
	"context"
	"fmt"

	"adengine/pkg/clock"
	"adengine/pkg/metrics"
	"adengine/pkg/models"
	"adengine/pkg/rules"
)

const actionMaxRetries = 2

// statusFor resolves a target action to the platform-specific status string
// (spec §4.5.2 step 2).
func statusFor(platformName string, action rules.Target) string {
	switch platformName {
	case string(models.PlatformM):
		if action.Action == "resume" {
			return "ACTIVE"
		}
		return "PAUSED"
	case string(models.PlatformG):
		if action.Action == "resume" {
			return "ENABLED"
		}
		return "PAUSED"
	default:
		return "PAUSED"
	}
}

// dispatchAction implements spec §4.5.2: resolve credentials, validate (for
// platform M), issue the status update wrapped in execute_with_backoff, and
// report success/failure without propagating the error to siblings.
func (e *Engine) dispatchAction(ctx context.Context, userID string, target rules.Target) models.Action {
	result := models.Action{
		CampaignID: target.CampaignID,
		Platform:   models.Platform(target.Platform),
		Action:     models.TargetAction(target.Action),
		TargetType: target.TargetType,
		AdSetID:    target.AdSetID,
	}

	status := statusFor(target.Platform, target)

	switch target.Platform {
	case string(models.PlatformM):
		creds, err := e.credentials.PlatformMFor(ctx, userID)
		if err != nil {
			result.ErrorMessage = "platform_m account not found"
			return result
		}
		if target.AdSetID != "" {
			if _, err := e.platformM.GetAdSet(ctx, target.AdSetID, creds.AccessToken); err != nil {
				result.ErrorMessage = err.Error()
				return result
			}
		}
		err = e.rateLimiter.ExecuteWithBackoff(ctx, func(ctx context.Context) error {
			if target.AdSetID != "" {
				return e.platformM.UpdateAdSetStatus(ctx, target.AdSetID, status, creds.AccessToken)
			}
			return e.platformM.UpdateCampaignStatus(ctx, target.CampaignID, status, creds.AccessToken)
		}, "platform_m_ads", endpointFor(target), actionMaxRetries, clock.DefaultBackoffConfig())
		if err != nil {
			result.ErrorMessage = err.Error()
			return result
		}

	case string(models.PlatformG):
		creds, err := e.credentials.PlatformGFor(ctx, userID)
		if err != nil {
			result.ErrorMessage = "platform_g account not found"
			return result
		}
		err = e.rateLimiter.ExecuteWithBackoff(ctx, func(ctx context.Context) error {
			return e.platformG.UpdateCampaignStatus(ctx, target.CampaignID, status, creds.AccessToken)
		}, "platform_g_ads", "campaign_update", actionMaxRetries, clock.DefaultBackoffConfig())
		if err != nil {
			result.ErrorMessage = err.Error()
			return result
		}

	default:
		result.ErrorMessage = fmt.Sprintf("unknown platform %q", target.Platform)
		return result
	}

	result.Success = true
	return result
}

func endpointFor(target rules.Target) string {
	if target.AdSetID != "" {
		return "adset_update"
	}
	return "campaign_update"
}

// dispatchAll dispatches one action per target in parallel; result order
// matches the input target-list order (spec §5 "Per target within a single
// execution").
func (e *Engine) dispatchAll(ctx context.Context, userID string, targets rules.Targets) []models.Action {
	results := make([]models.Action, len(targets))
	done := make(chan struct{}, len(targets))

	for i, target := range targets {
		i, target := i, target
		go func() {
			defer func() { done <- struct{}{} }()
			results[i] = e.dispatchAction(ctx, userID, target)
			metrics.RecordAction(string(results[i].Platform), results[i].Success)
		}()
	}
	for range targets {
		<-done
	}
	return results
}
