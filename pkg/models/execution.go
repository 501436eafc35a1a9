package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// WeatherSnapshot is the subset of WeatherClient.CurrentWeather's response
// persisted verbatim into the execution record (spec §3, §6).
type WeatherSnapshot struct {
	Temperature   float64 `json:"temperature"`
	Humidity      float64 `json:"humidity"`
	WindSpeed     float64 `json:"wind_speed"`
	Precipitation float64 `json:"precipitation"`
	Visibility    float64 `json:"visibility"`
	CloudCover    float64 `json:"cloud_cover"`
	Description   string  `json:"description"`
	Icon          string  `json:"icon"`
	ConditionID   int     `json:"condition_id"`
}

// Platform identifies one of the two supported ad platforms (spec §3).
type Platform string

const (
	PlatformM Platform = "platform_m"
	PlatformG Platform = "platform_g"
)

// TargetAction is the desired state change for a target (spec §3).
type TargetAction string

const (
	ActionPause  TargetAction = "pause"
	ActionResume TargetAction = "resume"
)

// Action is the per-target outcome of one dispatch (spec §3).
type Action struct {
	CampaignID   string       `json:"campaign_id"`
	Platform     Platform     `json:"platform"`
	Action       TargetAction `json:"action"`
	Success      bool         `json:"success"`
	ErrorMessage string       `json:"error_message,omitempty"`
	TargetType   string       `json:"target_type"`
	AdSetID      string       `json:"ad_set_id,omitempty"`
}

// Actions is the ordered per-target outcome list; order matches the rule's
// campaigns list, not completion order.
type Actions []Action

// The JSONB-backed execution payloads need sql.Scanner/driver.Valuer
// implementations for GORM to round-trip them.

func (w *WeatherSnapshot) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, w)
}

func (w WeatherSnapshot) Value() (driver.Value, error) {
	return json.Marshal(w)
}

func (a *Actions) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, a)
}

func (a Actions) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (m *ExecutionMetrics) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, m)
}

func (m ExecutionMetrics) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// ExecutionMetrics counts the per-run call volume (spec §3).
type ExecutionMetrics struct {
	WeatherCalls        int   `json:"weather_calls"`
	PlatformMCalls      int   `json:"platform_m_calls"`
	PlatformGCalls      int   `json:"platform_g_calls"`
	TotalTimeMS         int64 `json:"total_time_ms"`
	ConditionsEvaluated int   `json:"conditions_evaluated"`
	ActionsExecuted     int   `json:"actions_executed"`
}

// ExecutionRecord is the Engine-owned, append-only audit row for one tick
// (spec §3).
type ExecutionRecord struct {
	RuleID        string           `json:"rule_id"`
	ExecutedAt    time.Time        `json:"executed_at"`
	WeatherData   *WeatherSnapshot `json:"weather_data"`
	ConditionsMet bool             `json:"conditions_met"`
	ActionsTaken  Actions          `json:"actions_taken"`
	Success       bool             `json:"success"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	Metrics       ExecutionMetrics `json:"metrics"`
}
