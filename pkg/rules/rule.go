// Package rules defines the data shapes and outbound ports owned by the
// external rule-repository collaborator (spec §3, §6, §9 "Credentials
// coupling"). The core only reads rules through RuleRepository; it never
// validates or mutates rule content beyond the two timestamp setters spec §6
// grants it.
package rules

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"adengine/pkg/models"
)

// BoolOperator is AND/OR combination logic (spec §3).
type BoolOperator string

const (
	OperatorAND BoolOperator = "AND"
	OperatorOR  BoolOperator = "OR"
)

// Parameter names the weather field a Condition reads (spec §3).
type Parameter string

const (
	ParamTemperature   Parameter = "temperature"
	ParamHumidity      Parameter = "humidity"
	ParamWindSpeed     Parameter = "wind_speed"
	ParamPrecipitation Parameter = "precipitation"
	ParamVisibility    Parameter = "visibility"
	ParamCloudCover    Parameter = "cloud_cover"
)

// ConditionOperator is the comparison applied to a Condition's value (spec §3).
type ConditionOperator string

const (
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpEquals      ConditionOperator = "equals"
	OpBetween     ConditionOperator = "between"
)

// Condition is a single weather predicate (spec §3, §4.5.1).
type Condition struct {
	Parameter Parameter         `json:"parameter"`
	Operator  ConditionOperator `json:"operator"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit"`
	Range     *float64          `json:"range,omitempty"` // only for between; defaults to 5
}

// Group reduces a list of Conditions to a boolean via its Operator (spec §3).
type Group struct {
	Operator   BoolOperator `json:"operator"`
	Conditions []Condition  `json:"conditions"`
}

// TimeFrame restricts when a rule's condition_logic is allowed to fire
// (spec §3). The core does not interpret this field further; it is carried
// for the repository collaborator's scheduling hints.
type TimeFrame struct {
	Days   int    `json:"days"`
	Action string `json:"action"` // "on" or "off"
}

// ConditionLogic is the nested (depth-2) condition grammar (spec §3).
type ConditionLogic struct {
	Groups         []Group      `json:"groups"`
	GlobalOperator BoolOperator `json:"global_operator"`
	TimeFrame      *TimeFrame   `json:"time_frame,omitempty"`
}

// Scan implements sql.Scanner so *ConditionLogic round-trips through a JSONB
// column, mirroring the teacher's RetryPolicy/ResourceConstraints pattern.
func (c *ConditionLogic) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, c)
}

// Value implements driver.Valuer for ConditionLogic.
func (c ConditionLogic) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Target is a single ad-set action a rule's campaigns list dispatches
// (spec §3). Invariant: TargetType is always "ad_set" — campaign-level
// targets are rejected at the collaborator's ingress, never seen here.
type Target struct {
	Platform   string `json:"platform"` // "platform_m" or "platform_g"
	CampaignID string `json:"campaign_id"`
	AdSetID    string `json:"ad_set_id"`
	Action     string `json:"action"` // "pause" or "resume"
	TargetType string `json:"target_type"`
}

// Targets is the JSONB-backed ordered list of campaign targets.
type Targets []Target

func (t *Targets) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, t)
}

func (t Targets) Value() (driver.Value, error) {
	return json.Marshal(t)
}

// Location is a lat/lon pair (spec §3). Valid ranges are lat∈[-90,90],
// lon∈[-180,180], inclusive at the boundary.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Rule is the external collaborator's record; the core only ever reads it
// through RuleRepository and writes back the two timestamps spec §6 grants.
type Rule struct {
	ID       string
	UserID   string
	IsActive bool
	Location Location

	// Conditions is the legacy flat list (AND semantics). ConditionLogic,
	// when present, takes precedence (spec §3, §4.5).
	Conditions     []Condition
	ConditionLogic *ConditionLogic

	Campaigns Targets

	CheckIntervalMinutes int

	LastCheckedAt  *time.Time
	LastExecutedAt *time.Time
}

var ErrRuleNotFound = errors.New("rule not found")

// RuleRepository is the outbound port to the external rule-owning
// collaborator (spec §6). The core never writes rule content beyond these
// two timestamps.
type RuleRepository interface {
	FindByID(ctx context.Context, ruleID string) (*Rule, error)
	SetLastChecked(ctx context.Context, ruleID string, at time.Time) error
	SetLastExecuted(ctx context.Context, ruleID string, at time.Time) error
	AppendExecution(ctx context.Context, record *models.ExecutionRecord) error
	// ActiveRules lists all rules with is_active=true, used once at
	// Engine.Start to seed the scheduler (spec §4.5 lifecycle step 2).
	ActiveRules(ctx context.Context) ([]Rule, error)
}

// PlatformCredentials are the access tokens CredentialsLookup resolves for a
// user against one ad platform (spec §6).
type PlatformCredentials struct {
	AccessToken string
}

var ErrCredentialsNotFound = errors.New("platform credentials not found")

// CredentialsLookup is the outbound port for resolving a user's per-platform
// access tokens (spec §6, §9 "Credentials coupling": implementations may
// cache; the core only depends on this interface).
type CredentialsLookup interface {
	PlatformMFor(ctx context.Context, userID string) (*PlatformCredentials, error)
	PlatformGFor(ctx context.Context, userID string) (*PlatformCredentials, error)
}
