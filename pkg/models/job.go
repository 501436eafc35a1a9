// Package models holds the data shapes owned by the Job Scheduler and the
// Automation Engine (spec §3): jobs, execution records, actions, and worker
// records. Rule/condition-logic types, which are owned by the external rule
// repository collaborator, live in pkg/rules instead.
package models

import "time"

// JobType is always AutomationRuleCheck in this core; the field exists so the
// coordination-keyspace job hash is self-describing, matching spec §3's
// `type = automation_rule_check`.
const JobTypeAutomationRuleCheck = "automation_rule_check"

// Job is the Scheduler-owned record living at `job:<id>` in the coordination
// store, plus membership in the `jobs:scheduled` sorted set or the
// `jobs:processing` set (spec §3, §4.3).
type Job struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	RuleID   string `json:"rule_id"`
	UserID   string `json:"user_id"`
	Priority int    `json:"priority"`

	IntervalMinutes int `json:"interval_minutes"`
	RetryCount      int `json:"retry_count"`
	MaxRetries      int `json:"max_retries"`

	CreatedAt           time.Time  `json:"created_at"`
	ScheduledAt         time.Time  `json:"scheduled_at"`
	LastExecutedAt      *time.Time `json:"last_executed_at,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
}

// JobID computes the deterministic id for a rule's recurring check job
// (spec §3: `rule_check_<rule_id>`).
func JobID(ruleID string) string {
	return "rule_check_" + ruleID
}

// DefaultMaxRetries is the job-level retry budget default (spec §3).
const DefaultMaxRetries = 3

// CompletionResult is what the Engine reports back to the Scheduler after
// running a job, driving spec §4.3's complete() state transition.
type CompletionResult struct {
	Success      bool
	Terminal     bool // e.g. rule missing — never retry
	RetryAfterMS int64
	Err          error
}
