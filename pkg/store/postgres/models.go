// Package postgres is the durable-store implementation (spec §6 persisted
// layout: rules, executions, workers_registry tables) adapted from the
// teacher's pkg/storage/postgres/job_store.go GORM shape. Rule rows are a
// read-mirror of the external collaborator's own table; this core only ever
// writes last_checked_at/last_executed_at and appends executions.
package postgres

import (
	"time"

	"gorm.io/gorm"

	"adengine/pkg/models"
	"adengine/pkg/rules"
)

// gormRule mirrors rules.Rule as a GORM row. Condition/Campaign payloads are
// stored as JSONB, matching the teacher's RetryPolicy/ResourceConstraints
// pattern in pkg/models/job.go.
type gormRule struct {
	ID       string `gorm:"primaryKey"`
	UserID   string
	IsActive bool
	Lat      float64
	Lon      float64

	ConditionsJSON []byte                `gorm:"column:conditions;type:jsonb"`
	ConditionLogic *rules.ConditionLogic `gorm:"type:jsonb"`
	Campaigns      rules.Targets         `gorm:"type:jsonb"`

	CheckIntervalMinutes int

	LastCheckedAt  *time.Time
	LastExecutedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (gormRule) TableName() string { return "rules" }

// gormExecution is the append-only audit row for models.ExecutionRecord.
type gormExecution struct {
	ID            string `gorm:"primaryKey"`
	RuleID        string `gorm:"index"`
	ExecutedAt    time.Time
	WeatherData   *models.WeatherSnapshot `gorm:"type:jsonb"`
	ConditionsMet bool
	ActionsTaken  models.Actions `gorm:"type:jsonb;column:actions_taken"`
	Success       bool
	ErrorMessage  string
	Metrics       models.ExecutionMetrics `gorm:"type:jsonb;column:execution_metrics"`
}

func (gormExecution) TableName() string { return "executions" }

// gormWorker mirrors models.WorkerRecord (spec §3, §4.4).
type gormWorker struct {
	WorkerID          string `gorm:"primaryKey"`
	Status            string
	StartedAt         time.Time
	LastHeartbeat     time.Time
	MaxConcurrentJobs int
	CurrentJobs       int
	JobsProcessed     int64
	JobsSucceeded     int64
	JobsFailed        int64
	UpdatedAt         time.Time
}

func (gormWorker) TableName() string { return "workers_registry" }

// gormCredential is the durable-store-backed row the spec §9 "Credentials
// coupling" note describes: the Engine's CredentialsLookup port, in
// production, just queries this table directly rather than a separate
// service.
type gormCredential struct {
	UserID      string `gorm:"primaryKey"`
	Platform    string `gorm:"primaryKey"`
	AccessToken string
	UpdatedAt   time.Time
}

func (gormCredential) TableName() string { return "platform_credentials" }

// AutoMigrate creates/updates the durable tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&gormRule{}, &gormExecution{}, &gormWorker{}, &gormCredential{})
}
