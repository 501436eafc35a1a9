package models

import "time"

// WorkerStatus is the lifecycle state of a worker instance (spec §3, §4.4).
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerRunning  WorkerStatus = "running"
	WorkerStopping WorkerStatus = "stopping"
	WorkerStopped  WorkerStatus = "stopped"
)

// WorkerRecord is the advisory liveness/capacity record the Worker Registry
// maintains per instance (spec §3, §4.4). Its loss never blocks scheduling.
type WorkerRecord struct {
	WorkerID          string       `json:"worker_id" gorm:"primaryKey"`
	Status            WorkerStatus `json:"status"`
	StartedAt         time.Time    `json:"started_at"`
	LastHeartbeat     time.Time    `json:"last_heartbeat"`
	MaxConcurrentJobs int          `json:"max_concurrent_jobs"`
	CurrentJobs       int          `json:"current_jobs"`
	JobsProcessed     int64        `json:"jobs_processed"`
	JobsSucceeded     int64        `json:"jobs_succeeded"`
	JobsFailed        int64        `json:"jobs_failed"`
	UpdatedAt         time.Time    `json:"updated_at"`
}
