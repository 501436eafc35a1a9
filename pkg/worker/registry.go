// Package worker implements the Worker Registry (spec §4.4): advisory
// liveness/capacity records for each worker instance, backed by the durable
// store. Its loss never blocks scheduling — callers are expected to
// fail-open around it, mirroring the teacher's RegisterHeartbeat best-effort
// shape in pkg/executor/core.go.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"

	"adengine/pkg/models"
)

// Store is the durable persistence port for worker records (spec §6
// persisted layout: workers_registry table).
type Store interface {
	Register(ctx context.Context, rec *models.WorkerRecord) error
	Heartbeat(ctx context.Context, workerID string, currentJobs int) error
	SetStatus(ctx context.Context, workerID string, status models.WorkerStatus) error
	IncrementProcessed(ctx context.Context, workerID string, success bool) error
	ListWorkers(ctx context.Context) ([]models.WorkerRecord, error)
}

// Registry is the in-process handle a worker uses to advertise itself.
// ID is hostname-pid-<first 8 chars of a random uuid>, extending the
// teacher's `hostname-<shortuuid>` shape in executor.NewExecutor, so two
// registries on the same host, or in the same process, never share an id.
type Registry struct {
	store Store
	id    string

	maxConcurrentJobs int
}

// NewRegistry creates a Registry. maxConcurrentJobs <= 0 requests automatic
// sizing from the detected logical CPU count; the configured default when
// the env var is unset stays 5 (configs.Load).
func NewRegistry(store Store, maxConcurrentJobs int) *Registry {
	if maxConcurrentJobs <= 0 {
		maxConcurrentJobs = detectCPUCount()
	}
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8])

	return &Registry{
		store:             store,
		id:                id,
		maxConcurrentJobs: maxConcurrentJobs,
	}
}

// detectCPUCount reads the logical CPU count via gopsutil, falling back to
// the runtime's view when the probe fails (containers without /proc access).
func detectCPUCount() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// ID returns this worker's registry identity.
func (r *Registry) ID() string { return r.id }

// MaxConcurrentJobs returns the configured job-processing concurrency.
func (r *Registry) MaxConcurrentJobs() int { return r.maxConcurrentJobs }

// Register upserts a `starting` record for this worker (spec §4.5 lifecycle
// step 1, §4.4 register()).
func (r *Registry) Register(ctx context.Context) error {
	now := time.Now()
	return r.store.Register(ctx, &models.WorkerRecord{
		WorkerID:          r.id,
		Status:            models.WorkerStarting,
		StartedAt:         now,
		LastHeartbeat:     now,
		MaxConcurrentJobs: r.maxConcurrentJobs,
		UpdatedAt:         now,
	})
}

// SetStatus transitions this worker's status (spec §4.4 set_status()).
func (r *Registry) SetStatus(ctx context.Context, status models.WorkerStatus) error {
	return r.store.SetStatus(ctx, r.id, status)
}

// Heartbeat updates last_heartbeat and the current_jobs gauge, and sets
// status back to running (spec §4.4 heartbeat()).
func (r *Registry) Heartbeat(ctx context.Context, currentJobs int) error {
	return r.store.Heartbeat(ctx, r.id, currentJobs)
}

// IncrementProcessed atomically bumps jobs_processed and the success/failure
// branch counter (spec §4.4 increment_processed()).
func (r *Registry) IncrementProcessed(ctx context.Context, success bool) error {
	return r.store.IncrementProcessed(ctx, r.id, success)
}

// ListWorkers returns all known worker records ordered by started_at
// descending (spec §4.4 list_workers()).
func (r *Registry) ListWorkers(ctx context.Context) ([]models.WorkerRecord, error) {
	return r.store.ListWorkers(ctx)
}
