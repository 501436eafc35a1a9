package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"adengine/pkg/models"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*models.WorkerRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*models.WorkerRecord)}
}

func (s *memStore) Register(ctx context.Context, rec *models.WorkerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.WorkerID] = &cp
	return nil
}

func (s *memStore) Heartbeat(ctx context.Context, workerID string, currentJobs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[workerID]
	if !ok {
		return errors.New("not found")
	}
	r.CurrentJobs = currentJobs
	r.Status = models.WorkerRunning
	return nil
}

func (s *memStore) SetStatus(ctx context.Context, workerID string, status models.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[workerID]
	if !ok {
		return errors.New("not found")
	}
	r.Status = status
	return nil
}

func (s *memStore) IncrementProcessed(ctx context.Context, workerID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[workerID]
	if !ok {
		return errors.New("not found")
	}
	r.JobsProcessed++
	if success {
		r.JobsSucceeded++
	} else {
		r.JobsFailed++
	}
	return nil
}

func (s *memStore) ListWorkers(ctx context.Context) ([]models.WorkerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WorkerRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out, nil
}

func TestRegistryDefaultsMaxConcurrentJobsWhenZero(t *testing.T) {
	r := NewRegistry(newMemStore(), 0)
	if r.MaxConcurrentJobs() <= 0 {
		t.Fatal("zero max concurrent jobs should default to a positive CPU-derived value")
	}
}

func TestRegistryExplicitMaxConcurrentJobs(t *testing.T) {
	r := NewRegistry(newMemStore(), 7)
	if r.MaxConcurrentJobs() != 7 {
		t.Fatalf("expected explicit max concurrent jobs to be honored, got %d", r.MaxConcurrentJobs())
	}
}

func TestRegisterThenHeartbeatThenIncrementProcessed(t *testing.T) {
	store := newMemStore()
	r := NewRegistry(store, 5)
	ctx := context.Background()

	if err := r.Register(ctx); err != nil {
		t.Fatal(err)
	}

	workers, err := r.ListWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 || workers[0].Status != models.WorkerStarting {
		t.Fatalf("expected one worker record with status starting, got %+v", workers)
	}

	if err := r.Heartbeat(ctx, 3); err != nil {
		t.Fatal(err)
	}
	workers, _ = r.ListWorkers(ctx)
	if workers[0].CurrentJobs != 3 || workers[0].Status != models.WorkerRunning {
		t.Fatalf("expected heartbeat to update current_jobs and status, got %+v", workers[0])
	}

	if err := r.IncrementProcessed(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := r.IncrementProcessed(ctx, false); err != nil {
		t.Fatal(err)
	}
	workers, _ = r.ListWorkers(ctx)
	if workers[0].JobsProcessed != 2 || workers[0].JobsSucceeded != 1 || workers[0].JobsFailed != 1 {
		t.Fatalf("expected processed=2 succeeded=1 failed=1, got %+v", workers[0])
	}
}

func TestSetStatusTransitions(t *testing.T) {
	store := newMemStore()
	r := NewRegistry(store, 5)
	ctx := context.Background()
	if err := r.Register(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.SetStatus(ctx, models.WorkerStopping); err != nil {
		t.Fatal(err)
	}
	workers, _ := r.ListWorkers(ctx)
	if workers[0].Status != models.WorkerStopping {
		t.Fatalf("expected status stopping, got %s", workers[0].Status)
	}
}

func TestTwoRegistriesGetDistinctIDs(t *testing.T) {
	store := newMemStore()
	r1 := NewRegistry(store, 5)
	r2 := NewRegistry(store, 5)
	if r1.ID() == r2.ID() {
		t.Fatal("two registries on the same host must not collide on worker id")
	}
}
