package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"adengine/pkg/clock"
	"adengine/pkg/jobqueue"
	"adengine/pkg/models"
	"adengine/pkg/platform"
	"adengine/pkg/ratelimit"
	"adengine/pkg/rules"
	rulesmemory "adengine/pkg/rules/memory"
	"adengine/pkg/worker"
)

// fakeWeather returns a fixed snapshot, or an error (optionally wrapped in
// *ratelimit.APIError for classification) for the first N calls.
type fakeWeather struct {
	mu          sync.Mutex
	snapshot    *models.WeatherSnapshot
	failures    []error
	callCount   int
	lastLat     float64
	lastLon     float64
}

func (f *fakeWeather) CurrentWeather(ctx context.Context, lat, lon float64) (*models.WeatherSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	f.lastLat, f.lastLon = lat, lon
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	return f.snapshot, nil
}

func (f *fakeWeather) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

// fakePlatformM fakes PlatformClient-M; notFound ad-set IDs fail GetAdSet.
type fakePlatformM struct {
	mu            sync.Mutex
	notFoundIDs   map[string]bool
	updateCalls   []string
	getAdSetCalls []string
}

func newFakePlatformM() *fakePlatformM {
	return &fakePlatformM{notFoundIDs: make(map[string]bool)}
}

func (f *fakePlatformM) GetAdSet(ctx context.Context, id, token string) (*platform.AdSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getAdSetCalls = append(f.getAdSetCalls, id)
	if f.notFoundIDs[id] {
		return nil, fmt.Errorf("platform_m: ad set %s not found", id)
	}
	return &platform.AdSet{ID: id, Status: "ACTIVE"}, nil
}

func (f *fakePlatformM) UpdateAdSetStatus(ctx context.Context, id, status, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls = append(f.updateCalls, fmt.Sprintf("%s=%s", id, status))
	return nil
}

func (f *fakePlatformM) UpdateCampaignStatus(ctx context.Context, id, status, token string) error {
	return nil
}

type fakePlatformG struct {
	mu          sync.Mutex
	updateCalls []string
}

func (f *fakePlatformG) UpdateCampaignStatus(ctx context.Context, id, status, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls = append(f.updateCalls, fmt.Sprintf("%s=%s", id, status))
	return nil
}

// fakeWorkerStore is a bare in-memory worker.Store.
type fakeWorkerStore struct {
	mu      sync.Mutex
	records map[string]*models.WorkerRecord
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{records: make(map[string]*models.WorkerRecord)}
}

func (s *fakeWorkerStore) Register(ctx context.Context, rec *models.WorkerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.WorkerID] = &cp
	return nil
}

func (s *fakeWorkerStore) Heartbeat(ctx context.Context, workerID string, currentJobs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[workerID]
	if !ok {
		return errors.New("worker not found")
	}
	r.CurrentJobs = currentJobs
	r.Status = models.WorkerRunning
	return nil
}

func (s *fakeWorkerStore) SetStatus(ctx context.Context, workerID string, status models.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[workerID]
	if !ok {
		return errors.New("worker not found")
	}
	r.Status = status
	return nil
}

func (s *fakeWorkerStore) IncrementProcessed(ctx context.Context, workerID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[workerID]
	if !ok {
		return errors.New("worker not found")
	}
	r.JobsProcessed++
	if success {
		r.JobsSucceeded++
	} else {
		r.JobsFailed++
	}
	return nil
}

func (s *fakeWorkerStore) ListWorkers(ctx context.Context) ([]models.WorkerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WorkerRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out, nil
}

type testHarness struct {
	engine      *Engine
	ruleStore   *rulesmemory.Store
	creds       *rulesmemory.Credentials
	weather     *fakeWeather
	platM       *fakePlatformM
	platG       *fakePlatformG
	clockF      *clock.Fake
	redisClient *redis.Client
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	queue := jobqueue.New(client)
	limiter := ratelimit.New(client, ratelimit.DefaultServices)
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	queue.SetClock(fc)
	limiter.SetClock(fc)

	registry := worker.NewRegistry(newFakeWorkerStore(), 5)

	ruleStore := rulesmemory.NewStore()
	creds := rulesmemory.NewCredentials()
	w := &fakeWeather{snapshot: &models.WeatherSnapshot{Temperature: 20}}
	pm := newFakePlatformM()
	pg := &fakePlatformG{}

	e := New(Config{
		Queue:       queue,
		RateLimiter: limiter,
		Registry:    registry,
		RuleRepo:    ruleStore,
		Credentials: creds,
		Weather:     w,
		PlatformM:   pm,
		PlatformG:   pg,
	})
	e.SetClock(fc)

	return &testHarness{
		engine: e, ruleStore: ruleStore, creds: creds,
		weather: w, platM: pm, platG: pg, clockF: fc, redisClient: client,
	}
}

func mTarget(platformName, campaignID, adSetID, action string) rules.Target {
	return rules.Target{Platform: platformName, CampaignID: campaignID, AdSetID: adSetID, Action: action, TargetType: "ad_set"}
}

// S1 — happy pause: temperature condition met, platform_m pause succeeds.
func TestProcessRuleHappyPause(t *testing.T) {
	h := newHarness(t)
	h.weather.snapshot = &models.WeatherSnapshot{Temperature: 31}
	h.creds.SetPlatformM("u1", "token-m")

	h.ruleStore.Put(rules.Rule{
		ID: "r1", UserID: "u1", IsActive: true,
		Location: rules.Location{Lat: 0, Lon: 0},
		Conditions: []rules.Condition{
			{Parameter: rules.ParamTemperature, Operator: rules.OpGreaterThan, Value: 30, Unit: "C"},
		},
		Campaigns:            rules.Targets{mTarget("platform_m", "C1", "A1", "pause")},
		CheckIntervalMinutes: 60,
	})

	record, err := h.engine.RunRuleOnce(context.Background(), "r1")
	if err != nil {
		t.Fatalf("RunRuleOnce: %v", err)
	}
	if !record.ConditionsMet {
		t.Fatal("expected conditions_met=true")
	}
	if !record.Success {
		t.Fatal("expected execution success=true")
	}
	if len(record.ActionsTaken) != 1 || !record.ActionsTaken[0].Success {
		t.Fatalf("expected one successful action, got %+v", record.ActionsTaken)
	}
	if h.weather.calls() != 1 {
		t.Fatalf("expected exactly one weather call, got %d", h.weather.calls())
	}
	if len(h.platM.getAdSetCalls) != 1 {
		t.Fatal("platform M pause must look up the ad set first")
	}
	if len(h.platM.updateCalls) != 1 || h.platM.updateCalls[0] != "A1=PAUSED" {
		t.Fatalf("expected ad set A1 updated to PAUSED, got %+v", h.platM.updateCalls)
	}
}

// S2 — between boundary.
func TestProcessRuleBetweenBoundary(t *testing.T) {
	h := newHarness(t)
	rangeVal := 10.0
	h.ruleStore.Put(rules.Rule{
		ID: "r2", UserID: "u1", IsActive: true,
		Location: rules.Location{Lat: 0, Lon: 0},
		Conditions: []rules.Condition{
			{Parameter: rules.ParamHumidity, Operator: rules.OpBetween, Value: 50, Unit: "%", Range: &rangeVal},
		},
		CheckIntervalMinutes: 60,
	})

	h.weather.snapshot = &models.WeatherSnapshot{Humidity: 60}
	record, err := h.engine.RunRuleOnce(context.Background(), "r2")
	if err != nil {
		t.Fatal(err)
	}
	if !record.ConditionsMet {
		t.Fatal("humidity=60 should satisfy between(50, range=10)")
	}

	h.weather.snapshot = &models.WeatherSnapshot{Humidity: 60.5}
	record, err = h.engine.RunRuleOnce(context.Background(), "r2")
	if err != nil {
		t.Fatal(err)
	}
	if record.ConditionsMet {
		t.Fatal("humidity=60.5 should not satisfy between(50, range=10)")
	}
}

// S4 — missing ad set.
func TestProcessRuleMissingAdSet(t *testing.T) {
	h := newHarness(t)
	h.weather.snapshot = &models.WeatherSnapshot{Temperature: 31}
	h.creds.SetPlatformM("u1", "token-m")
	h.platM.notFoundIDs["A1"] = true

	h.ruleStore.Put(rules.Rule{
		ID: "r4", UserID: "u1", IsActive: true,
		Location: rules.Location{Lat: 0, Lon: 0},
		Conditions: []rules.Condition{
			{Parameter: rules.ParamTemperature, Operator: rules.OpGreaterThan, Value: 30},
		},
		Campaigns:            rules.Targets{mTarget("platform_m", "C1", "A1", "pause")},
		CheckIntervalMinutes: 60,
	})

	record, err := h.engine.RunRuleOnce(context.Background(), "r4")
	if err != nil {
		t.Fatal(err)
	}
	if !record.ConditionsMet {
		t.Fatal("expected conditions_met=true")
	}
	if record.Success {
		t.Fatal("expected execution success=false when the only action fails")
	}
	if len(record.ActionsTaken) != 1 || record.ActionsTaken[0].Success {
		t.Fatal("expected the action to be marked failed")
	}
	if len(h.platM.updateCalls) != 0 {
		t.Fatal("no status update call should be issued when get_ad_set fails")
	}
}

func TestProcessRuleCredentialsMissing(t *testing.T) {
	h := newHarness(t)
	h.weather.snapshot = &models.WeatherSnapshot{Temperature: 31}
	// no credentials registered for u1

	h.ruleStore.Put(rules.Rule{
		ID: "r5", UserID: "u1", IsActive: true,
		Conditions: []rules.Condition{
			{Parameter: rules.ParamTemperature, Operator: rules.OpGreaterThan, Value: 30},
		},
		Campaigns:            rules.Targets{mTarget("platform_m", "C1", "A1", "pause")},
		CheckIntervalMinutes: 60,
	})

	record, err := h.engine.RunRuleOnce(context.Background(), "r5")
	if err != nil {
		t.Fatal(err)
	}
	if record.Success {
		t.Fatal("missing credentials should fail the action and the execution")
	}
	if record.ActionsTaken[0].ErrorMessage == "" {
		t.Fatal("expected an error message recorded on the action")
	}
}

func TestProcessRuleInactiveRuleShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.ruleStore.Put(rules.Rule{ID: "r6", UserID: "u1", IsActive: false})

	record, err := h.engine.RunRuleOnce(context.Background(), "r6")
	if err != nil {
		t.Fatal(err)
	}
	if !record.Success {
		t.Fatal("an inactive rule should short-circuit to success")
	}
	if h.weather.calls() != 0 {
		t.Fatal("an inactive rule must not fetch weather")
	}
}

func TestProcessRuleNotFoundIsTerminal(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.RunRuleOnce(context.Background(), "does-not-exist")
	if !errors.Is(err, rules.ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestProcessRuleRecordsFailureOnWeatherError(t *testing.T) {
	h := newHarness(t)
	h.ruleStore.Put(rules.Rule{ID: "r7", UserID: "u1", IsActive: true, CheckIntervalMinutes: 60})
	h.weather.failures = []error{
		&ratelimit.APIError{StatusCode: 400, Err: errors.New("bad request")},
	}

	_, err := h.engine.RunRuleOnce(context.Background(), "r7")
	if err == nil {
		t.Fatal("expected a terminal weather error to propagate")
	}

	execs := h.ruleStore.Executions()
	if len(execs) != 1 {
		t.Fatalf("expected one failed execution recorded, got %d", len(execs))
	}
	if execs[0].Success {
		t.Fatal("expected success=false on the failure record")
	}
	if execs[0].WeatherData != nil {
		t.Fatal("a failed fetch must record weather_data=nil")
	}
}

func TestProcessRuleRetriesRateLimitedWeatherThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.ruleStore.Put(rules.Rule{
		ID: "r8", UserID: "u1", IsActive: true,
		Conditions:           []rules.Condition{{Parameter: rules.ParamTemperature, Operator: rules.OpGreaterThan, Value: 10}},
		CheckIntervalMinutes: 60,
	})
	h.weather.failures = []error{&ratelimit.APIError{StatusCode: 429, RetryAfter: 2 * time.Second, Err: errors.New("rate limited")}}
	h.weather.snapshot = &models.WeatherSnapshot{Temperature: 20}

	record, err := h.engine.RunRuleOnce(context.Background(), "r8")
	if err != nil {
		t.Fatalf("expected retry then success, got error: %v", err)
	}
	if h.weather.calls() != 2 {
		t.Fatalf("expected 2 weather attempts (1 failure + 1 success), got %d", h.weather.calls())
	}
	if record.Metrics.WeatherCalls != 2 {
		t.Fatalf("execution metrics must count weather attempts, got %d", record.Metrics.WeatherCalls)
	}
	if !record.ConditionsMet {
		t.Fatal("expected conditions met after the retried fetch")
	}
}

func TestTestRuleNeverCallsRealPlatforms(t *testing.T) {
	h := newHarness(t)
	h.weather.snapshot = &models.WeatherSnapshot{Temperature: 31}
	h.ruleStore.Put(rules.Rule{
		ID: "r9", UserID: "u1", IsActive: true,
		Conditions:           []rules.Condition{{Parameter: rules.ParamTemperature, Operator: rules.OpGreaterThan, Value: 30}},
		Campaigns:            rules.Targets{mTarget("platform_m", "C1", "A1", "pause")},
		CheckIntervalMinutes: 60,
	})
	// deliberately no platform-M credentials registered: test_rule must not
	// need them, since it never calls the real platforms.

	record, err := h.engine.TestRule(context.Background(), "r9")
	if err != nil {
		t.Fatalf("TestRule: %v", err)
	}
	if !record.Success {
		t.Fatal("test_rule's synthetic record must always be success=true")
	}
	if len(record.ActionsTaken) != 1 || !record.ActionsTaken[0].Success {
		t.Fatal("test_rule must flag every action successful without dispatching")
	}
	if len(h.platM.updateCalls) != 0 || len(h.platM.getAdSetCalls) != 0 {
		t.Fatal("test_rule must never call the real platform clients")
	}
}

func TestRunRuleOnceDoesNotTouchSchedule(t *testing.T) {
	h := newHarness(t)
	h.weather.snapshot = &models.WeatherSnapshot{Temperature: 10}
	h.ruleStore.Put(rules.Rule{ID: "r10", UserID: "u1", IsActive: true, CheckIntervalMinutes: 60})

	if err := h.engine.ScheduleRuleCheck(context.Background(), "r10", "u1", 60); err != nil {
		t.Fatal(err)
	}

	if _, err := h.engine.RunRuleOnce(context.Background(), "r10"); err != nil {
		t.Fatal(err)
	}

	// OQ1: run_rule_once must not reschedule or remove the existing job.
	stats, err := h.engine.GetEngineStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	jobStats, ok := stats.Jobs.(jobqueue.Stats)
	if !ok {
		t.Fatalf("unexpected jobs stats type %T", stats.Jobs)
	}
	if jobStats.Scheduled != 1 {
		t.Fatalf("expected the original scheduled job to remain untouched, got %+v", jobStats)
	}
}

func TestRemoveRuleDeletesScheduledJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.engine.ScheduleRuleCheck(ctx, "r11", "u1", 60); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.RemoveRule(ctx, "r11"); err != nil {
		t.Fatal(err)
	}
	stats, err := h.engine.GetEngineStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	jobStats := stats.Jobs.(jobqueue.Stats)
	if jobStats.Scheduled != 0 {
		t.Fatal("remove_rule should delete the scheduled job")
	}
}

func TestDispatchAllPreservesTargetOrder(t *testing.T) {
	h := newHarness(t)
	h.creds.SetPlatformM("u1", "token-m")
	h.creds.SetPlatformG("u1", "token-g")

	targets := rules.Targets{
		mTarget("platform_m", "C1", "A1", "pause"),
		mTarget("platform_g", "C2", "A2", "resume"),
		mTarget("platform_m", "C3", "A3", "resume"),
	}

	results := h.engine.dispatchAll(context.Background(), "u1", targets)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].CampaignID != "C1" || results[1].CampaignID != "C2" || results[2].CampaignID != "C3" {
		t.Fatalf("action order must match input target order, got %+v", results)
	}
}
