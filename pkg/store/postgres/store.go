package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"adengine/pkg/models"
	"adengine/pkg/rules"
)

// Store is the GORM-backed durable implementation of rules.RuleRepository
// and worker.Store, grounded on the teacher's pkg/storage/postgres
// PostgresStore: same connection-pool tuning and ErrRecordNotFound
// translation, different tables (rules/executions/workers_registry instead
// of jobs/executions).
type Store struct {
	db *gorm.DB
}

// NewStore opens a connection pool against dsn and runs AutoMigrate,
// following the teacher's NewPostgresStore sizing (25 open / 5 idle /
// 5 minute max lifetime).
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	return &Store{db: db}, nil
}

// --- rules.RuleRepository ---

func toDomainRule(g *gormRule) (*rules.Rule, error) {
	var conditions []rules.Condition
	if len(g.ConditionsJSON) > 0 {
		if err := json.Unmarshal(g.ConditionsJSON, &conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions for rule %s: %w", g.ID, err)
		}
	}
	return &rules.Rule{
		ID:       g.ID,
		UserID:   g.UserID,
		IsActive: g.IsActive,
		Location: rules.Location{Lat: g.Lat, Lon: g.Lon},

		Conditions:     conditions,
		ConditionLogic: g.ConditionLogic,
		Campaigns:      g.Campaigns,

		CheckIntervalMinutes: g.CheckIntervalMinutes,
		LastCheckedAt:        g.LastCheckedAt,
		LastExecutedAt:       g.LastExecutedAt,
	}, nil
}

// FindByID reads a single rule by its external ID.
func (s *Store) FindByID(ctx context.Context, ruleID string) (*rules.Rule, error) {
	var g gormRule
	err := s.db.WithContext(ctx).Where("id = ?", ruleID).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, rules.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find rule %s: %w", ruleID, err)
	}
	return toDomainRule(&g)
}

// SetLastChecked writes the scheduler's last-evaluated timestamp back onto
// the rule mirror (spec §6 "the two timestamp setters the core owns").
func (s *Store) SetLastChecked(ctx context.Context, ruleID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&gormRule{}).Where("id = ?", ruleID).
		Update("last_checked_at", at)
	if res.Error != nil {
		return fmt.Errorf("set last_checked_at for %s: %w", ruleID, res.Error)
	}
	if res.RowsAffected == 0 {
		return rules.ErrRuleNotFound
	}
	return nil
}

// SetLastExecuted writes the last-actions-dispatched timestamp.
func (s *Store) SetLastExecuted(ctx context.Context, ruleID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&gormRule{}).Where("id = ?", ruleID).
		Update("last_executed_at", at)
	if res.Error != nil {
		return fmt.Errorf("set last_executed_at for %s: %w", ruleID, res.Error)
	}
	if res.RowsAffected == 0 {
		return rules.ErrRuleNotFound
	}
	return nil
}

// AppendExecution inserts a new execution audit row.
func (s *Store) AppendExecution(ctx context.Context, record *models.ExecutionRecord) error {
	row := gormExecution{
		ID:            uuid.New().String(),
		RuleID:        record.RuleID,
		ExecutedAt:    record.ExecutedAt,
		WeatherData:   record.WeatherData,
		ConditionsMet: record.ConditionsMet,
		ActionsTaken:  record.ActionsTaken,
		Success:       record.Success,
		ErrorMessage:  record.ErrorMessage,
		Metrics:       record.Metrics,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append execution for rule %s: %w", record.RuleID, err)
	}
	return nil
}

// ArchivableExecution pairs a durable-store row id with the execution
// record it backs, so a retention sweep can archive then delete by id.
type ArchivableExecution struct {
	ID     string
	Record models.ExecutionRecord
}

// ExecutionsOlderThan lists up to limit execution rows older than before,
// for the archival retention sweep (SPEC_FULL.md F.4).
func (s *Store) ExecutionsOlderThan(ctx context.Context, before time.Time, limit int) ([]ArchivableExecution, error) {
	var rows []gormExecution
	err := s.db.WithContext(ctx).
		Where("executed_at < ?", before).
		Order("executed_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list archivable executions: %w", err)
	}

	out := make([]ArchivableExecution, 0, len(rows))
	for _, row := range rows {
		out = append(out, ArchivableExecution{
			ID: row.ID,
			Record: models.ExecutionRecord{
				RuleID:        row.RuleID,
				ExecutedAt:    row.ExecutedAt,
				WeatherData:   row.WeatherData,
				ConditionsMet: row.ConditionsMet,
				ActionsTaken:  row.ActionsTaken,
				Success:       row.Success,
				ErrorMessage:  row.ErrorMessage,
				Metrics:       row.Metrics,
			},
		})
	}
	return out, nil
}

// DeleteExecutions removes rows by id once they've been archived.
func (s *Store) DeleteExecutions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&gormExecution{}).Error; err != nil {
		return fmt.Errorf("delete archived executions: %w", err)
	}
	return nil
}

// ActiveRules lists every rule with is_active=true, used once at startup to
// seed the job scheduler (spec §4.5 lifecycle step 2).
func (s *Store) ActiveRules(ctx context.Context) ([]rules.Rule, error) {
	var rows []gormRule
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	out := make([]rules.Rule, 0, len(rows))
	for i := range rows {
		r, err := toDomainRule(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// --- rules.CredentialsLookup ---
//
// Per spec §9's "Credentials coupling" design note, this is the concrete
// implementation the Engine is wired to in production: a direct query
// against the durable store's platform_credentials table.

// PlatformMFor resolves a user's platform-M access token.
func (s *Store) PlatformMFor(ctx context.Context, userID string) (*rules.PlatformCredentials, error) {
	return s.credentialFor(ctx, userID, "platform_m")
}

// PlatformGFor resolves a user's platform-G access token.
func (s *Store) PlatformGFor(ctx context.Context, userID string) (*rules.PlatformCredentials, error) {
	return s.credentialFor(ctx, userID, "platform_g")
}

func (s *Store) credentialFor(ctx context.Context, userID, platform string) (*rules.PlatformCredentials, error) {
	var row gormCredential
	err := s.db.WithContext(ctx).Where("user_id = ? AND platform = ?", userID, platform).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, rules.ErrCredentialsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s credentials for user %s: %w", platform, userID, err)
	}
	return &rules.PlatformCredentials{AccessToken: row.AccessToken}, nil
}

// --- worker.Store ---

// Register upserts the starting record for a newly-launched worker.
func (s *Store) Register(ctx context.Context, rec *models.WorkerRecord) error {
	row := gormWorker{
		WorkerID:          rec.WorkerID,
		Status:            string(rec.Status),
		StartedAt:         rec.StartedAt,
		LastHeartbeat:     rec.LastHeartbeat,
		MaxConcurrentJobs: rec.MaxConcurrentJobs,
		UpdatedAt:         rec.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(onConflictUpdateAll()).Create(&row).Error
	if err != nil {
		return fmt.Errorf("register worker %s: %w", rec.WorkerID, err)
	}
	return nil
}

// Heartbeat refreshes last_heartbeat, current_jobs, and status=running.
func (s *Store) Heartbeat(ctx context.Context, workerID string, currentJobs int) error {
	res := s.db.WithContext(ctx).Model(&gormWorker{}).Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"last_heartbeat": time.Now(),
			"current_jobs":   currentJobs,
			"status":         string(models.WorkerRunning),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("heartbeat for %s: %w", workerID, res.Error)
	}
	return nil
}

// SetStatus transitions a worker's lifecycle status.
func (s *Store) SetStatus(ctx context.Context, workerID string, status models.WorkerStatus) error {
	res := s.db.WithContext(ctx).Model(&gormWorker{}).Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"status":     string(status),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("set status for %s: %w", workerID, res.Error)
	}
	return nil
}

// IncrementProcessed atomically bumps jobs_processed and the outcome branch.
func (s *Store) IncrementProcessed(ctx context.Context, workerID string, success bool) error {
	branch := "jobs_failed"
	if success {
		branch = "jobs_succeeded"
	}
	res := s.db.WithContext(ctx).Model(&gormWorker{}).Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"jobs_processed": gorm.Expr("jobs_processed + 1"),
			branch:           gorm.Expr(branch + " + 1"),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("increment processed for %s: %w", workerID, res.Error)
	}
	return nil
}

// ListWorkers returns every known worker record, most recently started
// first.
func (s *Store) ListWorkers(ctx context.Context) ([]models.WorkerRecord, error) {
	var rows []gormWorker
	if err := s.db.WithContext(ctx).Order("started_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	out := make([]models.WorkerRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.WorkerRecord{
			WorkerID:          r.WorkerID,
			Status:            models.WorkerStatus(r.Status),
			StartedAt:         r.StartedAt,
			LastHeartbeat:     r.LastHeartbeat,
			MaxConcurrentJobs: r.MaxConcurrentJobs,
			CurrentJobs:       r.CurrentJobs,
			JobsProcessed:     r.JobsProcessed,
			JobsSucceeded:     r.JobsSucceeded,
			JobsFailed:        r.JobsFailed,
			UpdatedAt:         r.UpdatedAt,
		})
	}
	return out, nil
}
