package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"assessment-sync/internal/config"
	"assessment-sync/internal/database"
	"assessment-sync/internal/logger"
	"assessment-sync/internal/syncerr"
)

// GormStore persists engine state on MySQL or SQLite.
type GormStore struct {
	db *gorm.DB
}

var models = []any{
	&SyncJob{},
	&SyncLog{},
	&SanitizationLog{},
	&SyncConflict{},
	&NotificationLog{},
	&SyncSchedule{},
	&TableConfig{},
	&FieldConfig{},
	&SanitizationRule{},
	&ValidationRule{},
	&Position{},
}

// NewStore opens the state database described by cfg and migrates it.
func NewStore(cfg config.StateStorage) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		dialector = sqlite.Open(cfg.FilePath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	case "mysql", "":
		dialector = gormmysql.Open(database.MySQLDSN(config.DatabaseConnection{
			Type:     "mysql",
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			Database: cfg.Database,
		}))
	default:
		return nil, fmt.Errorf("unsupported state storage type %q", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if cfg.Type == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		// Retry loop for Ping
		maxRetries := 30
		for i := 0; i < maxRetries; i++ {
			err = sqlDB.Ping()
			if err == nil {
				break
			}
			logger.Log.Info("Waiting for state DB...", zap.Error(err), zap.Int("attempt", i+1))
			time.Sleep(1 * time.Second)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to ping state DB after retries: %w", err)
		}
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
	}

	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("failed to migrate state store: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return syncerr.NotFound("store", "%s %s not found", what, id)
	}
	return err
}

// Jobs

func (s *GormStore) CreateJob(ctx context.Context, job *SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *GormStore) GetJob(ctx context.Context, id string) (*SyncJob, error) {
	var job SyncJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "job", id)
	}
	return &job, nil
}

func (s *GormStore) ListJobs(ctx context.Context, filter JobFilter) ([]*SyncJob, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.ScheduleID != "" {
		q = q.Where("schedule_id = ?", filter.ScheduleID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var jobs []*SyncJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *GormStore) TransitionJob(ctx context.Context, id string, from []JobStatus, to JobStatus, at time.Time) error {
	for _, f := range from {
		if f.Terminal() {
			return fmt.Errorf("job %s: %s is terminal: %w", id, f, ErrInvalidTransition)
		}
	}
	updates := map[string]any{"status": to}
	switch {
	case to == JobRunning:
		updates["started_at"] = at
		updates["heartbeat_at"] = at
	case to.Terminal():
		updates["ended_at"] = at
	}
	res := s.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.transitionError(ctx, id, to)
	}
	return nil
}

func (s *GormStore) transitionError(ctx context.Context, id string, to JobStatus) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s: %s -> %s: %w", id, job.Status, to, ErrInvalidTransition)
}

func (s *GormStore) FinishJob(ctx context.Context, job *SyncJob) error {
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s: %s is not terminal: %w", job.ID, job.Status, ErrInvalidTransition)
	}
	if job.EndedAt == nil {
		now := time.Now().UTC()
		job.EndedAt = &now
	}
	res := s.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND status NOT IN ?", job.ID, []JobStatus{JobCompleted, JobFailed, JobCancelled}).
		Select("status", "ended_at", "total_records", "processed_records", "error_records",
			"conflicts_created", "failed_tables", "error_message").
		Updates(job)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.transitionError(ctx, job.ID, job.Status)
	}
	return nil
}

func (s *GormStore) UpdateJobProgress(ctx context.Context, id string, c JobCounters) error {
	return s.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND status = ?", id, JobRunning).
		Updates(map[string]any{
			"total_records":     c.TotalRecords,
			"processed_records": c.ProcessedRecords,
			"error_records":     c.ErrorRecords,
			"conflicts_created": c.ConflictsCreated,
		}).Error
}

func (s *GormStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND status = ?", id, JobRunning).
		Update("heartbeat_at", at).Error
}

func (s *GormStore) ActiveJobForSchedule(ctx context.Context, scheduleID string) (*SyncJob, error) {
	var job SyncJob
	err := s.db.WithContext(ctx).
		Where("schedule_id = ? AND status IN ?", scheduleID, []JobStatus{JobPending, JobRunning, JobPaused}).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *GormStore) StaleJobs(ctx context.Context, before time.Time) ([]*SyncJob, error) {
	var jobs []*SyncJob
	err := s.db.WithContext(ctx).
		Where("status = ? AND heartbeat_at < ?", JobRunning, before).
		Find(&jobs).Error
	return jobs, err
}

// Audit

func (s *GormStore) AppendSyncLog(ctx context.Context, entry *SyncLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) ListSyncLogs(ctx context.Context, jobID string) ([]*SyncLog, error) {
	var logs []*SyncLog
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *GormStore) AppendSanitizationLogs(ctx context.Context, entries []*SanitizationLog) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(entries, 200).Error
}

func (s *GormStore) ListSanitizationLogs(ctx context.Context, jobID string) ([]*SanitizationLog, error) {
	var logs []*SanitizationLog
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *GormStore) AppendNotificationLog(ctx context.Context, entry *NotificationLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) ListNotificationLogs(ctx context.Context, jobID string) ([]*NotificationLog, error) {
	var logs []*NotificationLog
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// Conflicts

func (s *GormStore) CreateConflict(ctx context.Context, c *SyncConflict) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ResolutionStatus == "" {
		c.ResolutionStatus = ResolutionPending
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *GormStore) GetConflict(ctx context.Context, id string) (*SyncConflict, error) {
	var c SyncConflict
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "conflict", id)
	}
	return &c, nil
}

func (s *GormStore) ListConflicts(ctx context.Context, filter ConflictFilter) ([]*SyncConflict, error) {
	q := s.db.WithContext(ctx).Order("detected_at").Order("id")
	if filter.JobID != "" {
		q = q.Where("job_id = ?", filter.JobID)
	}
	if filter.Table != "" {
		q = q.Where("table_name = ?", filter.Table)
	}
	if filter.RecordKey != "" {
		q = q.Where("record_key = ?", filter.RecordKey)
	}
	if filter.Status != "" {
		q = q.Where("resolution_status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var conflicts []*SyncConflict
	if err := q.Find(&conflicts).Error; err != nil {
		return nil, err
	}
	return conflicts, nil
}

func (s *GormStore) CloseConflict(ctx context.Context, c *SyncConflict) error {
	if c.ResolutionStatus != ResolutionResolved && c.ResolutionStatus != ResolutionIgnored {
		return fmt.Errorf("conflict %s: cannot move to %q: %w", c.ID, c.ResolutionStatus, ErrInvalidTransition)
	}
	if c.ResolvedAt == nil {
		now := time.Now().UTC()
		c.ResolvedAt = &now
	}
	res := s.db.WithContext(ctx).Model(&SyncConflict{}).
		Where("id = ? AND resolution_status = ?", c.ID, ResolutionPending).
		Select("resolution_status", "resolution_type", "resolved_payload", "resolved_by", "resolved_at", "note").
		Updates(c)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		current, err := s.GetConflict(ctx, c.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("conflict %s: %s -> %s: %w", c.ID, current.ResolutionStatus, c.ResolutionStatus, ErrInvalidTransition)
	}
	return nil
}

// Schedules

func (s *GormStore) CreateSchedule(ctx context.Context, sched *SyncSchedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(sched).Error
}

func (s *GormStore) UpdateSchedule(ctx context.Context, sched *SyncSchedule) error {
	if _, err := s.GetSchedule(ctx, sched.ID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Select("*").Omit("created_at").Updates(sched).Error
}

func (s *GormStore) DeleteSchedule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&SyncSchedule{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return syncerr.NotFound("store", "schedule %s not found", id)
	}
	return nil
}

func (s *GormStore) GetSchedule(ctx context.Context, id string) (*SyncSchedule, error) {
	var sched SyncSchedule
	if err := s.db.WithContext(ctx).First(&sched, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "schedule", id)
	}
	return &sched, nil
}

func (s *GormStore) ListSchedules(ctx context.Context, activeOnly bool) ([]*SyncSchedule, error) {
	q := s.db.WithContext(ctx).Order("name")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var scheds []*SyncSchedule
	if err := q.Find(&scheds).Error; err != nil {
		return nil, err
	}
	return scheds, nil
}

// Catalog

func (s *GormStore) ReplaceCatalog(ctx context.Context, catalog *Catalog) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{&TableConfig{}, &FieldConfig{}, &SanitizationRule{}, &ValidationRule{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
				return err
			}
		}
		if len(catalog.Tables) > 0 {
			if err := tx.Create(&catalog.Tables).Error; err != nil {
				return fmt.Errorf("insert tables: %w", err)
			}
		}
		if len(catalog.Fields) > 0 {
			if err := tx.Create(&catalog.Fields).Error; err != nil {
				return fmt.Errorf("insert fields: %w", err)
			}
		}
		if len(catalog.SanitizationRules) > 0 {
			if err := tx.Create(&catalog.SanitizationRules).Error; err != nil {
				return fmt.Errorf("insert sanitization rules: %w", err)
			}
		}
		if len(catalog.ValidationRules) > 0 {
			if err := tx.Create(&catalog.ValidationRules).Error; err != nil {
				return fmt.Errorf("insert validation rules: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) LoadCatalog(ctx context.Context) (*Catalog, error) {
	var c Catalog
	db := s.db.WithContext(ctx)
	if err := db.Order("sort_order").Order("name").Find(&c.Tables).Error; err != nil {
		return nil, err
	}
	if err := db.Order("id").Find(&c.Fields).Error; err != nil {
		return nil, err
	}
	if err := db.Order("id").Find(&c.SanitizationRules).Error; err != nil {
		return nil, err
	}
	if err := db.Order("id").Find(&c.ValidationRules).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// Positions

func (s *GormStore) GetPosition(ctx context.Context, table string, direction Direction) (*Position, error) {
	var pos Position
	err := s.db.WithContext(ctx).First(&pos, "table_name = ? AND direction = ?", table, direction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (s *GormStore) SavePosition(ctx context.Context, pos *Position) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "table_name"}, {Name: "direction"}},
		DoUpdates: clause.AssignmentColumns([]string{"watermark", "watermark_type", "last_key", "row_offset", "job_id", "updated_at"}),
	}).Create(pos).Error
}

func (s *GormStore) ResetPosition(ctx context.Context, table string, direction Direction) error {
	return s.db.WithContext(ctx).
		Delete(&Position{}, "table_name = ? AND direction = ?", table, direction).Error
}

// Stats

func (s *GormStore) Stats(ctx context.Context, since *time.Time) (*Stats, error) {
	st := &Stats{
		Since:             since,
		JobsByStatus:      map[JobStatus]int64{},
		ConflictsByStatus: map[ResolutionStatus]int64{},
	}
	db := s.db.WithContext(ctx)

	jobs := db.Model(&SyncJob{})
	if since != nil {
		jobs = jobs.Where("created_at >= ?", *since)
	}
	var byStatus []struct {
		Status    JobStatus
		Count     int64
		Total     int64
		Processed int64
		Errors    int64
	}
	err := jobs.Select("status, COUNT(*) AS count, COALESCE(SUM(total_records),0) AS total, " +
		"COALESCE(SUM(processed_records),0) AS processed, COALESCE(SUM(error_records),0) AS errors").
		Group("status").Scan(&byStatus).Error
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	for _, row := range byStatus {
		st.JobsByStatus[row.Status] = row.Count
		st.TotalRecords += row.Total
		st.ProcessedRecords += row.Processed
		st.ErrorRecords += row.Errors
	}

	jobIDs := db.Model(&SyncJob{}).Select("id")
	if since != nil {
		jobIDs = jobIDs.Where("created_at >= ?", *since)
	}

	var conflicts []struct {
		ResolutionStatus ResolutionStatus
		Count            int64
	}
	err = db.Model(&SyncConflict{}).
		Select("resolution_status, COUNT(*) AS count").
		Where("job_id IN (?)", jobIDs).
		Group("resolution_status").Scan(&conflicts).Error
	if err != nil {
		return nil, fmt.Errorf("conflict stats: %w", err)
	}
	for _, row := range conflicts {
		st.ConflictsByStatus[row.ResolutionStatus] = row.Count
	}

	if err := db.Model(&SanitizationLog{}).Where("job_id IN (?)", jobIDs).
		Count(&st.SanitizationsTotal).Error; err != nil {
		return nil, fmt.Errorf("sanitization stats: %w", err)
	}
	if err := db.Model(&SanitizationLog{}).Where("job_id IN (?) AND was_modified = ?", jobIDs, true).
		Count(&st.SanitizationsModified).Error; err != nil {
		return nil, fmt.Errorf("sanitization stats: %w", err)
	}

	notifications := db.Model(&NotificationLog{})
	if since != nil {
		notifications = notifications.Where("created_at >= ?", *since)
	}
	var sent []struct {
		Success bool
		Count   int64
	}
	if err := notifications.Select("success, COUNT(*) AS count").Group("success").Scan(&sent).Error; err != nil {
		return nil, fmt.Errorf("notification stats: %w", err)
	}
	for _, row := range sent {
		if row.Success {
			st.NotificationsSent = row.Count
		} else {
			st.NotificationsFailed = row.Count
		}
	}
	return st, nil
}
