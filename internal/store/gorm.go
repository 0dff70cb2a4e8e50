package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"upschedule/internal/config"
	"upschedule/internal/model"
	"upschedule/internal/quota"
)

// Open connects to the configured SQL database and migrates the schema.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := db.AutoMigrate(&jobRow{}, &userQuotaRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

type jobRow struct {
	ID            string `gorm:"type:varchar(36);primaryKey"`
	Status        string `gorm:"type:varchar(20);not null;index;default:'pending'"`
	PdfType       string `gorm:"type:varchar(20);not null"`
	SourceKey     string `gorm:"type:text"`
	Result        datatypes.JSON
	Semester      datatypes.JSON
	ErrorMessage  *string `gorm:"type:text"`
	FileSizeBytes int64   `gorm:"not null;default:0"`
	OwnerID       *string `gorm:"type:varchar(64);index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
	CompletedAt   *time.Time
	ExpiresAt     *time.Time `gorm:"index"`
}

func (jobRow) TableName() string {
	return "jobs"
}

type userQuotaRow struct {
	OwnerID           string `gorm:"type:varchar(64);primaryKey"`
	StorageUsedBytes  int64  `gorm:"not null;default:0"`
	StorageQuotaBytes int64  `gorm:"not null;default:52428800"`
}

func (userQuotaRow) TableName() string {
	return "user_quotas"
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toJobRow(j *model.Job) (*jobRow, error) {
	row := &jobRow{
		ID:            j.ID,
		Status:        string(j.Status),
		PdfType:       string(j.PdfType),
		SourceKey:     j.SourceKey,
		ErrorMessage:  j.ErrorMessage,
		FileSizeBytes: j.FileSizeBytes,
		OwnerID:       j.OwnerID,
		CreatedAt:     j.CreatedAt.UTC(),
		UpdatedAt:     j.UpdatedAt.UTC(),
		CompletedAt:   utcPtr(j.CompletedAt),
		ExpiresAt:     utcPtr(j.ExpiresAt),
	}
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return nil, err
		}
		row.Result = datatypes.JSON(b)
	}
	if j.Semester != nil {
		b, err := json.Marshal(j.Semester)
		if err != nil {
			return nil, err
		}
		row.Semester = datatypes.JSON(b)
	}
	return row, nil
}

func (r *jobRow) toModel() (*model.Job, error) {
	j := &model.Job{
		ID:            r.ID,
		Status:        model.JobStatus(r.Status),
		PdfType:       model.PdfType(r.PdfType),
		SourceKey:     r.SourceKey,
		ErrorMessage:  r.ErrorMessage,
		FileSizeBytes: r.FileSizeBytes,
		OwnerID:       r.OwnerID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		CompletedAt:   r.CompletedAt,
		ExpiresAt:     r.ExpiresAt,
	}
	if len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, &j.Result); err != nil {
			return nil, fmt.Errorf("job %s result: %w", r.ID, err)
		}
	}
	if len(r.Semester) > 0 {
		if err := json.Unmarshal(r.Semester, &j.Semester); err != nil {
			return nil, fmt.Errorf("job %s semester: %w", r.ID, err)
		}
	}
	return j, nil
}

// baseRepository holds the single-table CRUD shared by the gorm repositories.
type baseRepository[T any] struct {
	db *gorm.DB
	pk string
}

func (r *baseRepository[T]) save(ctx context.Context, entity *T) error {
	return r.db.WithContext(ctx).Save(entity).Error
}

func (r *baseRepository[T]) getByID(ctx context.Context, id string) (*T, error) {
	var entity T
	err := r.db.WithContext(ctx).First(&entity, r.pk+" = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *baseRepository[T]) delete(ctx context.Context, id string) error {
	var entity T
	return r.db.WithContext(ctx).Delete(&entity, r.pk+" = ?", id).Error
}

// GormJobs is the SQL JobRepository.
type GormJobs struct {
	base baseRepository[jobRow]
}

func NewGormJobs(db *gorm.DB) *GormJobs {
	return &GormJobs{base: baseRepository[jobRow]{db: db, pk: "id"}}
}

func (r *GormJobs) Save(ctx context.Context, job *model.Job) error {
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	return r.base.save(ctx, row)
}

func (r *GormJobs) FindByID(ctx context.Context, id string) (*model.Job, error) {
	row, err := r.base.getByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toModel()
}

func (r *GormJobs) FindExpired(ctx context.Context, now time.Time) ([]*model.Job, error) {
	var rows []jobRow
	err := r.base.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now.UTC()).
		Order("expires_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toJobs(rows)
}

func (r *GormJobs) FindStale(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	var rows []jobRow
	err := r.base.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{string(model.JobPending), string(model.JobProcessing)}, cutoff.UTC()).
		Order("updated_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toJobs(rows)
}

func toJobs(rows []jobRow) ([]*model.Job, error) {
	out := make([]*model.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *GormJobs) Remove(ctx context.Context, id string) error {
	return r.base.delete(ctx, id)
}

// GormQuotas is the SQL quota.Repository. Increments are a conditional
// UPDATE so concurrent processes cannot overshoot the ceiling.
type GormQuotas struct {
	base         baseRepository[userQuotaRow]
	defaultQuota int64
}

func NewGormQuotas(db *gorm.DB, defaultQuota int64) *GormQuotas {
	if defaultQuota <= 0 {
		defaultQuota = model.DefaultQuotaBytes
	}
	return &GormQuotas{
		base:         baseRepository[userQuotaRow]{db: db, pk: "owner_id"},
		defaultQuota: defaultQuota,
	}
}

func (r *GormQuotas) FindOwner(ctx context.Context, id string) (model.UserQuota, error) {
	var row userQuotaRow
	err := r.base.db.WithContext(ctx).
		Where(userQuotaRow{OwnerID: id}).
		Attrs(userQuotaRow{StorageQuotaBytes: r.defaultQuota}).
		FirstOrCreate(&row).Error
	if err != nil {
		return model.UserQuota{}, err
	}
	return model.UserQuota{OwnerID: row.OwnerID, UsedBytes: row.StorageUsedBytes, QuotaBytes: row.StorageQuotaBytes}, nil
}

func (r *GormQuotas) IncrementUsage(ctx context.Context, id string, delta int64) error {
	res := r.base.db.WithContext(ctx).Model(&userQuotaRow{}).
		Where("owner_id = ? AND storage_used_bytes + ? <= storage_quota_bytes", id, delta).
		UpdateColumn("storage_used_bytes", gorm.Expr("storage_used_bytes + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return quota.ErrWouldExceed
	}
	return nil
}

func (r *GormQuotas) DecrementUsage(ctx context.Context, id string, delta int64) error {
	return r.base.db.WithContext(ctx).Model(&userQuotaRow{}).
		Where("owner_id = ?", id).
		UpdateColumn("storage_used_bytes", gorm.Expr("CASE WHEN storage_used_bytes > ? THEN storage_used_bytes - ? ELSE 0 END", delta, delta)).
		Error
}

// SetQuota overrides one owner's ceiling.
func (r *GormQuotas) SetQuota(ctx context.Context, id string, quotaBytes int64) error {
	if _, err := r.FindOwner(ctx, id); err != nil {
		return err
	}
	return r.base.db.WithContext(ctx).Model(&userQuotaRow{}).
		Where("owner_id = ?", id).
		UpdateColumn("storage_quota_bytes", quotaBytes).Error
}

