package repository

import (
	"context"
	"errors"
	"time"

	"github.com/casewatch/casewatch/internal/domain"
	"gorm.io/gorm"
)

// RecordCounts feeds the operational status surface.
type RecordCounts struct {
	Total int64
	Open  int64
	Today int64
}

// DeliveryState is the minimal projection read by the delivery ledger
// before a conditional write.
type DeliveryState struct {
	Deliveries []domain.DeliveryAttempt
	Version    int
}

// RecordRepository is the record store port: get by natural key,
// conditional (version-checked) writes, and filtered scans.
type RecordRepository interface {
	Get(ctx context.Context, key domain.RecordKey) (*domain.NotificationRecord, error)
	Insert(ctx context.Context, rec *domain.NotificationRecord) error
	UpdateContentConditional(ctx context.Context, rec *domain.NotificationRecord, expectedVersion int) error
	GetDeliveryState(ctx context.Context, key domain.RecordKey) (*DeliveryState, error)
	UpdateDeliveriesConditional(ctx context.Context, key domain.RecordKey, deliveries []domain.DeliveryAttempt, expectedVersion int) error
	ScanCreatedOn(ctx context.Context, day time.Time) ([]domain.NotificationRecord, error)
	Counts(ctx context.Context) (RecordCounts, error)
}

type GormRecordRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormRecordRepo(db *gorm.DB) *GormRecordRepo {
	return &GormRecordRepo{db: db, now: time.Now}
}

func (r *GormRecordRepo) Get(ctx context.Context, key domain.RecordKey) (*domain.NotificationRecord, error) {
	var model RecordModel
	err := r.db.WithContext(ctx).
		First(&model, "case_id = ? AND notification_id = ?", key.CaseID, key.NotificationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recordModelToDomain(&model)
}

// Insert creates a record on first sighting. The primary key rejects a
// duplicate insert from a concurrent writer; that surfaces as ErrConflict
// so the caller can re-read.
func (r *GormRecordRepo) Insert(ctx context.Context, rec *domain.NotificationRecord) error {
	model, err := recordModelFromDomain(rec)
	if err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

// UpdateContentConditional rewrites the tracked content fields, resets the
// delivery ledger, and bumps version — only when the stored version still
// matches expectedVersion.
func (r *GormRecordRepo) UpdateContentConditional(ctx context.Context, rec *domain.NotificationRecord, expectedVersion int) error {
	deliveries, err := marshalDeliveries(rec.Deliveries)
	if err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Model(&RecordModel{}).
		Where("case_id = ? AND notification_id = ? AND version = ?",
			rec.CaseID, rec.NotificationID, expectedVersion).
		Updates(map[string]any{
			"status":          rec.Status,
			"summary":         rec.Summary,
			"office":          rec.Office,
			"date":            rec.Date,
			"content_hash":    rec.ContentHash,
			"deliveries":      deliveries,
			"extracted_at":    rec.ExtractedAt,
			"last_updated_at": rec.LastUpdatedAt,
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormRecordRepo) GetDeliveryState(ctx context.Context, key domain.RecordKey) (*DeliveryState, error) {
	var model RecordModel
	err := r.db.WithContext(ctx).
		Select("deliveries", "version").
		First(&model, "case_id = ? AND notification_id = ?", key.CaseID, key.NotificationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	deliveries, err := unmarshalDeliveries(model.Deliveries)
	if err != nil {
		return nil, err
	}

	return &DeliveryState{Deliveries: deliveries, Version: model.Version}, nil
}

func (r *GormRecordRepo) UpdateDeliveriesConditional(ctx context.Context, key domain.RecordKey, deliveries []domain.DeliveryAttempt, expectedVersion int) error {
	raw, err := marshalDeliveries(deliveries)
	if err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Model(&RecordModel{}).
		Where("case_id = ? AND notification_id = ? AND version = ?",
			key.CaseID, key.NotificationID, expectedVersion).
		Updates(map[string]any{
			"deliveries":      raw,
			"last_updated_at": r.now().UTC(),
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormRecordRepo) ScanCreatedOn(ctx context.Context, day time.Time) ([]domain.NotificationRecord, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	var models []RecordModel
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", dayStart, dayEnd).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.NotificationRecord, 0, len(models))
	for i := range models {
		rec, err := recordModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	return records, nil
}

func (r *GormRecordRepo) Counts(ctx context.Context) (RecordCounts, error) {
	var counts RecordCounts

	if err := r.db.WithContext(ctx).Model(&RecordModel{}).Count(&counts.Total).Error; err != nil {
		return RecordCounts{}, err
	}
	if err := r.db.WithContext(ctx).Model(&RecordModel{}).
		Where("status = ?", domain.StatusOpen).
		Count(&counts.Open).Error; err != nil {
		return RecordCounts{}, err
	}

	now := r.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if err := r.db.WithContext(ctx).Model(&RecordModel{}).
		Where("created_at >= ?", dayStart).
		Count(&counts.Today).Error; err != nil {
		return RecordCounts{}, err
	}

	return counts, nil
}
