package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/casewatch/casewatch/internal/domain"
)

// RecordModel is the persistence model for the notification_records table.
// The delivery ledger lives in a jsonb column so the upsert-by-recipient
// list can be replaced in a single conditional write.
type RecordModel struct {
	CaseID         string        `gorm:"type:varchar(64);primaryKey"`
	NotificationID string        `gorm:"type:varchar(64);primaryKey"`
	Status         domain.Status `gorm:"type:varchar(10);not null"`
	Summary        string        `gorm:"type:text;not null"`
	Office         string        `gorm:"type:text"`
	Date           string        `gorm:"type:varchar(32)"`
	ContentHash    string        `gorm:"type:char(64);not null"`
	Version        int           `gorm:"not null;default:0"`
	Deliveries     string        `gorm:"type:jsonb;not null;default:'[]'"`
	ExtractedAt    time.Time     `gorm:"type:timestamptz"`
	CreatedAt      time.Time
	LastUpdatedAt  time.Time
}

func (RecordModel) TableName() string {
	return "notification_records"
}

func marshalDeliveries(deliveries []domain.DeliveryAttempt) (string, error) {
	if deliveries == nil {
		deliveries = []domain.DeliveryAttempt{}
	}
	raw, err := json.Marshal(deliveries)
	if err != nil {
		return "", fmt.Errorf("failed to marshal deliveries: %w", err)
	}
	return string(raw), nil
}

func unmarshalDeliveries(raw string) ([]domain.DeliveryAttempt, error) {
	if raw == "" {
		return []domain.DeliveryAttempt{}, nil
	}
	var deliveries []domain.DeliveryAttempt
	if err := json.Unmarshal([]byte(raw), &deliveries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deliveries: %w", err)
	}
	if deliveries == nil {
		deliveries = []domain.DeliveryAttempt{}
	}
	return deliveries, nil
}

func recordModelFromDomain(rec *domain.NotificationRecord) (*RecordModel, error) {
	if rec == nil {
		return nil, nil
	}

	deliveries, err := marshalDeliveries(rec.Deliveries)
	if err != nil {
		return nil, err
	}

	return &RecordModel{
		CaseID:         rec.CaseID,
		NotificationID: rec.NotificationID,
		Status:         rec.Status,
		Summary:        rec.Summary,
		Office:         rec.Office,
		Date:           rec.Date,
		ContentHash:    rec.ContentHash,
		Version:        rec.Version,
		Deliveries:     deliveries,
		ExtractedAt:    rec.ExtractedAt,
		CreatedAt:      rec.CreatedAt,
		LastUpdatedAt:  rec.LastUpdatedAt,
	}, nil
}

func recordModelToDomain(m *RecordModel) (*domain.NotificationRecord, error) {
	if m == nil {
		return nil, nil
	}

	deliveries, err := unmarshalDeliveries(m.Deliveries)
	if err != nil {
		return nil, err
	}

	return &domain.NotificationRecord{
		CaseID:         m.CaseID,
		NotificationID: m.NotificationID,
		Status:         m.Status,
		Summary:        m.Summary,
		Office:         m.Office,
		Date:           m.Date,
		ContentHash:    m.ContentHash,
		Version:        m.Version,
		Deliveries:     deliveries,
		ExtractedAt:    m.ExtractedAt,
		CreatedAt:      m.CreatedAt,
		LastUpdatedAt:  m.LastUpdatedAt,
	}, nil
}
