// Package detector decides, for each freshly scraped record, whether it is
// new, unchanged, or updated relative to the record store, and writes the
// store accordingly.
package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/casewatch/casewatch/internal/domain"
	"github.com/casewatch/casewatch/internal/observability"
	"github.com/casewatch/casewatch/internal/repository"
	"github.com/casewatch/casewatch/internal/scraper"
	"go.uber.org/zap"
)

// Result classifies the outcome for one incoming record.
type Result string

const (
	ResultNew       Result = "new"
	ResultUnchanged Result = "unchanged"
	ResultUpdated   Result = "updated"
	ResultFailed    Result = "failed"
)

// Summary counts outcomes across one batch. Partial failure is expected;
// the batch always runs to completion.
type Summary struct {
	New       int
	Updated   int
	Unchanged int
	Failed    int
}

type Detector struct {
	records repository.RecordRepository
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func New(records repository.RecordRepository, logger *zap.Logger) (*Detector, error) {
	if records == nil {
		return nil, fmt.Errorf("record repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Detector{
		records: records,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (d *Detector) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Process upserts a scraped batch into the record store. A content change
// resets the delivery ledger, re-opening delivery obligations for every
// recipient. Store failures are counted per record and never abort the
// batch.
func (d *Detector) Process(ctx context.Context, batch []scraper.ScrapedRecord) Summary {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := observability.WithContextLogger(d.logger, ctx)

	var summary Summary
	for i := range batch {
		result, err := d.processOne(ctx, batch[i])
		if err != nil {
			summary.Failed++
			d.metrics.IncRecordDetected(string(ResultFailed))
			logger.Warn("record upsert failed",
				zap.String("caseId", batch[i].CaseID),
				zap.String("notificationId", batch[i].NotificationID),
				zap.Error(err),
			)
			continue
		}

		d.metrics.IncRecordDetected(string(result))
		switch result {
		case ResultNew:
			summary.New++
		case ResultUpdated:
			summary.Updated++
		case ResultUnchanged:
			summary.Unchanged++
		}
	}

	return summary
}

func (d *Detector) processOne(ctx context.Context, raw scraper.ScrapedRecord) (Result, error) {
	status, err := domain.ParseStatusFromString(raw.Status)
	if err != nil {
		return ResultFailed, err
	}

	key := domain.RecordKey{CaseID: raw.CaseID, NotificationID: raw.NotificationID}
	if err := key.Validate(); err != nil {
		return ResultFailed, err
	}

	hash := domain.ContentFingerprint(status, raw.Summary, raw.Office, raw.Date)
	now := d.now().UTC()

	existing, err := d.records.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		rec := &domain.NotificationRecord{
			CaseID:         key.CaseID,
			NotificationID: key.NotificationID,
			Status:         status,
			Summary:        raw.Summary,
			Office:         raw.Office,
			Date:           raw.Date,
			ContentHash:    hash,
			Version:        0,
			Deliveries:     []domain.DeliveryAttempt{},
			ExtractedAt:    now,
			CreatedAt:      now,
			LastUpdatedAt:  now,
		}
		if err := d.records.Insert(ctx, rec); err != nil {
			return ResultFailed, err
		}
		return ResultNew, nil
	}
	if err != nil {
		return ResultFailed, err
	}

	// Compare tracked fields individually as well as by fingerprint: an
	// ambiguous comparison counts as changed, so a notification is
	// redelivered rather than silently skipped.
	if existing.ContentHash == hash &&
		existing.Status == status &&
		existing.Summary == raw.Summary &&
		existing.Office == raw.Office &&
		existing.Date == raw.Date {
		return ResultUnchanged, nil
	}

	updated := &domain.NotificationRecord{
		CaseID:         key.CaseID,
		NotificationID: key.NotificationID,
		Status:         status,
		Summary:        raw.Summary,
		Office:         raw.Office,
		Date:           raw.Date,
		ContentHash:    hash,
		Deliveries:     []domain.DeliveryAttempt{},
		ExtractedAt:    now,
		CreatedAt:      existing.CreatedAt,
		LastUpdatedAt:  now,
	}
	if err := d.records.UpdateContentConditional(ctx, updated, existing.Version); err != nil {
		return ResultFailed, err
	}
	return ResultUpdated, nil
}
