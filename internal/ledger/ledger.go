// Package ledger tracks which recipients have received which notification.
// It owns the only write-write race in the system: the conditional
// deliveries update. The unsent query is recomputed from the store on every
// call, never cached, so it self-heals after a crash mid-send.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/casewatch/casewatch/internal/domain"
	"github.com/casewatch/casewatch/internal/observability"
	"github.com/casewatch/casewatch/internal/repository"
	"go.uber.org/zap"
)

type Ledger struct {
	records repository.RecordRepository
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func New(records repository.RecordRepository, logger *zap.Logger) (*Ledger, error) {
	if records == nil {
		return nil, fmt.Errorf("record repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Ledger{
		records: records,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (l *Ledger) SetMetrics(metrics *observability.Metrics) {
	if l == nil {
		return
	}
	l.metrics = metrics
}

// MarkDelivered upserts a delivered attempt for the recipient and writes
// the ledger back conditioned on the version read. A lost race returns
// domain.ErrConflict; the caller may retry or leave the attempt for the
// next cycle, which will re-select the record as unsent.
func (l *Ledger) MarkDelivered(ctx context.Context, key domain.RecordKey, recipientID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	state, err := l.records.GetDeliveryState(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read delivery state for %s: %w", key, err)
	}

	deliveredAt := l.now().UTC()
	updated := domain.UpsertAttempt(state.Deliveries, domain.DeliveryAttempt{
		RecipientID: recipientID,
		Delivered:   true,
		DeliveredAt: &deliveredAt,
		Processed:   true,
	})

	err = l.records.UpdateDeliveriesConditional(ctx, key, updated, state.Version)
	if errors.Is(err, domain.ErrConflict) {
		l.metrics.IncLedgerConflict()
		observability.WithContextLogger(l.logger, ctx).Warn("delivery mark lost version race",
			zap.String("record", key.String()),
			zap.String("recipientId", recipientID),
			zap.Int("expectedVersion", state.Version),
		)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to write delivery state for %s: %w", key, err)
	}

	return nil
}

// UnsentFor returns the records created on day that have no delivered
// attempt for the recipient. This is the authoritative "what must still be
// sent" set.
func (l *Ledger) UnsentFor(ctx context.Context, recipientID string, day time.Time) ([]domain.NotificationRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	all, err := l.records.ScanCreatedOn(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to scan records for %s: %w", day.Format("2006-01-02"), err)
	}

	unsent := make([]domain.NotificationRecord, 0, len(all))
	for i := range all {
		if !all[i].DeliveredTo(recipientID) {
			unsent = append(unsent, all[i])
		}
	}

	return unsent, nil
}
