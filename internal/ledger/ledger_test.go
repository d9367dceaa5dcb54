package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/casewatch/casewatch/internal/domain"
	"github.com/casewatch/casewatch/internal/repository"
	"go.uber.org/zap"
)

// versionedRepo is a stateful in-memory repo enforcing the same
// conditional-write protocol as the Postgres implementation.
type versionedRepo struct {
	mu      sync.Mutex
	records map[string]*domain.NotificationRecord
}

func newVersionedRepo(recs ...*domain.NotificationRecord) *versionedRepo {
	r := &versionedRepo{records: map[string]*domain.NotificationRecord{}}
	for _, rec := range recs {
		r.records[rec.Key().String()] = rec
	}
	return r
}

func (r *versionedRepo) Get(ctx context.Context, key domain.RecordKey) (*domain.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key.String()]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (r *versionedRepo) Insert(ctx context.Context, rec *domain.NotificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.Key().String()]; ok {
		return domain.ErrConflict
	}
	clone := *rec
	r.records[rec.Key().String()] = &clone
	return nil
}

func (r *versionedRepo) UpdateContentConditional(ctx context.Context, rec *domain.NotificationRecord, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.records[rec.Key().String()]
	if !ok || stored.Version != expectedVersion {
		return domain.ErrConflict
	}
	clone := *rec
	clone.Version = expectedVersion + 1
	r.records[rec.Key().String()] = &clone
	return nil
}

func (r *versionedRepo) GetDeliveryState(ctx context.Context, key domain.RecordKey) (*repository.DeliveryState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key.String()]
	if !ok {
		return nil, domain.ErrNotFound
	}
	deliveries := make([]domain.DeliveryAttempt, len(rec.Deliveries))
	copy(deliveries, rec.Deliveries)
	return &repository.DeliveryState{Deliveries: deliveries, Version: rec.Version}, nil
}

func (r *versionedRepo) UpdateDeliveriesConditional(ctx context.Context, key domain.RecordKey, deliveries []domain.DeliveryAttempt, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key.String()]
	if !ok || rec.Version != expectedVersion {
		return domain.ErrConflict
	}
	rec.Deliveries = deliveries
	rec.Version++
	return nil
}

func (r *versionedRepo) ScanCreatedOn(ctx context.Context, day time.Time) ([]domain.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	var out []domain.NotificationRecord
	for _, rec := range r.records {
		if !rec.CreatedAt.Before(dayStart) && rec.CreatedAt.Before(dayEnd) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *versionedRepo) Counts(ctx context.Context) (repository.RecordCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return repository.RecordCounts{Total: int64(len(r.records))}, nil
}

func recordFixture(day time.Time) *domain.NotificationRecord {
	return &domain.NotificationRecord{
		CaseID:         "00187-2025",
		NotificationID: "43443-2025",
		Status:         domain.StatusOpen,
		Summary:        "Resolución N° 3",
		Office:         "2° JUZGADO DE PAZ LETRADO",
		Date:           "2025-06-12",
		Version:        0,
		Deliveries:     []domain.DeliveryAttempt{},
		CreatedAt:      day,
		LastUpdatedAt:  day,
	}
}

func TestMarkDeliveredRecordsAttempt(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)
	repo := newVersionedRepo(recordFixture(day))

	l, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l.now = func() time.Time { return day.Add(time.Hour) }

	key := domain.RecordKey{CaseID: "00187-2025", NotificationID: "43443-2025"}
	if err := l.MarkDelivered(context.Background(), key, "51900000001"); err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}

	rec, err := repo.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.DeliveredTo("51900000001") {
		t.Fatal("attempt not recorded")
	}
	if rec.Version != 1 {
		t.Fatalf("version = %d, want 1", rec.Version)
	}
	if len(rec.Deliveries) != 1 {
		t.Fatalf("deliveries len = %d, want 1", len(rec.Deliveries))
	}
	if got := rec.Deliveries[0]; !got.Processed || got.DeliveredAt == nil {
		t.Fatalf("attempt = %+v, want processed with timestamp", got)
	}
}

func TestMarkDeliveredIsUpsertNotAppend(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)
	repo := newVersionedRepo(recordFixture(day))

	l, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := domain.RecordKey{CaseID: "00187-2025", NotificationID: "43443-2025"}
	if err := l.MarkDelivered(context.Background(), key, "51900000001"); err != nil {
		t.Fatalf("first MarkDelivered() error = %v", err)
	}
	if err := l.MarkDelivered(context.Background(), key, "51900000001"); err != nil {
		t.Fatalf("second MarkDelivered() error = %v", err)
	}

	rec, _ := repo.Get(context.Background(), key)
	if len(rec.Deliveries) != 1 {
		t.Fatalf("deliveries len = %d, want 1 (upsert by recipient)", len(rec.Deliveries))
	}
}

func TestMarkDeliveredConcurrentRecipients(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)
	repo := newVersionedRepo(recordFixture(day))

	l, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := domain.RecordKey{CaseID: "00187-2025", NotificationID: "43443-2025"}
	recipients := []string{"51900000001", "51900000002"}

	// Both writers race on the same record. One may lose the version race
	// and retry; both must eventually land.
	var wg sync.WaitGroup
	for _, recipient := range recipients {
		recipient := recipient
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := l.MarkDelivered(context.Background(), key, recipient)
				if err == nil {
					return
				}
				if !errors.Is(err, domain.ErrConflict) {
					t.Errorf("MarkDelivered(%s) error = %v", recipient, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	rec, _ := repo.Get(context.Background(), key)
	if len(rec.Deliveries) != 2 {
		t.Fatalf("deliveries len = %d, want 2", len(rec.Deliveries))
	}
	for _, recipient := range recipients {
		if !rec.DeliveredTo(recipient) {
			t.Fatalf("recipient %s not marked delivered", recipient)
		}
	}
	if rec.Version != 2 {
		t.Fatalf("version = %d, want exactly 2 successful writes", rec.Version)
	}
}

func TestMarkDeliveredConflictSurfaced(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)
	rec := recordFixture(day)
	repo := newVersionedRepo(rec)

	_, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := domain.RecordKey{CaseID: "00187-2025", NotificationID: "43443-2025"}

	// Another writer bumps the version between our read and write.
	state, _ := repo.GetDeliveryState(context.Background(), key)
	if err := repo.UpdateDeliveriesConditional(context.Background(), key, state.Deliveries, state.Version); err != nil {
		t.Fatalf("setup write error = %v", err)
	}

	// The ledger now reads version 1 and writes fine; force a conflict by
	// wrapping the repo read with a stale version instead.
	stale := &staleStateRepo{inner: repo, staleVersion: 0}
	l2, err := New(stale, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := l2.MarkDelivered(context.Background(), key, "51900000001"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("MarkDelivered() error = %v, want ErrConflict", err)
	}
}

// staleStateRepo reports an outdated version from GetDeliveryState to force
// the conditional write to lose.
type staleStateRepo struct {
	repository.RecordRepository
	inner        *versionedRepo
	staleVersion int
}

func (s *staleStateRepo) GetDeliveryState(ctx context.Context, key domain.RecordKey) (*repository.DeliveryState, error) {
	state, err := s.inner.GetDeliveryState(ctx, key)
	if err != nil {
		return nil, err
	}
	state.Version = s.staleVersion
	return state, nil
}

func (s *staleStateRepo) UpdateDeliveriesConditional(ctx context.Context, key domain.RecordKey, deliveries []domain.DeliveryAttempt, expectedVersion int) error {
	return s.inner.UpdateDeliveriesConditional(ctx, key, deliveries, expectedVersion)
}

func TestUnsentForFiltersDeliveredRecipients(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)

	first := recordFixture(day)
	second := recordFixture(day)
	second.NotificationID = "43444-2025"
	second.Deliveries = []domain.DeliveryAttempt{{RecipientID: "51900000001", Delivered: true}}

	repo := newVersionedRepo(first, second)
	l, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	unsent, err := l.UnsentFor(context.Background(), "51900000001", day)
	if err != nil {
		t.Fatalf("UnsentFor() error = %v", err)
	}
	if len(unsent) != 1 {
		t.Fatalf("unsent len = %d, want 1", len(unsent))
	}
	if unsent[0].NotificationID != "43443-2025" {
		t.Fatalf("unsent = %s, want 43443-2025", unsent[0].NotificationID)
	}

	unsent, err = l.UnsentFor(context.Background(), "51900000002", day)
	if err != nil {
		t.Fatalf("UnsentFor() error = %v", err)
	}
	if len(unsent) != 2 {
		t.Fatalf("unsent len = %d, want 2 for undelivered recipient", len(unsent))
	}
}

func TestUnsentForSelfHealsAfterCrash(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)
	repo := newVersionedRepo(recordFixture(day))

	l, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Simulated crash mid-cycle: the message may have been formatted, but
	// no mark was persisted. A fresh query must return the same set.
	before, err := l.UnsentFor(context.Background(), "51900000001", day)
	if err != nil {
		t.Fatalf("UnsentFor() error = %v", err)
	}

	again, err := l.UnsentFor(context.Background(), "51900000001", day)
	if err != nil {
		t.Fatalf("UnsentFor() error = %v", err)
	}

	if len(before) != 1 || len(again) != 1 {
		t.Fatalf("unsent lens = %d, %d, want 1 and 1", len(before), len(again))
	}
	if before[0].Key() != again[0].Key() {
		t.Fatal("unsent set changed without any persisted mark")
	}
}

func TestUndeliveredAttemptStillCountsAsUnsent(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)
	rec := recordFixture(day)
	rec.Deliveries = []domain.DeliveryAttempt{{RecipientID: "51900000001", Delivered: false, Processed: true}}
	repo := newVersionedRepo(rec)

	l, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	unsent, err := l.UnsentFor(context.Background(), "51900000001", day)
	if err != nil {
		t.Fatalf("UnsentFor() error = %v", err)
	}
	if len(unsent) != 1 {
		t.Fatalf("unsent len = %d, want 1 (delivered=false is not delivered)", len(unsent))
	}
}
