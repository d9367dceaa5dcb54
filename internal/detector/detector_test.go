package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/casewatch/casewatch/internal/domain"
	"github.com/casewatch/casewatch/internal/repository"
	"github.com/casewatch/casewatch/internal/scraper"
	"go.uber.org/zap"
)

type fakeRecordRepo struct {
	getFn           func(ctx context.Context, key domain.RecordKey) (*domain.NotificationRecord, error)
	insertFn        func(ctx context.Context, rec *domain.NotificationRecord) error
	updateContentFn func(ctx context.Context, rec *domain.NotificationRecord, expectedVersion int) error
}

func (f *fakeRecordRepo) Get(ctx context.Context, key domain.RecordKey) (*domain.NotificationRecord, error) {
	return f.getFn(ctx, key)
}

func (f *fakeRecordRepo) Insert(ctx context.Context, rec *domain.NotificationRecord) error {
	return f.insertFn(ctx, rec)
}

func (f *fakeRecordRepo) UpdateContentConditional(ctx context.Context, rec *domain.NotificationRecord, expectedVersion int) error {
	return f.updateContentFn(ctx, rec, expectedVersion)
}

func (f *fakeRecordRepo) GetDeliveryState(ctx context.Context, key domain.RecordKey) (*repository.DeliveryState, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRecordRepo) UpdateDeliveriesConditional(ctx context.Context, key domain.RecordKey, deliveries []domain.DeliveryAttempt, expectedVersion int) error {
	return errors.New("not implemented")
}

func (f *fakeRecordRepo) ScanCreatedOn(ctx context.Context, day time.Time) ([]domain.NotificationRecord, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRecordRepo) Counts(ctx context.Context) (repository.RecordCounts, error) {
	return repository.RecordCounts{}, errors.New("not implemented")
}

func scrapedFixture() scraper.ScrapedRecord {
	return scraper.ScrapedRecord{
		CaseID:         "00187-2025",
		NotificationID: "43443-2025",
		Status:         "open",
		Summary:        "Resolución N° 3",
		Office:         "2° JUZGADO DE PAZ LETRADO",
		Date:           "2025-06-12",
	}
}

func TestDetectorInsertsNewRecord(t *testing.T) {
	t.Parallel()

	var inserted *domain.NotificationRecord
	repo := &fakeRecordRepo{
		getFn: func(ctx context.Context, key domain.RecordKey) (*domain.NotificationRecord, error) {
			return nil, domain.ErrNotFound
		},
		insertFn: func(ctx context.Context, rec *domain.NotificationRecord) error {
			inserted = rec
			return nil
		},
	}

	det, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	det.now = func() time.Time { return time.Unix(1_750_000_000, 0) }

	summary := det.Process(context.Background(), []scraper.ScrapedRecord{scrapedFixture()})
	if summary.New != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want New=1", summary)
	}

	if inserted == nil {
		t.Fatal("expected insert")
	}
	if inserted.Version != 0 {
		t.Fatalf("version = %d, want 0", inserted.Version)
	}
	if len(inserted.Deliveries) != 0 {
		t.Fatalf("deliveries = %v, want empty", inserted.Deliveries)
	}
	if inserted.ContentHash == "" {
		t.Fatal("content hash should be computed")
	}
	if inserted.Status != domain.StatusOpen {
		t.Fatalf("status = %s, want OPEN", inserted.Status)
	}
}

func TestDetectorUnchangedRecordWritesNothing(t *testing.T) {
	t.Parallel()

	raw := scrapedFixture()
	stored := &domain.NotificationRecord{
		CaseID:         raw.CaseID,
		NotificationID: raw.NotificationID,
		Status:         domain.StatusOpen,
		Summary:        raw.Summary,
		Office:         raw.Office,
		Date:           raw.Date,
		ContentHash:    domain.ContentFingerprint(domain.StatusOpen, raw.Summary, raw.Office, raw.Date),
		Version:        4,
		Deliveries:     []domain.DeliveryAttempt{{RecipientID: "51900000001", Delivered: true}},
	}

	repo := &fakeRecordRepo{
		getFn: func(ctx context.Context, key domain.RecordKey) (*domain.NotificationRecord, error) {
			return stored, nil
		},
		insertFn: func(ctx context.Context, rec *domain.NotificationRecord) error {
			t.Fatal("insert must not be called for an existing record")
			return nil
		},
		updateContentFn: func(ctx context.Context, rec *domain.NotificationRecord, expectedVersion int) error {
			t.Fatal("update must not be called when content is unchanged")
			return nil
		},
	}

	det, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	summary := det.Process(context.Background(), []scraper.ScrapedRecord{raw})
	if summary.Unchanged != 1 {
		t.Fatalf("summary = %+v, want Unchanged=1", summary)
	}
}

func TestDetectorUpdatedRecordResetsDeliveries(t *testing.T) {
	t.Parallel()

	raw := scrapedFixture()
	createdAt := time.Unix(1_740_000_000, 0).UTC()
	stored := &domain.NotificationRecord{
		CaseID:         raw.CaseID,
		NotificationID: raw.NotificationID,
		Status:         domain.StatusOpen,
		Summary:        "old summary",
		Office:         raw.Office,
		Date:           raw.Date,
		ContentHash:    domain.ContentFingerprint(domain.StatusOpen, "old summary", raw.Office, raw.Date),
		Version:        2,
		CreatedAt:      createdAt,
		Deliveries:     []domain.DeliveryAttempt{{RecipientID: "51900000001", Delivered: true}},
	}

	var gotUpdate *domain.NotificationRecord
	var gotExpectedVersion int
	repo := &fakeRecordRepo{
		getFn: func(ctx context.Context, key domain.RecordKey) (*domain.NotificationRecord, error) {
			return stored, nil
		},
		updateContentFn: func(ctx context.Context, rec *domain.NotificationRecord, expectedVersion int) error {
			gotUpdate = rec
			gotExpectedVersion = expectedVersion
			return nil
		},
	}

	det, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	summary := det.Process(context.Background(), []scraper.ScrapedRecord{raw})
	if summary.Updated != 1 {
		t.Fatalf("summary = %+v, want Updated=1", summary)
	}

	if gotUpdate == nil {
		t.Fatal("expected conditional content update")
	}
	if gotExpectedVersion != 2 {
		t.Fatalf("expected version = %d, want 2", gotExpectedVersion)
	}
	if len(gotUpdate.Deliveries) != 0 {
		t.Fatal("content change must reset the delivery ledger")
	}
	if !gotUpdate.CreatedAt.Equal(createdAt) {
		t.Fatalf("createdAt = %v, want preserved %v", gotUpdate.CreatedAt, createdAt)
	}
	if gotUpdate.Summary != raw.Summary {
		t.Fatalf("summary = %q, want %q", gotUpdate.Summary, raw.Summary)
	}
}

func TestDetectorStoreFailureCountsAndContinues(t *testing.T) {
	t.Parallel()

	calls := 0
	repo := &fakeRecordRepo{
		getFn: func(ctx context.Context, key domain.RecordKey) (*domain.NotificationRecord, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("store unavailable")
			}
			return nil, domain.ErrNotFound
		},
		insertFn: func(ctx context.Context, rec *domain.NotificationRecord) error {
			return nil
		},
	}

	det, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	first := scrapedFixture()
	second := scrapedFixture()
	second.NotificationID = "43444-2025"

	summary := det.Process(context.Background(), []scraper.ScrapedRecord{first, second})
	if summary.Failed != 1 || summary.New != 1 {
		t.Fatalf("summary = %+v, want Failed=1 New=1", summary)
	}
}

func TestDetectorInvalidStatusFails(t *testing.T) {
	t.Parallel()

	repo := &fakeRecordRepo{
		getFn: func(ctx context.Context, key domain.RecordKey) (*domain.NotificationRecord, error) {
			t.Fatal("store must not be hit for an invalid record")
			return nil, nil
		},
	}

	det, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	raw := scrapedFixture()
	raw.Status = "in-limbo"

	summary := det.Process(context.Background(), []scraper.ScrapedRecord{raw})
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v, want Failed=1", summary)
	}
}

func TestDetectorIdempotentSecondPass(t *testing.T) {
	t.Parallel()

	// A tiny stateful fake: first pass inserts, second pass must not write.
	stored := map[string]*domain.NotificationRecord{}
	writes := 0
	repo := &fakeRecordRepo{
		getFn: func(ctx context.Context, key domain.RecordKey) (*domain.NotificationRecord, error) {
			rec, ok := stored[key.String()]
			if !ok {
				return nil, domain.ErrNotFound
			}
			return rec, nil
		},
		insertFn: func(ctx context.Context, rec *domain.NotificationRecord) error {
			writes++
			stored[rec.Key().String()] = rec
			return nil
		},
		updateContentFn: func(ctx context.Context, rec *domain.NotificationRecord, expectedVersion int) error {
			writes++
			rec.Version = expectedVersion + 1
			stored[rec.Key().String()] = rec
			return nil
		},
	}

	det, err := New(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	batch := []scraper.ScrapedRecord{scrapedFixture()}

	first := det.Process(context.Background(), batch)
	if first.New != 1 {
		t.Fatalf("first pass summary = %+v, want New=1", first)
	}

	second := det.Process(context.Background(), batch)
	if second.Unchanged != 1 {
		t.Fatalf("second pass summary = %+v, want Unchanged=1", second)
	}
	if writes != 1 {
		t.Fatalf("writes = %d, want exactly 1 (second application must not write)", writes)
	}

	rec := stored[domain.RecordKey{CaseID: "00187-2025", NotificationID: "43443-2025"}.String()]
	if rec.Version != 0 {
		t.Fatalf("version = %d, want 0 after idempotent reapply", rec.Version)
	}
}
