package repository

import (
	"testing"

	"github.com/casewatch/casewatch/internal/domain"
)

func TestUnmarshalDeliveriesNeverNil(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "[]", "null"} {
		deliveries, err := unmarshalDeliveries(raw)
		if err != nil {
			t.Fatalf("unmarshalDeliveries(%q) error = %v", raw, err)
		}
		if deliveries == nil {
			t.Errorf("unmarshalDeliveries(%q) = nil, want empty slice", raw)
		}
	}

	if _, err := unmarshalDeliveries("{not json"); err == nil {
		t.Error("expected error for malformed ledger column")
	}
}

func TestMarshalDeliveriesNilIsEmptyArray(t *testing.T) {
	t.Parallel()

	raw, err := marshalDeliveries(nil)
	if err != nil {
		t.Fatalf("marshalDeliveries(nil) error = %v", err)
	}
	if raw != "[]" {
		t.Errorf("marshalDeliveries(nil) = %q, want []", raw)
	}
}

func TestRecordModelRoundTripKeepsLedger(t *testing.T) {
	t.Parallel()

	rec := &domain.NotificationRecord{
		CaseID:         "00187-2025",
		NotificationID: "43443-2025",
		Status:         domain.StatusOpen,
		Summary:        "hearing scheduled",
		Version:        2,
		Deliveries: []domain.DeliveryAttempt{
			{RecipientID: "51900000001", Delivered: true, Processed: true},
		},
	}

	model, err := recordModelFromDomain(rec)
	if err != nil {
		t.Fatalf("recordModelFromDomain() error = %v", err)
	}

	got, err := recordModelToDomain(model)
	if err != nil {
		t.Fatalf("recordModelToDomain() error = %v", err)
	}

	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if len(got.Deliveries) != 1 || got.Deliveries[0].RecipientID != "51900000001" {
		t.Errorf("Deliveries = %+v", got.Deliveries)
	}
	if !got.DeliveredTo("51900000001") {
		t.Error("DeliveredTo() = false after round trip")
	}
}
