package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Status represents the portal-reported state of a notification.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusClosed:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// RecordKey is the composite natural key of a notification record. It is
// immutable once the record is created.
type RecordKey struct {
	CaseID         string
	NotificationID string
}

func (k RecordKey) String() string {
	return k.CaseID + "/" + k.NotificationID
}

func (k RecordKey) Validate() error {
	if strings.TrimSpace(k.CaseID) == "" {
		return fmt.Errorf("%w: case id is required", ErrValidation)
	}
	if strings.TrimSpace(k.NotificationID) == "" {
		return fmt.Errorf("%w: notification id is required", ErrValidation)
	}
	return nil
}

// NotificationRecord is the core domain entity: one notification as last
// seen on the portal, plus its per-recipient delivery ledger.
//
// Version increments by exactly one on every write that changes Deliveries
// or the tracked content fields. Writers condition their update on the
// version they read; a mismatch is reported as ErrConflict.
type NotificationRecord struct {
	CaseID         string
	NotificationID string
	Status         Status
	Summary        string
	Office         string
	Date           string
	ContentHash    string
	Version        int
	Deliveries     []DeliveryAttempt
	ExtractedAt    time.Time
	CreatedAt      time.Time
	LastUpdatedAt  time.Time
}

func (r *NotificationRecord) Key() RecordKey {
	return RecordKey{CaseID: r.CaseID, NotificationID: r.NotificationID}
}

func (r *NotificationRecord) Validate() error {
	if err := r.Key().Validate(); err != nil {
		return err
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, r.Status)
	}
	return nil
}

// DeliveredTo reports whether the ledger holds a delivered attempt for the
// recipient.
func (r *NotificationRecord) DeliveredTo(recipientID string) bool {
	for i := range r.Deliveries {
		if r.Deliveries[i].RecipientID == recipientID && r.Deliveries[i].Delivered {
			return true
		}
	}
	return false
}

// ContentFingerprint hashes the mutable fields of a record. Two records
// with the same fingerprint are considered the same sighting; any
// difference re-opens delivery obligations for all recipients.
func ContentFingerprint(status Status, summary, office, date string) string {
	h := sha256.New()
	for _, part := range []string{string(status), summary, office, date} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
