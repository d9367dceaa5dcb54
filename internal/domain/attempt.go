package domain

import "time"

// DeliveryAttempt records the delivery outcome for a single recipient
// within a record's ledger. At most one attempt exists per recipient;
// UpsertAttempt replaces in place rather than appending.
type DeliveryAttempt struct {
	RecipientID string     `json:"recipientId"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	Processed   bool       `json:"processed"`
}

// UpsertAttempt returns the ledger with the attempt for its recipient
// replaced, or appended when absent. Insertion order of other entries is
// preserved.
func UpsertAttempt(deliveries []DeliveryAttempt, attempt DeliveryAttempt) []DeliveryAttempt {
	for i := range deliveries {
		if deliveries[i].RecipientID == attempt.RecipientID {
			out := make([]DeliveryAttempt, len(deliveries))
			copy(out, deliveries)
			out[i] = attempt
			return out
		}
	}
	out := make([]DeliveryAttempt, 0, len(deliveries)+1)
	out = append(out, deliveries...)
	return append(out, attempt)
}
