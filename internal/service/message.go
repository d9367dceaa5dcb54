package service

import (
	"fmt"
	"strings"

	"github.com/casewatch/casewatch/internal/domain"
)

const defaultMaxItemsPerMessage = 10

// CourtesyText is the message sent when a cycle finds nothing new for a
// recipient and courtesy messages are enabled.
const CourtesyText = "No new court notifications today."

// FormatDigest renders one recipient's unsent records as a single message.
// At most maxItems records are itemized; the remainder is summarized as a
// count so the message stays readable on the primary channel.
func FormatDigest(records []domain.NotificationRecord, maxItems int) string {
	if maxItems <= 0 {
		maxItems = defaultMaxItemsPerMessage
	}
	if len(records) == 0 {
		return CourtesyText
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You have %d new or updated court notification(s):\n", len(records))

	shown := len(records)
	if shown > maxItems {
		shown = maxItems
	}

	for i := 0; i < shown; i++ {
		record := records[i]
		fmt.Fprintf(&b, "%d. Case %s, notification %s (%s)", i+1, record.CaseID, record.NotificationID, record.Status)
		if record.Office != "" {
			fmt.Fprintf(&b, " - %s", record.Office)
		}
		if record.Date != "" {
			fmt.Fprintf(&b, ", %s", record.Date)
		}
		if summary := strings.TrimSpace(record.Summary); summary != "" {
			fmt.Fprintf(&b, ": %s", summary)
		}
		b.WriteString("\n")
	}

	if rest := len(records) - shown; rest > 0 {
		fmt.Fprintf(&b, "...and %d more notification(s) not shown.\n", rest)
	}

	return strings.TrimRight(b.String(), "\n")
}

// DigestSubject is the fallback channel subject line for a digest.
func DigestSubject(recipientID string, count int) string {
	return fmt.Sprintf("Court notifications for %s (%d unsent)", recipientID, count)
}
