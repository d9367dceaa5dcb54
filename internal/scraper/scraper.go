// Package scraper defines the boundary to the portal scraping collaborator.
// Browser automation, DOM traversal, and CAPTCHA handling live behind this
// interface; this module only consumes the records it yields.
package scraper

import "context"

// ScrapedRecord is one raw notification row as read from the portal. No
// identity guarantees beyond the natural key being present.
type ScrapedRecord struct {
	CaseID         string
	NotificationID string
	Status         string
	Summary        string
	Office         string
	Date           string
}

// Scraper yields the current portal notification list once per run.
type Scraper interface {
	Scrape(ctx context.Context) ([]ScrapedRecord, error)
}
