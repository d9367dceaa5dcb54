package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultPortalTimeout = 30 * time.Second

type portalRecord struct {
	CaseID         string `json:"caseId"`
	NotificationID string `json:"notificationId"`
	Status         string `json:"status"`
	Summary        string `json:"summary"`
	Office         string `json:"office"`
	Date           string `json:"date"`
}

type portalResponse struct {
	Records []portalRecord `json:"records"`
}

// PortalClient reads the notification list from the scraping gateway, a
// sidecar that drives the portal's browser session and exports the current
// table as JSON.
type PortalClient struct {
	client   *resty.Client
	endpoint string
}

func NewPortalClient(endpoint string) (*PortalClient, error) {
	client := resty.New()
	client.SetTimeout(defaultPortalTimeout)
	client.SetRetryCount(0)

	return NewPortalClientWithClient(endpoint, client)
}

func NewPortalClientWithClient(endpoint string, client *resty.Client) (*PortalClient, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("portal endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid portal endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultPortalTimeout)
	}

	return &PortalClient{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (p *PortalClient) Scrape(ctx context.Context) ([]ScrapedRecord, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("portal client is not initialized")
	}

	var payload portalResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetResult(&payload).
		Get(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("portal request failed: %w", err)
	}
	if response.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("portal returned status %d", response.StatusCode())
	}

	records := make([]ScrapedRecord, 0, len(payload.Records))
	for _, raw := range payload.Records {
		records = append(records, ScrapedRecord{
			CaseID:         strings.TrimSpace(raw.CaseID),
			NotificationID: strings.TrimSpace(raw.NotificationID),
			Status:         strings.TrimSpace(raw.Status),
			Summary:        raw.Summary,
			Office:         raw.Office,
			Date:           raw.Date,
		})
	}
	return records, nil
}
