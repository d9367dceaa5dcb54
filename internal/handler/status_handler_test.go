package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/casewatch/casewatch/internal/channel"
	"github.com/casewatch/casewatch/internal/repository"
	"github.com/casewatch/casewatch/internal/service"
	"github.com/gofiber/fiber/v2"
)

type fakeSessionStatus struct {
	state     channel.State
	connected bool
}

func (f *fakeSessionStatus) State() channel.State { return f.state }
func (f *fakeSessionStatus) Connected() bool      { return f.connected }

type fakeRecordCounter struct {
	countsFunc func(ctx context.Context) (repository.RecordCounts, error)
}

func (f *fakeRecordCounter) Counts(ctx context.Context) (repository.RecordCounts, error) {
	if f.countsFunc != nil {
		return f.countsFunc(ctx)
	}
	return repository.RecordCounts{}, nil
}

type fakeCycleSource struct {
	last *service.CycleStatus
}

func (f *fakeCycleSource) LastCycle() (service.CycleStatus, bool) {
	if f.last == nil {
		return service.CycleStatus{}, false
	}
	return *f.last, true
}

func newStatusApp(t *testing.T, h *StatusHandler) *fiber.App {
	t.Helper()
	app := fiber.New()
	RegisterStatusRoutes(app, h)
	return app
}

func getStatusBody(t *testing.T, app *fiber.App) map[string]any {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", "/status", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	return body
}

func TestGetStatusReportsSubsystems(t *testing.T) {
	t.Parallel()

	h, err := NewStatusHandler(
		&fakeSessionStatus{state: channel.StateReady, connected: true},
		true,
		&fakeRecordCounter{
			countsFunc: func(ctx context.Context) (repository.RecordCounts, error) {
				return repository.RecordCounts{Total: 12, Open: 4, Today: 2}, nil
			},
		},
		&fakeCycleSource{last: &service.CycleStatus{CycleID: "cycle-1", Duration: time.Second}},
	)
	if err != nil {
		t.Fatalf("NewStatusHandler() error = %v", err)
	}

	body := getStatusBody(t, newStatusApp(t, h))

	channelStatus, ok := body["channel"].(map[string]any)
	if !ok {
		t.Fatalf("channel section missing: %v", body)
	}
	if channelStatus["enabled"] != true || channelStatus["initialized"] != true || channelStatus["connected"] != true {
		t.Errorf("channel status = %v", channelStatus)
	}
	if channelStatus["state"] != "ready" {
		t.Errorf("channel state = %v, want ready", channelStatus["state"])
	}

	records, ok := body["records"].(map[string]any)
	if !ok {
		t.Fatalf("records section missing: %v", body)
	}
	if records["total"] != float64(12) || records["open"] != float64(4) || records["today"] != float64(2) {
		t.Errorf("records = %v", records)
	}

	lastCycle, ok := body["lastCycle"].(map[string]any)
	if !ok {
		t.Fatalf("lastCycle section missing: %v", body)
	}
	if lastCycle["cycleId"] != "cycle-1" {
		t.Errorf("lastCycle = %v", lastCycle)
	}
}

func TestGetStatusChannelDisabled(t *testing.T) {
	t.Parallel()

	h, err := NewStatusHandler(nil, false, &fakeRecordCounter{}, &fakeCycleSource{})
	if err != nil {
		t.Fatalf("NewStatusHandler() error = %v", err)
	}

	body := getStatusBody(t, newStatusApp(t, h))

	channelStatus := body["channel"].(map[string]any)
	if channelStatus["enabled"] != false {
		t.Errorf("channel enabled = %v, want false", channelStatus["enabled"])
	}
	fallback := body["fallback"].(map[string]any)
	if fallback["enabled"] != false {
		t.Errorf("fallback enabled = %v, want false", fallback["enabled"])
	}
	if _, ok := body["lastCycle"]; ok {
		t.Error("lastCycle present before any cycle ran")
	}
}

func TestGetStatusCountsFailureDegrades(t *testing.T) {
	t.Parallel()

	h, err := NewStatusHandler(nil, false, &fakeRecordCounter{
		countsFunc: func(ctx context.Context) (repository.RecordCounts, error) {
			return repository.RecordCounts{}, errors.New("store unavailable")
		},
	}, &fakeCycleSource{})
	if err != nil {
		t.Fatalf("NewStatusHandler() error = %v", err)
	}

	body := getStatusBody(t, newStatusApp(t, h))

	records := body["records"].(map[string]any)
	if records["error"] == "" || records["error"] == nil {
		t.Errorf("records = %v, want error surfaced", records)
	}
}

func TestNewStatusHandlerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewStatusHandler(nil, false, nil, &fakeCycleSource{}); err == nil {
		t.Error("expected error for nil record counter")
	}
	if _, err := NewStatusHandler(nil, false, &fakeRecordCounter{}, nil); err == nil {
		t.Error("expected error for nil cycle source")
	}
}
