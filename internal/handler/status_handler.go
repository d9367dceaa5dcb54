package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/casewatch/casewatch/internal/channel"
	"github.com/casewatch/casewatch/internal/repository"
	"github.com/casewatch/casewatch/internal/service"
	"github.com/gofiber/fiber/v2"
)

const statusQueryTimeout = 2 * time.Second

// SessionStatus is the read-only view of the primary channel session.
type SessionStatus interface {
	State() channel.State
	Connected() bool
}

// RecordCounter exposes store-level record counters.
type RecordCounter interface {
	Counts(ctx context.Context) (repository.RecordCounts, error)
}

// CycleSource exposes the outcome of the most recent delivery cycle.
type CycleSource interface {
	LastCycle() (service.CycleStatus, bool)
}

type StatusHandler struct {
	session  SessionStatus
	fallback bool
	records  RecordCounter
	cycles   CycleSource
}

// NewStatusHandler builds the status surface. session may be nil when the
// primary channel is disabled.
func NewStatusHandler(session SessionStatus, fallbackEnabled bool, records RecordCounter, cycles CycleSource) (*StatusHandler, error) {
	if records == nil {
		return nil, fmt.Errorf("record counter is required")
	}
	if cycles == nil {
		return nil, fmt.Errorf("cycle source is required")
	}

	return &StatusHandler{
		session:  session,
		fallback: fallbackEnabled,
		records:  records,
		cycles:   cycles,
	}, nil
}

func RegisterStatusRoutes(router fiber.Router, h *StatusHandler) {
	router.Get("/status", h.GetStatus)
}

func (h *StatusHandler) GetStatus(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), statusQueryTimeout)
	defer cancel()

	channelStatus := fiber.Map{
		"enabled":     h.session != nil,
		"initialized": false,
		"connected":   false,
	}
	if h.session != nil {
		state := h.session.State()
		channelStatus["initialized"] = state != channel.StateUninitialized
		channelStatus["connected"] = h.session.Connected()
		channelStatus["state"] = state.String()
	}

	body := fiber.Map{
		"channel":  channelStatus,
		"fallback": fiber.Map{"enabled": h.fallback},
	}

	counts, err := h.records.Counts(ctx)
	if err != nil {
		body["records"] = fiber.Map{"error": err.Error()}
	} else {
		body["records"] = fiber.Map{
			"total": counts.Total,
			"open":  counts.Open,
			"today": counts.Today,
		}
	}

	if last, ok := h.cycles.LastCycle(); ok {
		body["lastCycle"] = last
	}

	return c.Status(fiber.StatusOK).JSON(body)
}
