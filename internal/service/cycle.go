package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/casewatch/casewatch/internal/detector"
	"github.com/casewatch/casewatch/internal/observability"
	"github.com/casewatch/casewatch/internal/scraper"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RecordDetector classifies a scraped batch against the record store.
type RecordDetector interface {
	Process(ctx context.Context, batch []scraper.ScrapedRecord) detector.Summary
}

// Deliverer runs one delivery pass over all recipients.
type Deliverer interface {
	Deliver(ctx context.Context) error
}

// CycleStatus is the outcome of the most recent cycle, surfaced on the
// status endpoint.
type CycleStatus struct {
	CycleID    string           `json:"cycleId"`
	StartedAt  time.Time        `json:"startedAt"`
	Duration   time.Duration    `json:"duration"`
	Detection  detector.Summary `json:"detection"`
	ScrapeErr  string           `json:"scrapeError,omitempty"`
	DeliverErr string           `json:"deliverError,omitempty"`
}

// CycleRunner executes the scrape, detect, deliver sequence on a cron
// schedule, plus once immediately at startup. Cycles never overlap; a
// still-running cycle makes the next tick a no-op.
type CycleRunner struct {
	scraper      scraper.Scraper
	detector     RecordDetector
	orchestrator Deliverer
	logger       *zap.Logger
	metrics      *observability.Metrics
	schedule     string
	now          func() time.Time

	mu   sync.Mutex
	last *CycleStatus
}

func NewCycleRunner(
	recordScraper scraper.Scraper,
	recordDetector RecordDetector,
	orchestrator Deliverer,
	schedule string,
	logger *zap.Logger,
) (*CycleRunner, error) {
	if recordScraper == nil {
		return nil, fmt.Errorf("scraper is required")
	}
	if recordDetector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid cycle schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CycleRunner{
		scraper:      recordScraper,
		detector:     recordDetector,
		orchestrator: orchestrator,
		logger:       logger,
		schedule:     schedule,
		now:          time.Now,
	}, nil
}

func (r *CycleRunner) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// Start runs one immediate cycle, then follows the cron schedule until ctx
// is canceled. It returns after any in-flight cycle has drained.
func (r *CycleRunner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.RunCycle(ctx)

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(r.schedule, func() { r.RunCycle(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule cycles: %w", err)
	}
	scheduler.Start()

	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

// RunCycle executes one scrape, detect, deliver sequence under a fresh
// cycle id. Errors are recorded and logged, never returned; the next
// scheduled cycle retries from store state.
func (r *CycleRunner) RunCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	cycleID := uuid.NewString()
	ctx = observability.WithCycleID(ctx, cycleID)
	logger := observability.WithContextLogger(r.logger, ctx)

	start := r.now()
	status := CycleStatus{CycleID: cycleID, StartedAt: start}
	logger.Info("cycle started")

	batch, err := r.scraper.Scrape(ctx)
	if err != nil {
		status.ScrapeErr = err.Error()
		status.Duration = r.now().Sub(start)
		r.setLast(status)
		logger.Error("scrape failed, skipping cycle", zap.Error(err))
		return
	}

	status.Detection = r.detector.Process(ctx, batch)
	logger.Info("detection finished",
		zap.Int("scraped", len(batch)),
		zap.Int("new", status.Detection.New),
		zap.Int("updated", status.Detection.Updated),
		zap.Int("unchanged", status.Detection.Unchanged),
		zap.Int("failed", status.Detection.Failed),
	)

	if err := r.orchestrator.Deliver(ctx); err != nil {
		status.DeliverErr = err.Error()
		logger.Error("delivery pass failed", zap.Error(err))
	}

	status.Duration = r.now().Sub(start)
	r.setLast(status)
	r.metrics.ObserveCycleDuration(status.Duration)
	logger.Info("cycle finished", zap.Duration("duration", status.Duration))
}

func (r *CycleRunner) setLast(status CycleStatus) {
	r.mu.Lock()
	r.last = &status
	r.mu.Unlock()
}

// LastCycle returns the most recent cycle outcome, false before the first
// cycle completes.
func (r *CycleRunner) LastCycle() (CycleStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return CycleStatus{}, false
	}
	return *r.last, true
}
