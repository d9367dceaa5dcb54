package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/casewatch/casewatch/internal/channel"
	"github.com/casewatch/casewatch/internal/domain"
	"github.com/casewatch/casewatch/internal/observability"
	"github.com/casewatch/casewatch/internal/provider"
	"github.com/casewatch/casewatch/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultReadyWait = 90 * time.Second
	defaultAckWait   = 20 * time.Second

	channelPrimary  = "primary"
	channelFallback = "fallback"
)

// ErrChannelsExhausted is returned when neither the primary channel nor
// the fallback could carry a message. The records stay unsent and are
// picked up again next cycle.
var ErrChannelsExhausted = errors.New("all delivery channels failed")

// DeliveryLedger is the per-recipient delivery bookkeeping the
// orchestrator consumes.
type DeliveryLedger interface {
	UnsentFor(ctx context.Context, recipientID string, day time.Time) ([]domain.NotificationRecord, error)
	MarkDelivered(ctx context.Context, key domain.RecordKey, recipientID string) error
}

// ChannelSession is the primary channel handle the orchestrator consumes.
type ChannelSession interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
	Send(ctx context.Context, address string, text string) (string, error)
	AwaitAck(ctx context.Context, messageID string, timeout time.Duration) error
	Recover(ctx context.Context) error
}

type OrchestratorConfig struct {
	Recipients         []string
	OpenOnly           bool
	SendCourtesy       bool
	MaxItemsPerMessage int

	// FallbackAddress receives escalated digests when the primary channel
	// fails.
	FallbackAddress string

	ReadyWait time.Duration
	AckWait   time.Duration
}

// Orchestrator drives one delivery pass: per recipient, compute the unsent
// set, send one batched message, and mark each record only after a channel
// accepted it. Recipients are processed sequentially; there is no
// cross-recipient concurrency.
type Orchestrator struct {
	ledger      DeliveryLedger
	session     ChannelSession
	fallback    provider.Provider
	rateLimiter ratelimit.RateLimiter
	logger      *zap.Logger
	metrics     *observability.Metrics
	cfg         OrchestratorConfig
	now         func() time.Time
}

// NewOrchestrator wires the delivery pass. session and fallback may each be
// nil when the corresponding channel is disabled, but not both.
func NewOrchestrator(
	deliveryLedger DeliveryLedger,
	session ChannelSession,
	fallback provider.Provider,
	rateLimiter ratelimit.RateLimiter,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if deliveryLedger == nil {
		return nil, fmt.Errorf("delivery ledger is required")
	}
	if session == nil && fallback == nil {
		return nil, fmt.Errorf("at least one delivery channel is required")
	}
	if len(cfg.Recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if fallback != nil && cfg.FallbackAddress == "" {
		return nil, fmt.Errorf("fallback address is required when fallback is enabled")
	}
	if cfg.ReadyWait <= 0 {
		cfg.ReadyWait = defaultReadyWait
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		ledger:      deliveryLedger,
		session:     session,
		fallback:    fallback,
		rateLimiter: rateLimiter,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// Deliver runs one delivery pass over all recipients. A failure for one
// recipient is logged and does not stop the pass; the failed records stay
// unsent and self-heal next cycle.
func (o *Orchestrator) Deliver(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.WithContextLogger(o.logger, ctx)

	for _, recipientID := range o.cfg.Recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.deliverTo(ctx, logger, recipientID); err != nil {
			logger.Error("delivery pass failed for recipient",
				zap.String("recipientId", recipientID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (o *Orchestrator) deliverTo(ctx context.Context, logger *zap.Logger, recipientID string) error {
	records, err := o.ledger.UnsentFor(ctx, recipientID, o.now())
	if err != nil {
		return fmt.Errorf("failed to compute unsent set: %w", err)
	}
	if o.cfg.OpenOnly {
		records = filterOpen(records)
	}

	if len(records) == 0 {
		if !o.cfg.SendCourtesy || o.session == nil {
			return nil
		}
		// Courtesy traffic never escalates to the fallback.
		if _, err := o.sendPrimary(ctx, recipientID, CourtesyText); err != nil {
			logger.Warn("courtesy message failed",
				zap.String("recipientId", recipientID),
				zap.Error(err),
			)
		}
		return nil
	}

	text := FormatDigest(records, o.cfg.MaxItemsPerMessage)
	channelUsed, err := o.sendWithEscalation(ctx, logger, recipientID, text, len(records))
	if err != nil {
		return err
	}

	marked := 0
	for i := range records {
		key := records[i].Key()
		if err := o.ledger.MarkDelivered(ctx, key, recipientID); err != nil {
			// Left unsent; the record is re-selected next cycle, so the
			// recipient may see it twice rather than never.
			logger.Error("failed to mark record delivered",
				zap.String("record", key.String()),
				zap.String("recipientId", recipientID),
				zap.Error(err),
			)
			continue
		}
		marked++
	}

	logger.Info("delivered digest",
		zap.String("recipientId", recipientID),
		zap.String("channel", channelUsed),
		zap.Int("records", len(records)),
		zap.Int("marked", marked),
	)
	return nil
}

// sendWithEscalation tries the primary channel, then the fallback with the
// identical content. It returns the channel that accepted the message.
func (o *Orchestrator) sendWithEscalation(ctx context.Context, logger *zap.Logger, recipientID, text string, count int) (string, error) {
	if o.session != nil {
		messageID, err := o.sendPrimary(ctx, recipientID, text)
		if err == nil {
			o.metrics.IncDeliverySent(channelPrimary)
			o.awaitAck(ctx, logger, messageID)
			return channelPrimary, nil
		}

		o.metrics.IncDeliveryFailed(channelPrimary, "send")
		logger.Warn("primary channel send failed, escalating to fallback",
			zap.String("recipientId", recipientID),
			zap.Error(err),
		)
		if o.fallback == nil {
			return "", fmt.Errorf("%w: %v", ErrChannelsExhausted, err)
		}
	}

	start := o.now()
	_, err := o.fallback.Send(ctx, provider.Message{
		To:      o.cfg.FallbackAddress,
		Subject: DigestSubject(recipientID, count),
		Body:    text,
	})
	o.metrics.ObserveSendDuration(channelFallback, o.now().Sub(start))
	if err != nil {
		o.metrics.IncDeliveryFailed(channelFallback, "send")
		return "", fmt.Errorf("%w: %v", ErrChannelsExhausted, err)
	}

	o.metrics.IncDeliverySent(channelFallback)
	return channelFallback, nil
}

// sendPrimary waits for the rate limiter and a ready session, sends, and
// on a send failure attempts exactly one session recovery before retrying.
func (o *Orchestrator) sendPrimary(ctx context.Context, address, text string) (string, error) {
	if o.rateLimiter != nil {
		if err := o.rateLimiter.Wait(ctx, channelPrimary); err != nil {
			return "", fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	messageID, err := o.attemptPrimary(ctx, address, text)
	if err == nil {
		return messageID, nil
	}
	if ctx.Err() != nil {
		return "", err
	}

	if recoverErr := o.session.Recover(ctx); recoverErr != nil {
		return "", fmt.Errorf("session recovery failed after send error: %w", recoverErr)
	}
	return o.attemptPrimary(ctx, address, text)
}

func (o *Orchestrator) attemptPrimary(ctx context.Context, address, text string) (string, error) {
	if err := o.session.WaitReady(ctx, o.cfg.ReadyWait); err != nil {
		return "", err
	}

	start := o.now()
	messageID, err := o.session.Send(ctx, address, text)
	o.metrics.ObserveSendDuration(channelPrimary, o.now().Sub(start))
	return messageID, err
}

func (o *Orchestrator) awaitAck(ctx context.Context, logger *zap.Logger, messageID string) {
	if messageID == "" {
		return
	}

	err := o.session.AwaitAck(ctx, messageID, o.cfg.AckWait)
	if err == nil {
		return
	}
	if errors.Is(err, channel.ErrAckTimeout) {
		// Best-effort: an absent ack does not unwind the delivery.
		logger.Warn("delivery acknowledgment timed out", zap.String("messageId", messageID))
		return
	}
	logger.Warn("delivery acknowledgment wait failed", zap.String("messageId", messageID), zap.Error(err))
}

// NotifyFailure pushes an operational alert through the fallback channel.
// Used for fatal startup errors so the operator hears about a watcher that
// never came up.
func (o *Orchestrator) NotifyFailure(ctx context.Context, subject, body string) error {
	if o.fallback == nil {
		return fmt.Errorf("fallback channel is disabled")
	}

	_, err := o.fallback.Send(ctx, provider.Message{
		To:      o.cfg.FallbackAddress,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("failed to send failure notification: %w", err)
	}
	return nil
}

func filterOpen(records []domain.NotificationRecord) []domain.NotificationRecord {
	open := make([]domain.NotificationRecord, 0, len(records))
	for i := range records {
		if records[i].Status == domain.StatusOpen {
			open = append(open, records[i])
		}
	}
	return open
}
