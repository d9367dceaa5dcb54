package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/casewatch/casewatch/internal/blob"
	"github.com/casewatch/casewatch/internal/observability"
	"go.uber.org/zap"
)

var (
	// ErrNotReady is returned when a send is attempted or awaited past the
	// ready deadline.
	ErrNotReady = errors.New("channel session not ready")

	// ErrAckTimeout is returned when a delivery acknowledgment does not
	// arrive in time. Acks are best-effort; callers treat this as a
	// warning, not a send failure.
	ErrAckTimeout = errors.New("delivery acknowledgment timed out")
)

// SessionConfig bounds the session's waits and names its persisted state.
type SessionConfig struct {
	Name         string
	Dir          string
	InitTimeout  time.Duration
	RecoverDelay time.Duration

	// OnPairingCode delivers the pairing artifact out-of-band (fallback
	// channel). Optional; pairing codes are logged regardless.
	OnPairingCode func(ctx context.Context, code string)
}

// Session owns the one primary channel connection for the process. It is
// constructed explicitly and passed by handle; there is no package-level
// instance.
type Session struct {
	cfg     SessionConfig
	factory ClientFactory
	blobs   blob.Store
	logger  *zap.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	state      State
	client     Client
	readyCh    chan struct{}
	recovering bool

	ackMu      sync.Mutex
	ackWaiters map[string]chan struct{}
}

func NewSession(cfg SessionConfig, factory ClientFactory, blobs blob.Store, logger *zap.Logger) (*Session, error) {
	if factory == nil {
		return nil, fmt.Errorf("client factory is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.Name == "" || cfg.Dir == "" {
		return nil, fmt.Errorf("session name and dir are required")
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 2 * time.Minute
	}
	if cfg.RecoverDelay <= 0 {
		cfg.RecoverDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Session{
		cfg:        cfg,
		factory:    factory,
		blobs:      blobs,
		logger:     logger,
		state:      StateUninitialized,
		readyCh:    make(chan struct{}),
		ackWaiters: map[string]chan struct{}{},
	}, nil
}

func (s *Session) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start restores the persisted session material if any and begins pairing.
func (s *Session) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	err := s.blobs.Download(ctx, s.cfg.Name, s.cfg.Dir)
	switch {
	case errors.Is(err, blob.ErrAbsent):
		s.logger.Info("no persisted session, pairing from scratch",
			zap.String("session", s.cfg.Name))
	case err != nil:
		// A corrupt or unreachable backup degrades to a fresh pairing.
		s.logger.Warn("session restore failed, pairing from scratch",
			zap.String("session", s.cfg.Name), zap.Error(err))
	default:
		s.logger.Info("restored persisted session",
			zap.String("session", s.cfg.Name))
	}

	return s.startClient(ctx)
}

func (s *Session) startClient(ctx context.Context) error {
	client, err := s.factory(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to build channel client: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	s.setState(StatePairing)

	initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()
	if err := client.Start(initCtx); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("failed to start channel client: %w", err)
	}

	go s.consumeEvents(client)
	return nil
}

// consumeEvents drains one client's event stream until it closes. Events
// from a replaced client are dropped.
func (s *Session) consumeEvents(client Client) {
	for ev := range client.Events() {
		s.mu.Lock()
		current := s.client == client
		s.mu.Unlock()
		if !current {
			return
		}
		s.handleEvent(ev)
	}
}

func (s *Session) handleEvent(ev Event) {
	switch ev.Type {
	case EventPairingCode:
		s.logger.Info("pairing code received", zap.String("session", s.cfg.Name))
		if s.cfg.OnPairingCode != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.cfg.OnPairingCode(ctx, ev.PairingCode)
			cancel()
		}

	case EventAuthenticated:
		if s.State() == StatePairing {
			s.setState(StateAuthenticated)
		}

	case EventReady:
		s.becomeReady()

	case EventMessage, EventAck:
		// Inbound traffic while authenticated implies readiness; some
		// clients report the explicit ready event unreliably.
		if st := s.State(); st == StateAuthenticated || st == StateDegraded {
			s.becomeReady()
		}
		if ev.Type == EventAck {
			s.resolveAck(ev.MessageID)
		}

	case EventDisconnected:
		s.logger.Warn("channel disconnected",
			zap.String("session", s.cfg.Name), zap.Error(ev.Err))
		s.setState(StateDisconnected)
	}
}

func (s *Session) becomeReady() {
	if s.State() == StateReady {
		return
	}
	s.setState(StateReady)

	// Persist immediately so a crash after pairing does not force a
	// re-pair on restart. Failure is logged, never fatal.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.blobs.Upload(ctx, s.cfg.Name, s.cfg.Dir); err != nil {
		s.logger.Warn("session backup failed", zap.String("session", s.cfg.Name), zap.Error(err))
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next

	if next == StateReady {
		close(s.readyCh)
	} else if prev == StateReady {
		s.readyCh = make(chan struct{})
	}
	s.mu.Unlock()

	s.metrics.SetSessionState(int(next))
	s.logger.Info("channel session state changed",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports the client's self-reported connectivity, false when no
// client exists.
func (s *Session) Connected() bool {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return false
	}
	return client.Connected()
}

// WaitReady blocks until the session reaches Ready, the timeout lapses, or
// ctx is canceled.
func (s *Session) WaitReady(ctx context.Context, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		state := s.state
		ready := s.readyCh
		s.mu.Unlock()

		if state == StateReady {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: state %s after %s", ErrNotReady, state, timeout)
		case <-ready:
		}
	}
}

// Send transmits text over the primary channel. The session must be Ready;
// a send-time error degrades the session rather than tearing it down.
func (s *Session) Send(ctx context.Context, address string, text string) (string, error) {
	s.mu.Lock()
	state := s.state
	client := s.client
	s.mu.Unlock()

	if state != StateReady || client == nil {
		return "", fmt.Errorf("%w: state %s", ErrNotReady, state)
	}

	messageID, err := client.Send(ctx, address, text)
	if err != nil {
		s.setState(StateDegraded)
		return "", fmt.Errorf("channel send failed: %w", err)
	}
	return messageID, nil
}

// AwaitAck waits for the delivery acknowledgment of messageID up to
// timeout. Best-effort: ErrAckTimeout is informational.
func (s *Session) AwaitAck(ctx context.Context, messageID string, timeout time.Duration) error {
	if messageID == "" {
		return nil
	}

	ch := make(chan struct{})
	s.ackMu.Lock()
	s.ackWaiters[messageID] = ch
	s.ackMu.Unlock()

	defer func() {
		s.ackMu.Lock()
		delete(s.ackWaiters, messageID)
		s.ackMu.Unlock()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline.C:
		return ErrAckTimeout
	}
}

func (s *Session) resolveAck(messageID string) {
	s.ackMu.Lock()
	ch, ok := s.ackWaiters[messageID]
	if ok {
		delete(s.ackWaiters, messageID)
	}
	s.ackMu.Unlock()
	if ok {
		close(ch)
	}
}

// Recover tears the client down, waits briefly, and restarts pairing. At
// most one recovery runs at a time; concurrent calls return immediately so
// a send failure triggers at most one recovery attempt.
func (s *Session) Recover(ctx context.Context) error {
	s.mu.Lock()
	if s.recovering {
		s.mu.Unlock()
		return nil
	}
	s.recovering = true
	client := s.client
	s.client = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.recovering = false
		s.mu.Unlock()
	}()

	if client != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := client.Stop(stopCtx); err != nil {
			s.logger.Warn("client stop failed during recovery", zap.Error(err))
		}
		cancel()
	}
	s.setState(StateDisconnected)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.RecoverDelay):
	}

	return s.startClient(ctx)
}

// Shutdown persists session material and stops the client. Always attempts
// both; the persist error is logged, the stop error returned.
func (s *Session) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.blobs.Upload(ctx, s.cfg.Name, s.cfg.Dir); err != nil {
		s.logger.Warn("session backup failed at shutdown",
			zap.String("session", s.cfg.Name), zap.Error(err))
	}

	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	s.setState(StateDisconnected)

	if client == nil {
		return nil
	}
	return client.Stop(ctx)
}
