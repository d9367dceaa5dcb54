package channel

import (
	"context"
	"time"
)

const defaultVerifyInterval = 30 * time.Second

// RunVerifier polls the client's self-reported connectivity and reconciles
// it with the session state: a Ready session whose client reports
// disconnected degrades, a Degraded session whose client reports healthy
// recovers to Ready. The verifier only reads client state and moves the
// shared session state through the guarded setter; it never tears the
// client down.
func (s *Session) RunVerifier(ctx context.Context, interval time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = defaultVerifyInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.verifyOnce()
		}
	}
}

func (s *Session) verifyOnce() {
	connected := s.Connected()

	switch s.State() {
	case StateReady:
		if !connected {
			s.logger.Warn("verification poll found ready session disconnected")
			s.setState(StateDegraded)
		}
	case StateDegraded:
		if connected {
			s.logger.Info("verification poll found degraded session healthy")
			s.setState(StateReady)
		}
	}
}
