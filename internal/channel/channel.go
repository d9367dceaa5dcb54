// Package channel manages the lifecycle of the single long-lived,
// authenticated connection to the primary messaging channel. The concrete
// client (pairing, wire protocol, acknowledgments) is a consumed
// collaborator; this package owns the state machine around it.
package channel

import "context"

// State is the session lifecycle position. Transitions follow
// Uninitialized → Pairing → Authenticated → Ready ⇄ Degraded, with
// Disconnected reachable from anywhere and Pairing reachable again via
// recovery.
type State int

const (
	StateUninitialized State = iota
	StatePairing
	StateAuthenticated
	StateReady
	StateDegraded
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePairing:
		return "pairing"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// EventType enumerates the first-class client events the session reacts
// to. Connectivity is driven only by these and by the periodic poll; there
// is no log-text sniffing.
type EventType int

const (
	// EventPairingCode carries an out-of-band pairing artifact (code or
	// QR payload) that must reach the operator through a secondary route.
	EventPairingCode EventType = iota

	// EventAuthenticated signals a successful credential exchange.
	EventAuthenticated

	// EventReady signals the client can send and receive.
	EventReady

	// EventMessage signals any inbound message. Receiving traffic while
	// authenticated implies readiness even when the explicit ready event
	// never fires.
	EventMessage

	// EventAck acknowledges delivery of an outbound message by id.
	EventAck

	// EventDisconnected signals the client lost its connection or failed
	// authentication unrecoverably.
	EventDisconnected
)

// Event is one client notification.
type Event struct {
	Type        EventType
	PairingCode string
	MessageID   string
	Err         error
}

// Client is the primary channel transport boundary. Start begins the
// credential exchange against the session directory; Events closes when
// the client is stopped.
type Client interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Events() <-chan Event
	Connected() bool
	Send(ctx context.Context, address string, text string) (string, error)
}

// ClientFactory builds a fresh client over a session directory. Recovery
// discards the old client and asks the factory for a new one.
type ClientFactory func(sessionDir string) (Client, error)
