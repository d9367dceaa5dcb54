package provider

import "context"

// Message is one outbound fallback notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Provider is the fallback delivery port. It carries the same content the
// primary channel would have sent, over an independent transport.
type Provider interface {
	Send(ctx context.Context, message Message) (*SendResult, error)
}

// SendResult stores provider call metadata for audit and logging.
type SendResult struct {
	StatusCode int
	Body       string
	MessageID  string
}
