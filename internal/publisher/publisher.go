// Package publisher announces harvest results to a message bus.
package publisher

import "context"

// Message is one outbound notification.
type Message struct {
	Topic      string
	Data       []byte
	Attributes map[string]string
}

// Publisher sends messages and returns the server-assigned id.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (string, error)
	Close() error
}
