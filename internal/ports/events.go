package ports

import "context"

// EventPublisher delivers outbox events to a broker.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
}
