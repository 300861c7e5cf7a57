package pubsub

import (
	"context"
	"time"
)

const (
	// ProgressEvent marks a phase transition of a document.
	ProgressEvent EventType = "progress"
	// TerminalEvent marks the last event a topic will carry for the current attempt.
	TerminalEvent EventType = "terminal"
)

// Subscriber hands out a topic's event channel, closed when the context ends.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context, topic string) <-chan Event[T]
}

// Publisher sends an event to every subscriber of a topic.
type Publisher[T any] interface {
	Publish(topic string, t EventType, payload T)
}

type (
	// EventType identifies what happened.
	EventType string

	// Event is one message on a topic.
	Event[T any] struct {
		Type    EventType
		Payload T
		At      time.Time
	}
)
