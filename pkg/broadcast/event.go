// Package broadcast delivers queue state changes to every connected screen.
package broadcast

import (
	"context"
	"errors"
)

type EventType string

const (
	EventIssued  EventType = "issued"
	EventCalled  EventType = "called"
	EventEmpty   EventType = "empty"
	EventServing EventType = "serving"
	EventDone    EventType = "done"
)

type Event struct {
	Type EventType `json:"type"`
	// Timestamp is the wall-clock time shown on the displays, as HH:MM.
	Timestamp   string `json:"timestamp"`
	Service     string `json:"service"`
	Ticket      string `json:"ticket,omitempty"`
	Desk        string `json:"desk,omitempty"`
	QueueLength int    `json:"queue_length,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Publisher sends an event to its listeners. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Nop discards every event.
var Nop Publisher = PublisherFunc(func(ctx context.Context, event Event) error { return nil })

// Multi publishes to every publisher, even when some of them fail.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
