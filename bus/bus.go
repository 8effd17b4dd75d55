// Package bus provides an event distribution system for Ramus workflow
// runs. It allows components to publish and subscribe to lifecycle events,
// enabling decoupled communication between the runners and observers such
// as loggers, UIs, and monitoring systems.
package bus

import "github.com/ramuslabs/ramus/event"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(e event.Event)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all
	// runs. Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan event.Event

	// Close unsubscribes and releases resources.
	Close() error
}
