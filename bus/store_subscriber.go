package bus

import (
	"context"
	"log/slog"

	"github.com/ramuslabs/ramus/event"
)

// StoreSubscriber writes events to an EventStore. It implements
// event.Handler semantics for use as a bus subscriber handler.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store.
func (s *StoreSubscriber) Handle(e event.Event) {
	if err := s.store.Append(context.Background(), e); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", e.RunID,
			"type", e.Type,
			"seq", e.Seq,
			"error", err,
		)
	}
}
