package adapter

import (
	"context"

	"pkm-jobs/internal/domain/model"
)

// Subscription is a live feed of progress events for one job id. Events is
// closed after the terminal event has been delivered, or when the
// subscriber calls Close.
type Subscription struct {
	ID       string
	Snapshot *model.Job
	Events   <-chan model.ProgressEvent

	close func()
}

// NewSubscription is used by broadcaster implementations.
func NewSubscription(id string, snapshot *model.Job, events <-chan model.ProgressEvent, close func()) *Subscription {
	return &Subscription{ID: id, Snapshot: snapshot, Events: events, close: close}
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// ProgressBroadcaster fans progress events out to live observers without
// ever blocking the publisher. Delivery of intermediate events is
// best-effort; terminal events are never dropped.
type ProgressBroadcaster interface {
	// Subscribe returns the current job snapshot plus a stream of
	// subsequent events, so a late subscriber never misses current truth.
	Subscribe(ctx context.Context, jobID string) (*Subscription, error)

	// Publish fans an event out to all current subscribers of the job id.
	// It never blocks and never returns an error: failures are contained.
	Publish(event model.ProgressEvent)
}
