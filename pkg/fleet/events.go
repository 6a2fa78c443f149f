package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// FleetEvent is a monitoring notification published on the instance's fleet
// events channel. Registrations, predicate inventions, patch broadcasts, and
// lifecycle transitions all surface here so observers (the CLI `drey watch`
// command) can follow the fleet in real time.
type FleetEvent struct {
	Type      string `json:"type"`             // e.g. "worker_registered", "predicate_invented", "worker_sunset"
	Serial    string `json:"serial,omitempty"` // Worker serial the event concerns, if any
	PatchID   string `json:"patch_id,omitempty"`
	Predicate string `json:"predicate,omitempty"` // Predicate name, if any
	Detail    string `json:"detail,omitempty"`
	AtMs      int64  `json:"at_ms"`
}

// PublishFleetEvent publishes an event to the instance's fleet events
// channel. Delivery is at-most-once (Redis Pub/Sub); events are advisory
// monitoring signals, never the system of record.
func (s *Store) PublishFleetEvent(ctx context.Context, event *FleetEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal fleet event: %w", err)
	}

	channel := FleetEventsChannel(s.instanceName)
	if err := s.rdb.Publish(ctx, channel, eventJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish fleet event: %w", err)
	}

	return nil
}

// EventSubscription represents an active Pub/Sub subscription to fleet
// events. Caller must call Close() when done to clean up resources.
type EventSubscription struct {
	events <-chan *FleetEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of fleet events.
// The channel is closed when the subscription is closed or the context is
// cancelled.
func (s *EventSubscription) Events() <-chan *FleetEvent {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures and other non-fatal issues.
// The subscription continues after errors - messages are skipped.
func (s *EventSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *EventSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeFleetEvents subscribes to fleet events for this instance.
// Returns an EventSubscription that delivers full event objects.
// Caller must call subscription.Close() when done. Context cancellation also
// stops the subscription.
//
// Events are delivered on a buffered channel (size 10) to prevent blocking.
// If the subscriber is too slow, events may be dropped by Redis Pub/Sub
// (at-most-once delivery).
func (s *Store) SubscribeFleetEvents(ctx context.Context) (*EventSubscription, error) {
	channel := FleetEventsChannel(s.instanceName)
	pubsub := s.rdb.Subscribe(ctx, channel)

	eventsChan := make(chan *FleetEvent, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event FleetEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal fleet event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &EventSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
