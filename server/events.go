package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Event is a typed occurrence produced by the poll pipeline for one realm.
type Event interface {
	EventRealmID() string
}

// PresenceUpdateEvent carries the joined/left delta of one poll cycle,
// with display names already resolved for delta members.
type PresenceUpdateEvent struct {
	RealmID   string
	Joined    []string
	Left      []string
	Gamertags map[string]string
	Timestamp time.Time
}

func (e *PresenceUpdateEvent) EventRealmID() string { return e.RealmID }

// RealmDownEvent fires once per transition into the unreachable state.
type RealmDownEvent struct {
	RealmID      string
	Disconnected []string
	Timestamp    time.Time
}

func (e *RealmDownEvent) EventRealmID() string { return e.RealmID }

// RealmOnlineEvent fires once per transition back to reachable.
type RealmOnlineEvent struct {
	RealmID   string
	Timestamp time.Time
}

func (e *RealmOnlineEvent) EventRealmID() string { return e.RealmID }

// StalePresenceEvent fires when the source has returned no presence data for
// a realm for longer than the staleness threshold.
type StalePresenceEvent struct {
	RealmID string
	Since   time.Time
}

func (e *StalePresenceEvent) EventRealmID() string { return e.RealmID }

// Consumer handles events. Errors are contained at the bus boundary and do
// not stop later consumers.
type Consumer interface {
	Name() string
	HandleEvent(ctx context.Context, evt Event) error
}

// EventBus is a synchronous in-process fan-out. Consumers run in
// registration order; events for the same realm are published from that
// realm's single poll cycle, which gives per-realm ordering for free.
type EventBus struct {
	logger    *zap.Logger
	consumers []Consumer
}

func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		logger: logger,
	}
}

// Register appends a consumer. Registration happens at startup, before the
// scheduler starts publishing, so no lock is needed.
func (b *EventBus) Register(consumer Consumer) {
	b.consumers = append(b.consumers, consumer)
}

// Publish delivers the event to every consumer, each within its own error
// boundary.
func (b *EventBus) Publish(ctx context.Context, evt Event) {
	for _, consumer := range b.consumers {
		if err := b.dispatch(ctx, consumer, evt); err != nil {
			b.logger.Error("Event consumer failed",
				zap.String("consumer", consumer.Name()),
				zap.String("realm_id", evt.EventRealmID()),
				zap.String("event", fmt.Sprintf("%T", evt)),
				zap.Error(err))
		}
	}
}

func (b *EventBus) dispatch(ctx context.Context, consumer Consumer, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panicked: %v", r)
		}
	}()
	return consumer.HandleEvent(ctx, evt)
}
