// Package bus provides the fan-out channel that propagates room and
// identity events to every process holding connections for them.
//
// Delivery is at-least-once to currently-subscribed processes. Events
// published while a process is disconnected are not replayed; clients
// recover gaps by pulling messages since their last-seen id.
package bus

import (
	"context"

	"github.com/relaychat/relay/internal/types"
)

type Bus interface {
	// Publish sends the event to every subscriber of topic. Ordering
	// is preserved per topic, never across topics.
	Publish(ctx context.Context, topic string, event types.Event) error
	// Subscribe registers interest in one or more topic patterns. A
	// pattern either names a topic exactly or ends in "*" to match a
	// prefix, e.g. "room:*".
	Subscribe(ctx context.Context, patterns ...string) (*Subscription, error)
	Close() error
}

type Subscription struct {
	events      chan types.Event
	unsubscribe func()
}

func (s *Subscription) Events() <-chan types.Event {
	return s.events
}

func (s *Subscription) Unsubscribe() {
	s.unsubscribe()
}

func RoomTopic(roomID string) string {
	return "room:" + roomID
}

func IdentityTopic(identityID string) string {
	return "identity:" + identityID
}
