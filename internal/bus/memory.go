package bus

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/relaychat/relay/internal/types"
)

const subscriberBuffer = 256

// MemoryBus is an in-process Bus for single-instance deployments and
// tests. Publishers for a given topic are serialized by the caller (the
// room sequence), so per-topic ordering falls out of channel order.
type MemoryBus struct {
	log    *log.Logger
	mu     sync.Mutex
	subs   map[*Subscription][]string
	closed bool
}

func NewMemoryBus(logger *log.Logger) *MemoryBus {
	return &MemoryBus{
		log:  logger,
		subs: make(map[*Subscription][]string),
	}
}

var _ Bus = (*MemoryBus)(nil)

func matches(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, event types.Event) error {
	b.mu.Lock()
	var targets []*Subscription
	for sub, patterns := range b.subs {
		for _, p := range patterns {
			if matches(p, topic) {
				targets = append(targets, sub)
				break
			}
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// A subscriber that stopped draining loses events; the
			// pull-based backfill path covers the gap.
			b.log.Printf("bus: dropping %s event on topic %q, subscriber buffer full", event.Kind, topic)
		}
	}

	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, patterns ...string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		events: make(chan types.Event, subscriberBuffer),
	}
	sub.unsubscribe = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.events)
		}
	}

	b.subs[sub] = patterns
	return sub, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.events)
	}
	return nil
}
