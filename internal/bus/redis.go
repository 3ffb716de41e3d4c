package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/relaychat/relay/internal/types"
)

// RedisBus fans events out across instances over Redis pub/sub. Every
// process subscribed to a topic at publish time receives the event;
// per-topic order follows Redis channel order.
type RedisBus struct {
	log    *log.Logger
	client *redis.Client

	mu   sync.Mutex
	subs map[*Subscription]*redis.PubSub
}

func NewRedisBus(logger *log.Logger, redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	return &RedisBus{
		log:    logger,
		client: redis.NewClient(opts),
		subs:   make(map[*Subscription]*redis.PubSub),
	}, nil
}

var _ Bus = (*RedisBus)(nil)

func (b *RedisBus) Publish(ctx context.Context, topic string, event types.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return b.client.Publish(ctx, topic, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, patterns ...string) (*Subscription, error) {
	var exact, globs []string
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			globs = append(globs, p)
		} else {
			exact = append(exact, p)
		}
	}

	// PSUBSCRIBE handles both forms; exact topics are patterns without
	// wildcards.
	pubsub := b.client.PSubscribe(ctx, append(globs, exact...)...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	sub := &Subscription{
		events: make(chan types.Event, subscriberBuffer),
	}

	var once sync.Once
	sub.unsubscribe = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			pubsub.Close()
		})
	}

	b.mu.Lock()
	b.subs[sub] = pubsub
	b.mu.Unlock()

	go func() {
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			var event types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Printf("bus: bad event payload on %q: %v", msg.Channel, err)
				continue
			}

			select {
			case sub.events <- event:
			default:
				b.log.Printf("bus: dropping %s event on topic %q, subscriber buffer full", event.Kind, msg.Channel)
			}
		}
	}()

	return sub, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	for sub, pubsub := range b.subs {
		delete(b.subs, sub)
		pubsub.Close()
	}
	b.mu.Unlock()

	return b.client.Close()
}
