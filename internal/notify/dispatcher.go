// Package notify abstracts multi-channel offline delivery behind a
// single best-effort contract. Provider wire formats live behind the
// ProviderClient interface; this package only decides which channels to
// try and what to do when they fail.
package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/relaychat/relay/internal/stats"
	"github.com/relaychat/relay/internal/store"
	"github.com/relaychat/relay/internal/types"
)

// ErrInvalidToken is the permanent-failure signal a provider client
// returns when the channel reports the token is gone for good (e.g. an
// HTTP 410). It triggers subscription removal.
var ErrInvalidToken = errors.New("channel token invalid")

type Notification struct {
	RoomID    string `json:"room_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// ProviderClient sends one notification over one channel. Transient
// retry policy is the client's own concern and must stay bounded so one
// identity's failures never block another's.
type ProviderClient interface {
	Send(ctx context.Context, token string, n Notification) error
}

type ChannelResult struct {
	Channel types.Channel
	Err     error
}

const channelTimeout = 5 * time.Second

type Dispatcher struct {
	log     *log.Logger
	db      store.Repository
	stats   stats.StatsProvider
	clients map[types.Channel]ProviderClient
}

func NewDispatcher(logger *log.Logger, db store.Repository, sp stats.StatsProvider, clients map[types.Channel]ProviderClient) *Dispatcher {
	return &Dispatcher{
		log:     logger,
		db:      db,
		stats:   sp,
		clients: clients,
	}
}

// Deliver attempts the notification on every active subscription of the
// identity. Channels run concurrently with independent failure
// isolation; an invalid token removes the subscription, a transient
// failure is dropped (the recipient sees the message on reconnect
// regardless).
func (d *Dispatcher) Deliver(ctx context.Context, identityID string, n Notification) []ChannelResult {
	subs, err := d.db.Subscriptions(ctx, identityID)
	if err != nil {
		d.log.Printf("load subscriptions for %q: %v", identityID, err)
		return nil
	}
	if len(subs) == 0 {
		return nil
	}

	results := make([]ChannelResult, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		client, ok := d.clients[sub.Channel]
		if !ok {
			results[i] = ChannelResult{Channel: sub.Channel, Err: errors.New("no client for channel")}
			continue
		}

		wg.Add(1)
		go func(i int, sub types.Subscription, client ProviderClient) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, channelTimeout)
			defer cancel()

			d.stats.Incr(stats.PushAttempts)
			err := client.Send(sendCtx, sub.Token, n)
			results[i] = ChannelResult{Channel: sub.Channel, Err: err}

			if err == nil {
				return
			}

			d.stats.Incr(stats.PushFailures)
			if errors.Is(err, ErrInvalidToken) {
				d.log.Printf("removing invalid %s subscription for %q", sub.Channel, identityID)
				if err := d.db.RemoveSubscription(ctx, identityID, sub.Channel); err != nil {
					d.log.Printf("remove subscription: %v", err)
				}
			}
		}(i, sub, client)
	}
	wg.Wait()

	return results
}

// Subscribe registers (or replaces) the identity's token for a channel.
func (d *Dispatcher) Subscribe(ctx context.Context, identityID string, channel types.Channel, token string) error {
	return d.db.SaveSubscription(ctx, types.Subscription{
		IdentityID: identityID,
		Channel:    channel,
		Token:      token,
	})
}

// Unsubscribe drops the identity's token for a channel. Idempotent.
func (d *Dispatcher) Unsubscribe(ctx context.Context, identityID string, channel types.Channel) error {
	return d.db.RemoveSubscription(ctx, identityID, channel)
}
