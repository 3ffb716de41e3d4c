// Package delivery consumes bus events and pushes them to local
// connections, degrading to offline notification when no process
// delivered within the fan-out window.
package delivery

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/relaychat/relay/internal/bus"
	"github.com/relaychat/relay/internal/notify"
	"github.com/relaychat/relay/internal/stats"
	"github.com/relaychat/relay/internal/store"
	"github.com/relaychat/relay/internal/types"
)

// LocalDeliverer is the connection registry surface the pipeline needs.
type LocalDeliverer interface {
	DeliverLocal(identityID string, event types.Event) int
}

// Notifier is the offline-delivery contract.
type Notifier interface {
	Deliver(ctx context.Context, identityID string, n notify.Notification) []notify.ChannelResult
}

type Config struct {
	// Origin must match the id the room manager stamps on events this
	// process publishes; the origin owns the offline fallback.
	Origin        string
	AckWindow     time.Duration
	QueueSize     int
	Workers       int
	BatchSize     int
	BatchInterval time.Duration
}

type Pipeline struct {
	log      *log.Logger
	db       store.Repository
	bus      bus.Bus
	registry LocalDeliverer
	notifier Notifier
	stats    stats.StatsProvider
	cfg      Config

	work chan []types.Event

	// ready is closed once Run holds a live bus subscription; events
	// published before that are dropped by the bus, not the pipeline.
	ready     chan struct{}
	readyOnce sync.Once

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewPipeline(logger *log.Logger, db store.Repository, b bus.Bus, reg LocalDeliverer, n Notifier, sp stats.StatsProvider, cfg Config) *Pipeline {
	if cfg.AckWindow <= 0 {
		cfg.AckWindow = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Second
	}

	return &Pipeline{
		log:      logger,
		db:       db,
		bus:      b,
		registry: reg,
		notifier: n,
		stats:    sp,
		cfg:      cfg,
		work:     make(chan []types.Event, cfg.QueueSize),
		ready:    make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Ready is closed once the bus subscription is live. Callers that
// publish immediately after starting Run wait on it to avoid a window
// where the bus has no subscriber.
func (p *Pipeline) Ready() <-chan struct{} {
	return p.ready
}

// urgent events bypass batching; everything else coalesces.
func urgent(kind types.EventKind) bool {
	switch kind {
	case types.EventMessageSent, types.EventMessageEdited, types.EventMessageDeleted,
		types.EventUserJoined, types.EventUserLeft, types.EventRoomDeleted:
		return true
	default:
		return false
	}
}

// notifiable kinds degrade to push notification for offline targets.
func notifiable(kind types.EventKind) bool {
	return kind == types.EventMessageSent
}

// Run subscribes to all room and identity topics and processes events
// until the context is canceled. It blocks.
func (p *Pipeline) Run(ctx context.Context) error {
	sub, err := p.bus.Subscribe(ctx, "room:*", "identity:*")
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	p.readyOnce.Do(func() { close(p.ready) })

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	defer p.wg.Wait()
	defer p.shutdown()

	batch := make([]types.Event, 0, p.cfg.BatchSize)
	flushTimer := time.NewTicker(p.cfg.BatchInterval)
	defer flushTimer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.enqueue(batch)
		p.stats.Incr(stats.BatchesFlushed)
		batch = make([]types.Event, 0, p.cfg.BatchSize)
	}

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				flush()
				return nil
			}

			if urgent(event.Kind) {
				p.enqueue([]types.Event{event})
				continue
			}

			batch = append(batch, event)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-flushTimer.C:
			flush()
		case <-ctx.Done():
			flush()
			return ctx.Err()
		}
	}
}

// enqueue hands work to the pool. The queue is bounded; when it is
// full the events are rejected rather than buffered without limit, and
// clients recover via backfill.
func (p *Pipeline) enqueue(events []types.Event) {
	select {
	case p.work <- events:
	default:
		p.stats.Incr(stats.QueueRejections)
		p.log.Printf("delivery queue full, rejecting %d event(s)", len(events))
	}
}

func (p *Pipeline) shutdown() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case events := <-p.work:
			for _, event := range events {
				p.process(ctx, event)
			}
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) process(ctx context.Context, event types.Event) {
	targets, err := p.resolveTargets(ctx, event)
	if err != nil {
		p.log.Printf("resolve targets for %s on room %q: %v", event.Kind, event.RoomID, err)
		return
	}

	var offline []string
	for _, identityID := range targets {
		if p.registry.DeliverLocal(identityID, event) > 0 {
			// Some process delivered; record it so the origin skips
			// the offline fallback for this target.
			if err := p.db.MarkDelivered(ctx, event.ID, identityID, 2*p.cfg.AckWindow); err != nil {
				p.log.Printf("mark delivered %s/%s: %v", event.ID, identityID, err)
			}
		} else {
			offline = append(offline, identityID)
		}
	}

	// Only the publishing process falls back, otherwise every peer
	// would push the same notification.
	if event.Origin != p.cfg.Origin || !notifiable(event.Kind) || len(offline) == 0 {
		return
	}

	p.scheduleFallback(ctx, event, offline)
}

// scheduleFallback waits out the fan-out window, then notifies every
// target no process delivered to. The wait is bounded so a slow peer
// never blocks notification indefinitely.
func (p *Pipeline) scheduleFallback(ctx context.Context, event types.Event, targets []string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case <-time.After(p.cfg.AckWindow):
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}

		for _, identityID := range targets {
			delivered, err := p.db.WasDelivered(ctx, event.ID, identityID)
			if err != nil {
				p.log.Printf("check delivery %s/%s: %v", event.ID, identityID, err)
				continue
			}
			if delivered {
				continue
			}

			p.stats.Incr(stats.DeliveryTimeouts)
			p.notifier.Deliver(ctx, identityID, notify.Notification{
				RoomID:    event.RoomID,
				MessageID: messageID(event),
				Title:     "New message",
				Body:      notificationBody(event),
			})
		}
	}()
}

func (p *Pipeline) resolveTargets(ctx context.Context, event types.Event) ([]string, error) {
	if event.TargetID != "" {
		return []string{event.TargetID}, nil
	}
	if len(event.Targets) > 0 {
		return lo.Without(event.Targets, event.ActorID), nil
	}

	room, err := p.db.GetRoom(ctx, event.RoomID)
	if errors.Is(err, store.ErrNotFound) {
		// Room deleted after the event was published; deliver the
		// deletion to nobody in particular.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return lo.Without(room.Members, event.ActorID), nil
}

func messageID(event types.Event) int64 {
	if event.Message != nil {
		return event.Message.ID
	}
	return 0
}

func notificationBody(event types.Event) string {
	if event.Message != nil {
		return event.Message.Content
	}
	return string(event.Kind)
}
