package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/relaychat/relay/internal/registry"
	"github.com/relaychat/relay/internal/room"
)

const (
	opTimeout     = 10 * time.Second
	backfillLimit = 100
)

// Sanitizer is the input-validation collaborator. It runs on message
// content before the room manager sees it.
type Sanitizer func(string) string

// RateLimiter is the throttling collaborator's signal. False rejects
// the frame before it reaches the room manager.
type RateLimiter func(identityID string) bool

// Gateway owns the socket-facing side of the core: it registers
// connections, validates inbound frames once, and drives the room
// manager. Delivery back to sockets arrives through the registry, not
// through the gateway.
type Gateway struct {
	log      *log.Logger
	registry *registry.Registry
	rooms    *room.Manager
	validate *validator.Validate
	sanitize Sanitizer
	allow    RateLimiter
}

func NewGateway(logger *log.Logger, reg *registry.Registry, rooms *room.Manager, sanitize Sanitizer, allow RateLimiter) *Gateway {
	if sanitize == nil {
		sanitize = func(s string) string { return s }
	}
	if allow == nil {
		allow = func(string) bool { return true }
	}

	return &Gateway{
		log:      logger,
		registry: reg,
		rooms:    rooms,
		validate: validator.New(),
		sanitize: sanitize,
		allow:    allow,
	}
}

// RegisterClient places the client's connection in the registry.
// Returns registry.ErrCapacityExceeded when a cap is hit.
func (g *Gateway) RegisterClient(c *Client) error {
	return g.registry.Register(c.reg)
}

// AtCapacity reports whether a new connection for the identity would
// be rejected, so callers can refuse before upgrading the socket.
func (g *Gateway) AtCapacity(identityID string) bool {
	return g.registry.AtCapacity(identityID)
}

// Dispatch routes one validated client frame to its handler. A frame
// with no recognized operation, or more than the expected payload, is
// rejected at the boundary.
func (g *Gateway) Dispatch(msg *ClientMessage) {
	if err := g.validate.Struct(msg); err != nil {
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if !g.allow(msg.identityID) {
		msg.client.queueMessage(ErrRateLimited(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch {
	case msg.Join != nil:
		g.handleJoin(ctx, msg)
	case msg.Leave != nil:
		g.handleLeave(ctx, msg)
	case msg.Publish != nil:
		g.handlePublish(ctx, msg)
	case msg.Edit != nil:
		g.handleEdit(ctx, msg)
	case msg.Delete != nil:
		g.handleDelete(ctx, msg)
	case msg.React != nil:
		g.handleReact(ctx, msg, true)
	case msg.Unreact != nil:
		g.handleReact(ctx, msg, false)
	case msg.Read != nil:
		g.handleRead(ctx, msg)
	case msg.Typing != nil:
		g.handleTyping(ctx, msg)
	case msg.Ping != nil:
		msg.client.queueMessage(&ServerMessage{
			BaseMessage: BaseMessage{Id: msg.Id, Timestamp: Now()},
			Pong:        &Ping{},
		})
	default:
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (g *Gateway) handleJoin(ctx context.Context, msg *ClientMessage) {
	r, err := g.rooms.Join(ctx, msg.Join.RoomId, msg.identityID)
	if err != nil {
		// Not-found on join can only mean the room.
		if errors.Is(err, room.ErrNotFound) {
			msg.client.queueMessage(ErrRoomNotFound(msg.Id))
			return
		}
		msg.client.queueMessage(errorFor(msg.Id, err))
		return
	}

	msg.client.reg.AddRoom(r.ID)
	msg.client.queueMessage(NoErrOK(msg.Id, r))

	// Backfill everything past the client's last-seen id so a
	// reconnect never loses acknowledged messages.
	history, err := g.rooms.Messages(ctx, r.ID, msg.identityID, msg.Join.SinceId, backfillLimit)
	if err != nil {
		g.log.Printf("backfill room %q: %v", r.ID, err)
		return
	}
	for i := range history {
		msg.client.queueMessage(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: history[i].Timestamp},
			Message:     &history[i],
		})
	}
}

func (g *Gateway) handleLeave(ctx context.Context, msg *ClientMessage) {
	// Fire-and-forget: the client gets no reply unless leaving failed.
	if err := g.rooms.Leave(ctx, msg.Leave.RoomId, msg.identityID); err != nil {
		msg.client.queueMessage(errorFor(msg.Id, err))
		return
	}
	msg.client.reg.RemoveRoom(msg.Leave.RoomId)
}

func (g *Gateway) handlePublish(ctx context.Context, msg *ClientMessage) {
	sent, err := g.rooms.Send(ctx, msg.Publish.RoomId, msg.identityID, room.SendParams{
		Content:     g.sanitize(msg.Publish.Content),
		Kind:        msg.Publish.Kind,
		ReplyTo:     msg.Publish.ReplyTo,
		Attachments: msg.Publish.Attachments,
	})
	if err != nil {
		msg.client.queueMessage(errorFor(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrAccepted(msg.Id, map[string]any{
		"id":        sent.ID,
		"timestamp": sent.Timestamp,
	}))
}

func (g *Gateway) handleEdit(ctx context.Context, msg *ClientMessage) {
	edited, err := g.rooms.Edit(ctx, msg.Edit.RoomId, msg.Edit.MessageId, msg.identityID, g.sanitize(msg.Edit.Content))
	if err != nil {
		msg.client.queueMessage(errorFor(msg.Id, err))
		return
	}
	msg.client.queueMessage(NoErrOK(msg.Id, edited))
}

func (g *Gateway) handleDelete(ctx context.Context, msg *ClientMessage) {
	if err := g.rooms.Delete(ctx, msg.Delete.RoomId, msg.Delete.MessageId, msg.identityID); err != nil {
		msg.client.queueMessage(errorFor(msg.Id, err))
		return
	}
	msg.client.queueMessage(NoErrOK(msg.Id, nil))
}

func (g *Gateway) handleReact(ctx context.Context, msg *ClientMessage, add bool) {
	react := msg.React
	op := g.rooms.React
	if !add {
		react = msg.Unreact
		op = g.rooms.Unreact
	}

	if err := op(ctx, react.RoomId, react.MessageId, msg.identityID, react.Emoji); err != nil {
		msg.client.queueMessage(errorFor(msg.Id, err))
		return
	}
	msg.client.queueMessage(NoErrOK(msg.Id, nil))
}

func (g *Gateway) handleRead(ctx context.Context, msg *ClientMessage) {
	if err := g.rooms.MarkRead(ctx, msg.Read.RoomId, msg.identityID, msg.Read.MessageIds); err != nil {
		msg.client.queueMessage(errorFor(msg.Id, err))
	}
}

func (g *Gateway) handleTyping(ctx context.Context, msg *ClientMessage) {
	// Ephemeral; errors are not worth a frame back.
	if err := g.rooms.Typing(ctx, msg.Typing.RoomId, msg.identityID, msg.Typing.Active); err != nil {
		g.log.Printf("typing in room %q: %v", msg.Typing.RoomId, err)
	}
}

// Shutdown force-closes every local connection via the registry.
func (g *Gateway) Shutdown() {
	g.log.Println("shutting down gateway connections")
	g.registry.Shutdown()
}

func errorFor(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, room.ErrNotFound):
		return ErrNotFound(id)
	case errors.Is(err, room.ErrBanned):
		return ErrBanned(id)
	case errors.Is(err, room.ErrRoomFull):
		return ErrRoomFull(id)
	case errors.Is(err, room.ErrForbidden):
		return ErrForbidden(id)
	case errors.Is(err, room.ErrNotMember):
		return ErrNotMember(id)
	case errors.Is(err, room.ErrEditWindowExpired):
		return ErrEditWindowExpired(id)
	case errors.Is(err, context.DeadlineExceeded):
		return ErrServiceUnavailable(id)
	default:
		return ErrInternalError(id)
	}
}

// RetryAfterHeader is the hint attached when the registry rejects a
// connection for capacity.
func RetryAfterHeader(h http.Header) {
	h.Set("Retry-After", "30")
}
