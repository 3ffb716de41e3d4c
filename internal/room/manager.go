// Package room implements the business logic for room membership and
// message mutation. Every mutating operation follows the same order:
// read, modify, persist, publish. A persistence failure aborts the
// operation before anything reaches the bus, so no partial state ever
// propagates.
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/teris-io/shortid"

	"github.com/relaychat/relay/internal/bus"
	"github.com/relaychat/relay/internal/stats"
	"github.com/relaychat/relay/internal/store"
	"github.com/relaychat/relay/internal/types"
)

const DefaultEditWindow = 5 * time.Minute

type Manager struct {
	log        *log.Logger
	db         store.Repository
	bus        bus.Bus
	stats      stats.StatsProvider
	editWindow time.Duration
	// origin names this process instance on published events so the
	// delivery pipeline knows who owns the offline fallback.
	origin string

	// now is swapped in tests to control the edit window clock.
	now func() time.Time
}

func NewManager(logger *log.Logger, db store.Repository, b bus.Bus, sp stats.StatsProvider, editWindow time.Duration, origin string) *Manager {
	if editWindow <= 0 {
		editWindow = DefaultEditWindow
	}
	return &Manager{
		log:        logger,
		db:         db,
		bus:        b,
		stats:      sp,
		editWindow: editWindow,
		origin:     origin,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type CreateParams struct {
	Name       string
	Type       types.RoomType
	MaxMembers int
	Settings   types.RoomSettings
}

// Create makes a new room owned by ownerID. The owner starts as the
// sole member and admin.
func (m *Manager) Create(ctx context.Context, ownerID string, params CreateParams) (*types.Room, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate room id: %w", err)
	}

	if params.Type == "" {
		params.Type = types.RoomTypePublic
	}

	room := &types.Room{
		ID:         id,
		Name:       params.Name,
		Type:       params.Type,
		MaxMembers: params.MaxMembers,
		Members:    []string{ownerID},
		Admins:     []string{ownerID},
		Settings:   params.Settings,
		CreatedAt:  m.now(),
	}

	if err := m.db.SaveRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("save room: %w", err)
	}

	m.stats.Incr(stats.LiveRooms)
	m.log.Printf("created %s room %q for %q", room.Type, room.ID, ownerID)
	return room, nil
}

// CreateDirect makes a two-party direct room. Both parties are members;
// neither is an admin. The room is deleted when both leave.
func (m *Manager) CreateDirect(ctx context.Context, a, b string) (*types.Room, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate room id: %w", err)
	}

	room := &types.Room{
		ID:         id,
		Type:       types.RoomTypeDirect,
		MaxMembers: 2,
		Members:    []string{a, b},
		CreatedAt:  m.now(),
	}

	if err := m.db.SaveRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("save room: %w", err)
	}

	m.stats.Incr(stats.LiveRooms)
	return room, nil
}

func (m *Manager) Get(ctx context.Context, roomID string) (*types.Room, error) {
	room, err := m.db.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return room, err
}

// Join adds identityID to the room's members. Banned identities are
// rejected even if they were previously members; private rooms admit
// only existing members.
func (m *Manager) Join(ctx context.Context, roomID, identityID string) (*types.Room, error) {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if lo.Contains(room.Banned, identityID) {
		return nil, ErrBanned
	}
	if lo.Contains(room.Members, identityID) {
		// Already a member; joining again is a no-op.
		return room, nil
	}
	if room.Type == types.RoomTypePrivate {
		return nil, ErrForbidden
	}
	if room.MaxMembers > 0 && len(room.Members) >= room.MaxMembers {
		return nil, ErrRoomFull
	}

	room.Members = append(room.Members, identityID)

	if err := m.db.SaveRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("save room: %w", err)
	}

	m.publish(ctx, bus.RoomTopic(roomID), types.Event{
		Kind:    types.EventUserJoined,
		RoomID:  roomID,
		ActorID: identityID,
	})
	return room, nil
}

// Leave removes identityID from the room. Leaving a room one is not a
// member of is a no-op, not an error. An empty direct room is deleted.
func (m *Manager) Leave(ctx context.Context, roomID, identityID string) error {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return err
	}

	if !lo.Contains(room.Members, identityID) {
		return nil
	}

	prevMembers := room.Members
	room.Members = lo.Without(room.Members, identityID)
	room.Admins = lo.Without(room.Admins, identityID)

	if room.Type == types.RoomTypeDirect && len(room.Members) == 0 {
		if err := m.db.DeleteRoom(ctx, roomID); err != nil {
			return fmt.Errorf("delete room: %w", err)
		}
		m.stats.Decr(stats.LiveRooms)
		m.publish(ctx, bus.RoomTopic(roomID), types.Event{
			Kind:    types.EventRoomDeleted,
			RoomID:  roomID,
			ActorID: identityID,
			Targets: prevMembers,
		})
		return nil
	}

	if err := m.db.SaveRoom(ctx, room); err != nil {
		return fmt.Errorf("save room: %w", err)
	}

	m.publish(ctx, bus.RoomTopic(roomID), types.Event{
		Kind:    types.EventUserLeft,
		RoomID:  roomID,
		ActorID: identityID,
	})
	return nil
}

type SendParams struct {
	Content     string
	Kind        types.MessageKind
	ReplyTo     int64
	Attachments []types.Attachment
}

// Send persists a new message and publishes it. The message id comes
// from the room's atomic sequence, so ids are strictly increasing per
// room no matter how many processes send concurrently. Content is not
// sanitized here; the ingress boundary owns that.
func (m *Manager) Send(ctx context.Context, roomID, senderID string, params SendParams) (*types.Message, error) {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if !lo.Contains(room.Members, senderID) {
		return nil, ErrNotMember
	}

	id, err := m.db.NextMessageID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("next message id: %w", err)
	}

	if params.Kind == "" {
		params.Kind = types.MessageKindText
	}

	msg := &types.Message{
		ID:          id,
		RoomID:      roomID,
		SenderID:    senderID,
		Content:     params.Content,
		Kind:        params.Kind,
		Timestamp:   m.now(),
		ReplyTo:     params.ReplyTo,
		Attachments: params.Attachments,
	}

	if err := m.db.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	m.stats.Incr(stats.MessagesSent)
	m.publish(ctx, bus.RoomTopic(roomID), types.Event{
		Kind:    types.EventMessageSent,
		RoomID:  roomID,
		ActorID: senderID,
		Message: msg,
	})
	return msg, nil
}

// Edit rewrites a message's content. Only the sender may edit, and only
// within the room's edit window.
func (m *Manager) Edit(ctx context.Context, roomID string, messageID int64, editorID, newContent string) (*types.Message, error) {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	msg, err := m.db.GetMessage(ctx, roomID, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if msg.SenderID != editorID {
		return nil, ErrForbidden
	}

	window := room.Settings.EditWindow
	if window <= 0 {
		window = m.editWindow
	}
	if m.now().Sub(msg.Timestamp) > window {
		return nil, ErrEditWindowExpired
	}

	now := m.now()
	msg.Content = newContent
	msg.Edited = true
	msg.EditedAt = &now

	if err := m.db.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	m.publish(ctx, bus.RoomTopic(roomID), types.Event{
		Kind:    types.EventMessageEdited,
		RoomID:  roomID,
		ActorID: editorID,
		Message: msg,
	})
	return msg, nil
}

// Delete tombstones a message. The sender or a room admin may delete;
// the id can never be rewritten afterwards.
func (m *Manager) Delete(ctx context.Context, roomID string, messageID int64, requesterID string) error {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return err
	}

	msg, err := m.db.GetMessage(ctx, roomID, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if msg.SenderID != requesterID && !lo.Contains(room.Admins, requesterID) {
		return ErrForbidden
	}

	if err := m.db.DeleteMessage(ctx, roomID, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	m.publish(ctx, bus.RoomTopic(roomID), types.Event{
		Kind:    types.EventMessageDeleted,
		RoomID:  roomID,
		ActorID: requesterID,
		Message: &types.Message{ID: messageID, RoomID: roomID},
	})
	return nil
}

// React adds identityID to the message's reaction set for emoji.
// Adding the same reaction twice is a no-op.
func (m *Manager) React(ctx context.Context, roomID string, messageID int64, identityID, emoji string) error {
	return m.setReaction(ctx, roomID, messageID, identityID, emoji, true)
}

// Unreact removes identityID from the message's reaction set for emoji.
// Removing an absent reaction is a no-op.
func (m *Manager) Unreact(ctx context.Context, roomID string, messageID int64, identityID, emoji string) error {
	return m.setReaction(ctx, roomID, messageID, identityID, emoji, false)
}

func (m *Manager) setReaction(ctx context.Context, roomID string, messageID int64, identityID, emoji string, added bool) error {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return err
	}

	if !lo.Contains(room.Members, identityID) {
		return ErrNotMember
	}

	msg, err := m.db.GetMessage(ctx, roomID, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}

	if added {
		msg.Reactions[emoji] = lo.Uniq(append(msg.Reactions[emoji], identityID))
	} else {
		msg.Reactions[emoji] = lo.Without(msg.Reactions[emoji], identityID)
		if len(msg.Reactions[emoji]) == 0 {
			delete(msg.Reactions, emoji)
		}
	}

	if err := m.db.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	kind := types.EventReactionAdded
	if !added {
		kind = types.EventReactionRemoved
	}
	m.publish(ctx, bus.RoomTopic(roomID), types.Event{
		Kind:    kind,
		RoomID:  roomID,
		ActorID: identityID,
		Reaction: &types.ReactionChange{
			MessageID:  messageID,
			IdentityID: identityID,
			Emoji:      emoji,
			Added:      added,
		},
	})
	return nil
}

// Ban removes the target from the room and bars rejoining. Admin only.
// The acting admin cannot ban another admin.
func (m *Manager) Ban(ctx context.Context, roomID, adminID, targetID string) error {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return err
	}

	if !lo.Contains(room.Admins, adminID) || lo.Contains(room.Admins, targetID) {
		return ErrForbidden
	}

	room.Members = lo.Without(room.Members, targetID)
	room.Banned = lo.Uniq(append(room.Banned, targetID))

	if err := m.db.SaveRoom(ctx, room); err != nil {
		return fmt.Errorf("save room: %w", err)
	}

	m.publish(ctx, bus.RoomTopic(roomID), types.Event{
		Kind:    types.EventUserLeft,
		RoomID:  roomID,
		ActorID: targetID,
	})
	// Room fan-out excludes the target now that membership is gone, so
	// their own connections are told directly.
	m.publish(ctx, bus.IdentityTopic(targetID), types.Event{
		Kind:     types.EventUserLeft,
		RoomID:   roomID,
		ActorID:  targetID,
		TargetID: targetID,
	})
	return nil
}

// Promote grants admin to an existing member. Admin only.
func (m *Manager) Promote(ctx context.Context, roomID, adminID, targetID string) error {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return err
	}

	if !lo.Contains(room.Admins, adminID) {
		return ErrForbidden
	}
	if !lo.Contains(room.Members, targetID) {
		return ErrNotMember
	}

	room.Admins = lo.Uniq(append(room.Admins, targetID))

	return m.db.SaveRoom(ctx, room)
}

// DeleteRoom removes the room entirely. Admin only.
func (m *Manager) DeleteRoom(ctx context.Context, roomID, requesterID string) error {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return err
	}

	if !lo.Contains(room.Admins, requesterID) {
		return ErrForbidden
	}

	if err := m.db.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}

	m.stats.Decr(stats.LiveRooms)
	m.publish(ctx, bus.RoomTopic(roomID), types.Event{
		Kind:    types.EventRoomDeleted,
		RoomID:  roomID,
		ActorID: requesterID,
		Targets: room.Members,
	})
	return nil
}

// Messages is the backfill pull path: messages with id > sinceID in
// send order. A reconnecting client passes its last-seen id. Only
// members may read history; joining is the sole way in.
func (m *Manager) Messages(ctx context.Context, roomID, identityID string, sinceID int64, limit int) ([]types.Message, error) {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !lo.Contains(room.Members, identityID) {
		return nil, ErrNotMember
	}
	return m.db.MessagesSince(ctx, roomID, sinceID, limit)
}

// Typing publishes an ephemeral typing indicator. Nothing is persisted.
func (m *Manager) Typing(ctx context.Context, roomID, identityID string, active bool) error {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if !lo.Contains(room.Members, identityID) {
		return ErrNotMember
	}

	m.publish(ctx, bus.RoomTopic(roomID), types.Event{
		Kind:    types.EventTyping,
		RoomID:  roomID,
		ActorID: identityID,
		Typing:  &types.Typing{IdentityID: identityID, Active: active},
	})
	return nil
}

// MarkRead publishes a read receipt for the given message ids. Receipts
// are fan-out only; the recipient's client tracks its own cursor.
func (m *Manager) MarkRead(ctx context.Context, roomID, identityID string, messageIDs []int64) error {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if !lo.Contains(room.Members, identityID) {
		return ErrNotMember
	}

	m.publish(ctx, bus.RoomTopic(roomID), types.Event{
		Kind:    types.EventReadReceipt,
		RoomID:  roomID,
		ActorID: identityID,
		Receipt: &types.ReadReceipt{IdentityID: identityID, MessageIDs: messageIDs},
	})
	return nil
}

func (m *Manager) publish(ctx context.Context, topic string, event types.Event) {
	event.ID = uuid.NewString()
	event.Origin = m.origin
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}

	// The mutation is already durable; a bus failure only delays
	// propagation until clients backfill.
	if err := m.bus.Publish(ctx, topic, event); err != nil {
		m.log.Printf("publish %s on %q: %v", event.Kind, topic, err)
	}
}
