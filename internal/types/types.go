package types

import (
	"time"
)

type Identity struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type RoomType string

const (
	RoomTypePublic  RoomType = "public"
	RoomTypePrivate RoomType = "private"
	RoomTypeDirect  RoomType = "direct"
)

type RoomSettings struct {
	// EditWindow bounds how long after sending a message its sender
	// may still edit it. Zero means the server default applies.
	EditWindow time.Duration `json:"edit_window,omitempty"`
}

type Room struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Type       RoomType     `json:"type"`
	MaxMembers int          `json:"max_members"`
	Members    []string     `json:"members"`
	Admins     []string     `json:"admins"`
	Banned     []string     `json:"banned"`
	Seq        int64        `json:"seq"`
	Settings   RoomSettings `json:"settings"`
	CreatedAt  time.Time    `json:"created_at,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at,omitempty"`
}

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Message struct {
	// ID is allocated from the room's sequence and is strictly
	// increasing within a room.
	ID          int64               `json:"id"`
	RoomID      string              `json:"room_id"`
	SenderID    string              `json:"sender_id"`
	Content     string              `json:"content"`
	Kind        MessageKind         `json:"kind"`
	Timestamp   time.Time           `json:"timestamp"`
	Edited      bool                `json:"edited,omitempty"`
	EditedAt    *time.Time          `json:"edited_at,omitempty"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	ReplyTo     int64               `json:"reply_to,omitempty"`
	Attachments []Attachment        `json:"attachments,omitempty"`
}

type Channel string

const (
	ChannelWebPush Channel = "webpush"
	ChannelAPNs    Channel = "apns"
	ChannelFCM     Channel = "fcm"
)

type Subscription struct {
	IdentityID string    `json:"identity_id"`
	Channel    Channel   `json:"channel"`
	Token      string    `json:"token"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

type EventKind string

const (
	EventMessageSent     EventKind = "message.sent"
	EventMessageEdited   EventKind = "message.edited"
	EventMessageDeleted  EventKind = "message.deleted"
	EventReactionAdded   EventKind = "reaction.added"
	EventReactionRemoved EventKind = "reaction.removed"
	EventUserJoined      EventKind = "user.joined"
	EventUserLeft        EventKind = "user.left"
	EventRoomDeleted     EventKind = "room.deleted"
	EventTyping          EventKind = "typing"
	EventReadReceipt     EventKind = "read.receipt"
)

type ReactionChange struct {
	MessageID  int64  `json:"message_id"`
	IdentityID string `json:"identity_id"`
	Emoji      string `json:"emoji"`
	Added      bool   `json:"added"`
}

type ReadReceipt struct {
	IdentityID string  `json:"identity_id"`
	MessageIDs []int64 `json:"message_ids"`
}

type Typing struct {
	IdentityID string `json:"identity_id"`
	Active     bool   `json:"active"`
}

// Event is the single cross-cutting notification carried by the fan-out
// bus. At most one payload pointer is set, matching Kind.
type Event struct {
	ID     string    `json:"id"`
	Kind   EventKind `json:"kind"`
	RoomID string    `json:"room_id,omitempty"`
	// ActorID is the identity that caused the event; it is excluded
	// from fan-out targets.
	ActorID string `json:"actor_id,omitempty"`
	// TargetID, when set, addresses the event to a single identity
	// instead of the room membership.
	TargetID string `json:"target_id,omitempty"`
	// Targets carries an explicit recipient list for events whose
	// room no longer exists at delivery time, e.g. room deletion.
	Targets []string `json:"targets,omitempty"`
	// Origin identifies the publishing process instance. The origin
	// owns the offline-notification fallback for the event.
	Origin    string          `json:"origin,omitempty"`
	Message   *Message        `json:"message,omitempty"`
	Reaction  *ReactionChange `json:"reaction,omitempty"`
	Receipt   *ReadReceipt    `json:"receipt,omitempty"`
	Typing    *Typing         `json:"typing,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
