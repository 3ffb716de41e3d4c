package server

import (
	"net/http"
	"time"

	"github.com/relaychat/relay/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the closed frame union clients may send. Exactly one
// operation pointer must be set; frames are validated once on ingress
// before any dispatch.
type ClientMessage struct {
	BaseMessage
	Join    *Join    `json:"join,omitempty"`
	Leave   *Leave   `json:"leave,omitempty"`
	Publish *Publish `json:"publish,omitempty"`
	Edit    *Edit    `json:"edit,omitempty"`
	Delete  *Delete  `json:"delete,omitempty"`
	React   *React   `json:"react,omitempty"`
	Unreact *React   `json:"unreact,omitempty"`
	Read    *Read    `json:"read,omitempty"`
	Typing  *Typing  `json:"typing,omitempty"`
	Ping    *Ping    `json:"ping,omitempty"`

	identityID string  `json:"-"`
	client     *Client `json:"-"`
}

type Join struct {
	RoomId string `json:"room_id" validate:"required"`
	// SinceId is the client's last-seen message id; messages after it
	// are backfilled on join.
	SinceId int64 `json:"since_id"`
}

type Leave struct {
	RoomId string `json:"room_id" validate:"required"`
}

type Publish struct {
	RoomId      string             `json:"room_id" validate:"required"`
	Content     string             `json:"content" validate:"required,max=4096"`
	Kind        types.MessageKind  `json:"kind" validate:"omitempty,oneof=text image file system"`
	ReplyTo     int64              `json:"reply_to"`
	Attachments []types.Attachment `json:"attachments,omitempty" validate:"max=10"`
}

type Edit struct {
	RoomId    string `json:"room_id" validate:"required"`
	MessageId int64  `json:"message_id" validate:"required"`
	Content   string `json:"content" validate:"required,max=4096"`
}

type Delete struct {
	RoomId    string `json:"room_id" validate:"required"`
	MessageId int64  `json:"message_id" validate:"required"`
}

type React struct {
	RoomId    string `json:"room_id" validate:"required"`
	MessageId int64  `json:"message_id" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

type Read struct {
	RoomId     string  `json:"room_id" validate:"required"`
	MessageIds []int64 `json:"message_ids" validate:"required,min=1"`
}

type Typing struct {
	RoomId string `json:"room_id" validate:"required"`
	Active bool   `json:"active"`
}

type Ping struct{}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	Pong         *Ping          `json:"pong,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	Presence    *Presence             `json:"presence,omitempty"`
	Typing      *types.Typing         `json:"typing,omitempty"`
	Reaction    *types.ReactionChange `json:"reaction,omitempty"`
	Edited      *types.Message        `json:"edited,omitempty"`
	Deleted     *Deleted              `json:"deleted,omitempty"`
	Read        *types.ReadReceipt    `json:"read,omitempty"`
	RoomDeleted *RoomDeleted          `json:"room_deleted,omitempty"`
	RoomId      string                `json:"room_id,omitempty"`
}

type Presence struct {
	Present    bool   `json:"present"`
	IdentityId string `json:"identity_id"`
	RoomId     string `json:"room_id"`
}

type Deleted struct {
	RoomId    string `json:"room_id"`
	MessageId int64  `json:"message_id"`
}

type RoomDeleted struct {
	RoomId string `json:"room_id"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
			Data:         data,
		},
	}
}

func errResponse(id, code int, msg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        msg,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "room not found")
}

func ErrNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "not found")
}

func ErrForbidden(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "forbidden")
}

func ErrBanned(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "banned")
}

func ErrRoomFull(id int) *ServerMessage {
	return errResponse(id, http.StatusConflict, "room is full")
}

func ErrNotMember(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "not a member")
}

func ErrEditWindowExpired(id int) *ServerMessage {
	return errResponse(id, http.StatusConflict, "edit window expired")
}

func ErrRateLimited(id int) *ServerMessage {
	return errResponse(id, http.StatusTooManyRequests, "rate limited")
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
