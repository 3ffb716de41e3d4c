package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaychat/relay/internal/registry"
	"github.com/relaychat/relay/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 256
)

type Client struct {
	conn     *websocket.Conn
	gateway  *Gateway
	log      *log.Logger
	identity types.Identity
	send     chan *ServerMessage
	stop     chan struct{}
	stopOnce sync.Once

	// reg is this client's record in the connection registry.
	reg *registry.Connection
}

func NewClient(identity types.Identity, conn *websocket.Conn, gw *Gateway, l *log.Logger) *Client {
	c := &Client{
		conn:     conn,
		gateway:  gw,
		log:      l,
		identity: identity,
		send:     make(chan *ServerMessage, sendBuffer),
		stop:     make(chan struct{}),
	}
	c.reg = registry.NewConnection(identity.ID, c.deliverEvent, c.stopClient)
	return c
}

// deliverEvent is the registry's push path into this connection. It
// must never block; a full send buffer counts as not delivered.
func (c *Client) deliverEvent(event types.Event) bool {
	msg := eventToServerMessage(event)
	if msg == nil {
		return true
	}
	return c.queueMessage(msg)
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.gateway.registry.Touch(c.reg.ID)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.identityID = c.identity.ID
		msg.Timestamp = Now()

		c.gateway.registry.Touch(c.reg.ID)
		c.gateway.Dispatch(&msg)
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.gateway.registry.Deregister(c.reg.ID)
	c.stopClient()
}

// eventToServerMessage maps a bus event to its wire frame. A nil return
// means the event has no client-facing representation.
func eventToServerMessage(event types.Event) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: event.Timestamp},
	}

	switch event.Kind {
	case types.EventMessageSent:
		msg.Message = event.Message
	case types.EventMessageEdited:
		msg.Notification = &Notification{RoomId: event.RoomID, Edited: event.Message}
	case types.EventMessageDeleted:
		if event.Message == nil {
			return nil
		}
		msg.Notification = &Notification{RoomId: event.RoomID, Deleted: &Deleted{
			RoomId:    event.RoomID,
			MessageId: event.Message.ID,
		}}
	case types.EventReactionAdded, types.EventReactionRemoved:
		msg.Notification = &Notification{RoomId: event.RoomID, Reaction: event.Reaction}
	case types.EventUserJoined:
		msg.Notification = &Notification{RoomId: event.RoomID, Presence: &Presence{
			Present:    true,
			IdentityId: event.ActorID,
			RoomId:     event.RoomID,
		}}
	case types.EventUserLeft:
		msg.Notification = &Notification{RoomId: event.RoomID, Presence: &Presence{
			Present:    false,
			IdentityId: event.ActorID,
			RoomId:     event.RoomID,
		}}
	case types.EventRoomDeleted:
		msg.Notification = &Notification{RoomId: event.RoomID, RoomDeleted: &RoomDeleted{RoomId: event.RoomID}}
	case types.EventTyping:
		msg.Notification = &Notification{RoomId: event.RoomID, Typing: event.Typing}
	case types.EventReadReceipt:
		msg.Notification = &Notification{RoomId: event.RoomID, Read: event.Receipt}
	default:
		return nil
	}

	return msg
}
