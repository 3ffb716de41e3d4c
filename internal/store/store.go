package store

import (
	"context"
	"errors"
	"time"

	"github.com/relaychat/relay/internal/types"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAccountExists = errors.New("account already exists")
	ErrTombstoned    = errors.New("message is tombstoned")
)

type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

// Repository is the persistence collaborator. It exposes the access
// pattern the core relies on: document get/set/delete, a sorted message
// index per room, atomic sequence increments and short-lived delivery
// acks. All methods are safe for concurrent use from multiple processes.
type Repository interface {
	Ping(ctx context.Context) error
	Close() error

	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountByID(ctx context.Context, id string) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)

	SaveRoom(ctx context.Context, room *types.Room) error
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error

	// NextMessageID atomically increments the room-scoped sequence,
	// so concurrent senders on different processes never allocate the
	// same id or observe ids out of order.
	NextMessageID(ctx context.Context, roomID string) (int64, error)
	SaveMessage(ctx context.Context, msg *types.Message) error
	GetMessage(ctx context.Context, roomID string, id int64) (*types.Message, error)
	// DeleteMessage tombstones the message: the document is removed,
	// the index entry dropped, and the id can never be rewritten.
	DeleteMessage(ctx context.Context, roomID string, id int64) error
	// MessagesSince returns messages with id > sinceID in index order.
	MessagesSince(ctx context.Context, roomID string, sinceID int64, limit int) ([]types.Message, error)

	SaveSubscription(ctx context.Context, sub types.Subscription) error
	Subscriptions(ctx context.Context, identityID string) ([]types.Subscription, error)
	RemoveSubscription(ctx context.Context, identityID string, channel types.Channel) error

	MarkDelivered(ctx context.Context, eventID, identityID string, ttl time.Duration) error
	WasDelivered(ctx context.Context, eventID, identityID string) (bool, error)
}
