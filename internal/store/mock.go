package store

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/relaychat/relay/internal/types"
)

type MockRepository struct {
	mock.Mock
}

var _ Repository = (*MockRepository)(nil)

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Account), args.Error(1)
}

func (m *MockRepository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Account), args.Error(1)
}

func (m *MockRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(Account), args.Error(1)
}

func (m *MockRepository) SaveRoom(ctx context.Context, room *types.Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *MockRepository) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	args := m.Called(ctx, roomID)
	if room, ok := args.Get(0).(*types.Room); ok {
		return room, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) DeleteRoom(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *MockRepository) NextMessageID(ctx context.Context, roomID string) (int64, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) SaveMessage(ctx context.Context, msg *types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockRepository) GetMessage(ctx context.Context, roomID string, id int64) (*types.Message, error) {
	args := m.Called(ctx, roomID, id)
	if msg, ok := args.Get(0).(*types.Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) DeleteMessage(ctx context.Context, roomID string, id int64) error {
	args := m.Called(ctx, roomID, id)
	return args.Error(0)
}

func (m *MockRepository) MessagesSince(ctx context.Context, roomID string, sinceID int64, limit int) ([]types.Message, error) {
	args := m.Called(ctx, roomID, sinceID, limit)
	return args.Get(0).([]types.Message), args.Error(1)
}

func (m *MockRepository) SaveSubscription(ctx context.Context, sub types.Subscription) error {
	args := m.Called(ctx, sub)
	return args.Error(0)
}

func (m *MockRepository) Subscriptions(ctx context.Context, identityID string) ([]types.Subscription, error) {
	args := m.Called(ctx, identityID)
	return args.Get(0).([]types.Subscription), args.Error(1)
}

func (m *MockRepository) RemoveSubscription(ctx context.Context, identityID string, channel types.Channel) error {
	args := m.Called(ctx, identityID, channel)
	return args.Error(0)
}

func (m *MockRepository) MarkDelivered(ctx context.Context, eventID, identityID string, ttl time.Duration) error {
	args := m.Called(ctx, eventID, identityID, ttl)
	return args.Error(0)
}

func (m *MockRepository) WasDelivered(ctx context.Context, eventID, identityID string) (bool, error) {
	args := m.Called(ctx, eventID, identityID)
	return args.Bool(0), args.Error(1)
}
