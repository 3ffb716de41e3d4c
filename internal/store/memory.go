package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaychat/relay/internal/types"
)

// MemoryRepository is a process-local Repository used by tests and
// single-process development runs. It honors the same semantics as the
// Redis implementation, including tombstones and sequence atomicity.
type MemoryRepository struct {
	mu sync.Mutex

	accounts      map[string]Account
	accountEmails map[string]string
	rooms         map[string]*types.Room
	seqs          map[string]int64
	messages      map[string]map[int64]*types.Message
	tombstones    map[string]map[int64]struct{}
	subscriptions map[string]map[types.Channel]types.Subscription
	delivered     map[string]time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:      make(map[string]Account),
		accountEmails: make(map[string]string),
		rooms:         make(map[string]*types.Room),
		seqs:          make(map[string]int64),
		messages:      make(map[string]map[int64]*types.Message),
		tombstones:    make(map[string]map[int64]struct{}),
		subscriptions: make(map[string]map[types.Channel]types.Subscription),
		delivered:     make(map[string]time.Time),
	}
}

var _ Repository = (*MemoryRepository)(nil)

func (m *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accountEmails[params.EmailAddress]; exists {
		return Account{}, ErrAccountExists
	}

	acct := Account{
		ID:           uuid.NewString(),
		Username:     params.Username,
		EmailAddress: params.EmailAddress,
		PasswordHash: params.PasswordHash,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	m.accounts[acct.ID] = acct
	m.accountEmails[acct.EmailAddress] = acct.ID
	return acct, nil
}

func (m *MemoryRepository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

func (m *MemoryRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	m.mu.Lock()
	id, ok := m.accountEmails[email]
	m.mu.Unlock()
	if !ok {
		return Account{}, ErrNotFound
	}
	return m.GetAccountByID(ctx, id)
}

func copyRoom(room *types.Room) *types.Room {
	cp := *room
	cp.Members = append([]string(nil), room.Members...)
	cp.Admins = append([]string(nil), room.Admins...)
	cp.Banned = append([]string(nil), room.Banned...)
	return &cp
}

func (m *MemoryRepository) SaveRoom(ctx context.Context, room *types.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room.UpdatedAt = time.Now().UTC()
	m.rooms[room.ID] = copyRoom(room)
	return nil
}

func (m *MemoryRepository) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRoom(room), nil
}

func (m *MemoryRepository) DeleteRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rooms, roomID)
	delete(m.seqs, roomID)
	delete(m.messages, roomID)
	return nil
}

func (m *MemoryRepository) NextMessageID(ctx context.Context, roomID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seqs[roomID]++
	return m.seqs[roomID], nil
}

func (m *MemoryRepository) SaveMessage(ctx context.Context, msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tombstones[msg.RoomID][msg.ID]; ok {
		return ErrTombstoned
	}

	if m.messages[msg.RoomID] == nil {
		m.messages[msg.RoomID] = make(map[int64]*types.Message)
	}
	cp := *msg
	m.messages[msg.RoomID][msg.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetMessage(ctx context.Context, roomID string, id int64) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[roomID][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *MemoryRepository) DeleteMessage(ctx context.Context, roomID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.messages[roomID], id)
	if m.tombstones[roomID] == nil {
		m.tombstones[roomID] = make(map[int64]struct{})
	}
	m.tombstones[roomID][id] = struct{}{}
	return nil
}

func (m *MemoryRepository) MessagesSince(ctx context.Context, roomID string, sinceID int64, limit int) ([]types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var messages []types.Message
	// Ids are dense enough to scan in order up to the room sequence.
	for id := sinceID + 1; id <= m.seqs[roomID]; id++ {
		if msg, ok := m.messages[roomID][id]; ok {
			messages = append(messages, *msg)
			if limit > 0 && len(messages) >= limit {
				break
			}
		}
	}
	return messages, nil
}

func (m *MemoryRepository) SaveSubscription(ctx context.Context, sub types.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if m.subscriptions[sub.IdentityID] == nil {
		m.subscriptions[sub.IdentityID] = make(map[types.Channel]types.Subscription)
	}
	m.subscriptions[sub.IdentityID][sub.Channel] = sub
	return nil
}

func (m *MemoryRepository) Subscriptions(ctx context.Context, identityID string) ([]types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := make([]types.Subscription, 0, len(m.subscriptions[identityID]))
	for _, sub := range m.subscriptions[identityID] {
		subs = append(subs, sub)
	}
	return subs, nil
}

func (m *MemoryRepository) RemoveSubscription(ctx context.Context, identityID string, channel types.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subscriptions[identityID], channel)
	return nil
}

func (m *MemoryRepository) MarkDelivered(ctx context.Context, eventID, identityID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.delivered[eventID+":"+identityID] = time.Now().Add(ttl)
	return nil
}

func (m *MemoryRepository) WasDelivered(ctx context.Context, eventID, identityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.delivered[eventID+":"+identityID]
	if !ok {
		return false, nil
	}
	if time.Now().After(exp) {
		delete(m.delivered, eventID+":"+identityID)
		return false, nil
	}
	return true, nil
}
