package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaychat/relay/internal/types"
)

// RedisRepository implements Repository on a shared Redis instance.
// Rooms and messages are JSON documents; the per-room message index is
// a sorted set scored by message id.
type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository(ctx context.Context, redisURL string) (*RedisRepository, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisRepository{client: client}, nil
}

var _ Repository = (*RedisRepository)(nil)

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func accountKey(id string) string {
	return "account:" + id
}

func accountEmailKey(email string) string {
	return "account:email:" + email
}

func roomKey(roomID string) string {
	return "room:" + roomID
}

func roomSeqKey(roomID string) string {
	return fmt.Sprintf("room:%s:seq", roomID)
}

func roomMessagesKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

func messageKey(roomID string, id int64) string {
	return fmt.Sprintf("message:%s:%d", roomID, id)
}

func tombstoneKey(roomID string, id int64) string {
	return fmt.Sprintf("message:%s:%d:tombstone", roomID, id)
}

func subscriptionsKey(identityID string) string {
	return "push:subscriptions:" + identityID
}

func deliveredKey(eventID, identityID string) string {
	return fmt.Sprintf("delivered:%s:%s", eventID, identityID)
}

func (r *RedisRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	acct := Account{
		ID:           uuid.NewString(),
		Username:     params.Username,
		EmailAddress: params.EmailAddress,
		PasswordHash: params.PasswordHash,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	// Claim the email first so two concurrent registrations can't
	// both succeed.
	ok, err := r.client.SetNX(ctx, accountEmailKey(params.EmailAddress), acct.ID, 0).Result()
	if err != nil {
		return Account{}, fmt.Errorf("claim email: %w", err)
	}
	if !ok {
		return Account{}, ErrAccountExists
	}

	data, err := json.Marshal(acct)
	if err != nil {
		return Account{}, err
	}

	if err := r.client.Set(ctx, accountKey(acct.ID), data, 0).Err(); err != nil {
		return Account{}, fmt.Errorf("save account: %w", err)
	}

	return acct, nil
}

func (r *RedisRepository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	data, err := r.client.Get(ctx, accountKey(id)).Bytes()
	if err == redis.Nil {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}

	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (r *RedisRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	id, err := r.client.Get(ctx, accountEmailKey(email)).Result()
	if err == redis.Nil {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return r.GetAccountByID(ctx, id)
}

func (r *RedisRepository) SaveRoom(ctx context.Context, room *types.Room) error {
	room.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(room)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, roomKey(room.ID), data, 0).Err()
}

func (r *RedisRepository) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	data, err := r.client.Get(ctx, roomKey(roomID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var room types.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *RedisRepository) DeleteRoom(ctx context.Context, roomID string) error {
	return r.client.Del(ctx,
		roomKey(roomID),
		roomSeqKey(roomID),
		roomMessagesKey(roomID),
	).Err()
}

func (r *RedisRepository) NextMessageID(ctx context.Context, roomID string) (int64, error) {
	return r.client.Incr(ctx, roomSeqKey(roomID)).Result()
}

func (r *RedisRepository) SaveMessage(ctx context.Context, msg *types.Message) error {
	exists, err := r.client.Exists(ctx, tombstoneKey(msg.RoomID, msg.ID)).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrTombstoned
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, messageKey(msg.RoomID, msg.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	// Score by id: ids are allocated from the room sequence, so index
	// order is send order.
	return r.client.ZAdd(ctx, roomMessagesKey(msg.RoomID), redis.Z{
		Score:  float64(msg.ID),
		Member: strconv.FormatInt(msg.ID, 10),
	}).Err()
}

func (r *RedisRepository) GetMessage(ctx context.Context, roomID string, id int64) (*types.Message, error) {
	data, err := r.client.Get(ctx, messageKey(roomID, id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *RedisRepository) DeleteMessage(ctx context.Context, roomID string, id int64) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, messageKey(roomID, id))
	pipe.ZRem(ctx, roomMessagesKey(roomID), strconv.FormatInt(id, 10))
	pipe.Set(ctx, tombstoneKey(roomID, id), "1", 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRepository) MessagesSince(ctx context.Context, roomID string, sinceID int64, limit int) ([]types.Message, error) {
	ids, err := r.client.ZRangeByScore(ctx, roomMessagesKey(roomID), &redis.ZRangeBy{
		Min:   fmt.Sprintf("(%d", sinceID),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]types.Message, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		msg, err := r.GetMessage(ctx, roomID, id)
		if err != nil {
			// Deleted between index read and fetch.
			continue
		}
		messages = append(messages, *msg)
	}

	return messages, nil
}

func (r *RedisRepository) SaveSubscription(ctx context.Context, sub types.Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}

	// One token per channel: HSET replaces the prior token for the
	// same channel field.
	return r.client.HSet(ctx, subscriptionsKey(sub.IdentityID), string(sub.Channel), data).Err()
}

func (r *RedisRepository) Subscriptions(ctx context.Context, identityID string) ([]types.Subscription, error) {
	fields, err := r.client.HGetAll(ctx, subscriptionsKey(identityID)).Result()
	if err != nil {
		return nil, err
	}

	subs := make([]types.Subscription, 0, len(fields))
	for _, data := range fields {
		var sub types.Subscription
		if err := json.Unmarshal([]byte(data), &sub); err != nil {
			continue
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

func (r *RedisRepository) RemoveSubscription(ctx context.Context, identityID string, channel types.Channel) error {
	return r.client.HDel(ctx, subscriptionsKey(identityID), string(channel)).Err()
}

func (r *RedisRepository) MarkDelivered(ctx context.Context, eventID, identityID string, ttl time.Duration) error {
	return r.client.Set(ctx, deliveredKey(eventID, identityID), "1", ttl).Err()
}

func (r *RedisRepository) WasDelivered(ctx context.Context, eventID, identityID string) (bool, error) {
	n, err := r.client.Exists(ctx, deliveredKey(eventID, identityID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
