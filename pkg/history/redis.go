package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTTL = 30 * 24 * time.Hour

// redisStore implements Store on a Redis key per conversation.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStore(client *redis.Client, ttl time.Duration) *redisStore {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &redisStore{client: client, ttl: ttl}
}

func conversationKey(convID string) string { return "conversation:" + convID }

func (s *redisStore) Save(ctx context.Context, convID string, msgs []Message) error {
	val, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, conversationKey(convID), val, s.ttl).Err()
}

func (s *redisStore) Load(ctx context.Context, convID string) ([]Message, error) {
	key := conversationKey(convID)
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []Message
	if err := json.Unmarshal([]byte(val), &msgs); err != nil {
		return nil, err
	}

	// Refresh TTL on read
	_ = s.client.Expire(ctx, key, s.ttl).Err()

	return msgs, nil
}

func (s *redisStore) Delete(ctx context.Context, convID string) error {
	return s.client.Del(ctx, conversationKey(convID)).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*redisStore)(nil)
