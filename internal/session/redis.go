package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "foresta:session:"

// RedisStore keeps sessions in Redis so several processes share them. Keys
// carry the TTL natively.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedis connects to the server named by a redis:// URL and checks it
// answers.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("session: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: ping redis: %w", err)
	}
	return NewRedisStore(client, ""), nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) key(characterID string) string { return r.prefix + characterID }

func (r *RedisStore) Get(ctx context.Context, characterID string) (Session, error) {
	raw, err := r.client.Get(ctx, r.key(characterID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("session: get %s: %w", characterID, err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("session: decode %s: %w", characterID, err)
	}
	return s, nil
}

func (r *RedisStore) Put(ctx context.Context, s Session, ttl time.Duration) error {
	if s.CharacterID == "" {
		return errors.New("session: character id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", s.CharacterID, err)
	}
	if err := r.client.Set(ctx, r.key(s.CharacterID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("session: put %s: %w", s.CharacterID, err)
	}
	return nil
}

func (r *RedisStore) Expire(ctx context.Context, characterID string) error {
	if err := r.client.Del(ctx, r.key(characterID)).Err(); err != nil {
		return fmt.Errorf("session: expire %s: %w", characterID, err)
	}
	return nil
}
