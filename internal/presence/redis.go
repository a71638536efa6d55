package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const sessionTTL = 24 * time.Hour

// RedisStore persists session records in Redis so a session survives server
// restarts and is shared across instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects using a redis URL and verifies with a ping.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("presence: redis url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("presence: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func sessionKey(roomID string) string {
	return "room_session_" + roomID
}

func (s *RedisStore) Load(ctx context.Context, roomID string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, sessionKey(roomID)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// Unreadable sessions are treated as absent, same as a corrupt
		// localStorage entry.
		_ = s.client.Del(ctx, sessionKey(roomID)).Err()
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *RedisStore) Save(ctx context.Context, roomID string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKey(roomID), string(raw), sessionTTL).Err()
}

func (s *RedisStore) Clear(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, sessionKey(roomID)).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
