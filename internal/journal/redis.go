package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Minute

// RedisStore keeps each session's trail in a capped redis list with a TTL, so
// abandoned sessions age out on their own.
type RedisStore struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

func NewRedisStore(redisURL string, limit int, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if limit <= 0 {
		limit = defaultLimit
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, limit: limit, ttl: ttl}, nil
}

func key(sessionID string) string {
	return "parley:journal:" + sessionID
}

func (s *RedisStore) Append(ctx context.Context, entry Entry) error {
	if entry.SessionID == "" {
		return nil
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	k := key(entry.SessionID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, k, payload)
	pipe.LTrim(ctx, k, 0, int64(s.limit-1))
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Recent(ctx context.Context, sessionID string, n int) ([]Entry, error) {
	if n <= 0 || n > s.limit {
		n = s.limit
	}
	raw, err := s.client.LRange(ctx, key(sessionID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			// A corrupt line should not hide the rest of the trail.
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
