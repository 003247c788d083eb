package journal

import (
	"strings"
	"time"
)

// NewStore creates a redis-backed journal when configured, otherwise in-memory.
func NewStore(redisURL string, limit int, ttl time.Duration) (Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewInMemoryStore(limit), nil
	}
	return NewRedisStore(redisURL, limit, ttl)
}
