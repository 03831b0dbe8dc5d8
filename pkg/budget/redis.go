package budget

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// incrScript increments and sets the expiry in one round trip so a crash
// between the two commands cannot leave an immortal counter.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// counterTTLSeconds keeps a day's counter around for two days so a clock
// skewed slightly across the boundary still sees it.
const counterTTLSeconds = 2 * 24 * 60 * 60

// RedisStore shares daily counters across engine replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "governor:budget"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key, day string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, day, key)
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, key, day string) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{s.key(key, day)}, counterTTLSeconds).Int64()
	if err != nil {
		return 0, fmt.Errorf("budget: redis incr: %w", err)
	}
	return n, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key, day string) (int64, error) {
	n, err := s.client.Get(ctx, s.key(key, day)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: redis get: %w", err)
	}
	return n, nil
}
