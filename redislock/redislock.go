package redislock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tenderscan/domain"
)

const (
	DefaultPrefix = "tender:lock:"
	DefaultTTL    = 2 * time.Hour
)

var errNotInitialized = errors.New("redis lock not initialized")
var errEmptyKey = errors.New("lock key/token is empty")

// Client implements a Redis distributed lock: SET NX PX + Lua safe release/refresh.
// The token is the owning worker id, so a worker that restarts with the same id can resume its lock.
type Client struct {
	rdb    redis.UniversalClient
	prefix string
}

func New(rdb redis.UniversalClient, prefix string) *Client {
	return &Client{
		rdb:    rdb,
		prefix: strings.TrimSpace(prefix),
	}
}

func (c *Client) Key(k domain.TenderKey) string {
	if c == nil || c.prefix == "" {
		return DefaultPrefix + k.String()
	}
	return c.prefix + k.String()
}

func (c *Client) check(key, token string) (string, string, error) {
	if c == nil || c.rdb == nil {
		return "", "", errNotInitialized
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return "", "", errEmptyKey
	}
	return key, token, nil
}

func (c *Client) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	key, token, err := c.check(key, token)
	if err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return c.rdb.SetNX(ctx, key, token, ttl).Result()
}

// Owner returns the token currently holding key.
func (c *Client) Owner(ctx context.Context, key string) (string, bool, error) {
	if c == nil || c.rdb == nil {
		return "", false, errNotInitialized
	}
	v, err := c.rdb.Get(ctx, strings.TrimSpace(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (c *Client) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	key, token, err := c.check(key, token)
	if err != nil {
		return false, err
	}
	px := ttl.Milliseconds()
	if px <= 0 {
		px = DefaultTTL.Milliseconds()
	}
	n, err := refreshScript.Run(ctx, c.rdb, []string{key}, token, px).Int64()
	if err != nil {
		return false, err
	}
	// PEXPIRE returns 1 if timeout was set, 0 otherwise.
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (c *Client) Release(ctx context.Context, key, token string) (bool, error) {
	key, token, err := c.check(key, token)
	if err != nil {
		return false, err
	}
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
