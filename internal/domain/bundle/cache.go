package bundle

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ResponseCache keeps the response bundle of each successful
// transaction keyed by tenant and content hash, so a resubmitted bundle
// returns its original response without touching the store.
type ResponseCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResponseCache connects to Redis using a redis:// URL. The cache is
// optional: callers pass a nil *ResponseCache when no URL is configured.
func NewResponseCache(url string, ttl time.Duration) (*ResponseCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &ResponseCache{client: client, ttl: ttl}, nil
}

func cacheKey(tenant, hash string) string {
	return "bundle:response:" + tenant + ":" + hash
}

// Get returns the cached response body for a bundle hash, or nil when
// none is cached. Cache failures degrade to a miss.
func (c *ResponseCache) Get(ctx context.Context, tenant, hash string) []byte {
	if c == nil {
		return nil
	}
	body, err := c.client.Get(ctx, cacheKey(tenant, hash)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("bundle response cache read failed")
		}
		return nil
	}
	return body
}

// Set stores a response body under the bundle hash.
func (c *ResponseCache) Set(ctx context.Context, tenant, hash string, body []byte) {
	if c == nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(tenant, hash), body, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("bundle response cache write failed")
	}
}

func (c *ResponseCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
