package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCacheConfig configures the shared cache
type RedisCacheConfig struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	KeyPrefix  string
	TTL        time.Duration
}

// RedisCache is a Cache shared between service replicas.
//
// Entries live under keys namespaced by the current epoch and the user's
// generation counter, so bumping a counter makes every earlier entry
// unreachable even if a slow writer stores it afterwards.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type redisEntry struct {
	Set *EffectiveSet `json:"set"`
	TTL int64         `json:"ttl_ms"`
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(config RedisCacheConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if config.Password != "" {
		opts.Password = config.Password
	}
	if config.DB > 0 {
		opts.DB = config.DB
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisCacheFromClient(client, config.KeyPrefix, config.TTL), nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "rbac"
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Client returns the underlying redis client
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Close closes the redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) epochKey() string {
	return c.prefix + ":epoch"
}

func (c *RedisCache) genKey(userID string) string {
	return fmt.Sprintf("%s:gen:%s", c.prefix, userID)
}

func (c *RedisCache) entryKey(userID string, gen Generation) string {
	return fmt.Sprintf("%s:perm:%d:%s:%d", c.prefix, gen.Epoch, userID, gen.User)
}

// Generation reads the epoch and user counters
func (c *RedisCache) Generation(ctx context.Context, userID string) (Generation, error) {
	vals, err := c.client.MGet(ctx, c.epochKey(), c.genKey(userID)).Result()
	if err != nil {
		return Generation{}, fmt.Errorf("redis generation read failed: %w", err)
	}

	var gen Generation
	if gen.Epoch, err = parseCounter(vals[0]); err != nil {
		return Generation{}, err
	}
	if gen.User, err = parseCounter(vals[1]); err != nil {
		return Generation{}, err
	}
	return gen, nil
}

func parseCounter(v interface{}) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected counter type %T", v)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid counter %q: %w", s, err)
	}
	return n, nil
}

// Get returns the live entry for userID under the current generation
func (c *RedisCache) Get(ctx context.Context, userID string) (*EffectiveSet, error) {
	gen, err := c.Generation(ctx, userID)
	if err != nil {
		return nil, err
	}

	key := c.entryKey(userID, gen)
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var entry redisEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.client.Del(ctx, key)
		return nil, errCacheInconsistency
	}

	if err := checkEntry(entry.Set, time.Duration(entry.TTL)*time.Millisecond, c.now()); err != nil {
		c.client.Del(ctx, key)
		return nil, err
	}
	return entry.Set, nil
}

// Put stores set under the generation it was computed with
func (c *RedisCache) Put(ctx context.Context, userID string, set *EffectiveSet, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	// wall-clock only; monotonic readings do not survive serialization
	set.ComputedAt = c.now().Round(0).UTC().Truncate(time.Millisecond)
	set.ExpiresAt = set.ComputedAt.Add(ttl)

	data, err := json.Marshal(redisEntry{Set: set, TTL: ttl.Milliseconds()})
	if err != nil {
		return fmt.Errorf("failed to marshal effective set: %w", err)
	}

	if err := c.client.Set(ctx, c.entryKey(userID, set.Generation), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Invalidate advances the user's generation and deletes the current entry
func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	gen, err := c.Generation(ctx, userID)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	// the counter never expires: falling back to 0 would revive late writes
	pipe.Incr(ctx, c.genKey(userID))
	pipe.Del(ctx, c.entryKey(userID, gen))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	return nil
}

// InvalidateAll advances the epoch, orphaning every entry
func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.epochKey()).Err(); err != nil {
		return fmt.Errorf("redis invalidate all failed: %w", err)
	}
	return nil
}

// Expire sets the current entry's TTL to zero
func (c *RedisCache) Expire(ctx context.Context, userID string) error {
	gen, err := c.Generation(ctx, userID)
	if err != nil {
		return err
	}
	if err := c.client.PExpire(ctx, c.entryKey(userID, gen), 0).Err(); err != nil {
		return fmt.Errorf("redis expire failed: %w", err)
	}
	return nil
}
