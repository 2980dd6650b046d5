package oauthflow

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jw6ventures/calsync/internal/store"
)

// redisClient is the subset of *redis.Client the state store uses.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStateStore keeps OAuth states in Redis with a key TTL matching the
// record expiry, so every instance sees the same pending requests.
type RedisStateStore struct {
	client redisClient
	prefix string
	now    func() time.Time
}

func NewRedisStateStore(client redisClient, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "calsync"
	}
	return &RedisStateStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStateStore) key(state string) string {
	return fmt.Sprintf("%s:oauth_state:%s", s.prefix, state)
}

func (s *RedisStateStore) Create(ctx context.Context, state store.OAuthState) error {
	ttl := state.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("oauth state already expired")
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal oauth state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(state.State), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save oauth state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Get(ctx context.Context, state string) (*store.OAuthState, error) {
	data, err := s.client.Get(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth state: %w", err)
	}
	var out store.OAuthState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal oauth state: %w", err)
	}
	return &out, nil
}

// Delete relies on DEL's count so only one concurrent caller wins.
func (s *RedisStateStore) Delete(ctx context.Context, state string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(state)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete oauth state: %w", err)
	}
	return n == 1, nil
}

// RedisOptions configures the shared Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// DialRedis opens a pooled client and checks connectivity.
func DialRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	o := &redis.Options{
		Addr:            opts.Addr,
		Password:        opts.Password,
		DB:              opts.DB,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		IdleTimeout:     5 * time.Minute,
	}
	if opts.TLS {
		o.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}
