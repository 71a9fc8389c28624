package draft

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the safety-net expiry for abandoned drafts: records
// vanish this long after their last write even if never discarded.
const DefaultTTL = 30 * 24 * time.Hour

// Factory hands out collection-scoped stores over one Redis client.
type Factory struct {
	client *redis.Client
	ttl    time.Duration
}

// NewFactory connects to Redis and verifies the connection.
func NewFactory(redisURL string, ttl time.Duration) (*Factory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewFactoryWithClient(client, ttl), nil
}

// NewFactoryWithClient wraps an existing client (tests use miniredis).
func NewFactoryWithClient(client *redis.Client, ttl time.Duration) *Factory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Factory{client: client, ttl: ttl}
}

// Collection returns the named draft collection.
func (f *Factory) Collection(name string) *Collection {
	return &Collection{client: f.client, name: name, ttl: f.ttl}
}

// Violations returns the named violation-record collection.
func (f *Factory) Violations(name string) *Violations {
	return &Violations{client: f.client, name: name, ttl: f.ttl}
}

// Client exposes the underlying connection for components sharing the
// same Redis (the cache invalidator).
func (f *Factory) Client() *redis.Client {
	return f.client
}

// Ping checks Redis reachability (readiness probe).
func (f *Factory) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close closes the underlying connection.
func (f *Factory) Close() error {
	return f.client.Close()
}
