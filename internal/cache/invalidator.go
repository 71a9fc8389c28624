// Package cache implements the tag-based cache invalidation contract
// the draft and publish coordinators call into. Rendered pages and list
// views register their cache keys under entity tags; invalidating a tag
// drops every registered key.
package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// TagDraftsChanged is touched on every draft write or delete; list
// views showing "pending changes" badges hang off it.
const TagDraftsChanged = "mosaic:drafts:changed"

// Invalidator is what the coordinators depend on.
type Invalidator interface {
	InvalidateTags(ctx context.Context, tags ...string) error
	InvalidateKey(ctx context.Context, key string) error
}

// RedisInvalidator keeps one Redis set per tag holding the cache keys
// registered under it.
type RedisInvalidator struct {
	client *redis.Client
}

func NewRedisInvalidator(client *redis.Client) *RedisInvalidator {
	return &RedisInvalidator{client: client}
}

func tagSet(tag string) string {
	return "mosaic:cachetag:" + tag
}

// Register associates a cache key with a tag.
func (r *RedisInvalidator) Register(ctx context.Context, tag, key string) error {
	if err := r.client.SAdd(ctx, tagSet(tag), key).Err(); err != nil {
		return fmt.Errorf("register cache key under %s: %w", tag, err)
	}
	return nil
}

// InvalidateTags drops every cache key registered under the tags, then
// the tag sets themselves.
func (r *RedisInvalidator) InvalidateTags(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		keys, err := r.client.SMembers(ctx, tagSet(tag)).Result()
		if err != nil {
			return fmt.Errorf("read cache tag %s: %w", tag, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("invalidate tag %s: %w", tag, err)
			}
		}
		if err := r.client.Del(ctx, tagSet(tag)).Err(); err != nil {
			return fmt.Errorf("drop tag set %s: %w", tag, err)
		}
	}
	return nil
}

// InvalidateKey drops a single cache key.
func (r *RedisInvalidator) InvalidateKey(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("invalidate cache key %s: %w", key, err)
	}
	return nil
}

// Noop satisfies Invalidator without doing anything; tests and
// cache-less deployments use it.
type Noop struct{}

func (Noop) InvalidateTags(context.Context, ...string) error { return nil }
func (Noop) InvalidateKey(context.Context, string) error     { return nil }
