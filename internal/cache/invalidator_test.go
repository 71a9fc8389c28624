package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInvalidateTags(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	inv := NewRedisInvalidator(client)
	ctx := context.Background()

	if err := client.Set(ctx, "render:page/p1", "html", 0).Err(); err != nil {
		t.Fatalf("seed cache key: %v", err)
	}
	if err := client.Set(ctx, "render:page/p2", "html", 0).Err(); err != nil {
		t.Fatalf("seed cache key: %v", err)
	}
	if err := inv.Register(ctx, "mosaic:page", "render:page/p1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := inv.Register(ctx, "mosaic:page", "render:page/p2"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := inv.InvalidateTags(ctx, "mosaic:page"); err != nil {
		t.Fatalf("InvalidateTags: %v", err)
	}

	if s.Exists("render:page/p1") || s.Exists("render:page/p2") {
		t.Error("tagged cache keys survived invalidation")
	}
	if s.Exists("mosaic:cachetag:mosaic:page") {
		t.Error("tag set survived invalidation")
	}
}

func TestInvalidateKey(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	inv := NewRedisInvalidator(client)
	ctx := context.Background()

	if err := client.Set(ctx, "draft:page/p1/en", "x", 0).Err(); err != nil {
		t.Fatalf("seed cache key: %v", err)
	}
	if err := inv.InvalidateKey(ctx, "draft:page/p1/en"); err != nil {
		t.Fatalf("InvalidateKey: %v", err)
	}
	if s.Exists("draft:page/p1/en") {
		t.Error("cache key survived invalidation")
	}
}
