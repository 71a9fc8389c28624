// Package draft provides the expiring per-collection, per-owner store
// for uncommitted entity drafts and their validation-violation side
// records, backed by Redis with a per-record TTL.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mosaic/api/internal/entity"
)

var (
	// ErrNotFound means no draft exists for the key. Distinct from
	// ErrUnavailable: absence is an answer, unavailability is not.
	ErrNotFound = errors.New("draft not found")

	// ErrUnavailable wraps transport failures talking to the store.
	// Callers must treat it as retryable, never as "no draft exists".
	ErrUnavailable = errors.New("draft store unavailable")
)

// Record is one staged draft: the entity's full raw field map plus the
// metadata the coordinators need.
type Record struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Language   string         `json:"language,omitempty"`
	Label      string         `json:"label,omitempty"`
	Data       map[string]any `json:"data"`
	DataHash   string         `json:"dataHash"`
	BaseHash   string         `json:"baseHash,omitempty"`
	ClientID   string         `json:"clientId,omitempty"`
	Owner      string         `json:"owner"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Key returns the record's draft key.
func (r *Record) Key() entity.Key {
	return entity.Key{EntityType: r.EntityType, EntityID: r.EntityID, Language: r.Language}
}

// Collection is one logical draft table. Cross-owner reads live here;
// the editing path goes through the owner-scoped Store.
type Collection struct {
	client *redis.Client
	name   string
	ttl    time.Duration
}

func (c *Collection) prefix() string {
	return "mosaic:" + c.name + ":"
}

func (c *Collection) key(owner string, k entity.Key) string {
	return c.prefix() + owner + ":" + k.String()
}

// ForOwner scopes the collection to one actor for get/set/delete.
func (c *Collection) ForOwner(owner string) *Store {
	return &Store{collection: c, owner: owner}
}

// GetAll returns every record in the collection across all owners,
// keyed by serialized draft key. Privileged: used only by the publish
// coordinator and list views.
func (c *Collection) GetAll(ctx context.Context) (map[string]Record, error) {
	out := map[string]Record{}
	iter := c.client.Scan(ctx, 0, c.prefix()+"*", 200).Iterator()
	for iter.Next(ctx) {
		raw, err := c.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, iter.Val(), err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode draft %s: %w", iter.Val(), err)
		}
		out[rec.Key().String()] = rec
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Lookup finds the record for a draft key regardless of owner.
func (c *Collection) Lookup(ctx context.Context, k entity.Key) (*Record, error) {
	pattern := c.prefix() + "*:" + k.String()
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		name := iter.Val()
		if !strings.HasSuffix(name, ":"+k.String()) {
			continue
		}
		raw, err := c.client.Get(ctx, name).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, name, err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode draft %s: %w", name, err)
		}
		if rec.Key() != k {
			continue
		}
		return &rec, nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
	}
	return nil, ErrNotFound
}

// LookupEntity finds every record staged for an entity id, across
// owners and languages.
func (c *Collection) LookupEntity(ctx context.Context, entityType, entityID string) ([]Record, error) {
	var out []Record
	pattern := c.prefix() + "*:" + entityType + "/" + entityID + "*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := c.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, iter.Val(), err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode draft %s: %w", iter.Val(), err)
		}
		if rec.EntityType != entityType || rec.EntityID != entityID {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
	}
	return out, nil
}

// DeleteKey removes the record for a draft key regardless of owner.
func (c *Collection) DeleteKey(ctx context.Context, k entity.Key) error {
	rec, err := c.Lookup(ctx, k)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.client.Del(ctx, c.key(rec.Owner, k)).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, k, err)
	}
	return nil
}

// DeleteAll wipes the whole collection. Administrative operation.
func (c *Collection) DeleteAll(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix()+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: delete all: %v", ErrUnavailable, err)
	}
	return nil
}

// Store is the owner-scoped editing path: at most one record per draft
// key, expiring ttl after the last write.
type Store struct {
	collection *Collection
	owner      string
}

func (s *Store) Owner() string { return s.owner }

func (s *Store) Get(ctx context.Context, k entity.Key) (*Record, error) {
	raw, err := s.collection.client.Get(ctx, s.collection.key(s.owner, k)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, k, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode draft %s: %w", k, err)
	}
	return &rec, nil
}

func (s *Store) Set(ctx context.Context, k entity.Key, rec Record) error {
	rec.Owner = s.owner
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode draft %s: %w", k, err)
	}
	if err := s.collection.client.Set(ctx, s.collection.key(s.owner, k), raw, s.collection.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, k, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, k entity.Key) error {
	if err := s.collection.client.Del(ctx, s.collection.key(s.owner, k)).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, k, err)
	}
	return nil
}

func (s *Store) DeleteMultiple(ctx context.Context, keys []entity.Key) error {
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, s.collection.key(s.owner, k))
	}
	if err := s.collection.client.Del(ctx, names...).Err(); err != nil {
		return fmt.Errorf("%w: delete multiple: %v", ErrUnavailable, err)
	}
	return nil
}
