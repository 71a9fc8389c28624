package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mosaic/api/internal/entity"
)

// Violation is one field-level failure from a validation pass that
// cannot be derived from the data hash (forms that need a full submit
// to validate).
type Violation struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// ViolationRecord is the side record stored next to a draft. Its
// lifecycle is independent of the draft record: it is cleared
// explicitly, never by the hash comparison.
type ViolationRecord struct {
	Violations []Violation `json:"violations"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Violations is one violation-record collection. Two collections exist
// ("violations" and the legacy "form_violations") and stay separate for
// migration reasons.
type Violations struct {
	client *redis.Client
	name   string
	ttl    time.Duration
}

func (v *Violations) prefix() string {
	return "mosaic:" + v.name + ":"
}

// key layout mirrors the draft store, with an optional sub-item segment
// (e.g. one record per component instance inside a tree).
func (v *Violations) key(owner string, k entity.Key, subItem string) string {
	name := v.prefix() + owner + ":" + k.String()
	if subItem != "" {
		name += "#" + subItem
	}
	return name
}

func (v *Violations) Get(ctx context.Context, owner string, k entity.Key, subItem string) (*ViolationRecord, error) {
	raw, err := v.client.Get(ctx, v.key(owner, k, subItem)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get violations %s: %v", ErrUnavailable, k, err)
	}
	var rec ViolationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode violations %s: %w", k, err)
	}
	return &rec, nil
}

func (v *Violations) Set(ctx context.Context, owner string, k entity.Key, subItem string, rec ViolationRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode violations %s: %w", k, err)
	}
	if err := v.client.Set(ctx, v.key(owner, k, subItem), raw, v.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set violations %s: %v", ErrUnavailable, k, err)
	}
	return nil
}

func (v *Violations) Delete(ctx context.Context, owner string, k entity.Key, subItem string) error {
	if err := v.client.Del(ctx, v.key(owner, k, subItem)).Err(); err != nil {
		return fmt.Errorf("%w: delete violations %s: %v", ErrUnavailable, k, err)
	}
	return nil
}

// HasAny reports whether any violation record exists for the key under
// this owner, including per-sub-item records. The no-op save
// optimization consults this: a draft that matches canonical is still
// kept while violations are outstanding.
func (v *Violations) HasAny(ctx context.Context, owner string, k entity.Key) (bool, error) {
	patterns := []string{
		v.key(owner, k, ""),
		v.key(owner, k, "") + "#*",
	}
	for _, pattern := range patterns {
		iter := v.client.Scan(ctx, 0, pattern, 50).Iterator()
		if iter.Next(ctx) {
			return true, nil
		}
		if err := iter.Err(); err != nil {
			return false, fmt.Errorf("%w: scan violations %s: %v", ErrUnavailable, k, err)
		}
	}
	return false, nil
}

// PurgeEntity removes every violation record for the key: all owners,
// base record and per-sub-item cascade.
func (v *Violations) PurgeEntity(ctx context.Context, k entity.Key) error {
	var names []string
	for _, pattern := range []string{
		v.prefix() + "*:" + k.String(),
		v.prefix() + "*:" + k.String() + "#*",
	} {
		iter := v.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			names = append(names, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("%w: scan violations %s: %v", ErrUnavailable, k, err)
		}
	}
	if len(names) == 0 {
		return nil
	}
	if err := v.client.Del(ctx, names...).Err(); err != nil {
		return fmt.Errorf("%w: purge violations %s: %v", ErrUnavailable, k, err)
	}
	return nil
}

// DeleteAll wipes the collection.
func (v *Violations) DeleteAll(ctx context.Context) error {
	iter := v.client.Scan(ctx, 0, v.prefix()+"*", 200).Iterator()
	var names []string
	for iter.Next(ctx) {
		names = append(names, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: scan violations: %v", ErrUnavailable, err)
	}
	if len(names) == 0 {
		return nil
	}
	if err := v.client.Del(ctx, names...).Err(); err != nil {
		return fmt.Errorf("%w: delete all violations: %v", ErrUnavailable, err)
	}
	return nil
}
