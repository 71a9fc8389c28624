package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"mosaic/api/internal/cache"
	"mosaic/api/internal/canonical"
	"mosaic/api/internal/draft"
	"mosaic/api/internal/entity"
	"mosaic/api/internal/index"
	"mosaic/api/internal/normalize"
)

// canonicalStore is the contract the coordinators need from canonical
// storage. The Postgres store satisfies it; tests use an in-memory fake.
type canonicalStore interface {
	Load(ctx context.Context, entityType, entityID, language string) (*canonical.Stored, error)
	LoadUnchanged(ctx context.Context, entityType, entityID, language string) (*canonical.Stored, error)
	List(ctx context.Context, entityType string) ([]*canonical.Stored, error)
	Apply(ctx context.Context, fn func(canonical.Txn) error) error
	Ping(ctx context.Context) error
}

// assetPublisher pushes published code assets to object storage.
type assetPublisher interface {
	Publish(ctx context.Context, entityID, mime, source string) error
	Remove(ctx context.Context, entityID string) error
}

// contentIndex maintains the published-content list view. Entries are
// keyed per language, so entity removal covers all language variants.
type contentIndex interface {
	Upsert(e index.Entry)
	RemoveEntity(entityType, entityID string)
}

// PendingChange is the publish-review projection of one draft record.
// Derived, never persisted; recomputed on each fetch.
type PendingChange struct {
	Pointer     entity.Key     `json:"pointer"`
	EntityType  string         `json:"entityType"`
	EntityID    string         `json:"entityId"`
	DataHash    string         `json:"dataHash"`
	Label       string         `json:"label"`
	Owner       string         `json:"owner"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	HasConflict bool           `json:"hasConflict"`
	Data        map[string]any `json:"data,omitempty"`
}

// Service orchestrates the draft and publish coordinators over the
// draft store, canonical store, cache invalidator, list index, and
// asset publisher.
type Service struct {
	registry       *entity.Registry
	drafts         *draft.Collection
	violations     *draft.Violations
	formViolations *draft.Violations
	canon          canonicalStore
	inv            cache.Invalidator
	idx            contentIndex
	assets         assetPublisher
	readCache      *entityCache
	draftsPing     func(context.Context) error
}

// New wires the service. idx and assets may be nil; inv may be
// cache.Noop.
func New(registry *entity.Registry, factory *draft.Factory, canon canonicalStore, inv cache.Invalidator, idx contentIndex, assets assetPublisher) *Service {
	return &Service{
		registry:       registry,
		drafts:         factory.Collection("drafts"),
		violations:     factory.Violations("violations"),
		formViolations: factory.Violations("form_violations"),
		canon:          canon,
		inv:            inv,
		idx:            idx,
		assets:         assets,
		readCache:      newEntityCache(30 * time.Second),
		draftsPing:     factory.Ping,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.canon.Ping(ctx); err != nil {
		return fmt.Errorf("canonical store: %w", err)
	}
	if err := s.draftsPing(ctx); err != nil {
		return fmt.Errorf("draft store: %w", err)
	}
	return nil
}

// Bootstrap backfills the content-list index from canonical storage.
// Idempotent; a lost or empty index is rebuilt on the next start.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.idx == nil {
		return nil
	}
	for _, entityType := range s.registry.Types() {
		rows, err := s.canon.List(ctx, entityType)
		if err != nil {
			return fmt.Errorf("list %s: %w", entityType, err)
		}
		for _, row := range rows {
			alias, _ := row.Data["alias"].(string)
			s.idx.Upsert(index.Entry{
				ID:         indexID(entity.Key{EntityType: row.Type, EntityID: row.ID, Language: row.Language}),
				EntityType: row.Type,
				EntityID:   row.ID,
				Language:   row.Language,
				Title:      row.Label,
				Alias:      alias,
				UpdatedAt:  row.UpdatedAt.Unix(),
			})
		}
	}
	return nil
}

func (s *Service) definition(entityType string) (entity.Definition, error) {
	def, ok := s.registry.Get(entityType)
	if !ok {
		return entity.Definition{}, domainError(http.StatusUnprocessableEntity, codeUnknownType, "unknown entity type "+entityType, nil)
	}
	return def, nil
}

// draftCacheKey is the external cache key for one draft, registered
// under the entity's tag and invalidated on every write.
func draftCacheKey(k entity.Key) string {
	return "mosaic:draft:" + k.String()
}

// canonicalFingerprint loads the committed entity fresh (bypassing the
// entity cache) and fingerprints its normalized form. Returns "" when
// no committed entity exists.
func (s *Service) canonicalFingerprint(ctx context.Context, def entity.Definition, k entity.Key) (string, error) {
	stored, err := s.canon.LoadUnchanged(ctx, k.EntityType, k.EntityID, k.Language)
	if errors.Is(err, canonical.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	tree, err := normalize.NormalizeRaw(def, k.EntityID, k.Language, stored.Data)
	if err != nil {
		return "", err
	}
	return normalize.Fingerprint(tree), nil
}

// SaveDraft stages the entity for the owner. When the normalized form
// matches canonical and no validation violations are outstanding, any
// existing draft is deleted instead: a draft identical to published
// state is noise, not work in progress. Returns the stored record, or
// nil when the save resolved to a no-op.
//
// A draft-store failure propagates to the caller as retryable; it is
// never swallowed, since the editor would otherwise believe work was
// saved.
func (s *Service) SaveDraft(ctx context.Context, owner, clientID string, e entity.Entity) (*draft.Record, error) {
	def, err := s.definition(e.Type())
	if err != nil {
		return nil, err
	}
	key := entity.KeyFor(def, e)

	tree, err := normalize.Normalize(def, e)
	if err != nil {
		// Normalization failures are programming errors, fatal to the
		// request.
		return nil, fmt.Errorf("normalize %s: %w", key, err)
	}
	hash := normalize.Fingerprint(tree)

	baseHash, err := s.canonicalFingerprint(ctx, def, key)
	if err != nil {
		return nil, fmt.Errorf("canonical fingerprint %s: %w", key, err)
	}

	store := s.drafts.ForOwner(owner)

	if hash == baseHash && baseHash != "" {
		pending, err := s.hasViolations(ctx, owner, key)
		if err != nil {
			return nil, s.storeError(err)
		}
		if !pending {
			if err := store.Delete(ctx, key); err != nil {
				return nil, s.storeError(err)
			}
			s.invalidateDraft(ctx, key)
			return nil, nil
		}
	}

	rec := draft.Record{
		EntityType: key.EntityType,
		EntityID:   key.EntityID,
		Language:   key.Language,
		Label:      e.Label(),
		Data:       entity.ToRaw(e),
		DataHash:   hash,
		BaseHash:   baseHash,
		ClientID:   clientID,
		Owner:      owner,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := store.Set(ctx, key, rec); err != nil {
		return nil, s.storeError(err)
	}
	s.invalidateDraft(ctx, key)
	return &rec, nil
}

// ReadDraft reconstructs the typed entity from the owner's draft. The
// reconstruction is cached briefly per key and never marks the entity
// newly created, so reading a draft cannot fire creation side effects.
func (s *Service) ReadDraft(ctx context.Context, owner string, k entity.Key) (*entity.Generic, *draft.Record, error) {
	if e, rec, ok := s.readCache.get(owner, k); ok {
		return e, rec, nil
	}

	rec, err := s.drafts.ForOwner(owner).Get(ctx, k)
	if errors.Is(err, draft.ErrNotFound) {
		return nil, nil, domainError(http.StatusNotFound, codeEntityNotFound, "no draft for "+k.String(), nil)
	}
	if err != nil {
		return nil, nil, s.storeError(err)
	}

	def, err := s.definition(k.EntityType)
	if err != nil {
		return nil, nil, err
	}
	e, ferr := entity.FromRaw(def, k.EntityID, k.Language, rec.Data)
	if ferr != nil {
		// A record that no longer deserializes (schema drift) reads as
		// missing; the stored bytes stay put for operator inspection.
		log.Printf("app: malformed draft %s: %v", k, ferr)
		return nil, nil, domainError(http.StatusNotFound, codeMalformedDraft, "draft for "+k.String()+" is unreadable", nil)
	}
	e.MarkExisting()

	s.readCache.put(owner, k, e, rec)
	return e, rec, nil
}

// ListPending projects every staged draft in the collection into the
// publish-review list, flagging records whose canonical baseline has
// moved. Entity reconstruction is optional and expensive.
func (s *Service) ListPending(ctx context.Context, includeEntities bool) ([]PendingChange, error) {
	records, err := s.drafts.GetAll(ctx)
	if err != nil {
		return nil, s.storeError(err)
	}

	changes := make([]PendingChange, 0, len(records))
	for _, rec := range records {
		def, err := s.definition(rec.EntityType)
		if err != nil {
			log.Printf("app: pending draft with unknown type %s, skipping", rec.EntityType)
			continue
		}
		key := rec.Key()
		change := PendingChange{
			Pointer:    key,
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			DataHash:   rec.DataHash,
			Label:      rec.Label,
			Owner:      rec.Owner,
			UpdatedAt:  rec.UpdatedAt,
		}
		freshHash, err := s.canonicalFingerprint(ctx, def, key)
		if err != nil {
			return nil, err
		}
		change.HasConflict = freshHash != rec.BaseHash
		if includeEntities {
			change.Data = rec.Data
		}
		changes = append(changes, change)
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].EntityType != changes[j].EntityType {
			return changes[i].EntityType < changes[j].EntityType
		}
		return changes[i].Pointer.String() < changes[j].Pointer.String()
	})
	return changes, nil
}

// DiscardDraft removes the owner's draft along with its violation
// records, including the per-sub-item cascade.
func (s *Service) DiscardDraft(ctx context.Context, owner string, k entity.Key) error {
	if err := s.drafts.ForOwner(owner).Delete(ctx, k); err != nil {
		return s.storeError(err)
	}
	if err := s.purgeViolations(ctx, k); err != nil {
		return err
	}
	s.invalidateDraft(ctx, k)
	s.invalidateEntityTag(ctx, k.EntityType)
	return nil
}

// DiscardChange is the privileged discard used by the publish review
// UI: it removes the draft whoever owns it.
func (s *Service) DiscardChange(ctx context.Context, k entity.Key) error {
	if err := s.drafts.DeleteKey(ctx, k); err != nil {
		return s.storeError(err)
	}
	if err := s.purgeViolations(ctx, k); err != nil {
		return err
	}
	s.invalidateDraft(ctx, k)
	s.invalidateEntityTag(ctx, k.EntityType)
	return nil
}

func (s *Service) invalidateEntityTag(ctx context.Context, entityType string) {
	def, ok := s.registry.Get(entityType)
	if !ok {
		return
	}
	if err := s.inv.InvalidateTags(ctx, def.CacheTag); err != nil {
		log.Printf("app: invalidate tag %s: %v", def.CacheTag, err)
	}
}

// DiscardAll wipes the whole draft collection and both violation
// collections. Administrative operation.
func (s *Service) DiscardAll(ctx context.Context) error {
	if err := s.drafts.DeleteAll(ctx); err != nil {
		return s.storeError(err)
	}
	if err := s.violations.DeleteAll(ctx); err != nil {
		return s.storeError(err)
	}
	if err := s.formViolations.DeleteAll(ctx); err != nil {
		return s.storeError(err)
	}
	s.readCache.clear()
	if err := s.inv.InvalidateTags(ctx, cache.TagDraftsChanged); err != nil {
		log.Printf("app: invalidate drafts tag: %v", err)
	}
	return nil
}

// RecordViolations stores the field-level failures from a full-submit
// validation pass. Their lifecycle is independent of the draft record.
func (s *Service) RecordViolations(ctx context.Context, owner string, k entity.Key, subItem string, violations []draft.Violation) error {
	rec := draft.ViolationRecord{Violations: violations}
	if err := s.violations.Set(ctx, owner, k, subItem, rec); err != nil {
		return s.storeError(err)
	}
	return nil
}

// ClearViolations removes one violation record explicitly.
func (s *Service) ClearViolations(ctx context.Context, owner string, k entity.Key, subItem string) error {
	if err := s.violations.Delete(ctx, owner, k, subItem); err != nil {
		return s.storeError(err)
	}
	return nil
}

func (s *Service) hasViolations(ctx context.Context, owner string, k entity.Key) (bool, error) {
	has, err := s.violations.HasAny(ctx, owner, k)
	if err != nil || has {
		return has, err
	}
	return s.formViolations.HasAny(ctx, owner, k)
}

func (s *Service) purgeViolations(ctx context.Context, k entity.Key) error {
	if err := s.violations.PurgeEntity(ctx, k); err != nil {
		return s.storeError(err)
	}
	if err := s.formViolations.PurgeEntity(ctx, k); err != nil {
		return s.storeError(err)
	}
	return nil
}

// invalidateDraft clears the in-process read cache synchronously, then
// the external per-key entry and the global drafts tag. The in-process
// cache goes first: a reader in this process must never see an entry
// older than the write that just completed.
func (s *Service) invalidateDraft(ctx context.Context, k entity.Key) {
	s.readCache.invalidate(k)
	if err := s.inv.InvalidateKey(ctx, draftCacheKey(k)); err != nil {
		log.Printf("app: invalidate draft cache key %s: %v", k, err)
	}
	if err := s.inv.InvalidateTags(ctx, cache.TagDraftsChanged); err != nil {
		log.Printf("app: invalidate drafts tag: %v", err)
	}
}

func (s *Service) storeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, draft.ErrUnavailable) {
		return domainError(http.StatusServiceUnavailable, codeStoreUnavailable, "draft store unavailable, retry", err.Error())
	}
	return err
}

// entityCache memoizes reconstructed draft entities per (owner, key)
// for a short window. It is owned by the service, not ambient state, so
// each test constructs a fresh one.
type entityCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]entityCacheEntry
}

type entityCacheEntry struct {
	entity *entity.Generic
	record *draft.Record
	at     time.Time
}

func newEntityCache(ttl time.Duration) *entityCache {
	return &entityCache{ttl: ttl, items: map[string]entityCacheEntry{}}
}

func (c *entityCache) key(owner string, k entity.Key) string {
	return owner + "|" + k.String()
}

func (c *entityCache) get(owner string, k entity.Key) (*entity.Generic, *draft.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[c.key(owner, k)]
	if !ok || time.Since(item.at) > c.ttl {
		return nil, nil, false
	}
	return item.entity, item.record, true
}

func (c *entityCache) put(owner string, k entity.Key, e *entity.Generic, rec *draft.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[c.key(owner, k)] = entityCacheEntry{entity: e, record: rec, at: time.Now()}
}

// invalidate drops every owner's entry for the key.
func (c *entityCache) invalidate(k entity.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	suffix := "|" + k.String()
	for name := range c.items {
		if len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix {
			delete(c.items, name)
		}
	}
}

func (c *entityCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]entityCacheEntry{}
}
