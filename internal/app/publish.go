package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"mosaic/api/internal/cache"
	"mosaic/api/internal/canonical"
	"mosaic/api/internal/draft"
	"mosaic/api/internal/entity"
	"mosaic/api/internal/index"
	"mosaic/api/internal/normalize"
)

// Conflict codes. EXPECTED: the caller's known draft fingerprint is
// stale (the draft itself changed, e.g. from another tab). UNEXPECTED:
// canonical storage moved under the draft, so re-deriving a correct
// merge is impossible.
const (
	ConflictExpected   = "EXPECTED"
	ConflictUnexpected = "UNEXPECTED"
)

// Batch terminal states.
const (
	PublishCommitted       = "COMMITTED"
	PublishPartiallyFailed = "PARTIALLY_FAILED"
	PublishRejected        = "REJECTED"
)

// Per-item outcomes.
const (
	ItemCommitted = "committed"
	ItemConflict  = "conflict"
	ItemFailed    = "failed"
)

// PublishItem is one entry in a publish request: the draft pointer and
// the fingerprint the caller believes is currently staged.
type PublishItem struct {
	Pointer      entity.Key `json:"pointer"`
	ExpectedHash string     `json:"expectedHash"`
}

// Conflict reports a publish-time mismatch for one pointer.
type Conflict struct {
	Pointer entity.Key `json:"pointer"`
	Code    string     `json:"code"`
	Detail  string     `json:"detail"`
}

// PublishResult is the per-item report.
type PublishResult struct {
	Pointer  entity.Key `json:"pointer"`
	Status   string     `json:"status"`
	Conflict *Conflict  `json:"conflict,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// PublishReport is the batch report with its terminal state.
type PublishReport struct {
	Status  string          `json:"status"`
	Results []PublishResult `json:"results"`
}

// Publish commits the selected drafts to canonical storage. Items are
// validated and applied independently: a conflicted or failed item
// never rolls back its neighbors, and entities with declared
// dependencies must be ordered by the caller. Once apply begins for an
// item it is not cancellable; partially applied batches are final
// per-item, never globally rolled back.
func (s *Service) Publish(ctx context.Context, items []PublishItem) (*PublishReport, error) {
	report := &PublishReport{Results: make([]PublishResult, 0, len(items))}
	committed := 0

	for _, item := range items {
		result := s.publishOne(ctx, item)
		if result.Status == ItemCommitted {
			committed++
		}
		report.Results = append(report.Results, result)
	}

	switch {
	case committed == len(items) && len(items) > 0:
		report.Status = PublishCommitted
	case committed == 0:
		report.Status = PublishRejected
	default:
		report.Status = PublishPartiallyFailed
	}
	return report, nil
}

func (s *Service) publishOne(ctx context.Context, item PublishItem) PublishResult {
	key := item.Pointer
	result := PublishResult{Pointer: key}

	def, err := s.definition(key.EntityType)
	if err != nil {
		result.Status = ItemFailed
		result.Reason = err.Error()
		return result
	}

	rec, err := s.drafts.Lookup(ctx, key)
	if errors.Is(err, draft.ErrNotFound) {
		result.Status = ItemConflict
		result.Conflict = &Conflict{Pointer: key, Code: ConflictUnexpected, Detail: "nothing to publish: no draft staged for this pointer"}
		return result
	}
	if err != nil {
		result.Status = ItemFailed
		result.Reason = s.storeError(err).Error()
		return result
	}

	if rec.DataHash != item.ExpectedHash {
		result.Status = ItemConflict
		result.Conflict = &Conflict{Pointer: key, Code: ConflictExpected, Detail: "draft changed since it was last read"}
		return result
	}

	// Snapshot read: one fresh canonical fetch serves both the
	// divergence check and the apply, closing the TOCTOU gap between
	// them.
	fresh, err := s.canon.LoadUnchanged(ctx, key.EntityType, key.EntityID, key.Language)
	if err != nil && !errors.Is(err, canonical.ErrNotFound) {
		result.Status = ItemFailed
		result.Reason = err.Error()
		return result
	}
	freshHash := ""
	if fresh != nil {
		tree, terr := normalize.NormalizeRaw(def, key.EntityID, key.Language, fresh.Data)
		if terr != nil {
			result.Status = ItemFailed
			result.Reason = fmt.Sprintf("normalize canonical %s: %v", key, terr)
			return result
		}
		freshHash = normalize.Fingerprint(tree)
	}
	if rec.BaseHash != freshHash {
		detail := "canonical entity changed since the draft was taken"
		if fresh == nil {
			detail = "canonical entity no longer exists"
		}
		result.Status = ItemConflict
		result.Conflict = &Conflict{Pointer: key, Code: ConflictUnexpected, Detail: detail}
		return result
	}

	if verr := validateRequired(def, rec.Data); verr != nil {
		result.Status = ItemFailed
		result.Reason = verr.Error()
		return result
	}

	// One logical unit: the entity plus any side effects it triggers
	// commit or roll back together.
	err = s.canon.Apply(ctx, func(tx canonical.Txn) error {
		stored := &canonical.Stored{
			Type:     key.EntityType,
			ID:       key.EntityID,
			Language: key.Language,
			Label:    rec.Label,
			Data:     rec.Data,
		}
		if _, err := tx.Save(ctx, stored); err != nil {
			return err
		}
		return s.applySideEffects(ctx, tx, def, rec)
	})
	if err != nil {
		var verr *canonical.ValidationError
		if errors.As(err, &verr) {
			result.Status = ItemFailed
			result.Reason = "validation failed: " + verr.Error()
			return result
		}
		result.Status = ItemFailed
		result.Reason = err.Error()
		return result
	}

	s.afterCommit(ctx, def, rec)
	result.Status = ItemCommitted
	return result
}

// StoreValidator returns the consistency hook the canonical store runs
// inside every saving transaction: required fields per the registry.
// Writes of unregistered types pass through untouched.
func StoreValidator(registry *entity.Registry) canonical.Validator {
	return func(stored *canonical.Stored) error {
		def, ok := registry.Get(stored.Type)
		if !ok {
			return nil
		}
		return validateRequired(def, stored.Data)
	}
}

// validateRequired is the consistency check run before apply: required
// fields must be present and non-empty.
func validateRequired(def entity.Definition, data map[string]any) error {
	for _, field := range def.Required {
		value, ok := data[field]
		if !ok || value == nil {
			return &canonical.ValidationError{Field: field, Detail: "required field missing"}
		}
		if str, isStr := value.(string); isStr && strings.TrimSpace(str) == "" {
			return &canonical.ValidationError{Field: field, Detail: "required field empty"}
		}
	}
	return nil
}

// applySideEffects runs the config-mutating side effects of one item
// inside its transaction. A validation error here rolls the whole unit
// back.
func (s *Service) applySideEffects(ctx context.Context, tx canonical.Txn, def entity.Definition, rec *draft.Record) error {
	switch def.Type {
	case "config_update":
		return s.applyConfigUpdate(ctx, tx, def, rec)
	case "asset":
		mime, _ := rec.Data["mime"].(string)
		source, _ := rec.Data["source"].(string)
		if s.assets != nil {
			if err := s.assets.Publish(ctx, rec.EntityID, mime, source); err != nil {
				return fmt.Errorf("publish asset source: %w", err)
			}
		}
		return nil
	default:
		return nil
	}
}

// applyConfigUpdate merges a staged config update into its target
// config entity within the same unit.
func (s *Service) applyConfigUpdate(ctx context.Context, tx canonical.Txn, def entity.Definition, rec *draft.Record) error {
	targetType, _ := rec.Data[def.TargetTypeField].(string)
	targetID, _ := rec.Data[def.TargetIDField].(string)
	if targetType == "" || targetID == "" {
		return &canonical.ValidationError{Field: def.TargetIDField, Detail: "config update has no target"}
	}

	target, err := s.canon.LoadUnchanged(ctx, targetType, targetID, "")
	if errors.Is(err, canonical.ErrNotFound) {
		return &canonical.ValidationError{Field: def.TargetIDField, Detail: "target config " + targetType + "/" + targetID + " does not exist"}
	}
	if err != nil {
		return err
	}

	changes, _ := rec.Data["changes"].(map[string]any)
	for field, value := range changes {
		target.Data[field] = value
	}
	if label, ok := target.Data["label"].(string); ok {
		target.Label = label
	}
	_, err = tx.Save(ctx, target)
	return err
}

// afterCommit finishes a committed item: draft and violation cleanup,
// cache-tag invalidation, and the content-list index refresh.
func (s *Service) afterCommit(ctx context.Context, def entity.Definition, rec *draft.Record) {
	key := rec.Key()

	if err := s.drafts.DeleteKey(ctx, key); err != nil {
		log.Printf("app: delete published draft %s: %v", key, err)
	}
	if err := s.purgeViolations(ctx, key); err != nil {
		log.Printf("app: purge violations for %s: %v", key, err)
	}

	s.readCache.invalidate(key)
	tags := []string{def.CacheTag, cache.TagDraftsChanged}
	if err := s.inv.InvalidateTags(ctx, tags...); err != nil {
		log.Printf("app: invalidate tags after publish %s: %v", key, err)
	}
	if err := s.inv.InvalidateKey(ctx, draftCacheKey(key)); err != nil {
		log.Printf("app: invalidate draft cache key %s: %v", key, err)
	}

	s.refreshIndex(ctx, rec)
}

func (s *Service) refreshIndex(ctx context.Context, rec *draft.Record) {
	if s.idx == nil {
		return
	}
	alias, _ := rec.Data["alias"].(string)
	s.idx.Upsert(index.Entry{
		ID:         indexID(rec.Key()),
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Language:   rec.Language,
		Title:      rec.Label,
		Alias:      alias,
		UpdatedAt:  time.Now().Unix(),
	})
}

// indexID flattens a draft key into the [a-zA-Z0-9_-] alphabet
// Meilisearch allows for primary keys.
func indexID(k entity.Key) string {
	return strings.NewReplacer("/", "-", ".", "_").Replace(k.String())
}
