package app

import (
	"context"
	"log"
	"reflect"
	"time"

	"mosaic/api/internal/normalize"
)

// autoMergeFields is the whitelist of fields a canonical change may
// touch without invalidating outstanding drafts. Anything beyond these
// diverges too far for a safe rewrite and the draft is dropped instead.
var autoMergeFields = map[string]bool{
	"label":   true,
	"title":   true,
	"enabled": true,
}

// OnCommit reacts to a canonical-store commit: drafts for the entity
// are rewritten in place when the canonical change is confined to the
// auto-merge whitelist, deleted when it is not, and deleted as no-ops
// when they now match canonical exactly.
func (s *Service) OnCommit(ctx context.Context, entityType, entityID string) {
	def, ok := s.registry.Get(entityType)
	if !ok {
		return
	}

	records, err := s.drafts.LookupEntity(ctx, entityType, entityID)
	if err != nil {
		log.Printf("app: reconcile %s/%s: %v", entityType, entityID, err)
		return
	}

	for i := range records {
		rec := records[i]
		key := rec.Key()

		fresh, err := s.canon.LoadUnchanged(ctx, key.EntityType, key.EntityID, key.Language)
		if err != nil {
			log.Printf("app: reconcile load %s: %v", key, err)
			continue
		}
		freshTree, err := normalize.NormalizeRaw(def, key.EntityID, key.Language, fresh.Data)
		if err != nil {
			log.Printf("app: reconcile normalize %s: %v", key, err)
			continue
		}
		freshHash := normalize.Fingerprint(freshTree)

		if rec.DataHash == freshHash {
			// The commit made this draft a no-op (typically our own
			// publish); drop it.
			if err := s.drafts.DeleteKey(ctx, key); err != nil {
				log.Printf("app: reconcile drop no-op draft %s: %v", key, err)
			}
			s.invalidateDraft(ctx, key)
			continue
		}

		draftTree, err := normalize.NormalizeRaw(def, key.EntityID, key.Language, rec.Data)
		if err != nil {
			log.Printf("app: reconcile normalize draft %s: %v", key, err)
			continue
		}

		if divergesOnlyIn(autoMergeFields, draftTree, freshTree) {
			// Safe divergence: keep the user's whitelisted edits and
			// move the baseline so publish will not flag the canonical
			// change as unexpected.
			rec.BaseHash = freshHash
			rec.UpdatedAt = time.Now().UTC()
			if err := s.drafts.ForOwner(rec.Owner).Set(ctx, key, rec); err != nil {
				log.Printf("app: reconcile rewrite draft %s: %v", key, err)
			}
			s.invalidateDraft(ctx, key)
			continue
		}

		// The canonical change and the draft diverge beyond the
		// whitelist; the draft cannot be trusted anymore.
		if err := s.drafts.DeleteKey(ctx, key); err != nil {
			log.Printf("app: reconcile invalidate draft %s: %v", key, err)
		}
		if err := s.purgeViolations(ctx, key); err != nil {
			log.Printf("app: reconcile purge violations %s: %v", key, err)
		}
		s.invalidateDraft(ctx, key)
	}
}

// OnDelete reacts to a canonical-store delete: drafts targeting the
// entity are removed, and drafts of derived types (staged updates whose
// target was removed) cascade with it.
func (s *Service) OnDelete(ctx context.Context, entityType, entityID string) {
	records, err := s.drafts.LookupEntity(ctx, entityType, entityID)
	if err != nil {
		log.Printf("app: cascade delete %s/%s: %v", entityType, entityID, err)
		return
	}
	for i := range records {
		key := records[i].Key()
		if err := s.drafts.DeleteKey(ctx, key); err != nil {
			log.Printf("app: cascade delete draft %s: %v", key, err)
		}
		if err := s.purgeViolations(ctx, key); err != nil {
			log.Printf("app: cascade purge violations %s: %v", key, err)
		}
		s.invalidateDraft(ctx, key)
	}

	// Derived drafts: staged updates pointing at the deleted entity.
	for _, dep := range s.registry.DependentsOf(entityType) {
		all, err := s.drafts.GetAll(ctx)
		if err != nil {
			log.Printf("app: cascade scan %s drafts: %v", dep.Type, err)
			return
		}
		for _, rec := range all {
			if rec.EntityType != dep.Type {
				continue
			}
			targetType, _ := rec.Data[dep.TargetTypeField].(string)
			targetID, _ := rec.Data[dep.TargetIDField].(string)
			if targetType != entityType || targetID != entityID {
				continue
			}
			key := rec.Key()
			if err := s.drafts.DeleteKey(ctx, key); err != nil {
				log.Printf("app: cascade delete derived draft %s: %v", key, err)
			}
			if err := s.purgeViolations(ctx, key); err != nil {
				log.Printf("app: cascade purge violations %s: %v", key, err)
			}
			s.invalidateDraft(ctx, key)
		}
	}

	if s.idx != nil {
		// Translatable entities hold one index entry per language;
		// removal must cover them all, not a single language-less id.
		s.idx.RemoveEntity(entityType, entityID)
	}
	if s.assets != nil && entityType == "asset" {
		if err := s.assets.Remove(ctx, entityID); err != nil {
			log.Printf("app: remove asset objects %s: %v", entityID, err)
		}
	}
	s.invalidateEntityTag(ctx, entityType)
}

// divergesOnlyIn reports whether two normalized trees differ only in
// whitelisted top-level fields.
func divergesOnlyIn(whitelist map[string]bool, a, b normalize.Tree) bool {
	am, aok := a.(normalize.Map)
	bm, bok := b.(normalize.Map)
	if !aok || !bok {
		return false
	}

	seen := map[string]bool{}
	for k := range am {
		seen[k] = true
	}
	for k := range bm {
		seen[k] = true
	}
	for k := range seen {
		av, aHas := am[k]
		bv, bHas := bm[k]
		if aHas && bHas && reflect.DeepEqual(av, bv) {
			continue
		}
		if !whitelist[k] {
			return false
		}
	}
	return true
}
