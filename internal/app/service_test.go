package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mosaic/api/internal/cache"
	"mosaic/api/internal/canonical"
	"mosaic/api/internal/draft"
	"mosaic/api/internal/entity"
	"mosaic/api/internal/index"
	"mosaic/api/internal/normalize"
)

// fakeCanonical is an in-memory canonical store. Apply mutates a copy
// and commits it only when the unit succeeds, mirroring the Postgres
// transaction semantics. Individual methods can be overridden per test.
type fakeCanonical struct {
	mu   sync.Mutex
	rows map[string]*canonical.Stored

	loadFn  func(ctx context.Context, entityType, entityID, language string) (*canonical.Stored, error)
	applyFn func(ctx context.Context, fn func(canonical.Txn) error) error
}

func newFakeCanonical() *fakeCanonical {
	return &fakeCanonical{rows: map[string]*canonical.Stored{}}
}

func rowKey(entityType, entityID, language string) string {
	return entityType + "\x00" + entityID + "\x00" + language
}

func (f *fakeCanonical) seed(s *canonical.Stored) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[rowKey(s.Type, s.ID, s.Language)] = cloneRow(s)
}

func (f *fakeCanonical) get(entityType, entityID, language string) *canonical.Stored {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[rowKey(entityType, entityID, language)]
	if !ok {
		return nil
	}
	return cloneRow(row)
}

func (f *fakeCanonical) Load(ctx context.Context, entityType, entityID, language string) (*canonical.Stored, error) {
	return f.LoadUnchanged(ctx, entityType, entityID, language)
}

func (f *fakeCanonical) LoadUnchanged(ctx context.Context, entityType, entityID, language string) (*canonical.Stored, error) {
	if f.loadFn != nil {
		return f.loadFn(ctx, entityType, entityID, language)
	}
	row := f.get(entityType, entityID, language)
	if row == nil {
		return nil, canonical.ErrNotFound
	}
	return row, nil
}

func (f *fakeCanonical) List(ctx context.Context, entityType string) ([]*canonical.Stored, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*canonical.Stored
	for _, row := range f.rows {
		if row.Type == entityType {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

func (f *fakeCanonical) Apply(ctx context.Context, fn func(canonical.Txn) error) error {
	if f.applyFn != nil {
		return f.applyFn(ctx, fn)
	}
	f.mu.Lock()
	staged := map[string]*canonical.Stored{}
	for k, v := range f.rows {
		staged[k] = cloneRow(v)
	}
	f.mu.Unlock()

	if err := fn(&fakeTxn{rows: staged}); err != nil {
		return err
	}

	f.mu.Lock()
	f.rows = staged
	f.mu.Unlock()
	return nil
}

func (f *fakeCanonical) Ping(ctx context.Context) error { return nil }

type fakeTxn struct {
	rows map[string]*canonical.Stored
}

func (t *fakeTxn) Save(ctx context.Context, s *canonical.Stored) (int64, error) {
	key := rowKey(s.Type, s.ID, s.Language)
	revision := int64(1)
	if prev, ok := t.rows[key]; ok {
		revision = prev.Revision + 1
	}
	row := cloneRow(s)
	row.Revision = revision
	row.UpdatedAt = time.Now().UTC()
	t.rows[key] = row
	return revision, nil
}

func (t *fakeTxn) Delete(ctx context.Context, entityType, entityID string) error {
	deleted := false
	for key, row := range t.rows {
		if row.Type == entityType && row.ID == entityID {
			delete(t.rows, key)
			deleted = true
		}
	}
	if !deleted {
		return canonical.ErrNotFound
	}
	return nil
}

func cloneRow(s *canonical.Stored) *canonical.Stored {
	row := *s
	row.Data = map[string]any{}
	for k, v := range s.Data {
		row.Data[k] = v
	}
	return &row
}

type fakeIndex struct {
	mu      sync.Mutex
	upserts []index.Entry
	removed [][2]string
}

func (f *fakeIndex) Upsert(e index.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, e)
}

func (f *fakeIndex) RemoveEntity(entityType, entityID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, [2]string{entityType, entityID})
}

// covers reports whether a recorded removal matches the entry's entity.
func (f *fakeIndex) covers(e index.Entry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.removed {
		if r[0] == e.EntityType && r[1] == e.EntityID {
			return true
		}
	}
	return false
}

type fakeAssets struct {
	mu        sync.Mutex
	published map[string]string
	removed   []string
}

func (f *fakeAssets) Publish(ctx context.Context, entityID, mime, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = map[string]string{}
	}
	f.published[entityID] = source
	return nil
}

func (f *fakeAssets) Remove(ctx context.Context, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, entityID)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeCanonical, *fakeAssets, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	factory := draft.NewFactoryWithClient(client, time.Hour)
	canon := newFakeCanonical()
	assets := &fakeAssets{}
	service := New(entity.Builtin(), factory, canon, cache.Noop{}, nil, assets)
	return service, canon, assets, mr
}

func pageEntity(t *testing.T, id, language string, data map[string]any) *entity.Generic {
	t.Helper()
	def, _ := entity.Builtin().Get("page")
	e, err := entity.FromRaw(def, id, language, data)
	if err != nil {
		t.Fatalf("FromRaw: %v", err)
	}
	return e
}

func pageHash(t *testing.T, id, language string, data map[string]any) string {
	t.Helper()
	def, _ := entity.Builtin().Get("page")
	tree, err := normalize.NormalizeRaw(def, id, language, data)
	if err != nil {
		t.Fatalf("NormalizeRaw: %v", err)
	}
	return normalize.Fingerprint(tree)
}

func TestSaveDraftRoundTrip(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	data := map[string]any{"title": "Landing", "alias": "/landing", "published": true}
	rec, err := service.SaveDraft(ctx, "alice", "tab-1", pageEntity(t, "p1", "en", data))
	if err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a stored record, got no-op")
	}
	if rec.BaseHash != "" {
		t.Fatalf("new entity must have empty base hash, got %q", rec.BaseHash)
	}
	if rec.Label != "Landing" {
		t.Fatalf("label = %q, want Landing", rec.Label)
	}

	key := entity.Key{EntityType: "page", EntityID: "p1", Language: "en"}
	e, got, err := service.ReadDraft(ctx, "alice", key)
	if err != nil {
		t.Fatalf("ReadDraft: %v", err)
	}
	if got.DataHash != rec.DataHash {
		t.Fatalf("hash mismatch after round trip: %q vs %q", got.DataHash, rec.DataHash)
	}
	if e.Label() != "Landing" {
		t.Fatalf("entity label = %q", e.Label())
	}
}

func TestSaveDraftMatchingCanonicalIsNoOp(t *testing.T) {
	service, canon, _, _ := newTestService(t)
	ctx := context.Background()

	data := map[string]any{"title": "Landing", "alias": "/landing"}
	canon.seed(&canonical.Stored{Type: "page", ID: "p1", Language: "en", Label: "Landing", Data: data})

	// Stage a divergent draft first, then save data identical to
	// canonical: the draft must dissolve.
	divergent := map[string]any{"title": "Landing v2", "alias": "/landing"}
	if _, err := service.SaveDraft(ctx, "alice", "", pageEntity(t, "p1", "en", divergent)); err != nil {
		t.Fatalf("SaveDraft divergent: %v", err)
	}

	rec, err := service.SaveDraft(ctx, "alice", "", pageEntity(t, "p1", "en", data))
	if err != nil {
		t.Fatalf("SaveDraft matching: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected no-op, got record %+v", rec)
	}

	key := entity.Key{EntityType: "page", EntityID: "p1", Language: "en"}
	if _, _, err := service.ReadDraft(ctx, "alice", key); err == nil {
		t.Fatal("draft should be gone after no-op save")
	}
}

func TestSaveDraftNoOpKeptWhileViolationsOutstanding(t *testing.T) {
	service, canon, _, _ := newTestService(t)
	ctx := context.Background()

	data := map[string]any{"title": "Landing"}
	canon.seed(&canonical.Stored{Type: "page", ID: "p1", Language: "en", Label: "Landing", Data: data})

	key := entity.Key{EntityType: "page", EntityID: "p1", Language: "en"}
	violations := []draft.Violation{{Field: "layout", Detail: "unresolved component"}}
	if err := service.RecordViolations(ctx, "alice", key, "block-3", violations); err != nil {
		t.Fatalf("RecordViolations: %v", err)
	}

	rec, err := service.SaveDraft(ctx, "alice", "", pageEntity(t, "p1", "en", data))
	if err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	if rec == nil {
		t.Fatal("draft with outstanding violations must be kept, not dropped as no-op")
	}
}

func TestSaveDraftVolatileFieldsDoNotDirty(t *testing.T) {
	service, canon, _, _ := newTestService(t)
	ctx := context.Background()

	canon.seed(&canonical.Stored{Type: "page", ID: "p1", Language: "en", Label: "Landing",
		Data: map[string]any{"title": "Landing"}})

	// Only volatile fields differ from canonical; still a no-op.
	data := map[string]any{"title": "Landing", "changed": 1724800000, "preview_token": "abc"}
	rec, err := service.SaveDraft(ctx, "alice", "", pageEntity(t, "p1", "en", data))
	if err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	if rec != nil {
		t.Fatal("volatile-only difference must resolve to a no-op")
	}
}

func TestSaveDraftStoreUnavailable(t *testing.T) {
	service, _, _, mr := newTestService(t)
	ctx := context.Background()
	mr.Close()

	_, err := service.SaveDraft(ctx, "alice", "", pageEntity(t, "p1", "en", map[string]any{"title": "x"}))
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", domainErr.Status)
	}
}

func TestReadDraftMalformedRecord(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()
	key := entity.Key{EntityType: "page", EntityID: "p1", Language: "en"}

	// A record whose component field no longer deserializes.
	rec := draft.Record{
		EntityType: "page", EntityID: "p1", Language: "en", Owner: "alice",
		Data: map[string]any{"title": "x", "layout": "not a component tree"},
	}
	if err := service.drafts.ForOwner("alice").Set(ctx, key, rec); err != nil {
		t.Fatalf("Set: %v", err)
	}

	_, _, err := service.ReadDraft(ctx, "alice", key)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != http.StatusNotFound || domainErr.Code != codeMalformedDraft {
		t.Fatalf("got %d/%s, want 404/%s", domainErr.Status, domainErr.Code, codeMalformedDraft)
	}
}

func TestListPendingFlagsConflicts(t *testing.T) {
	service, canon, _, _ := newTestService(t)
	ctx := context.Background()

	canon.seed(&canonical.Stored{Type: "page", ID: "p1", Language: "en", Label: "One",
		Data: map[string]any{"title": "One"}})

	if _, err := service.SaveDraft(ctx, "alice", "", pageEntity(t, "p1", "en", map[string]any{"title": "One v2"})); err != nil {
		t.Fatalf("SaveDraft p1: %v", err)
	}
	if _, err := service.SaveDraft(ctx, "bob", "", pageEntity(t, "p2", "en", map[string]any{"title": "Two"})); err != nil {
		t.Fatalf("SaveDraft p2: %v", err)
	}

	// Canonical p1 moves after alice's draft was taken.
	canon.seed(&canonical.Stored{Type: "page", ID: "p1", Language: "en", Label: "One moved",
		Data: map[string]any{"title": "One moved"}})

	changes, err := service.ListPending(ctx, false)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("pending = %d, want 2", len(changes))
	}
	byID := map[string]PendingChange{}
	for _, c := range changes {
		byID[c.EntityID] = c
		if c.Data != nil {
			t.Fatalf("entity data included without entities=true: %v", c.Data)
		}
	}
	if !byID["p1"].HasConflict {
		t.Fatal("p1 must be flagged: canonical moved under the draft")
	}
	if byID["p2"].HasConflict {
		t.Fatal("p2 must not be flagged")
	}
	if byID["p2"].Owner != "bob" {
		t.Fatalf("p2 owner = %q", byID["p2"].Owner)
	}
}

func TestDiscardChangeCrossOwner(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.SaveDraft(ctx, "alice", "", pageEntity(t, "p1", "en", map[string]any{"title": "x"})); err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	key := entity.Key{EntityType: "page", EntityID: "p1", Language: "en"}

	// DiscardChange is the privileged publish-screen path: it finds the
	// draft without knowing the owner.
	if err := service.DiscardChange(ctx, key); err != nil {
		t.Fatalf("DiscardChange: %v", err)
	}
	if _, _, err := service.ReadDraft(ctx, "alice", key); err == nil {
		t.Fatal("draft should be discarded")
	}
}

func TestDiscardAll(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		if _, err := service.SaveDraft(ctx, "alice", "", pageEntity(t, id, "en", map[string]any{"title": id})); err != nil {
			t.Fatalf("SaveDraft %s: %v", id, err)
		}
	}
	if err := service.DiscardAll(ctx); err != nil {
		t.Fatalf("DiscardAll: %v", err)
	}
	changes, err := service.ListPending(ctx, false)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("pending after DiscardAll = %d, want 0", len(changes))
	}
}

func TestBootstrapBackfillsContentIndex(t *testing.T) {
	service, canon, _, _ := newTestService(t)
	fidx := &fakeIndex{}
	service.idx = fidx
	ctx := context.Background()

	canon.seed(&canonical.Stored{Type: "page", ID: "p1", Language: "en", Label: "Landing",
		Data: map[string]any{"title": "Landing", "alias": "/landing"}})
	canon.seed(&canonical.Stored{Type: "page", ID: "p1", Language: "de", Label: "Startseite",
		Data: map[string]any{"title": "Startseite", "alias": "/start"}})
	canon.seed(&canonical.Stored{Type: "config", ID: "site", Label: "Site",
		Data: map[string]any{"label": "Site"}})

	if err := service.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(fidx.upserts) != 3 {
		t.Fatalf("upserts = %d, want 3: %+v", len(fidx.upserts), fidx.upserts)
	}
	byID := map[string]index.Entry{}
	for _, e := range fidx.upserts {
		byID[e.ID] = e
	}
	if byID["page-p1-en"].Alias != "/landing" || byID["page-p1-de"].Alias != "/start" {
		t.Fatalf("language variants not indexed separately: %+v", byID)
	}
	if byID["config-site"].Title != "Site" {
		t.Fatalf("config entry = %+v", byID["config-site"])
	}
}

func TestViolationsLifecycle(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()
	key := entity.Key{EntityType: "page", EntityID: "p1", Language: "en"}

	violations := []draft.Violation{{Field: "title", Detail: "too long"}}
	if err := service.RecordViolations(ctx, "alice", key, "", violations); err != nil {
		t.Fatalf("RecordViolations: %v", err)
	}
	has, err := service.hasViolations(ctx, "alice", key)
	if err != nil || !has {
		t.Fatalf("hasViolations = %v, %v; want true", has, err)
	}
	if err := service.ClearViolations(ctx, "alice", key, ""); err != nil {
		t.Fatalf("ClearViolations: %v", err)
	}
	has, err = service.hasViolations(ctx, "alice", key)
	if err != nil || has {
		t.Fatalf("hasViolations after clear = %v, %v; want false", has, err)
	}
}
