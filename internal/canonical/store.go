package canonical

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound means no committed entity exists for the identity.
var ErrNotFound = errors.New("entity not found")

// ValidationError is returned when an apply rejects the data on
// schema/consistency grounds. The publish coordinator surfaces it
// per-item and rolls back the logical unit it occurred in.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Detail
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Detail)
}

// Stored is one committed entity row: identity, display label, the raw
// field map, and a revision counter bumped on every save.
type Stored struct {
	Type      string
	ID        string
	Language  string
	Label     string
	Data      map[string]any
	Revision  int64
	UpdatedAt time.Time
}

// Validator is an optional consistency hook run before every save,
// inside the saving transaction.
type Validator func(*Stored) error

// Txn is the transactional surface handed to Apply callbacks: every
// save/delete inside one callback commits or rolls back together.
type Txn interface {
	Save(ctx context.Context, s *Stored) (int64, error)
	Delete(ctx context.Context, entityType, entityID string) error
}

// PGStore is the Postgres canonical store. Writes for one entity id are
// serialized by a row lock taken inside the saving transaction.
type PGStore struct {
	db       *sql.DB
	notifier *Notifier
	validate Validator

	mu    sync.Mutex
	cache map[string]*Stored
}

func NewPGStore(db *sql.DB, notifier *Notifier) *PGStore {
	return &PGStore{
		db:       db,
		notifier: notifier,
		cache:    map[string]*Stored{},
	}
}

// SetValidator installs the consistency hook.
func (s *PGStore) SetValidator(v Validator) { s.validate = v }

// Notifier exposes the subscription surface.
func (s *PGStore) Notifier() *Notifier { return s.notifier }

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func cacheKey(entityType, entityID, language string) string {
	return entityType + "/" + entityID + "/" + language
}

// Load returns the committed entity, consulting the in-process cache.
func (s *PGStore) Load(ctx context.Context, entityType, entityID, language string) (*Stored, error) {
	s.mu.Lock()
	if cached, ok := s.cache[cacheKey(entityType, entityID, language)]; ok {
		s.mu.Unlock()
		return cloneStored(cached), nil
	}
	s.mu.Unlock()

	stored, err := s.LoadUnchanged(ctx, entityType, entityID, language)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[cacheKey(entityType, entityID, language)] = cloneStored(stored)
	s.mu.Unlock()
	return stored, nil
}

// LoadUnchanged bypasses the in-process cache and reads the row as it
// currently exists. The draft layer's fingerprint comparisons use this
// so a stale cached entity can never mask a canonical change.
func (s *PGStore) LoadUnchanged(ctx context.Context, entityType, entityID, language string) (*Stored, error) {
	return loadRow(ctx, s.db, entityType, entityID, language)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRow(ctx context.Context, q queryer, entityType, entityID, language string) (*Stored, error) {
	const query = `
		SELECT label, data, revision, updated_at
		FROM entities
		WHERE entity_type=$1 AND entity_id=$2 AND language=$3
	`
	stored := &Stored{Type: entityType, ID: entityID, Language: language}
	var raw []byte
	err := q.QueryRowContext(ctx, query, entityType, entityID, language).
		Scan(&stored.Label, &raw, &stored.Revision, &stored.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load entity %s/%s: %w", entityType, entityID, err)
	}
	if err := json.Unmarshal(raw, &stored.Data); err != nil {
		return nil, fmt.Errorf("decode entity %s/%s: %w", entityType, entityID, err)
	}
	return stored, nil
}

// List returns every committed entity of a type.
func (s *PGStore) List(ctx context.Context, entityType string) ([]*Stored, error) {
	const query = `
		SELECT entity_id, language, label, data, revision, updated_at
		FROM entities
		WHERE entity_type=$1
		ORDER BY entity_id, language
	`
	rows, err := s.db.QueryContext(ctx, query, entityType)
	if err != nil {
		return nil, fmt.Errorf("list entities %s: %w", entityType, err)
	}
	defer rows.Close()

	var out []*Stored
	for rows.Next() {
		stored := &Stored{Type: entityType}
		var raw []byte
		if err := rows.Scan(&stored.ID, &stored.Language, &stored.Label, &raw, &stored.Revision, &stored.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		if err := json.Unmarshal(raw, &stored.Data); err != nil {
			return nil, fmt.Errorf("decode entity %s/%s: %w", entityType, stored.ID, err)
		}
		out = append(out, stored)
	}
	return out, rows.Err()
}

type pgTxn struct {
	store   *PGStore
	tx      *sql.Tx
	commits []*Stored
	deletes [][2]string
}

func (t *pgTxn) Save(ctx context.Context, stored *Stored) (int64, error) {
	if stored.Type == "" || stored.ID == "" {
		return 0, &ValidationError{Detail: "entity type and id are required"}
	}
	if t.store.validate != nil {
		if err := t.store.validate(stored); err != nil {
			return 0, err
		}
	}
	raw, err := json.Marshal(stored.Data)
	if err != nil {
		return 0, &ValidationError{Detail: fmt.Sprintf("data not serializable: %v", err)}
	}

	// Lock the row so concurrent saves of the same entity id serialize.
	var revision int64
	err = t.tx.QueryRowContext(ctx, `
		SELECT revision FROM entities
		WHERE entity_type=$1 AND entity_id=$2 AND language=$3
		FOR UPDATE
	`, stored.Type, stored.ID, stored.Language).Scan(&revision)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lock entity %s/%s: %w", stored.Type, stored.ID, err)
	}

	revision++
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO entities (entity_type, entity_id, language, label, data, revision, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (entity_type, entity_id, language)
		DO UPDATE SET label=EXCLUDED.label, data=EXCLUDED.data, revision=EXCLUDED.revision, updated_at=NOW()
	`, stored.Type, stored.ID, stored.Language, stored.Label, raw, revision); err != nil {
		return 0, fmt.Errorf("save entity %s/%s: %w", stored.Type, stored.ID, err)
	}

	stored.Revision = revision
	t.commits = append(t.commits, cloneStored(stored))
	return revision, nil
}

func (t *pgTxn) Delete(ctx context.Context, entityType, entityID string) error {
	result, err := t.tx.ExecContext(ctx, `
		DELETE FROM entities WHERE entity_type=$1 AND entity_id=$2
	`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("delete entity %s/%s: %w", entityType, entityID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	t.deletes = append(t.deletes, [2]string{entityType, entityID})
	return nil
}

// Apply runs the callback inside a single transaction: all saves and
// deletes it performs commit or roll back together. After a successful
// commit the in-process cache is invalidated and listeners are
// notified, in that order, before Apply returns.
func (s *PGStore) Apply(ctx context.Context, fn func(Txn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	unit := &pgTxn{store: s, tx: tx}
	if err := fn(unit); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply tx: %w", err)
	}

	s.mu.Lock()
	for _, stored := range unit.commits {
		s.cache[cacheKey(stored.Type, stored.ID, stored.Language)] = cloneStored(stored)
	}
	for _, del := range unit.deletes {
		for key := range s.cache {
			if cached := s.cache[key]; cached.Type == del[0] && cached.ID == del[1] {
				delete(s.cache, key)
			}
		}
	}
	s.mu.Unlock()

	if s.notifier != nil {
		for _, stored := range unit.commits {
			s.notifier.commit(ctx, stored.Type, stored.ID)
		}
		for _, del := range unit.deletes {
			s.notifier.delete(ctx, del[0], del[1])
		}
	}
	return nil
}

// Save commits one entity in its own unit.
func (s *PGStore) Save(ctx context.Context, stored *Stored) (int64, error) {
	var revision int64
	err := s.Apply(ctx, func(tx Txn) error {
		var err error
		revision, err = tx.Save(ctx, stored)
		return err
	})
	return revision, err
}

// Delete removes one entity (all languages) in its own unit.
func (s *PGStore) Delete(ctx context.Context, entityType, entityID string) error {
	return s.Apply(ctx, func(tx Txn) error {
		return tx.Delete(ctx, entityType, entityID)
	})
}

func cloneStored(in *Stored) *Stored {
	out := *in
	if in.Data != nil {
		raw, err := json.Marshal(in.Data)
		if err == nil {
			var data map[string]any
			if json.Unmarshal(raw, &data) == nil {
				out.Data = data
			}
		}
	}
	return &out
}
