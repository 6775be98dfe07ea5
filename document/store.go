package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Store is the canonical local copy of all entities. It keeps the full
// Document in memory and persists it as a single serialized snapshot, so a
// mutation either lands durably or leaves both memory and disk untouched.
type Store struct {
	db        *sql.DB
	replicaID string
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time

	writeMu sync.Mutex // serializes all mutations; field merges are not safe under interleaving
	doc     *Document

	changeMu sync.Mutex
	onChange []func()
}

// NewStore creates a store bound to an initialized local database. The
// replica id identifies this device in merge tiebreaks. A nil logger falls
// back to slog.Default().
func NewStore(db *sql.DB, replicaID string, logger *slog.Logger) (*Store, error) {
	if replicaID == "" {
		return nil, fmt.Errorf("replica id must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:        db,
		replicaID: replicaID,
		logger:    logger,
		validate:  validator.New(),
		now:       time.Now,
		doc:       NewDocument(),
	}, nil
}

// ReplicaID returns the device id this store stamps on local writes.
func (s *Store) ReplicaID() string { return s.replicaID }

// OnChange registers fn to run after every successful mutation. Callbacks
// run outside the store's critical section.
func (s *Store) OnChange(fn func()) {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Store) notifyChange() {
	s.changeMu.Lock()
	fns := make([]func(), len(s.onChange))
	copy(fns, s.onChange)
	s.changeMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Load restores the in-memory document from the persisted snapshot. A
// missing snapshot leaves the store empty.
func (s *Store) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM document_snapshot WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		s.doc = NewDocument()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w: %v", ErrStorage, err)
	}

	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	s.doc = doc
	return nil
}

// Put validates the entity, stamps missing metadata, merges it with any
// existing version of the same id and persists the result. It returns the
// merged entity as stored.
func (s *Store) Put(ctx context.Context, c Collection, e Entity) (Entity, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	if err := s.validate.Struct(e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if e.Collection() != c {
		return nil, fmt.Errorf("%w: %T does not belong to %s", ErrValidation, e, c)
	}

	incoming := e.Clone()
	meta := incoming.EntityMeta()
	ts := s.now()
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = ts
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = ts
	}
	if meta.ReplicaID == "" {
		meta.ReplicaID = s.replicaID
	}

	s.writeMu.Lock()
	merged := incoming
	if existing, ok := s.doc.get(c, meta.ID); ok {
		merged = Merge(existing, incoming).Clone()
	}
	err := s.replaceAndPersist(ctx, c, merged)
	s.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	s.notifyChange()
	return merged.Clone(), nil
}

// Get returns the entity, or ErrNotFound when it is absent or soft-deleted.
func (s *Store) Get(ctx context.Context, c Collection, id string) (Entity, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e, ok := s.doc.get(c, id)
	if !ok || e.EntityMeta().Deleted() {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// Lookup returns the stored version of an entity even when it is a
// tombstone. The synchronization engine needs tombstones to compare remote
// versions correctly; regular readers should use Get.
func (s *Store) Lookup(ctx context.Context, c Collection, id string) (Entity, bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e, ok := s.doc.get(c, id)
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// List returns every non-deleted entity of a collection in unspecified
// order; callers sort through the query index.
func (s *Store) List(ctx context.Context, c Collection) ([]Entity, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var out []Entity
	s.doc.Each(c, func(e Entity) {
		if !e.EntityMeta().Deleted() {
			out = append(out, e.Clone())
		}
	})
	return out, nil
}

// SoftDelete marks the entity as deleted. The tombstone keeps participating
// in merges so an older concurrent write cannot resurrect the record.
func (s *Store) SoftDelete(ctx context.Context, c Collection, id string) error {
	s.writeMu.Lock()
	existing, ok := s.doc.get(c, id)
	if !ok || existing.EntityMeta().Deleted() {
		s.writeMu.Unlock()
		return ErrNotFound
	}

	tomb := existing.Clone()
	meta := tomb.EntityMeta()
	ts := s.now()
	meta.DeletedAt = &ts
	meta.UpdatedAt = ts
	meta.ReplicaID = s.replicaID

	err := s.replaceAndPersist(ctx, c, tomb)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.notifyChange()
	return nil
}

// MergeSnapshot folds a remote snapshot into the document, entity by entity,
// using the field-merge rule. The whole snapshot is applied and persisted
// atomically; on failure the in-memory document is left as it was.
func (s *Store) MergeSnapshot(ctx context.Context, remote *Document) error {
	if remote == nil {
		return nil
	}

	s.writeMu.Lock()
	next := s.doc.Clone()
	changed := false
	for _, c := range Collections {
		remote.Each(c, func(re Entity) {
			incoming := re.Clone()
			if existing, ok := next.get(c, incoming.EntityMeta().ID); ok {
				winner := Merge(existing, incoming)
				if winner == existing {
					return
				}
				incoming = winner.Clone()
			}
			_ = next.set(c, incoming)
			changed = true
		})
	}
	if !changed {
		s.writeMu.Unlock()
		return nil
	}

	err := s.persist(ctx, next)
	if err == nil {
		s.doc = next
	}
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.notifyChange()
	return nil
}

// Snapshot serializes the full document, tombstones included.
func (s *Store) Snapshot() ([]byte, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := json.Marshal(s.doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	return data, nil
}

// Current returns a deep copy of the document for index rebuilds.
func (s *Store) Current() *Document {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.doc.Clone()
}

// replaceAndPersist swaps one record in, persists, and rolls the record back
// on failure. Caller holds writeMu.
func (s *Store) replaceAndPersist(ctx context.Context, c Collection, e Entity) error {
	id := e.EntityMeta().ID
	prev, hadPrev := s.doc.get(c, id)
	if err := s.doc.set(c, e); err != nil {
		return err
	}

	if err := s.persist(ctx, s.doc); err != nil {
		if hadPrev {
			_ = s.doc.set(c, prev)
		} else {
			s.doc.remove(c, id)
		}
		return err
	}
	return nil
}

// persist writes the serialized document in one transaction. Caller holds
// writeMu.
func (s *Store) persist(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot tx: %w: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO document_snapshot (id, data, saved_at)
		VALUES (1, ?, ?)
	`, data, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w: %v", ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w: %v", ErrStorage, err)
	}
	return nil
}
