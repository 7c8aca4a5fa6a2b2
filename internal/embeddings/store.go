// Package embeddings keeps the reference embeddings of every enrolled
// identity in memory so that a capture can be matched without a database
// round trip.
package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/your-org/attend/internal/models"
)

// Source loads the full set of identities and reference embeddings.
type Source interface {
	ListIdentities(ctx context.Context) ([]models.Identity, error)
	ListEmbeddings(ctx context.Context, modality models.Modality) ([]models.Embedding, error)
}

type entry struct {
	identity models.Identity
	faces    map[uuid.UUID][]float32
	voice    []float32
}

// Store is safe for concurrent use. Candidates returns copies of the slice
// headers only; stored vectors are never mutated after insertion.
type Store struct {
	source Source

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	// While a reload is listing the source, incremental updates are also
	// journaled and replayed onto the new snapshot before it is swapped in.
	loading bool
	journal []func(map[uuid.UUID]*entry)

	group singleflight.Group
}

func NewStore(source Source) *Store {
	return &Store{
		source:  source,
		entries: make(map[uuid.UUID]*entry),
	}
}

// Reload replaces the in-memory snapshot with the source contents.
// Concurrent callers share a single load.
func (s *Store) Reload(ctx context.Context) error {
	if s.source == nil {
		return nil
	}
	_, err, _ := s.group.Do("reload", func() (interface{}, error) {
		return nil, s.reload(ctx)
	})
	return err
}

func (s *Store) reload(ctx context.Context) error {
	s.mu.Lock()
	s.loading = true
	s.journal = nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loading = false
		s.journal = nil
		s.mu.Unlock()
	}()

	identities, err := s.source.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("list identities: %w", err)
	}
	faces, err := s.source.ListEmbeddings(ctx, models.ModalityFace)
	if err != nil {
		return fmt.Errorf("list face embeddings: %w", err)
	}
	voices, err := s.source.ListEmbeddings(ctx, models.ModalityVoice)
	if err != nil {
		return fmt.Errorf("list voice embeddings: %w", err)
	}

	entries := make(map[uuid.UUID]*entry, len(identities))
	for _, id := range identities {
		entries[id.ID] = &entry{identity: id, faces: make(map[uuid.UUID][]float32)}
	}
	for _, fe := range faces {
		if e, ok := entries[fe.IdentityID]; ok {
			e.faces[fe.ID] = fe.Vector
		}
	}
	for _, ve := range voices {
		if e, ok := entries[ve.IdentityID]; ok {
			e.voice = ve.Vector
		}
	}

	s.mu.Lock()
	for _, op := range s.journal {
		op(entries)
	}
	replayed := len(s.journal)
	s.entries = entries
	s.mu.Unlock()

	if replayed > 0 {
		slog.Debug("replayed updates made during reload", "updates", replayed)
	}

	slog.Info("embedding store reloaded",
		"identities", len(identities),
		"face_embeddings", len(faces),
		"voice_embeddings", len(voices),
	)
	return nil
}

// apply runs op on the current snapshot and journals it if a reload is in
// flight. The caller holds s.mu.
func (s *Store) apply(op func(map[uuid.UUID]*entry)) {
	op(s.entries)
	if s.loading {
		s.journal = append(s.journal, op)
	}
}

// PutIdentity adds or updates an identity without touching its embeddings.
func (s *Store) PutIdentity(id models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(func(m map[uuid.UUID]*entry) {
		if e, ok := m[id.ID]; ok {
			e.identity = id
			return
		}
		m[id.ID] = &entry{identity: id, faces: make(map[uuid.UUID][]float32)}
	})
}

// AddFace stores a face reference for a known identity.
func (s *Store) AddFace(identityID, embeddingID uuid.UUID, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[identityID]; !ok {
		return fmt.Errorf("identity %s not loaded", identityID)
	}
	s.apply(func(m map[uuid.UUID]*entry) {
		if e, ok := m[identityID]; ok {
			e.faces[embeddingID] = vec
		}
	})
	return nil
}

// RemoveFace drops one face reference.
func (s *Store) RemoveFace(identityID, embeddingID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(func(m map[uuid.UUID]*entry) {
		if e, ok := m[identityID]; ok {
			delete(e.faces, embeddingID)
		}
	})
}

// SetVoice replaces the single voice reference of an identity.
func (s *Store) SetVoice(identityID uuid.UUID, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[identityID]; !ok {
		return fmt.Errorf("identity %s not loaded", identityID)
	}
	s.apply(func(m map[uuid.UUID]*entry) {
		if e, ok := m[identityID]; ok {
			e.voice = vec
		}
	})
	return nil
}

// RemoveIdentity forgets an identity and all its references.
func (s *Store) RemoveIdentity(identityID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(func(m map[uuid.UUID]*entry) {
		delete(m, identityID)
	})
}

// Identity returns the identity record if loaded.
func (s *Store) Identity(identityID uuid.UUID) (models.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[identityID]
	if !ok {
		return models.Identity{}, false
	}
	return e.identity, true
}

// Candidates returns the identities eligible for matching in a modality:
// for faces every identity with at least one face reference, for voice
// every identity with a voice reference. The result is sorted by external
// reference so iteration order is stable.
func (s *Store) Candidates(modality models.Modality) []models.Reference {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]models.Reference, 0, len(s.entries))
	for _, e := range s.entries {
		if r, ok := e.reference(modality); ok {
			refs = append(refs, r)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ExternalRef < refs[j].ExternalRef })
	return refs
}

// Reference returns one identity's references for a modality.
func (s *Store) Reference(identityID uuid.UUID, modality models.Modality) (models.Reference, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[identityID]
	if !ok {
		return models.Reference{}, false
	}
	return e.reference(modality)
}

// Stats returns the number of identities eligible for face matching and
// the number holding a voice reference.
func (s *Store) Stats() (faceEligible, withVoice int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if len(e.faces) > 0 {
			faceEligible++
		}
		if len(e.voice) > 0 {
			withVoice++
		}
	}
	return faceEligible, withVoice
}

func (e *entry) reference(modality models.Modality) (models.Reference, bool) {
	r := models.Reference{
		IdentityID:  e.identity.ID,
		ExternalRef: e.identity.ExternalRef,
		Name:        e.identity.Name,
	}
	switch modality {
	case models.ModalityFace:
		if len(e.faces) == 0 {
			return r, false
		}
		ids := make([]uuid.UUID, 0, len(e.faces))
		for id := range e.faces {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		r.Vectors = make([][]float32, 0, len(ids))
		for _, id := range ids {
			r.Vectors = append(r.Vectors, e.faces[id])
		}
	case models.ModalityVoice:
		if len(e.voice) == 0 {
			return r, false
		}
		r.Vectors = [][]float32{e.voice}
	default:
		return r, false
	}
	return r, true
}
