// Package memstore is an in-memory implementation of the session, identity
// and audit repositories. It backs tests and single-process demos.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/enroll"
	"github.com/your-org/attend/internal/models"
)

type Store struct {
	mu         sync.RWMutex
	sessions   map[uuid.UUID]models.Session
	identities map[uuid.UUID]models.Identity
	embeddings map[uuid.UUID]models.Embedding
	audits     []models.MatchAudit

	// Err, when set, is returned by every call.
	Err error
}

func New() *Store {
	return &Store{
		sessions:   make(map[uuid.UUID]models.Session),
		identities: make(map[uuid.UUID]models.Identity),
		embeddings: make(map[uuid.UUID]models.Embedding),
	}
}

// SetErr makes every following call fail with err until cleared with nil.
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
}

func (s *Store) fail() error {
	return s.Err
}

// --- Sessions ---

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(sess), nil
}

func (s *Store) GetOpenSession(ctx context.Context, identityID uuid.UUID, day string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var found *models.Session
	for _, sess := range s.sessions {
		if sess.IdentityID != identityID || sess.Status != models.SessionStatusOpen || sess.Day > day {
			continue
		}
		if found == nil || sess.LoginTime.After(found.LoginTime) {
			found = cloneSession(sess)
		}
	}
	return found, nil
}

func (s *Store) ListByIdentity(ctx context.Context, identityID uuid.UUID, fromDay, toDay string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.IdentityID == identityID && sess.Day >= fromDay && sess.Day <= toDay {
			out = append(out, *cloneSession(sess))
		}
	}
	sortByLogin(out)
	return out, nil
}

func (s *Store) Create(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if sess.Status == models.SessionStatusOpen {
		for _, other := range s.sessions {
			if other.IdentityID == sess.IdentityID && other.Day == sess.Day && other.Status == models.SessionStatusOpen {
				return attendance.ErrOpenSessionExists
			}
		}
	}
	s.sessions[sess.ID] = *cloneSession(*sess)
	return nil
}

func (s *Store) Update(ctx context.Context, sess *models.Session, expected models.SessionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	cur, ok := s.sessions[sess.ID]
	if !ok || cur.Status != expected {
		return false, nil
	}
	s.sessions[sess.ID] = *cloneSession(*sess)
	return true, nil
}

func (s *Store) ListByDate(ctx context.Context, day string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Day == day {
			out = append(out, *cloneSession(sess))
		}
	}
	sortByLogin(out)
	return out, nil
}

func (s *Store) ListByDateRange(ctx context.Context, fromDay, toDay string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Day >= fromDay && sess.Day <= toDay {
			out = append(out, *cloneSession(sess))
		}
	}
	sortByLogin(out)
	return out, nil
}

func (s *Store) ListOpen(ctx context.Context, loginBefore time.Time) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Status == models.SessionStatusOpen && !sess.LoginTime.After(loginBefore) {
			out = append(out, *cloneSession(sess))
		}
	}
	sortByLogin(out)
	return out, nil
}

// --- Identities ---

func (s *Store) CreateIdentity(ctx context.Context, id *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	for _, other := range s.identities {
		if other.ExternalRef == id.ExternalRef {
			return enroll.ErrDuplicateExternalRef
		}
	}
	s.identities[id.ID] = *id
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	ident, ok := s.identities[id]
	if !ok {
		return nil, nil
	}
	return &ident, nil
}

func (s *Store) GetIdentityByRef(ctx context.Context, externalRef string) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	for _, ident := range s.identities {
		if ident.ExternalRef == externalRef {
			ident := ident
			return &ident, nil
		}
	}
	return nil, nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	out := make([]models.Identity, 0, len(s.identities))
	for _, ident := range s.identities {
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalRef < out[j].ExternalRef })
	return out, nil
}

func (s *Store) DeleteIdentity(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	if _, ok := s.identities[id]; !ok {
		return false, nil
	}
	delete(s.identities, id)
	for eid, e := range s.embeddings {
		if e.IdentityID == id {
			delete(s.embeddings, eid)
		}
	}
	return true, nil
}

// --- Embeddings ---

func (s *Store) AddEmbedding(ctx context.Context, e *models.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.identities[e.IdentityID]; !ok {
		return enroll.ErrIdentityNotFound
	}
	s.embeddings[e.ID] = *e
	return nil
}

func (s *Store) ReplaceVoiceEmbedding(ctx context.Context, e *models.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.identities[e.IdentityID]; !ok {
		return enroll.ErrIdentityNotFound
	}
	for id, other := range s.embeddings {
		if other.IdentityID == e.IdentityID && other.Modality == models.ModalityVoice {
			delete(s.embeddings, id)
		}
	}
	s.embeddings[e.ID] = *e
	return nil
}

func (s *Store) DeleteEmbedding(ctx context.Context, identityID, embeddingID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	e, ok := s.embeddings[embeddingID]
	if !ok || e.IdentityID != identityID {
		return false, nil
	}
	delete(s.embeddings, embeddingID)
	return true, nil
}

func (s *Store) ListEmbeddings(ctx context.Context, modality models.Modality) ([]models.Embedding, error) {
	return s.listEmbeddings(func(e models.Embedding) bool { return e.Modality == modality })
}

func (s *Store) ListIdentityEmbeddings(ctx context.Context, identityID uuid.UUID) ([]models.Embedding, error) {
	return s.listEmbeddings(func(e models.Embedding) bool { return e.IdentityID == identityID })
}

func (s *Store) listEmbeddings(keep func(models.Embedding) bool) ([]models.Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var out []models.Embedding
	for _, e := range s.embeddings {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Audit ---

func (s *Store) InsertMatchAudit(ctx context.Context, a *models.MatchAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.audits = append(s.audits, *a)
	return nil
}

func (s *Store) ListMatchAudits(ctx context.Context, limit int) ([]models.MatchAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	out := make([]models.MatchAudit, 0, len(s.audits))
	for i := len(s.audits) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.audits[i])
	}
	return out, nil
}

func cloneSession(s models.Session) *models.Session {
	if s.LogoutTime != nil {
		t := *s.LogoutTime
		s.LogoutTime = &t
	}
	if s.DurationMinutes != nil {
		d := *s.DurationMinutes
		s.DurationMinutes = &d
	}
	return &s
}

func sortByLogin(sessions []models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].LoginTime.Equal(sessions[j].LoginTime) {
			return sessions[i].ID.String() < sessions[j].ID.String()
		}
		return sessions[i].LoginTime.Before(sessions[j].LoginTime)
	})
}
