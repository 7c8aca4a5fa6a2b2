// Package enroll registers identities and manages their reference
// embeddings, keeping the in-memory embedding store in step with storage.
package enroll

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/embeddings"
	"github.com/your-org/attend/internal/matcher"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/observability"
)

type Service struct {
	repo     Repository
	store    *embeddings.Store
	matcher  *matcher.Matcher
	notifier Notifier
}

// NewService wires the enrollment service. notifier may be nil.
func NewService(repo Repository, store *embeddings.Store, m *matcher.Matcher, notifier Notifier) *Service {
	return &Service{repo: repo, store: store, matcher: m, notifier: notifier}
}

// Register creates a new identity. External references are compared
// case-insensitively.
func (s *Service) Register(ctx context.Context, externalRef, name, userType string) (*models.Identity, error) {
	externalRef = strings.ToLower(strings.TrimSpace(externalRef))
	name = strings.TrimSpace(name)
	if externalRef == "" {
		return nil, fmt.Errorf("%w: external reference is required", ErrInvalidIdentity)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidIdentity)
	}

	existing, err := s.repo.GetIdentityByRef(ctx, externalRef)
	if err != nil {
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateExternalRef, externalRef)
	}

	id := &models.Identity{
		ID:          uuid.New(),
		ExternalRef: externalRef,
		Name:        name,
		UserType:    strings.TrimSpace(userType),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.CreateIdentity(ctx, id); err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	s.store.PutIdentity(*id)
	s.notify(ctx, id.ID)

	slog.Info("identity registered", "identity_id", id.ID, "external_ref", id.ExternalRef)
	return id, nil
}

// AddFace stores one more face reference for an identity.
func (s *Service) AddFace(ctx context.Context, identityID uuid.UUID, vec []float32, quality float32, sourceKey string) (*models.Embedding, error) {
	if err := s.matcher.Validate(vec, models.ModalityFace); err != nil {
		return nil, err
	}
	id, err := s.requireIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}

	e := &models.Embedding{
		ID:         uuid.New(),
		IdentityID: id.ID,
		Modality:   models.ModalityFace,
		Vector:     vec,
		Quality:    quality,
		SourceKey:  sourceKey,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.AddEmbedding(ctx, e); err != nil {
		return nil, fmt.Errorf("add face embedding: %w", err)
	}
	s.store.PutIdentity(*id)
	if err := s.store.AddFace(id.ID, e.ID, vec); err != nil {
		return nil, err
	}
	s.notify(ctx, id.ID)
	s.updateGauges()
	return e, nil
}

// SetVoice replaces the identity's voice reference.
func (s *Service) SetVoice(ctx context.Context, identityID uuid.UUID, vec []float32, sourceKey string) (*models.Embedding, error) {
	if err := s.matcher.Validate(vec, models.ModalityVoice); err != nil {
		return nil, err
	}
	id, err := s.requireIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}

	e := &models.Embedding{
		ID:         uuid.New(),
		IdentityID: id.ID,
		Modality:   models.ModalityVoice,
		Vector:     vec,
		SourceKey:  sourceKey,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.ReplaceVoiceEmbedding(ctx, e); err != nil {
		return nil, fmt.Errorf("replace voice embedding: %w", err)
	}
	s.store.PutIdentity(*id)
	if err := s.store.SetVoice(id.ID, vec); err != nil {
		return nil, err
	}
	s.notify(ctx, id.ID)
	s.updateGauges()
	return e, nil
}

// RemoveFace deletes one face reference.
func (s *Service) RemoveFace(ctx context.Context, identityID, embeddingID uuid.UUID) error {
	ok, err := s.repo.DeleteEmbedding(ctx, identityID, embeddingID)
	if err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	if !ok {
		return fmt.Errorf("embedding %s: %w", embeddingID, ErrIdentityNotFound)
	}
	s.store.RemoveFace(identityID, embeddingID)
	s.notify(ctx, identityID)
	s.updateGauges()
	return nil
}

// Delete removes an identity with all its references. Past sessions stay.
func (s *Service) Delete(ctx context.Context, identityID uuid.UUID) error {
	ok, err := s.repo.DeleteIdentity(ctx, identityID)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if !ok {
		return fmt.Errorf("identity %s: %w", identityID, ErrIdentityNotFound)
	}
	s.store.RemoveIdentity(identityID)
	s.notify(ctx, identityID)
	s.updateGauges()
	return nil
}

// Refresh reloads one identity from storage into the embedding store.
// Used when another process reports a change.
func (s *Service) Refresh(ctx context.Context, identityID uuid.UUID) error {
	id, err := s.repo.GetIdentity(ctx, identityID)
	if err != nil {
		return fmt.Errorf("get identity: %w", err)
	}
	if id == nil {
		s.store.RemoveIdentity(identityID)
		s.updateGauges()
		return nil
	}
	embs, err := s.repo.ListIdentityEmbeddings(ctx, identityID)
	if err != nil {
		return fmt.Errorf("list embeddings: %w", err)
	}

	s.store.RemoveIdentity(identityID)
	s.store.PutIdentity(*id)
	for _, e := range embs {
		switch e.Modality {
		case models.ModalityFace:
			err = s.store.AddFace(id.ID, e.ID, e.Vector)
		case models.ModalityVoice:
			err = s.store.SetVoice(id.ID, e.Vector)
		}
		if err != nil {
			return err
		}
	}
	s.updateGauges()
	return nil
}

// Reload replaces the whole embedding store from storage.
func (s *Service) Reload(ctx context.Context) error {
	if err := s.store.Reload(ctx); err != nil {
		return err
	}
	s.updateGauges()
	return nil
}

func (s *Service) requireIdentity(ctx context.Context, identityID uuid.UUID) (*models.Identity, error) {
	id, err := s.repo.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	if id == nil {
		return nil, fmt.Errorf("identity %s: %w", identityID, ErrIdentityNotFound)
	}
	return id, nil
}

func (s *Service) notify(ctx context.Context, identityID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishIdentityUpdate(ctx, identityID); err != nil {
		slog.Warn("failed to publish identity update", "identity_id", identityID, "error", err)
	}
}

func (s *Service) updateGauges() {
	faces, voices := s.store.Stats()
	observability.EnrolledIdentities.WithLabelValues(string(models.ModalityFace)).Set(float64(faces))
	observability.EnrolledIdentities.WithLabelValues(string(models.ModalityVoice)).Set(float64(voices))
}
