package enroll

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/models"
)

var (
	ErrDuplicateExternalRef = errors.New("external reference already registered")
	ErrIdentityNotFound     = errors.New("identity not found")
	ErrInvalidIdentity      = errors.New("invalid identity")
)

// Repository persists identities and their reference embeddings.
// Lookups return (nil, nil) when nothing matches.
type Repository interface {
	CreateIdentity(ctx context.Context, id *models.Identity) error
	GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	GetIdentityByRef(ctx context.Context, externalRef string) (*models.Identity, error)
	ListIdentities(ctx context.Context) ([]models.Identity, error)
	DeleteIdentity(ctx context.Context, id uuid.UUID) (bool, error)

	AddEmbedding(ctx context.Context, e *models.Embedding) error
	// ReplaceVoiceEmbedding drops any voice embedding of the identity and
	// stores e in one step.
	ReplaceVoiceEmbedding(ctx context.Context, e *models.Embedding) error
	DeleteEmbedding(ctx context.Context, identityID, embeddingID uuid.UUID) (bool, error)
	ListEmbeddings(ctx context.Context, modality models.Modality) ([]models.Embedding, error)
	ListIdentityEmbeddings(ctx context.Context, identityID uuid.UUID) ([]models.Embedding, error)
}

// Notifier tells other processes that an identity's references changed.
type Notifier interface {
	PublishIdentityUpdate(ctx context.Context, identityID uuid.UUID) error
}
