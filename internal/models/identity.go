package models

import (
	"time"

	"github.com/google/uuid"
)

type Modality string

const (
	ModalityFace  Modality = "face"
	ModalityVoice Modality = "voice"
)

// Identity is an enrolled person. ExternalRef (usually an email) is unique
// and is the key used for deterministic tie-breaks during matching.
type Identity struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ExternalRef string    `json:"external_ref" db:"external_ref"`
	Name        string    `json:"name" db:"name"`
	UserType    string    `json:"user_type" db:"user_type"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Embedding is a stored reference vector for one identity and modality.
// Vectors are treated as immutable once stored.
type Embedding struct {
	ID         uuid.UUID `json:"id" db:"id"`
	IdentityID uuid.UUID `json:"identity_id" db:"identity_id"`
	Modality   Modality  `json:"modality" db:"modality"`
	Vector     []float32 `json:"-" db:"embedding"`
	Quality    float32   `json:"quality" db:"quality"`
	SourceKey  string    `json:"source_key" db:"source_key"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Reference is the matcher's view of one enrolled identity.
type Reference struct {
	IdentityID  uuid.UUID
	ExternalRef string
	Name        string
	Vectors     [][]float32
}

// MatchAudit records a tie between identities that was resolved by
// external reference ordering.
type MatchAudit struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Modality   Modality  `json:"modality" db:"modality"`
	ChosenID   uuid.UUID `json:"chosen_identity_id" db:"chosen_identity_id"`
	Contenders []string  `json:"contenders" db:"contenders"`
	Score      float64   `json:"score" db:"score"`
	CaptureID  string    `json:"capture_id" db:"capture_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
