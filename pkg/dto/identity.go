package dto

import "github.com/google/uuid"

type RegisterIdentityRequest struct {
	ExternalRef string `json:"external_ref" binding:"required"`
	Name        string `json:"name" binding:"required"`
	UserType    string `json:"user_type"`
}

type IdentityResponse struct {
	ID          uuid.UUID `json:"id"`
	ExternalRef string    `json:"external_ref"`
	Name        string    `json:"name"`
	UserType    string    `json:"user_type,omitempty"`
	FaceCount   int       `json:"face_count"`
	HasVoice    bool      `json:"has_voice"`
	CreatedAt   string    `json:"created_at"`
}

// EmbeddingRequest enrolls a precomputed reference vector.
type EmbeddingRequest struct {
	Embedding []float32 `json:"embedding" binding:"required"`
	Quality   float32   `json:"quality"`
}

type EmbeddingResponse struct {
	ID         uuid.UUID `json:"id"`
	IdentityID uuid.UUID `json:"identity_id"`
	Modality   string    `json:"modality"`
	Quality    float32   `json:"quality"`
	SourceKey  string    `json:"source_key,omitempty"`
	CreatedAt  string    `json:"created_at"`
}

type DayStatusResponse struct {
	IdentityID uuid.UUID        `json:"identity_id"`
	Date       string           `json:"date"`
	Status     string           `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	Session    *SessionResponse `json:"session,omitempty"`
}
