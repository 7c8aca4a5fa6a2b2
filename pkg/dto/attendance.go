package dto

import "github.com/google/uuid"

// CaptureRequest is a kiosk capture submitted as JSON. Image uploads use
// multipart form fields with the same names plus an "image" file.
type CaptureRequest struct {
	CaptureID      string    `json:"capture_id"`
	KioskID        string    `json:"kiosk_id"`
	CapturedAt     string    `json:"captured_at"`
	FaceEmbedding  []float32 `json:"face_embedding"`
	VoiceEmbedding []float32 `json:"voice_embedding"`
}

type CaptureResponse struct {
	CaptureID   string           `json:"capture_id"`
	Action      string           `json:"action"`
	IdentityID  uuid.UUID        `json:"identity_id"`
	ExternalRef string           `json:"external_ref"`
	Name        string           `json:"name"`
	FaceScore   float64          `json:"face_score"`
	VoiceScore  float64          `json:"voice_score,omitempty"`
	Ambiguous   bool             `json:"ambiguous,omitempty"`
	Contenders  []string         `json:"contenders,omitempty"`
	Session     *SessionResponse `json:"session,omitempty"`
	Closed      *SessionResponse `json:"closed_session,omitempty"`
}

// CaptureAccepted is returned when a capture was queued for a worker.
type CaptureAccepted struct {
	CaptureID string `json:"capture_id"`
	Status    string `json:"status"`
}

type MatchRequest struct {
	Modality  string    `json:"modality"`
	Embedding []float32 `json:"embedding" binding:"required"`
}

type MatchResponse struct {
	Matched     bool      `json:"matched"`
	IdentityID  uuid.UUID `json:"identity_id,omitempty"`
	ExternalRef string    `json:"external_ref,omitempty"`
	Name        string    `json:"name,omitempty"`
	Score       float64   `json:"score"`
	Threshold   float64   `json:"threshold"`
	Ambiguous   bool      `json:"ambiguous,omitempty"`
	Contenders  []string  `json:"contenders,omitempty"`
}

type SessionResponse struct {
	ID              uuid.UUID `json:"id"`
	IdentityID      uuid.UUID `json:"identity_id"`
	Date            string    `json:"date"`
	LoginTime       string    `json:"login_time"`
	LogoutTime      string    `json:"logout_time,omitempty"`
	DurationMinutes *int      `json:"duration_minutes,omitempty"`
	DayLabel        string    `json:"day_label,omitempty"`
	Status          string    `json:"status"`
}

type SweepResponse struct {
	Open   int               `json:"open"`
	Closed []SessionResponse `json:"closed"`
}

// WSEvent is a WebSocket message for real-time attendance delivery.
type WSEvent struct {
	Type        string          `json:"type"` // attendance
	Action      string          `json:"action"`
	IdentityID  uuid.UUID       `json:"identity_id"`
	ExternalRef string          `json:"external_ref,omitempty"`
	Name        string          `json:"name,omitempty"`
	KioskID     string          `json:"kiosk_id,omitempty"`
	Session     SessionResponse `json:"session"`
	OccurredAt  string          `json:"occurred_at"`
}
