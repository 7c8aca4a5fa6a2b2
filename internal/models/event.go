package models

import (
	"time"

	"github.com/google/uuid"
)

// CaptureTask is the message a kiosk publishes to NATS for worker processing.
// Either ImageKey (MinIO object with a face crop) or FaceEmbedding is set.
type CaptureTask struct {
	CaptureID      string    `json:"capture_id"`
	KioskID        string    `json:"kiosk_id"`
	CapturedAt     time.Time `json:"captured_at"`
	ImageKey       string    `json:"image_key,omitempty"`
	FaceEmbedding  []float32 `json:"face_embedding,omitempty"`
	VoiceEmbedding []float32 `json:"voice_embedding,omitempty"`
}

type AttendanceAction string

const (
	ActionLogin            AttendanceAction = "login"
	ActionLogout           AttendanceAction = "logout"
	ActionAutoAbsent       AttendanceAction = "auto_absent"
	ActionDuplicate        AttendanceAction = "duplicate"
	ActionDayCompleted     AttendanceAction = "day_completed"
	ActionAlreadyFinalized AttendanceAction = "already_finalized"
)

// AttendanceEvent is published on every committed session transition.
type AttendanceEvent struct {
	Action      AttendanceAction `json:"action"`
	IdentityID  uuid.UUID        `json:"identity_id"`
	ExternalRef string           `json:"external_ref"`
	Name        string           `json:"name"`
	Session     Session          `json:"session"`
	CaptureID   string           `json:"capture_id,omitempty"`
	KioskID     string           `json:"kiosk_id,omitempty"`
	FaceScore   float64          `json:"face_score,omitempty"`
	VoiceScore  float64          `json:"voice_score,omitempty"`
	Ambiguous   bool             `json:"ambiguous,omitempty"`
	OccurredAt  time.Time        `json:"occurred_at"`
}
