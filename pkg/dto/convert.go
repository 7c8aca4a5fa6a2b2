package dto

import (
	"time"

	"github.com/your-org/attend/internal/models"
)

// TimeLayout is used for every timestamp in responses.
const TimeLayout = time.RFC3339

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// NewSessionResponse renders a session. classify fills the day label of
// legacy records that were finalized before labels were stored.
func NewSessionResponse(s models.Session, classify func(int) models.DayLabel) SessionResponse {
	resp := SessionResponse{
		ID:              s.ID,
		IdentityID:      s.IdentityID,
		Date:            s.Day,
		LoginTime:       FormatTime(s.LoginTime),
		DurationMinutes: s.DurationMinutes,
		DayLabel:        string(s.EffectiveDayLabel(classify)),
		Status:          string(s.Status),
	}
	if s.LogoutTime != nil {
		resp.LogoutTime = FormatTime(*s.LogoutTime)
	}
	return resp
}

func NewWSEvent(ev *models.AttendanceEvent) *WSEvent {
	return &WSEvent{
		Type:        "attendance",
		Action:      string(ev.Action),
		IdentityID:  ev.IdentityID,
		ExternalRef: ev.ExternalRef,
		Name:        ev.Name,
		KioskID:     ev.KioskID,
		Session:     NewSessionResponse(ev.Session, nil),
		OccurredAt:  FormatTime(ev.OccurredAt),
	}
}
