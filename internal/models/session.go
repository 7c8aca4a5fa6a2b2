package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusOpen        SessionStatus = "open"
	SessionStatusPresent     SessionStatus = "present"
	SessionStatusAbsentFault SessionStatus = "absent_fault"
)

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusPresent || s == SessionStatusAbsentFault
}

type DayLabel string

const (
	DayLabelHalfDay DayLabel = "Half Day"
	DayLabelFullDay DayLabel = "Full Day"
)

// DayLayout is the format of Session.Day.
const DayLayout = "2006-01-02"

// Session is one attendance record. Day is the calendar day of the login
// event, even when the session closes on a later day.
type Session struct {
	ID              uuid.UUID     `json:"id" db:"id"`
	IdentityID      uuid.UUID     `json:"identity_id" db:"identity_id"`
	Day             string        `json:"day" db:"day"`
	LoginTime       time.Time     `json:"login_time" db:"login_time"`
	LogoutTime      *time.Time    `json:"logout_time,omitempty" db:"logout_time"`
	DurationMinutes *int          `json:"duration_minutes,omitempty" db:"duration_minutes"`
	DayLabel        DayLabel      `json:"day_label,omitempty" db:"day_label"`
	Status          SessionStatus `json:"status" db:"status"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// EffectiveDayLabel returns the persisted label, or for records written
// before labels were stored, the label derived from the duration. Nothing
// is written back.
func (s *Session) EffectiveDayLabel(classify func(minutes int) DayLabel) DayLabel {
	if s.DayLabel != "" {
		return s.DayLabel
	}
	if s.DurationMinutes == nil || classify == nil {
		return ""
	}
	return classify(*s.DurationMinutes)
}
