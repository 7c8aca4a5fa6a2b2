package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/models"
)

type DayState string

const (
	DayStatePresent DayState = "present"
	DayStateAbsent  DayState = "absent"
	DayStateActive  DayState = "active"
)

// DayStatus summarises one identity's attendance for a day.
type DayStatus struct {
	Day     string
	State   DayState
	Reason  string
	Session *models.Session
}

// DayStatus reports an identity's state for day as seen at now. It never
// writes: an open session past the window is reported absent but left for
// the sweeper to close.
func (e *Engine) DayStatus(ctx context.Context, identityID uuid.UUID, day string, now time.Time) (*DayStatus, error) {
	sessions, err := e.repo.ListByIdentity(ctx, identityID, day, day)
	if err != nil {
		return nil, repoErr("list sessions", err)
	}
	return e.Summarize(day, sessions, now), nil
}

// Summarize derives the day state from one identity's sessions of that day,
// ordered by login time. A present session wins over any other.
func (e *Engine) Summarize(day string, sessions []models.Session, now time.Time) *DayStatus {
	st := &DayStatus{Day: day, State: DayStateAbsent, Reason: "no login recorded"}
	if len(sessions) == 0 {
		return st
	}

	for i := range sessions {
		if sessions[i].Status == models.SessionStatusPresent {
			st.State = DayStatePresent
			st.Reason = "completed session"
			st.Session = &sessions[i]
			return st
		}
	}

	last := &sessions[len(sessions)-1]
	st.Session = last
	switch {
	case last.Status == models.SessionStatusOpen && e.Expired(last, now):
		st.Reason = "session expired without logout"
	case last.Status == models.SessionStatusOpen:
		st.State = DayStateActive
		st.Reason = "logged in"
	default:
		st.Reason = "forgot logout"
	}
	return st
}

// Expired reports whether an open session has outlived the window at now.
func (e *Engine) Expired(s *models.Session, now time.Time) bool {
	return now.Sub(s.LoginTime) >= e.window
}
