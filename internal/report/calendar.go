package report

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/models"
)

// DayUpcoming marks calendar days after today.
const DayUpcoming attendance.DayState = "upcoming"

type CalendarDay struct {
	Day    string              `json:"date"`
	State  attendance.DayState `json:"status"`
	Reason string              `json:"reason,omitempty"`
}

type Calendar struct {
	IdentityID   uuid.UUID     `json:"identity_id"`
	Year         int           `json:"year"`
	Month        time.Month    `json:"month"`
	Days         []CalendarDay `json:"days"`
	PresentCount int           `json:"present_count"`
	AbsentCount  int           `json:"absent_count"`
}

// Monthly returns one identity's state for every day of a month. An active
// session counts as present; days after today are upcoming and not counted.
func (r *Reporter) Monthly(ctx context.Context, identityID uuid.UUID, year int, month time.Month, now time.Time) (*Calendar, error) {
	if month < time.January || month > time.December {
		return nil, fmt.Errorf("%w: month %d", ErrInvalidRequest, month)
	}
	loc := r.engine.Location()
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1)

	sessions, err := r.sessions.ListByIdentity(ctx, identityID,
		first.Format(models.DayLayout), last.Format(models.DayLayout))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	byDay := make(map[string][]models.Session)
	for _, s := range sessions {
		byDay[s.Day] = append(byDay[s.Day], s)
	}

	today := r.engine.DayOf(now)
	cal := &Calendar{IdentityID: identityID, Year: year, Month: month}
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		day := d.Format(models.DayLayout)
		if day > today {
			cal.Days = append(cal.Days, CalendarDay{Day: day, State: DayUpcoming})
			continue
		}

		st := r.engine.Summarize(day, byDay[day], now)
		cal.Days = append(cal.Days, CalendarDay{Day: day, State: st.State, Reason: st.Reason})
		if st.State == attendance.DayStateAbsent {
			cal.AbsentCount++
		} else {
			cal.PresentCount++
		}
	}
	return cal, nil
}
