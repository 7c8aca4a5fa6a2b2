// Package report builds read-only attendance views: the daily report, the
// monthly calendar of one identity and the CSV export. Nothing here writes
// to storage; labels missing on legacy records are derived on the fly.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/models"
)

type SessionSource interface {
	ListByDate(ctx context.Context, day string) ([]models.Session, error)
	ListByDateRange(ctx context.Context, fromDay, toDay string) ([]models.Session, error)
	ListByIdentity(ctx context.Context, identityID uuid.UUID, fromDay, toDay string) ([]models.Session, error)
}

type IdentitySource interface {
	ListIdentities(ctx context.Context) ([]models.Identity, error)
}

// ErrInvalidRequest wraps every rejection of caller supplied dates.
var ErrInvalidRequest = errors.New("invalid report request")

const (
	StatusPresent      = "Present"
	StatusForgotLogout = "Absent (Forgot Logout)"
	StatusActive       = "Active"
	StatusExpired      = "Absent (Expired)"
)

// Row is one session as shown in reports.
type Row struct {
	Day             string               `json:"date"`
	IdentityID      uuid.UUID            `json:"identity_id"`
	Name            string               `json:"name"`
	ExternalRef     string               `json:"email"`
	LoginTime       time.Time            `json:"login_time"`
	LogoutTime      *time.Time           `json:"logout_time,omitempty"`
	DurationMinutes *int                 `json:"duration_minutes,omitempty"`
	RawStatus       models.SessionStatus `json:"raw_status"`
	DayLabel        models.DayLabel      `json:"day_label,omitempty"`
	FinalStatus     string               `json:"final_status"`
}

type Reporter struct {
	sessions   SessionSource
	identities IdentitySource
	engine     *attendance.Engine
	maxRange   int
}

// NewReporter builds a reporter. engine supplies the window, classifier and
// time zone used for derived values.
func NewReporter(sessions SessionSource, identities IdentitySource, engine *attendance.Engine) *Reporter {
	return &Reporter{sessions: sessions, identities: identities, engine: engine, maxRange: 366}
}

// Daily returns every session of day ordered by login time.
func (r *Reporter) Daily(ctx context.Context, day string, now time.Time) ([]Row, error) {
	if _, err := time.Parse(models.DayLayout, day); err != nil {
		return nil, fmt.Errorf("%w: day %q: %v", ErrInvalidRequest, day, err)
	}
	sessions, err := r.sessions.ListByDate(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return r.rows(ctx, sessions, now)
}

// Range returns the sessions of every day in [fromDay, toDay].
func (r *Reporter) Range(ctx context.Context, fromDay, toDay string, now time.Time) ([]Row, error) {
	from, err := time.Parse(models.DayLayout, fromDay)
	if err != nil {
		return nil, fmt.Errorf("%w: start day %q: %v", ErrInvalidRequest, fromDay, err)
	}
	to, err := time.Parse(models.DayLayout, toDay)
	if err != nil {
		return nil, fmt.Errorf("%w: end day %q: %v", ErrInvalidRequest, toDay, err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: end day %s before start day %s", ErrInvalidRequest, toDay, fromDay)
	}
	if days := int(to.Sub(from).Hours()/24) + 1; days > r.maxRange {
		return nil, fmt.Errorf("%w: range of %d days exceeds %d", ErrInvalidRequest, days, r.maxRange)
	}

	sessions, err := r.sessions.ListByDateRange(ctx, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return r.rows(ctx, sessions, now)
}

func (r *Reporter) rows(ctx context.Context, sessions []models.Session, now time.Time) ([]Row, error) {
	names, err := r.directory(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(sessions))
	for i := range sessions {
		s := &sessions[i]
		id := names[s.IdentityID]
		rows = append(rows, Row{
			Day:             s.Day,
			IdentityID:      s.IdentityID,
			Name:            id.Name,
			ExternalRef:     id.ExternalRef,
			LoginTime:       s.LoginTime,
			LogoutTime:      s.LogoutTime,
			DurationMinutes: s.DurationMinutes,
			RawStatus:       s.Status,
			DayLabel:        s.EffectiveDayLabel(r.engine.Classifier().Label),
			FinalStatus:     r.finalStatus(s, now),
		})
	}
	return rows, nil
}

func (r *Reporter) finalStatus(s *models.Session, now time.Time) string {
	switch s.Status {
	case models.SessionStatusPresent:
		return StatusPresent
	case models.SessionStatusAbsentFault:
		return StatusForgotLogout
	default:
		if r.engine.Expired(s, now) {
			return StatusExpired
		}
		return StatusActive
	}
}

func (r *Reporter) directory(ctx context.Context) (map[uuid.UUID]models.Identity, error) {
	ids, err := r.identities.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	m := make(map[uuid.UUID]models.Identity, len(ids))
	for _, id := range ids {
		m[id.ID] = id
	}
	return m, nil
}
