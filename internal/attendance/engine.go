// Package attendance implements the session state machine: one session per
// identity and day that is opened by a login, closed by a logout within the
// window, or force-closed as an absence fault once the window has passed.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/observability"
)

// DefaultWindow is the maximum length of a session before it is considered
// abandoned.
const DefaultWindow = 9 * time.Hour

type Config struct {
	Window        time.Duration
	LabelBoundary int
	// Location decides which calendar day an instant belongs to.
	Location *time.Location
}

// Result describes what RecordEvent or a sweep did.
type Result struct {
	Action  models.AttendanceAction
	Session *models.Session
	// Closed is the stale session force-closed before Session was opened.
	Closed *models.Session
}

type Engine struct {
	repo       Repository
	window     time.Duration
	classifier Classifier
	loc        *time.Location
	locks      *KeyedMutex
	now        func() time.Time
}

func NewEngine(repo Repository, cfg Config) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Engine{
		repo:       repo,
		window:     cfg.Window,
		classifier: Classifier{BoundaryMinutes: cfg.LabelBoundary},
		loc:        cfg.Location,
		locks:      NewKeyedMutex(),
		now:        time.Now,
	}
}

// WithClock replaces the wall clock used for bookkeeping timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Window() time.Duration { return e.window }

func (e *Engine) Classifier() Classifier { return e.classifier }

func (e *Engine) Location() *time.Location { return e.loc }

func (e *Engine) Repository() Repository { return e.repo }

// DayOf returns the calendar day key of t.
func (e *Engine) DayOf(t time.Time) string { return t.In(e.loc).Format(models.DayLayout) }

// RecordEvent applies one confirmed recognition of identityID at matchedAt.
//
// Without an open session a new one is opened. An open session younger
// than the window is closed as present. An older one is closed as
// absent_fault with logout = login + window and a new session is opened
// for matchedAt. Replaying an event that was already applied changes
// nothing.
func (e *Engine) RecordEvent(ctx context.Context, identityID uuid.UUID, matchedAt time.Time) (*Result, error) {
	matchedAt = NormalizeTime(matchedAt)

	unlock := e.locks.Lock(identityID.String())
	defer unlock()

	res, err := e.recordLocked(ctx, identityID, matchedAt)
	if err != nil {
		return nil, err
	}
	switch res.Action {
	case models.ActionLogin, models.ActionLogout, models.ActionAutoAbsent:
		observability.SessionTransitions.WithLabelValues(string(res.Action)).Inc()
	default:
		observability.SessionNoops.WithLabelValues(string(res.Action)).Inc()
	}
	return res, nil
}

// TimePrecision is the resolution session timestamps are stored with.
// Postgres timestamptz keeps microseconds.
const TimePrecision = time.Microsecond

// NormalizeTime drops the monotonic reading and everything below
// TimePrecision so that a stored timestamp compares equal to the event
// that produced it.
func NormalizeTime(t time.Time) time.Time {
	return t.Round(0).Truncate(TimePrecision)
}

func sameInstant(a, b time.Time) bool {
	return NormalizeTime(a).Equal(NormalizeTime(b))
}

func (e *Engine) recordLocked(ctx context.Context, identityID uuid.UUID, matchedAt time.Time) (*Result, error) {
	day := e.DayOf(matchedAt)

	dup, err := e.findReplay(ctx, identityID, matchedAt)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		return &Result{Action: models.ActionDuplicate, Session: dup}, nil
	}

	open, err := e.repo.GetOpenSession(ctx, identityID, day)
	if err != nil {
		return nil, repoErr("get open session", err)
	}

	var closed *models.Session
	if open != nil {
		elapsed := matchedAt.Sub(open.LoginTime)
		if elapsed < 0 {
			return nil, fmt.Errorf("%w: event at %s, login at %s",
				ErrOutOfOrder, matchedAt.Format(time.RFC3339), open.LoginTime.Format(time.RFC3339))
		}
		if elapsed < e.window {
			return e.finalize(ctx, open, matchedAt, models.SessionStatusPresent, models.ActionLogout)
		}

		slog.Info("stale session on event, closing as absent",
			"identity_id", identityID,
			"session_id", open.ID,
			"login_time", open.LoginTime,
			"matched_at", matchedAt,
		)
		res, err := e.finalize(ctx, open, open.LoginTime.Add(e.window), models.SessionStatusAbsentFault, models.ActionAutoAbsent)
		if err != nil {
			return nil, err
		}
		if res.Action == models.ActionAutoAbsent {
			closed = res.Session
			observability.SessionTransitions.WithLabelValues(string(models.ActionAutoAbsent)).Inc()
		}
	}

	sessions, err := e.repo.ListByIdentity(ctx, identityID, day, day)
	if err != nil {
		return nil, repoErr("list sessions", err)
	}
	for i := range sessions {
		if sessions[i].Status == models.SessionStatusPresent {
			return &Result{Action: models.ActionDayCompleted, Session: &sessions[i], Closed: closed}, nil
		}
	}

	now := e.now()
	s := &models.Session{
		ID:         uuid.New(),
		IdentityID: identityID,
		Day:        day,
		LoginTime:  matchedAt,
		Status:     models.SessionStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.repo.Create(ctx, s); err != nil {
		if errors.Is(err, ErrOpenSessionExists) {
			current, gerr := e.repo.GetOpenSession(ctx, identityID, day)
			if gerr != nil {
				return nil, repoErr("get open session", gerr)
			}
			return &Result{Action: models.ActionAlreadyFinalized, Session: current, Closed: closed}, nil
		}
		return nil, repoErr("create session", err)
	}
	return &Result{Action: models.ActionLogin, Session: s, Closed: closed}, nil
}

// findReplay returns the session an event at matchedAt already produced:
// the login of any session or the logout of a present session.
func (e *Engine) findReplay(ctx context.Context, identityID uuid.UUID, matchedAt time.Time) (*models.Session, error) {
	sessions, err := e.repo.ListByIdentity(ctx, identityID, e.DayOf(matchedAt.Add(-e.window)), e.DayOf(matchedAt))
	if err != nil {
		return nil, repoErr("list sessions", err)
	}
	for i := range sessions {
		s := &sessions[i]
		if sameInstant(s.LoginTime, matchedAt) {
			return s, nil
		}
		if s.Status == models.SessionStatusPresent && s.LogoutTime != nil && sameInstant(*s.LogoutTime, matchedAt) {
			return s, nil
		}
	}
	return nil, nil
}

// finalize closes an open session. Losing the compare-and-set to another
// writer is not an error: the current state is returned with
// ActionAlreadyFinalized.
func (e *Engine) finalize(ctx context.Context, s *models.Session, logout time.Time, status models.SessionStatus, action models.AttendanceAction) (*Result, error) {
	logout = NormalizeTime(logout)
	minutes := int(logout.Sub(s.LoginTime) / time.Minute)

	next := *s
	next.LogoutTime = &logout
	next.DurationMinutes = &minutes
	next.DayLabel = e.classifier.Label(minutes)
	next.Status = status
	next.UpdatedAt = e.now()

	ok, err := e.repo.Update(ctx, &next, models.SessionStatusOpen)
	if err != nil {
		return nil, repoErr("update session", err)
	}
	if !ok {
		current, err := e.repo.Get(ctx, s.ID)
		if err != nil {
			return nil, repoErr("get session", err)
		}
		if current == nil {
			current = s
		}
		slog.Debug("session already finalized", "session_id", s.ID, "status", current.Status)
		return &Result{Action: models.ActionAlreadyFinalized, Session: current}, nil
	}
	return &Result{Action: action, Session: &next}, nil
}

// SweepResult lists the sessions a sweep force-closed.
type SweepResult struct {
	Open   int
	Closed []models.Session
}

// Sweep closes every open session whose login is at least one window before
// now. Sessions finalized concurrently are skipped. Errors on individual
// sessions do not stop the sweep and are returned joined.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	open, err := e.repo.ListOpen(ctx, now)
	if err != nil {
		return nil, repoErr("list open sessions", err)
	}
	observability.SweepRuns.Inc()
	observability.OpenSessions.Set(float64(len(open)))

	res := &SweepResult{Open: len(open)}
	cutoff := now.Add(-e.window)
	var errs []error
	for i := range open {
		s := open[i]
		if s.LoginTime.After(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		unlock := e.locks.Lock(s.IdentityID.String())
		r, err := e.finalize(ctx, &s, s.LoginTime.Add(e.window), models.SessionStatusAbsentFault, models.ActionAutoAbsent)
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			continue
		}
		if r.Action == models.ActionAutoAbsent {
			res.Closed = append(res.Closed, *r.Session)
			observability.SessionTransitions.WithLabelValues(string(models.ActionAutoAbsent)).Inc()
		}
	}

	if len(res.Closed) > 0 {
		slog.Info("sweep closed stale sessions", "closed", len(res.Closed), "open", res.Open)
	}
	return res, errors.Join(errs...)
}

// RunSweeper calls Sweep every interval until ctx is done. onClose, if set,
// receives every session the sweep closed.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration, onClose func(models.Session)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := e.Sweep(ctx, e.now())
			if err != nil {
				slog.Error("sweep failed", "error", err)
			}
			if res == nil || onClose == nil {
				continue
			}
			for _, s := range res.Closed {
				onClose(s)
			}
		}
	}
}
