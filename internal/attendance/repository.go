package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/models"
)

// Repository persists sessions. Lookups return (nil, nil) when nothing
// matches. Implementations must enforce at most one open session per
// identity and day.
type Repository interface {
	// Get returns a session by id.
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)

	// GetOpenSession returns the most recent open session of the identity
	// whose day is on or before day.
	GetOpenSession(ctx context.Context, identityID uuid.UUID, day string) (*models.Session, error)

	// ListByIdentity returns the identity's sessions with fromDay <= day <= toDay
	// ordered by login time.
	ListByIdentity(ctx context.Context, identityID uuid.UUID, fromDay, toDay string) ([]models.Session, error)

	// Create inserts a new session. It returns ErrOpenSessionExists if an
	// open session for the same identity and day already exists.
	Create(ctx context.Context, s *models.Session) error

	// Update overwrites the session only if its stored status equals
	// expected. It reports whether the write happened.
	Update(ctx context.Context, s *models.Session, expected models.SessionStatus) (bool, error)

	// ListByDate returns every session of a day ordered by login time.
	ListByDate(ctx context.Context, day string) ([]models.Session, error)

	// ListOpen returns open sessions that logged in at or before loginBefore.
	ListOpen(ctx context.Context, loginBefore time.Time) ([]models.Session, error)
}
