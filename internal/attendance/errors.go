package attendance

import (
	"errors"
	"fmt"
)

var (
	// ErrRepositoryUnavailable wraps every failure of the backing store.
	ErrRepositoryUnavailable = errors.New("session repository unavailable")

	// ErrOpenSessionExists is returned by Repository.Create when the
	// identity already holds an open session for the day.
	ErrOpenSessionExists = errors.New("open session already exists")

	// ErrOutOfOrder is returned when an event predates the login of the
	// identity's open session.
	ErrOutOfOrder = errors.New("event precedes open session login")
)

func repoErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRepositoryUnavailable, err)
}
