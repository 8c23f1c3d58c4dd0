package storage

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when a session or message doesn't exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// SessionNotFound builds the NotFoundError for a session id.
func SessionNotFound(id fmt.Stringer) NotFoundError {
	return NotFoundError{Kind: "session", ID: id.String()}
}
