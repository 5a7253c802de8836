// Package apperr defines the error taxonomy shared by every coordination
// component. Callers classify with errors.Is against the sentinels below.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks caller mistakes: illegal moves, malformed requests,
	// operations against sessions in the wrong state. Never retried.
	ErrValidation = errors.New("validation")

	// ErrConflict marks a lost transaction race: slot already filled, round
	// already advanced, match already completed. Expected under normal
	// concurrent operation; callers fall back or no-op instead of surfacing it.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a vanished document; usually means the caller's view
	// is stale and should refresh.
	ErrNotFound = errors.New("not found")

	// ErrEngine marks a rules-engine failure. Surfaced to callers as a
	// validation failure.
	ErrEngine = errors.New("rules engine")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Enginef wraps ErrEngine (and transitively ErrValidation, since an engine
// rejection is treated as caller error) with a formatted message.
func Enginef(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, fmt.Errorf("%w: %w", ErrEngine, ErrValidation))...)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsConflict reports whether err is a lost race.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports whether err is a missing document.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
