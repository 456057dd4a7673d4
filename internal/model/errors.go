package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Error taxonomy. Callers classify with errors.Is.
var (
	// ErrValidation marks malformed or out-of-range input. Never retried.
	ErrValidation = eris.New("validation failed")
	// ErrModelUnavailable marks a missing or unloadable scoring artifact. Fatal for a session.
	ErrModelUnavailable = eris.New("model unavailable")
	// ErrExternalServiceUnavailable marks a collaborator timeout, outage or exhausted retries.
	ErrExternalServiceUnavailable = eris.New("external service unavailable")
	// ErrSchemaViolation marks a collaborator response that failed structural validation.
	ErrSchemaViolation = eris.New("schema violation")
	// ErrSessionNotFound marks an unknown or expired session id.
	ErrSessionNotFound = eris.New("session not found")
)

// ValidationError carries every problem found with a request.
type ValidationError struct {
	Problems []string
}

// NewValidationError builds a ValidationError from a list of problems.
func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// Is lets errors.Is(err, ErrValidation) match a *ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
