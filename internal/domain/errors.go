package domain

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("operation not allowed in current state")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRunClaimed means another worker holds the campaign's run lease.
	ErrRunClaimed = errors.New("campaign run claimed by another worker")

	// ErrNoChange is returned by a mutation that turned out to be a no-op.
	// Stores treat it as "skip the write", callers as "nothing applied".
	ErrNoChange = errors.New("no change")
)

// ValidationError carries field -> message pairs for user-correctable input.
type ValidationError struct {
	Fields map[string]string `json:"errors"`
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// TransientProviderError marks a provider failure that is not attributable to
// a single target (breaker open, retries exhausted, transport down). It aborts
// the whole run instead of being recorded on the target.
type TransientProviderError struct {
	Err error
}

func (e *TransientProviderError) Error() string { return "transient provider error: " + e.Err.Error() }
func (e *TransientProviderError) Unwrap() error { return e.Err }

func IsTransientProvider(err error) bool {
	var tpe *TransientProviderError
	return errors.As(err, &tpe)
}
