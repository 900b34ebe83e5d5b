package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when the requested resource does not exist in the caller's scope.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest covers malformed input that the client can correct.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRubricFormatInvalid is the sentinel behind RubricFormatError.
	ErrRubricFormatInvalid = errors.New("rubric format invalid")
	ErrRubricConflict      = errors.New("rubric conflict")
	// ErrQuotaInsufficient is returned when a conditional decrement affects no rows.
	// Quota checks fail closed: any doubt about the pool yields this error.
	ErrQuotaInsufficient   = errors.New("quota insufficient")
	ErrLicenseInvalid      = errors.New("license invalid")
	ErrLicenseDisabled     = errors.New("license disabled")
	ErrLicenseExpired      = errors.New("license expired")
	ErrLicenseNotActive    = errors.New("license not active")
	ErrDeviceLimitReached  = errors.New("device limit reached")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrConflict            = errors.New("conflict")
	// ErrAllProvidersFailed is the sentinel behind AllProvidersFailedError.
	ErrAllProvidersFailed = errors.New("all providers failed")
)

// RubricFormatError lists every structural violation found in a rubric.
type RubricFormatError struct {
	Violations []string
}

func (e *RubricFormatError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRubricFormatInvalid, strings.Join(e.Violations, "; "))
}

func (e *RubricFormatError) Unwrap() error { return ErrRubricFormatInvalid }

// ProviderAttempt records one failed provider call in fallback order.
type ProviderAttempt struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Message  string `json:"message"`
}

// AllProvidersFailedError carries every attempt made before giving up.
type AllProvidersFailedError struct {
	Attempts []ProviderAttempt
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrAllProvidersFailed.Error() + ": no providers configured"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Provider+": "+a.Message)
	}
	return ErrAllProvidersFailed.Error() + ": " + strings.Join(parts, "; ")
}

func (e *AllProvidersFailedError) Unwrap() error { return ErrAllProvidersFailed }
