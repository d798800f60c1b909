package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("auth: not found")
	ErrConflict          = errors.New("auth: resource conflict")
	ErrInvalidInput      = errors.New("auth: invalid input")
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrForbidden         = errors.New("auth: forbidden")
	ErrConfiguration     = errors.New("auth: configuration error")
	ErrNotConfigured     = errors.New("auth: token signing is not configured")
)

// ConfigurationError reports a malformed permission requirement. It always denies.
type ConfigurationError struct {
	Permission string
	Index      int
	Detail     string
}

func (e *ConfigurationError) Error() string {
	if e.Permission == "" {
		return fmt.Sprintf("auth: configuration error: %s", e.Detail)
	}
	return fmt.Sprintf("auth: configuration error for %s: %s", e.Permission, e.Detail)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// DeniedError carries the first failing requirement of a guarded operation.
type DeniedError struct {
	Permission string
	Index      int
	Decision   Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("auth: permission %s denied (%s)", e.Permission, e.Decision.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrForbidden }
