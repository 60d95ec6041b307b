package payments

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned when no caller identity is present.
var ErrUnauthenticated = errors.New("caller not authenticated")

// ValidationError indicates malformed or missing caller input. It is never
// retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConfigurationError indicates required settings are absent. It signals an
// operational setup problem rather than a per-request failure.
type ConfigurationError struct {
	Missing string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("payment settings incomplete: missing %s", e.Missing)
}

// ProcessingError indicates an unexpected failure while interpreting or
// persisting a webhook event. The sender is expected to redeliver, so
// processing must stay idempotent.
type ProcessingError struct {
	Stage string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("webhook processing failed at %s: %v", e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
