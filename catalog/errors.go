/*
errors.go - Error taxonomy for resolution and mirroring

PURPOSE:
  All error types in one place. Callers branch with errors.Is/errors.As;
  every structured error unwraps to its cause.

ERROR CATEGORIES:
  1. ValidationError    - rejected before any store write, never retried
  2. DurableStoreError  - fatal to the current operation, surfaced
  3. MirrorStoreError   - degraded silently, except inside Reconcile
  4. CacheError         - always treated as a miss, never surfaced
  5. ResolutionError    - ActiveProductIDs failed on the source of truth

  A consistency mismatch is a finding, not an error; see mirror/checker.go.

SEE ALSO:
  - resolver/resolver.go: returns ResolutionError
  - mirror/synchronizer.go: wraps durable and mirror failures
*/
package catalog

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidConfiguration is the cause of every ValidationError.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrConfigNotFound is returned when a configuration id doesn't exist.
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrMirrorUnavailable is returned when the mirror fails its health probe.
	ErrMirrorUnavailable = errors.New("mirror store unavailable")

	// ErrReconcileInProgress is returned when a Reconcile pass is already running.
	ErrReconcileInProgress = errors.New("reconcile already in progress")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected configuration write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// DurableStoreError wraps a failure of the source of truth.
type DurableStoreError struct {
	Op  string
	Err error
}

func (e *DurableStoreError) Error() string {
	return fmt.Sprintf("durable store %s: %v", e.Op, e.Err)
}

func (e *DurableStoreError) Unwrap() error { return e.Err }

// MirrorStoreError wraps a failure of the mirror.
type MirrorStoreError struct {
	Op  string
	Err error
}

func (e *MirrorStoreError) Error() string {
	return fmt.Sprintf("mirror store %s: %v", e.Op, e.Err)
}

func (e *MirrorStoreError) Unwrap() error { return e.Err }

// CacheError wraps a failure of the result cache or its payload codec.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("result cache %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// ResolutionError is returned by ActiveProductIDs when the durable store
// fails. Stage names the step that failed ("qualifying" or "eligible").
type ResolutionError struct {
	Stage string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve active products (%s): %v", e.Stage, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}

// IsNotFound returns true if the error indicates a missing configuration.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrConfigNotFound)
}

// IsDurable returns true if the error originated in the durable store.
func IsDurable(err error) bool {
	var de *DurableStoreError
	return errors.As(err, &de)
}
