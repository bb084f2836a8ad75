/*
errors.go - Error types for the advance engine

ERROR CATEGORIES:
  1. Programming errors - UnknownPolicy (catalog misuse)
  2. Rejections - validation failures, returned as values (see validator.go)
  3. State errors - IllegalTransition, ConcurrentModification
  4. Collaborator errors - StoreUnavailable, the only retryable kind

USAGE:
  if errors.Is(err, advance.ErrIllegalTransition) {
      var ite *advance.IllegalTransitionError
      errors.As(err, &ite) // ite.From, ite.To
  }
*/
package advance

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnknownPolicy is returned when a policy type is not in the catalog.
	ErrUnknownPolicy = errors.New("unknown policy")

	// ErrIllegalTransition is returned for any transition the state machine
	// does not allow from the request's current state.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrStoreUnavailable wraps any persistence failure that is not a domain fact.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRequestNotFound is returned when a request id does not exist.
	ErrRequestNotFound = errors.New("request not found")

	// ErrRequesterNotFound is returned when a requester id does not exist.
	ErrRequesterNotFound = errors.New("requester not found")

	// ErrActiveRequestExists is returned by stores when saving a request would
	// give a requester a second pending/approved request.
	ErrActiveRequestExists = errors.New("active request exists")

	// ErrConcurrentModification is returned when a request's status changed
	// between read and write.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrForbidden is returned when the actor's role does not permit the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrDecisionNoteRequired is returned when rejecting without a note.
	ErrDecisionNoteRequired = errors.New("decision note required")

	// ErrInvalidCatalog is returned when a catalog definition is malformed.
	ErrInvalidCatalog = errors.New("invalid catalog")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type UnknownPolicyError struct {
	PolicyType PolicyType
}

func (e *UnknownPolicyError) Error() string {
	return fmt.Sprintf("unknown policy type %q", e.PolicyType)
}

func (e *UnknownPolicyError) Unwrap() error { return ErrUnknownPolicy }

// IllegalTransitionError identifies the current state and the attempted target.
type IllegalTransitionError struct {
	RequestID RequestID
	From      Status
	To        Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for request %d: %s -> %s", e.RequestID, e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// StoreUnavailableError records which store operation failed.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *StoreUnavailableError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownPolicy) ||
		errors.Is(err, ErrDecisionNoteRequired) ||
		errors.Is(err, ErrInvalidCatalog)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrRequesterNotFound)
}

// IsConflict returns true if the error is a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrConcurrentModification)
}
