/*
errors.go - Centralized error types for the reward engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is and the helpers at the bottom.

ERROR CATEGORIES:
  1. Chain validation errors - Cycle and depth invariant violations
  2. Ledger errors - Idempotency conflicts and store failures
  3. Job errors - Transient (retryable) vs poison (dead-letter)

PROPAGATION RULES:
  - Chain validation errors surface to the edge-creation caller, never
    silently fixed.
  - ErrDuplicateTransaction is benign: redelivery of an at-least-once job
    hit an existing ledger row. Callers treat it as success.
  - ErrTransientStore is swallowed at the worker boundary and converted
    into a retry schedule; it never reaches the triggering event's caller.

SEE ALSO:
  - ledger.go: Uses ErrDuplicateTransaction / ErrTransientStore
  - distributor.go: Converts failures into retry state
  - recovery.go: Routes exhausted retries to DEAD_LETTER
*/
package referral

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCircularReference is returned when a resolved chain revisits a user,
	// or when a proposed edge would close a cycle.
	ErrCircularReference = errors.New("circular referral reference")

	// ErrMaxDepthExceeded is returned when creating an edge would produce a
	// chain longer than the configured maximum depth.
	ErrMaxDepthExceeded = errors.New("maximum chain depth exceeded")

	// ErrInvalidTier is returned when a tier is outside [1, MaxDepth].
	ErrInvalidTier = errors.New("invalid reward tier")

	// ErrDuplicateTransaction is returned when a reward transaction with the
	// same (event, beneficiary, tier) key already exists. This is expected
	// behavior for redelivered jobs and is treated as a success no-op.
	ErrDuplicateTransaction = errors.New("duplicate reward transaction")

	// ErrTransientStore indicates a store failure that may succeed on retry
	// (unavailable, contention, timeout).
	ErrTransientStore = errors.New("transient store error")

	// ErrPoisonJob indicates a job that can never succeed (malformed payload,
	// unknown beneficiary). Routed straight to DEAD_LETTER.
	ErrPoisonJob = errors.New("poison job")

	// ErrTransactionNotFound is returned when a reward transaction lookup
	// finds no row for the given key or id.
	ErrTransactionNotFound = errors.New("reward transaction not found")

	// ErrSelfReferral is returned when a user attempts to be their own referrer.
	ErrSelfReferral = errors.New("user cannot refer themselves")

	// ErrEdgeExists is returned when the referred user already has a referrer.
	ErrEdgeExists = errors.New("referral edge already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CircularReferenceError reports the user at which a chain walk revisited
// an already-seen id.
type CircularReferenceError struct {
	UserID  UserID
	Visited Chain
}

func (e *CircularReferenceError) Error() string {
	return fmt.Sprintf("circular reference at user %s (visited: %v)", e.UserID, e.Visited)
}

func (e *CircularReferenceError) Unwrap() error { return ErrCircularReference }

// MaxDepthExceededError reports a depth violation on edge creation.
type MaxDepthExceededError struct {
	UserID   UserID
	Depth    int
	MaxDepth int
}

func (e *MaxDepthExceededError) Error() string {
	return fmt.Sprintf("chain for user %s would reach depth %d (max %d)", e.UserID, e.Depth, e.MaxDepth)
}

func (e *MaxDepthExceededError) Unwrap() error { return ErrMaxDepthExceeded }

// InvalidTierError reports an out-of-range tier.
type InvalidTierError struct {
	Tier     int
	MaxDepth int
}

func (e *InvalidTierError) Error() string {
	return fmt.Sprintf("tier %d outside valid range [1, %d]", e.Tier, e.MaxDepth)
}

func (e *InvalidTierError) Unwrap() error { return ErrInvalidTier }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// IsPoison returns true if the error can never succeed and the job should
// go straight to the dead-letter path.
func IsPoison(err error) bool {
	return errors.Is(err, ErrPoisonJob)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrCircularReference) ||
		errors.Is(err, ErrMaxDepthExceeded) ||
		errors.Is(err, ErrInvalidTier) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrEdgeExists)
}
