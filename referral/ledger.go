/*
ledger.go - Reward transaction ledger

PURPOSE:
  The ledger is the audit trail and idempotency guard for reward credits.
  Every attempted credit exists here as a RewardTransaction, keyed by
  (event, beneficiary, tier). Rows are created PENDING, mutated through
  the status state machine, and never deleted.

CRITICAL INVARIANTS:
  1. UNIQUENESS: One row per idempotency key, enforced at the store level.
     A second insert for the same key fails with ErrDuplicateTransaction
     and is treated by callers as a success no-op, not an error.
  2. NEVER DELETED: Dead-lettered and failed rows stay inspectable.
  3. ATOMIC CREDIT: Marking a row COMPLETED and incrementing the
     beneficiary's stats happen in one atomic unit; a beneficiary's stats
     reflect a transaction if and only if it is COMPLETED.

CRASH DETECTION:
  PENDING rows are written atomically with (or immediately before) their
  queue entries. "Rows exist but queue entry missing" is therefore a
  detectable state, distinct from "fully processed", and the recovery
  sweep repairs it by re-enqueueing.

SEE ALSO:
  - store/sqlite: Durable implementation with UNIQUE(event, beneficiary, tier)
  - recovery.go: ListFailed/ListPending drive the retry sweep
*/
package referral

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER STORE - Persistence interface
// =============================================================================

// LedgerStore persists reward transactions and the derived per-user stats.
// Implementations must enforce idempotency-key uniqueness and make
// CompleteAndCredit atomic (all-or-nothing).
type LedgerStore interface {
	// Insert persists a new transaction. Fails with ErrDuplicateTransaction
	// if a row with the same (event, beneficiary, tier) already exists.
	Insert(ctx context.Context, tx RewardTransaction) error

	// Get returns the transaction for an idempotency key, or
	// ErrTransactionNotFound.
	Get(ctx context.Context, eventID EventID, beneficiaryID UserID, tier int) (*RewardTransaction, error)

	// GetByID returns a transaction by its id, or ErrTransactionNotFound.
	GetByID(ctx context.Context, id TransactionID) (*RewardTransaction, error)

	// ListByEvent returns all transactions created for a triggering event.
	ListByEvent(ctx context.Context, eventID EventID) ([]RewardTransaction, error)

	// ListByStatus returns transactions in the given status last updated
	// before olderThan, oldest first.
	ListByStatus(ctx context.Context, status TxStatus, olderThan time.Time) ([]RewardTransaction, error)

	// ListCompletedBy returns a beneficiary's COMPLETED transactions,
	// oldest first. Used to rebuild stats.
	ListCompletedBy(ctx context.Context, beneficiaryID UserID) ([]RewardTransaction, error)

	// UpdateStatus transitions a transaction from one status to another,
	// recording retry count and last error. Fails with
	// ErrTransactionNotFound if the row is not currently in `from`
	// (optimistic guard against concurrent workers).
	UpdateStatus(ctx context.Context, id TransactionID, from, to TxStatus, retryCount int, lastError string) error

	// CompleteAndCredit atomically marks a PENDING (or retried) transaction
	// COMPLETED with the computed reward and increments the beneficiary's
	// stats. If the row is already COMPLETED it fails with
	// ErrDuplicateTransaction and leaves stats untouched.
	CompleteAndCredit(ctx context.Context, id TransactionID, reward Amount, at time.Time) error

	// GetStats returns the persisted aggregate for a user. A user with no
	// completed rewards gets zero-valued stats, not an error.
	GetStats(ctx context.Context, userID UserID) (Stats, error)

	// ReplaceStats overwrites a user's aggregate. Only RebuildStats uses
	// this; normal crediting goes through CompleteAndCredit.
	ReplaceStats(ctx context.Context, stats Stats) error
}

// =============================================================================
// LEDGER - Domain operations over the store
// =============================================================================

// Ledger wraps a LedgerStore with engine-level operations.
type Ledger struct {
	Store LedgerStore
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{Store: store}
}

// CreatePending writes the PENDING row for one (event, beneficiary, tier)
// link. Returns the created transaction; if the key already exists the
// existing row is returned with created=false (benign, at-least-once
// enqueue may run twice).
func (l *Ledger) CreatePending(ctx context.Context, ev Event, beneficiaryID UserID, tier int) (tx RewardTransaction, created bool, err error) {
	now := time.Now().UTC()
	tx = RewardTransaction{
		ID:            TransactionID(uuid.NewString()),
		EventID:       ev.EventID,
		SourceUserID:  ev.SourceUserID,
		BeneficiaryID: beneficiaryID,
		Tier:          tier,
		BaseAmount:    ev.BaseAmount,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = l.Store.Insert(ctx, tx)
	if errors.Is(err, ErrDuplicateTransaction) {
		existing, getErr := l.Store.Get(ctx, ev.EventID, beneficiaryID, tier)
		if getErr != nil {
			return RewardTransaction{}, false, getErr
		}
		return *existing, false, nil
	}
	if err != nil {
		return RewardTransaction{}, false, err
	}
	return tx, true, nil
}

// ListFailed returns FAILED transactions last updated before olderThan.
// Drives the retry sweep.
func (l *Ledger) ListFailed(ctx context.Context, olderThan time.Time) ([]RewardTransaction, error) {
	return l.Store.ListByStatus(ctx, StatusFailed, olderThan)
}

// ListPending returns PENDING transactions last updated before olderThan.
// Drives the stale-job sweep.
func (l *Ledger) ListPending(ctx context.Context, olderThan time.Time) ([]RewardTransaction, error) {
	return l.Store.ListByStatus(ctx, StatusPending, olderThan)
}

// ListDeadLetters returns all dead-lettered transactions.
func (l *Ledger) ListDeadLetters(ctx context.Context) ([]RewardTransaction, error) {
	return l.Store.ListByStatus(ctx, StatusDeadLetter, time.Now().UTC())
}

// RebuildStats replays a beneficiary's COMPLETED transactions into a fresh
// aggregate and persists it. directReferrals comes from the edge store
// (it counts edges, not rewards).
func (l *Ledger) RebuildStats(ctx context.Context, userID UserID, directReferrals int) (Stats, error) {
	txs, err := l.Store.ListCompletedBy(ctx, userID)
	if err != nil {
		return Stats{}, err
	}

	stats := NewStats(userID)
	stats.DirectReferrals = directReferrals
	for _, tx := range txs {
		stats.TotalEarned = stats.TotalEarned.Add(tx.RewardAmount)
		stats.TierCounts[tx.Tier]++
		if tx.UpdatedAt.After(stats.LastRewardAt) {
			stats.LastRewardAt = tx.UpdatedAt
		}
	}

	if err := l.Store.ReplaceStats(ctx, stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
