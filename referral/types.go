/*
Package referral provides the core referral reward distribution engine.

PURPOSE:
  This package contains the types and algorithms for distributing tiered
  rewards up a bounded-depth referral chain. When a user performs a
  reward-triggering action, the engine resolves the user's ancestor chain,
  enqueues one durable job per chain tier, and credits each ancestor
  exactly once per (event, beneficiary, tier) tuple.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary/point quantity backed by decimal.Decimal
  - Edge: A referral link (referred user -> referrer), at most one per user
  - RewardTransaction: The idempotency guard and audit record for a credit
  - Job: A unit of crediting work carried by the distribution queue
  - Stats: Per-user aggregate, always reconcilable from the ledger

DESIGN PRINCIPLES:
  1. Idempotency: Every credit is keyed by (event, beneficiary, tier)
  2. Precision: decimal.Decimal for all amounts, never float64
  3. Durability first: Ledger rows are written before queue entries, so a
     crash between the two leaves a detectable, repairable state
  4. The ledger is the source of truth; caches and stats are derived

SEE ALSO:
  - tiers.go: Tier rate table and reward computation
  - chain.go: Chain resolution and edge validation
  - ledger.go: Reward transaction persistence
  - distributor.go: Queueing and the worker pool
*/
package referral

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary/point quantity
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value)}
}

func NewAmountFromInt(value int) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value))}
}

func MustParseAmount(s string) Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{Value: decimal.Zero}
	}
	return Amount{Value: d}
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s)} }
func (a Amount) Round(places int32) Amount    { return Amount{Value: a.Value.Round(places)} }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) String() string               { return a.Value.StringFixed(2) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EventID string
type TransactionID string

// IdempotencyKey builds the (event, beneficiary, tier) tuple that guarantees
// at-most-one credit per chain link per triggering event.
func IdempotencyKey(eventID EventID, beneficiaryID UserID, tier int) string {
	return fmt.Sprintf("%s:%s:%d", eventID, beneficiaryID, tier)
}

// =============================================================================
// REFERRAL EDGE - One per referred user
// =============================================================================

type EdgeStatus string

const (
	EdgeActive  EdgeStatus = "active"
	EdgeRevoked EdgeStatus = "revoked"
)

// Edge is a single referral link. A user has at most one referrer; the
// tier of an ancestor is derived from chain position at reward time and
// is never stored on the edge.
type Edge struct {
	ReferredID UserID
	ReferrerID UserID
	Code       string // referral code used when the link was created
	Status     EdgeStatus
	CreatedAt  time.Time
}

// Chain is the ordered ancestor sequence of a user: element 0 is the
// immediate referrer (tier 1), element i is tier i+1. Length is bounded
// by the tier table's MaxDepth.
type Chain []UserID

// Contains reports whether id appears anywhere in the chain.
func (c Chain) Contains(id UserID) bool {
	for _, u := range c {
		if u == id {
			return true
		}
	}
	return false
}

// =============================================================================
// REWARD TRANSACTION - Idempotency guard and audit trail
// =============================================================================

type TxStatus string

const (
	StatusPending        TxStatus = "PENDING"
	StatusCompleted      TxStatus = "COMPLETED"
	StatusFailed         TxStatus = "FAILED"
	StatusRetryScheduled TxStatus = "RETRY_SCHEDULED"
	StatusDeadLetter     TxStatus = "DEAD_LETTER"
)

// RewardTransaction records one attempted/completed credit. Rows are
// never deleted; status transitions are:
//
//	PENDING -> COMPLETED | FAILED
//	FAILED  -> RETRY_SCHEDULED -> PENDING (re-enqueued with backoff)
//	FAILED  -> DEAD_LETTER (retry budget exhausted)
type RewardTransaction struct {
	ID            TransactionID
	EventID       EventID
	SourceUserID  UserID
	BeneficiaryID UserID
	Tier          int
	BaseAmount    Amount
	RewardAmount  Amount
	Status        TxStatus
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Key returns the transaction's idempotency key.
func (t RewardTransaction) Key() string {
	return IdempotencyKey(t.EventID, t.BeneficiaryID, t.Tier)
}

// =============================================================================
// DISTRIBUTION JOB - Unit of work on the queue
// =============================================================================

// Job is one tier's crediting work for one triggering event. Delivery is
// at-least-once; ApplyReward makes redelivery safe.
type Job struct {
	EventID       EventID
	SourceUserID  UserID
	BeneficiaryID UserID
	Tier          int
	BaseAmount    Amount
	Attempt       int
}

// Key returns the job's idempotency key (same tuple as the ledger row).
func (j Job) Key() string {
	return IdempotencyKey(j.EventID, j.BeneficiaryID, j.Tier)
}

// Event is a reward-triggering action received from the XP/quest/achievement
// subsystems. EventID is globally unique and anchors idempotency.
type Event struct {
	EventID      EventID
	SourceUserID UserID
	BaseAmount   Amount
	EventType    string
}

// =============================================================================
// STATS - Derived aggregate, owned by the engine
// =============================================================================

// Stats is the per-user reward aggregate. It is mutated only inside the
// atomic crediting operation and must always equal the replay of the
// user's COMPLETED transactions.
type Stats struct {
	UserID          UserID
	TotalEarned     Amount
	DirectReferrals int
	TierCounts      map[int]int
	LastRewardAt    time.Time
}

func NewStats(userID UserID) Stats {
	return Stats{
		UserID:      userID,
		TotalEarned: ZeroAmount(),
		TierCounts:  make(map[int]int),
	}
}

// =============================================================================
// DOMAIN EVENTS
// =============================================================================

// RewardDistributed is emitted on each COMPLETED transaction. Consumed by
// the out-of-scope notification/achievement services.
type RewardDistributed struct {
	BeneficiaryID UserID
	Tier          int
	Amount        Amount
	SourceEventID EventID
}

// Listener receives domain events. Implementations must not block; the
// distributor calls listeners after the credit has committed.
type Listener func(RewardDistributed)
