package referral_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger() *referral.Ledger {
	return referral.NewLedger(store.NewMemoryLedger())
}

func purchaseEvent(eventID string, userID string, base string) referral.Event {
	return referral.Event{
		EventID:      referral.EventID(eventID),
		SourceUserID: referral.UserID(userID),
		BaseAmount:   amt(base),
		EventType:    "purchase",
	}
}

// =============================================================================
// PENDING ROW CREATION
// =============================================================================

func TestLedger_CreatePending_NewRow(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	tx, created, err := ledger.CreatePending(ctx, purchaseEvent("ev-1", "dave", "100"), "carol", 1)
	require.NoError(t, err)
	require.True(t, created)

	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, referral.StatusPending, tx.Status)
	assert.Equal(t, referral.UserID("carol"), tx.BeneficiaryID)
	assert.Equal(t, 1, tx.Tier)
	assert.True(t, tx.BaseAmount.Equal(amt("100")))
}

func TestLedger_CreatePending_DuplicateKeyIsBenign(t *testing.T) {
	// The same (event, beneficiary, tier) arriving twice - double submit,
	// redelivery, crash replay - must not create a second row.

	ledger := newTestLedger()
	ctx := context.Background()
	ev := purchaseEvent("ev-1", "dave", "100")

	first, created, err := ledger.CreatePending(ctx, ev, "carol", 1)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := ledger.CreatePending(ctx, ev, "carol", 1)
	require.NoError(t, err, "duplicate key is a no-op, not an error")
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID, "existing row is returned")
}

func TestLedger_CreatePending_SameEventDifferentTiersAreDistinct(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()
	ev := purchaseEvent("ev-1", "dave", "100")

	_, created1, err := ledger.CreatePending(ctx, ev, "carol", 1)
	require.NoError(t, err)
	_, created2, err := ledger.CreatePending(ctx, ev, "bob", 2)
	require.NoError(t, err)

	assert.True(t, created1)
	assert.True(t, created2)

	txs, err := ledger.Store.ListByEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

// =============================================================================
// ATOMIC CREDIT
// =============================================================================

func TestLedger_CompleteAndCredit_FlipsStatusAndCreditsStats(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	tx, _, err := ledger.CreatePending(ctx, purchaseEvent("ev-1", "dave", "100"), "carol", 1)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, ledger.Store.CompleteAndCredit(ctx, tx.ID, amt("10.00"), now))

	got, err := ledger.Store.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, referral.StatusCompleted, got.Status)
	assert.True(t, got.RewardAmount.Equal(amt("10.00")))

	stats, err := ledger.Store.GetStats(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, stats.TotalEarned.Equal(amt("10.00")), "stats credited atomically with completion")
	assert.Equal(t, 1, stats.TierCounts[1])
}

func TestLedger_CompleteAndCredit_SecondCreditRejectedAndStatsUntouched(t *testing.T) {
	// Redelivered job racing past the worker's status check: the store-level
	// guard must prevent the double credit.

	ledger := newTestLedger()
	ctx := context.Background()

	tx, _, err := ledger.CreatePending(ctx, purchaseEvent("ev-1", "dave", "100"), "carol", 1)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, ledger.Store.CompleteAndCredit(ctx, tx.ID, amt("10.00"), now))

	err = ledger.Store.CompleteAndCredit(ctx, tx.ID, amt("10.00"), now)
	assert.ErrorIs(t, err, referral.ErrDuplicateTransaction)

	stats, err := ledger.Store.GetStats(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, stats.TotalEarned.Equal(amt("10.00")), "stats must reflect exactly one credit")
	assert.Equal(t, 1, stats.TierCounts[1])
}

func TestLedger_GetStats_UnknownUserIsZeroNotError(t *testing.T) {
	ledger := newTestLedger()

	stats, err := ledger.Store.GetStats(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, stats.TotalEarned.IsZero())
	assert.Empty(t, stats.TierCounts)
	assert.True(t, stats.LastRewardAt.IsZero())
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

func TestLedger_UpdateStatus_OptimisticGuard(t *testing.T) {
	// Two workers racing the same row: only the one whose `from` status
	// still matches wins the transition.

	ledger := newTestLedger()
	ctx := context.Background()

	tx, _, err := ledger.CreatePending(ctx, purchaseEvent("ev-1", "dave", "100"), "carol", 1)
	require.NoError(t, err)

	require.NoError(t, ledger.Store.UpdateStatus(ctx, tx.ID, referral.StatusPending, referral.StatusFailed, 1, "store timeout"))

	err = ledger.Store.UpdateStatus(ctx, tx.ID, referral.StatusPending, referral.StatusFailed, 1, "store timeout")
	assert.ErrorIs(t, err, referral.ErrTransactionNotFound, "row is no longer PENDING")

	got, err := ledger.Store.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, referral.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "store timeout", got.LastError)
}

func TestLedger_ListDeadLetters(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	tx, _, err := ledger.CreatePending(ctx, purchaseEvent("ev-1", "dave", "100"), "carol", 1)
	require.NoError(t, err)
	require.NoError(t, ledger.Store.UpdateStatus(ctx, tx.ID, referral.StatusPending, referral.StatusFailed, 5, "boom"))
	require.NoError(t, ledger.Store.UpdateStatus(ctx, tx.ID, referral.StatusFailed, referral.StatusDeadLetter, 5, "boom"))

	dead, err := ledger.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, tx.ID, dead[0].ID)
	assert.Equal(t, "boom", dead[0].LastError)
}

// =============================================================================
// STATS REBUILD
// =============================================================================

func TestLedger_RebuildStats_ReplaysCompletedRows(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	// Two completed rewards and one dead letter for carol
	tx1, _, err := ledger.CreatePending(ctx, purchaseEvent("ev-1", "dave", "100"), "carol", 1)
	require.NoError(t, err)
	require.NoError(t, ledger.Store.CompleteAndCredit(ctx, tx1.ID, amt("10.00"), time.Now()))

	tx2, _, err := ledger.CreatePending(ctx, purchaseEvent("ev-2", "erin", "40"), "carol", 2)
	require.NoError(t, err)
	require.NoError(t, ledger.Store.CompleteAndCredit(ctx, tx2.ID, amt("2.00"), time.Now()))

	tx3, _, err := ledger.CreatePending(ctx, purchaseEvent("ev-3", "dave", "100"), "carol", 1)
	require.NoError(t, err)
	require.NoError(t, ledger.Store.UpdateStatus(ctx, tx3.ID, referral.StatusPending, referral.StatusFailed, 5, "boom"))
	require.NoError(t, ledger.Store.UpdateStatus(ctx, tx3.ID, referral.StatusFailed, referral.StatusDeadLetter, 5, "boom"))

	// Corrupt the stored aggregate, then rebuild
	require.NoError(t, ledger.Store.ReplaceStats(ctx, referral.Stats{
		UserID:      "carol",
		TotalEarned: amt("999"),
		TierCounts:  map[int]int{1: 42},
	}))

	stats, err := ledger.RebuildStats(ctx, "carol", 3)
	require.NoError(t, err)

	assert.True(t, stats.TotalEarned.Equal(amt("12.00")), "only COMPLETED rows count")
	assert.Equal(t, 1, stats.TierCounts[1])
	assert.Equal(t, 1, stats.TierCounts[2])
	assert.Equal(t, 3, stats.DirectReferrals)

	persisted, err := ledger.Store.GetStats(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, persisted.TotalEarned.Equal(amt("12.00")))
}
