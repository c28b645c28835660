package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func amt(s string) referral.Amount {
	return referral.MustParseAmount(s)
}

func pendingTx(id, eventID, beneficiary string, tier int) referral.RewardTransaction {
	now := time.Now().UTC()
	return referral.RewardTransaction{
		ID:            referral.TransactionID(id),
		EventID:       referral.EventID(eventID),
		SourceUserID:  "dave",
		BeneficiaryID: referral.UserID(beneficiary),
		Tier:          tier,
		BaseAmount:    amt("100"),
		Status:        referral.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// =============================================================================
// EDGE STORE
// =============================================================================

func TestSQLite_Edges_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	edge := referral.Edge{
		ReferredID: "bob",
		ReferrerID: "alice",
		Code:       "REF-ALICE",
		Status:     referral.EdgeActive,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.CreateEdge(ctx, edge))

	got, err := store.GetReferrer(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, referral.UserID("alice"), got.ReferrerID)
	assert.Equal(t, "REF-ALICE", got.Code)
	assert.Equal(t, referral.EdgeActive, got.Status)
}

func TestSQLite_Edges_DuplicateActiveRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	edge := referral.Edge{ReferredID: "bob", ReferrerID: "alice", Status: referral.EdgeActive, CreatedAt: time.Now()}
	require.NoError(t, store.CreateEdge(ctx, edge))

	edge.ReferrerID = "carol"
	err := store.CreateEdge(ctx, edge)
	assert.ErrorIs(t, err, referral.ErrEdgeExists)
}

func TestSQLite_Edges_RevokeThenRecreate(t *testing.T) {
	// A revoked edge terminates walks and may be replaced by a new one.

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEdge(ctx, referral.Edge{
		ReferredID: "bob", ReferrerID: "alice", Status: referral.EdgeActive, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.RevokeEdge(ctx, "bob"))

	got, err := store.GetReferrer(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, got, "revoked edge is invisible to chain walks")

	require.NoError(t, store.CreateEdge(ctx, referral.Edge{
		ReferredID: "bob", ReferrerID: "carol", Status: referral.EdgeActive, CreatedAt: time.Now(),
	}))

	got, err = store.GetReferrer(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, referral.UserID("carol"), got.ReferrerID)
}

func TestSQLite_Edges_CountReferrals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, u := range []string{"bob", "carol", "dave"} {
		require.NoError(t, store.CreateEdge(ctx, referral.Edge{
			ReferredID: referral.UserID(u), ReferrerID: "alice", Status: referral.EdgeActive, CreatedAt: time.Now(),
		}))
	}
	require.NoError(t, store.RevokeEdge(ctx, "dave"))

	count, err := store.CountReferrals(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "revoked referrals do not count")
}

func TestSQLite_Codes_SaveAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveCode(ctx, "alice", "REF-A1B2C3"))

	owner, err := store.LookupCode(ctx, "REF-A1B2C3")
	require.NoError(t, err)
	assert.Equal(t, referral.UserID("alice"), owner)

	owner, err = store.LookupCode(ctx, "REF-NOBODY")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func TestSQLite_Ledger_IdempotencyKeyEnforcedByDatabase(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingTx("tx-1", "ev-1", "carol", 1)))

	// Same key, different row id: the unique index rejects it
	err := store.Insert(ctx, pendingTx("tx-2", "ev-1", "carol", 1))
	assert.ErrorIs(t, err, referral.ErrDuplicateTransaction)

	// Different tier: distinct key, accepted
	require.NoError(t, store.Insert(ctx, pendingTx("tx-3", "ev-1", "carol", 2)))
}

func TestSQLite_Ledger_GetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingTx("tx-1", "ev-1", "carol", 1)))

	got, err := store.Get(ctx, "ev-1", "carol", 1)
	require.NoError(t, err)
	assert.Equal(t, referral.TransactionID("tx-1"), got.ID)
	assert.Equal(t, referral.StatusPending, got.Status)
	assert.True(t, got.BaseAmount.Equal(amt("100")))

	_, err = store.Get(ctx, "ev-1", "carol", 3)
	assert.ErrorIs(t, err, referral.ErrTransactionNotFound)
}

func TestSQLite_Ledger_CompleteAndCredit_Atomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingTx("tx-1", "ev-1", "carol", 1)))

	at := time.Now().UTC()
	require.NoError(t, store.CompleteAndCredit(ctx, "tx-1", amt("10.00"), at))

	got, err := store.GetByID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, referral.StatusCompleted, got.Status)
	assert.True(t, got.RewardAmount.Equal(amt("10.00")))

	stats, err := store.GetStats(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, stats.TotalEarned.Equal(amt("10.00")))
	assert.Equal(t, 1, stats.TierCounts[1])
	assert.False(t, stats.LastRewardAt.IsZero())
}

func TestSQLite_Ledger_CompleteAndCredit_DoubleCreditBlocked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingTx("tx-1", "ev-1", "carol", 1)))
	require.NoError(t, store.CompleteAndCredit(ctx, "tx-1", amt("10.00"), time.Now()))

	err := store.CompleteAndCredit(ctx, "tx-1", amt("10.00"), time.Now())
	assert.ErrorIs(t, err, referral.ErrDuplicateTransaction)

	stats, err := store.GetStats(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, stats.TotalEarned.Equal(amt("10.00")), "second credit must not change stats")
}

func TestSQLite_Ledger_UpdateStatus_OptimisticGuard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingTx("tx-1", "ev-1", "carol", 1)))

	require.NoError(t, store.UpdateStatus(ctx, "tx-1", referral.StatusPending, referral.StatusFailed, 1, "boom"))

	err := store.UpdateStatus(ctx, "tx-1", referral.StatusPending, referral.StatusFailed, 2, "boom")
	assert.ErrorIs(t, err, referral.ErrTransactionNotFound, "row left PENDING already")

	got, err := store.GetByID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, referral.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "boom", got.LastError)
}

func TestSQLite_Ledger_ListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingTx("tx-1", "ev-1", "carol", 1)))
	require.NoError(t, store.Insert(ctx, pendingTx("tx-2", "ev-2", "carol", 1)))
	require.NoError(t, store.UpdateStatus(ctx, "tx-2", referral.StatusPending, referral.StatusFailed, 1, "boom"))

	failed, err := store.ListByStatus(ctx, referral.StatusFailed, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, referral.TransactionID("tx-2"), failed[0].ID)

	pending, err := store.ListByStatus(ctx, referral.StatusPending, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, referral.TransactionID("tx-1"), pending[0].ID)
}

// =============================================================================
// DISTRIBUTION QUEUE
// =============================================================================

func queueJob(eventID, beneficiary string, tier int) referral.Job {
	return referral.Job{
		EventID:       referral.EventID(eventID),
		SourceUserID:  "dave",
		BeneficiaryID: referral.UserID(beneficiary),
		Tier:          tier,
		BaseAmount:    amt("100"),
	}
}

func TestSQLite_Queue_EnqueueDequeueAck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := queueJob("ev-1", "carol", 1)
	require.NoError(t, store.Enqueue(ctx, job, time.Time{}))

	d, err := store.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, job.Key(), d.Job.Key())
	assert.True(t, d.Job.BaseAmount.Equal(amt("100")))
	assert.NotEmpty(t, d.Receipt)

	require.NoError(t, store.Ack(ctx, *d))

	live, err := store.Contains(ctx, job.Key())
	require.NoError(t, err)
	assert.False(t, live, "acked job is gone for good")
}

func TestSQLite_Queue_LeasedJobInvisibleToOthers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, queueJob("ev-1", "carol", 1), time.Time{}))

	d1, err := store.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d1)

	d2, err := store.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, d2, "leased job must not be delivered twice")

	// Contains still reports the leased job as live
	live, err := store.Contains(ctx, d1.Job.Key())
	require.NoError(t, err)
	assert.True(t, live)
}

func TestSQLite_Queue_ExpiredLeaseRedelivered(t *testing.T) {
	// A worker that crashed mid-job never acks; after the lease expires
	// the job must come back (at-least-once delivery).

	store := newTestStore(t)
	store.LeaseTimeout = 30 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, queueJob("ev-1", "carol", 1), time.Time{}))

	d1, err := store.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d1)
	// No ack: simulate the crash

	d2, err := store.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d2, "expired lease must be redelivered")
	assert.Equal(t, d1.Job.Key(), d2.Job.Key())
	assert.NotEqual(t, d1.Receipt, d2.Receipt, "redelivery carries a fresh receipt")
}

func TestSQLite_Queue_NackDelaysRedelivery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, queueJob("ev-1", "carol", 1), time.Time{}))

	d, err := store.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, store.Nack(ctx, *d, time.Now().Add(time.Hour)))

	got, err := store.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, got, "nacked job stays invisible until its not-before time")

	live, err := store.Contains(ctx, d.Job.Key())
	require.NoError(t, err)
	assert.True(t, live, "nacked job is still a live queue entry")
}

func TestSQLite_Queue_NotBeforeGatesVisibility(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, queueJob("ev-1", "carol", 1), time.Now().Add(40*time.Millisecond)))

	d, err := store.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, d, "delayed job invisible before its time")

	d, err = store.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d, "delayed job visible once its time arrives")
}

// =============================================================================
// CROSS-INTERFACE: THE STORE AS A COMPLETE BACKEND
// =============================================================================

func TestSQLite_EndToEnd_DistributorAgainstSQLite(t *testing.T) {
	// The sqlite store serves as edge store, ledger, and queue at once,
	// exactly as wired in production.

	store := newTestStore(t)
	ctx := context.Background()

	tiers := referral.DefaultTierTable()
	resolver := referral.NewResolver(store, tiers)
	ledger := referral.NewLedger(store)
	d := referral.NewDistributor(resolver, ledger, store, tiers, time.Minute)

	require.NoError(t, resolver.CreateEdge(ctx, "bob", "alice", ""))

	count, err := d.EnqueueRewardEvent(ctx, referral.Event{
		EventID:      "ev-1",
		SourceUserID: "bob",
		BaseAmount:   amt("100"),
		EventType:    "purchase",
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	delivery, err := store.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	require.NoError(t, d.ApplyReward(ctx, delivery.Job))
	require.NoError(t, store.Ack(ctx, *delivery))

	stats, err := d.GetStats(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stats.TotalEarned.Equal(amt("10.00")))
	assert.Equal(t, 1, stats.DirectReferrals)
}
