/*
recovery.go - Retry, dead-letter, and repair service

PURPOSE:
  Owns everything that happens after the happy path fails:

  1. Retry state machine per reward transaction:
       PENDING -> COMPLETED | FAILED
       FAILED  -> RETRY_SCHEDULED -> PENDING (re-enqueued with backoff)
       FAILED  -> DEAD_LETTER (retryCount >= MaxRetries)
     Dead-lettered rows are terminal but never deleted.

  2. Stale-job sweep: PENDING rows older than the staleness threshold with
     no live queue job were orphaned by a crash (between ledger write and
     enqueue, or by a lost delivery). The sweep re-enqueues them - at most
     once per sweep cycle, since a re-enqueued job is live on the next.

  3. Chain repair: scans a user's edges for invariant violations that the
     resolver would reject (cycles, excess depth, corrupted data).
     Cycles are truncated by revoking the closing edge; depth violations
     are flagged for manual repair. Earned reward transactions are never
     touched.

BACKOFF:
  Exponential with jitter via cenkalti/backoff, seeded from the row's
  retry count so later retries wait longer.

DESIGN:
  Background goroutine with a ticker, started/stopped like the worker
  pool. Every sweep action is idempotent; two recovery instances racing is
  wasteful but safe.

SEE ALSO:
  - distributor.go: Marks transactions FAILED at the worker boundary
  - ledger.go: ListFailed/ListPending queries
*/
package referral

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// =============================================================================
// RECOVERY SERVICE
// =============================================================================

// RecoveryService reschedules failed credits, dead-letters poison ones,
// and repairs orphaned queue state and corrupted chains.
type RecoveryService struct {
	Ledger   *Ledger
	Queue    Queue
	Resolver *Resolver

	// SweepInterval is how often the background sweep runs. Default 30s.
	SweepInterval time.Duration
	// MaxRetries is the retry budget before DEAD_LETTER. Default 5.
	MaxRetries int
	// StaleAfter is how long a PENDING row may sit without a live queue
	// job before the sweep re-enqueues it. Default 5m.
	StaleAfter time.Duration
	// InitialBackoff/MaxBackoff bound the exponential retry delay.
	// Defaults 5s / 10m.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRecoveryService creates a recovery service with default settings.
func NewRecoveryService(ledger *Ledger, queue Queue, resolver *Resolver) *RecoveryService {
	return &RecoveryService{
		Ledger:         ledger,
		Queue:          queue,
		Resolver:       resolver,
		SweepInterval:  30 * time.Second,
		MaxRetries:     5,
		StaleAfter:     5 * time.Minute,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
	}
}

// Start begins the background sweep.
func (rs *RecoveryService) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		return
	}
	rs.ticker = time.NewTicker(rs.SweepInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run()

	log.Printf("[Recovery] Started with sweep interval %v, max retries %d", rs.SweepInterval, rs.MaxRetries)
}

// Stop halts the background sweep and waits for an in-flight sweep.
func (rs *RecoveryService) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	log.Println("[Recovery] Stopped")
}

func (rs *RecoveryService) run() {
	defer rs.wg.Done()

	for {
		select {
		case <-rs.ticker.C:
			rs.Sweep(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// Sweep runs one recovery pass: retries failed transactions and
// re-enqueues stale pending ones. Exposed for tests and admin triggers.
func (rs *RecoveryService) Sweep(ctx context.Context) {
	if n, err := rs.RetryFailed(ctx); err != nil {
		log.Printf("[Recovery] retry sweep: %v", err)
	} else if n > 0 {
		log.Printf("[Recovery] rescheduled %d failed transactions", n)
	}

	if n, err := rs.RequeueStale(ctx); err != nil {
		log.Printf("[Recovery] stale sweep: %v", err)
	} else if n > 0 {
		log.Printf("[Recovery] re-enqueued %d stale pending transactions", n)
	}
}

// =============================================================================
// RETRY STATE MACHINE
// =============================================================================

// RetryFailed processes all FAILED transactions: reschedules those with
// retry budget left, dead-letters the rest. Returns how many were
// rescheduled.
func (rs *RecoveryService) RetryFailed(ctx context.Context) (int, error) {
	failed, err := rs.Ledger.ListFailed(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	rescheduled := 0
	for _, tx := range failed {
		if tx.RetryCount >= rs.MaxRetries {
			if err := rs.Ledger.Store.UpdateStatus(ctx, tx.ID, StatusFailed, StatusDeadLetter, tx.RetryCount, tx.LastError); err != nil {
				log.Printf("[Recovery] dead-letter %s: %v", tx.ID, err)
			} else {
				log.Printf("[Recovery] dead-lettered %s after %d retries (%s)", tx.Key(), tx.RetryCount, tx.LastError)
			}
			continue
		}

		if err := rs.reschedule(ctx, tx); err != nil {
			log.Printf("[Recovery] reschedule %s: %v", tx.ID, err)
			continue
		}
		rescheduled++
	}
	return rescheduled, nil
}

// reschedule walks one transaction through FAILED -> RETRY_SCHEDULED ->
// PENDING, backed by exactly one live queue entry: the worker's nacked
// delivery when it survives, a fresh backoff-delayed job when it does
// not. A crash partway leaves a RETRY_SCHEDULED row that the stale
// sweep will pick up.
func (rs *RecoveryService) reschedule(ctx context.Context, tx RewardTransaction) error {
	if err := rs.Ledger.Store.UpdateStatus(ctx, tx.ID, StatusFailed, StatusRetryScheduled, tx.RetryCount, tx.LastError); err != nil {
		return err
	}

	job := Job{
		EventID:       tx.EventID,
		SourceUserID:  tx.SourceUserID,
		BeneficiaryID: tx.BeneficiaryID,
		Tier:          tx.Tier,
		BaseAmount:    tx.BaseAmount,
		Attempt:       tx.RetryCount,
	}
	// The worker nacks a failed delivery instead of acking it, so the
	// original job is usually still on the queue. Enqueue only when that
	// delivery was lost; otherwise the nacked job serves the redelivery.
	live, err := rs.Queue.Contains(ctx, job.Key())
	if err != nil {
		return err
	}
	if !live {
		notBefore := time.Now().Add(rs.retryDelay(tx.RetryCount))
		if err := rs.Queue.Enqueue(ctx, job, notBefore); err != nil {
			return err
		}
	}

	return rs.Ledger.Store.UpdateStatus(ctx, tx.ID, StatusRetryScheduled, StatusPending, tx.RetryCount, tx.LastError)
}

// retryDelay computes the backoff for the nth retry.
func (rs *RecoveryService) retryDelay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rs.InitialBackoff
	b.MaxInterval = rs.MaxBackoff

	delay := b.NextBackOff()
	for i := 1; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 {
		delay = rs.InitialBackoff
	}
	return delay
}

// =============================================================================
// STALE-JOB SWEEP
// =============================================================================

// RequeueStale re-enqueues PENDING (and stuck RETRY_SCHEDULED)
// transactions older than StaleAfter that have no live queue job. Each
// orphan is re-enqueued exactly once per sweep: once the job is live,
// Contains reports it on subsequent sweeps.
func (rs *RecoveryService) RequeueStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-rs.StaleAfter)

	pending, err := rs.Ledger.ListPending(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	stuck, err := rs.Ledger.Store.ListByStatus(ctx, StatusRetryScheduled, cutoff)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, tx := range append(pending, stuck...) {
		live, err := rs.Queue.Contains(ctx, tx.Key())
		if err != nil {
			return requeued, err
		}
		if live {
			continue
		}

		job := Job{
			EventID:       tx.EventID,
			SourceUserID:  tx.SourceUserID,
			BeneficiaryID: tx.BeneficiaryID,
			Tier:          tx.Tier,
			BaseAmount:    tx.BaseAmount,
			Attempt:       tx.RetryCount,
		}
		if err := rs.Queue.Enqueue(ctx, job, time.Time{}); err != nil {
			return requeued, err
		}
		if tx.Status == StatusRetryScheduled {
			// Finish the transition the crashed reschedule started.
			if err := rs.Ledger.Store.UpdateStatus(ctx, tx.ID, StatusRetryScheduled, StatusPending, tx.RetryCount, tx.LastError); err != nil {
				log.Printf("[Recovery] finish reschedule %s: %v", tx.ID, err)
			}
		}
		requeued++
	}
	return requeued, nil
}

// =============================================================================
// DEAD-LETTER REMEDIATION
// =============================================================================

// RequeueDeadLetter gives a dead-lettered transaction one operator-granted
// attempt: status returns to PENDING (retry history stays recorded) and a
// job is enqueued immediately.
func (rs *RecoveryService) RequeueDeadLetter(ctx context.Context, id TransactionID) error {
	tx, err := rs.Ledger.Store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != StatusDeadLetter {
		return fmt.Errorf("transaction %s is %s, not %s", id, tx.Status, StatusDeadLetter)
	}

	if err := rs.Ledger.Store.UpdateStatus(ctx, tx.ID, StatusDeadLetter, StatusPending, tx.RetryCount, tx.LastError); err != nil {
		return err
	}

	job := Job{
		EventID:       tx.EventID,
		SourceUserID:  tx.SourceUserID,
		BeneficiaryID: tx.BeneficiaryID,
		Tier:          tx.Tier,
		BaseAmount:    tx.BaseAmount,
		Attempt:       tx.RetryCount,
	}
	return rs.Queue.Enqueue(ctx, job, time.Time{})
}

// =============================================================================
// CHAIN REPAIR
// =============================================================================

// RepairAction describes what RepairChain did.
type RepairAction string

const (
	RepairNone      RepairAction = "none"
	RepairTruncated RepairAction = "truncated"
	RepairFlagged   RepairAction = "flagged"
)

// RepairReport summarizes a chain repair run.
type RepairReport struct {
	UserID    UserID
	Walked    Chain
	Violation string // "" | "cycle" | "max_depth"
	Action    RepairAction
	// RevokedEdgeOf is set when a cycle was truncated: the user whose
	// outgoing edge was revoked to break it.
	RevokedEdgeOf UserID
}

// RepairChain walks a user's raw edges (bypassing the cache and the
// resolver's depth truncation) looking for invariant violations:
//   - A cycle is truncated by revoking the edge that closes it.
//   - A chain longer than MaxDepth is flagged for manual repair; excess
//     edges may be legitimate history and are not auto-revoked.
//
// Earned reward transactions are never touched. The chain cache is
// cleared after a truncation since arbitrary descendants may be affected.
func (rs *RecoveryService) RepairChain(ctx context.Context, userID UserID) (RepairReport, error) {
	report := RepairReport{UserID: userID, Action: RepairNone}
	edges := rs.Resolver.Edges
	maxDepth := rs.Resolver.Tiers.MaxDepth

	visited := map[UserID]bool{userID: true}
	current := userID

	// Walk one step past the depth bound to detect both violation kinds.
	for depth := 0; depth <= maxDepth; depth++ {
		edge, err := edges.GetReferrer(ctx, current)
		if err != nil {
			return report, fmt.Errorf("repair chain for %s: %w", userID, err)
		}
		if edge == nil || edge.Status != EdgeActive {
			return report, nil
		}

		if visited[edge.ReferrerID] {
			report.Violation = "cycle"
			report.Action = RepairTruncated
			report.RevokedEdgeOf = current
			if err := edges.RevokeEdge(ctx, current); err != nil {
				return report, fmt.Errorf("revoke cycle edge of %s: %w", current, err)
			}
			rs.Resolver.InvalidateAll()
			return report, nil
		}

		if depth == maxDepth {
			report.Violation = "max_depth"
			report.Action = RepairFlagged
			return report, nil
		}

		visited[edge.ReferrerID] = true
		report.Walked = append(report.Walked, edge.ReferrerID)
		current = edge.ReferrerID
	}

	return report, nil
}
