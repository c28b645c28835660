/*
distributor.go - Reward distribution: trigger path and worker pool

PURPOSE:
  Connects a triggering event to credited rewards:

    event -> resolve chain -> PENDING ledger row per tier -> queue job per
    tier -> worker dequeues -> ApplyReward (idempotent, atomic) -> stats
    credited, cache invalidated, RewardDistributed emitted

ENQUEUE GUARANTEE (at-least-once):
  For each tier the PENDING ledger row is written BEFORE the queue entry.
  A crash between the two leaves a PENDING row with no live job - a state
  the recovery sweep detects and repairs. Re-running the enqueue for an
  event is safe: existing rows are recognized and COMPLETED tiers are
  skipped.

WORKER POOL:
  A fixed number of goroutines consume the queue in parallel. No ordering
  is guaranteed across beneficiaries or tiers; every job is independently
  idempotent and additive, so none is needed.

FAILURE HANDLING AT THE WORKER BOUNDARY:
  - Benign duplicate (redelivery of a completed credit): Ack, no-op
  - Poison (malformed job, dead-lettered row): mark DEAD_LETTER, Ack
  - Anything else: mark FAILED with incremented retry count, Nack; the
    recovery service governs redelivery with backoff

SEE ALSO:
  - recovery.go: Retry/backoff state machine and sweeps
  - ledger.go: CompleteAndCredit atomicity contract
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// =============================================================================
// DISTRIBUTOR
// =============================================================================

// Distributor owns the trigger path and the worker pool.
type Distributor struct {
	Resolver *Resolver
	Ledger   *Ledger
	Queue    Queue
	Tiers    TierTable

	// Workers is the pool size. Default 4.
	Workers int
	// PollWait bounds how long a worker blocks on an empty queue before
	// rechecking for shutdown. Default 1s.
	PollWait time.Duration
	// NackDelay parks a failed job before the queue redelivers it. The
	// recovery service usually re-enqueues with backoff first. Default 1m.
	NackDelay time.Duration

	statsCache *StatsCache

	mu        sync.Mutex
	listeners []Listener
	stop      chan struct{}
	wg        sync.WaitGroup
	running   bool
}

// NewDistributor creates a distributor with default pool settings and a
// stats cache with the given TTL.
func NewDistributor(resolver *Resolver, ledger *Ledger, queue Queue, tiers TierTable, statsTTL time.Duration) *Distributor {
	return &Distributor{
		Resolver:   resolver,
		Ledger:     ledger,
		Queue:      queue,
		Tiers:      tiers,
		Workers:    4,
		PollWait:   time.Second,
		NackDelay:  time.Minute,
		statsCache: NewStatsCache(statsTTL),
	}
}

// Subscribe registers a listener for RewardDistributed events.
func (d *Distributor) Subscribe(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *Distributor) emit(ev RewardDistributed) {
	d.mu.Lock()
	listeners := make([]Listener, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// =============================================================================
// TRIGGER PATH
// =============================================================================

// EnqueueRewardEvent resolves the source user's chain and enqueues one
// durable job per chain tier. Returns the number of jobs enqueued. Calling
// it again for the same event completes any missing tiers and skips
// completed ones.
func (d *Distributor) EnqueueRewardEvent(ctx context.Context, ev Event) (int, error) {
	if ev.EventID == "" || ev.SourceUserID == "" {
		return 0, fmt.Errorf("%w: missing event or source user id", ErrPoisonJob)
	}
	if !ev.BaseAmount.IsPositive() {
		return 0, fmt.Errorf("%w: base amount must be positive", ErrPoisonJob)
	}

	chain, err := d.Resolver.ResolveChain(ctx, ev.SourceUserID)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for i, beneficiary := range chain {
		tier := i + 1

		tx, created, err := d.Ledger.CreatePending(ctx, ev, beneficiary, tier)
		if err != nil {
			return enqueued, fmt.Errorf("create pending row for %s tier %d: %w", beneficiary, tier, err)
		}
		if !created && tx.Status == StatusCompleted {
			continue // already credited, nothing to enqueue
		}
		if !created && tx.Status == StatusDeadLetter {
			continue // operator territory, never auto-revive
		}

		job := Job{
			EventID:       ev.EventID,
			SourceUserID:  ev.SourceUserID,
			BeneficiaryID: beneficiary,
			Tier:          tier,
			BaseAmount:    ev.BaseAmount,
			Attempt:       tx.RetryCount,
		}
		if err := d.Queue.Enqueue(ctx, job, time.Time{}); err != nil {
			// The PENDING row survives; the recovery sweep re-enqueues it.
			return enqueued, fmt.Errorf("enqueue tier %d: %w", tier, err)
		}
		enqueued++
	}

	return enqueued, nil
}

// =============================================================================
// WORKER POOL
// =============================================================================

// Start launches the worker pool.
func (d *Distributor) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})

	for i := 0; i < d.Workers; i++ {
		d.wg.Add(1)
		go d.runWorker(i)
	}
	log.Printf("[Workers] Started %d workers (poll wait %v)", d.Workers, d.PollWait)
}

// Stop shuts the pool down and waits for in-flight jobs to finish.
func (d *Distributor) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()
	log.Println("[Workers] Stopped")
}

func (d *Distributor) runWorker(id int) {
	defer d.wg.Done()

	ctx := context.Background()
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		delivery, err := d.Queue.Dequeue(ctx, d.PollWait)
		if err != nil {
			log.Printf("[Workers] worker %d: dequeue: %v", id, err)
			continue
		}
		if delivery == nil {
			continue // poll timeout, recheck shutdown
		}

		d.processDelivery(ctx, *delivery)
	}
}

// processDelivery runs one job and settles its queue delivery according to
// the outcome.
func (d *Distributor) processDelivery(ctx context.Context, delivery Delivery) {
	job := delivery.Job
	err := d.ApplyReward(ctx, job)

	switch {
	case err == nil:
		if ackErr := d.Queue.Ack(ctx, delivery); ackErr != nil {
			log.Printf("[Workers] ack %s: %v", job.Key(), ackErr)
		}

	case IsPoison(err):
		d.deadLetterJob(ctx, job, err)
		if ackErr := d.Queue.Ack(ctx, delivery); ackErr != nil {
			log.Printf("[Workers] ack poison %s: %v", job.Key(), ackErr)
		}

	default:
		// Unknown or transient outcome: record the failure and keep the
		// delivery on the queue. Never ack an unknown outcome. The recovery
		// service governs the retry state machine and re-enqueues only if
		// this delivery is lost; idempotency makes redelivery safe.
		d.markFailed(ctx, job, err)
		if nackErr := d.Queue.Nack(ctx, delivery, time.Now().Add(d.NackDelay)); nackErr != nil {
			log.Printf("[Workers] nack %s: %v", job.Key(), nackErr)
		}
	}
}

func (d *Distributor) markFailed(ctx context.Context, job Job, cause error) {
	tx, err := d.Ledger.Store.Get(ctx, job.EventID, job.BeneficiaryID, job.Tier)
	if err != nil {
		log.Printf("[Workers] mark failed %s: %v", job.Key(), err)
		return
	}
	if tx.Status == StatusCompleted || tx.Status == StatusDeadLetter {
		return
	}
	if err := d.Ledger.Store.UpdateStatus(ctx, tx.ID, tx.Status, StatusFailed, tx.RetryCount+1, cause.Error()); err != nil {
		log.Printf("[Workers] mark failed %s: %v", job.Key(), err)
	}
}

func (d *Distributor) deadLetterJob(ctx context.Context, job Job, cause error) {
	tx, err := d.Ledger.Store.Get(ctx, job.EventID, job.BeneficiaryID, job.Tier)
	if err != nil {
		// No ledger row for a malformed job: nothing to record beyond logs.
		log.Printf("[Workers] poison job %s with no ledger row: %v", job.Key(), cause)
		return
	}
	if tx.Status == StatusCompleted || tx.Status == StatusDeadLetter {
		return
	}
	if err := d.Ledger.Store.UpdateStatus(ctx, tx.ID, tx.Status, StatusDeadLetter, tx.RetryCount, cause.Error()); err != nil {
		log.Printf("[Workers] dead-letter %s: %v", job.Key(), err)
	}
}

// =============================================================================
// APPLY REWARD - The idempotent unit of work
// =============================================================================

// ApplyReward credits one job. Safe under redelivery: a job whose
// transaction is already COMPLETED is a no-op. The credit itself (status
// flip + stats increment) is one atomic store operation; no partial credit
// is ever observable.
func (d *Distributor) ApplyReward(ctx context.Context, job Job) error {
	if job.EventID == "" || job.BeneficiaryID == "" {
		return fmt.Errorf("%w: missing ids in payload", ErrPoisonJob)
	}

	tx, err := d.Ledger.Store.Get(ctx, job.EventID, job.BeneficiaryID, job.Tier)
	if errors.Is(err, ErrTransactionNotFound) {
		// Enqueue always writes the row first; a job without one is forged
		// or corrupted.
		return fmt.Errorf("%w: no ledger row for %s", ErrPoisonJob, job.Key())
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	switch tx.Status {
	case StatusCompleted:
		return nil // already credited; redelivery is safe to discard
	case StatusDeadLetter:
		return fmt.Errorf("%w: transaction %s is dead-lettered", ErrPoisonJob, tx.ID)
	}

	reward, err := d.Tiers.ComputeReward(job.BaseAmount, job.Tier)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPoisonJob, err)
	}

	err = d.Ledger.Store.CompleteAndCredit(ctx, tx.ID, reward, time.Now().UTC())
	if errors.Is(err, ErrDuplicateTransaction) {
		return nil // concurrent worker won the race; exactly one credit stands
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	d.statsCache.Invalidate(job.BeneficiaryID)
	d.emit(RewardDistributed{
		BeneficiaryID: job.BeneficiaryID,
		Tier:          job.Tier,
		Amount:        reward,
		SourceEventID: job.EventID,
	})
	return nil
}

// =============================================================================
// READ SIDE - Exposed to collaborators
// =============================================================================

// GetStats returns a user's reward aggregate, cache-backed with
// TTL-bounded staleness.
func (d *Distributor) GetStats(ctx context.Context, userID UserID) (Stats, error) {
	if stats, ok := d.statsCache.Get(userID); ok {
		return stats, nil
	}

	stats, err := d.Ledger.Store.GetStats(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	if counter, ok := d.Resolver.Edges.(ReferralCounter); ok {
		n, err := counter.CountReferrals(ctx, userID)
		if err != nil {
			return Stats{}, err
		}
		stats.DirectReferrals = n
	}

	d.statsCache.Put(userID, stats)
	return stats, nil
}

// GetChain returns the resolved ancestor chain for chain-display features.
func (d *Distributor) GetChain(ctx context.Context, userID UserID) (Chain, error) {
	return d.Resolver.ResolveChain(ctx, userID)
}

// ReferralCounter is an optional EdgeStore capability: counting a user's
// direct (tier 1) referrals.
type ReferralCounter interface {
	CountReferrals(ctx context.Context, referrerID UserID) (int, error)
}
