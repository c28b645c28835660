// Package store provides in-memory implementations of the engine's
// storage and queue interfaces, for testing and development.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// MEMORY EDGE STORE
// =============================================================================

type MemoryEdges struct {
	mu    sync.RWMutex
	edges map[referral.UserID]referral.Edge
	codes map[string]referral.UserID
}

func NewMemoryEdges() *MemoryEdges {
	return &MemoryEdges{
		edges: make(map[referral.UserID]referral.Edge),
		codes: make(map[string]referral.UserID),
	}
}

func (m *MemoryEdges) GetReferrer(_ context.Context, userID referral.UserID) (*referral.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	edge, ok := m.edges[userID]
	if !ok || edge.Status != referral.EdgeActive {
		return nil, nil
	}
	return &edge, nil
}

func (m *MemoryEdges) CreateEdge(_ context.Context, edge referral.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.edges[edge.ReferredID]; ok && existing.Status == referral.EdgeActive {
		return referral.ErrEdgeExists
	}
	m.edges[edge.ReferredID] = edge
	return nil
}

func (m *MemoryEdges) RevokeEdge(_ context.Context, userID referral.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	edge, ok := m.edges[userID]
	if !ok {
		return nil
	}
	edge.Status = referral.EdgeRevoked
	m.edges[userID] = edge
	return nil
}

func (m *MemoryEdges) SaveCode(_ context.Context, userID referral.UserID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code] = userID
	return nil
}

func (m *MemoryEdges) LookupCode(_ context.Context, code string) (referral.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.codes[code], nil
}

func (m *MemoryEdges) CountReferrals(_ context.Context, referrerID referral.UserID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, edge := range m.edges {
		if edge.ReferrerID == referrerID && edge.Status == referral.EdgeActive {
			count++
		}
	}
	return count, nil
}

// SetEdge force-writes an edge, bypassing validation and the one-edge
// invariant. Only for corruption scenarios in tests.
func (m *MemoryEdges) SetEdge(edge referral.Edge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges[edge.ReferredID] = edge
}

// =============================================================================
// MEMORY LEDGER STORE
// =============================================================================

type MemoryLedger struct {
	mu    sync.RWMutex
	byKey map[string]*referral.RewardTransaction
	byID  map[referral.TransactionID]*referral.RewardTransaction
	stats map[referral.UserID]referral.Stats
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byKey: make(map[string]*referral.RewardTransaction),
		byID:  make(map[referral.TransactionID]*referral.RewardTransaction),
		stats: make(map[referral.UserID]referral.Stats),
	}
}

func (m *MemoryLedger) Insert(_ context.Context, tx referral.RewardTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tx.Key()
	if _, ok := m.byKey[key]; ok {
		return referral.ErrDuplicateTransaction
	}
	stored := tx
	m.byKey[key] = &stored
	m.byID[tx.ID] = &stored
	return nil
}

func (m *MemoryLedger) Get(_ context.Context, eventID referral.EventID, beneficiaryID referral.UserID, tier int) (*referral.RewardTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byKey[referral.IdempotencyKey(eventID, beneficiaryID, tier)]
	if !ok {
		return nil, referral.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryLedger) GetByID(_ context.Context, id referral.TransactionID) (*referral.RewardTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil, referral.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryLedger) ListByEvent(_ context.Context, eventID referral.EventID) ([]referral.RewardTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []referral.RewardTransaction
	for _, tx := range m.byKey {
		if tx.EventID == eventID {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (m *MemoryLedger) ListByStatus(_ context.Context, status referral.TxStatus, olderThan time.Time) ([]referral.RewardTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []referral.RewardTransaction
	for _, tx := range m.byKey {
		if tx.Status == status && tx.UpdatedAt.Before(olderThan) {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (m *MemoryLedger) ListCompletedBy(_ context.Context, beneficiaryID referral.UserID) ([]referral.RewardTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []referral.RewardTransaction
	for _, tx := range m.byKey {
		if tx.BeneficiaryID == beneficiaryID && tx.Status == referral.StatusCompleted {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (m *MemoryLedger) UpdateStatus(_ context.Context, id referral.TransactionID, from, to referral.TxStatus, retryCount int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[id]
	if !ok || tx.Status != from {
		return referral.ErrTransactionNotFound
	}
	tx.Status = to
	tx.RetryCount = retryCount
	tx.LastError = lastError
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryLedger) CompleteAndCredit(_ context.Context, id referral.TransactionID, reward referral.Amount, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[id]
	if !ok {
		return referral.ErrTransactionNotFound
	}
	if tx.Status == referral.StatusCompleted {
		return referral.ErrDuplicateTransaction
	}
	if tx.Status == referral.StatusDeadLetter {
		return referral.ErrPoisonJob
	}

	tx.Status = referral.StatusCompleted
	tx.RewardAmount = reward
	tx.UpdatedAt = at

	stats, ok := m.stats[tx.BeneficiaryID]
	if !ok {
		stats = referral.NewStats(tx.BeneficiaryID)
	}
	stats.TotalEarned = stats.TotalEarned.Add(reward)
	stats.TierCounts[tx.Tier]++
	stats.LastRewardAt = at
	m.stats[tx.BeneficiaryID] = stats
	return nil
}

func (m *MemoryLedger) GetStats(_ context.Context, userID referral.UserID) (referral.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.stats[userID]
	if !ok {
		return referral.NewStats(userID), nil
	}
	cp := stats
	cp.TierCounts = make(map[int]int, len(stats.TierCounts))
	for k, v := range stats.TierCounts {
		cp.TierCounts[k] = v
	}
	return cp, nil
}

func (m *MemoryLedger) ReplaceStats(_ context.Context, stats referral.Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[stats.UserID] = stats
	return nil
}

// =============================================================================
// MEMORY QUEUE
// =============================================================================

type queueItem struct {
	job       referral.Job
	notBefore time.Time
	receipt   string // non-empty while leased
	leaseEnds time.Time
}

// MemoryQueue is an at-least-once queue backed by a slice. Leased items
// become visible again after LeaseTimeout, matching the durable queue's
// crash semantics.
type MemoryQueue struct {
	mu           sync.Mutex
	items        []*queueItem
	wake         chan struct{}
	LeaseTimeout time.Duration
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		wake:         make(chan struct{}, 1),
		LeaseTimeout: 30 * time.Second,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job referral.Job, notBefore time.Time) error {
	q.mu.Lock()
	q.items = append(q.items, &queueItem{job: job, notBefore: notBefore})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (*referral.Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		if d := q.tryLease(); d != nil {
			return d, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		poll := 20 * time.Millisecond
		if remaining < poll {
			poll = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-time.After(poll):
		}
	}
}

func (q *MemoryQueue) tryLease() *referral.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, item := range q.items {
		if item.receipt != "" && now.Before(item.leaseEnds) {
			continue // leased
		}
		if now.Before(item.notBefore) {
			continue // delayed
		}
		item.receipt = uuid.NewString()
		item.leaseEnds = now.Add(q.LeaseTimeout)
		return &referral.Delivery{Job: item.job, Receipt: item.receipt}
	}
	return nil
}

func (q *MemoryQueue) Ack(_ context.Context, d referral.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.receipt == d.Receipt {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return nil // lease expired and job handed elsewhere; nothing to ack
}

func (q *MemoryQueue) Nack(_ context.Context, d referral.Delivery, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.receipt == d.Receipt {
			item.receipt = ""
			item.notBefore = notBefore
			break
		}
	}
	return nil
}

func (q *MemoryQueue) Contains(_ context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.job.Key() == key {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of live jobs (queued or leased).
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Compile-time interface checks.
var (
	_ referral.EdgeStore       = (*MemoryEdges)(nil)
	_ referral.ReferralCounter = (*MemoryEdges)(nil)
	_ referral.LedgerStore     = (*MemoryLedger)(nil)
	_ referral.Queue           = (*MemoryQueue)(nil)
)
