/*
Package sqlite provides a SQLite-backed implementation of the storage and
queue interfaces.

PURPOSE:
  Implements referral.EdgeStore, referral.LedgerStore, and referral.Queue
  using SQLite. In production the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

KEY TABLES:
  referral_edges:      One edge per referred user (the chain store)
  referral_codes:      Per-user referral codes
  reward_transactions: The ledger - one row per (event, beneficiary, tier)
  user_stats:          Derived aggregates, written only inside the credit tx
  reward_jobs:         The durable distribution queue (leased deliveries)

IDEMPOTENCY:
  UNIQUE(event_id, beneficiary_id, tier) on reward_transactions enforces
  the idempotency key at the database level. A second insert fails with
  referral.ErrDuplicateTransaction.

ATOMIC CREDIT:
  CompleteAndCredit runs the status flip and the stats upsert in one SQL
  transaction, so a beneficiary's stats reflect a reward transaction if
  and only if it is COMPLETED.

QUEUE SEMANTICS:
  Dequeue leases a row by stamping a receipt and a lease deadline. Ack
  deletes by receipt; Nack clears the receipt and sets a not-before time.
  An expired lease makes the row visible again, giving at-least-once
  delivery across worker crashes.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency
  and crash recovery.

USAGE:
  store, err := sqlite.New("./data/referrals.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - referral/ledger.go: LedgerStore contract
  - referral/queue.go: Queue contract
  - referral/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/referral-engine/referral"
)

// tsLayout is a fixed-width RFC3339 layout. Unlike RFC3339Nano it never
// trims trailing zeros, so stored timestamps compare correctly as strings
// in SQL (updated_at < ?, not_before <= ?).
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	// LeaseTimeout bounds how long a dequeued job stays invisible before
	// it becomes eligible for redelivery to another worker.
	LeaseTimeout time.Duration
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, LeaseTimeout: 30 * time.Second}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Referral edges (the chain store): one active edge per referred user
	CREATE TABLE IF NOT EXISTS referral_edges (
		referred_id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		code TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_edges_referrer
		ON referral_edges(referrer_id);

	-- Per-user referral codes
	CREATE TABLE IF NOT EXISTS referral_codes (
		code TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_codes_user
		ON referral_codes(user_id);

	-- Reward transactions (the ledger; rows are never deleted)
	CREATE TABLE IF NOT EXISTS reward_transactions (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		source_user_id TEXT NOT NULL,
		beneficiary_id TEXT NOT NULL,
		tier INTEGER NOT NULL,
		base_amount TEXT NOT NULL,
		reward_amount TEXT,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: the idempotency key. At most one row per
	-- (event, beneficiary, tier) tuple, enforced by the database.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_idempotency
		ON reward_transactions(event_id, beneficiary_id, tier);

	CREATE INDEX IF NOT EXISTS idx_tx_status_updated
		ON reward_transactions(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_tx_beneficiary
		ON reward_transactions(beneficiary_id, status);
	CREATE INDEX IF NOT EXISTS idx_tx_event
		ON reward_transactions(event_id);

	-- Derived per-user aggregates
	CREATE TABLE IF NOT EXISTS user_stats (
		user_id TEXT PRIMARY KEY,
		total_earned TEXT NOT NULL DEFAULT '0',
		tier_counts_json TEXT NOT NULL DEFAULT '{}',
		last_reward_at TEXT
	);

	-- Durable distribution queue
	CREATE TABLE IF NOT EXISTS reward_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		idempotency_key TEXT NOT NULL,
		event_id TEXT NOT NULL,
		source_user_id TEXT NOT NULL,
		beneficiary_id TEXT NOT NULL,
		tier INTEGER NOT NULL,
		base_amount TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		not_before TEXT,
		receipt TEXT,
		lease_ends TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_visible
		ON reward_jobs(not_before, lease_ends);
	CREATE INDEX IF NOT EXISTS idx_jobs_key
		ON reward_jobs(idempotency_key);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EDGE STORE (referral.EdgeStore interface)
// =============================================================================

// GetReferrer returns the active edge for a referred user, or nil.
func (s *Store) GetReferrer(ctx context.Context, userID referral.UserID) (*referral.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		edge      referral.Edge
		code      sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT referred_id, referrer_id, code, status, created_at
		 FROM referral_edges WHERE referred_id = ? AND status = 'active'`,
		userID,
	).Scan(&edge.ReferredID, &edge.ReferrerID, &code, &edge.Status, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referrer: %w", err)
	}

	edge.Code = code.String
	edge.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &edge, nil
}

// CreateEdge persists a referral edge. A revoked edge may be replaced;
// an active one may not.
func (s *Store) CreateEdge(ctx context.Context, edge referral.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO referral_edges (referred_id, referrer_id, code, status, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(referred_id) DO UPDATE SET
			referrer_id = excluded.referrer_id,
			code = excluded.code,
			status = excluded.status,
			created_at = excluded.created_at
		 WHERE referral_edges.status = 'revoked'`,
		edge.ReferredID, edge.ReferrerID, nullString(edge.Code), edge.Status,
		edge.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create edge: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return referral.ErrEdgeExists
	}
	return nil
}

// RevokeEdge marks a user's edge revoked. No-op if none exists.
func (s *Store) RevokeEdge(ctx context.Context, userID referral.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE referral_edges SET status = 'revoked' WHERE referred_id = ?`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke edge: %w", err)
	}
	return nil
}

// SaveCode records a user's referral code.
func (s *Store) SaveCode(ctx context.Context, userID referral.UserID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO referral_codes (code, user_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(code) DO NOTHING`,
		code, userID, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// LookupCode resolves a referral code to its owner. Empty if unknown.
func (s *Store) LookupCode(ctx context.Context, code string) (referral.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var userID referral.UserID
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM referral_codes WHERE code = ?`, code,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return userID, err
}

// CountReferrals counts a user's direct active referrals.
func (s *Store) CountReferrals(ctx context.Context, referrerID referral.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM referral_edges WHERE referrer_id = ? AND status = 'active'`,
		referrerID,
	).Scan(&count)
	return count, err
}

// =============================================================================
// LEDGER STORE (referral.LedgerStore interface)
// =============================================================================

// Insert persists a new reward transaction. The unique index on
// (event_id, beneficiary_id, tier) turns a duplicate insert into
// referral.ErrDuplicateTransaction.
func (s *Store) Insert(ctx context.Context, tx referral.RewardTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reward_transactions
		 (id, event_id, source_user_id, beneficiary_id, tier, base_amount,
		  reward_amount, status, retry_count, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.EventID, tx.SourceUserID, tx.BeneficiaryID, tx.Tier,
		tx.BaseAmount.Value.String(), nullString(rewardString(tx)),
		tx.Status, tx.RetryCount, nullString(tx.LastError),
		tx.CreatedAt.UTC().Format(tsLayout),
		tx.UpdatedAt.UTC().Format(tsLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return referral.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

const txColumns = `id, event_id, source_user_id, beneficiary_id, tier, base_amount,
	reward_amount, status, retry_count, last_error, created_at, updated_at`

// Get returns the transaction for an idempotency key.
func (s *Store) Get(ctx context.Context, eventID referral.EventID, beneficiaryID referral.UserID, tier int) (*referral.RewardTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM reward_transactions
		 WHERE event_id = ? AND beneficiary_id = ? AND tier = ?`,
		eventID, beneficiaryID, tier,
	)
	return scanTransactionRow(row)
}

// GetByID returns a transaction by its id.
func (s *Store) GetByID(ctx context.Context, id referral.TransactionID) (*referral.RewardTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM reward_transactions WHERE id = ?`, id,
	)
	return scanTransactionRow(row)
}

// ListByEvent returns all transactions created for a triggering event.
func (s *Store) ListByEvent(ctx context.Context, eventID referral.EventID) ([]referral.RewardTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM reward_transactions WHERE event_id = ? ORDER BY tier ASC`,
		eventID,
	)
}

// ListByStatus returns transactions in a status last updated before olderThan.
func (s *Store) ListByStatus(ctx context.Context, status referral.TxStatus, olderThan time.Time) ([]referral.RewardTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM reward_transactions
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC`,
		status, olderThan.UTC().Format(tsLayout),
	)
}

// ListCompletedBy returns a beneficiary's COMPLETED transactions.
func (s *Store) ListCompletedBy(ctx context.Context, beneficiaryID referral.UserID) ([]referral.RewardTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM reward_transactions
		 WHERE beneficiary_id = ? AND status = ?
		 ORDER BY updated_at ASC`,
		beneficiaryID, referral.StatusCompleted,
	)
}

// UpdateStatus transitions a transaction between states. The WHERE clause
// on the current status is the optimistic guard against racing workers.
func (s *Store) UpdateStatus(ctx context.Context, id referral.TransactionID, from, to referral.TxStatus, retryCount int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE reward_transactions
		 SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, retryCount, nullString(lastError),
		time.Now().UTC().Format(tsLayout), id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return referral.ErrTransactionNotFound
	}
	return nil
}

// CompleteAndCredit flips a transaction to COMPLETED and increments the
// beneficiary's stats in one SQL transaction.
func (s *Store) CompleteAndCredit(ctx context.Context, id referral.TransactionID, reward referral.Amount, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var (
		beneficiaryID referral.UserID
		tier          int
		status        referral.TxStatus
	)
	err = sqlTx.QueryRowContext(ctx,
		`SELECT beneficiary_id, tier, status FROM reward_transactions WHERE id = ?`, id,
	).Scan(&beneficiaryID, &tier, &status)
	if err == sql.ErrNoRows {
		return referral.ErrTransactionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load transaction: %w", err)
	}

	switch status {
	case referral.StatusCompleted:
		return referral.ErrDuplicateTransaction
	case referral.StatusDeadLetter:
		return referral.ErrPoisonJob
	}

	_, err = sqlTx.ExecContext(ctx,
		`UPDATE reward_transactions
		 SET status = ?, reward_amount = ?, updated_at = ?
		 WHERE id = ?`,
		referral.StatusCompleted, reward.Value.String(),
		at.UTC().Format(tsLayout), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete transaction: %w", err)
	}

	if err := creditStats(ctx, sqlTx, beneficiaryID, tier, reward, at); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// creditStats upserts the beneficiary's aggregate inside the credit tx.
func creditStats(ctx context.Context, sqlTx *sql.Tx, userID referral.UserID, tier int, reward referral.Amount, at time.Time) error {
	var (
		totalStr  string
		countsStr string
	)
	err := sqlTx.QueryRowContext(ctx,
		`SELECT total_earned, tier_counts_json FROM user_stats WHERE user_id = ?`, userID,
	).Scan(&totalStr, &countsStr)

	total := referral.ZeroAmount()
	counts := make(map[int]int)
	switch {
	case err == sql.ErrNoRows:
		// first reward for this user
	case err != nil:
		return fmt.Errorf("failed to load stats: %w", err)
	default:
		total = referral.MustParseAmount(totalStr)
		json.Unmarshal([]byte(countsStr), &counts)
	}

	total = total.Add(reward)
	counts[tier]++
	countsJSON, _ := json.Marshal(counts)

	_, err = sqlTx.ExecContext(ctx,
		`INSERT INTO user_stats (user_id, total_earned, tier_counts_json, last_reward_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			total_earned = excluded.total_earned,
			tier_counts_json = excluded.tier_counts_json,
			last_reward_at = excluded.last_reward_at`,
		userID, total.Value.String(), string(countsJSON),
		at.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to credit stats: %w", err)
	}
	return nil
}

// GetStats returns the persisted aggregate for a user.
func (s *Store) GetStats(ctx context.Context, userID referral.UserID) (referral.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := referral.NewStats(userID)

	var (
		totalStr     string
		countsStr    string
		lastRewardAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT total_earned, tier_counts_json, last_reward_at FROM user_stats WHERE user_id = ?`,
		userID,
	).Scan(&totalStr, &countsStr, &lastRewardAt)
	if err == sql.ErrNoRows {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("failed to get stats: %w", err)
	}

	stats.TotalEarned = referral.MustParseAmount(totalStr)
	json.Unmarshal([]byte(countsStr), &stats.TierCounts)
	if lastRewardAt.Valid {
		stats.LastRewardAt, _ = time.Parse(time.RFC3339Nano, lastRewardAt.String)
	}
	return stats, nil
}

// ReplaceStats overwrites a user's aggregate. Used by the stats rebuild.
func (s *Store) ReplaceStats(ctx context.Context, stats referral.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	countsJSON, _ := json.Marshal(stats.TierCounts)
	var lastRewardAt *string
	if !stats.LastRewardAt.IsZero() {
		t := stats.LastRewardAt.UTC().Format(tsLayout)
		lastRewardAt = &t
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_stats (user_id, total_earned, tier_counts_json, last_reward_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			total_earned = excluded.total_earned,
			tier_counts_json = excluded.tier_counts_json,
			last_reward_at = excluded.last_reward_at`,
		stats.UserID, stats.TotalEarned.Value.String(), string(countsJSON), lastRewardAt,
	)
	return err
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]referral.RewardTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []referral.RewardTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransactionRow(row *sql.Row) (*referral.RewardTransaction, error) {
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, referral.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func scanTransaction(row rowScanner) (referral.RewardTransaction, error) {
	var (
		tx           referral.RewardTransaction
		baseAmount   string
		rewardAmount sql.NullString
		lastError    sql.NullString
		createdAt    string
		updatedAt    string
	)

	err := row.Scan(
		&tx.ID, &tx.EventID, &tx.SourceUserID, &tx.BeneficiaryID, &tx.Tier,
		&baseAmount, &rewardAmount, &tx.Status, &tx.RetryCount, &lastError,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return tx, err
	}
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.BaseAmount = referral.MustParseAmount(baseAmount)
	if rewardAmount.Valid {
		tx.RewardAmount = referral.MustParseAmount(rewardAmount.String)
	}
	tx.LastError = lastError.String
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	tx.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return tx, nil
}

// =============================================================================
// DISTRIBUTION QUEUE (referral.Queue interface)
// =============================================================================

// Enqueue adds a durable job, visible from notBefore.
func (s *Store) Enqueue(ctx context.Context, job referral.Job, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var notBeforeStr *string
	if !notBefore.IsZero() {
		t := notBefore.UTC().Format(tsLayout)
		notBeforeStr = &t
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reward_jobs
		 (idempotency_key, event_id, source_user_id, beneficiary_id, tier,
		  base_amount, attempt, not_before, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Key(), job.EventID, job.SourceUserID, job.BeneficiaryID, job.Tier,
		job.BaseAmount.Value.String(), job.Attempt, notBeforeStr,
		time.Now().UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue leases the next visible job, polling until wait elapses.
// Returns (nil, nil) when no job became visible within the window.
func (s *Store) Dequeue(ctx context.Context, wait time.Duration) (*referral.Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		delivery, err := s.tryLease(ctx)
		if err != nil {
			return nil, err
		}
		if delivery != nil {
			return delivery, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		poll := 50 * time.Millisecond
		if remaining < poll {
			poll = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (s *Store) tryLease(ctx context.Context) (*referral.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(tsLayout)

	var (
		rowID      int64
		job        referral.Job
		baseAmount string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, event_id, source_user_id, beneficiary_id, tier, base_amount, attempt
		 FROM reward_jobs
		 WHERE (receipt IS NULL OR lease_ends < ?)
		   AND (not_before IS NULL OR not_before <= ?)
		 ORDER BY id ASC
		 LIMIT 1`,
		now, now,
	).Scan(&rowID, &job.EventID, &job.SourceUserID, &job.BeneficiaryID, &job.Tier, &baseAmount, &job.Attempt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	job.BaseAmount = referral.MustParseAmount(baseAmount)

	receipt := uuid.NewString()
	leaseEnds := time.Now().Add(s.LeaseTimeout).UTC().Format(tsLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE reward_jobs SET receipt = ?, lease_ends = ?
		 WHERE id = ? AND (receipt IS NULL OR lease_ends < ?)`,
		receipt, leaseEnds, rowID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, nil // lost the race to another process; poll again
	}

	return &referral.Delivery{Job: job, Receipt: receipt}, nil
}

// Ack removes a delivered job permanently.
func (s *Store) Ack(ctx context.Context, d referral.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reward_jobs WHERE receipt = ?`, d.Receipt,
	)
	return err
}

// Nack releases a delivered job for redelivery at notBefore.
func (s *Store) Nack(ctx context.Context, d referral.Delivery, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var notBeforeStr *string
	if !notBefore.IsZero() {
		t := notBefore.UTC().Format(tsLayout)
		notBeforeStr = &t
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE reward_jobs SET receipt = NULL, lease_ends = NULL, not_before = ?
		 WHERE receipt = ?`,
		notBeforeStr, d.Receipt,
	)
	return err
}

// Contains reports whether a live job exists for an idempotency key.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reward_jobs WHERE idempotency_key = ?`, key,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"reward_jobs", "reward_transactions", "user_stats", "referral_edges", "referral_codes"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func rewardString(tx referral.RewardTransaction) string {
	if tx.RewardAmount.Value.IsZero() && tx.Status != referral.StatusCompleted {
		return ""
	}
	return tx.RewardAmount.Value.String()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// Compile-time interface checks.
var (
	_ referral.EdgeStore       = (*Store)(nil)
	_ referral.ReferralCounter = (*Store)(nil)
	_ referral.LedgerStore     = (*Store)(nil)
	_ referral.Queue           = (*Store)(nil)
)
