/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - referral/types.go: Domain model these map from
*/
package api

import (
	"fmt"
	"time"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateReferralRequest registers a referral edge. Exactly one of
// ReferrerID or Code identifies the referrer.
type CreateReferralRequest struct {
	UserID     string `json:"user_id"`
	ReferrerID string `json:"referrer_id,omitempty"`
	Code       string `json:"code,omitempty"`
}

// RewardEventRequest ingests a reward-triggering event.
type RewardEventRequest struct {
	EventID    string `json:"event_id"`
	UserID     string `json:"user_id"`
	BaseAmount string `json:"base_amount"`
	EventType  string `json:"event_type,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ReferralCodeDTO is returned when a code is issued.
type ReferralCodeDTO struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

// ChainDTO shows a user's resolved referrer chain, nearest first.
type ChainDTO struct {
	UserID string     `json:"user_id"`
	Chain  []ChainHop `json:"chain"`
}

// ChainHop is one referrer in the chain with its derived tier.
type ChainHop struct {
	UserID string `json:"user_id"`
	Tier   int    `json:"tier"`
}

// StatsDTO is the per-user reward aggregate.
type StatsDTO struct {
	UserID          string            `json:"user_id"`
	TotalEarned     string            `json:"total_earned"`
	DirectReferrals int               `json:"direct_referrals"`
	TierCounts      map[string]int    `json:"tier_counts"`
	LastRewardAt    *time.Time        `json:"last_reward_at,omitempty"`
}

// RewardEventResponse reports how many reward transactions an event fanned
// out to. Zero is a valid outcome (user has no referrers).
type RewardEventResponse struct {
	EventID      string `json:"event_id"`
	Transactions int    `json:"transactions"`
}

// TransactionDTO is a ledger row in API responses.
type TransactionDTO struct {
	ID            string    `json:"id"`
	EventID       string    `json:"event_id"`
	SourceUserID  string    `json:"source_user_id"`
	BeneficiaryID string    `json:"beneficiary_id"`
	Tier          int       `json:"tier"`
	BaseAmount    string    `json:"base_amount"`
	RewardAmount  string    `json:"reward_amount,omitempty"`
	Status        string    `json:"status"`
	RetryCount    int       `json:"retry_count"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RepairReportDTO summarizes a chain repair run.
type RepairReportDTO struct {
	UserID        string   `json:"user_id"`
	Walked        []string `json:"walked"`
	Violation     string   `json:"violation,omitempty"`
	Action        string   `json:"action"`
	RevokedEdgeOf string   `json:"revoked_edge_of,omitempty"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toTransactionDTO(tx referral.RewardTransaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            string(tx.ID),
		EventID:       string(tx.EventID),
		SourceUserID:  string(tx.SourceUserID),
		BeneficiaryID: string(tx.BeneficiaryID),
		Tier:          tx.Tier,
		BaseAmount:    tx.BaseAmount.String(),
		Status:        string(tx.Status),
		RetryCount:    tx.RetryCount,
		LastError:     tx.LastError,
		CreatedAt:     tx.CreatedAt,
		UpdatedAt:     tx.UpdatedAt,
	}
	if tx.Status == referral.StatusCompleted {
		dto.RewardAmount = tx.RewardAmount.String()
	}
	return dto
}

func toTransactionDTOs(txs []referral.RewardTransaction) []TransactionDTO {
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	return dtos
}

func toStatsDTO(stats referral.Stats) StatsDTO {
	dto := StatsDTO{
		UserID:          string(stats.UserID),
		TotalEarned:     stats.TotalEarned.String(),
		DirectReferrals: stats.DirectReferrals,
		TierCounts:      make(map[string]int, len(stats.TierCounts)),
	}
	for tier, count := range stats.TierCounts {
		dto.TierCounts[tierLabel(tier)] = count
	}
	if !stats.LastRewardAt.IsZero() {
		t := stats.LastRewardAt
		dto.LastRewardAt = &t
	}
	return dto
}

func tierLabel(tier int) string {
	return fmt.Sprintf("tier_%d", tier)
}

func toChainDTO(userID referral.UserID, chain referral.Chain) ChainDTO {
	dto := ChainDTO{UserID: string(userID), Chain: make([]ChainHop, 0, len(chain))}
	for i, hop := range chain {
		dto.Chain = append(dto.Chain, ChainHop{UserID: string(hop), Tier: i + 1})
	}
	return dto
}

func toRepairReportDTO(report referral.RepairReport) RepairReportDTO {
	walked := make([]string, 0, len(report.Walked))
	for _, u := range report.Walked {
		walked = append(walked, string(u))
	}
	return RepairReportDTO{
		UserID:        string(report.UserID),
		Walked:        walked,
		Violation:     report.Violation,
		Action:        string(report.Action),
		RevokedEdgeOf: string(report.RevokedEdgeOf),
	}
}
