/*
handlers.go - HTTP API handlers for the referral reward engine

PURPOSE:
  Exposes the reward distribution engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/stats   Reward stats for a user
    GET    /api/users/{id}/chain   Resolved referrer chain
    POST   /api/users/{id}/code    Issue a referral code

  Referrals:
    POST   /api/referrals          Register a referral edge
    DELETE /api/referrals/{id}     Revoke a user's edge

  Events:
    POST   /api/events             Ingest a reward-triggering event
    GET    /api/events/{id}        Transactions fanned out from an event

  Admin:
    POST   /api/admin/repair/{id}             Run chain repair for a user
    POST   /api/admin/stats/{id}/rebuild      Rebuild stats from the ledger
    GET    /api/admin/deadletters             Inspect dead-lettered rewards
    POST   /api/admin/deadletters/{txid}/requeue  Requeue a dead letter
    POST   /api/admin/sweep                   Trigger a recovery sweep now

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (resolver, distributor, recovery)
  4. Map domain results/errors to DTOs and status codes

ERROR MAPPING:
  Validation sentinels (self-referral, cycle, depth, duplicate edge) map
  to 400/409; missing rows to 404; everything else to 500.

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Route wiring
  - referral/distributor.go: The engine behind these handlers
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// HANDLER
// =============================================================================

// Handler holds all dependencies for the HTTP layer.
type Handler struct {
	Distributor *referral.Distributor
	Resolver    *referral.Resolver
	Ledger      *referral.Ledger
	Recovery    *referral.RecoveryService
}

// NewHandler creates a new handler wired to the engine components.
func NewHandler(d *referral.Distributor, resolver *referral.Resolver, ledger *referral.Ledger, recovery *referral.RecoveryService) *Handler {
	return &Handler{
		Distributor: d,
		Resolver:    resolver,
		Ledger:      ledger,
		Recovery:    recovery,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetStats returns a user's reward aggregate.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	userID := referral.UserID(chi.URLParam(r, "id"))

	stats, err := h.Distributor.GetStats(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get stats", err)
		return
	}

	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

// GetChain returns a user's resolved referrer chain with derived tiers.
func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	userID := referral.UserID(chi.URLParam(r, "id"))

	chain, err := h.Resolver.ResolveChain(r.Context(), userID)
	if err != nil {
		if errors.Is(err, referral.ErrCircularReference) {
			writeError(w, http.StatusConflict, "Referral chain contains a cycle", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to resolve chain", err)
		return
	}

	writeJSON(w, http.StatusOK, toChainDTO(userID, chain))
}

// IssueCode generates and stores a referral code for a user.
func (h *Handler) IssueCode(w http.ResponseWriter, r *http.Request) {
	userID := referral.UserID(chi.URLParam(r, "id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "Missing user id", nil)
		return
	}

	code := newReferralCode()
	if err := h.Resolver.Edges.SaveCode(r.Context(), userID, code); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save code", err)
		return
	}

	writeJSON(w, http.StatusCreated, ReferralCodeDTO{
		UserID: string(userID),
		Code:   code,
	})
}

// newReferralCode returns a short human-shareable code.
func newReferralCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "REF-" + strings.ToUpper(raw[:8])
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

// CreateReferral registers a referral edge after validating it against
// the chain invariants.
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	if (req.ReferrerID == "") == (req.Code == "") {
		writeError(w, http.StatusBadRequest, "Provide exactly one of referrer_id or code", nil)
		return
	}

	referrerID := referral.UserID(req.ReferrerID)
	if req.Code != "" {
		owner, err := h.Resolver.Edges.LookupCode(r.Context(), req.Code)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to look up code", err)
			return
		}
		if owner == "" {
			writeError(w, http.StatusNotFound, "Unknown referral code", nil)
			return
		}
		referrerID = owner
	}

	err := h.Resolver.CreateEdge(r.Context(), referral.UserID(req.UserID), referrerID, req.Code)
	switch {
	case err == nil:
	case errors.Is(err, referral.ErrSelfReferral):
		writeError(w, http.StatusBadRequest, "Users cannot refer themselves", err)
		return
	case errors.Is(err, referral.ErrCircularReference):
		writeError(w, http.StatusConflict, "Referral relationship would create a cycle", err)
		return
	case errors.Is(err, referral.ErrMaxDepthExceeded):
		writeError(w, http.StatusConflict, "Referral chain would exceed the maximum depth", err)
		return
	case errors.Is(err, referral.ErrEdgeExists):
		writeError(w, http.StatusConflict, "User already has a referrer", err)
		return
	default:
		writeError(w, http.StatusInternalServerError, "Failed to create referral", err)
		return
	}

	chain, err := h.Resolver.ResolveChain(r.Context(), referral.UserID(req.UserID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve chain", err)
		return
	}
	writeJSON(w, http.StatusCreated, toChainDTO(referral.UserID(req.UserID), chain))
}

// RevokeReferral revokes a user's referral edge. Past rewards are kept;
// future events simply stop walking through this edge.
func (h *Handler) RevokeReferral(w http.ResponseWriter, r *http.Request) {
	userID := referral.UserID(chi.URLParam(r, "id"))

	if err := h.Resolver.RevokeEdge(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to revoke referral", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// IngestEvent accepts a reward-triggering event and fans it out to the
// distribution queue. Returns how many reward transactions were created.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req RewardEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.EventID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "event_id and user_id are required", nil)
		return
	}

	base, err := decimal.NewFromString(req.BaseAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid base_amount", err)
		return
	}

	ev := referral.Event{
		EventID:      referral.EventID(req.EventID),
		SourceUserID: referral.UserID(req.UserID),
		BaseAmount:   referral.Amount{Value: base},
		EventType:    req.EventType,
	}

	count, err := h.Distributor.EnqueueRewardEvent(r.Context(), ev)
	if err != nil {
		if errors.Is(err, referral.ErrPoisonJob) {
			writeError(w, http.StatusBadRequest, "Event failed validation", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to enqueue event", err)
		return
	}

	writeJSON(w, http.StatusAccepted, RewardEventResponse{
		EventID:      req.EventID,
		Transactions: count,
	})
}

// GetEventTransactions returns the ledger rows created for an event.
func (h *Handler) GetEventTransactions(w http.ResponseWriter, r *http.Request) {
	eventID := referral.EventID(chi.URLParam(r, "id"))

	txs, err := h.Ledger.Store.ListByEvent(r.Context(), eventID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RepairChain runs the chain repair pass for one user.
func (h *Handler) RepairChain(w http.ResponseWriter, r *http.Request) {
	userID := referral.UserID(chi.URLParam(r, "id"))

	report, err := h.Recovery.RepairChain(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Chain repair failed", err)
		return
	}

	writeJSON(w, http.StatusOK, toRepairReportDTO(report))
}

// RebuildStats recomputes a user's aggregate from COMPLETED ledger rows.
func (h *Handler) RebuildStats(w http.ResponseWriter, r *http.Request) {
	userID := referral.UserID(chi.URLParam(r, "id"))

	directReferrals := 0
	if counter, ok := h.Resolver.Edges.(referral.ReferralCounter); ok {
		n, err := counter.CountReferrals(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to count referrals", err)
			return
		}
		directReferrals = n
	}

	stats, err := h.Ledger.RebuildStats(r.Context(), userID, directReferrals)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to rebuild stats", err)
		return
	}

	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

// ListDeadLetters returns the rewards parked after exhausting retries.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Ledger.ListDeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list dead letters", err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// RequeueDeadLetter puts a dead-lettered reward back on the queue.
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	txID := referral.TransactionID(chi.URLParam(r, "txid"))

	err := h.Recovery.RequeueDeadLetter(r.Context(), txID)
	switch {
	case err == nil:
	case errors.Is(err, referral.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, "No dead-lettered transaction with that id", err)
		return
	default:
		writeError(w, http.StatusInternalServerError, "Failed to requeue", err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// TriggerSweep runs a recovery sweep immediately instead of waiting for
// the next scheduled tick.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	h.Recovery.Sweep(r.Context())
	w.WriteHeader(http.StatusAccepted)
}

// =============================================================================
// HELPERS
// =============================================================================

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a standard error response.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
