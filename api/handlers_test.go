package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/api"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	Router      http.Handler
	Queue       *store.MemoryQueue
	Distributor *referral.Distributor
}

func newTestServer() *testServer {
	edges := store.NewMemoryEdges()
	ledger := referral.NewLedger(store.NewMemoryLedger())
	queue := store.NewMemoryQueue()
	tiers := referral.DefaultTierTable()

	resolver := referral.NewCachedResolver(edges, tiers, time.Minute)
	d := referral.NewDistributor(resolver, ledger, queue, tiers, time.Minute)
	recovery := referral.NewRecoveryService(ledger, queue, resolver)

	h := api.NewHandler(d, resolver, ledger, recovery)
	return &testServer{
		Router:      api.NewRouter(h),
		Queue:       queue,
		Distributor: d,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

// drain processes every queued job synchronously.
func (s *testServer) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		d, err := s.Queue.Dequeue(ctx, 0)
		require.NoError(t, err)
		if d == nil {
			return
		}
		require.NoError(t, s.Distributor.ApplyReward(ctx, d.Job))
		require.NoError(t, s.Queue.Ack(ctx, *d))
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

// =============================================================================
// REFERRAL REGISTRATION
// =============================================================================

func TestAPI_CreateReferral_ByReferrerID(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/referrals", api.CreateReferralRequest{
		UserID:     "bob",
		ReferrerID: "alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	chain := decode[api.ChainDTO](t, rec)
	require.Len(t, chain.Chain, 1)
	assert.Equal(t, "alice", chain.Chain[0].UserID)
	assert.Equal(t, 1, chain.Chain[0].Tier)
}

func TestAPI_CreateReferral_SelfReferralRejected(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/referrals", api.CreateReferralRequest{
		UserID:     "alice",
		ReferrerID: "alice",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_CreateReferral_CycleRejected(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/referrals", api.CreateReferralRequest{UserID: "bob", ReferrerID: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/referrals", api.CreateReferralRequest{UserID: "alice", ReferrerID: "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_CreateReferral_RequiresExactlyOneReferrerField(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/referrals", api.CreateReferralRequest{UserID: "bob"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/referrals", api.CreateReferralRequest{
		UserID: "bob", ReferrerID: "alice", Code: "REF-XXXX",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_CreateReferral_ByCode(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/users/alice/code", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	issued := decode[api.ReferralCodeDTO](t, rec)
	require.NotEmpty(t, issued.Code)

	rec = s.do(t, http.MethodPost, "/api/referrals", api.CreateReferralRequest{
		UserID: "bob",
		Code:   issued.Code,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	chain := decode[api.ChainDTO](t, rec)
	require.Len(t, chain.Chain, 1)
	assert.Equal(t, "alice", chain.Chain[0].UserID)
}

func TestAPI_CreateReferral_UnknownCodeIs404(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/referrals", api.CreateReferralRequest{
		UserID: "bob",
		Code:   "REF-NOBODY",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_RevokeReferral(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/referrals", api.CreateReferralRequest{UserID: "bob", ReferrerID: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/referrals/bob", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/users/bob/chain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chain := decode[api.ChainDTO](t, rec)
	assert.Empty(t, chain.Chain)
}

// =============================================================================
// EVENTS AND STATS
// =============================================================================

func TestAPI_IngestEvent_FansOutAndCredits(t *testing.T) {
	s := newTestServer()

	for _, link := range [][2]string{{"dave", "carol"}, {"carol", "bob"}, {"bob", "alice"}} {
		rec := s.do(t, http.MethodPost, "/api/referrals", api.CreateReferralRequest{
			UserID: link[0], ReferrerID: link[1],
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodPost, "/api/events", api.RewardEventRequest{
		EventID:    "ev-1",
		UserID:     "dave",
		BaseAmount: "100",
		EventType:  "purchase",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[api.RewardEventResponse](t, rec)
	assert.Equal(t, 3, resp.Transactions)

	s.drain(t)

	rec = s.do(t, http.MethodGet, "/api/users/carol/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[api.StatsDTO](t, rec)
	assert.Equal(t, "10.00", stats.TotalEarned)
	assert.Equal(t, 1, stats.TierCounts["tier_1"])
	assert.Equal(t, 1, stats.DirectReferrals)

	rec = s.do(t, http.MethodGet, "/api/events/ev-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]api.TransactionDTO](t, rec)
	require.Len(t, txs, 3)
	for _, tx := range txs {
		assert.Equal(t, string(referral.StatusCompleted), tx.Status)
	}
}

func TestAPI_IngestEvent_InvalidBaseAmount(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/events", api.RewardEventRequest{
		EventID:    "ev-1",
		UserID:     "dave",
		BaseAmount: "not-a-number",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_IngestEvent_NonPositiveAmountRejected(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/events", api.RewardEventRequest{
		EventID:    "ev-1",
		UserID:     "dave",
		BaseAmount: "-10",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_GetStats_UnknownUserIsZero(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodGet, "/api/users/nobody/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decode[api.StatsDTO](t, rec)
	assert.Equal(t, "0.00", stats.TotalEarned)
	assert.Empty(t, stats.TierCounts)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAPI_DeadLetters_EmptyList(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodGet, "/api/admin/deadletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	txs := decode[[]api.TransactionDTO](t, rec)
	assert.Empty(t, txs)
}

func TestAPI_RequeueDeadLetter_UnknownTransactionIs404(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/admin/deadletters/tx-missing/requeue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_RepairChain_HealthyChain(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/referrals", api.CreateReferralRequest{UserID: "bob", ReferrerID: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/repair/bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	report := decode[api.RepairReportDTO](t, rec)
	assert.Equal(t, "none", report.Action)
	assert.Empty(t, report.Violation)
}

func TestAPI_RebuildStats(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/api/referrals", api.CreateReferralRequest{UserID: "bob", ReferrerID: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/events", api.RewardEventRequest{
		EventID: "ev-1", UserID: "bob", BaseAmount: "100",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	s.drain(t)

	rec = s.do(t, http.MethodPost, "/api/admin/stats/alice/rebuild", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decode[api.StatsDTO](t, rec)
	assert.Equal(t, "10.00", stats.TotalEarned)
	assert.Equal(t, 1, stats.DirectReferrals)
}
