package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewingflow/auth"
	"viewingflow/engagement"
	"viewingflow/engine"
	"viewingflow/ledger"
	"viewingflow/payment"
	"viewingflow/store/memstore"
)

const callbackSecret = "provider-shared-secret"

type apiFixture struct {
	t       *testing.T
	handler http.Handler
	tokens  *auth.TokenVerifier
	pay     *payment.Sandbox
	now     time.Time
}

func newAPIFixture(t *testing.T, health func(context.Context) error) *apiFixture {
	t.Helper()
	f := &apiFixture{
		t:   t,
		pay: payment.NewSandbox(),
		now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	var seq atomic.Int64
	gen := func() string { return fmt.Sprintf("id-%04d", seq.Add(1)) }

	st := memstore.New()
	svc := engine.NewService(st, f.pay, engine.DefaultPolicy()).WithClock(clock).WithIDGenerator(gen)
	gate := engine.NewGate(st).WithClock(clock).WithIDGenerator(gen)
	f.tokens = auth.NewTokenVerifier("test-secret", "viewingflow").WithClock(clock)

	hash, err := auth.HashSecret(callbackSecret)
	require.NoError(t, err)

	f.handler = New(Options{
		Service:   svc,
		Gate:      gate,
		Tokens:    f.tokens,
		Callbacks: auth.NewCallbackVerifier(hash),
		Health:    health,
	}).Handler()
	return f
}

func (f *apiFixture) token(userID string, role auth.Role) string {
	f.t.Helper()
	tok, err := f.tokens.IssueToken(auth.Principal{UserID: userID, Role: role})
	require.NoError(f.t, err)
	return tok
}

func (f *apiFixture) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// accepted registers a bid as the agent and accepts it as the requester.
func (f *apiFixture) accepted(demandID string) engagementView {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/bids", f.token("agent-1", auth.RoleAgent), map[string]any{
		"demand_id":    demandID,
		"requester_id": "req-1",
		"property_id":  "prop-1",
		"amount":       10_000,
		"slot_at":      f.now.Add(24 * time.Hour).Format(time.RFC3339),
		"slot_place":   "12 Harbour Rd",
	})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[bidView](f.t, rec)
	assert.Equal(f.t, "agent-1", b.AgentID)

	rec = f.do(http.MethodPost, "/api/demands/"+demandID+"/bids/"+b.ID+"/accept", f.token("req-1", auth.RoleRequester), nil)
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[engagementView](f.t, rec)
}

func (f *apiFixture) fund(walletID string, amount int64) {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/wallets/"+walletID+"/deposits", f.token("ops", auth.RoleAdmin), map[string]any{
		"amount": amount,
		"ref":    "seed-" + walletID,
	})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHappyPathOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)
	requester := f.token("req-1", auth.RoleRequester)
	agent := f.token("agent-1", auth.RoleAgent)

	f.fund("req-1", 10_000)
	e := f.accepted("demand-1")
	assert.Equal(t, string(engagement.StatusPendingPayment), e.Status)

	rec := f.do(http.MethodPost, "/api/engagements/"+e.ID+"/pay", requester, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decode[payResponse](t, rec)
	assert.Equal(t, string(engagement.StatusConfirmed), paid.Engagement.Status)
	assert.Empty(t, paid.CollectionRef)

	for _, tok := range []string{requester, agent} {
		rec = f.do(http.MethodPost, "/api/engagements/"+e.ID+"/arrival", tok, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, string(engagement.StatusMeetingInProgress), decode[engagementView](t, rec).Status)

	rec = f.do(http.MethodPost, "/api/engagements/"+e.ID+"/outcome", requester, map[string]any{
		"verdict":  "COMPLETED_SATISFIED",
		"feedback": "great flat",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[outcomeResponse](t, rec)
	assert.Equal(t, string(engagement.StatusCompleted), out.Engagement.Status)
	assert.Nil(t, out.Dispute)

	rec = f.do(http.MethodGet, "/api/wallets/me", agent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(9_500), decode[walletView](t, rec).Available)

	rec = f.do(http.MethodGet, "/api/engagements/"+e.ID, requester, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode[detailsView](t, rec)
	assert.Equal(t, int64(0), details.EscrowHeld)
	assert.Equal(t, "great flat", details.Engagement.OutcomeFeedback)

	rec = f.do(http.MethodGet, "/api/engagements", agent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items []engagementView `json:"items"`
		Total int              `json:"total"`
	}](t, rec)
	assert.Equal(t, 1, list.Total)

	rec = f.do(http.MethodGet, "/api/wallets/me/transactions", f.token("req-1", auth.RoleRequester), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Items []transactionView `json:"items"`
	}](t, rec)
	assert.NotEmpty(t, history.Items)
}

func TestAuthentication(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/wallets/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/wallets/me", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other := auth.NewTokenVerifier("other-secret", "viewingflow")
	forged, err := other.IssueToken(auth.Principal{UserID: "req-1", Role: auth.RoleAdmin})
	require.NoError(t, err)
	rec = f.do(http.MethodGet, "/api/wallets/me", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/wallets/me", f.token("req-1", auth.RoleRequester), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAdminOnlyRoutes(t *testing.T) {
	f := newAPIFixture(t, nil)
	requester := f.token("req-1", auth.RoleRequester)

	rec := f.do(http.MethodPost, "/api/wallets/req-1/deposits", requester, map[string]any{"amount": 100})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/disputes/d-1/resolve", requester, map[string]any{"resolution": "SPLIT"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/engagements/e-1/auto-release", f.token("agent-1", auth.RoleAgent), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/disputes/missing/resolve", f.token("ops", auth.RoleAdmin), map[string]any{"resolution": "SPLIT"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBidRegistrationRules(t *testing.T) {
	f := newAPIFixture(t, nil)
	body := map[string]any{
		"demand_id":    "demand-1",
		"requester_id": "req-1",
		"agent_id":     "agent-2",
		"property_id":  "prop-1",
		"amount":       10_000,
		"slot_at":      f.now.Add(time.Hour).Format(time.RFC3339),
	}

	rec := f.do(http.MethodPost, "/api/bids", f.token("agent-1", auth.RoleAgent), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/bids", f.token("req-1", auth.RoleRequester), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	body["slot_at"] = "tomorrow"
	rec = f.do(http.MethodPost, "/api/bids", f.token("ops", auth.RoleAdmin), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body["slot_at"] = f.now.Add(time.Hour).Format(time.RFC3339)
	body["amount"] = 0
	rec = f.do(http.MethodPost, "/api/bids", f.token("ops", auth.RoleAdmin), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[errorResponse](t, rec).Kind)
}

func TestSecondAcceptConflicts(t *testing.T) {
	f := newAPIFixture(t, nil)
	e := f.accepted("demand-1")

	rec := f.do(http.MethodPost, "/api/demands/demand-1/bids/"+e.BidID+"/accept", f.token("req-1", auth.RoleRequester), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	f := newAPIFixture(t, nil)
	e := f.accepted("demand-1")
	requester := f.token("req-1", auth.RoleRequester)

	rec := f.do(http.MethodPost, "/api/engagements/missing/pay", requester, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/api/engagements/"+e.ID+"/pay", f.token("agent-1", auth.RoleAgent), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/api/engagements/"+e.ID, f.token("stranger", auth.RoleRequester), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/wallets/me/withdrawals", requester, map[string]any{"amount": 500})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodPost, "/api/engagements/"+e.ID+"/arrival", requester, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/engagements/"+e.ID+"/reschedule", requester, map[string]any{"at": "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/engagements/"+e.ID+"/cancel", requester, map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentProviderFailureIsBadGateway(t *testing.T) {
	f := newAPIFixture(t, nil)
	e := f.accepted("demand-1")
	f.pay.FailNext(payment.ErrRejected)

	rec := f.do(http.MethodPost, "/api/engagements/"+e.ID+"/pay", f.token("req-1", auth.RoleRequester), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "external", decode[errorResponse](t, rec).Kind)
}

func TestCollectionCallbackConfirmsEngagement(t *testing.T) {
	f := newAPIFixture(t, nil)
	e := f.accepted("demand-1")

	rec := f.do(http.MethodPost, "/api/engagements/"+e.ID+"/pay", f.token("req-1", auth.RoleRequester), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	paid := decode[payResponse](t, rec)
	require.NotEmpty(t, paid.CollectionRef)
	assert.Equal(t, int64(10_000), paid.Shortfall)

	body := map[string]any{"ref": paid.CollectionRef, "success": true}
	rec = f.do(http.MethodPost, "/callbacks/collection", "", body, "X-Callback-Secret", "wrong-secret-value")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/callbacks/collection", "", body, "X-Callback-Secret", callbackSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[collectionResponse](t, rec)
	assert.True(t, res.Confirmed)
	require.NotNil(t, res.Engagement)
	assert.Equal(t, string(engagement.StatusConfirmed), res.Engagement.Status)

	rec = f.do(http.MethodPost, "/callbacks/collection", "", body, "X-Callback-Secret", callbackSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[collectionResponse](t, rec).Replayed)
}

func TestWithdrawalAndPayoutCallback(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.fund("agent-1", 3_000)
	agent := f.token("agent-1", auth.RoleAgent)

	rec := f.do(http.MethodPost, "/api/wallets/me/withdrawals", agent, map[string]any{"amount": 1_000})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	tx := decode[transactionView](t, rec)
	assert.Equal(t, string(ledger.TxPending), tx.Status)

	rec = f.do(http.MethodPost, "/callbacks/payout", "", map[string]any{"ref": tx.ExternalRef, "success": true}, "X-Callback-Secret", callbackSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(ledger.TxComplete), decode[payoutResponse](t, rec).Transaction.Status)

	rec = f.do(http.MethodGet, "/api/wallets/me", agent, nil)
	w := decode[walletView](t, rec)
	assert.Equal(t, int64(2_000), w.Available)
	assert.Equal(t, int64(0), w.Pending)
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)
	requester := f.token("req-1", auth.RoleRequester)
	agent := f.token("agent-1", auth.RoleAgent)
	admin := f.token("ops", auth.RoleAdmin)

	f.fund("req-1", 10_000)
	e := f.accepted("demand-1")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/engagements/"+e.ID+"/pay", requester, nil).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/engagements/"+e.ID+"/arrival", requester, nil).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/engagements/"+e.ID+"/arrival", agent, nil).Code)

	rec := f.do(http.MethodPost, "/api/engagements/"+e.ID+"/outcome", requester, map[string]any{
		"verdict":       "ISSUE_REPORTED",
		"feedback":      "kitchen missing",
		"evidence_refs": []string{"photo-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[outcomeResponse](t, rec)
	require.NotNil(t, out.Dispute)
	disputeID := out.Dispute.ID

	rec = f.do(http.MethodGet, "/api/disputes/"+disputeID, f.token("stranger", auth.RoleAgent), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/disputes/"+disputeID+"/respond", agent, map[string]any{"text": "it was there"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/disputes/"+disputeID+"/escalate", requester, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[disputeView](t, rec).UnderReview)

	rec = f.do(http.MethodPost, "/api/disputes/"+disputeID+"/resolve", admin, map[string]any{
		"resolution":      "SPLIT",
		"agent_share_bps": 4_000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decode[disputeView](t, rec)
	assert.Equal(t, "RESOLVED", resolved.Status)
	assert.Equal(t, "ops", resolved.ResolvedBy)

	rec = f.do(http.MethodGet, "/api/disputes/"+disputeID, requester, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/engagements/"+e.ID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode[detailsView](t, rec)
	assert.Equal(t, int64(0), details.EscrowHeld)
	require.Len(t, details.Disputes, 1)
}

func TestRescheduleOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)
	requester := f.token("req-1", auth.RoleRequester)
	agent := f.token("agent-1", auth.RoleAgent)

	f.fund("req-1", 10_000)
	e := f.accepted("demand-1")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/engagements/"+e.ID+"/pay", requester, nil).Code)

	slot := map[string]any{"at": f.now.Add(48 * time.Hour).Format(time.RFC3339), "place": "Office"}
	rec := f.do(http.MethodPost, "/api/engagements/"+e.ID+"/reschedule", requester, slot)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/engagements/"+e.ID+"/reschedule", agent, slot)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/engagements/"+e.ID+"/reschedule/accept", agent, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ACCEPTED", decode[rescheduleView](t, rec).Status)

	rec = f.do(http.MethodGet, "/api/engagements/"+e.ID, agent, nil)
	details := decode[detailsView](t, rec)
	assert.Equal(t, "Office", details.Engagement.Slot.Place)
	assert.Len(t, details.Reschedules, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, nil)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", nil).Code)

	rec := f.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))

	down := newAPIFixture(t, func(context.Context) error { return errors.New("db down") })
	assert.Equal(t, http.StatusServiceUnavailable, down.do(http.MethodGet, "/healthz", "", nil).Code)
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	writeError(rec, req, fmt.Errorf("pgstore: connection reset"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, errorResponse{Error: "internal error", Kind: "internal"}, decode[errorResponse](t, rec))

	rec = httptest.NewRecorder()
	writeError(rec, req, fmt.Errorf("engine: pay: %w", ledger.ErrInsufficientFunds))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
