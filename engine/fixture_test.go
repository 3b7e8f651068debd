package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"viewingflow/bid"
	"viewingflow/engagement"
	"viewingflow/ledger"
	"viewingflow/payment"
	"viewingflow/store/memstore"
)

const (
	requesterID = "req-1"
	agentID     = "agent-1"
	otherAgent  = "agent-2"
	price       = int64(10_000)
)

type fixture struct {
	t     *testing.T
	st    *memstore.Store
	pay   *payment.Sandbox
	svc   *Service
	gate  *Gate
	mu    sync.Mutex
	now   time.Time
	seq   atomic.Int64
	start time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		st:    memstore.New(),
		pay:   payment.NewSandbox(),
		start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.now = f.start
	gen := func() string { return fmt.Sprintf("id-%04d", f.seq.Add(1)) }
	f.svc = NewService(f.st, f.pay, DefaultPolicy()).WithClock(f.clock).WithIDGenerator(gen)
	f.gate = NewGate(f.st).WithClock(f.clock).WithIDGenerator(gen)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) slotAt() time.Time {
	return f.start.Add(24 * time.Hour)
}

// accepted registers a bid and accepts it.
func (f *fixture) accepted() engagement.Engagement {
	f.t.Helper()
	ctx := context.Background()
	demand := fmt.Sprintf("demand-%d", f.seq.Add(1))
	b, err := f.gate.RegisterBid(ctx, bid.RegisterParams{
		DemandID:    demand,
		RequesterID: requesterID,
		AgentID:     agentID,
		PropertyID:  "prop-1",
		Amount:      price,
		SlotAt:      f.slotAt(),
		SlotPlace:   "12 Harbour Rd",
	})
	require.NoError(f.t, err)
	e, err := f.gate.AcceptBid(ctx, AcceptBidParams{DemandID: demand, BidID: b.ID, ActorID: requesterID})
	require.NoError(f.t, err)
	return e
}

// confirmed returns an engagement paid from a funded wallet.
func (f *fixture) confirmed() engagement.Engagement {
	f.t.Helper()
	ctx := context.Background()
	e := f.accepted()
	_, err := f.svc.Deposit(ctx, requesterID, price, "seed-"+e.ID)
	require.NoError(f.t, err)
	res, err := f.svc.Pay(ctx, e.ID, requesterID)
	require.NoError(f.t, err)
	require.Equal(f.t, engagement.StatusConfirmed, res.Engagement.Status)
	return res.Engagement
}

// inMeeting returns an engagement where both parties arrived on time.
func (f *fixture) inMeeting() engagement.Engagement {
	f.t.Helper()
	ctx := context.Background()
	e := f.confirmed()
	if f.clock().Before(f.slotAt()) {
		f.advance(f.slotAt().Sub(f.clock()))
	}
	_, err := f.svc.ConfirmArrival(ctx, e.ID, requesterID)
	require.NoError(f.t, err)
	e, err = f.svc.ConfirmArrival(ctx, e.ID, agentID)
	require.NoError(f.t, err)
	require.Equal(f.t, engagement.StatusMeetingInProgress, e.Status)
	return e
}

func (f *fixture) engagement(id string) engagement.Engagement {
	f.t.Helper()
	e, err := f.svc.Get(context.Background(), id)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) available(walletID string) int64 {
	f.t.Helper()
	w, err := f.svc.Balance(context.Background(), walletID)
	require.NoError(f.t, err)
	return w.Available
}

func (f *fixture) escrow(walletID string) int64 {
	f.t.Helper()
	w, err := f.svc.Balance(context.Background(), walletID)
	require.NoError(f.t, err)
	return w.Escrow
}

func (f *fixture) held(engagementID string) int64 {
	f.t.Helper()
	n, err := f.svc.EscrowHeld(context.Background(), engagementID)
	require.NoError(f.t, err)
	return n
}

// requireReconciled fails unless every wallet the tests touch matches the
// transactions recorded against it.
func (f *fixture) requireReconciled() {
	f.t.Helper()
	for _, id := range []string{requesterID, agentID, otherAgent, f.svc.Policy().PlatformWalletID} {
		rec, err := f.svc.Reconcile(context.Background(), id)
		require.NoError(f.t, err)
		require.NoError(f.t, rec.Err())
	}
}

func (f *fixture) history(walletID string) []ledger.Transaction {
	f.t.Helper()
	txs, err := f.svc.History(context.Background(), walletID, 0)
	require.NoError(f.t, err)
	return txs
}

func (f *fixture) pendingDeposits(engagementID string) int {
	n := 0
	for _, t := range f.st.Transactions() {
		if t.Type == ledger.TxDeposit && t.Status == ledger.TxPending &&
			t.RelatedEngagementID != nil && *t.RelatedEngagementID == engagementID {
			n++
		}
	}
	return n
}

// total sums every bucket of the wallets the tests touch.
func (f *fixture) total() int64 {
	f.t.Helper()
	var sum int64
	for _, id := range []string{requesterID, agentID, otherAgent, f.svc.Policy().PlatformWalletID} {
		w, err := f.svc.Balance(context.Background(), id)
		require.NoError(f.t, err)
		sum += w.Total()
	}
	return sum
}

func (f *fixture) topics() []string {
	var out []string
	for _, m := range f.st.Messages() {
		out = append(out, m.Topic)
	}
	return out
}

func (f *fixture) countTopic(topic string) int {
	n := 0
	for _, m := range f.st.Messages() {
		if m.Topic == topic {
			n++
		}
	}
	return n
}
