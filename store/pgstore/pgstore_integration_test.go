package pgstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"viewingflow/bid"
	"viewingflow/engagement"
	"viewingflow/engine"
	"viewingflow/ledger"
	"viewingflow/outbox"
	"viewingflow/payment"
	"viewingflow/store"
	"viewingflow/store/pgstore"
	"viewingflow/test/infra"
)

var harness *infra.Harness

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if os.Getenv("STRESS_TEST_PG_DSN") != "" || infra.DockerAvailable(ctx) {
		h, err := infra.NewHarness(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pgstore: postgres unavailable: %v\n", err)
		} else {
			harness = h
		}
	}
	cancel()

	code := m.Run()
	if harness != nil {
		harness.Close(context.Background())
	}
	os.Exit(code)
}

type pgFixture struct {
	st   *pgstore.Store
	svc  *engine.Service
	gate *engine.Gate
	mu   sync.Mutex
	now  time.Time
	seq  atomic.Int64
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	if harness == nil {
		t.Skip("postgres not available; set STRESS_TEST_PG_DSN or start docker")
	}
	require.NoError(t, harness.Reset(context.Background()))

	f := &pgFixture{
		st:  pgstore.New(harness.Pool()),
		now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	gen := func() string { return fmt.Sprintf("pg-%06d", f.seq.Add(1)) }
	f.svc = engine.NewService(f.st, payment.NewSandbox(), engine.DefaultPolicy()).WithClock(f.clock).WithIDGenerator(gen)
	f.gate = engine.NewGate(f.st).WithClock(f.clock).WithIDGenerator(gen)
	return f
}

func (f *pgFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *pgFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *pgFixture) register(t *testing.T, demandID, agentID string) bid.Bid {
	t.Helper()
	b, err := f.gate.RegisterBid(context.Background(), bid.RegisterParams{
		DemandID:    demandID,
		RequesterID: "req-1",
		AgentID:     agentID,
		PropertyID:  "prop-" + agentID,
		Amount:      10_000,
		SlotAt:      f.clock().Add(24 * time.Hour),
		SlotPlace:   "12 Harbour Rd",
	})
	require.NoError(t, err)
	return b
}

func TestLifecycleSettlesThroughPostgres(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	_, err := f.svc.Deposit(ctx, "req-1", 10_000, "bank-1")
	require.NoError(t, err)
	b := f.register(t, "demand-1", "agent-1")
	e, err := f.gate.AcceptBid(ctx, engine.AcceptBidParams{DemandID: "demand-1", BidID: b.ID, ActorID: "req-1"})
	require.NoError(t, err)

	paid, err := f.svc.Pay(ctx, e.ID, "req-1")
	require.NoError(t, err)
	assert.Equal(t, engagement.StatusConfirmed, paid.Engagement.Status)

	f.advance(24 * time.Hour)
	_, err = f.svc.ConfirmArrival(ctx, e.ID, "req-1")
	require.NoError(t, err)
	e, err = f.svc.ConfirmArrival(ctx, e.ID, "agent-1")
	require.NoError(t, err)
	require.Equal(t, engagement.StatusMeetingInProgress, e.Status)
	require.NotNil(t, e.AutoReleaseAt)

	due, err := f.svc.DueForRelease(ctx, f.clock().Add(72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	res, err := f.svc.SubmitOutcome(ctx, engine.SubmitOutcomeParams{
		EngagementID: e.ID,
		ActorID:      "req-1",
		Verdict:      engagement.OutcomeSatisfied,
	})
	require.NoError(t, err)
	assert.Equal(t, engagement.StatusCompleted, res.Engagement.Status)

	agent, err := f.svc.Balance(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9_500), agent.Available)
	platform, err := f.svc.Balance(ctx, ledger.DefaultFeeWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(500), platform.Available)
	held, err := f.svc.EscrowHeld(ctx, e.ID)
	require.NoError(t, err)
	assert.Zero(t, held)

	fees, err := f.svc.History(ctx, ledger.DefaultFeeWallet, 10)
	require.NoError(t, err)
	require.Len(t, fees, 1)
	assert.Equal(t, ledger.TxPlatformFee, fees[0].Type)
	assert.Equal(t, int64(500), fees[0].Amount)
	for _, id := range []string{"req-1", "agent-1", ledger.DefaultFeeWallet} {
		rec, err := f.svc.Reconcile(ctx, id)
		require.NoError(t, err)
		assert.NoError(t, rec.Err())
	}

	var topics []string
	n, err := f.st.Drain(ctx, 100, 3, func(_ context.Context, m outbox.Message) error {
		topics = append(topics, m.Topic)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(topics), n)
	assert.Contains(t, topics, outbox.TopicEngagementCreated)
	assert.Contains(t, topics, outbox.TopicMeetingConfirmed)
	assert.Contains(t, topics, outbox.TopicSettled)

	n, err = f.st.Drain(ctx, 100, 3, func(context.Context, outbox.Message) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentAcceptHasOneWinnerInPostgres(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	bids := make([]bid.Bid, 4)
	for i := range bids {
		bids[i] = f.register(t, "demand-race", fmt.Sprintf("agent-%d", i))
	}

	var wins, lost atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		b := bids[i%len(bids)]
		g.Go(func() error {
			_, err := f.gate.AcceptBid(gctx, engine.AcceptBidParams{DemandID: "demand-race", BidID: b.ID, ActorID: "req-1"})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, bid.ErrAlreadyAccepted):
				lost.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), lost.Load())

	var accepted int
	require.NoError(t, harness.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM bids WHERE demand_id = 'demand-race' AND status = 'ACCEPTED'`).Scan(&accepted))
	assert.Equal(t, 1, accepted)
}

func TestEscrowMovementRecordedOnce(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	engagementID := "eng-once"
	now := f.clock()

	insert := func(id string) error {
		return f.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.Ledger().GetWalletForUpdate(ctx, "req-1"); err != nil {
				return err
			}
			return tx.Ledger().InsertTransaction(ctx, ledger.Transaction{
				ID:                  id,
				WalletID:            "req-1",
				Type:                ledger.TxEscrowHold,
				Amount:              100,
				RelatedEngagementID: &engagementID,
				Status:              ledger.TxComplete,
				CreatedAt:           now,
				UpdatedAt:           now,
			})
		})
	}
	require.NoError(t, insert("tx-1"))
	assert.ErrorIs(t, insert("tx-2"), ledger.ErrDuplicateTx)
}

func TestWalletCannotGoNegative(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	err := f.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.Ledger().GetWalletForUpdate(ctx, "req-1")
		if err != nil {
			return err
		}
		w.Available = -1
		return tx.Ledger().SaveWallet(ctx, w)
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestStaleEngagementVersionIsRejected(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	b := f.register(t, "demand-v", "agent-1")
	e, err := f.gate.AcceptBid(ctx, engine.AcceptBidParams{DemandID: "demand-v", BidID: b.ID, ActorID: "req-1"})
	require.NoError(t, err)

	err = f.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		updated, err := tx.Engagements().Update(ctx, e)
		if err != nil {
			return err
		}
		assert.Equal(t, e.Version+1, updated.Version)
		_, err = tx.Engagements().Update(ctx, e)
		return err
	})
	assert.ErrorIs(t, err, engagement.ErrStaleVersion)

	err = f.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Engagements().Update(ctx, engagement.Engagement{ID: "missing"})
		return err
	})
	assert.ErrorIs(t, err, engagement.ErrNotFound)
}

func TestDrainMarksMessageDeadAfterMaxAttempts(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	require.NoError(t, f.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Outbox().Enqueue(ctx, outbox.TopicPaymentFailed, map[string]any{"engagement_id": "e-1"})
	}))

	fail := func(context.Context, outbox.Message) error { return errors.New("redis down") }
	for i := 0; i < 2; i++ {
		n, err := f.st.Drain(ctx, 10, 2, fail)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	n, err := f.st.Drain(ctx, 10, 2, fail)
	require.NoError(t, err)
	assert.Zero(t, n)

	var (
		status    string
		attempts  int
		lastError string
	)
	require.NoError(t, harness.Pool().QueryRow(ctx,
		`SELECT status, attempts, last_error FROM outbox ORDER BY id LIMIT 1`).Scan(&status, &attempts, &lastError))
	assert.Equal(t, string(outbox.StatusDead), status)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "redis down", lastError)
}
