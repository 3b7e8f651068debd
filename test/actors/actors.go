package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"viewingflow/bid"
	"viewingflow/dispute"
	"viewingflow/engagement"
	"viewingflow/engine"
	"viewingflow/outbox"
	"viewingflow/payment"
)

const price = int64(10_000)

// Env is what every actor drives.
type Env struct {
	Svc   *engine.Service
	Gate  *engine.Gate
	Pay   *payment.Sandbox
	seq   atomic.Int64
	Stats Stats
}

// Stats counts what the actors achieved, for the test log.
type Stats struct {
	Accepted  atomic.Int64
	Settled   atomic.Int64
	Cancelled atomic.Int64
	Disputes  atomic.Int64
	Released  atomic.Int64
	Published atomic.Int64
	Payouts   atomic.Int64
}

func (e *Env) next(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

// Tolerable reports whether err is an expected outcome of contention or of
// the chaos monkey killing a backend.
func Tolerable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if engine.KindOf(err) == engine.KindConflict {
		return true
	}
	return connectionLost(err)
}

func connectionLost(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "57", "40":
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || strings.Contains(err.Error(), "conn closed")
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// AcceptRacer registers several bids on a fresh demand and accepts all of
// them at once. At most one accept may win.
func AcceptRacer(ctx context.Context, env *Env, requesterID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		demand := env.next("demand")
		var bids []bid.Bid
		for i := 0; i < 3; i++ {
			b, err := env.Gate.RegisterBid(ctx, bid.RegisterParams{
				DemandID:    demand,
				RequesterID: requesterID,
				AgentID:     fmt.Sprintf("agent-%d", i),
				PropertyID:  env.next("prop"),
				Amount:      price,
				SlotAt:      time.Now().Add(time.Hour),
				SlotPlace:   "Harbour Rd",
			})
			if err != nil {
				if Tolerable(err) {
					continue
				}
				return fmt.Errorf("register bid: %w", err)
			}
			bids = append(bids, b)
		}

		var wins atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		for _, b := range bids {
			g.Go(func() error {
				_, err := env.Gate.AcceptBid(gctx, engine.AcceptBidParams{DemandID: demand, BidID: b.ID, ActorID: requesterID})
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, bid.ErrAlreadyAccepted), Tolerable(err):
				default:
					return fmt.Errorf("accept bid %s: %w", b.ID, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if n := wins.Load(); n > 1 {
			return fmt.Errorf("demand %s: %d accepts won", demand, n)
		}
		env.Stats.Accepted.Add(wins.Load())
		pause(10, 20)
	}
	return nil
}

// Lifecycle drives one engagement at a time through a random scenario while
// a meddler fires conflicting operations at the same engagement.
func Lifecycle(ctx context.Context, env *Env, requesterID, agentID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		e, ok, err := open(ctx, env, requesterID, agentID)
		if err != nil {
			return err
		}
		if !ok {
			pause(20, 30)
			continue
		}

		var (
			wg        sync.WaitGroup
			meddleErr error
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			meddleErr = meddle(ctx, env, e)
		}()
		runErr := scenario(ctx, env, e, rand.Intn(5))
		wg.Wait()

		if runErr != nil {
			return runErr
		}
		if meddleErr != nil {
			return meddleErr
		}
		pause(5, 20)
	}
	return nil
}

// open creates a funded, confirmed engagement. ok is false when contention or
// chaos interrupted setup.
func open(ctx context.Context, env *Env, requesterID, agentID string) (engagement.Engagement, bool, error) {
	demand := env.next("demand")
	b, err := env.Gate.RegisterBid(ctx, bid.RegisterParams{
		DemandID:    demand,
		RequesterID: requesterID,
		AgentID:     agentID,
		PropertyID:  env.next("prop"),
		Amount:      price,
		SlotAt:      time.Now(),
		SlotPlace:   "Harbour Rd",
	})
	if err != nil {
		return engagement.Engagement{}, false, check("register bid", err)
	}
	e, err := env.Gate.AcceptBid(ctx, engine.AcceptBidParams{DemandID: demand, BidID: b.ID, ActorID: requesterID})
	if err != nil {
		return engagement.Engagement{}, false, check("accept bid", err)
	}
	env.Stats.Accepted.Add(1)
	if _, err := env.Svc.Deposit(ctx, requesterID, price, "seed-"+e.ID); err != nil {
		return engagement.Engagement{}, false, check("deposit", err)
	}
	res, err := env.Svc.Pay(ctx, e.ID, requesterID)
	if err != nil {
		return engagement.Engagement{}, false, check("pay", err)
	}
	if res.Engagement.Status != engagement.StatusConfirmed {
		return engagement.Engagement{}, false, fmt.Errorf("pay %s: status %s with funded wallet", e.ID, res.Engagement.Status)
	}
	return res.Engagement, true, nil
}

func check(op string, err error) error {
	if Tolerable(err) {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// step runs op and reports whether the scenario should continue.
func step(op string, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	return false, check(op, err)
}

func scenario(ctx context.Context, env *Env, e engagement.Engagement, kind int) error {
	svc := env.Svc
	req, agent := e.RequesterID, e.AgentID

	if kind == 0 {
		who := req
		if rand.Intn(2) == 0 {
			who = agent
		}
		_, err := svc.Cancel(ctx, e.ID, who, "changed plans")
		if err == nil {
			env.Stats.Cancelled.Add(1)
		}
		return check("cancel", err)
	}

	if _, err := svc.ConfirmArrival(ctx, e.ID, req); err != nil {
		return check("requester arrival", err)
	}
	if kind == 4 {
		rec, err := svc.ReportNoShow(ctx, e.ID, req)
		if ok, err := step("report no-show", err); !ok {
			return err
		}
		env.Stats.Disputes.Add(1)
		_, err = svc.ResolveDispute(ctx, engine.ResolveParams{
			DisputeID:  rec.ID,
			Resolution: dispute.ResolutionRefundRequester,
			ResolvedBy: "ops",
		})
		return check("resolve no-show", err)
	}
	if _, err := svc.ConfirmArrival(ctx, e.ID, agent); err != nil {
		return check("agent arrival", err)
	}

	switch kind {
	case 1:
		_, err := svc.SubmitOutcome(ctx, engine.SubmitOutcomeParams{EngagementID: e.ID, ActorID: req, Verdict: engagement.OutcomeSatisfied})
		if err == nil {
			env.Stats.Settled.Add(1)
		}
		return check("satisfied outcome", err)
	case 2:
		res, err := svc.SubmitOutcome(ctx, engine.SubmitOutcomeParams{
			EngagementID: e.ID,
			ActorID:      req,
			Verdict:      engagement.OutcomeIssueReported,
			Feedback:     "not as listed",
			EvidenceRefs: []string{"photo-" + e.ID},
		})
		if ok, err := step("report issue", err); !ok {
			return err
		}
		env.Stats.Disputes.Add(1)
		if rand.Intn(2) == 0 {
			_, err = svc.RespondToDispute(ctx, res.Dispute.ID, agent, "sorry", true)
			return check("concede", err)
		}
		if _, err := svc.EscalateDispute(ctx, res.Dispute.ID, req); err != nil {
			return check("escalate", err)
		}
		_, err = svc.ResolveDispute(ctx, engine.ResolveParams{
			DisputeID:     res.Dispute.ID,
			Resolution:    dispute.ResolutionSplit,
			AgentShareBps: 1 + rand.Intn(9_999),
			ResolvedBy:    "ops",
		})
		return check("resolve split", err)
	default:
		_, err := svc.SubmitOutcome(ctx, engine.SubmitOutcomeParams{EngagementID: e.ID, ActorID: req, Verdict: engagement.OutcomeAlternativeRequested})
		if ok, err := step("request alternative", err); !ok {
			return err
		}
		if _, err := svc.OfferAlternative(ctx, e.ID, agent, env.next("prop"), "similar layout"); err != nil {
			return check("offer alternative", err)
		}
		if rand.Intn(2) == 0 {
			_, err = svc.AcceptAlternative(ctx, e.ID, req)
			return check("accept alternative", err)
		}
		_, err = svc.RejectAlternative(ctx, e.ID, req)
		return check("reject alternative", err)
	}
}

// meddle fires one conflicting operation at a random moment.
func meddle(ctx context.Context, env *Env, e engagement.Engagement) error {
	pause(0, 15)
	switch rand.Intn(4) {
	case 0:
		_, err := env.Svc.Cancel(ctx, e.ID, e.AgentID, "double booked")
		if err == nil {
			env.Stats.Cancelled.Add(1)
		}
		return check("meddle cancel", err)
	case 1:
		_, err := env.Svc.AutoRelease(ctx, e.ID)
		if err == nil {
			env.Stats.Released.Add(1)
		}
		return check("meddle auto-release", err)
	case 2:
		_, err := env.Svc.ConfirmArrival(ctx, e.ID, e.AgentID)
		return check("meddle arrival", err)
	default:
		_, err := env.Svc.ProposeReschedule(ctx, e.ID, e.AgentID, engagement.Slot{At: time.Now().Add(time.Hour), Place: "Office"})
		if errors.Is(err, engagement.ErrInvalidSlot) {
			return nil
		}
		return check("meddle reschedule", err)
	}
}

// Sweeper runs auto-release passes back to back.
func Sweeper(ctx context.Context, sweeper *engine.Sweeper, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		n, err := sweeper.SweepOnce(ctx)
		if err != nil && !Tolerable(err) {
			return fmt.Errorf("sweep: %w", err)
		}
		env.Stats.Released.Add(int64(n))
		pause(30, 40)
	}
	return nil
}

// FlakyPublisher fails one publish in ten.
type FlakyPublisher struct {
	env *Env
}

func NewFlakyPublisher(env *Env) *FlakyPublisher {
	return &FlakyPublisher{env: env}
}

func (p *FlakyPublisher) Publish(_ context.Context, _ string, _ []byte) error {
	if rand.Intn(10) == 0 {
		return errors.New("broker unavailable")
	}
	p.env.Stats.Published.Add(1)
	return nil
}

// OutboxWorker drains the outbox through the relay.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := relay.Flush(ctx); err != nil && !Tolerable(err) {
			return fmt.Errorf("relay flush: %w", err)
		}
		pause(50, 50)
	}
	return nil
}

// Withdrawer pays out part of an agent's balance and settles the payout with
// a random result.
func Withdrawer(ctx context.Context, env *Env, walletID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		w, err := env.Svc.Balance(ctx, walletID)
		if err != nil {
			if Tolerable(err) {
				continue
			}
			return fmt.Errorf("balance: %w", err)
		}
		if w.Available == 0 {
			pause(50, 50)
			continue
		}
		amount := 1 + rand.Int63n(w.Available)
		t, err := env.Svc.Withdraw(ctx, walletID, amount)
		if err != nil {
			if Tolerable(err) || engine.KindOf(err) == engine.KindResource {
				continue
			}
			return fmt.Errorf("withdraw: %w", err)
		}
		if _, _, err := env.Svc.OnPayoutResult(ctx, t.ExternalRef, rand.Intn(4) != 0); err != nil && !Tolerable(err) {
			return fmt.Errorf("payout result: %w", err)
		}
		env.Stats.Payouts.Add(1)
		pause(40, 60)
	}
	return nil
}
