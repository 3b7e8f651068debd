package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"viewingflow/bid"
	"viewingflow/dispute"
	"viewingflow/engagement"
)

func TestConcurrentAcceptCreatesOneEngagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var bidIDs []string
	for _, agent := range []string{agentID, otherAgent} {
		b, err := f.gate.RegisterBid(ctx, bid.RegisterParams{
			DemandID:    "demand-race",
			RequesterID: requesterID,
			AgentID:     agent,
			PropertyID:  "prop-" + agent,
			Amount:      price,
			SlotAt:      f.slotAt(),
			SlotPlace:   "Office",
		})
		require.NoError(t, err)
		bidIDs = append(bidIDs, b.ID)
	}

	var (
		wins      atomic.Int64
		conflicts atomic.Int64
	)
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		bidID := bidIDs[i%2]
		g.Go(func() error {
			_, err := f.gate.AcceptBid(ctx, AcceptBidParams{BidID: bidID, ActorID: requesterID})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, bid.ErrAlreadyAccepted):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, int64(15), conflicts.Load())

	list, err := f.svc.ListForParty(ctx, requesterID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.gate.RegisterBid(ctx, bid.RegisterParams{
		DemandID:    "demand-race",
		RequesterID: requesterID,
		AgentID:     "agent-3",
		PropertyID:  "prop-3",
		Amount:      price,
	})
	assert.ErrorIs(t, err, bid.ErrAlreadyAccepted)
}

func TestAcceptBidGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.gate.RegisterBid(ctx, bid.RegisterParams{
		DemandID:    "demand-g",
		RequesterID: requesterID,
		AgentID:     agentID,
		PropertyID:  "prop-1",
		Amount:      price,
	})
	require.NoError(t, err)

	_, err = f.gate.AcceptBid(ctx, AcceptBidParams{DemandID: "demand-g", BidID: b.ID, ActorID: agentID})
	assert.Equal(t, KindForbidden, KindOf(err))
	_, err = f.gate.AcceptBid(ctx, AcceptBidParams{BidID: "missing", ActorID: requesterID})
	assert.Equal(t, KindNotFound, KindOf(err))
	_, err = f.gate.AcceptBid(ctx, AcceptBidParams{DemandID: "demand-g", BidID: "missing", ActorID: requesterID})
	assert.ErrorIs(t, err, bid.ErrNotFound)

	_, err = f.gate.RegisterBid(ctx, bid.RegisterParams{DemandID: "demand-g", RequesterID: "someone", AgentID: agentID, PropertyID: "p", Amount: 1})
	assert.ErrorIs(t, err, bid.ErrDemandMismatch)
	_, err = f.gate.RegisterBid(ctx, bid.RegisterParams{DemandID: "demand-g", RequesterID: agentID, AgentID: agentID, PropertyID: "p", Amount: 1})
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = f.gate.RegisterBid(ctx, bid.RegisterParams{ID: b.ID, DemandID: "demand-g", RequesterID: requesterID, AgentID: otherAgent, PropertyID: "p", Amount: 1})
	assert.ErrorIs(t, err, bid.ErrDuplicate)

	e, err := f.gate.AcceptBid(ctx, AcceptBidParams{DemandID: "demand-g", BidID: b.ID, ActorID: requesterID})
	require.NoError(t, err)
	assert.Equal(t, engagement.StatusPendingPayment, e.Status)
	assert.Equal(t, b.ID, e.BidID)
	assert.Equal(t, 1, e.Round)
}

func TestAutoReleaseRacesAdminResolution(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		e := f.inMeeting()
		res, err := f.svc.SubmitOutcome(ctx, SubmitOutcomeParams{
			EngagementID: e.ID,
			ActorID:      requesterID,
			Verdict:      engagement.OutcomeIssueReported,
			EvidenceRefs: []string{"msg"},
		})
		require.NoError(t, err)
		f.advance(73 * time.Hour)

		var (
			wins      atomic.Int64
			conflicts atomic.Int64
		)
		record := func(err error) error {
			switch {
			case err == nil:
				wins.Add(1)
			case KindOf(err) == KindConflict:
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		}
		var g errgroup.Group
		g.Go(func() error {
			_, err := f.svc.AutoRelease(ctx, e.ID)
			return record(err)
		})
		g.Go(func() error {
			_, err := f.svc.ResolveDispute(ctx, ResolveParams{
				DisputeID:  res.Dispute.ID,
				Resolution: dispute.ResolutionRefundRequester,
				ResolvedBy: "admin-1",
			})
			return record(err)
		})
		require.NoError(t, g.Wait())

		assert.Equal(t, int64(1), wins.Load())
		assert.Equal(t, int64(1), conflicts.Load())
		assert.Equal(t, int64(0), f.held(e.ID))
		assert.Equal(t, price, f.total())
		assert.True(t, f.engagement(e.ID).Status.Terminal())
	}
}

func TestConcurrentArrivalsConfirmOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.confirmed()

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		actor := requesterID
		if i%2 == 1 {
			actor = agentID
		}
		g.Go(func() error {
			_, err := f.svc.ConfirmArrival(ctx, e.ID, actor)
			return err
		})
	}
	require.NoError(t, g.Wait())

	got := f.engagement(e.ID)
	assert.Equal(t, engagement.StatusMeetingInProgress, got.Status)
	assert.Equal(t, 1, f.countTopic("meeting.confirmed"))
}
