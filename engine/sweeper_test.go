package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewingflow/dispute"
	"viewingflow/engagement"
	"viewingflow/ledger"
)

type stubLocker struct {
	deny     bool
	acquired int
	released int
}

func (l *stubLocker) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	if l.deny {
		return nil, errors.New("lock held")
	}
	l.acquired++
	return func() { l.released++ }, nil
}

func TestSweepReleasesOnlyAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.inMeeting()
	sw := NewSweeper(f.svc, nil)

	f.advance(71 * time.Hour)
	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = f.svc.AutoRelease(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNotDue)

	f.advance(time.Hour)
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.engagement(e.ID)
	assert.Equal(t, engagement.StatusCompleted, got.Status)
	assert.Nil(t, got.AutoReleaseAt)
	assert.Equal(t, int64(9_500), f.available(agentID))
	assert.Equal(t, int64(500), f.available(ledger.DefaultFeeWallet))
	f.requireReconciled()

	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = f.svc.AutoRelease(ctx, e.ID)
	assert.ErrorIs(t, err, engagement.ErrInvalidTransition)
}

func TestSweepResolvesUnansweredDisputeForAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.inMeeting()
	res, err := f.svc.SubmitOutcome(ctx, SubmitOutcomeParams{
		EngagementID: e.ID,
		ActorID:      requesterID,
		Verdict:      engagement.OutcomeIssueReported,
		EvidenceRefs: []string{"photo"},
	})
	require.NoError(t, err)

	f.advance(72 * time.Hour)
	n, err := NewSweeper(f.svc, nil).WithBatch(10).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := f.svc.GetDispute(ctx, res.Dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolved, rec.Status)
	require.NotNil(t, rec.Resolution)
	assert.Equal(t, dispute.ResolutionReleaseAgent, *rec.Resolution)
	assert.Equal(t, dispute.SystemResolver, rec.ResolvedBy)
	assert.Equal(t, engagement.StatusCompleted, f.engagement(e.ID).Status)
	assert.Equal(t, int64(0), f.held(e.ID))
}

func TestSweepSkipsWithoutLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.inMeeting()
	f.advance(100 * time.Hour)

	denied := &stubLocker{deny: true}
	n, err := NewSweeper(f.svc, nil).WithLocker(denied).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, engagement.StatusMeetingInProgress, f.engagement(e.ID).Status)

	lease := &stubLocker{}
	n, err = NewSweeper(f.svc, nil).WithLocker(lease).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, lease.acquired)
	assert.Equal(t, 1, lease.released)
}

func TestSweeperStartStop(t *testing.T) {
	f := newFixture(t)
	sw := NewSweeper(f.svc, nil).WithInterval(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()
	require.Eventually(t, sw.Running, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.False(t, sw.Running())
}

type blockingLocker struct {
	entered chan struct{}
	proceed chan struct{}
}

func (l *blockingLocker) Acquire(ctx context.Context, _ string, _ time.Duration) (func(), error) {
	select {
	case l.entered <- struct{}{}:
	default:
	}
	select {
	case <-l.proceed:
	case <-ctx.Done():
	}
	return func() {}, nil
}

func TestSweeperStopDuringSweep(t *testing.T) {
	f := newFixture(t)
	lock := &blockingLocker{entered: make(chan struct{}, 1), proceed: make(chan struct{})}
	sw := NewSweeper(f.svc, nil).WithInterval(time.Millisecond).WithLocker(lock)

	done := make(chan struct{})
	go func() {
		sw.Start(context.Background())
		close(done)
	}()

	select {
	case <-lock.entered:
	case <-time.After(time.Second):
		t.Fatal("sweep never started")
	}
	sw.Stop()
	sw.Stop()
	close(lock.proceed)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop issued mid-sweep was lost")
	}
	assert.False(t, sw.Running())
}

func TestSweeperStopBeforeStart(t *testing.T) {
	f := newFixture(t)
	sw := NewSweeper(f.svc, nil).WithInterval(time.Hour)
	sw.Stop()

	done := make(chan struct{})
	go func() {
		sw.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper ignored an earlier stop")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{engagement.ErrInvalidTransition, KindConflict},
		{dispute.ErrAlreadyResolved, KindConflict},
		{ledger.ErrInsufficientFunds, KindResource},
		{ledger.ErrInvalidAmount, KindValidation},
		{engagement.ErrNotParticipant, KindForbidden},
		{engagement.ErrNotFound, KindNotFound},
		{ErrExternal, KindExternal},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(tc.err), "%v", tc.err)
	}
	wrapped := errors.Join(errors.New("ctx"), ledger.ErrInsufficientFunds)
	assert.Equal(t, KindResource, KindOf(wrapped))
}
