package engagement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	grace = 72 * time.Hour
)

func confirmedEngagement(t *testing.T) Engagement {
	t.Helper()
	e := New(NewParams{
		ID:          "eng-1",
		BidID:       "bid-1",
		DemandID:    "dem-1",
		RequesterID: "req-1",
		AgentID:     "agent-1",
		PropertyID:  "prop-1",
		Amount:      7_000,
		Slot:        Slot{At: t0.Add(2 * time.Hour), Place: "12 Ngong Rd"},
	}, t0)
	require.NoError(t, e.ConfirmPayment(t0))
	return e
}

func meetingEngagement(t *testing.T) Engagement {
	t.Helper()
	e := confirmedEngagement(t)
	at := t0.Add(2 * time.Hour)
	_, err := e.ConfirmArrival(PartyRequester, at, grace)
	require.NoError(t, err)
	_, err = e.ConfirmArrival(PartyAgent, at, grace)
	require.NoError(t, err)
	require.Equal(t, StatusMeetingInProgress, e.Status)
	return e
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPendingPayment, StatusConfirmed, true},
		{StatusPendingPayment, StatusMeetingInProgress, false},
		{StatusConfirmed, StatusMeetingInProgress, true},
		{StatusConfirmed, StatusCompleted, false},
		{StatusMeetingInProgress, StatusCompleted, true},
		{StatusMeetingInProgress, StatusConfirmed, true},
		{StatusDisputed, StatusCompleted, true},
		{StatusDisputed, StatusCancelledRefunded, true},
		{StatusDisputed, StatusCancelled, false},
		{StatusCompleted, StatusDisputed, false},
		{StatusCancelled, StatusConfirmed, false},
		{StatusCancelledRefunded, StatusCompleted, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatusesRejectEverything(t *testing.T) {
	e := meetingEngagement(t)
	require.NoError(t, e.SubmitOutcome(OutcomeSatisfied, "", nil, t0.Add(3*time.Hour), grace))
	require.Equal(t, StatusCompleted, e.Status)
	assert.Nil(t, e.AutoReleaseAt)

	_, err := e.Cancel(PartyAgent, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, e.ConfirmPayment(t0), ErrInvalidTransition)
	assert.ErrorIs(t, e.Settle(StatusCancelledRefunded, t0), ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, e.Status)
}

func TestArrivalIsIdempotentAndConfirmsOnce(t *testing.T) {
	e := confirmedEngagement(t)
	at := t0.Add(2 * time.Hour)

	confirmed, err := e.ConfirmArrival(PartyRequester, at, grace)
	require.NoError(t, err)
	assert.False(t, confirmed)
	confirmed, err = e.ConfirmArrival(PartyRequester, at.Add(time.Minute), grace)
	require.NoError(t, err)
	assert.False(t, confirmed)
	assert.Nil(t, e.MeetingConfirmedAt)
	assert.Equal(t, StatusConfirmed, e.Status)

	confirmed, err = e.ConfirmArrival(PartyAgent, at.Add(2*time.Minute), grace)
	require.NoError(t, err)
	assert.True(t, confirmed)
	require.NotNil(t, e.MeetingConfirmedAt)
	assert.Equal(t, at.Add(2*time.Minute), *e.MeetingConfirmedAt)
	require.NotNil(t, e.AutoReleaseAt)
	assert.Equal(t, at.Add(2*time.Minute).Add(grace), *e.AutoReleaseAt)

	first := *e.MeetingConfirmedAt
	confirmed, err = e.ConfirmArrival(PartyAgent, at.Add(time.Hour), grace)
	require.NoError(t, err)
	assert.False(t, confirmed)
	assert.Equal(t, first, *e.MeetingConfirmedAt)
}

func TestEarlyArrivalArmsFromScheduledTime(t *testing.T) {
	e := confirmedEngagement(t)
	early := t0.Add(time.Hour)
	_, err := e.ConfirmArrival(PartyAgent, early, grace)
	require.NoError(t, err)
	_, err = e.ConfirmArrival(PartyRequester, early, grace)
	require.NoError(t, err)
	assert.Equal(t, e.ScheduledAt.At.Add(grace), *e.AutoReleaseAt)
}

func TestArrivalBeforePaymentIsRejected(t *testing.T) {
	e := New(NewParams{ID: "eng-2", RequesterID: "r", AgentID: "a", Amount: 1}, t0)
	_, err := e.ConfirmArrival(PartyRequester, t0, grace)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.False(t, e.RequesterArrived)
}

func TestSubmitOutcomeRules(t *testing.T) {
	t.Run("before meeting", func(t *testing.T) {
		e := confirmedEngagement(t)
		assert.ErrorIs(t, e.SubmitOutcome(OutcomeSatisfied, "", nil, t0, grace), ErrMeetingNotHeld)
	})

	t.Run("issue without evidence", func(t *testing.T) {
		e := meetingEngagement(t)
		err := e.SubmitOutcome(OutcomeIssueReported, "dirty", []string{"", ""}, t0.Add(3*time.Hour), grace)
		assert.ErrorIs(t, err, ErrEvidenceRequired)
		assert.Equal(t, StatusMeetingInProgress, e.Status)
		assert.Nil(t, e.Outcome)
	})

	t.Run("issue with evidence", func(t *testing.T) {
		e := meetingEngagement(t)
		at := t0.Add(3 * time.Hour)
		require.NoError(t, e.SubmitOutcome(OutcomeIssueReported, "leaking roof", []string{"media://1"}, at, grace))
		assert.Equal(t, StatusDisputed, e.Status)
		assert.Equal(t, at.Add(grace), *e.AutoReleaseAt)
	})

	t.Run("single submission", func(t *testing.T) {
		e := meetingEngagement(t)
		require.NoError(t, e.SubmitOutcome(OutcomeAlternativeRequested, "", nil, t0.Add(3*time.Hour), grace))
		assert.Equal(t, StatusMeetingInProgress, e.Status)
		assert.ErrorIs(t, e.SubmitOutcome(OutcomeSatisfied, "", nil, t0.Add(4*time.Hour), grace), ErrAlreadyReported)
	})

	t.Run("unknown verdict", func(t *testing.T) {
		e := meetingEngagement(t)
		assert.ErrorIs(t, e.SubmitOutcome("MAYBE", "", nil, t0, grace), ErrInvalidOutcome)
	})
}

func TestNoShow(t *testing.T) {
	noShowGrace := 30 * time.Minute

	e := confirmedEngagement(t)
	_, err := e.ConfirmArrival(PartyRequester, e.ScheduledAt.At, grace)
	require.NoError(t, err)

	assert.ErrorIs(t, e.ReportNoShow(PartyAgent, e.ScheduledAt.At.Add(time.Hour), noShowGrace), ErrNoShowNotEligible)
	assert.ErrorIs(t, e.ReportNoShow(PartyRequester, e.ScheduledAt.At.Add(10*time.Minute), noShowGrace), ErrNoShowTooEarly)

	require.NoError(t, e.ReportNoShow(PartyRequester, e.ScheduledAt.At.Add(noShowGrace), noShowGrace))
	assert.Equal(t, StatusDisputed, e.Status)
	assert.Nil(t, e.AutoReleaseAt)
}

func TestCancelRules(t *testing.T) {
	pending := New(NewParams{ID: "e", RequesterID: "r", AgentID: "a", Amount: 5}, t0)
	refund, err := pending.Cancel(PartyRequester, t0)
	require.NoError(t, err)
	assert.False(t, refund)
	assert.Equal(t, StatusCancelled, pending.Status)

	confirmed := confirmedEngagement(t)
	refund, err = confirmed.Cancel(PartyAgent, t0)
	require.NoError(t, err)
	assert.True(t, refund)

	meeting := meetingEngagement(t)
	_, err = meeting.Cancel(PartyRequester, t0)
	assert.ErrorIs(t, err, ErrForbidden)
	refund, err = meeting.Cancel(PartyAgent, t0)
	require.NoError(t, err)
	assert.True(t, refund)
	assert.Nil(t, meeting.AutoReleaseAt)
}

func TestPartyOf(t *testing.T) {
	e := confirmedEngagement(t)
	p, err := e.PartyOf("req-1")
	require.NoError(t, err)
	assert.Equal(t, PartyRequester, p)
	p, err = e.PartyOf("agent-1")
	require.NoError(t, err)
	assert.Equal(t, PartyAgent, p)
	_, err = e.PartyOf("stranger")
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.Equal(t, "agent-1", e.PartyID(PartyAgent))
}
