package dispute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestOpenNoShowStartsUnderReview(t *testing.T) {
	rec, err := Open(OpenParams{ID: "d1", EngagementID: "e1", RaisedBy: "req-1", Kind: KindNoShow, Reason: "agent absent"}, now)
	require.NoError(t, err)
	assert.True(t, rec.UnderReview)
	assert.Equal(t, StatusOpen, rec.Status)

	issue, err := Open(OpenParams{ID: "d2", EngagementID: "e1", RaisedBy: "req-1", Reason: "mould"}, now)
	require.NoError(t, err)
	assert.Equal(t, KindIssue, issue.Kind)
	assert.False(t, issue.UnderReview)

	_, err = Open(OpenParams{ID: "d3"}, now)
	assert.ErrorIs(t, err, ErrReasonRequired)
}

func TestResolveOnce(t *testing.T) {
	rec, err := Open(OpenParams{ID: "d1", EngagementID: "e1", Reason: "mould"}, now)
	require.NoError(t, err)

	require.NoError(t, rec.Resolve(ResolutionRefundRequester, 0, "admin-1", now))
	assert.Equal(t, StatusResolved, rec.Status)
	assert.Equal(t, ResolutionRefundRequester, *rec.Resolution)
	assert.Zero(t, rec.AgentShareBps)

	assert.ErrorIs(t, rec.Resolve(ResolutionReleaseAgent, 0, "admin-2", now), ErrAlreadyResolved)
	assert.Equal(t, "admin-1", rec.ResolvedBy)
	assert.ErrorIs(t, rec.Escalate(now), ErrAlreadyResolved)
}

func TestResolveSplitShare(t *testing.T) {
	rec, _ := Open(OpenParams{ID: "d1", Reason: "partial"}, now)
	assert.ErrorIs(t, rec.Resolve(ResolutionSplit, 10_000, "admin", now), ErrInvalidShare)
	assert.ErrorIs(t, rec.Resolve("HALF", 0, "admin", now), ErrInvalidResolution)

	require.NoError(t, rec.Resolve(ResolutionSplit, 0, "admin", now))
	assert.Equal(t, DefaultAgentShareBps, rec.AgentShareBps)
}

func TestSplitSumsToAmount(t *testing.T) {
	for _, tc := range []struct {
		amount int64
		bps    int
		agent  int64
	}{
		{7_000, 5_000, 3_500},
		{7_001, 5_000, 3_500},
		{999, 3_333, 332},
		{1, 9_999, 0},
	} {
		agent, requester := Split(tc.amount, tc.bps)
		assert.Equal(t, tc.agent, agent)
		assert.Equal(t, tc.amount, agent+requester)
	}
}

func TestRespondOnce(t *testing.T) {
	rec, _ := Open(OpenParams{ID: "d1", Reason: "noise"}, now)
	require.NoError(t, rec.Respond("it was quiet when I visited", now))
	assert.ErrorIs(t, rec.Respond("again", now), ErrAlreadyResponded)
}
