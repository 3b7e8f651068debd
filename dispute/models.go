package dispute

import (
	"errors"
	"time"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

// Kind records what opened the dispute.
type Kind string

const (
	KindIssue  Kind = "ISSUE"
	KindNoShow Kind = "NO_SHOW"
)

// Resolution is the settlement decided for a dispute.
type Resolution string

const (
	ResolutionRefundRequester Resolution = "REFUND_REQUESTER"
	ResolutionReleaseAgent    Resolution = "RELEASE_AGENT"
	ResolutionSplit           Resolution = "SPLIT"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionRefundRequester, ResolutionReleaseAgent, ResolutionSplit:
		return true
	}
	return false
}

// DefaultAgentShareBps applies to a SPLIT without an explicit share.
const DefaultAgentShareBps = 5_000

// SystemResolver marks resolutions applied by the auto-release sweep.
const SystemResolver = "system"

var (
	ErrNotFound          = errors.New("dispute: not found")
	ErrAlreadyOpen       = errors.New("dispute: engagement already has an open dispute")
	ErrAlreadyResolved   = errors.New("dispute: already resolved")
	ErrInvalidResolution = errors.New("dispute: invalid resolution")
	ErrInvalidShare      = errors.New("dispute: split share must be between 1 and 9999 basis points")
	ErrReasonRequired    = errors.New("dispute: reason required")
	ErrAlreadyResponded  = errors.New("dispute: agent already responded")
)

// Record mirrors the disputes table.
type Record struct {
	ID            string
	EngagementID  string
	RaisedBy      string
	Kind          Kind
	Reason        string
	EvidenceRefs  []string
	AgentResponse *string
	UnderReview   bool
	Status        Status
	Resolution    *Resolution
	AgentShareBps int
	ResolvedBy    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}

// OpenParams describes a new dispute.
type OpenParams struct {
	ID           string
	EngagementID string
	RaisedBy     string
	Kind         Kind
	Reason       string
	EvidenceRefs []string
}

// Open returns an OPEN dispute. No-show disputes go straight to review since
// there was no meeting to be satisfied with.
func Open(p OpenParams, now time.Time) (Record, error) {
	if p.Reason == "" {
		return Record{}, ErrReasonRequired
	}
	kind := p.Kind
	if kind == "" {
		kind = KindIssue
	}
	return Record{
		ID:           p.ID,
		EngagementID: p.EngagementID,
		RaisedBy:     p.RaisedBy,
		Kind:         kind,
		Reason:       p.Reason,
		EvidenceRefs: append([]string(nil), p.EvidenceRefs...),
		UnderReview:  kind == KindNoShow,
		Status:       StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Respond stores the agent's single response.
func (r *Record) Respond(text string, now time.Time) error {
	if r.Status == StatusResolved {
		return ErrAlreadyResolved
	}
	if r.AgentResponse != nil {
		return ErrAlreadyResponded
	}
	r.AgentResponse = &text
	r.UpdatedAt = now
	return nil
}

// Escalate raises the admin review flag. The auto-release sweep never fires
// for a dispute under review.
func (r *Record) Escalate(now time.Time) error {
	if r.Status == StatusResolved {
		return ErrAlreadyResolved
	}
	r.UnderReview = true
	r.UpdatedAt = now
	return nil
}

// Resolve closes the dispute. agentShareBps is only meaningful for SPLIT,
// where zero selects DefaultAgentShareBps.
func (r *Record) Resolve(res Resolution, agentShareBps int, by string, now time.Time) error {
	if r.Status == StatusResolved {
		return ErrAlreadyResolved
	}
	if !res.Valid() {
		return ErrInvalidResolution
	}
	share := 0
	switch res {
	case ResolutionSplit:
		share = agentShareBps
		if share == 0 {
			share = DefaultAgentShareBps
		}
		if share < 1 || share > 9_999 {
			return ErrInvalidShare
		}
	case ResolutionReleaseAgent:
		share = 10_000
	}
	resolution := res
	resolved := now
	r.Status = StatusResolved
	r.Resolution = &resolution
	r.AgentShareBps = share
	r.ResolvedBy = by
	r.ResolvedAt = &resolved
	r.UpdatedAt = now
	return nil
}

// Split divides amount by the agent share. The requester receives the
// remainder so the two legs always sum to amount.
func Split(amount int64, agentShareBps int) (agentPart, requesterPart int64) {
	agentPart = amount * int64(agentShareBps) / 10_000
	return agentPart, amount - agentPart
}
