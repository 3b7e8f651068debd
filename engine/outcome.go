package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"viewingflow/dispute"
	"viewingflow/engagement"
	"viewingflow/outbox"
	"viewingflow/store"
)

// SubmitOutcomeParams carries the requester's verdict on a held meeting.
type SubmitOutcomeParams struct {
	EngagementID string
	ActorID      string
	Verdict      engagement.Outcome
	Feedback     string
	EvidenceRefs []string
}

// OutcomeResult is the engagement after the verdict and the dispute it
// opened, if any.
type OutcomeResult struct {
	Engagement engagement.Engagement
	Dispute    *dispute.Record
}

// SubmitOutcome records the requester's single verdict. A satisfied verdict
// releases escrow to the agent; a reported issue opens a dispute.
func (s *Service) SubmitOutcome(ctx context.Context, p SubmitOutcomeParams) (OutcomeResult, error) {
	var rec *dispute.Record
	e, err := s.mutate(ctx, p.EngagementID, "submit_outcome", func(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
		if err := requireParty(e, p.ActorID, engagement.PartyRequester); err != nil {
			return err
		}
		evidence := engagement.CompactRefs(p.EvidenceRefs)
		if err := e.SubmitOutcome(p.Verdict, p.Feedback, evidence, s.now(), s.policy.GracePeriod); err != nil {
			return err
		}
		if err := s.emit(ctx, tx, outbox.TopicOutcomeSubmitted, e, map[string]any{
			"outcome":  string(p.Verdict),
			"feedback": p.Feedback,
		}); err != nil {
			return err
		}

		switch p.Verdict {
		case engagement.OutcomeSatisfied:
			if err := s.release(ctx, tx, e, e.Amount); err != nil {
				return err
			}
			return s.emit(ctx, tx, outbox.TopicSettled, e, map[string]any{
				"trigger":      "outcome",
				"agent_amount": e.Amount,
			})
		case engagement.OutcomeIssueReported:
			reason := strings.TrimSpace(p.Feedback)
			if reason == "" {
				reason = "issue reported"
			}
			opened, err := s.openDispute(ctx, tx, e, dispute.OpenParams{
				RaisedBy:     p.ActorID,
				Kind:         dispute.KindIssue,
				Reason:       reason,
				EvidenceRefs: evidence,
			})
			if err != nil {
				return err
			}
			rec = &opened
		}
		return nil
	})
	if err != nil {
		return OutcomeResult{}, err
	}
	return OutcomeResult{Engagement: e, Dispute: rec}, nil
}

// RaiseDisputeParams opens a dispute after an alternative was requested.
type RaiseDisputeParams struct {
	EngagementID string
	ActorID      string
	Reason       string
	EvidenceRefs []string
}

// RaiseDispute lets the requester contest a meeting for which an alternative
// was requested but not taken up. Evidence is required.
func (s *Service) RaiseDispute(ctx context.Context, p RaiseDisputeParams) (dispute.Record, error) {
	var rec dispute.Record
	_, err := s.mutate(ctx, p.EngagementID, "raise_dispute", func(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
		if err := requireParty(e, p.ActorID, engagement.PartyRequester); err != nil {
			return err
		}
		evidence := engagement.CompactRefs(p.EvidenceRefs)
		if len(evidence) == 0 {
			return engagement.ErrEvidenceRequired
		}
		pending, err := tx.Offers().Pending(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("engine: load offer: %w", err)
		}
		if pending != nil {
			return fmt.Errorf("%w: an alternative offer is awaiting a decision", engagement.ErrConflictingRequest)
		}
		if err := e.RaiseDispute(s.now(), s.policy.GracePeriod); err != nil {
			return err
		}
		rec, err = s.openDispute(ctx, tx, e, dispute.OpenParams{
			RaisedBy:     p.ActorID,
			Kind:         dispute.KindIssue,
			Reason:       strings.TrimSpace(p.Reason),
			EvidenceRefs: evidence,
		})
		return err
	})
	if err != nil {
		return dispute.Record{}, err
	}
	return rec, nil
}

func (s *Service) openDispute(ctx context.Context, tx store.Tx, e *engagement.Engagement, p dispute.OpenParams) (dispute.Record, error) {
	p.ID = s.idGen()
	p.EngagementID = e.ID
	rec, err := dispute.Open(p, s.now())
	if err != nil {
		return dispute.Record{}, err
	}
	if err := tx.Disputes().Create(ctx, rec); err != nil {
		return dispute.Record{}, fmt.Errorf("engine: create dispute: %w", err)
	}
	if err := s.emit(ctx, tx, outbox.TopicDisputeOpened, e, disputePayload(rec)); err != nil {
		return dispute.Record{}, err
	}
	return rec, nil
}

// RespondToDispute stores the agent's answer to a dispute the requester
// raised. Conceding refunds the requester immediately.
func (s *Service) RespondToDispute(ctx context.Context, disputeID, actorID, text string, concede bool) (dispute.Record, error) {
	return s.withDispute(ctx, disputeID, "respond_dispute", func(ctx context.Context, tx store.Tx, e *engagement.Engagement, rec *dispute.Record) error {
		if err := requireParty(e, actorID, engagement.PartyAgent); err != nil {
			return err
		}
		if rec.RaisedBy == e.AgentID {
			return fmt.Errorf("%w: cannot respond to own dispute", engagement.ErrForbidden)
		}
		if err := rec.Respond(text, s.now()); err != nil {
			return err
		}
		if concede {
			return s.settleDispute(ctx, tx, e, rec, dispute.ResolutionRefundRequester, 0, actorID)
		}
		return s.emit(ctx, tx, outbox.TopicDisputeUpdated, e, disputePayload(*rec))
	})
}

// EscalateDispute puts the dispute under admin review. Auto-release stops
// for good; only ResolveDispute can settle it afterwards.
func (s *Service) EscalateDispute(ctx context.Context, disputeID, actorID string) (dispute.Record, error) {
	return s.withDispute(ctx, disputeID, "escalate_dispute", func(ctx context.Context, tx store.Tx, e *engagement.Engagement, rec *dispute.Record) error {
		if _, err := e.PartyOf(actorID); err != nil {
			return err
		}
		now := s.now()
		if err := rec.Escalate(now); err != nil {
			return err
		}
		e.SuspendAutoRelease(now)
		return s.emit(ctx, tx, outbox.TopicDisputeUpdated, e, disputePayload(*rec))
	})
}

// ResolveParams is an admin decision on a dispute.
type ResolveParams struct {
	DisputeID     string
	Resolution    dispute.Resolution
	AgentShareBps int
	ResolvedBy    string
}

// ResolveDispute applies an admin decision. Authorisation is the caller's
// concern; the resolver id is recorded on the dispute.
func (s *Service) ResolveDispute(ctx context.Context, p ResolveParams) (dispute.Record, error) {
	if strings.TrimSpace(p.ResolvedBy) == "" {
		return dispute.Record{}, fmt.Errorf("%w: resolver required", ErrInvalidInput)
	}
	return s.withDispute(ctx, p.DisputeID, "resolve_dispute", func(ctx context.Context, tx store.Tx, e *engagement.Engagement, rec *dispute.Record) error {
		return s.settleDispute(ctx, tx, e, rec, p.Resolution, p.AgentShareBps, p.ResolvedBy)
	})
}

type disputeFn func(ctx context.Context, tx store.Tx, e *engagement.Engagement, rec *dispute.Record) error

// withDispute locks the dispute's engagement, then the dispute itself.
func (s *Service) withDispute(ctx context.Context, disputeID, op string, fn disputeFn) (dispute.Record, error) {
	var (
		out  dispute.Record
		head dispute.Record
	)
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		head, err = tx.Disputes().Get(ctx, disputeID)
		return err
	})
	if err != nil {
		return dispute.Record{}, err
	}
	_, err = s.mutate(ctx, head.EngagementID, op, func(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
		rec, err := tx.Disputes().GetForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, e, &rec); err != nil {
			return err
		}
		if err := tx.Disputes().Update(ctx, rec); err != nil {
			return fmt.Errorf("engine: update dispute: %w", err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return dispute.Record{}, err
	}
	return out, nil
}

// settleDispute resolves rec and moves escrow accordingly. The engagement
// must still be DISPUTED.
func (s *Service) settleDispute(ctx context.Context, tx store.Tx, e *engagement.Engagement, rec *dispute.Record, res dispute.Resolution, bps int, by string) error {
	if rec.Status == dispute.StatusResolved {
		return dispute.ErrAlreadyResolved
	}
	if e.Status != engagement.StatusDisputed {
		return fmt.Errorf("%w: settle dispute from %s", engagement.ErrInvalidTransition, e.Status)
	}
	now := s.now()
	if err := rec.Resolve(res, bps, by, now); err != nil {
		return err
	}

	var agentPart, requesterPart int64
	switch res {
	case dispute.ResolutionReleaseAgent:
		agentPart = e.Amount
	case dispute.ResolutionRefundRequester:
		requesterPart = e.Amount
	case dispute.ResolutionSplit:
		agentPart, requesterPart = dispute.Split(e.Amount, rec.AgentShareBps)
	}
	if agentPart > 0 {
		if err := s.release(ctx, tx, e, agentPart); err != nil {
			return err
		}
	}
	if requesterPart > 0 {
		if err := s.refund(ctx, tx, e, requesterPart); err != nil {
			return err
		}
	}

	to := engagement.StatusCompleted
	if res == dispute.ResolutionRefundRequester {
		to = engagement.StatusCancelledRefunded
	}
	if err := e.Settle(to, now); err != nil {
		return err
	}
	if err := s.emit(ctx, tx, outbox.TopicDisputeResolved, e, disputePayload(*rec)); err != nil {
		return err
	}
	return s.emit(ctx, tx, outbox.TopicSettled, e, map[string]any{
		"trigger":          "dispute",
		"resolution":       string(res),
		"agent_amount":     agentPart,
		"requester_amount": requesterPart,
	})
}

// AutoRelease settles an engagement whose deadline passed. The state is
// re-checked under the row lock, so losing a race against a concurrent
// resolution or outcome yields a conflict error and moves no money.
func (s *Service) AutoRelease(ctx context.Context, engagementID string) (engagement.Engagement, error) {
	return s.mutate(ctx, engagementID, "auto_release", func(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
		if e.Status.Terminal() {
			return fmt.Errorf("%w: already %s", engagement.ErrInvalidTransition, e.Status)
		}
		now := s.now()
		switch e.Status {
		case engagement.StatusMeetingInProgress:
			pending, err := tx.Offers().Pending(ctx, e.ID)
			if err != nil {
				return fmt.Errorf("engine: load offer: %w", err)
			}
			if pending != nil {
				return ErrAutoReleaseSuspended
			}
			if !e.AutoReleaseDue(now) {
				return ErrNotDue
			}
			if err := s.release(ctx, tx, e, e.Amount); err != nil {
				return err
			}
			if err := e.Settle(engagement.StatusCompleted, now); err != nil {
				return err
			}
			return s.emit(ctx, tx, outbox.TopicSettled, e, map[string]any{
				"trigger":      "auto_release",
				"agent_amount": e.Amount,
			})
		case engagement.StatusDisputed:
			rec, err := tx.Disputes().Open(ctx, e.ID)
			if errors.Is(err, dispute.ErrNotFound) {
				return dispute.ErrAlreadyResolved
			}
			if err != nil {
				return err
			}
			rec, err = tx.Disputes().GetForUpdate(ctx, rec.ID)
			if err != nil {
				return err
			}
			if rec.UnderReview {
				return ErrAutoReleaseSuspended
			}
			if !e.AutoReleaseDue(now) {
				return ErrNotDue
			}
			if err := s.settleDispute(ctx, tx, e, &rec, dispute.ResolutionReleaseAgent, 0, dispute.SystemResolver); err != nil {
				return err
			}
			if err := tx.Disputes().Update(ctx, rec); err != nil {
				return fmt.Errorf("engine: update dispute: %w", err)
			}
			return nil
		}
		return fmt.Errorf("%w: auto-release from %s", engagement.ErrInvalidTransition, e.Status)
	})
}
