package engine

import (
	"errors"

	"viewingflow/bid"
	"viewingflow/dispute"
	"viewingflow/engagement"
	"viewingflow/ledger"
	"viewingflow/payment"
)

var (
	ErrForbidden            = errors.New("engine: forbidden")
	ErrExternal             = errors.New("engine: payment provider failure")
	ErrInvalidInput         = errors.New("engine: invalid input")
	ErrNotDue               = errors.New("engine: auto-release deadline not reached")
	ErrAutoReleaseSuspended = errors.New("engine: auto-release suspended")
)

// Kind classifies an error for callers deciding how to react.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindResource   Kind = "resource"
	KindExternal   Kind = "external"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindInternal   Kind = "internal"
)

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindValidation, []error{
		ErrInvalidInput,
		engagement.ErrEvidenceRequired, engagement.ErrInvalidOutcome, engagement.ErrInvalidSlot,
		engagement.ErrPropertyRequired,
		ledger.ErrInvalidAmount, ledger.ErrWalletRequired,
		dispute.ErrInvalidResolution, dispute.ErrInvalidShare, dispute.ErrReasonRequired,
		bid.ErrInvalidAmount, bid.ErrSelfBid, bid.ErrMissingReference,
	}},
	{KindForbidden, []error{
		ErrForbidden, engagement.ErrNotParticipant, engagement.ErrForbidden, bid.ErrDemandMismatch,
	}},
	{KindNotFound, []error{
		engagement.ErrNotFound, dispute.ErrNotFound, bid.ErrNotFound, ledger.ErrTxNotFound,
	}},
	{KindResource, []error{
		ledger.ErrInsufficientFunds,
	}},
	{KindExternal, []error{
		ErrExternal, payment.ErrRejected,
	}},
	{KindConflict, []error{
		ErrNotDue, ErrAutoReleaseSuspended,
		engagement.ErrInvalidTransition, engagement.ErrConflictingRequest, engagement.ErrAlreadyReported,
		engagement.ErrNoActiveRequest, engagement.ErrNotYourTurn, engagement.ErrNoShowNotEligible,
		engagement.ErrNoShowTooEarly, engagement.ErrMeetingNotHeld, engagement.ErrStaleVersion,
		bid.ErrAlreadyAccepted, bid.ErrDuplicate,
		dispute.ErrAlreadyResolved, dispute.ErrAlreadyOpen, dispute.ErrAlreadyResponded,
		ledger.ErrTxSettled, ledger.ErrDuplicateTx,
	}},
}

// KindOf maps any error returned by the engine onto its Kind. Unknown errors
// are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindInternal
}
