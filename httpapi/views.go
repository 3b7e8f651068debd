package httpapi

import (
	"time"

	"viewingflow/bid"
	"viewingflow/dispute"
	"viewingflow/engagement"
	"viewingflow/engine"
	"viewingflow/ledger"
)

type slotView struct {
	At    string `json:"at"`
	Place string `json:"place"`
}

type engagementView struct {
	ID                 string   `json:"id"`
	BidID              string   `json:"bid_id"`
	DemandID           string   `json:"demand_id"`
	RequesterID        string   `json:"requester_id"`
	AgentID            string   `json:"agent_id"`
	PropertyID         string   `json:"property_id"`
	Amount             int64    `json:"amount"`
	Status             string   `json:"status"`
	Slot               slotView `json:"slot"`
	Round              int      `json:"round"`
	RequesterArrived   bool     `json:"requester_arrived"`
	AgentArrived       bool     `json:"agent_arrived"`
	MeetingConfirmedAt *string  `json:"meeting_confirmed_at,omitempty"`
	Outcome            *string  `json:"outcome,omitempty"`
	OutcomeFeedback    string   `json:"outcome_feedback,omitempty"`
	OutcomeSubmittedAt *string  `json:"outcome_submitted_at,omitempty"`
	AutoReleaseAt      *string  `json:"auto_release_at,omitempty"`
	Version            int64    `json:"version"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
}

type rescheduleView struct {
	ID          string    `json:"id"`
	RequestedBy string    `json:"requested_by"`
	ProposedBy  string    `json:"proposed_by"`
	Proposed    slotView  `json:"proposed"`
	Counter     *slotView `json:"counter,omitempty"`
	Counters    int       `json:"counters"`
	Status      string    `json:"status"`
	UpdatedAt   string    `json:"updated_at"`
}

type offerView struct {
	ID                string  `json:"id"`
	OfferedPropertyID string  `json:"offered_property_id"`
	Note              string  `json:"note,omitempty"`
	Status            string  `json:"status"`
	PriorPropertyID   string  `json:"prior_property_id,omitempty"`
	PriorMeetingAt    *string `json:"prior_meeting_at,omitempty"`
	UpdatedAt         string  `json:"updated_at"`
}

type disputeView struct {
	ID            string   `json:"id"`
	EngagementID  string   `json:"engagement_id"`
	RaisedBy      string   `json:"raised_by"`
	Kind          string   `json:"kind"`
	Reason        string   `json:"reason"`
	EvidenceRefs  []string `json:"evidence_refs"`
	AgentResponse *string  `json:"agent_response,omitempty"`
	UnderReview   bool     `json:"under_review"`
	Status        string   `json:"status"`
	Resolution    *string  `json:"resolution,omitempty"`
	AgentShareBps int      `json:"agent_share_bps,omitempty"`
	ResolvedBy    string   `json:"resolved_by,omitempty"`
	CreatedAt     string   `json:"created_at"`
	ResolvedAt    *string  `json:"resolved_at,omitempty"`
}

type detailsView struct {
	Engagement  engagementView   `json:"engagement"`
	Reschedules []rescheduleView `json:"reschedules"`
	Offers      []offerView      `json:"offers"`
	Disputes    []disputeView    `json:"disputes"`
	EscrowHeld  int64            `json:"escrow_held"`
}

type bidView struct {
	ID          string   `json:"id"`
	DemandID    string   `json:"demand_id"`
	RequesterID string   `json:"requester_id"`
	AgentID     string   `json:"agent_id"`
	PropertyID  string   `json:"property_id"`
	Amount      int64    `json:"amount"`
	Slot        slotView `json:"slot"`
	Status      string   `json:"status"`
}

type walletView struct {
	ID        string `json:"id"`
	Available int64  `json:"available"`
	Escrow    int64  `json:"escrow"`
	Pending   int64  `json:"pending"`
}

type transactionView struct {
	ID                   string  `json:"id"`
	WalletID             string  `json:"wallet_id"`
	CounterpartyWalletID string  `json:"counterparty_wallet_id,omitempty"`
	Type                 string  `json:"type"`
	Amount               int64   `json:"amount"`
	Fee                  int64   `json:"fee,omitempty"`
	RelatedEngagementID  *string `json:"related_engagement_id,omitempty"`
	ExternalRef          string  `json:"external_ref,omitempty"`
	Status               string  `json:"status"`
	CreatedAt            string  `json:"created_at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toSlotView(s engagement.Slot) slotView {
	return slotView{At: formatTime(s.At), Place: s.Place}
}

func toEngagementView(e engagement.Engagement) engagementView {
	v := engagementView{
		ID:                 e.ID,
		BidID:              e.BidID,
		DemandID:           e.DemandID,
		RequesterID:        e.RequesterID,
		AgentID:            e.AgentID,
		PropertyID:         e.PropertyID,
		Amount:             e.Amount,
		Status:             string(e.Status),
		Slot:               toSlotView(e.ScheduledAt),
		Round:              e.Round,
		RequesterArrived:   e.RequesterArrived,
		AgentArrived:       e.AgentArrived,
		MeetingConfirmedAt: formatTimePtr(e.MeetingConfirmedAt),
		OutcomeFeedback:    e.OutcomeFeedback,
		OutcomeSubmittedAt: formatTimePtr(e.OutcomeSubmittedAt),
		AutoReleaseAt:      formatTimePtr(e.AutoReleaseAt),
		Version:            e.Version,
		CreatedAt:          formatTime(e.CreatedAt),
		UpdatedAt:          formatTime(e.UpdatedAt),
	}
	if e.Outcome != nil {
		o := string(*e.Outcome)
		v.Outcome = &o
	}
	return v
}

func toEngagementViews(list []engagement.Engagement) []engagementView {
	out := make([]engagementView, 0, len(list))
	for _, e := range list {
		out = append(out, toEngagementView(e))
	}
	return out
}

func toRescheduleView(r engagement.RescheduleRequest) rescheduleView {
	v := rescheduleView{
		ID:          r.ID,
		RequestedBy: string(r.RequestedBy),
		ProposedBy:  string(r.ProposedBy),
		Proposed:    toSlotView(r.ProposedAt),
		Counters:    r.Counters,
		Status:      string(r.Status),
		UpdatedAt:   formatTime(r.UpdatedAt),
	}
	if r.CounterAt != nil {
		c := toSlotView(*r.CounterAt)
		v.Counter = &c
	}
	return v
}

func toOfferView(o engagement.AlternativeOffer) offerView {
	return offerView{
		ID:                o.ID,
		OfferedPropertyID: o.OfferedPropertyID,
		Note:              o.Note,
		Status:            string(o.Status),
		PriorPropertyID:   o.PriorPropertyID,
		PriorMeetingAt:    formatTimePtr(o.PriorMeetingAt),
		UpdatedAt:         formatTime(o.UpdatedAt),
	}
}

func toDisputeView(d dispute.Record) disputeView {
	v := disputeView{
		ID:            d.ID,
		EngagementID:  d.EngagementID,
		RaisedBy:      d.RaisedBy,
		Kind:          string(d.Kind),
		Reason:        d.Reason,
		EvidenceRefs:  d.EvidenceRefs,
		AgentResponse: d.AgentResponse,
		UnderReview:   d.UnderReview,
		Status:        string(d.Status),
		AgentShareBps: d.AgentShareBps,
		ResolvedBy:    d.ResolvedBy,
		CreatedAt:     formatTime(d.CreatedAt),
		ResolvedAt:    formatTimePtr(d.ResolvedAt),
	}
	if v.EvidenceRefs == nil {
		v.EvidenceRefs = []string{}
	}
	if d.Resolution != nil {
		r := string(*d.Resolution)
		v.Resolution = &r
	}
	return v
}

func toDetailsView(d engine.Details) detailsView {
	v := detailsView{
		Engagement:  toEngagementView(d.Engagement),
		Reschedules: make([]rescheduleView, 0, len(d.Reschedules)),
		Offers:      make([]offerView, 0, len(d.Offers)),
		Disputes:    make([]disputeView, 0, len(d.Disputes)),
		EscrowHeld:  d.EscrowHeld,
	}
	for _, r := range d.Reschedules {
		v.Reschedules = append(v.Reschedules, toRescheduleView(r))
	}
	for _, o := range d.Offers {
		v.Offers = append(v.Offers, toOfferView(o))
	}
	for _, rec := range d.Disputes {
		v.Disputes = append(v.Disputes, toDisputeView(rec))
	}
	return v
}

func toBidView(b bid.Bid) bidView {
	return bidView{
		ID:          b.ID,
		DemandID:    b.DemandID,
		RequesterID: b.RequesterID,
		AgentID:     b.AgentID,
		PropertyID:  b.PropertyID,
		Amount:      b.Amount,
		Slot:        slotView{At: formatTime(b.SlotAt), Place: b.SlotPlace},
		Status:      string(b.Status),
	}
}

func toWalletView(w ledger.Wallet) walletView {
	return walletView{ID: w.ID, Available: w.Available, Escrow: w.Escrow, Pending: w.Pending}
}

func toTransactionView(t ledger.Transaction) transactionView {
	return transactionView{
		ID:                   t.ID,
		WalletID:             t.WalletID,
		CounterpartyWalletID: t.CounterpartyWalletID,
		Type:                 string(t.Type),
		Amount:               t.Amount,
		Fee:                  t.Fee,
		RelatedEngagementID:  t.RelatedEngagementID,
		ExternalRef:          t.ExternalRef,
		Status:               string(t.Status),
		CreatedAt:            formatTime(t.CreatedAt),
	}
}
