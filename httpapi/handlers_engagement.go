package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"viewingflow/auth"
	"viewingflow/bid"
	"viewingflow/engagement"
	"viewingflow/engine"
)

type registerBidRequest struct {
	ID          string `json:"id"`
	DemandID    string `json:"demand_id"`
	RequesterID string `json:"requester_id"`
	AgentID     string `json:"agent_id"`
	PropertyID  string `json:"property_id"`
	Amount      int64  `json:"amount"`
	SlotAt      string `json:"slot_at"`
	SlotPlace   string `json:"slot_place"`
}

type slotRequest struct {
	At    string `json:"at"`
	Place string `json:"place"`
}

func (req slotRequest) slot() (engagement.Slot, bool) {
	at, err := time.Parse(time.RFC3339, req.At)
	if err != nil {
		return engagement.Slot{}, false
	}
	return engagement.Slot{At: at.UTC(), Place: req.Place}, true
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type alternativeRequest struct {
	PropertyID string `json:"property_id"`
	Note       string `json:"note"`
}

type outcomeRequest struct {
	Verdict      string   `json:"verdict"`
	Feedback     string   `json:"feedback"`
	EvidenceRefs []string `json:"evidence_refs"`
}

type payResponse struct {
	Engagement    engagementView `json:"engagement"`
	CollectionRef string         `json:"collection_ref,omitempty"`
	Shortfall     int64          `json:"shortfall,omitempty"`
	Pending       bool           `json:"pending,omitempty"`
}

type outcomeResponse struct {
	Engagement engagementView `json:"engagement"`
	Dispute    *disputeView   `json:"dispute,omitempty"`
}

// handleRegisterBid records a marketplace bid. Agents may only bid as
// themselves.
func (s *Server) handleRegisterBid(w http.ResponseWriter, r *http.Request) {
	var req registerBidRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	switch roleFrom(r.Context()) {
	case auth.RoleAgent:
		if req.AgentID == "" {
			req.AgentID = userIDFrom(r.Context())
		}
		if req.AgentID != userIDFrom(r.Context()) {
			forbidden(w)
			return
		}
	case auth.RoleAdmin:
	default:
		forbidden(w)
		return
	}
	slotAt, err := time.Parse(time.RFC3339, req.SlotAt)
	if err != nil {
		badRequest(w, "slot_at must be RFC3339")
		return
	}

	b, err := s.gate.RegisterBid(r.Context(), bid.RegisterParams{
		ID:          req.ID,
		DemandID:    req.DemandID,
		RequesterID: req.RequesterID,
		AgentID:     req.AgentID,
		PropertyID:  req.PropertyID,
		Amount:      req.Amount,
		SlotAt:      slotAt.UTC(),
		SlotPlace:   req.SlotPlace,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBidView(b))
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	e, err := s.gate.AcceptBid(r.Context(), engine.AcceptBidParams{
		DemandID: vars["demandID"],
		BidID:    vars["bidID"],
		ActorID:  userIDFrom(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEngagementView(e))
}

func (s *Server) handleListEngagements(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	list, err := s.svc.ListForParty(r.Context(), userIDFrom(r.Context()), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := toEngagementViews(list)
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleEngagement(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Details(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.canView(r, d.Engagement) {
		forbidden(w)
		return
	}
	writeJSON(w, http.StatusOK, toDetailsView(d))
}

func (s *Server) canView(r *http.Request, e engagement.Engagement) bool {
	if roleFrom(r.Context()) == auth.RoleAdmin {
		return true
	}
	uid := userIDFrom(r.Context())
	return uid != "" && (uid == e.RequesterID || uid == e.AgentID)
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Pay(r.Context(), mux.Vars(r)["id"], userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.CollectionRef != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, payResponse{
		Engagement:    toEngagementView(res.Engagement),
		CollectionRef: res.CollectionRef,
		Shortfall:     res.Shortfall,
		Pending:       res.Pending,
	})
}

func (s *Server) handleArrival(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.ConfirmArrival(r.Context(), mux.Vars(r)["id"], userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEngagementView(e))
}

func (s *Server) handleNoShow(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.ReportNoShow(r.Context(), mux.Vars(r)["id"], userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeView(rec))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	e, err := s.svc.Cancel(r.Context(), mux.Vars(r)["id"], userIDFrom(r.Context()), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEngagementView(e))
}

func (s *Server) handleProposeReschedule(w http.ResponseWriter, r *http.Request) {
	s.rescheduleWithSlot(w, r, s.svc.ProposeReschedule, http.StatusCreated)
}

func (s *Server) handleCounterReschedule(w http.ResponseWriter, r *http.Request) {
	s.rescheduleWithSlot(w, r, s.svc.CounterReschedule, http.StatusOK)
}

type slotOp func(ctx context.Context, engagementID, actorID string, slot engagement.Slot) (engagement.RescheduleRequest, error)

func (s *Server) rescheduleWithSlot(w http.ResponseWriter, r *http.Request, op slotOp, status int) {
	var req slotRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	slot, ok := req.slot()
	if !ok {
		badRequest(w, "at must be RFC3339")
		return
	}
	rr, err := op(r.Context(), mux.Vars(r)["id"], userIDFrom(r.Context()), slot)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, toRescheduleView(rr))
}

func (s *Server) handleAcceptReschedule(w http.ResponseWriter, r *http.Request) {
	rr, err := s.svc.AcceptReschedule(r.Context(), mux.Vars(r)["id"], userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRescheduleView(rr))
}

func (s *Server) handleRejectReschedule(w http.ResponseWriter, r *http.Request) {
	rr, err := s.svc.RejectReschedule(r.Context(), mux.Vars(r)["id"], userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRescheduleView(rr))
}

func (s *Server) handleOfferAlternative(w http.ResponseWriter, r *http.Request) {
	var req alternativeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	o, err := s.svc.OfferAlternative(r.Context(), mux.Vars(r)["id"], userIDFrom(r.Context()), req.PropertyID, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOfferView(o))
}

func (s *Server) handleAcceptAlternative(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.AcceptAlternative(r.Context(), mux.Vars(r)["id"], userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferView(o))
}

func (s *Server) handleRejectAlternative(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.RejectAlternative(r.Context(), mux.Vars(r)["id"], userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferView(o))
}

func (s *Server) handleSubmitOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := s.svc.SubmitOutcome(r.Context(), engine.SubmitOutcomeParams{
		EngagementID: mux.Vars(r)["id"],
		ActorID:      userIDFrom(r.Context()),
		Verdict:      engagement.Outcome(req.Verdict),
		Feedback:     req.Feedback,
		EvidenceRefs: req.EvidenceRefs,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := outcomeResponse{Engagement: toEngagementView(res.Engagement)}
	if res.Dispute != nil {
		d := toDisputeView(*res.Dispute)
		resp.Dispute = &d
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAutoRelease(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.AutoRelease(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEngagementView(e))
}
