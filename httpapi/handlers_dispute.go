package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"viewingflow/dispute"
	"viewingflow/engine"
)

type raiseDisputeRequest struct {
	Reason       string   `json:"reason"`
	EvidenceRefs []string `json:"evidence_refs"`
}

type respondDisputeRequest struct {
	Text    string `json:"text"`
	Concede bool   `json:"concede"`
}

type resolveDisputeRequest struct {
	Resolution    string `json:"resolution"`
	AgentShareBps int    `json:"agent_share_bps"`
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req raiseDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := s.svc.RaiseDispute(r.Context(), engine.RaiseDisputeParams{
		EngagementID: mux.Vars(r)["id"],
		ActorID:      userIDFrom(r.Context()),
		Reason:       req.Reason,
		EvidenceRefs: req.EvidenceRefs,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeView(rec))
}

// handleDispute returns a dispute to either party of its engagement or to an
// admin.
func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetDispute(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, err := s.svc.Get(r.Context(), rec.EngagementID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.canView(r, e) {
		forbidden(w)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(rec))
}

func (s *Server) handleRespondDispute(w http.ResponseWriter, r *http.Request) {
	var req respondDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := s.svc.RespondToDispute(r.Context(), mux.Vars(r)["id"], userIDFrom(r.Context()), req.Text, req.Concede)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(rec))
}

func (s *Server) handleEscalateDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.EscalateDispute(r.Context(), mux.Vars(r)["id"], userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(rec))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := s.svc.ResolveDispute(r.Context(), engine.ResolveParams{
		DisputeID:     mux.Vars(r)["id"],
		Resolution:    dispute.Resolution(req.Resolution),
		AgentShareBps: req.AgentShareBps,
		ResolvedBy:    userIDFrom(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(rec))
}
