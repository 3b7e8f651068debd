package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

type amountRequest struct {
	Amount int64  `json:"amount"`
	Ref    string `json:"ref"`
}

type callbackRequest struct {
	Ref     string `json:"ref"`
	Success bool   `json:"success"`
}

type collectionResponse struct {
	Transaction transactionView `json:"transaction"`
	Engagement  *engagementView `json:"engagement,omitempty"`
	Confirmed   bool            `json:"confirmed"`
	Replayed    bool            `json:"replayed"`
}

type payoutResponse struct {
	Transaction transactionView `json:"transaction"`
	Replayed    bool            `json:"replayed"`
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.svc.Balance(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletView(wallet))
}

func (s *Server) handleWalletHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	txs, err := s.svc.History(r.Context(), userIDFrom(r.Context()), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]transactionView, 0, len(txs))
	for _, t := range txs {
		items = append(items, toTransactionView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	t, err := s.svc.Withdraw(r.Context(), userIDFrom(r.Context()), req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toTransactionView(t))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	t, err := s.svc.Deposit(r.Context(), mux.Vars(r)["walletID"], req.Amount, req.Ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionView(t))
}

func (s *Server) handleCollectionCallback(w http.ResponseWriter, r *http.Request) {
	if !s.verifyCallback(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid callback secret", Kind: "unauthorized"})
		return
	}
	var req callbackRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Ref == "" {
		badRequest(w, "ref required")
		return
	}
	res, err := s.svc.OnCollectionResult(r.Context(), req.Ref, req.Success)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := collectionResponse{
		Transaction: toTransactionView(res.Transaction),
		Confirmed:   res.Confirmed,
		Replayed:    res.Replayed,
	}
	if res.Engagement != nil {
		v := toEngagementView(*res.Engagement)
		resp.Engagement = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePayoutCallback(w http.ResponseWriter, r *http.Request) {
	if !s.verifyCallback(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid callback secret", Kind: "unauthorized"})
		return
	}
	var req callbackRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Ref == "" {
		badRequest(w, "ref required")
		return
	}
	t, replayed, err := s.svc.OnPayoutResult(r.Context(), req.Ref, req.Success)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payoutResponse{Transaction: toTransactionView(t), Replayed: replayed})
}
