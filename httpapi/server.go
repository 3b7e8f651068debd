// Package httpapi exposes the engagement engine over HTTP. Parties
// authenticate with bearer tokens; the payment provider calls back with a
// shared secret.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"viewingflow/auth"
	"viewingflow/engine"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// Server routes HTTP requests to the engine.
type Server struct {
	svc       *engine.Service
	gate      *engine.Gate
	tokens    *auth.TokenVerifier
	callbacks *auth.CallbackVerifier
	health    func(ctx context.Context) error
	logger    *slog.Logger
}

// Options configures a Server. Health may be nil.
type Options struct {
	Service   *engine.Service
	Gate      *engine.Gate
	Tokens    *auth.TokenVerifier
	Callbacks *auth.CallbackVerifier
	Health    func(ctx context.Context) error
	Logger    *slog.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	health := opts.Health
	if health == nil {
		health = func(context.Context) error { return nil }
	}
	return &Server{
		svc:       opts.Service,
		gate:      opts.Gate,
		tokens:    opts.Tokens,
		callbacks: opts.Callbacks,
		health:    health,
		logger:    logger,
	}
}

// Handler builds the full router with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.loggingMiddleware, s.recoverMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/callbacks/collection", s.handleCollectionCallback).Methods(http.MethodPost)
	r.HandleFunc("/callbacks/payout", s.handlePayoutCallback).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/bids", s.handleRegisterBid).Methods(http.MethodPost)
	api.HandleFunc("/demands/{demandID}/bids/{bidID}/accept", s.handleAcceptBid).Methods(http.MethodPost)

	api.HandleFunc("/engagements", s.handleListEngagements).Methods(http.MethodGet)
	api.HandleFunc("/engagements/{id}", s.handleEngagement).Methods(http.MethodGet)
	api.HandleFunc("/engagements/{id}/pay", s.handlePay).Methods(http.MethodPost)
	api.HandleFunc("/engagements/{id}/arrival", s.handleArrival).Methods(http.MethodPost)
	api.HandleFunc("/engagements/{id}/no-show", s.handleNoShow).Methods(http.MethodPost)
	api.HandleFunc("/engagements/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/engagements/{id}/reschedule", s.handleProposeReschedule).Methods(http.MethodPost)
	api.HandleFunc("/engagements/{id}/reschedule/counter", s.handleCounterReschedule).Methods(http.MethodPost)
	api.HandleFunc("/engagements/{id}/reschedule/accept", s.handleAcceptReschedule).Methods(http.MethodPost)
	api.HandleFunc("/engagements/{id}/reschedule/reject", s.handleRejectReschedule).Methods(http.MethodPost)
	api.HandleFunc("/engagements/{id}/alternative", s.handleOfferAlternative).Methods(http.MethodPost)
	api.HandleFunc("/engagements/{id}/alternative/accept", s.handleAcceptAlternative).Methods(http.MethodPost)
	api.HandleFunc("/engagements/{id}/alternative/reject", s.handleRejectAlternative).Methods(http.MethodPost)
	api.HandleFunc("/engagements/{id}/outcome", s.handleSubmitOutcome).Methods(http.MethodPost)
	api.HandleFunc("/engagements/{id}/disputes", s.handleRaiseDispute).Methods(http.MethodPost)
	api.Handle("/engagements/{id}/auto-release", s.requireAdmin(http.HandlerFunc(s.handleAutoRelease))).Methods(http.MethodPost)

	api.HandleFunc("/disputes/{id}", s.handleDispute).Methods(http.MethodGet)
	api.HandleFunc("/disputes/{id}/respond", s.handleRespondDispute).Methods(http.MethodPost)
	api.HandleFunc("/disputes/{id}/escalate", s.handleEscalateDispute).Methods(http.MethodPost)
	api.Handle("/disputes/{id}/resolve", s.requireAdmin(http.HandlerFunc(s.handleResolveDispute))).Methods(http.MethodPost)

	api.HandleFunc("/wallets/me", s.handleWallet).Methods(http.MethodGet)
	api.HandleFunc("/wallets/me/transactions", s.handleWalletHistory).Methods(http.MethodGet)
	api.HandleFunc("/wallets/me/withdrawals", s.handleWithdraw).Methods(http.MethodPost)
	api.Handle("/wallets/{walletID}/deposits", s.requireAdmin(http.HandlerFunc(s.handleDeposit))).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

func roleFrom(ctx context.Context) auth.Role {
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return role
}
