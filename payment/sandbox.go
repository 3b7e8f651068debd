package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Request is one call recorded by the Sandbox.
type Request struct {
	Ref      string
	Kind     string
	WalletID string
	Amount   int64
}

// Sandbox accepts every request and records it. Results are delivered by
// whoever drives the sandbox (tests, the dev callback endpoint).
type Sandbox struct {
	mu       sync.Mutex
	requests []Request
	failNext error
}

func NewSandbox() *Sandbox {
	return &Sandbox{}
}

// FailNext makes the next Initiate call return err.
func (s *Sandbox) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Sandbox) InitiateCollection(ctx context.Context, walletID string, amount int64) (string, error) {
	return s.initiate(ctx, "collection", walletID, amount)
}

func (s *Sandbox) InitiatePayout(ctx context.Context, walletID string, amount int64) (string, error) {
	return s.initiate(ctx, "payout", walletID, amount)
}

func (s *Sandbox) initiate(ctx context.Context, kind, walletID string, amount int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return "", fmt.Errorf("payment: %s: %w", kind, err)
	}
	ref := kind + "-" + uuid.NewString()
	s.requests = append(s.requests, Request{Ref: ref, Kind: kind, WalletID: walletID, Amount: amount})
	return ref, nil
}

// Requests returns every accepted request in order.
func (s *Sandbox) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Last returns the most recent request of a kind.
func (s *Sandbox) Last(kind string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Kind == kind {
			return s.requests[i], true
		}
	}
	return Request{}, false
}
