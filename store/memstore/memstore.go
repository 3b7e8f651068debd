// Package memstore is an in-process store for development and tests. Every
// unit of work runs against a copy of the state under one writer lock and the
// copy replaces the live state only when the unit succeeds.
package memstore

import (
	"context"
	"maps"
	"sync"

	"viewingflow/bid"
	"viewingflow/dispute"
	"viewingflow/engagement"
	"viewingflow/ledger"
	"viewingflow/outbox"
	"viewingflow/store"
)

type state struct {
	wallets      map[string]ledger.Wallet
	txs          []ledger.Transaction
	engagements  map[string]engagement.Engagement
	reschedules  map[string]engagement.RescheduleRequest
	offers       map[string]engagement.AlternativeOffer
	disputes     map[string]dispute.Record
	bids         map[string]bid.Bid
	messages     []outbox.Message
	nextOutboxID int64
}

func newState() *state {
	return &state{
		wallets:     map[string]ledger.Wallet{},
		engagements: map[string]engagement.Engagement{},
		reschedules: map[string]engagement.RescheduleRequest{},
		offers:      map[string]engagement.AlternativeOffer{},
		disputes:    map[string]dispute.Record{},
		bids:        map[string]bid.Bid{},
	}
}

func (s *state) clone() *state {
	return &state{
		wallets:      maps.Clone(s.wallets),
		txs:          append([]ledger.Transaction(nil), s.txs...),
		engagements:  maps.Clone(s.engagements),
		reschedules:  maps.Clone(s.reschedules),
		offers:       maps.Clone(s.offers),
		disputes:     maps.Clone(s.disputes),
		bids:         maps.Clone(s.bids),
		messages:     append([]outbox.Message(nil), s.messages...),
		nextOutboxID: s.nextOutboxID,
	}
}

// Store is the in-memory store.Store.
type Store struct {
	mu      sync.Mutex
	claimed map[int64]struct{}
	state   *state
}

// New returns an empty store.
func New() *Store {
	return &Store{state: newState(), claimed: map[int64]struct{}{}}
}

var _ store.Store = (*Store)(nil)

// InTx serialises all units of work.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Drain claims up to limit pending messages under the writer lock, feeds
// them to fn with the lock released, then records each outcome. Claimed
// messages are skipped by concurrent drains until their outcome is recorded.
func (s *Store) Drain(ctx context.Context, limit, maxAttempts int, fn func(context.Context, outbox.Message) error) (int, error) {
	batch := s.claim(limit)
	if len(batch) == 0 {
		return 0, nil
	}

	errs := make([]error, len(batch))
	for i, m := range batch {
		errs[i] = fn(ctx, m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range batch {
		delete(s.claimed, m.ID)
		live := s.state.message(m.ID)
		if live == nil {
			continue
		}
		if err := errs[i]; err != nil {
			live.Attempts++
			live.LastError = err.Error()
			if live.Attempts >= maxAttempts {
				live.Status = outbox.StatusDead
			}
			continue
		}
		now := clock()
		live.Status = outbox.StatusDispatched
		live.DispatchedAt = &now
	}
	return len(batch), nil
}

func (s *Store) claim(limit int) []outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batch []outbox.Message
	for _, m := range s.state.messages {
		if len(batch) >= limit {
			break
		}
		if m.Status != outbox.StatusPending {
			continue
		}
		if _, busy := s.claimed[m.ID]; busy {
			continue
		}
		s.claimed[m.ID] = struct{}{}
		batch = append(batch, m)
	}
	return batch
}

func (s *state) message(id int64) *outbox.Message {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return &s.messages[i]
		}
	}
	return nil
}

// Messages returns a snapshot of every outbox message.
func (s *Store) Messages() []outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Message(nil), s.state.messages...)
}

// Transactions returns a snapshot of the ledger log.
func (s *Store) Transactions() []ledger.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Transaction(nil), s.state.txs...)
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

type tx struct {
	st *state
}

func (t *tx) Ledger() ledger.Repository { return ledgerRepo{t.st} }
func (t *tx) Engagements() engagement.Repository { return engagementRepo{t.st} }
func (t *tx) Reschedules() engagement.RescheduleRepository { return rescheduleRepo{t.st} }
func (t *tx) Offers() engagement.OfferRepository { return offerRepo{t.st} }
func (t *tx) Disputes() dispute.Repository { return disputeRepo{t.st} }
func (t *tx) Bids() bid.Repository { return bidRepo{t.st} }
func (t *tx) Outbox() outbox.Writer { return outboxWriter{t.st} }
