package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"viewingflow/bid"
	"viewingflow/dispute"
	"viewingflow/engagement"
	"viewingflow/ledger"
	"viewingflow/outbox"
)

var clock = func() time.Time { return time.Now().UTC() }

type ledgerRepo struct{ st *state }

func (r ledgerRepo) GetWalletForUpdate(_ context.Context, id string) (ledger.Wallet, error) {
	w, ok := r.st.wallets[id]
	if !ok {
		now := clock()
		w = ledger.Wallet{ID: id, CreatedAt: now, UpdatedAt: now}
		r.st.wallets[id] = w
	}
	return w, nil
}

func (r ledgerRepo) GetWallet(ctx context.Context, id string) (ledger.Wallet, error) {
	if w, ok := r.st.wallets[id]; ok {
		return w, nil
	}
	return ledger.Wallet{ID: id}, nil
}

func (r ledgerRepo) SaveWallet(_ context.Context, w ledger.Wallet) error {
	if w.Available < 0 || w.Escrow < 0 || w.Pending < 0 {
		return fmt.Errorf("memstore: wallet %s would go negative", w.ID)
	}
	r.st.wallets[w.ID] = w
	return nil
}

func (r ledgerRepo) InsertTransaction(_ context.Context, t ledger.Transaction) error {
	if t.RelatedEngagementID != nil && t.Status == ledger.TxComplete && oncePerEngagement(t.Type) {
		for _, existing := range r.st.txs {
			if sameEngagementOp(existing, *t.RelatedEngagementID, t.Type) {
				return ledger.ErrDuplicateTx
			}
		}
	}
	r.st.txs = append(r.st.txs, t)
	return nil
}

func (r ledgerRepo) SettleTransaction(_ context.Context, id string, status ledger.TxStatus, at time.Time) error {
	for i := range r.st.txs {
		if r.st.txs[i].ID != id {
			continue
		}
		if r.st.txs[i].Status != ledger.TxPending {
			return ledger.ErrTxSettled
		}
		r.st.txs[i].Status = status
		r.st.txs[i].UpdatedAt = at
		return nil
	}
	return ledger.ErrTxNotFound
}

func (r ledgerRepo) SetExternalRef(_ context.Context, id, ref string) error {
	for i := range r.st.txs {
		if r.st.txs[i].ID == id {
			r.st.txs[i].ExternalRef = ref
			return nil
		}
	}
	return ledger.ErrTxNotFound
}

func (r ledgerRepo) FindEngagementTransaction(_ context.Context, engagementID string, typ ledger.TxType) (ledger.Transaction, error) {
	for _, t := range r.st.txs {
		if sameEngagementOp(t, engagementID, typ) {
			return t, nil
		}
	}
	return ledger.Transaction{}, ledger.ErrTxNotFound
}

func (r ledgerRepo) PendingDeposit(_ context.Context, engagementID string) (ledger.Transaction, error) {
	for _, t := range r.st.txs {
		if t.Type == ledger.TxDeposit && t.Status == ledger.TxPending &&
			t.RelatedEngagementID != nil && *t.RelatedEngagementID == engagementID {
			return t, nil
		}
	}
	return ledger.Transaction{}, ledger.ErrTxNotFound
}

func (r ledgerRepo) GetTransactionByRefForUpdate(_ context.Context, ref string) (ledger.Transaction, error) {
	for _, t := range r.st.txs {
		if ref != "" && t.ExternalRef == ref {
			return t, nil
		}
	}
	return ledger.Transaction{}, ledger.ErrTxNotFound
}

func (r ledgerRepo) ListTransactions(_ context.Context, walletID string, limit int) ([]ledger.Transaction, error) {
	out := make([]ledger.Transaction, 0, 8)
	for i := len(r.st.txs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		t := r.st.txs[i]
		if t.WalletID == walletID || t.CounterpartyWalletID == walletID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r ledgerRepo) EscrowHeld(_ context.Context, engagementID string) (int64, error) {
	var held int64
	for _, t := range r.st.txs {
		if t.RelatedEngagementID == nil || *t.RelatedEngagementID != engagementID || t.Status != ledger.TxComplete {
			continue
		}
		switch t.Type {
		case ledger.TxEscrowHold:
			held += t.Amount
		case ledger.TxEscrowRelease, ledger.TxEscrowRefund:
			held -= t.Amount
		}
	}
	return held, nil
}

func oncePerEngagement(t ledger.TxType) bool {
	switch t {
	case ledger.TxEscrowHold, ledger.TxEscrowRelease, ledger.TxEscrowRefund, ledger.TxPlatformFee:
		return true
	}
	return false
}

func sameEngagementOp(t ledger.Transaction, engagementID string, typ ledger.TxType) bool {
	return t.RelatedEngagementID != nil && *t.RelatedEngagementID == engagementID &&
		t.Type == typ && t.Status == ledger.TxComplete
}

type engagementRepo struct{ st *state }

func (r engagementRepo) Create(_ context.Context, e engagement.Engagement) error {
	if _, ok := r.st.engagements[e.ID]; ok {
		return fmt.Errorf("memstore: engagement %s exists", e.ID)
	}
	for _, existing := range r.st.engagements {
		if e.BidID != "" && existing.BidID == e.BidID {
			return bid.ErrAlreadyAccepted
		}
	}
	r.st.engagements[e.ID] = e
	return nil
}

func (r engagementRepo) Get(_ context.Context, id string) (engagement.Engagement, error) {
	e, ok := r.st.engagements[id]
	if !ok {
		return engagement.Engagement{}, engagement.ErrNotFound
	}
	return e, nil
}

func (r engagementRepo) GetForUpdate(ctx context.Context, id string) (engagement.Engagement, error) {
	return r.Get(ctx, id)
}

func (r engagementRepo) Update(_ context.Context, e engagement.Engagement) (engagement.Engagement, error) {
	stored, ok := r.st.engagements[e.ID]
	if !ok {
		return engagement.Engagement{}, engagement.ErrNotFound
	}
	if stored.Version != e.Version {
		return engagement.Engagement{}, engagement.ErrStaleVersion
	}
	e.Version++
	r.st.engagements[e.ID] = e
	return e, nil
}

func (r engagementRepo) ListForParty(_ context.Context, partyID string, limit int) ([]engagement.Engagement, error) {
	out := make([]engagement.Engagement, 0, 8)
	for _, e := range r.st.engagements {
		if e.RequesterID == partyID || e.AgentID == partyID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r engagementRepo) ListDueForRelease(_ context.Context, before time.Time, limit int) ([]engagement.Engagement, error) {
	out := make([]engagement.Engagement, 0, 8)
	for _, e := range r.st.engagements {
		if e.AutoReleaseAt != nil && !e.AutoReleaseAt.After(before) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AutoReleaseAt.Before(*out[j].AutoReleaseAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type rescheduleRepo struct{ st *state }

func (r rescheduleRepo) Active(_ context.Context, engagementID string) (*engagement.RescheduleRequest, error) {
	for _, req := range r.st.reschedules {
		if req.EngagementID == engagementID && req.Status.Active() {
			found := req
			return &found, nil
		}
	}
	return nil, nil
}

func (r rescheduleRepo) Create(ctx context.Context, req engagement.RescheduleRequest) error {
	if active, _ := r.Active(ctx, req.EngagementID); active != nil {
		return engagement.ErrConflictingRequest
	}
	r.st.reschedules[req.ID] = req
	return nil
}

func (r rescheduleRepo) Update(_ context.Context, req engagement.RescheduleRequest) error {
	if _, ok := r.st.reschedules[req.ID]; !ok {
		return engagement.ErrNoActiveRequest
	}
	r.st.reschedules[req.ID] = req
	return nil
}

func (r rescheduleRepo) List(_ context.Context, engagementID string) ([]engagement.RescheduleRequest, error) {
	out := make([]engagement.RescheduleRequest, 0, 4)
	for _, req := range r.st.reschedules {
		if req.EngagementID == engagementID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type offerRepo struct{ st *state }

func (r offerRepo) Pending(_ context.Context, engagementID string) (*engagement.AlternativeOffer, error) {
	for _, o := range r.st.offers {
		if o.EngagementID == engagementID && o.Status == engagement.OfferPending {
			found := o
			return &found, nil
		}
	}
	return nil, nil
}

func (r offerRepo) Create(ctx context.Context, o engagement.AlternativeOffer) error {
	if pending, _ := r.Pending(ctx, o.EngagementID); pending != nil {
		return engagement.ErrConflictingRequest
	}
	r.st.offers[o.ID] = o
	return nil
}

func (r offerRepo) Update(_ context.Context, o engagement.AlternativeOffer) error {
	if _, ok := r.st.offers[o.ID]; !ok {
		return engagement.ErrNoActiveRequest
	}
	r.st.offers[o.ID] = o
	return nil
}

func (r offerRepo) List(_ context.Context, engagementID string) ([]engagement.AlternativeOffer, error) {
	out := make([]engagement.AlternativeOffer, 0, 4)
	for _, o := range r.st.offers {
		if o.EngagementID == engagementID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type disputeRepo struct{ st *state }

func (r disputeRepo) Create(ctx context.Context, rec dispute.Record) error {
	if _, err := r.Open(ctx, rec.EngagementID); err == nil {
		return dispute.ErrAlreadyOpen
	}
	r.st.disputes[rec.ID] = rec
	return nil
}

func (r disputeRepo) Get(_ context.Context, id string) (dispute.Record, error) {
	rec, ok := r.st.disputes[id]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	return rec, nil
}

func (r disputeRepo) GetForUpdate(ctx context.Context, id string) (dispute.Record, error) {
	return r.Get(ctx, id)
}

func (r disputeRepo) Open(_ context.Context, engagementID string) (dispute.Record, error) {
	for _, rec := range r.st.disputes {
		if rec.EngagementID == engagementID && rec.Status == dispute.StatusOpen {
			return rec, nil
		}
	}
	return dispute.Record{}, dispute.ErrNotFound
}

func (r disputeRepo) Update(_ context.Context, rec dispute.Record) error {
	if _, ok := r.st.disputes[rec.ID]; !ok {
		return dispute.ErrNotFound
	}
	r.st.disputes[rec.ID] = rec
	return nil
}

func (r disputeRepo) ListForEngagement(_ context.Context, engagementID string) ([]dispute.Record, error) {
	out := make([]dispute.Record, 0, 2)
	for _, rec := range r.st.disputes {
		if rec.EngagementID == engagementID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type bidRepo struct{ st *state }

func (r bidRepo) Create(_ context.Context, b bid.Bid) error {
	if _, ok := r.st.bids[b.ID]; ok {
		return bid.ErrDuplicate
	}
	r.st.bids[b.ID] = b
	return nil
}

func (r bidRepo) Get(_ context.Context, id string) (bid.Bid, error) {
	b, ok := r.st.bids[id]
	if !ok {
		return bid.Bid{}, bid.ErrNotFound
	}
	return b, nil
}

func (r bidRepo) LockDemand(ctx context.Context, demandID string) ([]bid.Bid, error) {
	return r.ListForDemand(ctx, demandID)
}

func (r bidRepo) UpdateStatus(_ context.Context, b bid.Bid) error {
	stored, ok := r.st.bids[b.ID]
	if !ok {
		return bid.ErrNotFound
	}
	if b.Status == bid.StatusAccepted {
		for _, other := range r.st.bids {
			if other.DemandID == stored.DemandID && other.ID != b.ID && other.Status == bid.StatusAccepted {
				return bid.ErrAlreadyAccepted
			}
		}
	}
	stored.Status = b.Status
	stored.UpdatedAt = b.UpdatedAt
	r.st.bids[b.ID] = stored
	return nil
}

func (r bidRepo) ListForDemand(_ context.Context, demandID string) ([]bid.Bid, error) {
	out := make([]bid.Bid, 0, 4)
	for _, b := range r.st.bids {
		if b.DemandID == demandID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type outboxWriter struct{ st *state }

func (w outboxWriter) Enqueue(_ context.Context, topic string, payload map[string]any) error {
	raw, err := outbox.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memstore: enqueue %s: %w", topic, err)
	}
	w.st.nextOutboxID++
	w.st.messages = append(w.st.messages, outbox.Message{
		ID:        w.st.nextOutboxID,
		Topic:     topic,
		Payload:   raw,
		Status:    outbox.StatusPending,
		CreatedAt: clock(),
	})
	return nil
}
