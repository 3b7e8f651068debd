// Package engine runs the viewing engagement lifecycle: payment into escrow,
// arrival confirmation, renegotiation, outcomes, disputes and settlement.
// Every operation is one unit of work that locks the engagement row first, so
// status changes and ledger movements for an engagement commit together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"viewingflow/engagement"
	"viewingflow/ledger"
	"viewingflow/outbox"
	"viewingflow/payment"
	"viewingflow/store"
)

// Policy holds the settlement constants.
type Policy struct {
	GracePeriod      time.Duration
	NoShowGrace      time.Duration
	FeeBps           int
	PlatformWalletID string
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		GracePeriod:      72 * time.Hour,
		NoShowGrace:      30 * time.Minute,
		FeeBps:           500,
		PlatformWalletID: ledger.DefaultFeeWallet,
	}
}

// Service implements the engagement operations.
type Service struct {
	uow       store.UnitOfWork
	collector payment.Collector
	policy    Policy
	now       func() time.Time
	idGen     func() string
	logger    *slog.Logger
}

func NewService(uow store.UnitOfWork, collector payment.Collector, policy Policy) *Service {
	return &Service{
		uow:       uow,
		collector: collector,
		policy:    policy,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     uuid.NewString,
		logger:    slog.Default(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	if gen != nil {
		s.idGen = gen
	}
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Policy returns the active policy.
func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) book(tx store.Tx) *ledger.Book {
	return ledger.NewBook(tx.Ledger()).
		WithClock(s.now).
		WithIDGenerator(s.idGen).
		WithFeeWallet(s.policy.PlatformWalletID)
}

// errUnchanged lets a mutateFn report a no-op so nothing is written.
var errUnchanged = errors.New("engine: unchanged")

// mutateFn changes a locked engagement inside a unit of work.
type mutateFn func(ctx context.Context, tx store.Tx, e *engagement.Engagement) error

// mutate locks the engagement, applies fn and writes the result back. The
// transition metric and log line are recorded only after commit.
func (s *Service) mutate(ctx context.Context, engagementID, op string, fn mutateFn) (engagement.Engagement, error) {
	var (
		out  engagement.Engagement
		from engagement.Status
	)
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.Engagements().GetForUpdate(ctx, engagementID)
		if err != nil {
			return err
		}
		from = e.Status
		if err := fn(ctx, tx, &e); err != nil {
			if errors.Is(err, errUnchanged) {
				out = e
				return nil
			}
			return err
		}
		updated, err := tx.Engagements().Update(ctx, e)
		if err != nil {
			return fmt.Errorf("engine: %s: update engagement: %w", op, err)
		}
		out = updated
		return nil
	})
	if err != nil {
		return engagement.Engagement{}, err
	}
	if out.Status != from {
		transitionsTotal.WithLabelValues(string(from), string(out.Status)).Inc()
		s.logger.Info("engagement transitioned",
			"engagementId", out.ID, "op", op, "from", from, "to", out.Status)
	}
	return out, nil
}

func requireParty(e *engagement.Engagement, actorID string, want engagement.Party) error {
	p, err := e.PartyOf(actorID)
	if err != nil {
		return err
	}
	if p != want {
		return engagement.ErrForbidden
	}
	return nil
}

func (s *Service) emit(ctx context.Context, tx store.Tx, topic string, e *engagement.Engagement, extra map[string]any) error {
	payload := map[string]any{
		"engagement_id": e.ID,
		"status":        string(e.Status),
		"requester_id":  e.RequesterID,
		"agent_id":      e.AgentID,
		"occurred_at":   s.now().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := tx.Outbox().Enqueue(ctx, topic, payload); err != nil {
		return fmt.Errorf("engine: enqueue %s: %w", topic, err)
	}
	return nil
}

func (s *Service) release(ctx context.Context, tx store.Tx, e *engagement.Engagement, amount int64) error {
	_, err := s.book(tx).Release(ctx, ledger.ReleaseParams{
		FromWalletID: e.RequesterID,
		ToWalletID:   e.AgentID,
		Amount:       amount,
		Fee:          ledger.FeeFor(amount, s.policy.FeeBps),
		EngagementID: e.ID,
	})
	if err != nil {
		return fmt.Errorf("engine: release escrow: %w", err)
	}
	settlementsTotal.WithLabelValues("release").Inc()
	return nil
}

func (s *Service) refund(ctx context.Context, tx store.Tx, e *engagement.Engagement, amount int64) error {
	if _, err := s.book(tx).Refund(ctx, e.RequesterID, amount, e.ID); err != nil {
		return fmt.Errorf("engine: refund escrow: %w", err)
	}
	settlementsTotal.WithLabelValues("refund").Inc()
	return nil
}

// closeNegotiations terminates any open reschedule request or alternative
// offer once the engagement leaves the state they belong to.
func (s *Service) closeNegotiations(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
	now := s.now()
	active, err := tx.Reschedules().Active(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("engine: load reschedule: %w", err)
	}
	if active != nil {
		active.Close(now)
		if err := tx.Reschedules().Update(ctx, *active); err != nil {
			return fmt.Errorf("engine: close reschedule: %w", err)
		}
		if err := s.emit(ctx, tx, outbox.TopicRescheduleUpdated, e, map[string]any{
			"reschedule_id": active.ID,
			"reschedule":    string(active.Status),
		}); err != nil {
			return err
		}
	}
	pending, err := tx.Offers().Pending(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("engine: load offer: %w", err)
	}
	if pending != nil {
		pending.Close(now)
		if err := tx.Offers().Update(ctx, *pending); err != nil {
			return fmt.Errorf("engine: close offer: %w", err)
		}
		if err := s.emit(ctx, tx, outbox.TopicAlternativeUpdated, e, map[string]any{
			"offer_id": pending.ID,
			"offer":    string(pending.Status),
		}); err != nil {
			return err
		}
	}
	return nil
}
