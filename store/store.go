// Package store defines the unit of work every engine operation runs in.
package store

import (
	"context"

	"viewingflow/bid"
	"viewingflow/dispute"
	"viewingflow/engagement"
	"viewingflow/ledger"
	"viewingflow/outbox"
)

// Tx exposes the repositories bound to one unit of work. Writes made through
// any of them commit or roll back together.
type Tx interface {
	Ledger() ledger.Repository
	Engagements() engagement.Repository
	Reschedules() engagement.RescheduleRepository
	Offers() engagement.OfferRepository
	Disputes() dispute.Repository
	Bids() bid.Repository
	Outbox() outbox.Writer
}

// UnitOfWork runs fn in a transaction. A nil return commits; any error rolls
// back and is returned unchanged.
type UnitOfWork interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store is a UnitOfWork that also feeds the outbox relay.
type Store interface {
	UnitOfWork
	outbox.Source
	Ping(ctx context.Context) error
	Close()
}
