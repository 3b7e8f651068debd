// Package payment describes the mobile-money collector the engine drives.
// Collections and payouts are asynchronous: Initiate* returns a request
// reference and the provider later reports the result through the engine's
// callback entry points.
package payment

import (
	"context"
	"errors"
)

// ErrRejected is returned when the provider refuses to start a request.
var ErrRejected = errors.New("payment: request rejected by provider")

type Collector interface {
	InitiateCollection(ctx context.Context, walletID string, amount int64) (string, error)
	InitiatePayout(ctx context.Context, walletID string, amount int64) (string, error)
}
