// Package strategy composes the opportunity finder, executor and
// position lifecycle packages into one running funding-arb instance.
package strategy

import "context"

// Strategy is the lifecycle interface one running instance
// implements. A ProcessSupervisor (internal/supervisor) drives one
// Strategy per run, as a child OS process or an in-process goroutine.
type Strategy interface {
	// Scan looks for new opportunities and opens positions for the
	// ones that pass pre-flight checks, up to the instance's
	// max-open-positions limit.
	Scan(ctx context.Context) error
	// Manage runs one evaluation pass over already-open positions,
	// closing any that meet an exit condition.
	Manage(ctx context.Context) error
	// OnFill is invoked when a venue reports an order fill out of
	// band (e.g. via a user-data stream), letting the strategy
	// reconcile its bookkeeping without waiting for the next Scan.
	OnFill(ctx context.Context, venueName, orderID string)
	// OnBBO is invoked on every streamed BBO update for a symbol this
	// instance trades, feeding the realtime profit monitor.
	OnBBO(ctx context.Context, symbol string)
}
