// Package notify emits operator-facing events for a running strategy
// instance: positions opening/closing and risk conditions worth
// surfacing immediately rather than waiting for the next status poll.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fundingarb-core/pkg/db"
	"fundingarb-core/pkg/eventbus"
)

// Notifier records strategy_notifications rows and logs them
// structurally at the same time, so an operator tailing logs sees the
// same events the control-plane API will later serve. When a bus is
// set, every notification is also published so the control-plane's
// live websocket stream can push it to connected clients immediately.
type Notifier struct {
	db            *db.Database
	strategyRunID string
	log           *zap.SugaredLogger
	bus           *eventbus.Bus
}

// New builds a Notifier scoped to one strategy run. bus may be nil,
// in which case notifications are only persisted and logged.
func New(database *db.Database, strategyRunID string, logger *zap.Logger, bus *eventbus.Bus) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{db: database, strategyRunID: strategyRunID, log: logger.Sugar(), bus: bus}
}

// NotificationEvent is the payload published on the event bus for
// every notification, mirroring the row persisted to the database.
type NotificationEvent struct {
	StrategyRunID string `json:"strategy_run_id"`
	PositionID    string `json:"position_id,omitempty"`
	Kind          string `json:"kind"`
	Message       string `json:"message"`
}

func (n *Notifier) emit(ctx context.Context, positionID, kind, message string) {
	n.log.Infow("notification", "kind", kind, "position_id", positionID, "message", message)
	if err := n.db.InsertNotification(ctx, db.StrategyNotification{
		StrategyRunID: n.strategyRunID, PositionID: positionID, Kind: kind, Message: message,
	}); err != nil {
		n.log.Errorw("persist notification failed", "kind", kind, "err", err)
	}
	if n.bus != nil {
		n.bus.Publish(eventbus.Topic(kind), NotificationEvent{
			StrategyRunID: n.strategyRunID, PositionID: positionID, Kind: kind, Message: message,
		})
	}
}

// PositionOpened reports a newly opened paired position.
func (n *Notifier) PositionOpened(ctx context.Context, p db.PairedPosition) {
	n.emit(ctx, p.ID, "position_opened", fmt.Sprintf("opened %s long %s / short %s qty %.6f", p.Symbol, p.LongVenue, p.ShortVenue, p.Qty))
}

// PositionClosed reports a closed paired position and its realized PnL.
func (n *Notifier) PositionClosed(ctx context.Context, p db.PairedPosition, reason string) {
	n.emit(ctx, p.ID, "position_closed", fmt.Sprintf("closed %s (%s) realized_pnl=%.2f", p.Symbol, reason, p.RealizedPnL))
}

// InsufficientMargin reports a pre-flight rejection due to margin.
func (n *Notifier) InsufficientMargin(ctx context.Context, symbol string) {
	n.emit(ctx, "", "insufficient_margin", fmt.Sprintf("skipped %s: insufficient free margin", symbol))
}

// LiquidationRisk reports an emergency close triggered by proximity
// to a venue's liquidation price.
func (n *Notifier) LiquidationRisk(ctx context.Context, positionID, venueName string) {
	n.emit(ctx, positionID, "liquidation_risk", fmt.Sprintf("position %s closed: liquidation risk on %s", positionID, venueName))
}

// CloseStuck reports a position left with one leg flattened and the
// other still open after both close attempts were tried, requiring
// manual operator intervention before it can be retried automatically.
func (n *Notifier) CloseStuck(ctx context.Context, positionID string, longErr, shortErr error) {
	n.emit(ctx, positionID, "close_stuck", fmt.Sprintf("position %s stuck mid-close, needs manual reconciliation: long_err=%v short_err=%v", positionID, longErr, shortErr))
}
