package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fundingarb-core/internal/notify"
	"fundingarb-core/internal/venue"
	"fundingarb-core/pkg/db"
)

// ErrCloseStuck is returned by Close when exactly one leg flattened and
// the other's close attempt failed, leaving the position with real
// exposure on one venue until an operator reconciles it manually.
var ErrCloseStuck = errors.New("position: one leg closed, the other failed; position marked ERROR for manual reconciliation")

// urgentReasons close both legs with market orders immediately; every
// other reason gets a bounded aggressive-limit retry/re-price loop
// that only escalates to market once close_timeout elapses.
var urgentReasons = map[ExitReason]bool{
	ExitLiquidationRisk:    true,
	ExitAlreadyLiquidated:  true,
	ExitLegImbalance:       true,
}

// aggressiveOffsetBps is how far an aggressive limit crosses the
// opposing side of the book, bounding worst-case slippage while still
// behaving like a taker fill.
const aggressiveOffsetBps = 5.0

const closeRetryInterval = 2 * time.Second

// Closer closes a paired position exactly once, gated both by a
// process-local set (fast path, no I/O) and a durable OPEN->CLOSING
// database transition (covers a crash-and-restart racing a second
// close attempt from a freshly booted process).
type Closer struct {
	db           *db.Database
	gate         *closerGate
	log          *zap.SugaredLogger
	closeTimeout time.Duration
	notif        *notify.Notifier
}

// NewCloser builds a Closer with the default close timeout (15s).
func NewCloser(database *db.Database, logger *zap.Logger) *Closer {
	return NewCloserWithTimeout(database, logger, 15*time.Second)
}

// NewCloserWithTimeout builds a Closer with an explicit close_timeout,
// e.g. from an instance's configured close_timeout_sec.
func NewCloserWithTimeout(database *db.Database, logger *zap.Logger, closeTimeout time.Duration) *Closer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if closeTimeout <= 0 {
		closeTimeout = 15 * time.Second
	}
	return &Closer{db: database, gate: newCloserGate(), log: logger.Sugar(), closeTimeout: closeTimeout}
}

// WithNotifier attaches a Notifier so a stuck partial close is surfaced
// to the operator immediately rather than only on the next status poll.
func (c *Closer) WithNotifier(n *notify.Notifier) *Closer {
	c.notif = n
	return c
}

// Close closes positionID's two legs and marks it CLOSED. It is safe
// to call concurrently for the same position; only the first caller
// to win both gates actually executes the close, the rest return
// immediately with (false, nil). Critical reasons (liquidation,
// already-liquidated, leg imbalance) use market orders on both legs;
// everything else retries with aggressive limits, re-pricing against
// the current BBO, until close_timeout elapses, then escalates to
// market for whichever leg hasn't flattened yet.
func (c *Closer) Close(ctx context.Context, p db.PairedPosition, longVC, shortVC venue.VenueClient, reason ExitReason) (bool, error) {
	if !c.gate.acquire(p.ID) {
		return false, nil
	}
	defer c.gate.release(p.ID)

	won, err := c.db.MarkPositionClosing(ctx, p.ID)
	if err != nil {
		return false, fmt.Errorf("position: mark closing: %w", err)
	}
	if !won {
		// Already CLOSING or CLOSED from a prior process instance.
		return false, nil
	}

	closeLeg := func(vc venue.VenueClient, side venue.Side) (venue.OrderResult, error) {
		if urgentReasons[reason] {
			return closeMarket(ctx, vc, p.Symbol, side, p.Qty)
		}
		return c.closeWithRetry(ctx, vc, p.Symbol, side, p.Qty)
	}

	// Both closing legs go out concurrently. A bare errgroup (no
	// derived context) is deliberate: one leg's failure must never
	// cancel the other mid-flight, since a half-flattened position is
	// exactly the outcome being avoided.
	var longResult, shortResult venue.OrderResult
	var longErr, shortErr error
	var g errgroup.Group
	g.Go(func() error {
		longResult, longErr = closeLeg(longVC, venue.SideSell)
		return longErr
	})
	g.Go(func() error {
		shortResult, shortErr = closeLeg(shortVC, venue.SideBuy)
		return shortErr
	})
	_ = g.Wait()

	if longErr != nil || shortErr != nil {
		if longErr != nil && shortErr != nil {
			// Neither leg moved: still safely CLOSING, retryable from
			// there on the next Manage pass without further action.
			c.log.Errorw("both legs failed to close, position left in CLOSING for retry",
				"position_id", p.ID, "long_err", longErr, "short_err", shortErr)
			return false, fmt.Errorf("position: close legs: long=%v short=%v", longErr, shortErr)
		}
		// Exactly one leg flattened and the other didn't: real exposure
		// now remains on one venue. CLOSING is no longer an accurate
		// description, so mark ERROR and surface it immediately rather
		// than silently retrying a close that would double-close the
		// already-flattened leg.
		c.log.Errorw("one leg closed, the other failed; marking position ERROR for manual reconciliation",
			"position_id", p.ID, "long_err", longErr, "short_err", shortErr)
		notes := fmt.Sprintf("close stuck: long_err=%v short_err=%v", longErr, shortErr)
		if err := c.db.MarkPositionError(ctx, p.ID, notes); err != nil {
			c.log.Errorw("mark position error failed", "position_id", p.ID, "err", err)
		}
		if c.notif != nil {
			c.notif.CloseStuck(ctx, p.ID, longErr, shortErr)
		}
		return false, ErrCloseStuck
	}

	realized := (longResult.AvgPrice-p.LongEntryPrice)*p.Qty + (p.ShortEntryPrice-shortResult.AvgPrice)*p.Qty
	funding, _ := c.db.SumFundingPayments(ctx, p.ID)
	realized += funding

	if err := c.db.ClosePairedPosition(ctx, p.ID, string(reason), realized, time.Now()); err != nil {
		return false, fmt.Errorf("position: finalize close: %w", err)
	}
	c.logCloseLeg(ctx, p, venue.SideSell, longResult)
	c.logCloseLeg(ctx, p, venue.SideBuy, shortResult)
	return true, nil
}

// logCloseLeg writes the audit trail for one closing leg order. Errors
// are logged, never returned: losing an audit row must never block a
// close that has already been finalized in paired_positions.
func (c *Closer) logCloseLeg(ctx context.Context, p db.PairedPosition, side venue.Side, result venue.OrderResult) {
	orderID := uuid.NewString()
	if err := c.db.CreateOrder(ctx, db.Order{
		ID: orderID, StrategyInstanceID: p.ID, Symbol: p.Symbol, Side: string(side),
		Price: result.AvgPrice, Qty: result.FilledQty, FilledQty: result.FilledQty, Status: string(result.Status),
	}); err != nil {
		c.log.Warnw("audit: log close order failed", "position_id", p.ID, "err", err)
		return
	}
	if result.FilledQty <= 0 {
		return
	}
	if err := c.db.CreateTrade(ctx, db.Trade{
		ID: uuid.NewString(), OrderID: orderID, Symbol: p.Symbol, Side: string(side),
		Price: result.AvgPrice, Qty: result.FilledQty, Fee: result.Fees,
	}); err != nil {
		c.log.Warnw("audit: log close trade failed", "position_id", p.ID, "err", err)
	}
}

// closeWithRetry submits a reducing aggressive limit priced off the
// current BBO, re-pricing every closeRetryInterval until it fills or
// close_timeout elapses, then escalates to a market order.
func (c *Closer) closeWithRetry(ctx context.Context, vc venue.VenueClient, symbol string, side venue.Side, qty float64) (venue.OrderResult, error) {
	deadline := time.Now().Add(c.closeTimeout)
	var lastOrderID string
	for time.Now().Before(deadline) {
		bbo, err := vc.FetchBBO(ctx, symbol)
		if err != nil {
			break // no fresh quote to price an aggressive limit off; fall through to market
		}
		price := aggressivePrice(bbo, side)
		req := venue.OrderRequest{
			ClientOrderID: fmt.Sprintf("farb-close-%d", time.Now().UnixNano()),
			Symbol:        symbol, Side: side, Type: venue.OrderTypeLimit, Qty: qty, Price: price, TIF: venue.TIFIOC,
		}
		res, err := vc.PlaceLimit(ctx, req)
		if err != nil {
			break
		}
		lastOrderID = res.OrderID
		qctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		q, err := vc.QueryOrder(qctx, res.OrderID)
		cancel()
		if err == nil && (q.Status == venue.OrderStatusFilled || q.FilledQty >= qty*0.99) {
			res.FilledQty, res.AvgPrice, res.Fees = q.FilledQty, q.AvgPrice, q.Fees
			return res, nil
		}
		_ = vc.Cancel(ctx, res.OrderID)
		select {
		case <-ctx.Done():
			return venue.OrderResult{}, ctx.Err()
		case <-time.After(closeRetryInterval):
		}
	}
	c.log.Warnw("close retry loop exhausted close_timeout, escalating to market", "symbol", symbol, "last_order_id", lastOrderID)
	return closeMarket(ctx, vc, symbol, side, qty)
}

// aggressivePrice crosses the opposing side of the book by
// aggressiveOffsetBps so a limit order behaves like a bounded-slippage
// taker fill: selling crosses below the bid, buying crosses above the ask.
func aggressivePrice(bbo venue.BBO, side venue.Side) float64 {
	offset := aggressiveOffsetBps / 10000
	if side == venue.SideSell {
		return bbo.Bid * (1 - offset)
	}
	return bbo.Ask * (1 + offset)
}

// closeMarket submits a reducing market order. Reduce-only market
// orders against an existing position flatten it regardless of
// current side, since qty and side here describe the closing trade,
// not the position itself.
func closeMarket(ctx context.Context, vc venue.VenueClient, symbol string, side venue.Side, qty float64) (venue.OrderResult, error) {
	req := venue.OrderRequest{
		ClientOrderID: fmt.Sprintf("farb-close-%d", time.Now().UnixNano()),
		Symbol:        symbol, Side: side, Type: venue.OrderTypeMarket, Qty: qty,
	}
	return vc.PlaceMarket(ctx, req)
}
