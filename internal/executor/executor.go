// Package executor places and, on partial failure, unwinds the two
// legs of a funding-arb position. Both legs are submitted
// concurrently, then polled until each reaches the minimum acceptable
// fill ratio or the entry timeout elapses. If either leg falls short,
// the other is canceled and rolled back, with rollback decisions
// always driven by a fresh QueryOrder call made after the cancel
// request, never by the placement response snapshot, since a cancel
// can race a fill.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fundingarb-core/internal/venue"
)

// Sentinel errors surfaced by pre-flight checks and PlacePair.
var (
	ErrSizeTooSmall       = errors.New("executor: requested size is below venue minimum notional")
	ErrInsufficientMargin = errors.New("executor: insufficient free margin for requested leg size")
	ErrDuplicatePosition  = errors.New("executor: an open position already exists for this symbol")
	ErrLiquidationRisk    = errors.New("executor: projected leverage exceeds configured liquidation buffer")
)

// LegRequest describes one leg of a paired position to open.
type LegRequest struct {
	Venue  venue.VenueClient
	Symbol string
	Side   venue.Side
	Qty    float64
	Price  float64 // limit price; ignored when Type is market
	Type   venue.OrderType
}

// PairResult is the outcome of a successful two-leg placement, after
// both legs have been confirmed filled to at least MinFillRatio.
type PairResult struct {
	Long  venue.OrderResult
	Short venue.OrderResult
}

// LegRollbackCost is the measured slippage and fees incurred flattening
// one partially (or fully) opened leg during a failed entry.
type LegRollbackCost struct {
	Venue       string
	FilledQty   float64
	EntryPrice  float64
	ExitPrice   float64
	SlippageUSD float64
	FeesUSD     float64
}

// RollbackCost is the total measured cost of unwinding both legs after
// a failed atomic entry.
type RollbackCost struct {
	Long  LegRollbackCost
	Short LegRollbackCost
}

// TotalUSD sums the slippage and fees across both legs.
func (c RollbackCost) TotalUSD() float64 {
	return c.Long.SlippageUSD + c.Long.FeesUSD + c.Short.SlippageUSD + c.Short.FeesUSD
}

// OutcomeKind distinguishes the explicit result values PlacePair can
// return, replacing exception-style control flow for rollback/timeout
// per the "async exception propagation for control flow" re-architecture.
type OutcomeKind string

const (
	OutcomeSuccess    OutcomeKind = "success"
	OutcomeRolledBack OutcomeKind = "rolled_back"
)

// PairOutcome is the result of one PlacePair call.
type PairOutcome struct {
	Kind         OutcomeKind
	Result       PairResult
	RollbackCost RollbackCost
	Reason       string
}

// Config tunes entry execution. MinFillRatio is the minimum fraction
// of requested quantity that must fill before EntryTimeout elapses for
// a leg to count as successfully opened; a leg filled below this
// threshold at timeout triggers rollback of both legs.
type Config struct {
	EntryTimeout  time.Duration
	MinFillRatio  float64
	PollInterval  time.Duration
	QueryTimeout  time.Duration
	RollbackDelay time.Duration
}

// DefaultConfig returns sensible entry-execution defaults.
func DefaultConfig() Config {
	return Config{
		EntryTimeout:  10 * time.Second,
		MinFillRatio:  0.98,
		PollInterval:  250 * time.Millisecond,
		QueryTimeout:  10 * time.Second,
		RollbackDelay: 200 * time.Millisecond,
	}
}

// Executor places paired orders with rollback-on-partial-failure.
type Executor struct {
	log *zap.SugaredLogger
	cfg Config
}

// New builds an Executor with default entry-execution tuning.
func New(logger *zap.Logger) *Executor {
	return NewWithConfig(logger, DefaultConfig())
}

// NewWithConfig builds an Executor with explicit tuning, e.g. an
// instance's configured entry_timeout_sec/min_fill_ratio.
func NewWithConfig(logger *zap.Logger, cfg Config) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EntryTimeout <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.MinFillRatio <= 0 {
		cfg.MinFillRatio = DefaultConfig().MinFillRatio
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	if cfg.RollbackDelay <= 0 {
		cfg.RollbackDelay = DefaultConfig().RollbackDelay
	}
	return &Executor{log: logger.Sugar(), cfg: cfg}
}

// PreflightCheck validates a candidate pair against margin, minimum
// notional, duplicate-position and liquidation-buffer constraints
// before any order is placed. Callers pass the free margin already
// observed on each venue and the account's existing open positions so
// this function performs no I/O itself.
func PreflightCheck(longLeg, shortLeg LegRequest, longFreeMarginUSD, shortFreeMarginUSD float64, minNotionalUSD float64, hasExistingPosition bool, maxLeverage, projectedLeverage, liquidationBufferPct float64) error {
	if hasExistingPosition {
		return ErrDuplicatePosition
	}
	longNotional := longLeg.Qty * longLeg.Price
	shortNotional := shortLeg.Qty * shortLeg.Price
	if longNotional < minNotionalUSD || shortNotional < minNotionalUSD {
		return ErrSizeTooSmall
	}
	requiredMargin := longNotional / maxLeverage
	if longFreeMarginUSD < requiredMargin || shortFreeMarginUSD < requiredMargin {
		return ErrInsufficientMargin
	}
	bufferedMax := maxLeverage * (1 - liquidationBufferPct)
	if projectedLeverage > bufferedMax {
		return ErrLiquidationRisk
	}
	return nil
}

// PlacePair submits both legs concurrently, waits for both to reach
// MinFillRatio within EntryTimeout, and rolls back whichever legs did
// open if either falls short. The caller is responsible for running
// PreflightCheck first.
func (e *Executor) PlacePair(ctx context.Context, long, short LegRequest) (PairOutcome, error) {
	var placed PairResult
	var longErr, shortErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := place(gctx, long)
		placed.Long = res
		longErr = err
		return err
	})
	g.Go(func() error {
		res, err := place(gctx, short)
		placed.Short = res
		shortErr = err
		return err
	})
	_ = g.Wait()

	if longErr != nil || shortErr != nil {
		// At least one leg failed outright; unwind whichever leg placed.
		e.log.Warnw("paired placement failed, rolling back", "long_err", longErr, "short_err", shortErr)
		cost := RollbackCost{}
		if longErr == nil {
			cost.Long = e.rollbackLeg(context.Background(), long, placed.Long, "sibling leg placement failed")
		}
		if shortErr == nil {
			cost.Short = e.rollbackLeg(context.Background(), short, placed.Short, "sibling leg placement failed")
		}
		if longErr != nil {
			return PairOutcome{Kind: OutcomeRolledBack, RollbackCost: cost, Reason: "long leg placement failed"},
				fmt.Errorf("executor: long leg failed: %w", longErr)
		}
		return PairOutcome{Kind: OutcomeRolledBack, RollbackCost: cost, Reason: "short leg placement failed"},
			fmt.Errorf("executor: short leg failed: %w", shortErr)
	}

	// Both legs accepted; wait for both to fill before declaring success.
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.EntryTimeout)
	defer cancel()

	var longQuery, shortQuery venue.OrderQuery
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); longQuery = e.waitForFill(waitCtx, long.Venue, placed.Long.OrderID, long.Qty) }()
	go func() { defer wg.Done(); shortQuery = e.waitForFill(waitCtx, short.Venue, placed.Short.OrderID, short.Qty) }()
	wg.Wait()

	longOK := longQuery.FilledQty >= long.Qty*e.cfg.MinFillRatio
	shortOK := shortQuery.FilledQty >= short.Qty*e.cfg.MinFillRatio
	if longOK && shortOK {
		placed.Long.FilledQty, placed.Long.AvgPrice, placed.Long.Fees = longQuery.FilledQty, longQuery.AvgPrice, longQuery.Fees
		placed.Short.FilledQty, placed.Short.AvgPrice, placed.Short.Fees = shortQuery.FilledQty, shortQuery.AvgPrice, shortQuery.Fees
		return PairOutcome{Kind: OutcomeSuccess, Result: placed}, nil
	}

	e.log.Warnw("entry timed out below minimum fill ratio, rolling back both legs",
		"long_filled", longQuery.FilledQty, "long_requested", long.Qty,
		"short_filled", shortQuery.FilledQty, "short_requested", short.Qty)

	var cost RollbackCost
	var rwg sync.WaitGroup
	rwg.Add(2)
	go func() { defer rwg.Done(); cost.Long = e.rollbackLeg(context.Background(), long, placed.Long, "entry timeout / insufficient fill") }()
	go func() { defer rwg.Done(); cost.Short = e.rollbackLeg(context.Background(), short, placed.Short, "entry timeout / insufficient fill") }()
	rwg.Wait()

	return PairOutcome{Kind: OutcomeRolledBack, RollbackCost: cost, Reason: "entry timeout / insufficient fill"},
		fmt.Errorf("executor: entry rolled back: long_filled=%.8f short_filled=%.8f", longQuery.FilledQty, shortQuery.FilledQty)
}

// waitForFill polls QueryOrder at cfg.PollInterval until the order
// reaches OrderStatusFilled, its filled quantity satisfies
// cfg.MinFillRatio, or ctx (scoped to EntryTimeout by the caller)
// expires. It always returns the most recent query observed, even on
// timeout, so the caller can size any rollback off real data.
func (e *Executor) waitForFill(ctx context.Context, vc venue.VenueClient, orderID string, requestedQty float64) venue.OrderQuery {
	var last venue.OrderQuery
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
		q, err := vc.QueryOrder(qctx, orderID)
		cancel()
		if err == nil {
			last = q
			if q.Status == venue.OrderStatusFilled || q.FilledQty >= requestedQty*e.cfg.MinFillRatio {
				return last
			}
			if q.Status == venue.OrderStatusCanceled || q.Status == venue.OrderStatusRejected || q.Status == venue.OrderStatusExpired {
				return last
			}
		}
		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
		}
	}
}

// place submits one entry leg. Aggressive entry limits go out IOC so
// an unfilled remainder cancels at the venue instead of resting on the
// book past the entry attempt.
func place(ctx context.Context, leg LegRequest) (venue.OrderResult, error) {
	req := venue.OrderRequest{
		ClientOrderID: fmt.Sprintf("farb-%d", time.Now().UnixNano()),
		Symbol:        leg.Symbol, Side: leg.Side, Type: leg.Type, Qty: leg.Qty, Price: leg.Price,
		TIF: venue.TIFIOC,
	}
	if leg.Type == venue.OrderTypeMarket {
		return leg.Venue.PlaceMarket(ctx, req)
	}
	return leg.Venue.PlaceLimit(ctx, req)
}

// RollbackLeg cancels orderID and re-queries it to find out how much,
// if any, actually filled before the cancel landed, then closes out
// any actual fill with an opposing reducing order. Exposed for callers
// that need to roll back a single leg outside of PlacePair (e.g. the
// position closer escalating a stuck leg).
func (e *Executor) RollbackLeg(ctx context.Context, leg LegRequest, orderID string) LegRollbackCost {
	return e.rollbackLeg(ctx, leg, venue.OrderResult{OrderID: orderID}, "explicit rollback request")
}

// rollbackLeg cancels the order, re-queries its true post-cancel fill
// (fills can race cancellation, so the placement-time OrderResult can
// never be trusted here), and — if any quantity actually filled —
// places an opposing reducing order for exactly that quantity to
// return the venue to flat. It returns the measured rollback cost.
func (e *Executor) rollbackLeg(ctx context.Context, leg LegRequest, placed venue.OrderResult, reason string) LegRollbackCost {
	vc := leg.Venue
	if err := vc.Cancel(ctx, placed.OrderID); err != nil {
		e.log.Warnw("rollback cancel failed, order may already be filled or gone", "order_id", placed.OrderID, "reason", reason, "err", err)
	}

	// Mandatory re-query after cancel: a cancel request racing a fill
	// means the placement-time OrderResult can no longer be trusted.
	time.Sleep(e.cfg.RollbackDelay)
	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	query, err := vc.QueryOrder(qctx, placed.OrderID)
	cancel()
	if err != nil {
		e.log.Errorw("rollback re-query failed", "order_id", placed.OrderID, "err", err)
		return LegRollbackCost{Venue: vc.Name()}
	}

	cost := LegRollbackCost{Venue: vc.Name(), FilledQty: query.FilledQty, EntryPrice: query.AvgPrice, FeesUSD: query.Fees}
	if query.FilledQty <= 0 {
		return cost
	}

	e.log.Warnw("rollback found partial fill, closing out residual", "order_id", placed.OrderID, "filled_qty", query.FilledQty)

	closingSide := venue.SideSell
	if leg.Side == venue.SideSell {
		closingSide = venue.SideBuy
	}
	closeReq := venue.OrderRequest{
		ClientOrderID: fmt.Sprintf("farb-rollback-%d", time.Now().UnixNano()),
		Symbol:        leg.Symbol, Side: closingSide, Type: venue.OrderTypeMarket, Qty: query.FilledQty,
	}
	cctx, ccancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	closeResult, err := vc.PlaceMarket(cctx, closeReq)
	ccancel()
	if err != nil {
		e.log.Errorw("rollback residual close failed, leg may remain naked, needs manual reconciliation",
			"order_id", placed.OrderID, "venue", vc.Name(), "symbol", leg.Symbol, "qty", query.FilledQty, "err", err)
		return cost
	}

	cost.ExitPrice = closeResult.AvgPrice
	cost.FeesUSD += closeResult.Fees
	if leg.Side == venue.SideBuy {
		cost.SlippageUSD = (query.AvgPrice - closeResult.AvgPrice) * query.FilledQty
	} else {
		cost.SlippageUSD = (closeResult.AvgPrice - query.AvgPrice) * query.FilledQty
	}
	return cost
}
