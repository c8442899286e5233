package position

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"fundingarb-core/internal/venue"
	"fundingarb-core/pkg/db"
)

// ExitReason names why a position should be closed.
type ExitReason string

const (
	ExitNone               ExitReason = ""
	ExitLiquidationRisk    ExitReason = "liquidation_risk"
	ExitAlreadyLiquidated  ExitReason = "already_liquidated"
	ExitLegImbalance       ExitReason = "leg_imbalance"
	ExitStopLoss           ExitReason = "stop_loss"
	ExitTrailingDrawdown   ExitReason = "trailing_drawdown"
	ExitDivergenceReversed ExitReason = "divergence_reversed"
	ExitProfitTarget       ExitReason = "profit_target"
	ExitMaxDuration        ExitReason = "max_duration"
)

// Thresholds configures one strategy instance's exit policy.
type Thresholds struct {
	LiquidationBufferPct    float64
	StopLossPct             float64
	MinProfitUSD            float64
	MaxDuration             time.Duration
	FundingFlipThresholdPct float64 // fraction of the entry divergence the current divergence must fall below to count as a flip
	TrailingDrawdownPct     float64 // pct pullback from peak combined PnL that forces a close
	LegImbalanceTolerance   float64 // fraction of qty the two legs may drift apart before forcing a close
}

// Evaluation is the per-cycle exit decision for one position.
type Evaluation struct {
	PositionID string
	Reason     ExitReason
}

// Monitor evaluates every open position against a fixed, ordered set
// of exit conditions each cycle. The order matters: liquidation and
// integrity checks always take precedence over profit-taking, since a
// position that is both profitable and unsafe must still be closed for
// risk reasons first.
type Monitor struct {
	db     *db.Database
	venues map[string]venue.VenueClient
	log    *zap.SugaredLogger

	mu        sync.Mutex
	highWater map[string]float64 // position_id -> best combined PnL+funding seen so far
}

// NewMonitor builds a Monitor.
func NewMonitor(database *db.Database, venues map[string]venue.VenueClient, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{db: database, venues: venues, log: logger.Sugar(), highWater: make(map[string]float64)}
}

// EvaluateOnce runs one evaluation pass over every open position for
// an account and returns the exit decisions, in the strict order:
//  1. liquidation risk on either leg
//  2. either leg already liquidated (venue reports zero/flat where we
//     expect an open position)
//  3. leg quantity imbalance beyond tolerance
//  4. stop loss breach on combined PnL
//  5. trailing drawdown from the position's high-water mark
//  6. funding divergence has reversed beyond the flip threshold
//  7. profit target reached
//  8. maximum hold duration exceeded
//
// The first matching condition wins; later conditions are not
// evaluated once an earlier one fires for a given position.
func (m *Monitor) EvaluateOnce(ctx context.Context, accountID string, th Thresholds) ([]Evaluation, error) {
	positions, err := m.db.ListOpenPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var out []Evaluation
	for _, p := range positions {
		if p.Status == "ERROR" {
			continue // stuck mid-close, needs manual reconciliation, not further automated exit evaluation
		}
		reason := m.evaluatePosition(ctx, p, th)
		if reason != ExitNone {
			out = append(out, Evaluation{PositionID: p.ID, Reason: reason})
		}
	}
	return out, nil
}

// Forget drops a position's high-water mark once it has closed.
func (m *Monitor) Forget(positionID string) {
	m.mu.Lock()
	delete(m.highWater, positionID)
	m.mu.Unlock()
}

func (m *Monitor) evaluatePosition(ctx context.Context, p db.PairedPosition, th Thresholds) ExitReason {
	longVC, okLong := m.venues[p.LongVenue]
	shortVC, okShort := m.venues[p.ShortVenue]
	if !okLong || !okShort {
		return ExitNone
	}

	longSnap, errLong := longVC.FetchPosition(ctx, p.Symbol)
	shortSnap, errShort := shortVC.FetchPosition(ctx, p.Symbol)

	// 1. Liquidation risk.
	if errLong == nil && longSnap.HasLiquidation && liquidationTooClose(longSnap, th.LiquidationBufferPct) {
		return ExitLiquidationRisk
	}
	if errShort == nil && shortSnap.HasLiquidation && liquidationTooClose(shortSnap, th.LiquidationBufferPct) {
		return ExitLiquidationRisk
	}

	// 2. Already liquidated: the venue shows a flat or reversed leg
	// where our records expect an open position of roughly p.Qty.
	if errLong == nil && alreadyLiquidated(longSnap, p.Qty) {
		return ExitAlreadyLiquidated
	}
	if errShort == nil && alreadyLiquidated(shortSnap, p.Qty) {
		return ExitAlreadyLiquidated
	}

	// 3. Leg imbalance: the two legs have drifted apart (partial
	// liquidation, manual intervention, adapter bug) beyond tolerance.
	if errLong == nil && errShort == nil && th.LegImbalanceTolerance > 0 {
		if legImbalanced(longSnap.Qty, shortSnap.Qty, th.LegImbalanceTolerance) {
			return ExitLegImbalance
		}
	}

	var combined float64
	haveCombined := errLong == nil && errShort == nil
	if haveCombined {
		combined = longSnap.UnrealizedPnL + shortSnap.UnrealizedPnL
	}
	funding, _ := m.db.SumFundingPayments(ctx, p.ID)

	// 4. Stop loss on combined unrealized PnL.
	if haveCombined {
		notional := p.Qty * (p.LongEntryPrice + p.ShortEntryPrice)
		if notional > 0 && th.StopLossPct > 0 && combined < -th.StopLossPct*notional {
			return ExitStopLoss
		}
	}

	// 5. Trailing drawdown from the position's best-seen combined PnL.
	if haveCombined && th.TrailingDrawdownPct > 0 {
		total := combined + funding
		peak := m.bumpHighWater(p.ID, total)
		notional := p.Qty * (p.LongEntryPrice + p.ShortEntryPrice)
		if peak > 0 && notional > 0 && (peak-total) > th.TrailingDrawdownPct*notional {
			return ExitTrailingDrawdown
		}
	}

	// 6. Funding divergence reversed beyond the flip threshold, measured
	// relative to the divergence the position was entered on.
	rates, err := m.db.ListLatestFundingRates(ctx)
	if err == nil {
		var longRate, shortRate float64
		var haveLong, haveShort bool
		for _, r := range rates {
			if r.Symbol != p.Symbol {
				continue
			}
			if r.Venue == p.LongVenue {
				longRate, haveLong = r.Rate8h, true
			}
			if r.Venue == p.ShortVenue {
				shortRate, haveShort = r.Rate8h, true
			}
		}
		if haveLong && haveShort {
			currentDivergence := shortRate - longRate
			flip := th.FundingFlipThresholdPct
			if flip <= 0 {
				flip = 0 // any reversal counts when unconfigured
			}
			if p.EntryDivergence > 0 && currentDivergence < p.EntryDivergence*flip {
				return ExitDivergenceReversed
			}
			if p.EntryDivergence <= 0 && currentDivergence < 0 {
				return ExitDivergenceReversed
			}
		}
	}

	// 7. Profit target.
	if haveCombined && th.MinProfitUSD > 0 && combined+funding >= th.MinProfitUSD {
		return ExitProfitTarget
	}

	// 8. Max hold duration.
	if th.MaxDuration > 0 && time.Since(p.OpenedAt) > th.MaxDuration {
		return ExitMaxDuration
	}

	return ExitNone
}

func (m *Monitor) bumpHighWater(positionID string, total float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.highWater[positionID]; !ok || total > cur {
		m.highWater[positionID] = total
		return total
	}
	return m.highWater[positionID]
}

func liquidationTooClose(snap venue.PositionSnapshot, bufferPct float64) bool {
	if snap.LiquidationPrice <= 0 || snap.EntryPrice <= 0 {
		return false
	}
	dist := abs(snap.LiquidationPrice-snap.EntryPrice) / snap.EntryPrice
	return dist < bufferPct
}

// alreadyLiquidated treats a leg as liquidated when the venue reports
// essentially zero remaining quantity against a position we still
// believe is open. Venue adapters report a short leg's quantity
// signed negative, so only the magnitude is compared.
func alreadyLiquidated(snap venue.PositionSnapshot, expectedQty float64) bool {
	if expectedQty <= 0 {
		return false
	}
	return abs(snap.Qty) < expectedQty*0.01
}

// legImbalanced reports whether the two legs' live quantities have
// drifted apart by more than tolerance (fraction of qty). Quantities
// are compared by magnitude since the short leg arrives signed
// negative from the venue adapters.
func legImbalanced(longQty, shortQty, tolerance float64) bool {
	long, short := abs(longQty), abs(shortQty)
	if long <= 0 || short <= 0 {
		return false
	}
	diff := abs(long - short)
	base := long
	if short > base {
		base = short
	}
	return diff/base > tolerance
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
