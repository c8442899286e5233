// Package realtime reacts to streaming BBO updates between the slower
// position-monitor polling cycles: it tracks unrealized PnL
// tick-by-tick and fires an immediate close the moment a profit
// target is crossed, rather than waiting for the next poll.
package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"fundingarb-core/internal/position"
	"fundingarb-core/internal/venue"
	"fundingarb-core/pkg/cache"
	"fundingarb-core/pkg/db"
)

// maxQuoteAge is how stale a cached quote may be before maybeEvaluate
// falls back to the venue's own unrealized_pnl snapshot.
const maxQuoteAge = 3 * time.Second

// ProfitMonitor subscribes to BBO streams for every leg of every open
// position and evaluates the profit-taking condition on each update,
// throttled so a fast-ticking feed cannot spin the evaluation loop.
// Bid/ask from the streams are kept in a local ShardedPriceCache
// rather than a plain map, since many positions across many symbols
// can be live at once and the cache shards its locking per symbol.
type ProfitMonitor struct {
	venues                   map[string]venue.VenueClient
	closer                   *position.Closer
	db                       *db.Database
	log                      *zap.SugaredLogger
	throttle                 time.Duration
	minImmediateProfitTaking float64 // profit_pct threshold, e.g. 0.003 for 0.3%

	quotes *cache.ShardedPriceCache // key: venue:symbol:bid|ask -> price

	mu       sync.Mutex
	lastEval map[string]time.Time // key: position id
}

// New builds a ProfitMonitor. minImmediateProfitTaking is a fraction
// of position size_usd (e.g. 0.003 for 0.3%), not a flat USD amount.
func New(venues map[string]venue.VenueClient, closer *position.Closer, database *db.Database, logger *zap.Logger, minImmediateProfitTaking float64, throttle time.Duration) *ProfitMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if throttle <= 0 {
		throttle = 500 * time.Millisecond
	}
	return &ProfitMonitor{
		venues: venues, closer: closer, db: database, log: logger.Sugar(),
		throttle: throttle, minImmediateProfitTaking: minImmediateProfitTaking,
		quotes: cache.NewShardedPriceCache(), lastEval: make(map[string]time.Time),
	}
}

func bidKey(venueName, symbol string) string { return venueName + ":" + symbol + ":bid" }
func askKey(venueName, symbol string) string { return venueName + ":" + symbol + ":ask" }

// WatchPosition subscribes to both legs' BBO streams for p and
// evaluates the profit target on every update. Returns an unsubscribe
// func covering both legs; callers must invoke it once the position
// closes, or the subscriptions (and this goroutine's callback
// closures) leak for the life of the process.
func (m *ProfitMonitor) WatchPosition(ctx context.Context, p db.PairedPosition) (func(), error) {
	longVC, okLong := m.venues[p.LongVenue]
	shortVC, okShort := m.venues[p.ShortVenue]
	if !okLong || !okShort {
		return func() {}, nil
	}

	onUpdate := func(bbo venue.BBO) {
		m.quotes.Set(bidKey(bbo.Venue, bbo.Symbol), bbo.Bid)
		m.quotes.Set(askKey(bbo.Venue, bbo.Symbol), bbo.Ask)
		m.maybeEvaluate(ctx, p)
	}

	unsubLong, err := longVC.SubscribeBBO(ctx, p.Symbol, onUpdate)
	if err != nil {
		return func() {}, err
	}
	unsubShort, err := shortVC.SubscribeBBO(ctx, p.Symbol, onUpdate)
	if err != nil {
		unsubLong()
		return func() {}, err
	}

	return func() { unsubLong(); unsubShort() }, nil
}

func (m *ProfitMonitor) maybeEvaluate(ctx context.Context, p db.PairedPosition) {
	m.mu.Lock()
	last, seen := m.lastEval[p.ID]
	if seen && time.Since(last) < m.throttle {
		m.mu.Unlock()
		return
	}
	m.lastEval[p.ID] = time.Now()
	m.mu.Unlock()

	profitPct, ok := m.estimateProfitPct(ctx, p)
	if !ok || profitPct < m.minImmediateProfitTaking {
		return
	}

	longVC, shortVC := m.venues[p.LongVenue], m.venues[p.ShortVenue]
	if _, err := m.closer.Close(ctx, p, longVC, shortVC, position.ExitProfitTarget); err != nil {
		m.log.Warnw("realtime profit close failed", "position_id", p.ID, "err", err)
	}
}

// estimateProfitPct values the long leg off its exit side (bid, since
// closing a long means selling into the bid) and the short leg off its
// exit side (ask, since closing a short means buying at the ask),
// exactly mirroring what PositionCloser's market/aggressive-limit
// orders will realize. If either side's quote is stale or unavailable,
// it falls back to the venue's own last-reported unrealized_pnl for
// that leg rather than blocking the decision on a missing quote.
func (m *ProfitMonitor) estimateProfitPct(ctx context.Context, p db.PairedPosition) (float64, bool) {
	var longPnL, shortPnL float64
	var haveLong, haveShort bool

	if bid, age, ok := m.quotes.GetWithAge(bidKey(p.LongVenue, p.Symbol)); ok && age < maxQuoteAge {
		longPnL = (bid - p.LongEntryPrice) * p.Qty
		haveLong = true
	} else if vc, ok := m.venues[p.LongVenue]; ok {
		if snap, err := vc.FetchPosition(ctx, p.Symbol); err == nil {
			longPnL = snap.UnrealizedPnL
			haveLong = true
		}
	}

	if ask, age, ok := m.quotes.GetWithAge(askKey(p.ShortVenue, p.Symbol)); ok && age < maxQuoteAge {
		shortPnL = (p.ShortEntryPrice - ask) * p.Qty
		haveShort = true
	} else if vc, ok := m.venues[p.ShortVenue]; ok {
		if snap, err := vc.FetchPosition(ctx, p.Symbol); err == nil {
			shortPnL = snap.UnrealizedPnL
			haveShort = true
		}
	}

	if !haveLong || !haveShort {
		return 0, false
	}
	funding, _ := m.db.SumFundingPayments(ctx, p.ID)
	total := longPnL + shortPnL + funding - p.EntryFeesUSD
	if p.SizeUSD <= 0 {
		return 0, false
	}
	return total / p.SizeUSD, true
}
