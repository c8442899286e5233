package strategy

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fundingarb-core/internal/appconfig"
	"fundingarb-core/internal/executor"
	"fundingarb-core/internal/notify"
	"fundingarb-core/internal/opportunity"
	"fundingarb-core/internal/position"
	"fundingarb-core/internal/realtime"
	"fundingarb-core/internal/risk"
	"fundingarb-core/internal/venue"
	"fundingarb-core/pkg/db"
	"fundingarb-core/pkg/eventbus"
)

// FundingArbStrategy is the sole strategy type this repo runs: one
// instance holds at most cfg.MaxOpenPositions simultaneous two-legged
// positions on the venue pairs its whitelists allow, opened on divergence and
// closed on any of the monitor's exit conditions.
type FundingArbStrategy struct {
	cfg     appconfig.InstanceConfig
	venues  map[string]venue.VenueClient
	db      *db.Database
	finder  *opportunity.Finder
	exec    *executor.Executor
	store   *position.Store
	monitor *position.Monitor
	closer  *position.Closer
	profit  *realtime.ProfitMonitor
	notif   *notify.Notifier
	limiter *risk.Limiter
	log     *zap.SugaredLogger

	thresholds position.Thresholds

	mu      sync.Mutex
	unsubs  map[string]func() // position id -> realtime-monitor unsubscribe
}

// New builds a FundingArbStrategy instance for one InstanceConfig.
// limiter is shared with the instance's control-plane server so an
// operator's halt/resume call and the strategy's own QuickCheck always
// see the same safety_limits row.
func New(cfg appconfig.InstanceConfig, venues map[string]venue.VenueClient, database *db.Database, strategyRunID string, limiter *risk.Limiter, logger *zap.Logger, bus *eventbus.Bus) (*FundingArbStrategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := position.NewStore(database)
	notif := notify.New(database, strategyRunID, logger, bus)
	closer := position.NewCloserWithTimeout(database, logger, cfg.CloseTimeout()).WithNotifier(notif)
	execCfg := executor.DefaultConfig()
	execCfg.EntryTimeout = cfg.EntryTimeout()
	if cfg.MinFillRatio > 0 {
		execCfg.MinFillRatio = cfg.MinFillRatio
	}
	return &FundingArbStrategy{
		cfg:     cfg,
		venues:  venues,
		db:      database,
		finder: opportunity.New(database, venues, opportunity.Config{
			MinDivergence8h:     cfg.MinDivergence,
			LongVenueWhitelist:  cfg.LongVenueWhitelist,
			ShortVenueWhitelist: cfg.ShortVenueWhitelist,
			VenueBlacklist:      cfg.VenueBlacklist,
		}),
		exec:    executor.NewWithConfig(logger, execCfg),
		store:   store,
		monitor: position.NewMonitor(database, venues, logger),
		closer:  closer,
		profit:  realtime.New(venues, closer, database, logger, cfg.ProfitTaking.MinImmediateProfitTakingPct, cfg.ProfitCheckThrottle()),
		notif:   notif,
		limiter: limiter,
		log:     logger.Sugar(),
		unsubs:  make(map[string]func()),
		thresholds: position.Thresholds{
			LiquidationBufferPct:    cfg.Risk.LiquidationBufferPct,
			StopLossPct:             cfg.Risk.StopLossPct,
			MinProfitUSD:            cfg.ProfitTaking.MinProfitUSD,
			MaxDuration:             hoursOr(cfg.Risk.HardTimeLimitHours),
			FundingFlipThresholdPct: cfg.Risk.FundingFlipThresholdPct,
			TrailingDrawdownPct:     cfg.Risk.TrailingDrawdownPct,
			LegImbalanceTolerance:   cfg.Risk.LegImbalanceTolerance,
		},
	}, nil
}

func hoursOr(h float64) time.Duration {
	if h <= 0 {
		return 0
	}
	return time.Duration(h * float64(time.Hour))
}

var _ Strategy = (*FundingArbStrategy)(nil)

// Scan finds and opens new opportunities up to the instance's
// position-count limits: overall, per-symbol, and per-venue.
func (s *FundingArbStrategy) Scan(ctx context.Context) error {
	check, err := s.limiter.QuickCheck(ctx)
	if err != nil {
		return err
	}
	if !check.Allowed {
		s.log.Warnw("scan skipped: risk limiter blocked new opens", "reason", check.Reason)
		return nil
	}

	open, err := s.store.List(ctx, s.cfg.AccountID)
	if err != nil {
		return err
	}
	if len(open) >= s.cfg.MaxOpenPositions {
		return nil
	}

	opps, err := s.finder.Scan(ctx)
	if err != nil {
		return err
	}
	println("DEBUG opps len:", len(opps))

	// openPairs keys on the full (symbol, long_venue, short_venue)
	// tuple, matching the CreateOrGet dedup key (I3): the same symbol
	// may be open simultaneously on a distinct venue pair, so only an
	// exact pair match blocks a new candidate here.
	openPairs := make(map[string]bool, len(open))
	perSymbolCount := make(map[string]int, len(open))
	perVenueCount := make(map[string]int, len(open)*2)
	for _, p := range open {
		openPairs[pairKey(p.Symbol, p.LongVenue, p.ShortVenue)] = true
		perSymbolCount[p.Symbol]++
		perVenueCount[p.LongVenue]++
		perVenueCount[p.ShortVenue]++
	}

	for _, o := range opps {
		if len(open) >= s.cfg.MaxOpenPositions {
			return nil
		}
		println("DEBUG candidate", o.Symbol, o.LongVenue, o.ShortVenue, "netprofit", o.NetProfitPct, "minprofit", s.cfg.MinProfitPct, "tracks", s.cfg.TracksSymbol(o.Symbol), "allows", s.cfg.AllowsPair(o.LongVenue, o.ShortVenue))
		if o.NetProfitPct < s.cfg.MinProfitPct {
			continue // ranked descending: every later candidate is worse too, but venue/symbol diversity means skip, not stop
		}
		if !s.cfg.TracksSymbol(o.Symbol) || !s.cfg.AllowsPair(o.LongVenue, o.ShortVenue) {
			continue
		}
		if openPairs[pairKey(o.Symbol, o.LongVenue, o.ShortVenue)] {
			continue
		}
		if s.cfg.MaxPositionsPerSymbol > 0 && perSymbolCount[o.Symbol] >= s.cfg.MaxPositionsPerSymbol {
			continue
		}
		if s.cfg.MaxPositionsPerVenue > 0 && (perVenueCount[o.LongVenue] >= s.cfg.MaxPositionsPerVenue || perVenueCount[o.ShortVenue] >= s.cfg.MaxPositionsPerVenue) {
			continue
		}
		if err := s.openPosition(ctx, o); err != nil {
			println("DEBUG openPosition err:", err.Error())
			s.log.Warnw("open position failed", "symbol", o.Symbol, "err", err)
			continue
		}
		open = append(open, db.PairedPosition{Symbol: o.Symbol, LongVenue: o.LongVenue, ShortVenue: o.ShortVenue})
		openPairs[pairKey(o.Symbol, o.LongVenue, o.ShortVenue)] = true
		perSymbolCount[o.Symbol]++
		perVenueCount[o.LongVenue]++
		perVenueCount[o.ShortVenue]++
	}
	return nil
}

func pairKey(symbol, longVenue, shortVenue string) string {
	return symbol + ":" + longVenue + ":" + shortVenue
}

// roundDownToStep floors qty to a multiple of the venue step size. A
// zero step means the venue imposes no lot sizing.
func roundDownToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
}

// logEntryLeg writes the audit trail for one opened entry leg. Errors
// are logged, never returned: losing an audit row must never unwind an
// entry that has already been confirmed filled.
func (s *FundingArbStrategy) logEntryLeg(ctx context.Context, p db.PairedPosition, side venue.Side, result venue.OrderResult) {
	orderID := uuid.NewString()
	if err := s.db.CreateOrder(ctx, db.Order{
		ID: orderID, StrategyInstanceID: p.ID, Symbol: p.Symbol, Side: string(side),
		Price: result.AvgPrice, Qty: result.FilledQty, FilledQty: result.FilledQty, Status: string(result.Status),
	}); err != nil {
		s.log.Warnw("audit: log entry order failed", "position_id", p.ID, "err", err)
		return
	}
	if result.FilledQty <= 0 {
		return
	}
	if err := s.db.CreateTrade(ctx, db.Trade{
		ID: uuid.NewString(), OrderID: orderID, Symbol: p.Symbol, Side: string(side),
		Price: result.AvgPrice, Qty: result.FilledQty, Fee: result.Fees,
	}); err != nil {
		s.log.Warnw("audit: log entry trade failed", "position_id", p.ID, "err", err)
	}
}

func (s *FundingArbStrategy) openPosition(ctx context.Context, o opportunity.Opportunity) error {
	println("DEBUG openPosition called")
	longVC, shortVC := s.venues[o.LongVenue], s.venues[o.ShortVenue]

	longBBO, err := longVC.FetchBBO(ctx, o.Symbol)
	if err != nil {
		return err
	}
	shortBBO, err := shortVC.FetchBBO(ctx, o.Symbol)
	if err != nil {
		return err
	}

	longSpec, err := longVC.SymbolSpec(ctx, o.Symbol)
	if err != nil {
		return err
	}
	shortSpec, err := shortVC.SymbolSpec(ctx, o.Symbol)
	if err != nil {
		return err
	}

	// Both legs must carry the same base quantity, so the size is
	// rounded down against the coarser of the two venues' step sizes;
	// if the rounded quantity no longer clears either venue's minimum
	// notional, the pair is rejected before any order is placed.
	qty := s.cfg.MaxLegNotionalUSD / longBBO.Ask
	step := longSpec.StepSize
	if shortSpec.StepSize > step {
		step = shortSpec.StepSize
	}
	qty = roundDownToStep(qty, step)
	if qty <= 0 || qty*longBBO.Ask < longSpec.MinNotionalUSD || qty*shortBBO.Bid < shortSpec.MinNotionalUSD {
		return executor.ErrSizeTooSmall
	}

	longBal, err := longVC.FetchAccountBalance(ctx)
	if err != nil {
		return err
	}
	shortBal, err := shortVC.FetchAccountBalance(ctx)
	if err != nil {
		return err
	}

	maxLeverage := s.cfg.MaxLeverageFor(o.LongVenue)
	if shortMax := s.cfg.MaxLeverageFor(o.ShortVenue); shortMax < maxLeverage {
		maxLeverage = shortMax
	}
	minNotional := longSpec.MinNotionalUSD
	if shortSpec.MinNotionalUSD > minNotional {
		minNotional = shortSpec.MinNotionalUSD
	}
	if err := executor.PreflightCheck(
		executor.LegRequest{Venue: longVC, Symbol: o.Symbol, Side: venue.SideBuy, Qty: qty, Price: longBBO.Ask, Type: venue.OrderTypeAggressiveLimit},
		executor.LegRequest{Venue: shortVC, Symbol: o.Symbol, Side: venue.SideSell, Qty: qty, Price: shortBBO.Bid, Type: venue.OrderTypeAggressiveLimit},
		longBal.FreeMarginUSD, shortBal.FreeMarginUSD, minNotional, false,
		maxLeverage, maxLeverage*0.5, s.cfg.Risk.LiquidationBufferPct,
	); err != nil {
		s.notif.InsufficientMargin(ctx, o.Symbol)
		return err
	}

	outcome, err := s.exec.PlacePair(ctx,
		executor.LegRequest{Venue: longVC, Symbol: o.Symbol, Side: venue.SideBuy, Qty: qty, Price: longBBO.Ask, Type: venue.OrderTypeAggressiveLimit},
		executor.LegRequest{Venue: shortVC, Symbol: o.Symbol, Side: venue.SideSell, Qty: qty, Price: shortBBO.Bid, Type: venue.OrderTypeAggressiveLimit},
	)
	if outcome.Kind != executor.OutcomeSuccess {
		s.log.Warnw("entry rolled back", "symbol", o.Symbol, "reason", outcome.Reason, "rollback_cost_usd", outcome.RollbackCost.TotalUSD())
		return err
	}

	result := outcome.Result
	sizeUSD := qty * (result.Long.AvgPrice + result.Short.AvgPrice) / 2
	entryFees := result.Long.Fees + result.Short.Fees

	p, err := s.store.CreateOrGet(ctx, s.cfg.AccountID, o.Symbol, o.LongVenue, o.ShortVenue, func() (db.PairedPosition, error) {
		return db.PairedPosition{
			AccountID: s.cfg.AccountID, StrategyName: s.cfg.Name, Symbol: o.Symbol,
			LongVenue: o.LongVenue, ShortVenue: o.ShortVenue, Qty: qty, SizeUSD: sizeUSD,
			LongEntryPrice: result.Long.AvgPrice, ShortEntryPrice: result.Short.AvgPrice,
			EntryLongRate: o.LongRate8h, EntryShortRate: o.ShortRate8h, EntryDivergence: o.Divergence8h,
			EntryFeesUSD: entryFees,
			LongOrderID:  result.Long.OrderID, ShortOrderID: result.Short.OrderID,
			Status: "OPEN", OpenedAt: time.Now(),
		}, nil
	})
	if err != nil {
		println("DEBUG CreateOrGet err:", err.Error())
		return err
	}
	println("DEBUG created position id:", p.ID, p.Status)
	s.notif.PositionOpened(ctx, p)
	s.logEntryLeg(ctx, p, venue.SideBuy, result.Long)
	s.logEntryLeg(ctx, p, venue.SideSell, result.Short)

	unsub, err := s.profit.WatchPosition(ctx, p)
	if err != nil {
		s.log.Warnw("watch position for realtime profit failed", "position_id", p.ID, "err", err)
	} else {
		s.mu.Lock()
		s.unsubs[p.ID] = unsub
		s.mu.Unlock()
	}
	return nil
}

// Manage runs one exit-evaluation pass and closes positions that
// qualify.
func (s *FundingArbStrategy) Manage(ctx context.Context) error {
	evals, err := s.monitor.EvaluateOnce(ctx, s.cfg.AccountID, s.thresholds)
	if err != nil {
		return err
	}
	positions, err := s.store.List(ctx, s.cfg.AccountID)
	if err != nil {
		return err
	}
	byID := make(map[string]db.PairedPosition, len(positions))
	for _, p := range positions {
		byID[p.ID] = p
	}

	for _, e := range evals {
		p, ok := byID[e.PositionID]
		if !ok {
			continue
		}
		longVC, shortVC := s.venues[p.LongVenue], s.venues[p.ShortVenue]
		closed, err := s.closer.Close(ctx, p, longVC, shortVC, e.Reason)
		if err != nil {
			s.log.Errorw("close position failed", "position_id", p.ID, "err", err)
			continue
		}
		if closed {
			s.unwatch(p.ID)
			s.monitor.Forget(p.ID)
			if e.Reason == position.ExitLiquidationRisk {
				s.notif.LiquidationRisk(ctx, p.ID, p.LongVenue)
			}
			s.notif.PositionClosed(ctx, p, string(e.Reason))
		}
	}

	if check, err := s.limiter.QuickCheck(ctx); err != nil {
		s.log.Warnw("post-manage risk check failed", "err", err)
	} else if !check.Allowed {
		s.log.Warnw("daily loss limit reached, new opens blocked until next day or manual resume", "reason", check.Reason)
	} else if check.Level == risk.LevelCaution || check.Level == risk.LevelWarning {
		s.log.Infow("approaching daily loss limit", "level", check.Level, "usage_ratio", check.UsageRatio)
	}
	return nil
}

// unwatch stops a closed position's realtime BBO subscriptions; called
// exactly once, right after the close that ends its lifecycle.
func (s *FundingArbStrategy) unwatch(positionID string) {
	s.mu.Lock()
	unsub, ok := s.unsubs[positionID]
	delete(s.unsubs, positionID)
	s.mu.Unlock()
	if ok {
		unsub()
	}
}

// OnFill is a placeholder reconciliation hook; the executor already
// confirms fills synchronously via QueryOrder, so out-of-band fill
// notifications only need to trigger an early Manage pass.
func (s *FundingArbStrategy) OnFill(ctx context.Context, venueName, orderID string) {
	if err := s.Manage(ctx); err != nil {
		s.log.Warnw("manage pass after fill notification failed", "venue", venueName, "order_id", orderID, "err", err)
	}
}

// OnBBO is a no-op at the strategy level: the realtime profit monitor
// subscribes to BBO streams directly per open position.
func (s *FundingArbStrategy) OnBBO(ctx context.Context, symbol string) {}
