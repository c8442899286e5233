// Package funding runs the periodic per-venue funding-rate scan that
// feeds the opportunity finder: each venue's FetchFundingRates is
// polled on its own ticker, normalized to an 8h basis, persisted to
// SQLite, and mirrored to the shared Redis cache.
package funding

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fundingarb-core/internal/cache"
	"fundingarb-core/internal/venue"
	"fundingarb-core/pkg/db"
)

// Collector polls a set of venues for funding rates on independent
// tickers so a slow venue never stalls the others.
type Collector struct {
	db     *db.Database
	cache  *cache.FundingCache
	log    *zap.SugaredLogger
	venues map[string]venue.VenueClient
	period time.Duration
}

// New builds a Collector over the given venues.
func New(database *db.Database, fundingCache *cache.FundingCache, logger *zap.Logger, venues map[string]venue.VenueClient, period time.Duration) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if period <= 0 {
		period = 30 * time.Second
	}
	return &Collector{db: database, cache: fundingCache, log: logger.Sugar(), venues: venues, period: period}
}

// Run blocks, scanning every venue on its own ticker until ctx is
// canceled. Each venue's scan loop runs on its own goroutine so one
// venue's latency never delays another's.
func (c *Collector) Run(ctx context.Context) {
	for name, vc := range c.venues {
		go c.scanLoop(ctx, name, vc)
	}
	<-ctx.Done()
}

func (c *Collector) scanLoop(ctx context.Context, name string, vc venue.VenueClient) {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	c.scanOnce(ctx, name, vc)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanOnce(ctx, name, vc)
		}
	}
}

func (c *Collector) scanOnce(ctx context.Context, name string, vc venue.VenueClient) {
	samples, err := vc.FetchFundingRates(ctx)
	if err != nil {
		c.log.Warnw("funding scan failed", "venue", name, "err", err)
		if rerr := c.db.RecordVenueError(ctx, name); rerr != nil {
			c.log.Warnw("record venue error failed", "venue", name, "err", rerr)
		}
		return
	}
	// fetch_market_data runs every cycle too, per the collector
	// contract, even though only fetch_funding_rates failures gate the
	// health counters below: a venue quoting funding but not market
	// data is still "succeeding" for collection purposes.
	if _, err := vc.FetchMarketData(ctx); err != nil {
		c.log.Warnw("market data scan failed", "venue", name, "err", err)
	}

	venueDefaultInterval := 8.0
	if info, verr := c.db.GetVenueInfo(ctx, name); verr == nil && info.DefaultFundingIntervalHours > 0 {
		venueDefaultInterval = info.DefaultFundingIntervalHours
	}

	for symbol, sample := range samples {
		// Re-derive Rate8h here so a stored rate never depends on the
		// adapter having normalized it.
		venue.NormalizeSample(&sample, venue.EffectiveInterval(sample.IntervalHours, venueDefaultInterval))
		rec := db.FundingRate{
			Venue: sample.Venue, Symbol: symbol, RateNative: sample.RateNative,
			IntervalHours: sample.IntervalHours, Rate8h: sample.Rate8h,
			ObservedAt: sample.ObservedAt, NextPaymentAt: sample.NextPaymentAt,
		}
		if err := c.db.UpsertLatestFundingRate(ctx, rec); err != nil {
			c.log.Errorw("persist funding rate failed", "venue", name, "symbol", symbol, "err", err)
			continue
		}
		// A symbol paying on a different cadence than its venue default
		// gets a persisted override so normalization stays stable across
		// restarts, and a warning so an operator notices the venue
		// quietly changing its funding schedule.
		if sample.IntervalHours > 0 && sample.IntervalHours != venueDefaultInterval {
			c.log.Warnw("symbol funding interval differs from venue default",
				"venue", name, "symbol", symbol, "observed_hours", sample.IntervalHours, "venue_default_hours", venueDefaultInterval)
			if serr := c.db.SetSymbolFundingInterval(ctx, name, symbol, sample.IntervalHours); serr != nil {
				c.log.Warnw("persist symbol funding interval override failed", "venue", name, "symbol", symbol, "err", serr)
			}
		}
		if c.cache != nil {
			if err := c.cache.Set(ctx, sample); err != nil {
				c.log.Warnw("mirror funding rate to redis failed", "venue", name, "symbol", symbol, "err", err)
			}
		}
	}
	if err := c.db.RecordVenueSuccess(ctx, name); err != nil {
		c.log.Warnw("record venue success failed", "venue", name, "err", err)
	}
}
