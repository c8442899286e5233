// Package opportunity computes pairwise funding-rate divergences
// across venues for symbols both sides trade, filters out
// low-liquidity, cold-start, or disallowed-venue pairs, and ranks what
// remains by net profitability after estimated round-trip fees.
package opportunity

import (
	"context"
	"sort"
	"time"

	"fundingarb-core/internal/venue"
	"fundingarb-core/pkg/db"
)

// Opportunity is one candidate funding-arb pair: go long on the venue
// paying the lower (more negative) funding rate, short on the venue
// paying the higher rate, collecting the spread every 8h.
type Opportunity struct {
	Symbol       string
	LongVenue    string
	ShortVenue   string
	LongRate8h   float64
	ShortRate8h  float64
	Divergence8h float64 // always >= MinDivergence
	EstFeesPct   float64 // round-trip (entry+exit) taker fees on both legs
	NetProfitPct float64 // Divergence8h - EstFeesPct
	EstAPY       float64 // Divergence8h * 3 * 365, before fees
	Volume24hUSD float64
	SpreadBps    float64
	MinOIUSD     float64 // min(long leg OI, short leg OI): the binding liquidity constraint
	AvgSpreadBps float64 // mean of both legs' quoted spread
}

// SortKey selects which field Scan ranks candidates by.
type SortKey string

const (
	SortByNetProfitPct SortKey = "net_profit_pct"
	SortByEstAPY       SortKey = "est_apy"
	SortByDivergence   SortKey = "divergence_8h"
)

// Finder scores candidate pairs from the latest funding-rate snapshot
// in the database, plus live market-data calls to the venues
// themselves for liquidity filtering.
type Finder struct {
	db     *db.Database
	venues map[string]venue.VenueClient
	cfg    Config
}

// Config tunes the filters applied before an opportunity is surfaced.
// Whitelist/blacklist fields mirror an InstanceConfig's venue scoping so
// the finder never ranks a pair the owning strategy could not open.
type Config struct {
	MinDivergence8h float64
	MaxSpreadBps    float64
	MinVolume24hUSD float64
	MinOIUSD        float64 // reject if either leg's open interest is below this
	MaxOIUSD        float64 // reject if either leg's open interest exceeds this, 0 = unbounded
	MinOIRatio      float64 // reject if min(oiLong,oiShort)/max(oiLong,oiShort) is below this (legs too lopsided to size evenly)

	LongVenueWhitelist  []string // empty = no long-side restriction
	ShortVenueWhitelist []string // empty = no short-side restriction
	VenueBlacklist      []string // applies to either leg
	AllowedPairs        [][2]string // optional explicit (long, short) allowlist on top of the whitelists

	SortBy SortKey // default SortByNetProfitPct
}

// New builds a Finder.
func New(database *db.Database, venues map[string]venue.VenueClient, cfg Config) *Finder {
	if cfg.MinDivergence8h <= 0 {
		cfg.MinDivergence8h = 0.0001
	}
	if cfg.MaxSpreadBps <= 0 {
		cfg.MaxSpreadBps = 10
	}
	if cfg.SortBy == "" {
		cfg.SortBy = SortByNetProfitPct
	}
	return &Finder{db: database, venues: venues, cfg: cfg}
}

// Scan computes every qualifying opportunity across the tracked
// venues, sorted descending by the configured sort key (net profit
// percentage by default).
func (f *Finder) Scan(ctx context.Context) ([]Opportunity, error) {
	rates, err := f.db.ListLatestFundingRates(ctx)
	if err != nil {
		return nil, err
	}

	// Group by symbol.
	bySymbol := make(map[string][]db.FundingRate)
	for _, r := range rates {
		bySymbol[r.Symbol] = append(bySymbol[r.Symbol], r)
	}

	metrics := f.fetchMarketData(ctx)
	fees := f.fetchVenueFees(ctx)

	var out []Opportunity
	for symbol, samples := range bySymbol {
		for i := 0; i < len(samples); i++ {
			for j := 0; j < len(samples); j++ {
				if i == j {
					continue
				}
				a, b := samples[i], samples[j]
				if !f.venueAllowed(a.Venue, b.Venue) {
					continue
				}
				if time.Since(a.ObservedAt) > 5*time.Minute || time.Since(b.ObservedAt) > 5*time.Minute {
					continue // stale sample, skip rather than trade on it
				}
				divergence := b.Rate8h - a.Rate8h
				if divergence < f.cfg.MinDivergence8h {
					continue
				}

				// Cold start: a venue with a funding sample but no
				// market-data sample yet must not be surfaced. Both
				// legs need a live quote to size and price the trade.
				longMM, longOK := metrics[venueSymbolKey(a.Venue, symbol)]
				shortMM, shortOK := metrics[venueSymbolKey(b.Venue, symbol)]
				if !longOK || !shortOK {
					continue
				}
				if longMM.HasSpread && longMM.SpreadBps > f.cfg.MaxSpreadBps {
					continue
				}
				if shortMM.HasSpread && shortMM.SpreadBps > f.cfg.MaxSpreadBps {
					continue
				}
				if f.cfg.MinVolume24hUSD > 0 && (longMM.Volume24hUSD < f.cfg.MinVolume24hUSD || shortMM.Volume24hUSD < f.cfg.MinVolume24hUSD) {
					continue
				}
				minOI := longMM.OpenInterestUSD
				maxOI := longMM.OpenInterestUSD
				if shortMM.OpenInterestUSD < minOI {
					minOI = shortMM.OpenInterestUSD
				}
				if shortMM.OpenInterestUSD > maxOI {
					maxOI = shortMM.OpenInterestUSD
				}
				if f.cfg.MinOIUSD > 0 && minOI < f.cfg.MinOIUSD {
					continue
				}
				if f.cfg.MaxOIUSD > 0 && maxOI > f.cfg.MaxOIUSD {
					continue
				}
				if f.cfg.MinOIRatio > 0 && maxOI > 0 && minOI/maxOI < f.cfg.MinOIRatio {
					continue
				}

				// est_fees = (fee(v1) + fee(v2)) x 2: one entry and one
				// exit taker fill on each leg.
				estFees := (fees[a.Venue] + fees[b.Venue]) * 2
				out = append(out, Opportunity{
					Symbol: symbol, LongVenue: a.Venue, ShortVenue: b.Venue,
					LongRate8h: a.Rate8h, ShortRate8h: b.Rate8h,
					Divergence8h: divergence, EstFeesPct: estFees, NetProfitPct: divergence - estFees,
					EstAPY:       divergence * 3 * 365,
					Volume24hUSD: minVolume(longMM.Volume24hUSD, shortMM.Volume24hUSD),
					SpreadBps:    longMM.SpreadBps,
					MinOIUSD:     minOI,
					AvgSpreadBps: (longMM.SpreadBps + shortMM.SpreadBps) / 2,
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return f.sortValue(out[i]) > f.sortValue(out[j]) })
	return out, nil
}

func (f *Finder) sortValue(o Opportunity) float64 {
	switch f.cfg.SortBy {
	case SortByEstAPY:
		return o.EstAPY
	case SortByDivergence:
		return o.Divergence8h
	default:
		return o.NetProfitPct
	}
}

// venueAllowed applies the configured whitelist/blacklist/explicit-pair
// filters to one candidate (long, short) venue pair.
func (f *Finder) venueAllowed(long, short string) bool {
	if containsStr(f.cfg.VenueBlacklist, long) || containsStr(f.cfg.VenueBlacklist, short) {
		return false
	}
	if len(f.cfg.LongVenueWhitelist) > 0 && !containsStr(f.cfg.LongVenueWhitelist, long) {
		return false
	}
	if len(f.cfg.ShortVenueWhitelist) > 0 && !containsStr(f.cfg.ShortVenueWhitelist, short) {
		return false
	}
	if len(f.cfg.AllowedPairs) > 0 {
		ok := false
		for _, p := range f.cfg.AllowedPairs {
			if p[0] == long && p[1] == short {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func minVolume(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func venueSymbolKey(venueName, symbol string) string { return venueName + ":" + symbol }

func (f *Finder) fetchMarketData(ctx context.Context) map[string]venue.MarketMetrics {
	out := make(map[string]venue.MarketMetrics)
	for name, vc := range f.venues {
		mm, err := vc.FetchMarketData(ctx)
		if err != nil {
			continue
		}
		for symbol, m := range mm {
			out[venueSymbolKey(name, symbol)] = m
		}
	}
	return out
}

// fetchVenueFees returns each tracked venue's taker fee, used for
// est_fees since both entry and exit legs cross the book as takers.
func (f *Finder) fetchVenueFees(ctx context.Context) map[string]float64 {
	out := make(map[string]float64, len(f.venues))
	for name := range f.venues {
		info, err := f.db.GetVenueInfo(ctx, name)
		if err != nil {
			out[name] = 0.0005 // conservative default taker fee when uncatalogued
			continue
		}
		out[name] = info.TakerFeePct
	}
	return out
}
