package appconfig

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// InstanceConfig is the sealed, per-strategy-instance configuration
// loaded from a TOML file. Unlike Bootstrap (flat env vars shared by
// the whole process), one of these exists per funding-arb strategy
// run and is never mutated after load: changing a running instance's
// parameters means stopping it and starting a new strategy_run row
// with a new file.
type InstanceConfig struct {
	Name      string `toml:"name"`
	AccountID string `toml:"account_id"`

	// Venue scoping: an instance trades every (long, short) pair whose
	// long leg clears LongVenueWhitelist and whose short leg clears
	// ShortVenueWhitelist, minus anything named in VenueBlacklist on
	// either leg. Leaving a whitelist empty means "no restriction on
	// that leg" rather than "no venues allowed".
	LongVenueWhitelist  []string `toml:"long_venue_whitelist"`
	ShortVenueWhitelist []string `toml:"short_venue_whitelist"`
	VenueBlacklist      []string `toml:"venue_blacklist"`

	// Symbol scoping: either an explicit list, or "all" to track every
	// symbol the configured venues both quote.
	Symbols         []string `toml:"symbols"`
	SymbolsUniverse string   `toml:"symbols_universe"`

	MinDivergence         float64 `toml:"min_divergence_8h"`
	MinProfitPct          float64 `toml:"min_profit_pct"`
	MaxLegNotionalUSD     float64 `toml:"max_leg_notional_usd"`
	MaxOpenPositions      int     `toml:"max_open_positions"`
	MaxPositionsPerSymbol int     `toml:"max_positions_per_symbol"`
	MaxPositionsPerVenue  int     `toml:"max_positions_per_venue"`

	ScanIntervalSec    int     `toml:"scan_interval_sec"`
	MonitorIntervalSec int     `toml:"monitor_interval_sec"`
	EntryTimeoutSec    int     `toml:"entry_timeout_sec"`
	CloseTimeoutSec    int     `toml:"close_timeout_sec"`
	MinFillRatio       float64 `toml:"min_fill_ratio"`
	ControlAPIPort     int     `toml:"control_api_port"`

	Risk struct {
		MaxLeverage             float64 `toml:"max_leverage"`
		LiquidationBufferPct    float64 `toml:"liquidation_buffer_pct"`
		StopLossPct             float64 `toml:"stop_loss_pct"`
		FundingFlipThresholdPct float64 `toml:"funding_flip_threshold_pct"`
		TrailingDrawdownPct     float64 `toml:"trailing_drawdown_pct"`
		HardTimeLimitHours      float64 `toml:"hard_time_limit_hours"`
		LegImbalanceTolerance   float64 `toml:"leg_imbalance_tolerance"`
		// LeverageByVenue overrides MaxLeverage for specific venues
		// whose exchange-side margin tiers differ from the instance
		// default, e.g. {"binanceperp": 10, "hyperliquid": 5}.
		LeverageByVenue map[string]float64 `toml:"leverage_by_venue"`
	} `toml:"risk"`

	ProfitTaking struct {
		Enabled                     bool    `toml:"enable_immediate_profit_taking"`
		MinProfitUSD                float64 `toml:"min_profit_usd"`
		MinImmediateProfitTakingPct float64 `toml:"min_immediate_profit_taking_pct"`
		CheckIntervalSec            int     `toml:"realtime_profit_check_interval_sec"`
	} `toml:"profit_taking"`
}

// ScanInterval is how often Scan looks for new opportunities, default 30s.
func (c InstanceConfig) ScanInterval() time.Duration { return durationOr(c.ScanIntervalSec, 30*time.Second) }

// MonitorInterval is how often Manage evaluates open positions, default 60s.
func (c InstanceConfig) MonitorInterval() time.Duration {
	return durationOr(c.MonitorIntervalSec, 60*time.Second)
}

// EntryTimeout bounds how long PlacePair waits for both legs to fill
// before rolling back, default 10s.
func (c InstanceConfig) EntryTimeout() time.Duration { return durationOr(c.EntryTimeoutSec, 10*time.Second) }

// CloseTimeout bounds a non-urgent close's aggressive-limit retry loop
// before it escalates to market orders, default 15s.
func (c InstanceConfig) CloseTimeout() time.Duration { return durationOr(c.CloseTimeoutSec, 15*time.Second) }

// ProfitCheckThrottle bounds how often a single position re-evaluates
// the immediate profit-taking condition on BBO ticks, default 1s.
func (c InstanceConfig) ProfitCheckThrottle() time.Duration {
	return durationOr(c.ProfitTaking.CheckIntervalSec, 1*time.Second)
}

// durationOr returns d converted to a time.Duration, or fallback when
// d is not positive.
func durationOr(secs int, fallback time.Duration) time.Duration {
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// TracksAllSymbols reports whether symbols_universe opted into every
// symbol the configured venues quote, rather than an explicit list.
func (c InstanceConfig) TracksAllSymbols() bool { return c.SymbolsUniverse == "all" }

// TracksSymbol reports whether this instance trades symbol.
func (c InstanceConfig) TracksSymbol(symbol string) bool {
	if c.TracksAllSymbols() {
		return true
	}
	return stringIn(c.Symbols, symbol)
}

// AllowsPair reports whether (long, short) clears this instance's
// venue whitelist/blacklist scoping.
func (c InstanceConfig) AllowsPair(long, short string) bool {
	if long == short {
		return false
	}
	if stringIn(c.VenueBlacklist, long) || stringIn(c.VenueBlacklist, short) {
		return false
	}
	if len(c.LongVenueWhitelist) > 0 && !stringIn(c.LongVenueWhitelist, long) {
		return false
	}
	if len(c.ShortVenueWhitelist) > 0 && !stringIn(c.ShortVenueWhitelist, short) {
		return false
	}
	return true
}

// AllVenues returns every venue named in either whitelist, minus
// anything blacklisted, de-duplicated. Used to build venue clients for
// an instance that is not pinned to a single fixed pair.
func (c InstanceConfig) AllVenues() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(names []string) {
		for _, v := range names {
			if seen[v] || stringIn(c.VenueBlacklist, v) {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	add(c.LongVenueWhitelist)
	add(c.ShortVenueWhitelist)
	return out
}

// MaxLeverageFor returns the per-venue leverage override if configured,
// otherwise the instance-wide Risk.MaxLeverage.
func (c InstanceConfig) MaxLeverageFor(venueName string) float64 {
	if v, ok := c.Risk.LeverageByVenue[venueName]; ok && v > 0 {
		return v
	}
	return c.Risk.MaxLeverage
}

func stringIn(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// LoadInstanceConfig decodes path strictly: any key in the TOML file
// that does not map to a field in InstanceConfig is a load error
// rather than being silently ignored, since a typo'd strategy
// parameter silently falling back to its zero value is exactly the
// kind of mistake that should fail loudly at startup.
func LoadInstanceConfig(path string) (*InstanceConfig, error) {
	var cfg InstanceConfig
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("appconfig: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("appconfig: %s: unknown keys %v", path, undecoded)
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("appconfig: %s: name is required", path)
	}
	if len(cfg.LongVenueWhitelist) == 0 || len(cfg.ShortVenueWhitelist) == 0 {
		return nil, fmt.Errorf("appconfig: %s: long_venue_whitelist and short_venue_whitelist must both name at least one venue", path)
	}
	if !cfg.TracksAllSymbols() && len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("appconfig: %s: symbols must list at least one symbol, or symbols_universe must be \"all\"", path)
	}
	if cfg.MaxOpenPositions <= 0 {
		cfg.MaxOpenPositions = 1
	}
	if cfg.MinFillRatio <= 0 {
		cfg.MinFillRatio = 0.98
	}
	// max_positions_per_symbol and max_positions_per_venue of 0 mean
	// "unlimited" (bounded only by max_open_positions), not "never open".
	return &cfg, nil
}
