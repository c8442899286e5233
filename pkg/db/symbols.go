package db

import (
	"context"
	"database/sql"
)

// VenueSymbol maps a canonical symbol to its venue-native
// representation, sizing constraints, and an optional per-symbol
// funding-interval override taking precedence over the venue default.
type VenueSymbol struct {
	Venue                string
	Symbol               string
	NativeSymbol         string
	TickSize             float64
	StepSize             float64
	MinNotionalUSD       float64
	FundingIntervalHours float64 // 0 means "use venue default"
}

// ListVenueSymbols returns every cataloged symbol for a venue.
func (d *Database) ListVenueSymbols(ctx context.Context, venueName string) ([]VenueSymbol, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT venue, symbol, native_symbol, tick_size, step_size, min_notional_usd, funding_interval_hours
		FROM venue_symbols WHERE venue = ?
	`, venueName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VenueSymbol
	for rows.Next() {
		var v VenueSymbol
		var tick, step, minNotional, interval sql.NullFloat64
		if err := rows.Scan(&v.Venue, &v.Symbol, &v.NativeSymbol, &tick, &step, &minNotional, &interval); err != nil {
			return nil, err
		}
		v.TickSize = tick.Float64
		v.StepSize = step.Float64
		v.MinNotionalUSD = minNotional.Float64
		v.FundingIntervalHours = interval.Float64
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertVenueSymbol inserts or replaces a venue's symbol catalog row.
func (d *Database) UpsertVenueSymbol(ctx context.Context, v VenueSymbol) error {
	var interval interface{}
	if v.FundingIntervalHours > 0 {
		interval = v.FundingIntervalHours
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO venue_symbols (venue, symbol, native_symbol, tick_size, step_size, min_notional_usd, funding_interval_hours)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(venue, symbol) DO UPDATE SET
			native_symbol = excluded.native_symbol,
			tick_size = excluded.tick_size,
			step_size = excluded.step_size,
			min_notional_usd = excluded.min_notional_usd,
			funding_interval_hours = excluded.funding_interval_hours
	`, v.Venue, v.Symbol, v.NativeSymbol, v.TickSize, v.StepSize, v.MinNotionalUSD, interval)
	return err
}

// SetSymbolFundingInterval records a per-symbol funding-interval
// override observed during collection, so later normalizations stay
// stable across restarts. The row is created if the symbol was not
// cataloged yet.
func (d *Database) SetSymbolFundingInterval(ctx context.Context, venueName, symbol string, hours float64) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO venue_symbols (venue, symbol, native_symbol, funding_interval_hours)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(venue, symbol) DO UPDATE SET funding_interval_hours = excluded.funding_interval_hours
	`, venueName, symbol, symbol, hours)
	return err
}
