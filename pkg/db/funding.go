package db

import (
	"context"
	"database/sql"
	"time"
)

// FundingRate is one normalized funding-rate observation for a
// (venue, symbol) pair.
type FundingRate struct {
	Venue         string
	Symbol        string
	RateNative    float64
	IntervalHours float64
	Rate8h        float64
	ObservedAt    time.Time
	NextPaymentAt *time.Time
}

// UpsertLatestFundingRate stores the most recent sample for a
// (venue, symbol) pair, overwriting any previous one, and appends an
// immutable history row to funding_rates for later analysis.
func (d *Database) UpsertLatestFundingRate(ctx context.Context, r FundingRate) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO latest_funding_rates (venue, symbol, rate_native, interval_hours, rate_8h, observed_at, next_payment_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(venue, symbol) DO UPDATE SET
			rate_native = excluded.rate_native,
			interval_hours = excluded.interval_hours,
			rate_8h = excluded.rate_8h,
			observed_at = excluded.observed_at,
			next_payment_at = excluded.next_payment_at
	`, r.Venue, r.Symbol, r.RateNative, r.IntervalHours, r.Rate8h, r.ObservedAt, r.NextPaymentAt); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO funding_rates (venue, symbol, rate_native, interval_hours, rate_8h, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Venue, r.Symbol, r.RateNative, r.IntervalHours, r.Rate8h, r.ObservedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// ListLatestFundingRates returns the latest known sample for every
// (venue, symbol) pair, used by the opportunity finder to build
// pairwise divergences without re-querying every venue synchronously.
func (d *Database) ListLatestFundingRates(ctx context.Context) ([]FundingRate, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT venue, symbol, rate_native, interval_hours, rate_8h, observed_at, next_payment_at
		FROM latest_funding_rates
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FundingRate
	for rows.Next() {
		var r FundingRate
		var next sql.NullTime
		if err := rows.Scan(&r.Venue, &r.Symbol, &r.RateNative, &r.IntervalHours, &r.Rate8h, &r.ObservedAt, &next); err != nil {
			return nil, err
		}
		if next.Valid {
			r.NextPaymentAt = &next.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FundingPayment is one realized funding payment credited or debited
// against an open paired position.
type FundingPayment struct {
	PositionID  string
	Venue       string
	AmountUSD   float64
	PaymentTime time.Time
}

// RecordFundingPayment inserts a funding payment, relying on the
// UNIQUE(position_id, payment_time, venue) constraint to make the
// insert idempotent: re-processing the same payment event twice is a
// no-op rather than double-counting PnL.
func (d *Database) RecordFundingPayment(ctx context.Context, p FundingPayment) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO funding_payments (position_id, venue, amount_usd, payment_time)
		VALUES (?, ?, ?, ?)
	`, p.PositionID, p.Venue, p.AmountUSD, p.PaymentTime)
	return err
}

// SumFundingPayments returns the total funding PnL credited to a
// position so far.
func (d *Database) SumFundingPayments(ctx context.Context, positionID string) (float64, error) {
	var total sql.NullFloat64
	err := d.DB.QueryRowContext(ctx, `
		SELECT SUM(amount_usd) FROM funding_payments WHERE position_id = ?
	`, positionID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}
