package db

import (
	"context"
	"database/sql"
	"time"
)

// PairedPosition is a two-legged funding-arb position: a long leg on
// one venue and a short leg on another, opened and closed atomically.
type PairedPosition struct {
	ID              string
	AccountID       string
	StrategyRunID   string
	StrategyName    string
	Symbol          string
	LongVenue       string
	ShortVenue      string
	Qty             float64
	SizeUSD         float64
	LongEntryPrice  float64
	ShortEntryPrice float64
	EntryLongRate   float64 // 8h-normalized rate at entry, long leg's venue
	EntryShortRate  float64 // 8h-normalized rate at entry, short leg's venue
	EntryDivergence float64 // |EntryShortRate - EntryLongRate| at entry
	EntryFeesUSD    float64 // taker fees paid opening both legs
	LongOrderID     string
	ShortOrderID    string
	Status          string // OPEN, CLOSING, CLOSED
	OpenedAt        time.Time
	ClosedAt        *time.Time
	CloseReason     string
	RealizedPnL     float64
	Notes           string
}

// CreatePairedPosition inserts a new open position row.
func (d *Database) CreatePairedPosition(ctx context.Context, p PairedPosition) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO paired_positions (
			id, account_id, strategy_run_id, strategy_name, symbol, long_venue, short_venue, qty, size_usd,
			long_entry_price, short_entry_price, entry_long_rate, entry_short_rate, entry_divergence, entry_fees_usd,
			long_order_id, short_order_id, status, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, p.ID, p.AccountID, p.StrategyRunID, p.StrategyName, p.Symbol, p.LongVenue, p.ShortVenue, p.Qty, p.SizeUSD,
		p.LongEntryPrice, p.ShortEntryPrice, p.EntryLongRate, p.EntryShortRate, p.EntryDivergence, p.EntryFeesUSD,
		p.LongOrderID, p.ShortOrderID, p.Status, p.OpenedAt)
	return err
}

const pairedPositionColumns = `
	id, account_id, strategy_run_id, strategy_name, symbol, long_venue, short_venue, qty, size_usd,
	long_entry_price, short_entry_price, entry_long_rate, entry_short_rate, entry_divergence, entry_fees_usd,
	long_order_id, short_order_id, status,
	opened_at, closed_at, close_reason, realized_pnl, notes
`

// GetOpenPosition returns the open (or closing, or stuck) position for
// an account+symbol+venue-pair, if any. Used by PositionStore's
// singleflight-backed create-or-get path to enforce the single
// concurrent position per (account, symbol, long_venue, short_venue)
// invariant (I3): the same symbol can be open simultaneously on a
// different venue pair without colliding. ERROR counts as open here
// since a position stuck mid-close may still carry real exposure on
// one leg until an operator reconciles it.
func (d *Database) GetOpenPosition(ctx context.Context, accountID, symbol, longVenue, shortVenue string) (*PairedPosition, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+pairedPositionColumns+`
		FROM paired_positions
		WHERE account_id = ? AND symbol = ? AND long_venue = ? AND short_venue = ? AND status IN ('OPEN', 'CLOSING', 'ERROR')
		ORDER BY opened_at DESC LIMIT 1
	`, accountID, symbol, longVenue, shortVenue)
	return scanPairedPosition(row)
}

// ListOpenPositions returns every open/closing/stuck position for an
// account, used by the position monitor's evaluation loop.
func (d *Database) ListOpenPositions(ctx context.Context, accountID string) ([]PairedPosition, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+pairedPositionColumns+`
		FROM paired_positions
		WHERE account_id = ? AND status IN ('OPEN', 'CLOSING', 'ERROR')
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PairedPosition
	for rows.Next() {
		p, err := scanPairedPositionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MarkPositionClosing transitions an OPEN position to CLOSING. The
// PositionCloser's single-close invariant relies on this as a
// durable, cross-restart marker in addition to the in-process gating
// set: a position already CLOSING is never picked up for a second
// close attempt after a crash and restart.
func (d *Database) MarkPositionClosing(ctx context.Context, id string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE paired_positions SET status = 'CLOSING' WHERE id = ? AND status = 'OPEN'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClosePairedPosition finalizes a position as CLOSED with its close
// reason and realized PnL.
func (d *Database) ClosePairedPosition(ctx context.Context, id, reason string, realizedPnL float64, closedAt time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE paired_positions
		SET status = 'CLOSED', close_reason = ?, realized_pnl = ?, closed_at = ?
		WHERE id = ?
	`, reason, realizedPnL, closedAt, id)
	return err
}

// MarkPositionError transitions a position stuck mid-close (one leg
// flattened, the other still failing) to ERROR: it stays out of the
// normal CLOSING retry path but is still counted as open for I3 dedup
// purposes, since real exposure may remain on one leg until an operator
// reconciles it manually.
func (d *Database) MarkPositionError(ctx context.Context, id, notes string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE paired_positions SET status = 'ERROR', notes = ? WHERE id = ?
	`, notes, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPairedPosition(row *sql.Row) (*PairedPosition, error) {
	p, err := scanPairedPositionGeneric(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func scanPairedPositionRows(rows *sql.Rows) (*PairedPosition, error) {
	return scanPairedPositionGeneric(rows)
}

func scanPairedPositionGeneric(s rowScanner) (*PairedPosition, error) {
	var p PairedPosition
	var closedAt sql.NullTime
	var closeReason, notes, strategyName sql.NullString
	if err := s.Scan(
		&p.ID, &p.AccountID, &p.StrategyRunID, &strategyName, &p.Symbol, &p.LongVenue, &p.ShortVenue, &p.Qty, &p.SizeUSD,
		&p.LongEntryPrice, &p.ShortEntryPrice, &p.EntryLongRate, &p.EntryShortRate, &p.EntryDivergence, &p.EntryFeesUSD,
		&p.LongOrderID, &p.ShortOrderID, &p.Status,
		&p.OpenedAt, &closedAt, &closeReason, &p.RealizedPnL, &notes,
	); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		p.ClosedAt = &closedAt.Time
	}
	p.StrategyName = strategyName.String
	p.CloseReason = closeReason.String
	p.Notes = notes.String
	return &p, nil
}
