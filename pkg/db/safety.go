package db

import (
	"context"
	"database/sql"
)

// SafetyLimits is one strategy run's configured kill-switch thresholds,
// adjustable at runtime independent of its sealed TOML config.
type SafetyLimits struct {
	StrategyRunID    string
	MaxOpenPositions int
	MaxLegNotionalUSD float64
	MaxDailyLosses   int
	Halted           bool
	HaltedReason     string
}

// UpsertSafetyLimits inserts or replaces a run's safety limits row.
func (d *Database) UpsertSafetyLimits(ctx context.Context, l SafetyLimits) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO safety_limits (strategy_run_id, max_open_positions, max_leg_notional_usd, max_daily_losses, halted, halted_reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_run_id) DO UPDATE SET
			max_open_positions = excluded.max_open_positions,
			max_leg_notional_usd = excluded.max_leg_notional_usd,
			max_daily_losses = excluded.max_daily_losses,
			halted = excluded.halted,
			halted_reason = excluded.halted_reason
	`, l.StrategyRunID, l.MaxOpenPositions, l.MaxLegNotionalUSD, l.MaxDailyLosses, l.Halted, l.HaltedReason)
	return err
}

// GetSafetyLimits returns a run's safety limits, or sql.ErrNoRows if
// none have been configured.
func (d *Database) GetSafetyLimits(ctx context.Context, strategyRunID string) (SafetyLimits, error) {
	var l SafetyLimits
	var halted int
	var reason sql.NullString
	err := d.DB.QueryRowContext(ctx, `
		SELECT strategy_run_id, max_open_positions, max_leg_notional_usd, max_daily_losses, halted, halted_reason
		FROM safety_limits WHERE strategy_run_id = ?
	`, strategyRunID).Scan(&l.StrategyRunID, &l.MaxOpenPositions, &l.MaxLegNotionalUSD, &l.MaxDailyLosses, &halted, &reason)
	if err != nil {
		return l, err
	}
	l.Halted = halted != 0
	l.HaltedReason = reason.String
	return l, nil
}

// SetHalted flips a run's kill switch.
func (d *Database) SetHalted(ctx context.Context, strategyRunID string, halted bool, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE safety_limits SET halted = ?, halted_reason = ? WHERE strategy_run_id = ?
	`, halted, reason, strategyRunID)
	return err
}

// CountDailyLosses returns how many paired positions closed at a loss
// for this run since the start of the current UTC day.
func (d *Database) CountDailyLosses(ctx context.Context, strategyRunID string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM paired_positions
		WHERE strategy_run_id = ? AND status = 'CLOSED'
		  AND realized_pnl < 0
		  AND closed_at >= date('now', 'start of day')
	`, strategyRunID).Scan(&n)
	return n, err
}

// InsertAuditLog appends an audit trail entry.
func (d *Database) InsertAuditLog(ctx context.Context, accountID, action, detail string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO audit_log (account_id, action, detail) VALUES (?, ?, ?)
	`, accountID, action, detail)
	return err
}
