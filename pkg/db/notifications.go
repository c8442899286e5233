package db

import (
	"context"
	"time"
)

// StrategyNotification is an operator-facing event emitted by a
// running strategy instance.
type StrategyNotification struct {
	ID            int64
	StrategyRunID string
	PositionID    string
	Kind          string // position_opened, position_closed, insufficient_margin, liquidation_risk
	Message       string
	CreatedAt     time.Time
	Acknowledged  bool
}

// InsertNotification records a new notification.
func (d *Database) InsertNotification(ctx context.Context, n StrategyNotification) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_notifications (strategy_run_id, position_id, kind, message)
		VALUES (?, ?, ?, ?)
	`, n.StrategyRunID, n.PositionID, n.Kind, n.Message)
	return err
}

// ListUnacknowledgedNotifications returns pending notifications for a
// strategy run, oldest first.
func (d *Database) ListUnacknowledgedNotifications(ctx context.Context, strategyRunID string) ([]StrategyNotification, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_run_id, position_id, kind, message, created_at, acknowledged
		FROM strategy_notifications
		WHERE strategy_run_id = ? AND acknowledged = 0
		ORDER BY created_at ASC
	`, strategyRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StrategyNotification
	for rows.Next() {
		var n StrategyNotification
		if err := rows.Scan(&n.ID, &n.StrategyRunID, &n.PositionID, &n.Kind, &n.Message, &n.CreatedAt, &n.Acknowledged); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AcknowledgeNotification marks a notification as seen.
func (d *Database) AcknowledgeNotification(ctx context.Context, id int64) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE strategy_notifications SET acknowledged = 1 WHERE id = ?`, id)
	return err
}
