package db

import (
	"context"
	"time"
)

// Order is one audit row for a single leg order the executor or
// closer submitted to a venue: entry legs, rollback legs, and close
// legs all write one row apiece. strategy_instance_id carries the
// owning PairedPosition's ID so every order a position's lifecycle
// produced can be reconstructed from this table alone, independent of
// paired_positions' own coarse long/short summary columns.
type Order struct {
	ID                 string
	StrategyInstanceID string // PairedPosition.ID
	Symbol             string
	Side               string
	Price              float64
	Qty                float64
	FilledQty          float64
	Status             string
	CreatedAt          time.Time
}

// Trade is one confirmed fill against an Order, written once a
// QueryOrder call (or the initial placement ack) reports a nonzero
// filled quantity.
type Trade struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      string
	Price     float64
	Qty       float64
	Fee       float64
	CreatedAt time.Time
}

// CreateOrder inserts a new order audit row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, strategy_instance_id, symbol, side, price, qty, filled_qty, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		o.ID, o.StrategyInstanceID, o.Symbol, o.Side, o.Price, o.Qty, o.FilledQty, o.Status, o.CreatedAt,
	)
	return err
}

// CreateTrade inserts a new fill audit row.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, order_id, symbol, side, price, qty, fee, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		t.ID, t.OrderID, t.Symbol, t.Side, t.Price, t.Qty, t.Fee, t.CreatedAt,
	)
	return err
}

// UpdateOrderStatus sets the status of an order.
func (d *Database) UpdateOrderStatus(ctx context.Context, id, status string) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, status, id)
	return err
}

// UpdateOrderFill sets status, filled quantity and average price once
// an order reaches a terminal (or re-queried) state.
func (d *Database) UpdateOrderFill(ctx context.Context, id, status string, filledQty, price float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_qty = ?, price = ?
		WHERE id = ?
	`, status, filledQty, price, id)
	return err
}

// ListOrdersForPosition returns every order audit row submitted while
// opening, adjusting, or closing one paired position, oldest first.
func (d *Database) ListOrdersForPosition(ctx context.Context, positionID string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_instance_id, symbol, side, price, qty, filled_qty, status, created_at
		FROM orders WHERE strategy_instance_id = ?
		ORDER BY created_at ASC`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.StrategyInstanceID, &o.Symbol, &o.Side, &o.Price, &o.Qty, &o.FilledQty, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
