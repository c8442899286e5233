package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS strategies (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    params TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    strategy_instance_id TEXT,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    price REAL NOT NULL,
    qty REAL NOT NULL,
    filled_qty REAL DEFAULT 0,
    status TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    price REAL NOT NULL,
    qty REAL NOT NULL,
    fee REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    is_admin BOOLEAN DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS exchange_credentials (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    venue TEXT NOT NULL,
    api_key_encrypted TEXT NOT NULL,
    api_secret_encrypted TEXT NOT NULL,
    key_version INTEGER DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS proxies (
    id TEXT PRIMARY KEY,
    address TEXT NOT NULL,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS proxy_assignments (
    account_id TEXT NOT NULL,
    venue TEXT NOT NULL,
    proxy_id TEXT NOT NULL,
    PRIMARY KEY(account_id, venue),
    FOREIGN KEY(account_id) REFERENCES accounts(id),
    FOREIGN KEY(proxy_id) REFERENCES proxies(id)
);

CREATE TABLE IF NOT EXISTS venues (
    name TEXT PRIMARY KEY,
    kind TEXT NOT NULL, -- 'cex' or 'onchain'
    default_funding_interval_hours REAL DEFAULT 8,
    maker_fee_pct REAL DEFAULT 0.0002,
    taker_fee_pct REAL DEFAULT 0.0005,
    last_success_at DATETIME,
    consecutive_errors INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS venue_symbols (
    venue TEXT NOT NULL,
    symbol TEXT NOT NULL,
    native_symbol TEXT NOT NULL,
    tick_size REAL,
    step_size REAL,
    min_notional_usd REAL,
    funding_interval_hours REAL,
    PRIMARY KEY(venue, symbol)
);

CREATE TABLE IF NOT EXISTS latest_funding_rates (
    venue TEXT NOT NULL,
    symbol TEXT NOT NULL,
    rate_native REAL NOT NULL,
    interval_hours REAL NOT NULL,
    rate_8h REAL NOT NULL,
    observed_at DATETIME NOT NULL,
    next_payment_at DATETIME,
    PRIMARY KEY(venue, symbol)
);

CREATE TABLE IF NOT EXISTS funding_rates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    venue TEXT NOT NULL,
    symbol TEXT NOT NULL,
    rate_native REAL NOT NULL,
    interval_hours REAL NOT NULL,
    rate_8h REAL NOT NULL,
    observed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_funding_rates_lookup ON funding_rates(venue, symbol, observed_at);

CREATE TABLE IF NOT EXISTS paired_positions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    strategy_run_id TEXT,
    strategy_name TEXT,
    symbol TEXT NOT NULL,
    long_venue TEXT NOT NULL,
    short_venue TEXT NOT NULL,
    qty REAL NOT NULL,
    size_usd REAL DEFAULT 0,
    long_entry_price REAL NOT NULL,
    short_entry_price REAL NOT NULL,
    entry_long_rate REAL DEFAULT 0,
    entry_short_rate REAL DEFAULT 0,
    entry_divergence REAL DEFAULT 0,
    entry_fees_usd REAL DEFAULT 0,
    long_order_id TEXT,
    short_order_id TEXT,
    status TEXT NOT NULL DEFAULT 'OPEN',
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    close_reason TEXT,
    realized_pnl REAL DEFAULT 0,
    notes TEXT,
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);
CREATE INDEX IF NOT EXISTS idx_paired_positions_open ON paired_positions(account_id, symbol, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_paired_positions_pair_open ON paired_positions(account_id, symbol, long_venue, short_venue) WHERE status IN ('OPEN', 'CLOSING', 'ERROR');

CREATE TABLE IF NOT EXISTS funding_payments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id TEXT NOT NULL,
    venue TEXT NOT NULL,
    amount_usd REAL NOT NULL,
    payment_time DATETIME NOT NULL,
    UNIQUE(position_id, payment_time, venue),
    FOREIGN KEY(position_id) REFERENCES paired_positions(id)
);

CREATE TABLE IF NOT EXISTS strategy_runs (
    id TEXT PRIMARY KEY,
    instance_name TEXT NOT NULL,
    config_path TEXT NOT NULL,
    pid INTEGER,
    account_id TEXT,
    status TEXT NOT NULL DEFAULT 'STARTING',
    error_message TEXT,
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    stopped_at DATETIME,
    last_heartbeat_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_strategy_runs_account_started ON strategy_runs(account_id, started_at);

CREATE TABLE IF NOT EXISTS safety_limits (
    strategy_run_id TEXT PRIMARY KEY,
    max_open_positions INTEGER NOT NULL DEFAULT 1,
    max_leg_notional_usd REAL NOT NULL,
    max_daily_losses INTEGER NOT NULL DEFAULT 3,
    halted BOOLEAN DEFAULT 0,
    halted_reason TEXT,
    FOREIGN KEY(strategy_run_id) REFERENCES strategy_runs(id)
);

CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT,
    action TEXT NOT NULL,
    detail TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_notifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_run_id TEXT,
    position_id TEXT,
    kind TEXT NOT NULL, -- position_opened, position_closed, insufficient_margin, liquidation_risk
    message TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    acknowledged BOOLEAN DEFAULT 0
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "orders", "filled_qty", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "strategy_instance_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "side", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}

	// Funding-arb additions: account scoping and sealed-key versioning.
	if err := ensureColumn(d.DB, "paired_positions", "notes", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "strategy_runs", "pid", "INTEGER"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "strategy_runs", "account_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "strategy_runs", "error_message", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "venues", "rpc_endpoint", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "venues", "chain_id", "INTEGER"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "venues", "perp_market_address", "TEXT"); err != nil {
		return err
	}

	// Divergence tracking so the monitor can detect a funding flip
	// relative to the divergence that motivated entry, not just an
	// absolute sign change.
	if err := ensureColumn(d.DB, "paired_positions", "strategy_name", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "paired_positions", "size_usd", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "paired_positions", "entry_long_rate", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "paired_positions", "entry_short_rate", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "paired_positions", "entry_divergence", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "paired_positions", "entry_fees_usd", "REAL DEFAULT 0"); err != nil {
		return err
	}

	// Venue fee schedule and health counters.
	if err := ensureColumn(d.DB, "venues", "maker_fee_pct", "REAL DEFAULT 0.0002"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "venues", "taker_fee_pct", "REAL DEFAULT 0.0005"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "venues", "last_success_at", "DATETIME"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "venues", "consecutive_errors", "INTEGER DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
