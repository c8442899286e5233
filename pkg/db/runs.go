package db

import (
	"context"
	"database/sql"
	"time"
)

// StrategyRun is one launched instance of a funding-arb strategy
// config, tracked so the supervisor can reconcile its bookkeeping
// against the live OS process tree on boot.
type StrategyRun struct {
	ID              string
	InstanceName    string
	ConfigPath      string
	AccountID       string
	PID             *int
	Status          string // STARTING, RUNNING, STOPPING, STOPPED, ERROR
	ErrorMessage    string
	StartedAt       time.Time
	StoppedAt       *time.Time
	LastHeartbeatAt *time.Time
}

// CreateStrategyRun inserts a new run row.
func (d *Database) CreateStrategyRun(ctx context.Context, r StrategyRun) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_runs (id, instance_name, config_path, account_id, pid, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, r.ID, r.InstanceName, r.ConfigPath, r.AccountID, r.PID, r.Status, r.StartedAt)
	return err
}

// UpdateStrategyRunPID records the OS pid a just-launched run is
// backed by, once known.
func (d *Database) UpdateStrategyRunPID(ctx context.Context, id string, pid int) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE strategy_runs SET pid = ? WHERE id = ?`, pid, id)
	return err
}

// UpdateStrategyRunStatus transitions a run's status and, for
// terminal states, its stopped_at timestamp.
func (d *Database) UpdateStrategyRunStatus(ctx context.Context, id, status string, stoppedAt *time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE strategy_runs SET status = ?, stopped_at = COALESCE(?, stopped_at) WHERE id = ?
	`, status, stoppedAt, id)
	return err
}

// MarkStrategyRunError transitions a run to status with an
// operator-facing error_message, used by reconciliation to explain why
// a run was stopped (e.g. "orphaned in DB") or marked fatal.
func (d *Database) MarkStrategyRunError(ctx context.Context, id, status, errMsg string, stoppedAt *time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE strategy_runs SET status = ?, error_message = ?, stopped_at = COALESCE(?, stopped_at) WHERE id = ?
	`, status, errMsg, stoppedAt, id)
	return err
}

// Heartbeat records that a run's process is still alive.
func (d *Database) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE strategy_runs SET last_heartbeat_at = ? WHERE id = ?`, at, id)
	return err
}

// ListActiveRuns returns every run not in a terminal state, used at
// boot to reconcile bookkeeping against the live process tree.
func (d *Database) ListActiveRuns(ctx context.Context) ([]StrategyRun, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, instance_name, config_path, account_id, pid, status, error_message, started_at, stopped_at, last_heartbeat_at
		FROM strategy_runs
		WHERE status NOT IN ('STOPPED', 'ERROR')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrategyRuns(rows)
}

// CountRunsStartedSince counts runs the account started at or after
// since, used to enforce the daily-start-limit safety gate.
func (d *Database) CountRunsStartedSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM strategy_runs WHERE account_id = ? AND started_at >= ?
	`, accountID, since).Scan(&n)
	return n, err
}

// LastRunStartedAt returns the account's most recent launch time, or
// nil if it has never launched a run, used to enforce the
// cooldown-between-starts safety gate.
func (d *Database) LastRunStartedAt(ctx context.Context, accountID string) (*time.Time, error) {
	var t sql.NullTime
	err := d.DB.QueryRowContext(ctx, `
		SELECT MAX(started_at) FROM strategy_runs WHERE account_id = ?
	`, accountID).Scan(&t)
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// RecentRunStatuses returns the terminal status of the account's last
// limit runs, most recent first, used to compute the
// maximum-error-rate safety gate.
func (d *Database) RecentRunStatuses(ctx context.Context, accountID string, limit int) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT status FROM strategy_runs
		WHERE account_id = ? AND status IN ('STOPPED', 'ERROR')
		ORDER BY started_at DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanStrategyRuns(rows *sql.Rows) ([]StrategyRun, error) {
	var out []StrategyRun
	for rows.Next() {
		var r StrategyRun
		var accountID, errMsg sql.NullString
		var pid sql.NullInt64
		var stoppedAt, heartbeat sql.NullTime
		if err := rows.Scan(&r.ID, &r.InstanceName, &r.ConfigPath, &accountID, &pid, &r.Status, &errMsg, &r.StartedAt, &stoppedAt, &heartbeat); err != nil {
			return nil, err
		}
		r.AccountID = accountID.String
		r.ErrorMessage = errMsg.String
		if pid.Valid {
			p := int(pid.Int64)
			r.PID = &p
		}
		if stoppedAt.Valid {
			r.StoppedAt = &stoppedAt.Time
		}
		if heartbeat.Valid {
			r.LastHeartbeatAt = &heartbeat.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
