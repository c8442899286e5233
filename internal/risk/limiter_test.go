package risk

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"fundingarb-core/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := db.New(path)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestQuickCheckAllowsWhenUnderLimit(t *testing.T) {
	database := newTestDB(t)
	limiter, err := New(database, "run-1", "acct-1", db.SafetyLimits{
		MaxOpenPositions: 3, MaxLegNotionalUSD: 10000, MaxDailyLosses: 5,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := limiter.QuickCheck(context.Background())
	if err != nil {
		t.Fatalf("QuickCheck: %v", err)
	}
	if !res.Allowed {
		t.Errorf("expected QuickCheck to allow a fresh run, got reason %q", res.Reason)
	}
	if res.Level != LevelNormal {
		t.Errorf("expected LevelNormal with zero losses, got %v", res.Level)
	}
}

func TestQuickCheckBlocksWhenHalted(t *testing.T) {
	database := newTestDB(t)
	limiter, err := New(database, "run-1", "acct-1", db.SafetyLimits{MaxOpenPositions: 3, MaxDailyLosses: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := limiter.Halt(context.Background(), "operator requested pause"); err != nil {
		t.Fatalf("Halt: %v", err)
	}

	res, err := limiter.QuickCheck(context.Background())
	if err != nil {
		t.Fatalf("QuickCheck: %v", err)
	}
	if res.Allowed {
		t.Error("expected QuickCheck to block a halted run")
	}
	if res.Level != LevelLimit {
		t.Errorf("expected LevelLimit when halted, got %v", res.Level)
	}

	if err := limiter.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	res, err = limiter.QuickCheck(context.Background())
	if err != nil {
		t.Fatalf("QuickCheck after resume: %v", err)
	}
	if !res.Allowed {
		t.Error("expected QuickCheck to allow again after Resume")
	}
}

// TestQuickCheckBlocksAtDailyLossLimit seeds closed, losing
// paired_positions rows directly (CountDailyLosses is a plain read
// query) to drive the daily-loss ratio past 1.0.
func TestQuickCheckBlocksAtDailyLossLimit(t *testing.T) {
	database := newTestDB(t)
	limiter, err := New(database, "run-1", "acct-1", db.SafetyLimits{MaxOpenPositions: 3, MaxDailyLosses: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("pos-loss-%d", i)
		_, err := database.DB.Exec(`
			INSERT INTO paired_positions (
				id, account_id, strategy_run_id, symbol, long_venue, short_venue, qty,
				long_entry_price, short_entry_price, status, opened_at, closed_at, realized_pnl
			) VALUES (?, 'acct-1', 'run-1', 'BTC', 'alpha', 'beta', 1, 100, 100, 'CLOSED', ?, ?, -10)
		`, id, time.Now(), time.Now())
		if err != nil {
			t.Fatalf("seed losing position: %v", err)
		}
	}

	res, err := limiter.QuickCheck(context.Background())
	if err != nil {
		t.Fatalf("QuickCheck: %v", err)
	}
	if res.Allowed {
		t.Error("expected QuickCheck to block once daily losses reach max_daily_losses")
	}
	if res.UsageRatio < 1.0 {
		t.Errorf("expected usage ratio >= 1.0, got %v", res.UsageRatio)
	}
}

func TestMaxLegNotionalAndMaxOpenPositions(t *testing.T) {
	database := newTestDB(t)
	limiter, err := New(database, "run-1", "acct-1", db.SafetyLimits{MaxOpenPositions: 4, MaxLegNotionalUSD: 5000, MaxDailyLosses: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	notional, err := limiter.MaxLegNotionalUSD(context.Background())
	if err != nil || notional != 5000 {
		t.Errorf("MaxLegNotionalUSD = %v, %v; want 5000, nil", notional, err)
	}
	maxOpen, err := limiter.MaxOpenPositions(context.Background())
	if err != nil || maxOpen != 4 {
		t.Errorf("MaxOpenPositions = %v, %v; want 4, nil", maxOpen, err)
	}
}
