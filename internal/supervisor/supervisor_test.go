package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
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

// spawnSleeper starts a real, short-lived background process so
// Reconcile's pidfile-liveness checks have something genuine to probe,
// and returns its pid plus a cleanup to make sure it's gone.
func spawnSleeper(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawn sleeper: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd.Process.Pid
}

func writePidFile(t *testing.T, runDir, runID string, pid int) {
	t.Helper()
	path := filepath.Join(runDir, runID+".pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
}

// TestReconcileMarksOrphanedInDBRun covers case 1: an active DB row
// with no matching live pidfile process is marked STOPPED as orphaned.
func TestReconcileMarksOrphanedInDBRun(t *testing.T) {
	database := newTestDB(t)
	runDir := t.TempDir()
	sup := New(database, Config{DBPath: filepath.Join(t.TempDir(), "x.db"), RunDir: runDir}, nil)

	ctx := context.Background()
	if err := database.CreateStrategyRun(ctx, db.StrategyRun{ID: "run-1", InstanceName: "inst", AccountID: "acct-1", Status: "RUNNING"}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	if err := sup.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	runs, err := database.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListActiveRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected the orphaned-in-db run to no longer be active, got %d active", len(runs))
	}
}

// TestReconcileKillsOrphanProcessUnknownToDB covers case 2: a live,
// pidfile-tracked process with no active DB row is stopped as an
// orphan and its pidfile removed.
func TestReconcileKillsOrphanProcessUnknownToDB(t *testing.T) {
	database := newTestDB(t)
	runDir := t.TempDir()
	sup := New(database, Config{DBPath: filepath.Join(t.TempDir(), "x.db"), RunDir: runDir}, nil)

	pid := spawnSleeper(t)
	writePidFile(t, runDir, "run-orphan", pid)

	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if _, err := os.Stat(filepath.Join(runDir, "run-orphan.pid")); !os.IsNotExist(err) {
		t.Error("expected the orphan's pidfile to be removed after reconciliation")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("expected the orphaned process to have received SIGTERM and exited")
}

// TestReconcileKillsStaleHeartbeatRun covers case 3: a DB row and its
// pidfile-tracked process are both present, but the run's heartbeat has
// gone stale, so it is treated as fatal: killed and marked ERROR.
func TestReconcileKillsStaleHeartbeatRun(t *testing.T) {
	database := newTestDB(t)
	runDir := t.TempDir()
	sup := New(database, Config{DBPath: filepath.Join(t.TempDir(), "x.db"), RunDir: runDir}, nil)

	pid := spawnSleeper(t)
	writePidFile(t, runDir, "run-stale", pid)

	ctx := context.Background()
	if err := database.CreateStrategyRun(ctx, db.StrategyRun{ID: "run-stale", InstanceName: "inst", AccountID: "acct-1", Status: "RUNNING"}); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	stale := time.Now().Add(-10 * time.Minute)
	if err := database.Heartbeat(ctx, "run-stale", stale); err != nil {
		t.Fatalf("seed stale heartbeat: %v", err)
	}

	if err := sup.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	runs, err := database.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListActiveRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected the stale-heartbeat run to be finalized, got %d still active", len(runs))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("expected the unresponsive run's process to have received SIGTERM and exited")
}

// TestReconcileLeavesHealthyRunAlone covers the default case: a DB row
// whose process is alive and heartbeating recently is left running.
func TestReconcileLeavesHealthyRunAlone(t *testing.T) {
	database := newTestDB(t)
	runDir := t.TempDir()
	sup := New(database, Config{DBPath: filepath.Join(t.TempDir(), "x.db"), RunDir: runDir}, nil)

	pid := spawnSleeper(t)
	writePidFile(t, runDir, "run-healthy", pid)

	ctx := context.Background()
	if err := database.CreateStrategyRun(ctx, db.StrategyRun{ID: "run-healthy", InstanceName: "inst", AccountID: "acct-1", Status: "RUNNING"}); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if err := database.Heartbeat(ctx, "run-healthy", time.Now()); err != nil {
		t.Fatalf("seed fresh heartbeat: %v", err)
	}

	if err := sup.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	runs, err := database.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListActiveRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected the healthy run to remain active, got %d active", len(runs))
	}
	if !processAlive(pid) {
		t.Error("expected the healthy run's process to be left alone")
	}
}

// TestCheckSafetyLimitsRejectsDailyStartLimit drives the spawn-gate
// distinct from internal/risk.Limiter's trading-loss kill switch: this
// gate blocks launches themselves, regardless of trading performance.
func TestCheckSafetyLimitsRejectsDailyStartLimit(t *testing.T) {
	database := newTestDB(t)
	sup := New(database, Config{DBPath: filepath.Join(t.TempDir(), "x.db"), RunDir: t.TempDir(), Limits: SafetyLimits{DailyStartLimit: 2}}, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := database.CreateStrategyRun(ctx, db.StrategyRun{
			ID: "run-" + strconv.Itoa(i), InstanceName: "inst", AccountID: "acct-1", Status: "STOPPED",
			StartedAt: time.Now(),
		}); err != nil {
			t.Fatalf("seed run %d: %v", i, err)
		}
	}

	err := sup.checkSafetyLimits(ctx, "acct-1")
	if err == nil {
		t.Fatal("expected daily_start_limit to reject a third launch today")
	}
	limitErr, ok := err.(*SafetyLimitError)
	if !ok {
		t.Fatalf("expected *SafetyLimitError, got %T", err)
	}
	if limitErr.Limit != "daily_start_limit" {
		t.Errorf("Limit = %q, want daily_start_limit", limitErr.Limit)
	}
	if limitErr.ExitCode() != 4 {
		t.Errorf("ExitCode() = %d, want 4", limitErr.ExitCode())
	}
}

// TestCheckSafetyLimitsAllowsUnscopedAccount covers the ad hoc local
// testing escape hatch: an empty accountID skips the gate entirely.
func TestCheckSafetyLimitsAllowsUnscopedAccount(t *testing.T) {
	database := newTestDB(t)
	sup := New(database, Config{DBPath: filepath.Join(t.TempDir(), "x.db"), RunDir: t.TempDir(), Limits: SafetyLimits{DailyStartLimit: 1}}, nil)
	if err := sup.checkSafetyLimits(context.Background(), ""); err != nil {
		t.Errorf("expected no error for an empty accountID, got %v", err)
	}
}
