// Package supervisor launches, monitors and reconciles the processes
// that run each funding-arb strategy instance. It is grounded on the
// same spawn/health/safety-limit responsibilities the teacher's
// internal/reconciliation package applies to order state, generalized
// here to whole processes instead of individual orders.
//
// Two ProcessSupervisor implementations exist: Supervisor, the default,
// spawns each instance as a real `strategyrun` child process via
// os/exec; InProcessSupervisor (inprocess.go) runs each instance as a
// goroutine in the same address space, for tests and for operators who
// don't need OS-level process isolation between instances.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/denisbrodbeck/machineid"
	"go.uber.org/zap"

	"fundingarb-core/internal/appconfig"
	"fundingarb-core/pkg/db"
)

// ProcessSupervisor spawns and tracks one process per strategy
// instance config file. Supervisor is the production, os/exec-backed
// implementation; InProcessSupervisor backs the same interface with an
// in-process goroutine tree.
type ProcessSupervisor interface {
	// Launch starts a new run for configPath and returns its
	// strategy_runs id. It is rejected with a *SafetyLimitError if the
	// owning account has hit its daily-start-limit, cooldown-between-
	// starts, or maximum-error-rate gate.
	Launch(ctx context.Context, instanceName, configPath string) (string, error)
	// Stop signals a running instance to shut down gracefully.
	Stop(ctx context.Context, runID string) error
	// Reconcile compares the database's view of active runs against
	// the live process table at boot: a DB row with no live process is
	// marked stopped as orphaned, a live process with no active DB row
	// is stopped as an orphan, and a live process that has stopped
	// heartbeating is killed and marked error.
	Reconcile(ctx context.Context) error
}

// SafetyLimitError is returned by Launch when a per-account spawn gate
// rejects the request. It maps to the operator CLI's documented
// exit-code-4 ("safety-limit rejection") convention; the CLI itself is
// delegated to external tooling and not part of this repo.
type SafetyLimitError struct {
	Limit   string // "daily_start_limit", "cooldown_between_starts", "max_error_rate"
	Message string
}

func (e *SafetyLimitError) Error() string { return e.Message }

// ExitCode is the exit code an operator CLI should surface for this
// rejection.
func (e *SafetyLimitError) ExitCode() int { return 4 }

// SafetyLimits tunes Supervisor.Launch's per-account spawn gate. Zero
// values fall back to the spec defaults.
type SafetyLimits struct {
	DailyStartLimit   int           // max launches per account per rolling 24h, default 10
	Cooldown          time.Duration // minimum gap between launches for the same account, default 5m
	MaxErrorRate      float64       // reject if recent-run error ratio exceeds this, default 0.5
	ErrorRateWindow   int           // how many recent terminal runs to sample, default 10
}

func (l SafetyLimits) withDefaults() SafetyLimits {
	if l.DailyStartLimit <= 0 {
		l.DailyStartLimit = 10
	}
	if l.Cooldown <= 0 {
		l.Cooldown = 5 * time.Minute
	}
	if l.MaxErrorRate <= 0 {
		l.MaxErrorRate = 0.5
	}
	if l.ErrorRateWindow <= 0 {
		l.ErrorRateWindow = 10
	}
	return l
}

// newRunID derives a strategy_runs id unique across the fleet: a
// stable per-host id is mixed in so two supervisor hosts sharing one
// database can never mint colliding ids even when their clocks agree
// to the nanosecond.
func newRunID(instanceName string) string {
	host, err := machineid.ProtectedID("fundingarb")
	if err != nil || len(host) < 8 {
		host = "nohostid"
	}
	return fmt.Sprintf("run-%s-%s-%d", instanceName, host[:8], time.Now().UnixNano())
}

// reconcileStaleHeartbeat bounds how long a RUNNING instance may go
// without heartbeating before Reconcile treats it as fatal even though
// its process is still alive.
const reconcileStaleHeartbeat = 2 * time.Minute

// Supervisor launches each strategy instance as a child `strategyrun`
// process.
type Supervisor struct {
	db           *db.Database
	binaryPath   string
	dbPath       string
	runDir       string
	log          *zap.SugaredLogger
	maxInstances int
	limits       SafetyLimits

	mu    sync.Mutex
	procs map[string]*os.Process // run id -> process
}

// Config tunes a Supervisor.
type Config struct {
	BinaryPath   string // path to the strategyrun binary
	DBPath       string
	RunDir       string // directory for pidfiles; defaults to alongside DBPath
	MaxInstances int
	Limits       SafetyLimits
}

// New builds a Supervisor.
func New(database *db.Database, cfg Config, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 16
	}
	if cfg.RunDir == "" {
		cfg.RunDir = filepath.Join(filepath.Dir(cfg.DBPath), "run")
	}
	_ = os.MkdirAll(cfg.RunDir, 0o755)
	return &Supervisor{
		db: database, binaryPath: cfg.BinaryPath, dbPath: cfg.DBPath, runDir: cfg.RunDir,
		log: logger.Sugar(), maxInstances: cfg.MaxInstances, limits: cfg.Limits.withDefaults(),
		procs: make(map[string]*os.Process),
	}
}

var _ ProcessSupervisor = (*Supervisor)(nil)

func (s *Supervisor) pidFilePath(runID string) string {
	return filepath.Join(s.runDir, runID+".pid")
}

// checkSafetyLimits enforces the per-account spawn gate described in
// the Supervisor/ControlPlane safety-limits design: a daily cap on how
// many times an account may launch a strategy, a cooldown between
// consecutive launches, and a ceiling on how large a share of its
// recent runs ended in error.
func (s *Supervisor) checkSafetyLimits(ctx context.Context, accountID string) error {
	if accountID == "" {
		return nil // no account to scope the gate to; e.g. ad hoc local testing configs
	}

	since := time.Now().Add(-24 * time.Hour)
	count, err := s.db.CountRunsStartedSince(ctx, accountID, since)
	if err != nil {
		return fmt.Errorf("supervisor: check daily start limit: %w", err)
	}
	if count >= s.limits.DailyStartLimit {
		return &SafetyLimitError{
			Limit:   "daily_start_limit",
			Message: fmt.Sprintf("account %s: daily_start_limit of %d reached", accountID, s.limits.DailyStartLimit),
		}
	}

	last, err := s.db.LastRunStartedAt(ctx, accountID)
	if err != nil {
		return fmt.Errorf("supervisor: check cooldown: %w", err)
	}
	if last != nil && time.Since(*last) < s.limits.Cooldown {
		return &SafetyLimitError{
			Limit:   "cooldown_between_starts",
			Message: fmt.Sprintf("account %s: cooldown_between_starts of %s not yet elapsed since last launch", accountID, s.limits.Cooldown),
		}
	}

	statuses, err := s.db.RecentRunStatuses(ctx, accountID, s.limits.ErrorRateWindow)
	if err != nil {
		return fmt.Errorf("supervisor: check error rate: %w", err)
	}
	if len(statuses) >= s.limits.ErrorRateWindow {
		errs := 0
		for _, st := range statuses {
			if st == "ERROR" {
				errs++
			}
		}
		if float64(errs)/float64(len(statuses)) > s.limits.MaxErrorRate {
			return &SafetyLimitError{
				Limit:   "max_error_rate",
				Message: fmt.Sprintf("account %s: max_error_rate of %.0f%% exceeded over last %d runs", accountID, s.limits.MaxErrorRate*100, len(statuses)),
			}
		}
	}
	return nil
}

// Launch spawns a new strategyrun process for configPath.
func (s *Supervisor) Launch(ctx context.Context, instanceName, configPath string) (string, error) {
	s.mu.Lock()
	active := len(s.procs)
	s.mu.Unlock()
	if active >= s.maxInstances {
		return "", fmt.Errorf("supervisor: at max concurrent instances (%d)", s.maxInstances)
	}

	instCfg, err := appconfig.LoadInstanceConfig(configPath)
	if err != nil {
		return "", fmt.Errorf("supervisor: load instance config: %w", err)
	}
	if err := s.checkSafetyLimits(ctx, instCfg.AccountID); err != nil {
		return "", err
	}

	runID := newRunID(instanceName)
	if err := s.db.CreateStrategyRun(ctx, db.StrategyRun{ID: runID, InstanceName: instanceName, ConfigPath: configPath, AccountID: instCfg.AccountID, Status: "STARTING"}); err != nil {
		return "", fmt.Errorf("supervisor: record run: %w", err)
	}

	cmd := exec.CommandContext(context.Background(), s.binaryPath, "-config", configPath, "-run-id", runID, "-db", s.dbPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = s.db.MarkStrategyRunError(ctx, runID, "ERROR", err.Error(), timePtr(time.Now()))
		return "", fmt.Errorf("supervisor: start process: %w", err)
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.procs[runID] = cmd.Process
	s.mu.Unlock()

	if err := s.db.UpdateStrategyRunPID(ctx, runID, pid); err != nil {
		s.log.Warnw("record pid failed", "run_id", runID, "err", err)
	}
	if err := os.WriteFile(s.pidFilePath(runID), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		s.log.Warnw("write pidfile failed", "run_id", runID, "err", err)
	}
	if err := s.db.UpdateStrategyRunStatus(ctx, runID, "RUNNING", nil); err != nil {
		s.log.Warnw("record running status failed", "run_id", runID, "err", err)
	}
	s.log.Infow("strategy instance launched", "run_id", runID, "pid", pid, "config", configPath)

	go s.awaitExit(runID, cmd)
	return runID, nil
}

func (s *Supervisor) awaitExit(runID string, cmd *exec.Cmd) {
	err := cmd.Wait()
	s.mu.Lock()
	delete(s.procs, runID)
	s.mu.Unlock()
	_ = os.Remove(s.pidFilePath(runID))

	if err != nil {
		s.log.Warnw("strategy instance exited with error", "run_id", runID, "err", err)
		if uerr := s.db.MarkStrategyRunError(context.Background(), runID, "ERROR", err.Error(), timePtr(time.Now())); uerr != nil {
			s.log.Errorw("record error status failed", "run_id", runID, "err", uerr)
		}
		return
	}
	if uerr := s.db.UpdateStrategyRunStatus(context.Background(), runID, "STOPPED", timePtr(time.Now())); uerr != nil {
		s.log.Errorw("record exit status failed", "run_id", runID, "err", uerr)
	}
}

// Stop sends SIGTERM to the run's process and lets it shut down via
// its own signal.NotifyContext handling.
func (s *Supervisor) Stop(ctx context.Context, runID string) error {
	s.mu.Lock()
	proc, ok := s.procs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: no live process for run %s", runID)
	}
	if err := s.db.UpdateStrategyRunStatus(ctx, runID, "STOPPING", nil); err != nil {
		s.log.Warnw("record stopping status failed", "run_id", runID, "err", err)
	}
	return proc.Signal(syscall.SIGTERM)
}

// Reconcile runs at boot and resolves the three-way diff between
// strategy_runs and the live process set, since a prior supervisor
// process's own crash leaves both sides potentially stale:
//
//  1. a DB row claims STARTING/RUNNING but no matching pidfile process
//     is alive: the run is marked STOPPED with error_message
//     "orphaned in DB".
//  2. a live, pidfile-tracked process has no active DB row (the
//     supervisor crashed between spawning it and recording the run,
//     or its DB row was already finalized): the process is stopped as
//     an orphan.
//  3. both are present but the run has gone quiet (no heartbeat for
//     longer than reconcileStaleHeartbeat) despite its process still
//     being alive: treated as a fatal instance, the process is killed
//     and the run is marked ERROR.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	active, err := s.db.ListActiveRuns(ctx)
	if err != nil {
		return err
	}

	liveByRunID := s.scanPidFiles()

	seen := make(map[string]bool, len(active))
	for _, run := range active {
		seen[run.ID] = true
		pid, hasLive := liveByRunID[run.ID]

		switch {
		case !hasLive:
			s.log.Warnw("reconciling orphaned-in-db strategy run", "run_id", run.ID, "pid", run.PID)
			if err := s.db.MarkStrategyRunError(ctx, run.ID, "STOPPED", "orphaned in DB", timePtr(time.Now())); err != nil {
				s.log.Errorw("mark orphaned-in-db run failed", "run_id", run.ID, "err", err)
			}
		case run.LastHeartbeatAt != nil && time.Since(*run.LastHeartbeatAt) > reconcileStaleHeartbeat:
			s.log.Errorw("reconciling unresponsive strategy run, stopping and marking error", "run_id", run.ID, "pid", pid)
			killOrphan(pid)
			_ = os.Remove(s.pidFilePath(run.ID))
			if err := s.db.MarkStrategyRunError(ctx, run.ID, "ERROR", "unresponsive: no heartbeat received", timePtr(time.Now())); err != nil {
				s.log.Errorw("mark unresponsive run failed", "run_id", run.ID, "err", err)
			}
		default:
			if proc, err := os.FindProcess(pid); err == nil {
				s.mu.Lock()
				s.procs[run.ID] = proc
				s.mu.Unlock()
			}
		}
	}

	for runID, pid := range liveByRunID {
		if seen[runID] {
			continue
		}
		s.log.Warnw("stopping orphaned process unknown to the database", "run_id", runID, "pid", pid)
		killOrphan(pid)
		_ = os.Remove(s.pidFilePath(runID))
	}
	return nil
}

// scanPidFiles returns the run id -> pid of every pidfile in runDir
// whose process is still alive, removing stale pidfiles it finds along
// the way.
func (s *Supervisor) scanPidFiles() map[string]int {
	out := make(map[string]int)
	entries, err := os.ReadDir(s.runDir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pid") {
			continue
		}
		runID := strings.TrimSuffix(e.Name(), ".pid")
		path := filepath.Join(s.runDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || !processAlive(pid) {
			_ = os.Remove(path)
			continue
		}
		out[runID] = pid
	}
	return out
}

// killOrphan sends SIGTERM to a process Reconcile has decided should
// not be running; any failure (already gone, no permission) is not
// actionable and left to the next reconciliation pass.
func killOrphan(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On unix FindProcess always succeeds; signal 0 probes liveness
	// without actually sending a signal.
	return proc.Signal(syscall.Signal(0)) == nil
}

func timePtr(t time.Time) *time.Time { return &t }
