package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fundingarb-core/internal/appconfig"
	"fundingarb-core/internal/gateway"
	"fundingarb-core/internal/risk"
	"fundingarb-core/internal/strategy"
	"fundingarb-core/internal/venue"
	"fundingarb-core/pkg/crypto"
	"fundingarb-core/pkg/db"
	"fundingarb-core/pkg/eventbus"
)

// inprocessRun tracks one instance's goroutine-backed lifecycle.
type inprocessRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// InProcessSupervisor backs ProcessSupervisor with a goroutine per
// strategy instance instead of an os/exec child: it runs the same
// Scan/Manage/heartbeat loop cmd/strategyrun's main runs, in the
// calling process's address space. It is grounded on that same loop,
// reusing internal/strategy, internal/gateway and internal/risk
// directly rather than shelling out — useful for integration tests and
// for single-account deployments that don't need OS-level isolation
// between instances.
type InProcessSupervisor struct {
	db     *db.Database
	gwPool *gateway.Pool
	keyMgr *crypto.KeyManager
	log    *zap.SugaredLogger
	limits SafetyLimits

	mu   sync.Mutex
	runs map[string]*inprocessRun
}

// NewInProcess builds an InProcessSupervisor. keyMgr and gwPool are
// shared with any other in-process components (e.g. a control-plane
// server) that also need venue credentials for this account.
func NewInProcess(database *db.Database, gwPool *gateway.Pool, keyMgr *crypto.KeyManager, limits SafetyLimits, logger *zap.Logger) *InProcessSupervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProcessSupervisor{
		db: database, gwPool: gwPool, keyMgr: keyMgr,
		log: logger.Sugar(), limits: limits.withDefaults(),
		runs: make(map[string]*inprocessRun),
	}
}

var _ ProcessSupervisor = (*InProcessSupervisor)(nil)

// checkSafetyLimits mirrors Supervisor.checkSafetyLimits: both
// implementations must reject a Launch identically regardless of
// whether the instance ends up as a child process or a goroutine.
func (s *InProcessSupervisor) checkSafetyLimits(ctx context.Context, accountID string) error {
	if accountID == "" {
		return nil
	}
	since := time.Now().Add(-24 * time.Hour)
	count, err := s.db.CountRunsStartedSince(ctx, accountID, since)
	if err != nil {
		return fmt.Errorf("supervisor: check daily start limit: %w", err)
	}
	if count >= s.limits.DailyStartLimit {
		return &SafetyLimitError{Limit: "daily_start_limit", Message: fmt.Sprintf("account %s: daily_start_limit of %d reached", accountID, s.limits.DailyStartLimit)}
	}
	last, err := s.db.LastRunStartedAt(ctx, accountID)
	if err != nil {
		return fmt.Errorf("supervisor: check cooldown: %w", err)
	}
	if last != nil && time.Since(*last) < s.limits.Cooldown {
		return &SafetyLimitError{Limit: "cooldown_between_starts", Message: fmt.Sprintf("account %s: cooldown_between_starts of %s not yet elapsed since last launch", accountID, s.limits.Cooldown)}
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
			return &SafetyLimitError{Limit: "max_error_rate", Message: fmt.Sprintf("account %s: max_error_rate of %.0f%% exceeded over last %d runs", accountID, s.limits.MaxErrorRate*100, len(statuses))}
		}
	}
	return nil
}

// buildVenues resolves every venue named in cfg's whitelists to a
// client through the shared gateway pool; unlike cmd/strategyrun's
// buildVenues it has no env-var fallback, since an in-process
// supervisor always shares a gateway pool with the process that holds
// the account's stored credentials.
func (s *InProcessSupervisor) buildVenues(ctx context.Context, cfg *appconfig.InstanceConfig) (map[string]venue.VenueClient, error) {
	venues := make(map[string]venue.VenueClient, len(cfg.AllVenues()))
	for _, name := range cfg.AllVenues() {
		vc, err := s.gwPool.Get(ctx, cfg.AccountID, name)
		if err != nil {
			return nil, fmt.Errorf("supervisor: venue %s: %w", name, err)
		}
		venues[name] = vc
	}
	return venues, nil
}

// Launch builds a FundingArbStrategy for configPath and runs its
// Scan/Manage/heartbeat loop in a new goroutine.
func (s *InProcessSupervisor) Launch(ctx context.Context, instanceName, configPath string) (string, error) {
	instCfg, err := appconfig.LoadInstanceConfig(configPath)
	if err != nil {
		return "", fmt.Errorf("supervisor: load instance config: %w", err)
	}
	if err := s.checkSafetyLimits(ctx, instCfg.AccountID); err != nil {
		return "", err
	}

	venues, err := s.buildVenues(ctx, instCfg)
	if err != nil {
		return "", err
	}

	runID := newRunID(instanceName)
	if err := s.db.CreateStrategyRun(ctx, db.StrategyRun{ID: runID, InstanceName: instanceName, ConfigPath: configPath, AccountID: instCfg.AccountID, Status: "STARTING"}); err != nil {
		return "", fmt.Errorf("supervisor: record run: %w", err)
	}

	limiter, err := risk.New(s.db, runID, instCfg.AccountID, db.SafetyLimits{
		MaxOpenPositions:  instCfg.MaxOpenPositions,
		MaxLegNotionalUSD: instCfg.MaxLegNotionalUSD,
		MaxDailyLosses:    3,
	})
	if err != nil {
		_ = s.db.MarkStrategyRunError(ctx, runID, "ERROR", err.Error(), timePtr(time.Now()))
		return "", fmt.Errorf("supervisor: init risk limiter: %w", err)
	}

	fa, err := strategy.New(*instCfg, venues, s.db, runID, limiter, s.log.Desugar(), eventbus.New())
	if err != nil {
		_ = s.db.MarkStrategyRunError(ctx, runID, "ERROR", err.Error(), timePtr(time.Now()))
		return "", fmt.Errorf("supervisor: build strategy: %w", err)
	}

	if err := s.db.UpdateStrategyRunStatus(ctx, runID, "RUNNING", nil); err != nil {
		s.log.Warnw("record running status failed", "run_id", runID, "err", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.runs[runID] = &inprocessRun{cancel: cancel, done: done}
	s.mu.Unlock()

	go s.runLoop(runCtx, runID, instCfg, fa, done)
	s.log.Infow("in-process strategy instance launched", "run_id", runID, "config", configPath)
	return runID, nil
}

func (s *InProcessSupervisor) runLoop(ctx context.Context, runID string, cfg *appconfig.InstanceConfig, fa *strategy.FundingArbStrategy, done chan struct{}) {
	defer close(done)
	scanTicker := time.NewTicker(cfg.ScanInterval())
	manageTicker := time.NewTicker(cfg.MonitorInterval())
	heartbeat := time.NewTicker(10 * time.Second)
	defer scanTicker.Stop()
	defer manageTicker.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			delete(s.runs, runID)
			s.mu.Unlock()
			if err := s.db.UpdateStrategyRunStatus(context.Background(), runID, "STOPPED", timePtr(time.Now())); err != nil {
				s.log.Errorw("record exit status failed", "run_id", runID, "err", err)
			}
			return
		case <-scanTicker.C:
			if err := fa.Scan(ctx); err != nil {
				s.log.Warnw("scan cycle failed", "run_id", runID, "err", err)
			}
		case <-manageTicker.C:
			if err := fa.Manage(ctx); err != nil {
				s.log.Warnw("manage cycle failed", "run_id", runID, "err", err)
			}
		case <-heartbeat.C:
			if err := s.db.Heartbeat(ctx, runID, time.Now()); err != nil {
				s.log.Warnw("heartbeat write failed", "run_id", runID, "err", err)
			}
		}
	}
}

// Stop cancels the instance's goroutine and waits for its loop to
// observe the cancellation and record STOPPED.
func (s *InProcessSupervisor) Stop(ctx context.Context, runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: no live run for %s", runID)
	}
	if err := s.db.UpdateStrategyRunStatus(ctx, runID, "STOPPING", nil); err != nil {
		s.log.Warnw("record stopping status failed", "run_id", runID, "err", err)
	}
	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Reconcile marks every active DB row with no live in-process goroutine
// as orphaned: a process restart always loses every in-process run,
// since none of them survive outside this address space.
func (s *InProcessSupervisor) Reconcile(ctx context.Context) error {
	active, err := s.db.ListActiveRuns(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range active {
		if _, ok := s.runs[run.ID]; ok {
			continue
		}
		s.log.Warnw("reconciling orphaned-in-db strategy run", "run_id", run.ID)
		if err := s.db.MarkStrategyRunError(ctx, run.ID, "STOPPED", "orphaned in DB", timePtr(time.Now())); err != nil {
			s.log.Errorw("mark orphaned-in-db run failed", "run_id", run.ID, "err", err)
		}
	}
	return nil
}
