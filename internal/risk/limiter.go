// Package risk implements the strategy-run kill switch: a daily-loss
// counter with soft warning thresholds, and a halt flag an operator or
// the strategy itself can set to stop new positions from opening while
// letting existing ones continue to be managed. It is grounded on the
// teacher's internal/risk Manager (QuickCheck, soft limit levels,
// metrics), generalized from a per-order BUY/SELL signal check to a
// per-run open/halt check against paired positions.
package risk

import (
	"context"
	"fmt"
	"sync"

	"fundingarb-core/pkg/db"
)

// LimitLevel mirrors the teacher's NORMAL/WARNING/CAUTION/LIMIT ladder.
type LimitLevel string

const (
	LevelNormal  LimitLevel = "NORMAL"
	LevelWarning LimitLevel = "WARNING"
	LevelCaution LimitLevel = "CAUTION"
	LevelLimit   LimitLevel = "LIMIT"
)

// QuickCheckResult is a fast pre-validation answer: may the strategy
// open a new paired position right now.
type QuickCheckResult struct {
	Allowed    bool
	Reason     string
	Level      LimitLevel
	UsageRatio float64 // daily losses / max_daily_losses
}

// Limiter enforces one strategy run's safety_limits row.
type Limiter struct {
	db            *db.Database
	strategyRunID string
	accountID     string

	warningThreshold float64
	cautionThreshold float64

	mu     sync.RWMutex
	cached db.SafetyLimits
	loaded bool
}

// New builds a Limiter for one strategy run, seeding its safety_limits
// row if one does not already exist.
func New(database *db.Database, strategyRunID, accountID string, defaults db.SafetyLimits) (*Limiter, error) {
	l := &Limiter{
		db: database, strategyRunID: strategyRunID, accountID: accountID,
		warningThreshold: 0.8, cautionThreshold: 0.9,
	}
	ctx := context.Background()
	if _, err := database.GetSafetyLimits(ctx, strategyRunID); err != nil {
		defaults.StrategyRunID = strategyRunID
		if err := database.UpsertSafetyLimits(ctx, defaults); err != nil {
			return nil, fmt.Errorf("risk: seed safety limits: %w", err)
		}
	}
	if err := l.refresh(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Limiter) refresh(ctx context.Context) error {
	limits, err := l.db.GetSafetyLimits(ctx, l.strategyRunID)
	if err != nil {
		return fmt.Errorf("risk: load safety limits: %w", err)
	}
	l.mu.Lock()
	l.cached = limits
	l.loaded = true
	l.mu.Unlock()
	return nil
}

// QuickCheck answers whether a new paired position may be opened,
// consulting the halt flag and the day's realized-loss count.
func (l *Limiter) QuickCheck(ctx context.Context) (QuickCheckResult, error) {
	if err := l.refresh(ctx); err != nil {
		return QuickCheckResult{}, err
	}
	l.mu.RLock()
	limits := l.cached
	l.mu.RUnlock()

	if limits.Halted {
		return QuickCheckResult{Allowed: false, Reason: limits.HaltedReason, Level: LevelLimit}, nil
	}
	if limits.MaxDailyLosses <= 0 {
		return QuickCheckResult{Allowed: true, Level: LevelNormal}, nil
	}

	losses, err := l.db.CountDailyLosses(ctx, l.strategyRunID)
	if err != nil {
		return QuickCheckResult{}, fmt.Errorf("risk: count daily losses: %w", err)
	}
	ratio := float64(losses) / float64(limits.MaxDailyLosses)
	level := l.levelFor(ratio)
	if ratio >= 1.0 {
		return QuickCheckResult{
			Allowed: false, Level: LevelLimit, UsageRatio: ratio,
			Reason: fmt.Sprintf("daily loss count reached (%d/%d)", losses, limits.MaxDailyLosses),
		}, nil
	}
	return QuickCheckResult{Allowed: true, Level: level, UsageRatio: ratio}, nil
}

func (l *Limiter) levelFor(ratio float64) LimitLevel {
	switch {
	case ratio >= 1.0:
		return LevelLimit
	case ratio >= l.cautionThreshold:
		return LevelCaution
	case ratio >= l.warningThreshold:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// MaxLegNotionalUSD returns the run's configured per-leg notional cap.
func (l *Limiter) MaxLegNotionalUSD(ctx context.Context) (float64, error) {
	if err := l.refresh(ctx); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cached.MaxLegNotionalUSD, nil
}

// MaxOpenPositions returns the run's configured open-position cap.
func (l *Limiter) MaxOpenPositions(ctx context.Context) (int, error) {
	if err := l.refresh(ctx); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cached.MaxOpenPositions, nil
}

// Halt trips the kill switch, blocking new position opens until Resume
// is called. Existing open positions continue to be managed normally.
func (l *Limiter) Halt(ctx context.Context, reason string) error {
	if err := l.db.SetHalted(ctx, l.strategyRunID, true, reason); err != nil {
		return err
	}
	_ = l.db.InsertAuditLog(ctx, l.accountID, "RISK_HALT", reason)
	return l.refresh(ctx)
}

// Resume clears the kill switch.
func (l *Limiter) Resume(ctx context.Context) error {
	if err := l.db.SetHalted(ctx, l.strategyRunID, false, ""); err != nil {
		return err
	}
	_ = l.db.InsertAuditLog(ctx, l.accountID, "RISK_RESUME", "")
	return l.refresh(ctx)
}
