package funding

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fundingarb-core/pkg/db"
)

// PaymentSampler appends funding_payments rows for every open paired
// position as each leg's venue crosses a funding payment boundary. It
// reads the latest_funding_rates snapshot the Collector maintains
// rather than calling venues itself: the rate and the next payment
// time observed there are what the venue actually settles against.
// Re-sampling an already-recorded boundary is a no-op through the
// UNIQUE(position_id, payment_time, venue) constraint, so the loop can
// run far more often than any venue pays without double-counting.
type PaymentSampler struct {
	db        *db.Database
	log       *zap.SugaredLogger
	accountID string
	period    time.Duration
}

// NewPaymentSampler builds a PaymentSampler for one account's open
// positions.
func NewPaymentSampler(database *db.Database, logger *zap.Logger, accountID string, period time.Duration) *PaymentSampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if period <= 0 {
		period = time.Minute
	}
	return &PaymentSampler{db: database, log: logger.Sugar(), accountID: accountID, period: period}
}

// Run blocks, sampling on a fixed clock until ctx is canceled.
func (s *PaymentSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SampleOnce(ctx, time.Now()); err != nil {
				s.log.Warnw("funding payment sampling failed", "err", err)
			}
		}
	}
}

// SampleOnce records, for every open position and both of its legs,
// the funding payment for the most recent payment boundary at or
// before now. Sign convention: a positive amount is profit for the
// position, so the short leg earns +rate x notional when the rate is
// positive and the long leg pays -rate x notional.
func (s *PaymentSampler) SampleOnce(ctx context.Context, now time.Time) error {
	positions, err := s.db.ListOpenPositions(ctx, s.accountID)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}
	rates, err := s.db.ListLatestFundingRates(ctx)
	if err != nil {
		return err
	}
	bySample := make(map[string]db.FundingRate, len(rates))
	for _, r := range rates {
		bySample[r.Venue+":"+r.Symbol] = r
	}

	for _, p := range positions {
		s.sampleLeg(ctx, p, bySample, p.LongVenue, -1, p.Qty*p.LongEntryPrice, now)
		s.sampleLeg(ctx, p, bySample, p.ShortVenue, +1, p.Qty*p.ShortEntryPrice, now)
	}
	return nil
}

func (s *PaymentSampler) sampleLeg(ctx context.Context, p db.PairedPosition, rates map[string]db.FundingRate, venueName string, sign float64, notionalUSD float64, now time.Time) {
	rate, ok := rates[venueName+":"+p.Symbol]
	if !ok {
		return
	}
	boundary := lastPaymentBoundary(rate, now)
	if boundary.IsZero() || boundary.Before(p.OpenedAt) || boundary.After(now) {
		return
	}
	amount := sign * rate.RateNative * notionalUSD
	err := s.db.RecordFundingPayment(ctx, db.FundingPayment{
		PositionID: p.ID, Venue: venueName, AmountUSD: amount, PaymentTime: boundary,
	})
	if err != nil {
		s.log.Warnw("record funding payment failed", "position_id", p.ID, "venue", venueName, "err", err)
	}
}

// lastPaymentBoundary finds the most recent payment time at or before
// now. When the venue reports its next payment time, boundaries are
// walked back from it by the native interval; otherwise they are
// assumed aligned to the interval on the wall clock, which is how
// every 1h/8h venue schedules them in practice.
func lastPaymentBoundary(rate db.FundingRate, now time.Time) time.Time {
	interval := rate.IntervalHours
	if interval <= 0 {
		interval = 8
	}
	step := time.Duration(interval * float64(time.Hour))
	if step <= 0 {
		return time.Time{}
	}
	if rate.NextPaymentAt != nil {
		boundary := *rate.NextPaymentAt
		for boundary.After(now) {
			boundary = boundary.Add(-step)
		}
		return boundary
	}
	return now.Truncate(step)
}
