package funding

import (
	"context"
	"math"
	"testing"
	"time"

	"fundingarb-core/pkg/db"
)

func seedOpenPosition(t *testing.T, database *db.Database, openedAt time.Time) db.PairedPosition {
	t.Helper()
	p := db.PairedPosition{
		ID: "pos-1", AccountID: "acct-1", Symbol: "BTC",
		LongVenue: "venue_A", ShortVenue: "venue_B",
		Qty: 0.01, LongEntryPrice: 100000, ShortEntryPrice: 100000,
		Status: "OPEN", OpenedAt: openedAt,
	}
	if err := database.CreatePairedPosition(context.Background(), p); err != nil {
		t.Fatalf("CreatePairedPosition: %v", err)
	}
	return p
}

func seedRate(t *testing.T, database *db.Database, venueName string, rateNative, intervalHours float64, nextPayment time.Time) {
	t.Helper()
	err := database.UpsertLatestFundingRate(context.Background(), db.FundingRate{
		Venue: venueName, Symbol: "BTC", RateNative: rateNative,
		IntervalHours: intervalHours, Rate8h: rateNative * 8 / intervalHours,
		ObservedAt: time.Now(), NextPaymentAt: &nextPayment,
	})
	if err != nil {
		t.Fatalf("UpsertLatestFundingRate: %v", err)
	}
}

func TestSampleOnceRecordsBothLegsWithOpposingSigns(t *testing.T) {
	database := newTestDB(t)
	now := time.Now()
	seedOpenPosition(t, database, now.Add(-3*time.Hour))

	// Both venues last paid within the hour; the long leg pays the
	// rate, the short leg collects it.
	seedRate(t, database, "venue_A", 0.0001, 1, now.Add(30*time.Minute))
	seedRate(t, database, "venue_B", 0.0004, 8, now.Add(7*time.Hour))

	s := NewPaymentSampler(database, nil, "acct-1", time.Minute)
	if err := s.SampleOnce(context.Background(), now); err != nil {
		t.Fatalf("SampleOnce: %v", err)
	}

	total, err := database.SumFundingPayments(context.Background(), "pos-1")
	if err != nil {
		t.Fatalf("SumFundingPayments: %v", err)
	}
	// notional = 0.01 * 100000 = 1000 USD per leg:
	// long pays 0.0001*1000 = 0.10, short collects 0.0004*1000 = 0.40.
	want := -0.10 + 0.40
	if math.Abs(total-want) > 1e-9 {
		t.Errorf("SumFundingPayments = %v, want %v", total, want)
	}
}

func TestSampleOnceIsIdempotentPerBoundary(t *testing.T) {
	database := newTestDB(t)
	now := time.Now()
	seedOpenPosition(t, database, now.Add(-3*time.Hour))
	seedRate(t, database, "venue_A", 0.0001, 1, now.Add(30*time.Minute))
	seedRate(t, database, "venue_B", 0.0004, 8, now.Add(7*time.Hour))

	s := NewPaymentSampler(database, nil, "acct-1", time.Minute)
	for i := 0; i < 3; i++ {
		if err := s.SampleOnce(context.Background(), now); err != nil {
			t.Fatalf("SampleOnce #%d: %v", i, err)
		}
	}

	var rows int
	if err := database.DB.QueryRow(`SELECT COUNT(*) FROM funding_payments WHERE position_id = 'pos-1'`).Scan(&rows); err != nil {
		t.Fatalf("count funding_payments: %v", err)
	}
	if rows != 2 {
		t.Errorf("expected one row per leg regardless of re-sampling, got %d", rows)
	}
}

func TestSampleOnceSkipsBoundariesBeforeOpen(t *testing.T) {
	database := newTestDB(t)
	now := time.Now()
	// Opened after the most recent payment boundary on both venues.
	seedOpenPosition(t, database, now.Add(-time.Minute))
	seedRate(t, database, "venue_A", 0.0001, 1, now.Add(30*time.Minute))
	seedRate(t, database, "venue_B", 0.0004, 8, now.Add(7*time.Hour))

	s := NewPaymentSampler(database, nil, "acct-1", time.Minute)
	if err := s.SampleOnce(context.Background(), now); err != nil {
		t.Fatalf("SampleOnce: %v", err)
	}

	var rows int
	if err := database.DB.QueryRow(`SELECT COUNT(*) FROM funding_payments`).Scan(&rows); err != nil {
		t.Fatalf("count funding_payments: %v", err)
	}
	if rows != 0 {
		t.Errorf("no payment boundary has passed since open, got %d rows", rows)
	}
}

func TestLastPaymentBoundaryWalksBackFromNextPayment(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 30, 0, 0, time.UTC)
	next := time.Date(2026, 1, 10, 16, 0, 0, 0, time.UTC)
	rate := db.FundingRate{IntervalHours: 8, NextPaymentAt: &next}

	got := lastPaymentBoundary(rate, now)
	want := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("lastPaymentBoundary = %v, want %v", got, want)
	}
}
