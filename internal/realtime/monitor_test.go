package realtime

import (
	"context"
	"path/filepath"
	"testing"

	"fundingarb-core/internal/position"
	"fundingarb-core/internal/venue"
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

type stubPositionVenue struct {
	name string
	snap venue.PositionSnapshot
}

func (s stubPositionVenue) Name() string { return s.name }
func (s stubPositionVenue) FetchBBO(ctx context.Context, symbol string) (venue.BBO, error) {
	return venue.BBO{}, nil
}
func (s stubPositionVenue) FetchFundingRates(ctx context.Context) (map[string]venue.FundingRateSample, error) {
	return nil, nil
}
func (s stubPositionVenue) FetchMarketData(ctx context.Context) (map[string]venue.MarketMetrics, error) {
	return nil, nil
}
func (s stubPositionVenue) PlaceLimit(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	return venue.OrderResult{}, nil
}
func (s stubPositionVenue) PlaceMarket(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	return venue.OrderResult{}, nil
}
func (s stubPositionVenue) Cancel(ctx context.Context, orderID string) error { return nil }
func (s stubPositionVenue) QueryOrder(ctx context.Context, orderID string) (venue.OrderQuery, error) {
	return venue.OrderQuery{}, nil
}
func (s stubPositionVenue) SubscribeBBO(ctx context.Context, symbol string, cb venue.BboCallback) (func(), error) {
	return func() {}, nil
}
func (s stubPositionVenue) FetchPosition(ctx context.Context, symbol string) (venue.PositionSnapshot, error) {
	return s.snap, nil
}
func (s stubPositionVenue) FetchAccountBalance(ctx context.Context) (venue.AccountBalance, error) {
	return venue.AccountBalance{}, nil
}
func (s stubPositionVenue) SymbolSpec(ctx context.Context, symbol string) (venue.SymbolSpec, error) {
	return venue.SymbolSpec{}, nil
}

func fixturePosition() db.PairedPosition {
	return db.PairedPosition{
		ID: "pos-1", Symbol: "BTC", LongVenue: "alpha", ShortVenue: "beta",
		Qty: 0.01, LongEntryPrice: 100000, ShortEntryPrice: 100000, SizeUSD: 1000, EntryFeesUSD: 1,
	}
}

// TestEstimateProfitPctFromFreshQuotes drives the scenario-1 numbers
// from the spec: venue_A bid rises to 100600 while venue_B ask stays
// at 100000 on a 0.01 BTC position, which should clear a 0.2% target.
func TestEstimateProfitPctFromFreshQuotes(t *testing.T) {
	database := newTestDB(t)
	closer := position.NewCloser(database, nil)
	m := New(map[string]venue.VenueClient{
		"alpha": stubPositionVenue{name: "alpha"},
		"beta":  stubPositionVenue{name: "beta"},
	}, closer, database, nil, 0.002, 0)

	p := fixturePosition()
	m.quotes.Set(bidKey("alpha", "BTC"), 100600)
	m.quotes.Set(askKey("beta", "BTC"), 100000)

	pct, ok := m.estimateProfitPct(context.Background(), p)
	if !ok {
		t.Fatal("expected a profit estimate when both quotes are fresh")
	}
	// pnl_long = (100600-100000)*0.01 = 6; pnl_short = (100000-100000)*0.01 = 0
	// total = 6 + 0 - entryFees(1) = 5; profit_pct = 5/1000 = 0.005
	want := 0.005
	if diff := pct - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("profit_pct = %v, want %v", pct, want)
	}
	if pct < m.minImmediateProfitTaking {
		t.Error("expected this profit to clear the immediate profit-taking threshold")
	}
}

// TestEstimateProfitPctFallsBackToSnapshotWhenStale covers Open
// Question 4's literal resolution: a missing/stale quote on one leg
// falls back to that leg's last-known unrealized PnL rather than
// skipping the evaluation entirely.
func TestEstimateProfitPctFallsBackToSnapshotWhenStale(t *testing.T) {
	database := newTestDB(t)
	closer := position.NewCloser(database, nil)
	m := New(map[string]venue.VenueClient{
		"alpha": stubPositionVenue{name: "alpha", snap: venue.PositionSnapshot{UnrealizedPnL: 3}},
		"beta":  stubPositionVenue{name: "beta", snap: venue.PositionSnapshot{UnrealizedPnL: 2}},
	}, closer, database, nil, 0.002, 0)

	p := fixturePosition()
	// Neither quote has been set: both legs fall back to FetchPosition.
	pct, ok := m.estimateProfitPct(context.Background(), p)
	if !ok {
		t.Fatal("expected a fallback estimate even with no cached quotes")
	}
	// total = 3 + 2 - 1(fees) = 4; profit_pct = 4/1000 = 0.004
	want := 0.004
	if diff := pct - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("profit_pct = %v, want %v", pct, want)
	}
}

func TestEstimateProfitPctReturnsFalseWithoutSizeUSD(t *testing.T) {
	database := newTestDB(t)
	closer := position.NewCloser(database, nil)
	m := New(map[string]venue.VenueClient{
		"alpha": stubPositionVenue{name: "alpha"},
		"beta":  stubPositionVenue{name: "beta"},
	}, closer, database, nil, 0.002, 0)

	p := fixturePosition()
	p.SizeUSD = 0
	m.quotes.Set(bidKey("alpha", "BTC"), 100600)
	m.quotes.Set(askKey("beta", "BTC"), 100000)

	if _, ok := m.estimateProfitPct(context.Background(), p); ok {
		t.Error("expected no estimate when SizeUSD is zero")
	}
}
