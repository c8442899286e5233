package funding

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

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

type stubVenueClient struct {
	name    string
	samples map[string]venue.FundingRateSample
	err     error
}

func (s stubVenueClient) Name() string { return s.name }
func (s stubVenueClient) FetchBBO(ctx context.Context, symbol string) (venue.BBO, error) {
	return venue.BBO{}, nil
}
func (s stubVenueClient) FetchFundingRates(ctx context.Context) (map[string]venue.FundingRateSample, error) {
	return s.samples, s.err
}
func (s stubVenueClient) FetchMarketData(ctx context.Context) (map[string]venue.MarketMetrics, error) {
	return nil, nil
}
func (s stubVenueClient) PlaceLimit(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	return venue.OrderResult{}, nil
}
func (s stubVenueClient) PlaceMarket(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	return venue.OrderResult{}, nil
}
func (s stubVenueClient) Cancel(ctx context.Context, orderID string) error { return nil }
func (s stubVenueClient) QueryOrder(ctx context.Context, orderID string) (venue.OrderQuery, error) {
	return venue.OrderQuery{}, nil
}
func (s stubVenueClient) SubscribeBBO(ctx context.Context, symbol string, cb venue.BboCallback) (func(), error) {
	return func() {}, nil
}
func (s stubVenueClient) FetchPosition(ctx context.Context, symbol string) (venue.PositionSnapshot, error) {
	return venue.PositionSnapshot{}, nil
}
func (s stubVenueClient) FetchAccountBalance(ctx context.Context) (venue.AccountBalance, error) {
	return venue.AccountBalance{}, nil
}
func (s stubVenueClient) SymbolSpec(ctx context.Context, symbol string) (venue.SymbolSpec, error) {
	return venue.SymbolSpec{}, nil
}

func TestScanOnceWritesNormalizedRateAndRecordsSuccess(t *testing.T) {
	database := newTestDB(t)
	if _, err := database.DB.Exec(`INSERT INTO venues (name, kind) VALUES ('venue_A', 'cex')`); err != nil {
		t.Fatalf("seed venue: %v", err)
	}
	if _, err := database.DB.Exec(`UPDATE venues SET consecutive_errors = 3 WHERE name = 'venue_A'`); err != nil {
		t.Fatalf("seed error count: %v", err)
	}

	vc := stubVenueClient{name: "venue_A", samples: map[string]venue.FundingRateSample{
		"BTC": {Venue: "venue_A", Symbol: "BTC", RateNative: 0.0001, IntervalHours: 1, Rate8h: 0.0008, ObservedAt: time.Now()},
	}}

	c := New(database, nil, nil, map[string]venue.VenueClient{"venue_A": vc}, time.Hour)
	c.scanOnce(context.Background(), "venue_A", vc)

	rates, err := database.ListLatestFundingRates(context.Background())
	if err != nil {
		t.Fatalf("ListLatestFundingRates: %v", err)
	}
	if len(rates) != 1 {
		t.Fatalf("expected one persisted rate, got %d", len(rates))
	}
	if rates[0].Rate8h != 0.0008 {
		t.Errorf("Rate8h = %v, want 0.0008", rates[0].Rate8h)
	}

	info, err := database.GetVenueInfo(context.Background(), "venue_A")
	if err != nil {
		t.Fatalf("GetVenueInfo: %v", err)
	}
	if info.ConsecutiveErrors != 0 {
		t.Errorf("expected a successful scan to reset consecutive_errors, got %d", info.ConsecutiveErrors)
	}

	// The 1h interval differs from the venue's 8h default, so the scan
	// must persist a per-symbol override for stable renormalization.
	symbols, err := database.ListVenueSymbols(context.Background(), "venue_A")
	if err != nil {
		t.Fatalf("ListVenueSymbols: %v", err)
	}
	if len(symbols) != 1 || symbols[0].Symbol != "BTC" || symbols[0].FundingIntervalHours != 1 {
		t.Errorf("expected a persisted 1h override for BTC, got %+v", symbols)
	}
}

func TestScanOnceRecordsErrorOnFetchFailure(t *testing.T) {
	database := newTestDB(t)
	if _, err := database.DB.Exec(`INSERT INTO venues (name, kind) VALUES ('venue_A', 'cex')`); err != nil {
		t.Fatalf("seed venue: %v", err)
	}

	vc := stubVenueClient{name: "venue_A", err: errors.New("venue unavailable")}
	c := New(database, nil, nil, map[string]venue.VenueClient{"venue_A": vc}, time.Hour)
	c.scanOnce(context.Background(), "venue_A", vc)

	info, err := database.GetVenueInfo(context.Background(), "venue_A")
	if err != nil {
		t.Fatalf("GetVenueInfo: %v", err)
	}
	if info.ConsecutiveErrors != 1 {
		t.Errorf("expected consecutive_errors to increment to 1, got %d", info.ConsecutiveErrors)
	}

	rates, err := database.ListLatestFundingRates(context.Background())
	if err != nil {
		t.Fatalf("ListLatestFundingRates: %v", err)
	}
	if len(rates) != 0 {
		t.Errorf("a failed fetch must not write a stale rate, got %d rows", len(rates))
	}
}
