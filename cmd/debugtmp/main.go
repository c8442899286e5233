package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"fundingarb-core/internal/appconfig"
	"fundingarb-core/internal/risk"
	"fundingarb-core/internal/strategy"
	"fundingarb-core/internal/venue"
	"fundingarb-core/pkg/db"
)

type fakeVenue struct {
	name     string
	bid, ask float64
}

func (f *fakeVenue) Name() string { return f.name }
func (f *fakeVenue) FetchBBO(ctx context.Context, symbol string) (venue.BBO, error) {
	return venue.BBO{Symbol: symbol, Venue: f.name, Bid: f.bid, Ask: f.ask, Ts: time.Now()}, nil
}
func (f *fakeVenue) FetchFundingRates(ctx context.Context) (map[string]venue.FundingRateSample, error) {
	return nil, nil
}
func (f *fakeVenue) FetchMarketData(ctx context.Context) (map[string]venue.MarketMetrics, error) {
	liquid := venue.MarketMetrics{Volume24hUSD: 10_000_000, OpenInterestUSD: 5_000_000, SpreadBps: 2, HasSpread: true}
	return map[string]venue.MarketMetrics{"BTC": liquid, "ETH": liquid}, nil
}
func (f *fakeVenue) PlaceLimit(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	return venue.OrderResult{OrderID: req.ClientOrderID, ClientOrderID: req.ClientOrderID, Status: venue.OrderStatusFilled, FilledQty: req.Qty, AvgPrice: req.Price}, nil
}
func (f *fakeVenue) PlaceMarket(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	return f.PlaceLimit(ctx, req)
}
func (f *fakeVenue) Cancel(ctx context.Context, orderID string) error { return nil }
func (f *fakeVenue) QueryOrder(ctx context.Context, orderID string) (venue.OrderQuery, error) {
	return venue.OrderQuery{}, nil
}
func (f *fakeVenue) SubscribeBBO(ctx context.Context, symbol string, cb venue.BboCallback) (func(), error) {
	return func() {}, nil
}
func (f *fakeVenue) FetchPosition(ctx context.Context, symbol string) (venue.PositionSnapshot, error) {
	return venue.PositionSnapshot{}, nil
}
func (f *fakeVenue) FetchAccountBalance(ctx context.Context) (venue.AccountBalance, error) {
	return venue.AccountBalance{FreeMarginUSD: 1_000_000}, nil
}
func (f *fakeVenue) SymbolSpec(ctx context.Context, symbol string) (venue.SymbolSpec, error) {
	return venue.SymbolSpec{MinNotionalUSD: 10, StepSize: 0}, nil
}

func main() {
	dir, _ := os.MkdirTemp("", "dbg")
	path := filepath.Join(dir, "test.db")
	database, err := db.New(path)
	if err != nil {
		panic(err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		panic(err)
	}
	_, err = database.DB.Exec(`INSERT INTO venues (name, kind, default_funding_interval_hours, maker_fee_pct, taker_fee_pct) VALUES (?, 'cex', 8, 0.0002, ?)`, "venue_A", 0.0002)
	if err != nil {
		panic(err)
	}
	_, err = database.DB.Exec(`INSERT INTO venues (name, kind, default_funding_interval_hours, maker_fee_pct, taker_fee_pct) VALUES (?, 'cex', 8, 0.0002, ?)`, "venue_B", 0.0002)
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	now := time.Now()
	if err := database.UpsertLatestFundingRate(ctx, db.FundingRate{Venue: "venue_A", Symbol: "BTC", RateNative: 0.0001, IntervalHours: 8, Rate8h: 0.0001, ObservedAt: now}); err != nil {
		panic(err)
	}
	if err := database.UpsertLatestFundingRate(ctx, db.FundingRate{Venue: "venue_B", Symbol: "BTC", RateNative: 0.0010, IntervalHours: 8, Rate8h: 0.0010, ObservedAt: now}); err != nil {
		panic(err)
	}

	cfg := appconfig.InstanceConfig{
		Name: "test", AccountID: "acct-1",
		LongVenueWhitelist: []string{"venue_A"}, ShortVenueWhitelist: []string{"venue_B"},
		SymbolsUniverse:   "all",
		MinDivergence:     0.0001, MinProfitPct: 0.0001,
		MaxLegNotionalUSD: 1000, MaxOpenPositions: 2,
	}
	cfg.Risk.MaxLeverage = 5
	cfg.Risk.LiquidationBufferPct = 0.05

	limiter, err := risk.New(database, "run-1", cfg.AccountID, db.SafetyLimits{MaxOpenPositions: cfg.MaxOpenPositions, MaxDailyLosses: 5})
	if err != nil {
		panic(err)
	}

	venues := map[string]venue.VenueClient{
		"venue_A": &fakeVenue{name: "venue_A", bid: 99999, ask: 100000},
		"venue_B": &fakeVenue{name: "venue_B", bid: 99999, ask: 100000},
	}

	logger, _ := zap.NewDevelopment()
	s, err := strategy.New(cfg, venues, database, "run-1", limiter, logger, nil)
	if err != nil {
		panic(err)
	}
	if err := s.Scan(ctx); err != nil {
		fmt.Println("Scan err:", err)
	}
	rows, err := database.DB.Query(`SELECT id, symbol, long_venue, short_venue, status FROM paired_positions`)
	if err != nil {
		panic(err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var id, symbol, lv, sv, status string
		if err := rows.Scan(&id, &symbol, &lv, &sv, &status); err != nil {
			panic(err)
		}
		n++
		fmt.Println("position:", id, symbol, lv, sv, status)
	}
	fmt.Println("count:", n)
}
