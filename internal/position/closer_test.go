package position

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"fundingarb-core/internal/notify"
	"fundingarb-core/internal/venue"
	"fundingarb-core/pkg/db"
	"fundingarb-core/pkg/eventbus"
)

// fakeCloserVenue is a minimal VenueClient double that only implements
// what Closer.Close exercises for an urgent (market-order) close.
type fakeCloserVenue struct {
	name       string
	marketFill float64
	failMarket bool
	calls      int32
}

func (f *fakeCloserVenue) Name() string { return f.name }
func (f *fakeCloserVenue) FetchBBO(ctx context.Context, symbol string) (venue.BBO, error) {
	return venue.BBO{Bid: 100, Ask: 100.1}, nil
}
func (f *fakeCloserVenue) FetchFundingRates(ctx context.Context) (map[string]venue.FundingRateSample, error) {
	return nil, nil
}
func (f *fakeCloserVenue) FetchMarketData(ctx context.Context) (map[string]venue.MarketMetrics, error) {
	return nil, nil
}
func (f *fakeCloserVenue) PlaceLimit(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	return venue.OrderResult{OrderID: "lim-1", Status: venue.OrderStatusFilled, FilledQty: req.Qty, AvgPrice: req.Price}, nil
}
func (f *fakeCloserVenue) PlaceMarket(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.failMarket {
		return venue.OrderResult{}, errors.New("venue rejected market close")
	}
	return venue.OrderResult{OrderID: "mkt-1", Status: venue.OrderStatusFilled, FilledQty: req.Qty, AvgPrice: f.marketFill}, nil
}
func (f *fakeCloserVenue) Cancel(ctx context.Context, orderID string) error { return nil }
func (f *fakeCloserVenue) QueryOrder(ctx context.Context, orderID string) (venue.OrderQuery, error) {
	return venue.OrderQuery{Status: venue.OrderStatusFilled}, nil
}
func (f *fakeCloserVenue) SubscribeBBO(ctx context.Context, symbol string, cb venue.BboCallback) (func(), error) {
	return func() {}, nil
}
func (f *fakeCloserVenue) FetchPosition(ctx context.Context, symbol string) (venue.PositionSnapshot, error) {
	return venue.PositionSnapshot{}, nil
}
func (f *fakeCloserVenue) FetchAccountBalance(ctx context.Context) (venue.AccountBalance, error) {
	return venue.AccountBalance{}, nil
}
func (f *fakeCloserVenue) SymbolSpec(ctx context.Context, symbol string) (venue.SymbolSpec, error) {
	return venue.SymbolSpec{}, nil
}

// TestCloseSingleCloseInvariant drives scenario 3 from the spec:
// concurrent close attempts (polling monitor + realtime monitor both
// racing) must result in exactly one external close.
func TestCloseSingleCloseInvariant(t *testing.T) {
	database := newTestDB(t)
	closer := NewCloser(database, nil)

	p := db.PairedPosition{
		ID: uuid.NewString(), AccountID: "acct-1", Symbol: "BTC",
		LongVenue: "alpha", ShortVenue: "beta", Qty: 1,
		LongEntryPrice: 100000, ShortEntryPrice: 100000, Status: "OPEN",
	}
	if err := database.CreatePairedPosition(context.Background(), p); err != nil {
		t.Fatalf("CreatePairedPosition: %v", err)
	}

	longV := &fakeCloserVenue{name: "alpha", marketFill: 100600}
	shortV := &fakeCloserVenue{name: "beta", marketFill: 100000}

	const racers = 10
	var wg sync.WaitGroup
	var closedCount int32
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			closed, err := closer.Close(context.Background(), p, longV, shortV, ExitLiquidationRisk)
			if err != nil {
				t.Errorf("Close: %v", err)
				return
			}
			if closed {
				atomic.AddInt32(&closedCount, 1)
			}
		}()
	}
	wg.Wait()

	if closedCount != 1 {
		t.Errorf("expected exactly one goroutine to perform the external close, got %d", closedCount)
	}
	if longV.calls != 1 || shortV.calls != 1 {
		t.Errorf("expected exactly one market order per leg, got long=%d short=%d", longV.calls, shortV.calls)
	}

	open, err := database.ListOpenPositions(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("ListOpenPositions: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected the position to no longer be open/closing, got %d remaining", len(open))
	}
}

// TestCloseMarksErrorOnPartialLegFailure drives the stuck-mid-close
// path: the long leg flattens but the short leg's close fails. The
// position must not stay mischaracterized as CLOSING (which would
// imply both legs are still safely retryable); it is marked ERROR, a
// CloseStuck notification fires, and Close returns ErrCloseStuck.
func TestCloseMarksErrorOnPartialLegFailure(t *testing.T) {
	database := newTestDB(t)
	bus := eventbus.New()
	notif := notify.New(database, "run-1", nil, bus)
	closer := NewCloser(database, nil).WithNotifier(notif)

	p := db.PairedPosition{
		ID: uuid.NewString(), AccountID: "acct-1", Symbol: "BTC",
		LongVenue: "alpha", ShortVenue: "beta", Qty: 1,
		LongEntryPrice: 100000, ShortEntryPrice: 100000, Status: "OPEN",
	}
	if err := database.CreatePairedPosition(context.Background(), p); err != nil {
		t.Fatalf("CreatePairedPosition: %v", err)
	}

	longV := &fakeCloserVenue{name: "alpha", marketFill: 100600}
	shortV := &fakeCloserVenue{name: "beta", failMarket: true}

	closed, err := closer.Close(context.Background(), p, longV, shortV, ExitLiquidationRisk)
	if closed {
		t.Error("expected closed=false for a stuck partial close")
	}
	if !errors.Is(err, ErrCloseStuck) {
		t.Fatalf("expected ErrCloseStuck, got %v", err)
	}

	open, err := database.ListOpenPositions(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("ListOpenPositions: %v", err)
	}
	if len(open) != 1 || open[0].Status != "ERROR" {
		t.Fatalf("expected the position to remain tracked with status ERROR, got %+v", open)
	}
}

func TestCloseComputesRealizedPnLFromFills(t *testing.T) {
	database := newTestDB(t)
	closer := NewCloser(database, nil)

	p := db.PairedPosition{
		ID: uuid.NewString(), AccountID: "acct-1", Symbol: "BTC",
		LongVenue: "alpha", ShortVenue: "beta", Qty: 1,
		LongEntryPrice: 100000, ShortEntryPrice: 100000, Status: "OPEN",
	}
	if err := database.CreatePairedPosition(context.Background(), p); err != nil {
		t.Fatalf("CreatePairedPosition: %v", err)
	}
	if err := database.RecordFundingPayment(context.Background(), db.FundingPayment{
		PositionID: p.ID, Venue: "alpha", AmountUSD: 5, PaymentTime: time.Now(),
	}); err != nil {
		t.Fatalf("RecordFundingPayment: %v", err)
	}

	longV := &fakeCloserVenue{name: "alpha", marketFill: 100600} // long sold higher: +600
	shortV := &fakeCloserVenue{name: "beta", marketFill: 100000} // short bought back flat: +0

	closed, err := closer.Close(context.Background(), p, longV, shortV, ExitLiquidationRisk)
	if err != nil || !closed {
		t.Fatalf("Close failed: closed=%v err=%v", closed, err)
	}

	rows, err := database.ListOrdersForPosition(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ListOrdersForPosition: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 audit order rows (one per leg), got %d", len(rows))
	}

	var realized float64
	if err := database.DB.QueryRow(`SELECT realized_pnl FROM paired_positions WHERE id = ?`, p.ID).Scan(&realized); err != nil {
		t.Fatalf("read realized_pnl: %v", err)
	}
	// +600 long leg, +0 short leg, +5 recorded funding.
	if realized != 605 {
		t.Errorf("realized_pnl = %v, want 605", realized)
	}
}
