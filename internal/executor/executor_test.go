package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fundingarb-core/internal/venue"
)

// fakeVenue is a minimal in-memory VenueClient double used to drive
// PlacePair through both the happy path and the rollback path without
// any network I/O.
type fakeVenue struct {
	name string

	mu     sync.Mutex
	orders map[string]*venue.OrderQuery

	placeErr     error
	fillQty      float64 // quantity reported filled at placement / on query
	cancelCalls  int
	closeCalls   int
	closeQty     float64
}

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{name: name, orders: make(map[string]*venue.OrderQuery)}
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) FetchBBO(ctx context.Context, symbol string) (venue.BBO, error) {
	return venue.BBO{Symbol: symbol, Venue: f.name, Bid: 100, Ask: 100.1, Ts: time.Now()}, nil
}

func (f *fakeVenue) FetchFundingRates(ctx context.Context) (map[string]venue.FundingRateSample, error) {
	return nil, nil
}

func (f *fakeVenue) FetchMarketData(ctx context.Context) (map[string]venue.MarketMetrics, error) {
	return nil, nil
}

func (f *fakeVenue) PlaceLimit(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	return f.place(req)
}

func (f *fakeVenue) PlaceMarket(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	f.mu.Lock()
	f.closeCalls++
	f.closeQty += req.Qty
	f.mu.Unlock()
	return f.place(req)
}

func (f *fakeVenue) place(req venue.OrderRequest) (venue.OrderResult, error) {
	if f.placeErr != nil {
		return venue.OrderResult{}, f.placeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	status := venue.OrderStatusFilled
	if f.fillQty < req.Qty {
		status = venue.OrderStatusPartiallyFilled
	}
	f.orders[req.ClientOrderID] = &venue.OrderQuery{Status: status, FilledQty: f.fillQty, AvgPrice: req.Price}
	return venue.OrderResult{OrderID: req.ClientOrderID, ClientOrderID: req.ClientOrderID, Status: status, FilledQty: f.fillQty, AvgPrice: req.Price}, nil
}

func (f *fakeVenue) Cancel(ctx context.Context, orderID string) error {
	f.mu.Lock()
	f.cancelCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeVenue) QueryOrder(ctx context.Context, orderID string) (venue.OrderQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.orders[orderID]
	if !ok {
		return venue.OrderQuery{}, errors.New("order not found")
	}
	return *q, nil
}

func (f *fakeVenue) SubscribeBBO(ctx context.Context, symbol string, cb venue.BboCallback) (func(), error) {
	return func() {}, nil
}

func (f *fakeVenue) FetchPosition(ctx context.Context, symbol string) (venue.PositionSnapshot, error) {
	return venue.PositionSnapshot{}, nil
}

func (f *fakeVenue) FetchAccountBalance(ctx context.Context) (venue.AccountBalance, error) {
	return venue.AccountBalance{}, nil
}

func (f *fakeVenue) SymbolSpec(ctx context.Context, symbol string) (venue.SymbolSpec, error) {
	return venue.SymbolSpec{}, nil
}

func fastExecutor() *Executor {
	return NewWithConfig(nil, Config{
		EntryTimeout:  200 * time.Millisecond,
		MinFillRatio:  0.98,
		PollInterval:  10 * time.Millisecond,
		QueryTimeout:  50 * time.Millisecond,
		RollbackDelay: time.Millisecond,
	})
}

func TestPlacePairSuccessBothLegsFilled(t *testing.T) {
	longV := newFakeVenue("alpha")
	longV.fillQty = 1.0
	shortV := newFakeVenue("beta")
	shortV.fillQty = 1.0

	e := fastExecutor()
	long := LegRequest{Venue: longV, Symbol: "BTC", Side: venue.SideBuy, Qty: 1.0, Price: 100000, Type: venue.OrderTypeLimit}
	short := LegRequest{Venue: shortV, Symbol: "BTC", Side: venue.SideSell, Qty: 1.0, Price: 100000, Type: venue.OrderTypeLimit}

	outcome, err := e.PlacePair(context.Background(), long, short)
	if err != nil {
		t.Fatalf("PlacePair returned error: %v", err)
	}
	if outcome.Kind != OutcomeSuccess {
		t.Fatalf("expected OutcomeSuccess, got %v (reason %q)", outcome.Kind, outcome.Reason)
	}
	if outcome.Result.Long.FilledQty != 1.0 || outcome.Result.Short.FilledQty != 1.0 {
		t.Errorf("unexpected fill quantities: %+v", outcome.Result)
	}
	if longV.cancelCalls != 0 || shortV.cancelCalls != 0 {
		t.Errorf("no cancels expected on a clean fill, got long=%d short=%d", longV.cancelCalls, shortV.cancelCalls)
	}
}

// TestPlacePairRollsBackOnPartialFill covers scenario 2 from the spec:
// one leg fills fully, the other only partially; PlacePair must roll
// both legs back to flat and report OutcomeRolledBack rather than
// leaving a naked directional leg.
func TestPlacePairRollsBackOnPartialFill(t *testing.T) {
	longV := newFakeVenue("alpha")
	longV.fillQty = 1.0 // fills completely
	shortV := newFakeVenue("beta")
	shortV.fillQty = 0.3 // well below min fill ratio

	e := fastExecutor()
	long := LegRequest{Venue: longV, Symbol: "BTC", Side: venue.SideBuy, Qty: 1.0, Price: 100000, Type: venue.OrderTypeLimit}
	short := LegRequest{Venue: shortV, Symbol: "BTC", Side: venue.SideSell, Qty: 1.0, Price: 100000, Type: venue.OrderTypeLimit}

	outcome, err := e.PlacePair(context.Background(), long, short)
	if err == nil {
		t.Fatal("expected PlacePair to return an error on rollback")
	}
	if outcome.Kind != OutcomeRolledBack {
		t.Fatalf("expected OutcomeRolledBack, got %v", outcome.Kind)
	}
	if longV.cancelCalls != 1 || shortV.cancelCalls != 1 {
		t.Errorf("expected both legs canceled during rollback, got long=%d short=%d", longV.cancelCalls, shortV.cancelCalls)
	}
	// Both venues should have received a closing order for exactly the
	// post-cancel filled quantity, never the pre-cancel snapshot.
	if longV.closeCalls != 1 || longV.closeQty != 1.0 {
		t.Errorf("expected long leg closed for its actual fill 1.0, got calls=%d qty=%v", longV.closeCalls, longV.closeQty)
	}
	if shortV.closeCalls != 1 || shortV.closeQty != 0.3 {
		t.Errorf("expected short leg closed for its actual fill 0.3, got calls=%d qty=%v", shortV.closeCalls, shortV.closeQty)
	}
	if outcome.RollbackCost.Long.FilledQty != 1.0 || outcome.RollbackCost.Short.FilledQty != 0.3 {
		t.Errorf("rollback cost should reflect post-cancel fills, got %+v", outcome.RollbackCost)
	}
}

func TestPlacePairRollsBackOnOutrightLegFailure(t *testing.T) {
	longV := newFakeVenue("alpha")
	longV.fillQty = 1.0
	shortV := newFakeVenue("beta")
	shortV.placeErr = errors.New("venue unavailable")

	e := fastExecutor()
	long := LegRequest{Venue: longV, Symbol: "BTC", Side: venue.SideBuy, Qty: 1.0, Price: 100000, Type: venue.OrderTypeLimit}
	short := LegRequest{Venue: shortV, Symbol: "BTC", Side: venue.SideSell, Qty: 1.0, Price: 100000, Type: venue.OrderTypeLimit}

	outcome, err := e.PlacePair(context.Background(), long, short)
	if err == nil {
		t.Fatal("expected an error when one leg fails outright")
	}
	if outcome.Kind != OutcomeRolledBack {
		t.Fatalf("expected OutcomeRolledBack, got %v", outcome.Kind)
	}
	// Only the long leg ever placed; it alone must be unwound.
	if longV.cancelCalls != 1 {
		t.Errorf("expected the successfully placed long leg to be canceled, got %d", longV.cancelCalls)
	}
	if shortV.cancelCalls != 0 {
		t.Errorf("short leg never placed, should never be canceled, got %d", shortV.cancelCalls)
	}
}

func TestPreflightCheckRejectsDuplicatePosition(t *testing.T) {
	long := LegRequest{Qty: 1, Price: 100}
	short := LegRequest{Qty: 1, Price: 100}
	err := PreflightCheck(long, short, 1000, 1000, 10, true, 5, 1, 0.05)
	if !errors.Is(err, ErrDuplicatePosition) {
		t.Errorf("expected ErrDuplicatePosition, got %v", err)
	}
}

func TestPreflightCheckRejectsSizeTooSmall(t *testing.T) {
	long := LegRequest{Qty: 0.0001, Price: 100}
	short := LegRequest{Qty: 0.0001, Price: 100}
	err := PreflightCheck(long, short, 1000, 1000, 10, false, 5, 1, 0.05)
	if !errors.Is(err, ErrSizeTooSmall) {
		t.Errorf("expected ErrSizeTooSmall, got %v", err)
	}
}

func TestPreflightCheckRejectsInsufficientMargin(t *testing.T) {
	long := LegRequest{Qty: 1, Price: 1000}
	short := LegRequest{Qty: 1, Price: 1000}
	// required margin = 1000/5 = 200, free margin is only 50.
	err := PreflightCheck(long, short, 50, 50, 10, false, 5, 1, 0.05)
	if !errors.Is(err, ErrInsufficientMargin) {
		t.Errorf("expected ErrInsufficientMargin, got %v", err)
	}
}

func TestPreflightCheckRejectsLiquidationRisk(t *testing.T) {
	long := LegRequest{Qty: 1, Price: 100}
	short := LegRequest{Qty: 1, Price: 100}
	// projected leverage right at max leverage, buffer pushes the
	// allowed ceiling below it.
	err := PreflightCheck(long, short, 1000, 1000, 10, false, 10, 10, 0.1)
	if !errors.Is(err, ErrLiquidationRisk) {
		t.Errorf("expected ErrLiquidationRisk, got %v", err)
	}
}

func TestPreflightCheckPasses(t *testing.T) {
	long := LegRequest{Qty: 1, Price: 1000}
	short := LegRequest{Qty: 1, Price: 1000}
	err := PreflightCheck(long, short, 1000, 1000, 10, false, 5, 1, 0.05)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
