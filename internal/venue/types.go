// Package venue defines the uniform capability surface that every
// exchange/DEX adapter implements, plus the value types that flow
// across it. Concrete adapters live in internal/venue/binanceperp and
// internal/venue/onchainperp.
package venue

import (
	"context"
	"errors"
	"time"
)

// Side is the direction of an order or a position leg.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideBuy   Side = "BUY"
	SideSell  Side = "SELL"
)

// OrderType mirrors the venue-agnostic order kinds the executor and
// closer need. AggressiveLimit is a limit order priced to cross the
// book by a small offset, intended to fill like a taker order with a
// bounded worst-case price.
type OrderType string

const (
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeAggressiveLimit OrderType = "AGGRESSIVE_LIMIT"
)

// TimeInForce controls order lifetime semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Sentinel errors shared by every VenueClient implementation. Adapters
// must surface one of these (or wrap it with %w) for the corresponding
// failure class described in the adapter contract.
var (
	ErrVenueUnavailable  = errors.New("venue: no fresh quote or venue unreachable")
	ErrValidation        = errors.New("venue: validation error")
	ErrAuth              = errors.New("venue: authentication error")
	ErrOrderNotFound     = errors.New("venue: order not found")
	ErrProxyRequired     = errors.New("venue: non-admin account requires an assigned egress proxy")
)

// OrderRequest describes a new order to place on a venue.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string // venue-native symbol
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64 // ignored for OrderTypeMarket
	TIF           TimeInForce
	PostOnly      bool
}

// OrderResult is the venue's acknowledgement of an OrderRequest.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	FilledQty     float64
	AvgPrice      float64
	Fees          float64
	RawTradeIDs   []string
	SubmittedAt   time.Time
}

// OrderQuery is the result of re-querying an order's current state.
// Identical shape to OrderResult; kept distinct because the rollback
// path in the executor depends on this being a *fresh* read, never a
// cached OrderResult from the placement call.
type OrderQuery struct {
	Status      OrderStatus
	FilledQty   float64
	AvgPrice    float64
	Fees        float64
	RawTradeIDs []string
}

// BBO is a best-bid/best-ask quote snapshot.
type BBO struct {
	Symbol string
	Venue  string
	Bid    float64
	Ask    float64
	Ts     time.Time
}

// FundingRateSample is one observation of a venue's funding rate for a
// symbol, before or after 8h normalization. Adapters populate
// RateNative/IntervalHours; Normalize8h fills Rate8h.
type FundingRateSample struct {
	Venue         string
	Symbol        string
	RateNative    float64
	IntervalHours float64
	Rate8h        float64
	ObservedAt    time.Time
	NextPaymentAt *time.Time
}

// MarketMetrics is per-symbol liquidity/market-data context used by the
// opportunity finder and the executor's pre-flight checks.
type MarketMetrics struct {
	Venue         string
	Symbol        string
	Volume24hUSD  float64
	OpenInterestUSD float64
	SpreadBps     float64
	HasSpread     bool
}

// PositionSnapshot is a live read of a single-venue leg's position.
type PositionSnapshot struct {
	Venue            string
	Symbol           string
	Side             Side
	Qty              float64
	EntryPrice       float64
	UnrealizedPnL    float64
	LiquidationPrice float64
	HasLiquidation   bool
	Leverage         float64
	MarginUsed       float64
	ObservedAt       time.Time
}

// AccountBalance is the venue's account-level balance/margin snapshot.
type AccountBalance struct {
	Venue          string
	TotalEquityUSD float64
	FreeMarginUSD  float64
	UsedMarginUSD  float64
}

// SymbolSpec is the per-venue mapping of a canonical symbol to its
// native representation, tick/step sizes and min notional.
type SymbolSpec struct {
	Venue                string
	Symbol               string // canonical, venue-agnostic (e.g. "BTC")
	NativeSymbol         string
	TickSize             float64
	StepSize             float64
	MinNotionalUSD       float64
	FundingIntervalHours float64 // 0 means "use venue default"
}

// BboCallback is invoked for every BBO update on a subscription. Per
// spec, delivery for one (venue, symbol) subscription is single
// threaded; callbacks across different subscriptions may interleave.
type BboCallback func(BBO)

// VenueClient is the uniform capability surface every exchange/DEX
// adapter exposes. AtomicTwoLegExecutor, PositionMonitor and
// RealTimeProfitMonitor depend only on this interface, never on a
// concrete adapter.
type VenueClient interface {
	Name() string

	FetchBBO(ctx context.Context, symbol string) (BBO, error)
	FetchFundingRates(ctx context.Context) (map[string]FundingRateSample, error)
	FetchMarketData(ctx context.Context) (map[string]MarketMetrics, error)

	PlaceLimit(ctx context.Context, req OrderRequest) (OrderResult, error)
	PlaceMarket(ctx context.Context, req OrderRequest) (OrderResult, error)
	Cancel(ctx context.Context, orderID string) error
	QueryOrder(ctx context.Context, orderID string) (OrderQuery, error)

	SubscribeBBO(ctx context.Context, symbol string, cb BboCallback) (unsubscribe func(), err error)

	FetchPosition(ctx context.Context, symbol string) (PositionSnapshot, error)
	FetchAccountBalance(ctx context.Context) (AccountBalance, error)

	SymbolSpec(ctx context.Context, symbol string) (SymbolSpec, error)
}
