// Package onchainperp implements venue.VenueClient against an
// on-chain perpetual-futures DEX, grounded on the ContractClient
// Call/Send abstraction from ChoSanghyuk-blackholedex/blackhole.go:
// read-only view functions go through Call, state-changing calls are
// signed and broadcast through Send. This gives the funding-arb
// strategy a genuinely decentralized second venue to pair against the
// CEX-style binanceperp adapter, matching the "several decentralized
// derivatives venues" framing.
package onchainperp

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"fundingarb-core/internal/venue"
	"fundingarb-core/internal/venue/common/xabi"
)

// Config holds the chain connection and signer material for one
// account's on-chain venue client. PrivateKeyHex is opaque ciphertext
// until decrypted by the caller via pkg/crypto; this package only ever
// sees the decrypted key in memory for the lifetime of the process.
type Config struct {
	Name                string
	RPCEndpoint         string
	ChainID             int64
	PerpMarketAddress   common.Address
	PrivateKeyHex       string
	VenueDefaultIntervalHours float64
	// SymbolSpecs seeds the markets this client tracks. An on-chain
	// market contract has no "list every market" sweep endpoint the way
	// a CEX REST API does, so FetchFundingRates/FetchMarketData iterate
	// the seeded set; callers populate it from the venue_symbols
	// catalog (internal/gateway) or the instance's configured symbol
	// list (cmd/strategyrun's env fallback).
	SymbolSpecs []venue.SymbolSpec
	Logger              *zap.Logger
}

// ContractClient is the minimal read/write surface this adapter needs
// against the perp-market contract. A thin wrapper over
// ethclient.Client + bind.BoundContract, mirroring blackhole.go's
// Call(read)/Send(write) split.
type ContractClient interface {
	Call(ctx context.Context, method string, out interface{}, args ...interface{}) error
	Send(ctx context.Context, method string, args ...interface{}) (common.Hash, error)
	Address() common.Address
}

// Client is a VenueClient implementation for one on-chain perp market
// contract.
type Client struct {
	cfg     Config
	eth     *ethclient.Client
	market  ContractClient
	signer  *ecdsa.PrivateKey
	from    common.Address
	log     *zap.SugaredLogger

	mu          sync.RWMutex
	symbolCache map[string]venue.SymbolSpec
	fundingCache map[string]float64 // symbol -> observed interval hours
}

var _ venue.VenueClient = (*Client)(nil)

// perpMarketABI is the minimal ABI surface this adapter exercises. In
// production this is generated from the deployed contract's ABI JSON;
// kept inline here since the spec treats venues as external
// collaborators and does not fix a concrete ABI.
const perpMarketABI = `[
 {"name":"getFundingRate","type":"function","stateMutability":"view","inputs":[{"name":"market","type":"bytes32"}],"outputs":[{"name":"rateNative","type":"int256"},{"name":"intervalSeconds","type":"uint256"}]},
 {"name":"getMarkPrice","type":"function","stateMutability":"view","inputs":[{"name":"market","type":"bytes32"}],"outputs":[{"name":"price","type":"uint256"}]},
 {"name":"getBBO","type":"function","stateMutability":"view","inputs":[{"name":"market","type":"bytes32"}],"outputs":[{"name":"bid","type":"uint256"},{"name":"ask","type":"uint256"}]},
 {"name":"getOpenInterest","type":"function","stateMutability":"view","inputs":[{"name":"market","type":"bytes32"}],"outputs":[{"name":"oiUsd","type":"uint256"}]},
 {"name":"getPosition","type":"function","stateMutability":"view","inputs":[{"name":"trader","type":"address"},{"name":"market","type":"bytes32"}],"outputs":[{"name":"qty","type":"int256"},{"name":"entryPrice","type":"uint256"},{"name":"liquidationPrice","type":"uint256"},{"name":"marginUsed","type":"uint256"}]},
 {"name":"getFreeCollateral","type":"function","stateMutability":"view","inputs":[{"name":"trader","type":"address"}],"outputs":[{"name":"freeUsd","type":"uint256"},{"name":"totalUsd","type":"uint256"}]},
 {"name":"placeOrder","type":"function","stateMutability":"nonpayable","inputs":[{"name":"market","type":"bytes32"},{"name":"isBuy","type":"bool"},{"name":"qty","type":"uint256"},{"name":"price","type":"uint256"},{"name":"reduceOnly","type":"bool"},{"name":"clientOrderId","type":"bytes32"}],"outputs":[{"name":"orderId","type":"bytes32"}]},
 {"name":"placeMarketOrder","type":"function","stateMutability":"nonpayable","inputs":[{"name":"market","type":"bytes32"},{"name":"isBuy","type":"bool"},{"name":"qty","type":"uint256"},{"name":"clientOrderId","type":"bytes32"}],"outputs":[{"name":"orderId","type":"bytes32"}]},
 {"name":"cancelOrder","type":"function","stateMutability":"nonpayable","inputs":[{"name":"orderId","type":"bytes32"}],"outputs":[]},
 {"name":"getOrder","type":"function","stateMutability":"view","inputs":[{"name":"orderId","type":"bytes32"}],"outputs":[{"name":"status","type":"uint8"},{"name":"filledQty","type":"uint256"},{"name":"avgPrice","type":"uint256"}]},
 {"anonymous":false,"name":"BBOUpdated","type":"event","inputs":[{"name":"market","type":"bytes32","indexed":true},{"name":"bid","type":"uint256"},{"name":"ask","type":"uint256"}]}
]`

// NewClient dials the chain RPC endpoint and binds the perp market
// contract.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	ethc, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("onchainperp: dial rpc: %w", err)
	}
	parsedABI, err := abi.JSON(strings.NewReader(perpMarketABI))
	if err != nil {
		return nil, fmt.Errorf("onchainperp: parse abi: %w", err)
	}

	var signer *ecdsa.PrivateKey
	var from common.Address
	if cfg.PrivateKeyHex != "" {
		key, kerr := xabi.ParsePrivateKey(cfg.PrivateKeyHex)
		if kerr != nil {
			return nil, fmt.Errorf("onchainperp: parse private key: %w", kerr)
		}
		signer = key
		from = crypto.PubkeyToAddress(key.PublicKey)
	}

	bound := bind.NewBoundContract(cfg.PerpMarketAddress, parsedABI, ethc, ethc, ethc)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.VenueDefaultIntervalHours == 0 {
		cfg.VenueDefaultIntervalHours = 1 // many on-chain perp DEXs settle funding hourly
	}

	c := &Client{
		cfg:    cfg,
		eth:    ethc,
		signer: signer,
		from:   from,
		log:    logger.Sugar().With("venue", cfg.Name),
		symbolCache: make(map[string]venue.SymbolSpec),
		fundingCache: make(map[string]float64),
	}
	for _, spec := range cfg.SymbolSpecs {
		if spec.NativeSymbol == "" {
			spec.NativeSymbol = spec.Symbol
		}
		if spec.Venue == "" {
			spec.Venue = cfg.Name
		}
		c.symbolCache[spec.Symbol] = spec
		if spec.FundingIntervalHours > 0 {
			c.fundingCache[spec.Symbol] = spec.FundingIntervalHours
		}
	}
	c.market = &boundContractClient{contract: bound, chainID: big.NewInt(cfg.ChainID), signer: signer, from: from}
	return c, nil
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) marketID(symbol string) [32]byte {
	var id [32]byte
	copy(id[:], []byte(symbol))
	return id
}

func (c *Client) FetchBBO(ctx context.Context, symbol string) (venue.BBO, error) {
	var out struct {
		Bid *big.Int
		Ask *big.Int
	}
	if err := c.market.Call(ctx, "getBBO", &out, c.marketID(symbol)); err != nil {
		return venue.BBO{}, fmt.Errorf("%w: %v", venue.ErrVenueUnavailable, err)
	}
	if out.Bid == nil || out.Ask == nil || out.Bid.Sign() <= 0 || out.Ask.Sign() <= 0 {
		return venue.BBO{}, venue.ErrVenueUnavailable
	}
	return venue.BBO{
		Symbol: symbol, Venue: c.cfg.Name,
		Bid: xabi.FromWad(out.Bid), Ask: xabi.FromWad(out.Ask), Ts: time.Now(),
	}, nil
}

func (c *Client) FetchFundingRates(ctx context.Context) (map[string]venue.FundingRateSample, error) {
	out := make(map[string]venue.FundingRateSample)
	for symbol := range c.knownSymbols() {
		var res struct {
			RateNative      *big.Int
			IntervalSeconds *big.Int
		}
		if err := c.market.Call(ctx, "getFundingRate", &res, c.marketID(symbol)); err != nil {
			c.log.Warnw("funding rate call failed", "symbol", symbol, "err", err)
			continue
		}
		intervalHours := c.cfg.VenueDefaultIntervalHours
		if res.IntervalSeconds != nil && res.IntervalSeconds.Sign() > 0 {
			intervalHours = float64(res.IntervalSeconds.Int64()) / 3600
		}
		c.cacheInterval(symbol, intervalHours)

		sample := venue.FundingRateSample{
			Venue:      c.cfg.Name,
			Symbol:     symbol,
			RateNative: xabi.FromSignedWad(res.RateNative),
			ObservedAt: time.Now(),
		}
		venue.NormalizeSample(&sample, intervalHours)
		out[symbol] = sample
	}
	return out, nil
}

func (c *Client) FetchMarketData(ctx context.Context) (map[string]venue.MarketMetrics, error) {
	out := make(map[string]venue.MarketMetrics)
	for symbol := range c.knownSymbols() {
		var oi *big.Int
		if err := c.market.Call(ctx, "getOpenInterest", &oi, c.marketID(symbol)); err != nil {
			continue
		}
		out[symbol] = venue.MarketMetrics{Venue: c.cfg.Name, Symbol: symbol, OpenInterestUSD: xabi.FromWad(oi)}
	}
	return out, nil
}

func (c *Client) PlaceLimit(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	var orderID [32]byte
	copy(orderID[:], []byte(req.ClientOrderID))
	hash, err := c.market.Send(ctx, "placeOrder", c.marketID(req.Symbol), req.Side == venue.SideLong || req.Side == venue.SideBuy,
		xabi.ToWad(req.Qty), xabi.ToWad(req.Price), false, orderID)
	if err != nil {
		return venue.OrderResult{}, err
	}
	return venue.OrderResult{OrderID: hash.Hex(), ClientOrderID: req.ClientOrderID, Status: venue.OrderStatusNew, SubmittedAt: time.Now()}, nil
}

func (c *Client) PlaceMarket(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	var orderID [32]byte
	copy(orderID[:], []byte(req.ClientOrderID))
	hash, err := c.market.Send(ctx, "placeMarketOrder", c.marketID(req.Symbol), req.Side == venue.SideLong || req.Side == venue.SideBuy,
		xabi.ToWad(req.Qty), orderID)
	if err != nil {
		return venue.OrderResult{}, err
	}
	return venue.OrderResult{OrderID: hash.Hex(), ClientOrderID: req.ClientOrderID, Status: venue.OrderStatusFilled, SubmittedAt: time.Now()}, nil
}

func (c *Client) Cancel(ctx context.Context, orderID string) error {
	var id [32]byte
	copy(id[:], []byte(orderID))
	_, err := c.market.Send(ctx, "cancelOrder", id)
	return err
}

func (c *Client) QueryOrder(ctx context.Context, orderID string) (venue.OrderQuery, error) {
	var id [32]byte
	copy(id[:], []byte(orderID))
	var res struct {
		Status    uint8
		FilledQty *big.Int
		AvgPrice  *big.Int
	}
	if err := c.market.Call(ctx, "getOrder", &res, id); err != nil {
		return venue.OrderQuery{}, fmt.Errorf("%w: %v", venue.ErrOrderNotFound, err)
	}
	return venue.OrderQuery{
		Status:    onchainStatus(res.Status),
		FilledQty: xabi.FromWad(res.FilledQty),
		AvgPrice:  xabi.FromWad(res.AvgPrice),
	}, nil
}

func (c *Client) SubscribeBBO(ctx context.Context, symbol string, cb venue.BboCallback) (func(), error) {
	query := ethereum.FilterQuery{Addresses: []common.Address{c.cfg.PerpMarketAddress}}
	logs := make(chan types.Log, 32)
	sub, err := c.eth.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe logs: %v", venue.ErrVenueUnavailable, err)
	}

	stop := make(chan struct{})
	go func() {
		defer sub.Unsubscribe()
		// Re-deliver current BBO immediately on subscribe, matching the
		// "reconnections re-deliver current BBO at least once" contract.
		if bbo, ferr := c.FetchBBO(ctx, symbol); ferr == nil {
			cb(bbo)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case err := <-sub.Err():
				c.log.Warnw("log subscription error, refetching via call", "symbol", symbol, "err", err)
				if bbo, ferr := c.FetchBBO(ctx, symbol); ferr == nil {
					cb(bbo)
				}
			case <-logs:
				if bbo, ferr := c.FetchBBO(ctx, symbol); ferr == nil {
					cb(bbo)
				}
			}
		}
	}()

	return func() { close(stop) }, nil
}

func (c *Client) FetchPosition(ctx context.Context, symbol string) (venue.PositionSnapshot, error) {
	var res struct {
		Qty              *big.Int
		EntryPrice       *big.Int
		LiquidationPrice *big.Int
		MarginUsed       *big.Int
	}
	if err := c.market.Call(ctx, "getPosition", &res, c.from, c.marketID(symbol)); err != nil {
		return venue.PositionSnapshot{}, fmt.Errorf("%w: %v", venue.ErrVenueUnavailable, err)
	}
	qty := xabi.FromSignedWad(res.Qty)
	side := venue.SideLong
	if qty < 0 {
		side = venue.SideShort
	}
	return venue.PositionSnapshot{
		Venue: c.cfg.Name, Symbol: symbol, Side: side, Qty: qty,
		EntryPrice: xabi.FromWad(res.EntryPrice), LiquidationPrice: xabi.FromWad(res.LiquidationPrice),
		HasLiquidation: res.LiquidationPrice != nil && res.LiquidationPrice.Sign() > 0,
		MarginUsed:     xabi.FromWad(res.MarginUsed),
		ObservedAt:     time.Now(),
	}, nil
}

func (c *Client) FetchAccountBalance(ctx context.Context) (venue.AccountBalance, error) {
	var res struct {
		FreeUSD  *big.Int
		TotalUSD *big.Int
	}
	if err := c.market.Call(ctx, "getFreeCollateral", &res, c.from); err != nil {
		return venue.AccountBalance{}, fmt.Errorf("%w: %v", venue.ErrVenueUnavailable, err)
	}
	free := xabi.FromWad(res.FreeUSD)
	total := xabi.FromWad(res.TotalUSD)
	return venue.AccountBalance{Venue: c.cfg.Name, TotalEquityUSD: total, FreeMarginUSD: free, UsedMarginUSD: total - free}, nil
}

func (c *Client) SymbolSpec(ctx context.Context, symbol string) (venue.SymbolSpec, error) {
	c.mu.RLock()
	if spec, ok := c.symbolCache[symbol]; ok {
		c.mu.RUnlock()
		return spec, nil
	}
	c.mu.RUnlock()
	// On-chain perp DEXs generally use 18-decimal fixed point with no
	// exchange-level lot size; step size is a protocol-wide constant.
	spec := venue.SymbolSpec{Venue: c.cfg.Name, Symbol: symbol, NativeSymbol: symbol, TickSize: 0.0001, StepSize: 0.0001, MinNotionalUSD: 10}
	c.mu.Lock()
	c.symbolCache[symbol] = spec
	c.mu.Unlock()
	return spec, nil
}

func (c *Client) knownSymbols() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{}, len(c.symbolCache))
	for s := range c.symbolCache {
		out[s] = struct{}{}
	}
	return out
}

func (c *Client) cacheInterval(symbol string, hours float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.fundingCache[symbol]; ok && prev != hours {
		c.log.Warnw("observed funding interval differs from cached value", "symbol", symbol, "cached", prev, "observed", hours)
	}
	c.fundingCache[symbol] = hours
}

// boundContractClient adapts go-ethereum's bind.BoundContract to the
// narrow ContractClient interface, keeping the call/transact split
// that blackhole.go's ContractClient exposes: Call never signs or
// spends gas, Send always does.
type boundContractClient struct {
	contract *bind.BoundContract
	chainID  *big.Int
	signer   *ecdsa.PrivateKey
	from     common.Address
}

func (b *boundContractClient) Address() common.Address { return b.from }

func (b *boundContractClient) Call(ctx context.Context, method string, out interface{}, args ...interface{}) error {
	results := []interface{}{out}
	opts := &bind.CallOpts{Context: ctx}
	return b.contract.Call(opts, &results, method, args...)
}

func (b *boundContractClient) Send(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	if b.signer == nil {
		return common.Hash{}, fmt.Errorf("onchainperp: no signer configured for write call %q", method)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(b.signer, b.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("onchainperp: build transactor: %w", err)
	}
	auth.Context = ctx
	tx, err := b.contract.Transact(auth, method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("onchainperp: send %s: %w", method, err)
	}
	return tx.Hash(), nil
}

func onchainStatus(code uint8) venue.OrderStatus {
	switch code {
	case 0:
		return venue.OrderStatusNew
	case 1:
		return venue.OrderStatusPartiallyFilled
	case 2:
		return venue.OrderStatusFilled
	case 3:
		return venue.OrderStatusCanceled
	default:
		return venue.OrderStatusRejected
	}
}
