// Package gateway resolves an account's configured credentials and
// proxy assignment into a live venue.VenueClient, and pools those
// clients with LRU eviction and a per-client circuit breaker so a
// venue outage for one account doesn't take down the whole process.
// Grounded on the teacher's multi-connection GatewayManager: same
// pool/eviction/health-check shape, generalized from pkg/exchanges
// spot/futures Gateways to venue.VenueClient and from a DB Connection
// row to the exchange_credentials/proxies/proxy_assignments tables.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"fundingarb-core/internal/venue"
	"fundingarb-core/internal/venue/binanceperp"
	"fundingarb-core/internal/venue/onchainperp"
	"fundingarb-core/pkg/crypto"
	"fundingarb-core/pkg/db"
)

var (
	ErrUnsupportedVenue  = errors.New("gateway: unsupported venue kind")
	ErrClientUnhealthy   = errors.New("gateway: venue client circuit open")
	ErrPoolFull          = errors.New("gateway: pool full")
)

// cachedClient holds a pooled VenueClient with lifecycle metadata.
type cachedClient struct {
	client    venue.VenueClient
	accountID string
	venueName string
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Config tunes a Pool.
type Config struct {
	MaxSize          int
	IdleTimeout      time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Pool builds and caches one venue.VenueClient per (accountID, venue)
// pair, decrypting credentials lazily on first use.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*cachedClient // "accountID:venue" -> cached client
	lru     []string

	cfg       Config
	crypto    *crypto.KeyManager
	db        *db.Database
	log       *zap.SugaredLogger
	loggerRaw *zap.Logger
}

// New builds a Pool.
func New(database *db.Database, keyMgr *crypto.KeyManager, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Pool{
		clients: make(map[string]*cachedClient),
		cfg:     cfg, crypto: keyMgr, db: database, log: logger.Sugar(), loggerRaw: logger,
	}
}

func poolKey(accountID, venueName string) string { return accountID + ":" + venueName }

// Get returns a cached VenueClient for (accountID, venueName), building
// one from the account's stored credentials/proxy assignment if this
// is the first request for that pair.
func (p *Pool) Get(ctx context.Context, accountID, venueName string) (venue.VenueClient, error) {
	key := poolKey(accountID, venueName)

	p.mu.RLock()
	if cached, ok := p.clients[key]; ok {
		if cached.failures >= p.cfg.FailureThreshold && time.Since(cached.healthyAt) < p.cfg.CircuitTimeout {
			p.mu.RUnlock()
			return nil, ErrClientUnhealthy
		}
		p.mu.RUnlock()
		p.touch(key)
		return cached.client, nil
	}
	p.mu.RUnlock()

	return p.create(ctx, accountID, venueName)
}

func (p *Pool) create(ctx context.Context, accountID, venueName string) (venue.VenueClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey(accountID, venueName)
	if cached, ok := p.clients[key]; ok {
		return cached.client, nil
	}
	if len(p.clients) >= p.cfg.MaxSize && !p.evictOldestLocked() {
		return nil, ErrPoolFull
	}

	info, err := p.db.GetVenueInfo(ctx, venueName)
	if err != nil {
		return nil, fmt.Errorf("gateway: venue info for %s: %w", venueName, err)
	}

	httpClient, err := p.proxyClient(ctx, accountID, venueName)
	if err != nil {
		return nil, err
	}

	vc, err := p.buildClient(ctx, info, accountID, venueName, httpClient)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p.clients[key] = &cachedClient{
		client: vc, accountID: accountID, venueName: venueName,
		createdAt: now, lastUsed: now, healthyAt: now,
	}
	p.lru = append(p.lru, key)
	return vc, nil
}

func (p *Pool) buildClient(ctx context.Context, info db.VenueInfo, accountID, venueName string, httpClient *http.Client) (venue.VenueClient, error) {
	switch info.Kind {
	case "cex":
		cred, err := p.db.GetCredential(ctx, accountID, venueName)
		if err != nil {
			return nil, fmt.Errorf("gateway: credential for %s/%s: %w", accountID, venueName, err)
		}
		apiKey, err := p.crypto.Decrypt(cred.APIKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("gateway: decrypt api key: %w", err)
		}
		apiSecret, err := p.crypto.Decrypt(cred.APISecretEncrypted)
		if err != nil {
			return nil, fmt.Errorf("gateway: decrypt api secret: %w", err)
		}
		return binanceperp.NewClient(binanceperp.Config{
			Name: venueName, APIKey: apiKey, APISecret: apiSecret,
			HTTPClient: httpClient, VenueDefaultIntervalHours: info.DefaultFundingIntervalHours,
			Logger: p.loggerRaw,
		}), nil
	case "onchain":
		// On-chain venues authenticate with a private key rather than an
		// API key/secret pair; it is stored (encrypted) in the same
		// exchange_credentials row, in the api_key_encrypted column.
		cred, err := p.db.GetCredential(ctx, accountID, venueName)
		if err != nil {
			return nil, fmt.Errorf("gateway: credential for %s/%s: %w", accountID, venueName, err)
		}
		privateKeyHex, err := p.crypto.Decrypt(cred.APIKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("gateway: decrypt private key: %w", err)
		}
		specs, err := p.symbolSpecs(ctx, venueName)
		if err != nil {
			return nil, err
		}
		return onchainperp.NewClient(ctx, onchainperp.Config{
			Name:                      venueName,
			RPCEndpoint:               info.RPCEndpoint,
			ChainID:                   info.ChainID,
			PerpMarketAddress:         common.HexToAddress(info.PerpMarketAddress),
			PrivateKeyHex:             privateKeyHex,
			VenueDefaultIntervalHours: info.DefaultFundingIntervalHours,
			SymbolSpecs:               specs,
			Logger:                    p.loggerRaw,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVenue, info.Kind)
	}
}

// symbolSpecs loads the venue_symbols catalog for a venue. An on-chain
// market contract cannot enumerate its own markets the way a CEX
// exchange-info sweep can, so the catalog is the source of which
// markets the client tracks.
func (p *Pool) symbolSpecs(ctx context.Context, venueName string) ([]venue.SymbolSpec, error) {
	rows, err := p.db.ListVenueSymbols(ctx, venueName)
	if err != nil {
		return nil, fmt.Errorf("gateway: venue symbols for %s: %w", venueName, err)
	}
	specs := make([]venue.SymbolSpec, 0, len(rows))
	for _, r := range rows {
		specs = append(specs, venue.SymbolSpec{
			Venue: r.Venue, Symbol: r.Symbol, NativeSymbol: r.NativeSymbol,
			TickSize: r.TickSize, StepSize: r.StepSize, MinNotionalUSD: r.MinNotionalUSD,
			FundingIntervalHours: r.FundingIntervalHours,
		})
	}
	return specs, nil
}

// proxyClient returns an *http.Client routed through the account's
// assigned proxy for venueName, or nil (direct) if none is assigned.
func (p *Pool) proxyClient(ctx context.Context, accountID, venueName string) (*http.Client, error) {
	proxy, err := p.db.GetAssignedProxy(ctx, accountID, venueName)
	if err != nil {
		return nil, nil
	}
	if !proxy.IsActive {
		return nil, nil
	}
	proxyURL, err := url.Parse(proxy.Address)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse proxy address %q: %w", proxy.Address, err)
	}
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}, nil
}

// RecordFailure marks a circuit-breaker failure for (accountID, venueName).
func (p *Pool) RecordFailure(accountID, venueName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.clients[poolKey(accountID, venueName)]; ok {
		cached.failures++
	}
}

// RecordSuccess clears a client's circuit-breaker failure count.
func (p *Pool) RecordSuccess(accountID, venueName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.clients[poolKey(accountID, venueName)]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// CleanupIdle evicts clients unused for longer than cfg.IdleTimeout.
// Intended to be called periodically from a maintenance goroutine.
func (p *Pool) CleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var stale []string
	for key, cached := range p.clients {
		if now.Sub(cached.lastUsed) > p.cfg.IdleTimeout {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(p.clients, key)
		p.removeLRULocked(key)
		p.log.Infow("evicted idle venue client", "key", key)
	}
}

func (p *Pool) touch(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.clients[key]; ok {
		cached.lastUsed = time.Now()
	}
	for i, id := range p.lru {
		if id == key {
			p.lru = append(p.lru[:i], p.lru[i+1:]...)
			p.lru = append(p.lru, key)
			break
		}
	}
}

func (p *Pool) removeLRULocked(key string) {
	for i, id := range p.lru {
		if id == key {
			p.lru = append(p.lru[:i], p.lru[i+1:]...)
			break
		}
	}
}

func (p *Pool) evictOldestLocked() bool {
	if len(p.lru) == 0 {
		return false
	}
	oldest := p.lru[0]
	delete(p.clients, oldest)
	p.lru = p.lru[1:]
	return true
}
