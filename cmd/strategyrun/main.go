// Command strategyrun is one funding-arb strategy instance: it loads
// a sealed TOML InstanceConfig, builds its venue clients, and runs the
// Scan/Manage loop until terminated. The supervisor (cmd/fundingarb)
// launches one of these per configured instance and tracks its PID in
// strategy_runs for boot-time reconciliation.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fundingarb-core/internal/appconfig"
	"fundingarb-core/internal/cache"
	"fundingarb-core/internal/control"
	"fundingarb-core/internal/funding"
	"fundingarb-core/internal/gateway"
	"fundingarb-core/internal/risk"
	"fundingarb-core/internal/strategy"
	"fundingarb-core/internal/venue"
	"fundingarb-core/internal/venue/binanceperp"
	"fundingarb-core/internal/venue/onchainperp"
	"fundingarb-core/pkg/crypto"
	"fundingarb-core/pkg/db"
	"fundingarb-core/pkg/eventbus"
	"fundingarb-core/pkg/logging"
	"fundingarb-core/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to the instance TOML config")
	runID := flag.String("run-id", "", "strategy_runs row id assigned by the supervisor")
	dbPath := flag.String("db", "./data/fundingarb.db", "shared sqlite database path")
	controlAddr := flag.String("control-addr", "", "address for this instance's control-plane HTTP server, e.g. :9101 (empty disables it)")
	jwtSecret := flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "shared secret for control-plane JWT auth")
	redisAddr := flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "shared redis address for the cross-process funding-rate cache (empty disables mirroring)")
	fundingPeriod := flag.Duration("funding-scan-period", 30*time.Second, "how often each venue is polled for funding rates")
	flag.Parse()

	log := logging.New(logging.Config{Level: "info", JSON: true})
	defer log.Sync()
	sugar := log.Sugar()

	if *configPath == "" {
		sugar.Fatal("strategyrun: -config is required")
	}

	cfg, err := appconfig.LoadInstanceConfig(*configPath)
	if err != nil {
		sugar.Fatalw("load instance config failed", "err", err)
	}

	database, err := db.New(*dbPath)
	if err != nil {
		sugar.Fatalw("open database failed", "err", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		sugar.Fatalw("apply migrations failed", "err", err)
	}

	keyMgr, err := crypto.NewKeyManager()
	if err != nil {
		sugar.Fatalw("key manager init failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gwPool := gateway.New(database, keyMgr, gateway.DefaultConfig(), log)

	venues, err := buildVenues(ctx, *cfg, gwPool, keyMgr, log)
	if err != nil {
		sugar.Fatalw("build venue clients failed", "err", err)
	}

	strategyRunID := *runID
	if strategyRunID == "" {
		strategyRunID = cfg.Name
	}

	limiter, err := risk.New(database, strategyRunID, cfg.AccountID, db.SafetyLimits{
		MaxOpenPositions:  cfg.MaxOpenPositions,
		MaxLegNotionalUSD: cfg.MaxLegNotionalUSD,
		MaxDailyLosses:    3,
	})
	if err != nil {
		sugar.Fatalw("init risk limiter failed", "err", err)
	}

	bus := eventbus.New()

	fa, err := strategy.New(*cfg, venues, database, strategyRunID, limiter, log, bus)
	if err != nil {
		sugar.Fatalw("build strategy failed", "err", err)
	}

	var fundingCache *cache.FundingCache
	if *redisAddr != "" {
		fundingCache = cache.NewFundingCache(cache.Config{Addr: *redisAddr})
	}
	collector := funding.New(database, fundingCache, log, venues, *fundingPeriod)
	go collector.Run(ctx)

	sampler := funding.NewPaymentSampler(database, log, cfg.AccountID, time.Minute)
	go sampler.Run(ctx)

	if *controlAddr != "" {
		reg := metrics.New()
		srv := control.New(database, cfg.AccountID, strategyRunID, limiter, *jwtSecret, reg, bus, log)
		go func() {
			if err := srv.Start(*controlAddr); err != nil {
				sugar.Warnw("instance control-plane server error", "err", err)
			}
		}()
	}

	scanTicker := time.NewTicker(cfg.ScanInterval())
	manageTicker := time.NewTicker(cfg.MonitorInterval())
	heartbeat := time.NewTicker(10 * time.Second)
	defer scanTicker.Stop()
	defer manageTicker.Stop()
	defer heartbeat.Stop()

	sugar.Infow("strategy instance started", "name", cfg.Name, "venues", cfg.AllVenues())
	for {
		select {
		case <-ctx.Done():
			sugar.Info("strategy instance shutting down")
			return
		case <-scanTicker.C:
			if err := fa.Scan(ctx); err != nil {
				sugar.Warnw("scan cycle failed", "err", err)
			}
		case <-manageTicker.C:
			if err := fa.Manage(ctx); err != nil {
				sugar.Warnw("manage cycle failed", "err", err)
			}
		case <-heartbeat.C:
			if err := database.Heartbeat(ctx, strategyRunID, time.Now()); err != nil {
				sugar.Warnw("heartbeat write failed", "err", err)
			}
		}
	}
}

// buildVenues resolves each configured venue name to a client, preferring
// the account's stored credentials/proxy assignment via internal/gateway
// and falling back to direct env-var construction when no DB row exists
// yet for that (account, venue) pair — e.g. a freshly bootstrapped
// instance whose operator hasn't run the onboarding flow that populates
// exchange_credentials/proxies/venues.
func buildVenues(ctx context.Context, cfg appconfig.InstanceConfig, gwPool *gateway.Pool, keyMgr *crypto.KeyManager, log *zap.Logger) (map[string]venue.VenueClient, error) {
	allVenues := cfg.AllVenues()
	venues := make(map[string]venue.VenueClient, len(allVenues))
	for _, name := range allVenues {
		vc, err := gwPool.Get(ctx, cfg.AccountID, name)
		if err != nil {
			log.Sugar().Infow("gateway pool miss, falling back to env-configured venue client", "venue", name, "err", err)
			vc, err = buildVenueFromEnv(name, cfg.Symbols, keyMgr, log)
			if err != nil {
				return nil, err
			}
		}
		venues[name] = vc
	}
	return venues, nil
}

// buildVenueFromEnv maps a configured venue name to a concrete adapter
// using plain environment variables, for instances run ahead of an
// operator populating the exchange_credentials/venues tables.
func buildVenueFromEnv(name string, symbols []string, keyMgr *crypto.KeyManager, log *zap.Logger) (venue.VenueClient, error) {
	switch name {
	case "binanceperp":
		apiKey, err := keyMgr.Decrypt(os.Getenv("BINANCEPERP_API_KEY_ENC"))
		if err != nil {
			return nil, err
		}
		secret, err := keyMgr.Decrypt(os.Getenv("BINANCEPERP_API_SECRET_ENC"))
		if err != nil {
			return nil, err
		}
		return binanceperp.NewClient(binanceperp.Config{
			Name: name, APIKey: apiKey, APISecret: secret,
			Testnet: os.Getenv("BINANCEPERP_TESTNET") == "true", Logger: log,
		}), nil
	default:
		// Without a venue_symbols catalog row to seed from, the
		// instance's own configured symbol list is what the on-chain
		// client tracks.
		specs := make([]venue.SymbolSpec, 0, len(symbols))
		for _, s := range symbols {
			specs = append(specs, venue.SymbolSpec{Venue: name, Symbol: s})
		}
		return onchainperp.NewClient(context.Background(), onchainperp.Config{
			Name:          name,
			RPCEndpoint:   os.Getenv(name + "_RPC_ENDPOINT"),
			PrivateKeyHex: os.Getenv(name + "_PRIVATE_KEY"),
			SymbolSpecs:   specs,
			Logger:        log,
		})
	}
}
