package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"liqcore/config"
	"liqcore/events"
	"liqcore/liquidation"
	"liqcore/modcache"
	"liqcore/observability/logging"
	"liqcore/query"
	"liqcore/risk"
	"liqcore/storage"
	"liqcore/valuation"
)

func main() {
	configPath := flag.String("config", "", "path to the liqcored TOML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "liqcored: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	params, err := cfg.Parameters()
	if err != nil {
		return err
	}

	logger := logging.Setup("liqcored", params.Environment)

	db, err := openDatabase(params)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	emitter := events.NewLogEmitter(logging.Component(logger, "events"))

	cache := modcache.New(
		modcache.WithDefaultMaxAge(params.CacheMaxAge),
		modcache.WithRollbackTolerance(params.RollbackTolerance),
		modcache.WithEmitter(emitter),
	)
	if len(params.AllowedCallers) > 0 {
		allowed := make(map[common.Address]struct{}, len(params.AllowedCallers))
		for _, caller := range params.AllowedCallers {
			allowed[caller] = struct{}{}
		}
		cache.SetAccessController(func(caller common.Address) bool {
			_, ok := allowed[caller]
			return ok
		})
	}

	if params.ChainRPCURL == "" {
		return errors.New("liqcored: chain RPCURL is required")
	}
	directory, err := newChainDirectory(params.ChainRPCURL)
	if err != nil {
		return err
	}
	defer directory.Close()

	assessor, err := risk.NewAssessor(cache, directory, params.LiquidationThresholdBps)
	if err != nil {
		return err
	}

	engine := liquidation.NewEngine(cache, directory, params.BonusRateBps)
	engine.SetState(liquidation.NewStoreState(db))
	engine.SetAssessor(assessor)
	engine.SetEmitter(emitter)
	engine.SetLogger(logging.Component(logger, "liquidation"))

	queries, err := query.NewService(assessor, engine)
	if err != nil {
		return err
	}

	valuer := valuation.NewEngine(valuation.WithEmitter(emitter))
	for _, asset := range params.Stablecoins {
		valuer.RegisterStablecoin(asset)
	}
	for asset, price := range params.DefaultPrices {
		valuer.SetDefaultPrice(asset, price)
	}
	degradation := valuation.DegradationConfig{
		ConservativeRatioBps:   params.ConservativeRatioBps,
		UseStablecoinFaceValue: params.UseStablecoinFaceValue,
		EnablePriceCache:       params.EnablePriceCache,
		SettlementToken:        params.SettlementToken,
		MaxQuoteAge:            params.MaxQuoteAge,
		MaxDeviationBps:        params.MaxDeviationBps,
	}

	api := newServer(cache, queries, valuer, directory, degradation, params.RateLimitPerSecond, logging.Component(logger, "api"))
	srv := &http.Server{
		Addr:    params.ListenAddress,
		Handler: api.handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", params.ListenAddress, "storage", params.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), params.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func openDatabase(params config.Parameters) (storage.Database, error) {
	switch params.StorageBackend {
	case "memory":
		return storage.NewMemDB(), nil
	case "leveldb":
		return storage.NewLevelDB(params.StoragePath)
	case "bolt":
		return storage.NewBoltDB(params.StoragePath)
	default:
		return nil, fmt.Errorf("liqcored: unknown storage backend %q", params.StorageBackend)
	}
}
