package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Default values applied by Normalise when the file leaves a field unset.
const (
	DefaultListenAddress         = ":8480"
	DefaultStorageBackend        = "memory"
	DefaultLiquidationThreshold  = 10_500
	DefaultBonusRateBps          = 500
	DefaultConservativeRatioBps  = 5_000
	DefaultCacheMaxAgeSeconds    = 300
	DefaultMaxQuoteAgeSeconds    = 60
	DefaultMaxDeviationBps       = 2_000
	DefaultRateLimitPerSecond    = 50
	DefaultShutdownTimeoutSecond = 10
)

// Config is the on-disk TOML shape of the service configuration. Values are
// kept in file-friendly types; Parameters converts them into validated
// runtime settings.
type Config struct {
	Service     ServiceConfig     `toml:"service"`
	Storage     StorageConfig     `toml:"storage"`
	Cache       CacheConfig       `toml:"cache"`
	Chain       ChainConfig       `toml:"chain"`
	Risk        RiskConfig        `toml:"risk"`
	Liquidation LiquidationConfig `toml:"liquidation"`
	Valuation   ValuationConfig   `toml:"valuation"`
}

// ChainConfig points the service at the chain hosting the ledger contracts.
type ChainConfig struct {
	RPCURL string `toml:"RPCURL"`
}

// ServiceConfig covers the HTTP surface of the binary.
type ServiceConfig struct {
	ListenAddress          string `toml:"ListenAddress"`
	Environment            string `toml:"Environment"`
	RateLimitPerSecond     int    `toml:"RateLimitPerSecond"`
	ShutdownTimeoutSeconds int    `toml:"ShutdownTimeoutSeconds"`
}

// StorageConfig selects and locates the record store backend.
type StorageConfig struct {
	Backend string `toml:"Backend"` // memory, leveldb, or bolt
	Path    string `toml:"Path"`
}

// CacheConfig tunes the module resolution cache. A non-empty AllowedCallers
// list installs an access controller admitting only those addresses to
// mutating cache operations.
type CacheConfig struct {
	MaxAgeSeconds     int      `toml:"MaxAgeSeconds"`
	RollbackTolerance bool     `toml:"RollbackTolerance"`
	AllowedCallers    []string `toml:"AllowedCallers"`
}

// RiskConfig carries the liquidation threshold.
type RiskConfig struct {
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
}

// LiquidationConfig carries the execution core settings.
type LiquidationConfig struct {
	BonusRateBps uint64 `toml:"BonusRateBps"`
}

// ValuationConfig carries the degraded-pricing policy. Stablecoins lists the
// assets eligible for the face-value tier; DefaultPrices maps asset addresses
// to default-tier prices in settlement wei.
type ValuationConfig struct {
	ConservativeRatioBps   uint64            `toml:"ConservativeRatioBps"`
	UseStablecoinFaceValue bool              `toml:"UseStablecoinFaceValue"`
	EnablePriceCache       bool              `toml:"EnablePriceCache"`
	SettlementToken        string            `toml:"SettlementToken"`
	MaxQuoteAgeSeconds     int               `toml:"MaxQuoteAgeSeconds"`
	MaxDeviationBps        uint64            `toml:"MaxDeviationBps"`
	Stablecoins            []string          `toml:"Stablecoins"`
	DefaultPrices          map[string]string `toml:"DefaultPrices"`
}

// Parameters is the validated runtime form of Config.
type Parameters struct {
	ListenAddress           string
	Environment             string
	RateLimitPerSecond      int
	ShutdownTimeout         time.Duration
	StorageBackend          string
	StoragePath             string
	ChainRPCURL             string
	CacheMaxAge             time.Duration
	RollbackTolerance       bool
	LiquidationThresholdBps uint64
	BonusRateBps            uint64
	ConservativeRatioBps    uint64
	UseStablecoinFaceValue  bool
	EnablePriceCache        bool
	SettlementToken         common.Address
	MaxQuoteAge             time.Duration
	MaxDeviationBps         uint64
	Stablecoins             []common.Address
	DefaultPrices           map[common.Address]*big.Int
	AllowedCallers          []common.Address
}

// Load reads and decodes the TOML file at path. An empty path yields the
// normalised zero configuration so the binary can run on defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg.Normalise(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg.Normalise(), nil
}

// Normalise trims whitespace and applies canonical defaults to a defensive
// copy.
func (c Config) Normalise() Config {
	cfg := c
	cfg.Service.ListenAddress = strings.TrimSpace(cfg.Service.ListenAddress)
	if cfg.Service.ListenAddress == "" {
		cfg.Service.ListenAddress = DefaultListenAddress
	}
	cfg.Service.Environment = strings.TrimSpace(cfg.Service.Environment)
	if cfg.Service.Environment == "" {
		cfg.Service.Environment = "development"
	}
	if cfg.Service.RateLimitPerSecond <= 0 {
		cfg.Service.RateLimitPerSecond = DefaultRateLimitPerSecond
	}
	if cfg.Service.ShutdownTimeoutSeconds <= 0 {
		cfg.Service.ShutdownTimeoutSeconds = DefaultShutdownTimeoutSecond
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	cfg.Chain.RPCURL = strings.TrimSpace(cfg.Chain.RPCURL)
	if cfg.Cache.MaxAgeSeconds <= 0 {
		cfg.Cache.MaxAgeSeconds = DefaultCacheMaxAgeSeconds
	}
	if cfg.Risk.LiquidationThresholdBps == 0 {
		cfg.Risk.LiquidationThresholdBps = DefaultLiquidationThreshold
	}
	if cfg.Liquidation.BonusRateBps == 0 {
		cfg.Liquidation.BonusRateBps = DefaultBonusRateBps
	}
	if cfg.Valuation.ConservativeRatioBps == 0 {
		cfg.Valuation.ConservativeRatioBps = DefaultConservativeRatioBps
	}
	cfg.Valuation.SettlementToken = strings.TrimSpace(cfg.Valuation.SettlementToken)
	if cfg.Valuation.MaxQuoteAgeSeconds <= 0 {
		cfg.Valuation.MaxQuoteAgeSeconds = DefaultMaxQuoteAgeSeconds
	}
	if cfg.Valuation.MaxDeviationBps == 0 {
		cfg.Valuation.MaxDeviationBps = DefaultMaxDeviationBps
	}
	cfg.Valuation.Stablecoins = trim(cfg.Valuation.Stablecoins)
	cfg.Cache.AllowedCallers = trim(cfg.Cache.AllowedCallers)
	return cfg
}

func trim(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// Parameters converts the configuration into validated runtime settings.
func (c Config) Parameters() (Parameters, error) {
	cfg := c.Normalise()
	params := Parameters{
		ListenAddress:           cfg.Service.ListenAddress,
		Environment:             cfg.Service.Environment,
		RateLimitPerSecond:      cfg.Service.RateLimitPerSecond,
		ShutdownTimeout:         time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second,
		StorageBackend:          cfg.Storage.Backend,
		StoragePath:             cfg.Storage.Path,
		ChainRPCURL:             cfg.Chain.RPCURL,
		CacheMaxAge:             time.Duration(cfg.Cache.MaxAgeSeconds) * time.Second,
		RollbackTolerance:       cfg.Cache.RollbackTolerance,
		LiquidationThresholdBps: cfg.Risk.LiquidationThresholdBps,
		BonusRateBps:            cfg.Liquidation.BonusRateBps,
		ConservativeRatioBps:    cfg.Valuation.ConservativeRatioBps,
		UseStablecoinFaceValue:  cfg.Valuation.UseStablecoinFaceValue,
		EnablePriceCache:        cfg.Valuation.EnablePriceCache,
		MaxQuoteAge:             time.Duration(cfg.Valuation.MaxQuoteAgeSeconds) * time.Second,
		MaxDeviationBps:         cfg.Valuation.MaxDeviationBps,
	}
	switch params.StorageBackend {
	case "memory":
	case "leveldb", "bolt":
		if params.StoragePath == "" {
			return params, fmt.Errorf("config: storage backend %q requires a Path", params.StorageBackend)
		}
	default:
		return params, fmt.Errorf("config: unknown storage backend %q", params.StorageBackend)
	}
	if params.LiquidationThresholdBps < 10_000 || params.LiquidationThresholdBps > 15_000 {
		return params, fmt.Errorf("config: LiquidationThresholdBps %d outside 100%%-150%% band", params.LiquidationThresholdBps)
	}
	if params.BonusRateBps > 10_000 {
		return params, fmt.Errorf("config: BonusRateBps %d exceeds 100%%", params.BonusRateBps)
	}
	if params.ConservativeRatioBps > 10_000 {
		return params, fmt.Errorf("config: ConservativeRatioBps %d exceeds 100%%", params.ConservativeRatioBps)
	}
	if cfg.Valuation.SettlementToken != "" {
		if !common.IsHexAddress(cfg.Valuation.SettlementToken) {
			return params, fmt.Errorf("config: invalid SettlementToken %q", cfg.Valuation.SettlementToken)
		}
		params.SettlementToken = common.HexToAddress(cfg.Valuation.SettlementToken)
	}
	for _, entry := range cfg.Valuation.Stablecoins {
		if !common.IsHexAddress(entry) {
			return params, fmt.Errorf("config: invalid stablecoin address %q", entry)
		}
		params.Stablecoins = append(params.Stablecoins, common.HexToAddress(entry))
	}
	if len(cfg.Valuation.DefaultPrices) > 0 {
		params.DefaultPrices = make(map[common.Address]*big.Int, len(cfg.Valuation.DefaultPrices))
		for asset, raw := range cfg.Valuation.DefaultPrices {
			if !common.IsHexAddress(asset) {
				return params, fmt.Errorf("config: invalid default price asset %q", asset)
			}
			price, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
			if !ok || price.Sign() <= 0 {
				return params, fmt.Errorf("config: invalid default price %q for asset %s", raw, asset)
			}
			params.DefaultPrices[common.HexToAddress(asset)] = price
		}
	}
	for _, entry := range cfg.Cache.AllowedCallers {
		if !common.IsHexAddress(entry) {
			return params, fmt.Errorf("config: invalid allowed caller %q", entry)
		}
		params.AllowedCallers = append(params.AllowedCallers, common.HexToAddress(entry))
	}
	return params, nil
}
