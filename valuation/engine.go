package valuation

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"liqcore/events"
	"liqcore/observability"
)

// ErrZeroAsset is the only error the valuation path reports: malformed input.
// Price source failures are recovered locally and never surface as errors.
var ErrZeroAsset = errors.New("valuation: asset must not be zero")

var (
	basisPoints = big.NewInt(10_000)
	amountUnit  = mustBigInt("1000000000000000000") // 1e18 amount scale
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Quote captures a price for an asset along with the timestamp reported by
// the upstream source and the source identifier.
type Quote struct {
	Price     *big.Int
	UpdatedAt time.Time
	Source    string
}

// PriceSource resolves a price for the provided asset. Prices are denominated
// in settlement-token wei per 1e18 asset units.
type PriceSource interface {
	GetPrice(asset common.Address) (Quote, error)
}

// DegradationConfig steers a single valuation call. It is supplied by the
// caller and never stored.
type DegradationConfig struct {
	// ConservativeRatioBps scales substituted fallback values downward to
	// bias toward under-valuation. Zero disables the scaling.
	ConservativeRatioBps uint64
	// UseStablecoinFaceValue permits a 1:1 face value against the
	// settlement token when the asset is a registered stablecoin.
	UseStablecoinFaceValue bool
	// EnablePriceCache permits falling back to the last successfully
	// observed price, and caching of fresh primary quotes.
	EnablePriceCache bool
	// SettlementToken is the unit the face-value tier quotes against.
	SettlementToken common.Address
	// MaxQuoteAge rejects primary quotes older than the window. Zero
	// disables the staleness check.
	MaxQuoteAge time.Duration
	// MaxDeviationBps rejects primary quotes deviating further than this
	// from the last known price. Zero disables the plausibility band.
	MaxDeviationBps uint64
	// AllowZeroResult permits returning a zero value when every fallback
	// tier is exhausted. Otherwise the exhausted case is still zero but
	// flagged with an explicit reason for observability.
	AllowZeroResult bool
}

// PriceResult reports the valuation outcome. UsedFallback distinguishes a
// degraded result; Reason is non-empty whenever a fallback was applied.
type PriceResult struct {
	Value        *big.Int
	UsedFallback bool
	Reason       string
}

// Engine wraps price sources with policy-driven graceful degradation. The
// engine itself holds only the last-known price cache and per-asset fallback
// configuration; everything call-specific arrives in the DegradationConfig.
type Engine struct {
	mu          sync.RWMutex
	lastKnown   map[common.Address]Quote
	defaults    map[common.Address]*big.Int
	stablecoins map[common.Address]bool
	now         func() time.Time
	emitter     events.Emitter
}

// Option configures the engine at construction time.
type Option func(*Engine)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEmitter wires an event emitter for fallback usage reports.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// NewEngine constructs a valuation engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		lastKnown:   make(map[common.Address]Quote),
		defaults:    make(map[common.Address]*big.Int),
		stablecoins: make(map[common.Address]bool),
		now:         time.Now,
		emitter:     events.NoopEmitter{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterStablecoin flags an asset as eligible for the face-value tier.
func (e *Engine) RegisterStablecoin(asset common.Address) {
	if e == nil || asset == (common.Address{}) {
		return
	}
	e.mu.Lock()
	e.stablecoins[asset] = true
	e.mu.Unlock()
}

// SetDefaultPrice configures the default-price fallback tier for an asset.
// A nil or non-positive price removes the default.
func (e *Engine) SetDefaultPrice(asset common.Address, price *big.Int) {
	if e == nil || asset == (common.Address{}) {
		return
	}
	e.mu.Lock()
	if price == nil || price.Sign() <= 0 {
		delete(e.defaults, asset)
	} else {
		e.defaults[asset] = new(big.Int).Set(price)
	}
	e.mu.Unlock()
}

// Value prices amount units of asset using src, substituting conservative
// fallback values when the source fails, returns zero, or answers outside the
// configured plausibility band. The only error path is malformed input; a
// degraded valuation is reported through the result, not an error.
func (e *Engine) Value(asset common.Address, amount *big.Int, src PriceSource, cfg DegradationConfig) (PriceResult, error) {
	if e == nil || asset == (common.Address{}) {
		return PriceResult{}, ErrZeroAsset
	}
	if amount == nil {
		amount = big.NewInt(0)
	}

	price, degradeReason := e.primaryPrice(asset, src, cfg)
	if degradeReason == "" {
		result := PriceResult{Value: scaleAmount(price, amount)}
		observability.Valuation().RecordValuation(false, "")
		return result, nil
	}

	fallbackPrice, tier := e.fallbackPrice(asset, cfg)
	reason := degradeReason
	if tier != "" {
		reason = degradeReason + "; used " + tier
	} else if !cfg.AllowZeroResult {
		reason = degradeReason + "; no fallback tier configured"
	}

	value := big.NewInt(0)
	if fallbackPrice != nil && fallbackPrice.Sign() > 0 {
		value = scaleAmount(fallbackPrice, amount)
		if cfg.ConservativeRatioBps > 0 && cfg.ConservativeRatioBps < 10_000 {
			ratio := new(big.Int).SetUint64(cfg.ConservativeRatioBps)
			value.Mul(value, ratio)
			value.Quo(value, basisPoints)
		}
	}

	result := PriceResult{Value: value, UsedFallback: true, Reason: reason}
	observability.Valuation().RecordValuation(true, degradeReason)
	e.emitter.Emit(events.PriceFallbackUsed{
		Asset:        asset,
		Reason:       reason,
		FallbackWei:  value.String(),
		UsedFallback: true,
	})
	return result, nil
}

// CheckPriceSource reports whether the source currently answers successfully
// for the asset. It is a read-only diagnostic: no cache state is consulted or
// mutated, so repeated calls with no intervening change yield the same pair.
func (e *Engine) CheckPriceSource(asset common.Address, src PriceSource) (bool, string) {
	if asset == (common.Address{}) {
		return false, "zero asset address"
	}
	if src == nil {
		return false, "no price source configured"
	}
	quote, err := src.GetPrice(asset)
	if err != nil {
		return false, fmt.Sprintf("price query failed: %v", err)
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return false, "price source returned zero price"
	}
	detail := "ok"
	if source := strings.TrimSpace(quote.Source); source != "" {
		detail = "ok: " + source
	}
	return true, detail
}

// LastKnown returns a copy of the cached quote for diagnostics.
func (e *Engine) LastKnown(asset common.Address) (Quote, bool) {
	if e == nil {
		return Quote{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	quote, ok := e.lastKnown[asset]
	if !ok {
		return Quote{}, false
	}
	clone := Quote{UpdatedAt: quote.UpdatedAt, Source: quote.Source}
	if quote.Price != nil {
		clone.Price = new(big.Int).Set(quote.Price)
	}
	return clone, ok
}

// primaryPrice attempts the primary query and judges plausibility. It returns
// a non-empty degradation reason when the quote cannot be trusted.
func (e *Engine) primaryPrice(asset common.Address, src PriceSource, cfg DegradationConfig) (*big.Int, string) {
	if src == nil {
		return nil, "no price source configured"
	}
	quote, err := src.GetPrice(asset)
	if err != nil {
		return nil, fmt.Sprintf("price query failed: %v", err)
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return nil, "price source returned zero price"
	}
	if cfg.MaxQuoteAge > 0 && !quote.UpdatedAt.IsZero() {
		now := e.now()
		if now.After(quote.UpdatedAt) && now.Sub(quote.UpdatedAt) > cfg.MaxQuoteAge {
			return nil, "stale price quote"
		}
	}
	if cfg.MaxDeviationBps > 0 {
		e.mu.RLock()
		last, ok := e.lastKnown[asset]
		e.mu.RUnlock()
		if ok && last.Price != nil && last.Price.Sign() > 0 {
			if deviationBps(quote.Price, last.Price).Cmp(new(big.Int).SetUint64(cfg.MaxDeviationBps)) > 0 {
				return nil, "price deviation outside plausibility band"
			}
		}
	}
	if cfg.EnablePriceCache {
		e.mu.Lock()
		e.lastKnown[asset] = Quote{
			Price:     new(big.Int).Set(quote.Price),
			UpdatedAt: quote.UpdatedAt,
			Source:    quote.Source,
		}
		e.mu.Unlock()
	}
	return quote.Price, ""
}

// fallbackPrice walks the fallback tiers in policy order and names the tier
// that answered.
func (e *Engine) fallbackPrice(asset common.Address, cfg DegradationConfig) (*big.Int, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if cfg.EnablePriceCache {
		if last, ok := e.lastKnown[asset]; ok && last.Price != nil && last.Price.Sign() > 0 {
			return new(big.Int).Set(last.Price), "last known price"
		}
	}
	if def, ok := e.defaults[asset]; ok && def.Sign() > 0 {
		return new(big.Int).Set(def), "default price"
	}
	if cfg.UseStablecoinFaceValue && e.stablecoins[asset] && cfg.SettlementToken != (common.Address{}) {
		return new(big.Int).Set(amountUnit), "stablecoin face value"
	}
	return nil, ""
}

func scaleAmount(price, amount *big.Int) *big.Int {
	if price == nil || amount == nil || price.Sign() <= 0 || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(price, amount)
	return value.Quo(value, amountUnit)
}

// deviationBps returns |current-reference|/reference in basis points.
func deviationBps(current, reference *big.Int) *big.Int {
	diff := new(big.Int).Sub(current, reference)
	diff.Abs(diff)
	diff.Mul(diff, basisPoints)
	return diff.Quo(diff, reference)
}
