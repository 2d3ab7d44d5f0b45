package events

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// TypeModuleCached is emitted when a module address is registered or
	// re-registered in the resolution cache.
	TypeModuleCached = "modcache.cached"
	// TypeModuleRemoved is emitted when a cache entry is removed.
	TypeModuleRemoved = "modcache.removed"
	// TypePriceFallbackUsed is emitted whenever the valuation engine
	// substitutes a fallback value for a failed or implausible price.
	TypePriceFallbackUsed = "valuation.fallbackUsed"
)

// ModuleCached records a cache registration together with the entry version
// assigned by the cache.
type ModuleCached struct {
	Key     string
	Address common.Address
	Caller  common.Address
	Version uint64
}

func (ModuleCached) EventType() string { return TypeModuleCached }

func (e ModuleCached) Attributes() map[string]string {
	return map[string]string{
		"key":     strings.TrimSpace(e.Key),
		"address": e.Address.Hex(),
		"caller":  e.Caller.Hex(),
		"version": strconv.FormatUint(e.Version, 10),
	}
}

// ModuleRemoved records an explicit cache entry removal.
type ModuleRemoved struct {
	Key    string
	Caller common.Address
}

func (ModuleRemoved) EventType() string { return TypeModuleRemoved }

func (e ModuleRemoved) Attributes() map[string]string {
	return map[string]string{
		"key":    strings.TrimSpace(e.Key),
		"caller": e.Caller.Hex(),
	}
}

// PriceFallbackUsed reports a degraded valuation so operators can audit how
// often and why fallback pricing was applied.
type PriceFallbackUsed struct {
	Asset        common.Address
	Reason       string
	FallbackWei  string
	UsedFallback bool
}

func (PriceFallbackUsed) EventType() string { return TypePriceFallbackUsed }

func (e PriceFallbackUsed) Attributes() map[string]string {
	return map[string]string{
		"asset":        e.Asset.Hex(),
		"reason":       strings.TrimSpace(e.Reason),
		"fallbackWei":  strings.TrimSpace(e.FallbackWei),
		"usedFallback": strconv.FormatBool(e.UsedFallback),
	}
}
