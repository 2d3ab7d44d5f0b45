package risk

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"liqcore/modcache"
)

var (
	ErrThresholdRange = errors.New("risk: liquidation threshold outside 100%-150% band")
	ErrZeroUser       = errors.New("risk: user must not be zero")
	errNilCache       = errors.New("risk: module cache not configured")
	errNilDirectory   = errors.New("risk: ledger directory not configured")
)

// CollateralSource exposes the aggregated collateral reads the assessor
// consumes from the collateral ledger.
type CollateralSource interface {
	GetUserTotalCollateralValue(user common.Address) (*big.Int, error)
	GetUserCollateralAssets(user common.Address) ([]common.Address, error)
}

// DebtSource exposes the aggregated debt read consumed from the debt ledger.
type DebtSource interface {
	GetUserTotalDebtValue(user common.Address) (*big.Int, error)
}

// LedgerDirectory maps resolved module addresses to live ledger handles. In
// production this is backed by contract bindings; tests supply fakes.
type LedgerDirectory interface {
	CollateralSource(addr common.Address) (CollateralSource, error)
	DebtSource(addr common.Address) (DebtSource, error)
}

// Assessor composes the pure health computations with the module cache and
// ledger reads to answer liquidatability questions for live positions.
type Assessor struct {
	cache        *modcache.Cache
	directory    LedgerDirectory
	thresholdBps uint64
}

// NewAssessor constructs an assessor. The liquidation threshold is bounded to
// [10,000, 15,000] bps (100%-150% of par) so misconfiguration fails at
// construction rather than during a liquidation decision.
func NewAssessor(cache *modcache.Cache, directory LedgerDirectory, thresholdBps uint64) (*Assessor, error) {
	if cache == nil {
		return nil, errNilCache
	}
	if directory == nil {
		return nil, errNilDirectory
	}
	if thresholdBps < 10_000 || thresholdBps > 15_000 {
		return nil, fmt.Errorf("%w: %d", ErrThresholdRange, thresholdBps)
	}
	return &Assessor{cache: cache, directory: directory, thresholdBps: thresholdBps}, nil
}

// ThresholdBps returns the configured liquidation threshold.
func (a *Assessor) ThresholdBps() uint64 {
	if a == nil {
		return 0
	}
	return a.thresholdBps
}

// UserHealthFactor reads the user's aggregated collateral and debt values and
// returns the position health factor in basis points.
func (a *Assessor) UserHealthFactor(user common.Address) (*big.Int, error) {
	collateral, debt, _, err := a.position(user)
	if err != nil {
		return nil, err
	}
	return HealthFactor(collateral, debt, a.thresholdBps), nil
}

// UserRiskScore computes the coarse risk score for a user, folding in the
// number of distinct collateral assets backing the position.
func (a *Assessor) UserRiskScore(user common.Address) (uint64, error) {
	collateral, debt, assets, err := a.position(user)
	if err != nil {
		return 0, err
	}
	hf := HealthFactor(collateral, debt, a.thresholdBps)
	return Score(hf, assets), nil
}

// IsLiquidatable reports whether the position's health factor has fallen
// below the configured liquidation threshold. Healthy and debt-free
// positions report false.
func (a *Assessor) IsLiquidatable(user common.Address) (bool, error) {
	hf, err := a.UserHealthFactor(user)
	if err != nil {
		return false, err
	}
	return hf.Cmp(new(big.Int).SetUint64(a.thresholdBps)) < 0, nil
}

// UserHealthFactors applies UserHealthFactor per user. Results are identical
// to the sequential application; the first failure aborts so callers wanting
// per-item isolation wrap this at the query layer.
func (a *Assessor) UserHealthFactors(users []common.Address) ([]*big.Int, error) {
	out := make([]*big.Int, len(users))
	for i, user := range users {
		hf, err := a.UserHealthFactor(user)
		if err != nil {
			return nil, fmt.Errorf("risk: user %d: %w", i, err)
		}
		out[i] = hf
	}
	return out, nil
}

// LiquidatableFlags applies IsLiquidatable per user with the same semantics
// as UserHealthFactors.
func (a *Assessor) LiquidatableFlags(users []common.Address) ([]bool, error) {
	out := make([]bool, len(users))
	for i, user := range users {
		liquidatable, err := a.IsLiquidatable(user)
		if err != nil {
			return nil, fmt.Errorf("risk: user %d: %w", i, err)
		}
		out[i] = liquidatable
	}
	return out, nil
}

// position resolves both ledgers through the module cache and reads the
// aggregated values. Reads are live: no snapshot is retained between calls.
func (a *Assessor) position(user common.Address) (*big.Int, *big.Int, int, error) {
	if a == nil || a.cache == nil {
		return nil, nil, 0, errNilCache
	}
	if user == (common.Address{}) {
		return nil, nil, 0, ErrZeroUser
	}

	collateralAddr, err := a.cache.Resolve(modcache.KeyCollateralLedger)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("risk: resolve collateral ledger: %w", err)
	}
	debtAddr, err := a.cache.Resolve(modcache.KeyDebtLedger)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("risk: resolve debt ledger: %w", err)
	}

	collateralSrc, err := a.directory.CollateralSource(collateralAddr)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("risk: collateral source: %w", err)
	}
	debtSrc, err := a.directory.DebtSource(debtAddr)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("risk: debt source: %w", err)
	}

	collateral, err := collateralSrc.GetUserTotalCollateralValue(user)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("risk: collateral value: %w", err)
	}
	debt, err := debtSrc.GetUserTotalDebtValue(user)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("risk: debt value: %w", err)
	}
	assets, err := collateralSrc.GetUserCollateralAssets(user)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("risk: collateral assets: %w", err)
	}
	return collateral, debt, len(assets), nil
}
