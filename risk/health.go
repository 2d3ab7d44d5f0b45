package risk

import "math/big"

// Health factors are expressed in basis points: 10,000 bps corresponds to a
// position exactly at its liquidation threshold. Values are clamped into
// [0, MaxHealthFactorBps]; a position with no debt reports the maximum.
const (
	// MaxHealthFactorBps is the sentinel health factor for debt-free
	// positions and the upper clamp for everything else.
	MaxHealthFactorBps = uint64(1_000_000_000)
	// MaxRiskScore bounds the coarse risk score.
	MaxRiskScore = uint64(1_000)
)

var (
	basisPoints     = big.NewInt(10_000)
	maxHealthFactor = new(big.Int).SetUint64(MaxHealthFactorBps)
)

// HealthFactor computes (collateral * threshold) / debt in basis points,
// clamped into [0, MaxHealthFactorBps]. Zero debt yields the maximum
// sentinel regardless of collateral; zero collateral with outstanding debt
// yields zero.
func HealthFactor(collateral, debt *big.Int, thresholdBps uint64) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Int).Set(maxHealthFactor)
	}
	if collateral == nil || collateral.Sign() == 0 {
		return big.NewInt(0)
	}
	factor := new(big.Int).Mul(collateral, new(big.Int).SetUint64(thresholdBps))
	factor.Quo(factor, debt)
	if factor.Cmp(maxHealthFactor) > 0 {
		return new(big.Int).Set(maxHealthFactor)
	}
	if factor.Sign() < 0 {
		return big.NewInt(0)
	}
	return factor
}

// Score maps a health factor into the coarse [0, MaxRiskScore] band. The base
// mapping is linear and monotone decreasing: 0 bps scores the maximum and
// 20,000 bps (200% of par) or better scores zero. The collateral diversity
// multiplier adjusts the base within a bounded band: concentrated positions
// (a single asset) score 20% higher, well diversified positions (four or
// more assets) score 20% lower, and the result is re-clamped.
func Score(healthFactor *big.Int, distinctAssets int) uint64 {
	base := baseScore(healthFactor)
	adjusted := base * diversityMultiplierBps(distinctAssets) / 10_000
	if adjusted > MaxRiskScore {
		return MaxRiskScore
	}
	return adjusted
}

func baseScore(healthFactor *big.Int) uint64 {
	if healthFactor == nil || healthFactor.Sign() <= 0 {
		return MaxRiskScore
	}
	ceiling := big.NewInt(20_000)
	if healthFactor.Cmp(ceiling) >= 0 {
		return 0
	}
	score := new(big.Int).Sub(ceiling, healthFactor)
	score.Mul(score, new(big.Int).SetUint64(MaxRiskScore))
	score.Quo(score, ceiling)
	return score.Uint64()
}

func diversityMultiplierBps(distinctAssets int) uint64 {
	switch {
	case distinctAssets <= 1:
		return 12_000
	case distinctAssets <= 3:
		return 10_000
	default:
		return 8_000
	}
}
