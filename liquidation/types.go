package liquidation

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Record tracks cumulative liquidation activity for a (user, asset) pair.
// The cumulative amount only grows through seizures; ClearRecord is the one
// explicit reset path.
type Record struct {
	User             common.Address `json:"user"`
	Asset            common.Address `json:"asset"`
	CumulativeSeized *big.Int       `json:"cumulativeSeized"`
	LastTimestamp    time.Time      `json:"lastTimestamp"`
	LastLiquidator   common.Address `json:"lastLiquidator"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := &Record{
		User:           r.User,
		Asset:          r.Asset,
		LastTimestamp:  r.LastTimestamp,
		LastLiquidator: r.LastLiquidator,
	}
	if r.CumulativeSeized != nil {
		clone.CumulativeSeized = new(big.Int).Set(r.CumulativeSeized)
	}
	return clone
}

// EnsureDefaults populates nil big.Int fields so JSON handling is safe.
func (r *Record) EnsureDefaults() {
	if r.CumulativeSeized == nil {
		r.CumulativeSeized = big.NewInt(0)
	}
}

// LiquidatorStats is the holding ledger for collateral a liquidator has
// seized but not yet transferred out. TotalSeized is decremented on
// transfer-out and never goes negative.
type LiquidatorStats struct {
	Liquidator   common.Address `json:"liquidator"`
	Asset        common.Address `json:"asset"`
	TotalSeized  *big.Int       `json:"totalSeized"`
	SeizureCount uint64         `json:"seizureCount"`
}

// Clone returns a deep copy of the stats entry.
func (s *LiquidatorStats) Clone() *LiquidatorStats {
	if s == nil {
		return nil
	}
	clone := &LiquidatorStats{
		Liquidator:   s.Liquidator,
		Asset:        s.Asset,
		SeizureCount: s.SeizureCount,
	}
	if s.TotalSeized != nil {
		clone.TotalSeized = new(big.Int).Set(s.TotalSeized)
	}
	return clone
}

// EnsureDefaults populates nil big.Int fields so JSON handling is safe.
func (s *LiquidatorStats) EnsureDefaults() {
	if s.TotalSeized == nil {
		s.TotalSeized = big.NewInt(0)
	}
}

// Result summarises a completed liquidation.
type Result struct {
	ID           string
	SeizedAmount *big.Int
	ReducedDebt  *big.Int
	Bonus        *big.Int
}

// Preview projects the post-liquidation position without mutating anything.
type Preview struct {
	ProjectedHealthFactor *big.Int
	ProjectedRiskScore    uint64
	SeizeEstimate         *big.Int
	DebtReduceEstimate    *big.Int
	SlippageEstimate      *big.Int
}

// CollateralLedger is the external collateral collaborator. Withdrawals are
// the only write; everything else is a live read.
type CollateralLedger interface {
	WithdrawCollateral(user, asset common.Address, amount *big.Int) error
	GetCollateral(user, asset common.Address) (*big.Int, error)
	GetUserCollateralAssets(user common.Address) ([]common.Address, error)
	GetUserTotalCollateralValue(user common.Address) (*big.Int, error)
}

// DebtLedger is the external debt collaborator. ForceReduceDebt returns the
// amount actually reduced, which may be below the request.
type DebtLedger interface {
	ForceReduceDebt(user, asset common.Address, amount *big.Int) (*big.Int, error)
	GetUserTotalDebtValue(user common.Address) (*big.Int, error)
	GetReducibleDebtAmount(user, asset common.Address) (*big.Int, error)
}

// LedgerDirectory maps module addresses resolved through the cache to live
// ledger handles.
type LedgerDirectory interface {
	CollateralLedger(addr common.Address) (CollateralLedger, error)
	DebtLedger(addr common.Address) (DebtLedger, error)
}
