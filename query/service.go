package query

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"liqcore/liquidation"
	"liqcore/observability"
	"liqcore/risk"
)

// MaxBatchSize bounds the fan-out of a single batch query.
const MaxBatchSize = 100

var (
	ErrBatchTooLarge  = errors.New("query: batch exceeds maximum size")
	ErrLengthMismatch = errors.New("query: batch arrays must match in length")
	errNilAssessor    = errors.New("query: risk assessor not configured")
	errNilEngine      = errors.New("query: liquidation engine not configured")
)

// Service is the read-only batch query surface over the risk assessor and
// liquidation engine. Unlike the mutating batch operations, a per-item
// failure here degrades to a zero value or false flag at that index; the
// rest of the batch is unaffected.
type Service struct {
	assessor *risk.Assessor
	engine   *liquidation.Engine
}

// NewService wires the batch query layer.
func NewService(assessor *risk.Assessor, engine *liquidation.Engine) (*Service, error) {
	if assessor == nil {
		return nil, errNilAssessor
	}
	if engine == nil {
		return nil, errNilEngine
	}
	return &Service{assessor: assessor, engine: engine}, nil
}

func checkSize(n int) error {
	if n > MaxBatchSize {
		return ErrBatchTooLarge
	}
	return nil
}

// HealthFactors returns the health factor per user. A user whose underlying
// ledger read fails reports zero at that index.
func (s *Service) HealthFactors(users []common.Address) ([]*big.Int, error) {
	if err := checkSize(len(users)); err != nil {
		return nil, err
	}
	observability.Query().RecordBatch("health_factors")
	out := make([]*big.Int, len(users))
	for i, user := range users {
		out[i] = bigOrZero(Try(func() (*big.Int, error) {
			return s.assessor.UserHealthFactor(user)
		}))
	}
	return out, nil
}

// RiskScores returns the risk score per user, zero on per-item failure.
func (s *Service) RiskScores(users []common.Address) ([]uint64, error) {
	if err := checkSize(len(users)); err != nil {
		return nil, err
	}
	observability.Query().RecordBatch("risk_scores")
	out := make([]uint64, len(users))
	for i, user := range users {
		outcome := Try(func() (uint64, error) {
			return s.assessor.UserRiskScore(user)
		})
		if outcome.OK {
			out[i] = outcome.Value
		} else {
			observability.Query().RecordItemFailure()
		}
	}
	return out, nil
}

// LiquidatableFlags returns the liquidatability flag per user, false on
// per-item failure.
func (s *Service) LiquidatableFlags(users []common.Address) ([]bool, error) {
	if err := checkSize(len(users)); err != nil {
		return nil, err
	}
	observability.Query().RecordBatch("liquidatable_flags")
	out := make([]bool, len(users))
	for i, user := range users {
		outcome := Try(func() (bool, error) {
			return s.assessor.IsLiquidatable(user)
		})
		if outcome.OK {
			out[i] = outcome.Value
		} else {
			observability.Query().RecordItemFailure()
		}
	}
	return out, nil
}

// SeizableAmounts returns the seizable collateral per (user, asset) pair,
// zero on per-item failure.
func (s *Service) SeizableAmounts(users, assets []common.Address) ([]*big.Int, error) {
	if len(users) != len(assets) {
		return nil, ErrLengthMismatch
	}
	if err := checkSize(len(users)); err != nil {
		return nil, err
	}
	observability.Query().RecordBatch("seizable_amounts")
	out := make([]*big.Int, len(users))
	for i := range users {
		user, asset := users[i], assets[i]
		out[i] = bigOrZero(Try(func() (*big.Int, error) {
			return s.engine.SeizableAmount(user, asset)
		}))
	}
	return out, nil
}

// ReducibleAmounts returns the reducible debt per (user, asset) pair, zero
// on per-item failure.
func (s *Service) ReducibleAmounts(users, assets []common.Address) ([]*big.Int, error) {
	if len(users) != len(assets) {
		return nil, ErrLengthMismatch
	}
	if err := checkSize(len(users)); err != nil {
		return nil, err
	}
	observability.Query().RecordBatch("reducible_amounts")
	out := make([]*big.Int, len(users))
	for i := range users {
		user, asset := users[i], assets[i]
		out[i] = bigOrZero(Try(func() (*big.Int, error) {
			return s.engine.ReducibleAmount(user, asset)
		}))
	}
	return out, nil
}

func bigOrZero(outcome Outcome[*big.Int]) *big.Int {
	if outcome.OK && outcome.Value != nil {
		return outcome.Value
	}
	if !outcome.OK {
		observability.Query().RecordItemFailure()
	}
	return big.NewInt(0)
}
