package events

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	// TypeLiquidationStarted is emitted when an execution-core liquidation
	// call passes validation and begins mutating staged state.
	TypeLiquidationStarted = "liquidation.started"
	// TypeLiquidationCompleted is emitted after the seize/reduce pair has
	// been committed and the bonus computed.
	TypeLiquidationCompleted = "liquidation.completed"
	// TypeLiquidationFailed is emitted when a liquidation call aborts after
	// validation; no state mutation survives a failed call.
	TypeLiquidationFailed = "liquidation.failed"
	// TypeRecordUpdated is emitted whenever a per-user liquidation record
	// is updated by a seizure.
	TypeRecordUpdated = "liquidation.recordUpdated"
)

// LiquidationStarted marks the beginning of a liquidation attempt.
type LiquidationStarted struct {
	ID         uuid.UUID
	Liquidator common.Address
	User       common.Address
	DebtAsset  common.Address
	DebtAmount *big.Int
}

func (LiquidationStarted) EventType() string { return TypeLiquidationStarted }

func (e LiquidationStarted) Attributes() map[string]string {
	return map[string]string{
		"id":         e.ID.String(),
		"liquidator": e.Liquidator.Hex(),
		"user":       e.User.Hex(),
		"debtAsset":  e.DebtAsset.Hex(),
		"debtAmount": bigString(e.DebtAmount),
	}
}

// LiquidationCompleted carries the final amounts for a successful liquidation.
type LiquidationCompleted struct {
	ID              uuid.UUID
	Liquidator      common.Address
	User            common.Address
	CollateralAsset common.Address
	DebtAsset       common.Address
	SeizedAmount    *big.Int
	ReducedDebt     *big.Int
	Bonus           *big.Int
}

func (LiquidationCompleted) EventType() string { return TypeLiquidationCompleted }

func (e LiquidationCompleted) Attributes() map[string]string {
	return map[string]string{
		"id":              e.ID.String(),
		"liquidator":      e.Liquidator.Hex(),
		"user":            e.User.Hex(),
		"collateralAsset": e.CollateralAsset.Hex(),
		"debtAsset":       e.DebtAsset.Hex(),
		"seizedAmount":    bigString(e.SeizedAmount),
		"reducedDebt":     bigString(e.ReducedDebt),
		"bonus":           bigString(e.Bonus),
	}
}

// LiquidationFailed records an aborted liquidation attempt together with the
// failing step so monitoring can distinguish validation failures from
// collaborator failures.
type LiquidationFailed struct {
	ID         uuid.UUID
	Liquidator common.Address
	User       common.Address
	Step       string
	Reason     string
}

func (LiquidationFailed) EventType() string { return TypeLiquidationFailed }

func (e LiquidationFailed) Attributes() map[string]string {
	return map[string]string{
		"id":         e.ID.String(),
		"liquidator": e.Liquidator.Hex(),
		"user":       e.User.Hex(),
		"step":       strings.TrimSpace(e.Step),
		"reason":     strings.TrimSpace(e.Reason),
	}
}

// RecordUpdated is emitted after a seizure increments the cumulative
// per-user, per-asset liquidation record.
type RecordUpdated struct {
	User             common.Address
	Asset            common.Address
	SeizedAmount     *big.Int
	CumulativeSeized *big.Int
	Liquidator       common.Address
}

func (RecordUpdated) EventType() string { return TypeRecordUpdated }

func (e RecordUpdated) Attributes() map[string]string {
	return map[string]string{
		"user":             e.User.Hex(),
		"asset":            e.Asset.Hex(),
		"seizedAmount":     bigString(e.SeizedAmount),
		"cumulativeSeized": bigString(e.CumulativeSeized),
		"liquidator":       e.Liquidator.Hex(),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
