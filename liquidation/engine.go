package liquidation

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"liqcore/events"
	"liqcore/modcache"
	"liqcore/observability"
	"liqcore/pause"
	"liqcore/risk"
)

var (
	errNilState         = errors.New("liquidation engine: state not configured")
	errNilCache         = errors.New("liquidation engine: module cache not configured")
	errNilDirectory     = errors.New("liquidation engine: ledger directory not configured")
	errNilAssessor      = errors.New("liquidation engine: risk assessor not configured")
	ErrZeroAddress      = errors.New("liquidation engine: address must not be zero")
	ErrZeroAmount       = errors.New("liquidation engine: amount must be positive")
	ErrNotLiquidatable  = errors.New("liquidation engine: position not eligible for liquidation")
	ErrInsufficientHeld = errors.New("liquidation engine: transfer exceeds held seized amount")
	ErrLengthMismatch   = errors.New("liquidation engine: batch arrays must match in length")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "liquidation"

// Engine orchestrates the liquidation state transitions: seizing collateral,
// reducing debt, computing the liquidator bonus, and maintaining liquidation
// records. Every mutating call is applied as a single transition: staged
// record writes commit only after every step succeeded.
type Engine struct {
	mu           sync.Mutex
	state        engineState
	cache        *modcache.Cache
	directory    LedgerDirectory
	assessor     *risk.Assessor
	bonusRateBps uint64
	pauses       pause.View
	emitter      events.Emitter
	logger       *slog.Logger
	now          func() time.Time
}

// NewEngine constructs a liquidation engine wired to the module cache and
// ledger directory. The bonus rate is expressed in basis points of the
// seized amount.
func NewEngine(cache *modcache.Cache, directory LedgerDirectory, bonusRateBps uint64) *Engine {
	return &Engine{
		cache:        cache,
		directory:    directory,
		bonusRateBps: bonusRateBps,
		emitter:      events.NoopEmitter{},
		now:          time.Now,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.state = state
}

// SetAssessor wires the risk assessor used for liquidatability decisions.
func (e *Engine) SetAssessor(assessor *risk.Assessor) {
	if e == nil {
		return
	}
	e.assessor = assessor
}

// SetPauses wires the module pause switchboard.
func (e *Engine) SetPauses(p pause.View) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter wires the event emitter used for lifecycle events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil || emitter == nil {
		return
	}
	e.emitter = emitter
}

// SetLogger wires a structured logger. A nil logger disables engine logging.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil {
		return
	}
	e.logger = logger
}

// SeizeCollateral clamps the requested amount to the user's live collateral
// balance, delegates the withdrawal to the collateral ledger, and updates the
// liquidation record and liquidator holding stats. Requesting more than is
// seizable is not an error: the amount is clamped. The actual seized amount
// is returned.
func (e *Engine) SeizeCollateral(user, asset common.Address, amount *big.Int, liquidator common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := pause.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	staged := newStagedState(e.state)
	var pending []events.Event
	seized, err := e.seize(staged, user, asset, amount, liquidator, &pending)
	if err != nil {
		return nil, err
	}
	if err := staged.Commit(); err != nil {
		return nil, err
	}
	e.emitAll(pending)
	return seized, nil
}

// BatchSeizeCollateral applies the single-item seizure over parallel arrays.
// An item failure aborts the whole batch before anything commits; callers
// wanting per-item tolerance wrap the operation at a higher layer.
func (e *Engine) BatchSeizeCollateral(users, assets []common.Address, amounts []*big.Int, liquidator common.Address) ([]*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := pause.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if len(users) != len(assets) || len(users) != len(amounts) {
		return nil, ErrLengthMismatch
	}
	if liquidator == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	// Caller errors are rejected before any item withdraws from the ledger,
	// so an invalid entry cannot abort the batch after a sibling's external
	// side effect.
	for i := range users {
		if users[i] == (common.Address{}) || assets[i] == (common.Address{}) {
			return nil, fmt.Errorf("liquidation engine: batch item %d: %w", i, ErrZeroAddress)
		}
		if amounts[i] == nil || amounts[i].Sign() <= 0 {
			return nil, fmt.Errorf("liquidation engine: batch item %d: %w", i, ErrZeroAmount)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	staged := newStagedState(e.state)
	var pending []events.Event
	seizedAmounts := make([]*big.Int, len(users))
	for i := range users {
		seized, err := e.seize(staged, users[i], assets[i], amounts[i], liquidator, &pending)
		if err != nil {
			return nil, fmt.Errorf("liquidation engine: batch item %d: %w", i, err)
		}
		seizedAmounts[i] = seized
	}
	if err := staged.Commit(); err != nil {
		return nil, err
	}
	e.emitAll(pending)
	return seizedAmounts, nil
}

// ReduceDebt delegates a forced debt reduction to the debt ledger, clamping
// the request to the currently reducible amount. The amount actually reduced
// is returned.
func (e *Engine) ReduceDebt(user, asset common.Address, amount *big.Int, liquidator common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := pause.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reduce(user, asset, amount, liquidator)
}

// ExecuteLiquidation runs the full liquidation transition for a position:
// validation, collateral seizure, debt reduction, bonus computation, and
// record updates. A failure at any step aborts the call with no record
// mutation surviving.
func (e *Engine) ExecuteLiquidation(liquidator, user, collateralAsset, debtAsset common.Address, debtAmount *big.Int) (*Result, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	started := e.now()
	if err := pause.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if liquidator == (common.Address{}) || user == (common.Address{}) ||
		collateralAsset == (common.Address{}) || debtAsset == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if e.assessor == nil {
		return nil, errNilAssessor
	}

	id := uuid.New()
	fail := func(step string, err error) (*Result, error) {
		observability.Liquidation().RecordExecution(false, nil, e.now().Sub(started))
		e.emitter.Emit(events.LiquidationFailed{
			ID:         id,
			Liquidator: liquidator,
			User:       user,
			Step:       step,
			Reason:     err.Error(),
		})
		if e.logger != nil {
			e.logger.Warn("liquidation failed",
				"id", id.String(),
				"user", user.Hex(),
				"step", step,
				"error", err.Error(),
			)
		}
		return nil, err
	}

	liquidatable, err := e.assessor.IsLiquidatable(user)
	if err != nil {
		return fail("validate", err)
	}
	if !liquidatable {
		return fail("validate", ErrNotLiquidatable)
	}

	e.emitter.Emit(events.LiquidationStarted{
		ID:         id,
		Liquidator: liquidator,
		User:       user,
		DebtAsset:  debtAsset,
		DebtAmount: new(big.Int).Set(debtAmount),
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := newStagedState(e.state)
	var pending []events.Event

	// The debt reduction runs before the collateral withdrawal: a reduction
	// failure then aborts with the collateral ledger untouched, and the
	// withdrawal is the final external side effect before commit.
	reduced, err := e.reduce(user, debtAsset, debtAmount, liquidator)
	if err != nil {
		return fail("reduce", err)
	}
	seized, err := e.seize(staged, user, collateralAsset, debtAmount, liquidator, &pending)
	if err != nil {
		return fail("seize", err)
	}

	bonus := new(big.Int).Mul(seized, new(big.Int).SetUint64(e.bonusRateBps))
	bonus.Quo(bonus, basisPoints)

	if err := staged.Commit(); err != nil {
		return fail("record", err)
	}

	e.emitAll(pending)
	e.emitter.Emit(events.LiquidationCompleted{
		ID:              id,
		Liquidator:      liquidator,
		User:            user,
		CollateralAsset: collateralAsset,
		DebtAsset:       debtAsset,
		SeizedAmount:    new(big.Int).Set(seized),
		ReducedDebt:     new(big.Int).Set(reduced),
		Bonus:           new(big.Int).Set(bonus),
	})
	observability.Liquidation().RecordExecution(true, seized, e.now().Sub(started))
	if e.logger != nil {
		e.logger.Info("liquidation completed",
			"id", id.String(),
			"user", user.Hex(),
			"liquidator", liquidator.Hex(),
			"seized", seized.String(),
			"reduced", reduced.String(),
			"bonus", bonus.String(),
		)
	}

	return &Result{
		ID:           id.String(),
		SeizedAmount: seized,
		ReducedDebt:  reduced,
		Bonus:        bonus,
	}, nil
}

// TransferOutSeized releases held seized collateral from the liquidator's
// holding stats. The holding total never goes negative; over-withdrawal is a
// caller error rather than a clamp.
func (e *Engine) TransferOutSeized(liquidator, asset common.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := pause.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if liquidator == (common.Address{}) || asset == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	staged := newStagedState(e.state)
	stats, err := staged.GetLiquidatorStats(liquidator, asset)
	if err != nil {
		return err
	}
	if stats == nil || stats.TotalSeized == nil || stats.TotalSeized.Cmp(amount) < 0 {
		return ErrInsufficientHeld
	}
	stats.TotalSeized = new(big.Int).Sub(stats.TotalSeized, amount)
	if err := staged.PutLiquidatorStats(stats); err != nil {
		return err
	}
	return staged.Commit()
}

// ClearRecord resets the cumulative liquidation record for a (user, asset)
// pair. Seizures never reset the record; clearing is a separate explicit
// operation.
func (e *Engine) ClearRecord(user, asset common.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if user == (common.Address{}) || asset == (common.Address{}) {
		return ErrZeroAddress
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	staged := newStagedState(e.state)
	if err := staged.DeleteRecord(user, asset); err != nil {
		return err
	}
	return staged.Commit()
}

// GetRecord returns a copy of the liquidation record, or nil when the pair
// has never been liquidated.
func (e *Engine) GetRecord(user, asset common.Address) (*Record, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, err := e.state.GetRecord(user, asset)
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// GetLiquidatorStats returns a copy of the liquidator's holding stats, or
// nil when the liquidator has never seized the asset.
func (e *Engine) GetLiquidatorStats(liquidator, asset common.Address) (*LiquidatorStats, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	stats, err := e.state.GetLiquidatorStats(liquidator, asset)
	if err != nil {
		return nil, err
	}
	return stats.Clone(), nil
}

// SeizableAmount reports the collateral currently seizable for the pair, read
// live from the collateral ledger.
func (e *Engine) SeizableAmount(user, asset common.Address) (*big.Int, error) {
	if user == (common.Address{}) || asset == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	ledger, err := e.collateralLedger()
	if err != nil {
		return nil, err
	}
	return ledger.GetCollateral(user, asset)
}

// ReducibleAmount reports the debt currently reducible for the pair, read
// live from the debt ledger.
func (e *Engine) ReducibleAmount(user, asset common.Address) (*big.Int, error) {
	if user == (common.Address{}) || asset == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	ledger, err := e.debtLedger()
	if err != nil {
		return nil, err
	}
	return ledger.GetReducibleDebtAmount(user, asset)
}

// PreviewLiquidation projects the post-liquidation health factor and risk
// score without mutating anything. slippageBps, when non-zero, adds a
// flash-loan slippage estimate proportional to the seize estimate.
func (e *Engine) PreviewLiquidation(user, collateralAsset, debtAsset common.Address, debtAmount *big.Int, slippageBps uint64) (*Preview, error) {
	if user == (common.Address{}) || collateralAsset == (common.Address{}) || debtAsset == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if e.assessor == nil {
		return nil, errNilAssessor
	}
	collateral, err := e.collateralLedger()
	if err != nil {
		return nil, err
	}
	debt, err := e.debtLedger()
	if err != nil {
		return nil, err
	}

	seizable, err := collateral.GetCollateral(user, collateralAsset)
	if err != nil {
		return nil, err
	}
	reducible, err := debt.GetReducibleDebtAmount(user, debtAsset)
	if err != nil {
		return nil, err
	}
	totalCollateral, err := collateral.GetUserTotalCollateralValue(user)
	if err != nil {
		return nil, err
	}
	totalDebt, err := debt.GetUserTotalDebtValue(user)
	if err != nil {
		return nil, err
	}
	assets, err := collateral.GetUserCollateralAssets(user)
	if err != nil {
		return nil, err
	}

	seizeEstimate := clampAmount(debtAmount, seizable)
	reduceEstimate := clampAmount(debtAmount, reducible)

	projectedCollateral := floorZero(new(big.Int).Sub(defaultZero(totalCollateral), seizeEstimate))
	projectedDebt := floorZero(new(big.Int).Sub(defaultZero(totalDebt), reduceEstimate))

	hf := risk.HealthFactor(projectedCollateral, projectedDebt, e.assessor.ThresholdBps())
	slippage := big.NewInt(0)
	if slippageBps > 0 {
		slippage = new(big.Int).Mul(seizeEstimate, new(big.Int).SetUint64(slippageBps))
		slippage.Quo(slippage, basisPoints)
	}

	return &Preview{
		ProjectedHealthFactor: hf,
		ProjectedRiskScore:    risk.Score(hf, len(assets)),
		SeizeEstimate:         seizeEstimate,
		DebtReduceEstimate:    reduceEstimate,
		SlippageEstimate:      slippage,
	}, nil
}

// seize performs one clamped seizure against the staged state, deferring
// event emission until the caller commits.
func (e *Engine) seize(staged *stagedState, user, asset common.Address, amount *big.Int, liquidator common.Address, pending *[]events.Event) (*big.Int, error) {
	if user == (common.Address{}) || asset == (common.Address{}) || liquidator == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	ledger, err := e.collateralLedger()
	if err != nil {
		return nil, err
	}
	// Clamp against a live read so a racing liquidation cannot make us act
	// on a stale snapshot.
	seizable, err := ledger.GetCollateral(user, asset)
	if err != nil {
		return nil, fmt.Errorf("liquidation engine: read collateral: %w", err)
	}
	seized := clampAmount(amount, seizable)
	if seized.Sign() == 0 {
		return big.NewInt(0), nil
	}

	record, err := staged.GetRecord(user, asset)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = &Record{User: user, Asset: asset}
	}
	record.EnsureDefaults()
	stats, err := staged.GetLiquidatorStats(liquidator, asset)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = &LiquidatorStats{Liquidator: liquidator, Asset: asset}
	}
	stats.EnsureDefaults()

	if err := ledger.WithdrawCollateral(user, asset, seized); err != nil {
		return nil, fmt.Errorf("liquidation engine: withdraw collateral: %w", err)
	}

	record.CumulativeSeized = new(big.Int).Add(record.CumulativeSeized, seized)
	record.LastTimestamp = e.now()
	record.LastLiquidator = liquidator
	stats.TotalSeized = new(big.Int).Add(stats.TotalSeized, seized)
	stats.SeizureCount++

	if err := staged.PutRecord(record); err != nil {
		return nil, err
	}
	if err := staged.PutLiquidatorStats(stats); err != nil {
		return nil, err
	}

	*pending = append(*pending, events.RecordUpdated{
		User:             user,
		Asset:            asset,
		SeizedAmount:     new(big.Int).Set(seized),
		CumulativeSeized: new(big.Int).Set(record.CumulativeSeized),
		Liquidator:       liquidator,
	})
	return seized, nil
}

func (e *Engine) reduce(user, asset common.Address, amount *big.Int, liquidator common.Address) (*big.Int, error) {
	if user == (common.Address{}) || asset == (common.Address{}) || liquidator == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	ledger, err := e.debtLedger()
	if err != nil {
		return nil, err
	}
	reducible, err := ledger.GetReducibleDebtAmount(user, asset)
	if err != nil {
		return nil, fmt.Errorf("liquidation engine: read reducible debt: %w", err)
	}
	request := clampAmount(amount, reducible)
	if request.Sign() == 0 {
		return big.NewInt(0), nil
	}
	reduced, err := ledger.ForceReduceDebt(user, asset, request)
	if err != nil {
		return nil, fmt.Errorf("liquidation engine: reduce debt: %w", err)
	}
	if reduced == nil {
		reduced = big.NewInt(0)
	}
	return reduced, nil
}

func (e *Engine) collateralLedger() (CollateralLedger, error) {
	if e == nil || e.cache == nil {
		return nil, errNilCache
	}
	if e.directory == nil {
		return nil, errNilDirectory
	}
	addr, err := e.cache.Resolve(modcache.KeyCollateralLedger)
	if err != nil {
		return nil, fmt.Errorf("liquidation engine: resolve collateral ledger: %w", err)
	}
	return e.directory.CollateralLedger(addr)
}

func (e *Engine) debtLedger() (DebtLedger, error) {
	if e == nil || e.cache == nil {
		return nil, errNilCache
	}
	if e.directory == nil {
		return nil, errNilDirectory
	}
	addr, err := e.cache.Resolve(modcache.KeyDebtLedger)
	if err != nil {
		return nil, fmt.Errorf("liquidation engine: resolve debt ledger: %w", err)
	}
	return e.directory.DebtLedger(addr)
}

func (e *Engine) emitAll(pending []events.Event) {
	for _, event := range pending {
		e.emitter.Emit(event)
	}
}

func clampAmount(requested, available *big.Int) *big.Int {
	if requested == nil || requested.Sign() <= 0 {
		return big.NewInt(0)
	}
	if available == nil || available.Sign() <= 0 {
		return big.NewInt(0)
	}
	if requested.Cmp(available) > 0 {
		return new(big.Int).Set(available)
	}
	return new(big.Int).Set(requested)
}

func defaultZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func floorZero(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return big.NewInt(0)
	}
	return v
}
