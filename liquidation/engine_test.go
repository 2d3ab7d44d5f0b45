package liquidation

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"liqcore/events"
	"liqcore/modcache"
	"liqcore/risk"
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

type pairKey struct {
	a, b common.Address
}

// mockLedgers backs both ledger interfaces and the risk-side read interfaces
// with plain maps.
type mockLedgers struct {
	collateral      map[pairKey]*big.Int
	totalCollateral map[common.Address]*big.Int
	totalDebt       map[common.Address]*big.Int
	reducible       map[pairKey]*big.Int
	withdrawErr     error
	reduceErr       error
	withdrawals     int
}

func newMockLedgers() *mockLedgers {
	return &mockLedgers{
		collateral:      make(map[pairKey]*big.Int),
		totalCollateral: make(map[common.Address]*big.Int),
		totalDebt:       make(map[common.Address]*big.Int),
		reducible:       make(map[pairKey]*big.Int),
	}
}

func (m *mockLedgers) CollateralLedger(common.Address) (CollateralLedger, error) { return m, nil }

func (m *mockLedgers) DebtLedger(common.Address) (DebtLedger, error) { return m, nil }

func (m *mockLedgers) CollateralSource(common.Address) (risk.CollateralSource, error) {
	return m, nil
}

func (m *mockLedgers) DebtSource(common.Address) (risk.DebtSource, error) { return m, nil }

func (m *mockLedgers) WithdrawCollateral(user, asset common.Address, amount *big.Int) error {
	if m.withdrawErr != nil {
		return m.withdrawErr
	}
	key := pairKey{user, asset}
	balance := m.collateral[key]
	if balance == nil || balance.Cmp(amount) < 0 {
		return errors.New("collateral ledger: insufficient balance")
	}
	m.collateral[key] = new(big.Int).Sub(balance, amount)
	m.withdrawals++
	return nil
}

func (m *mockLedgers) GetCollateral(user, asset common.Address) (*big.Int, error) {
	if v := m.collateral[pairKey{user, asset}]; v != nil {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (m *mockLedgers) GetUserCollateralAssets(user common.Address) ([]common.Address, error) {
	var assets []common.Address
	for key, amount := range m.collateral {
		if key.a == user && amount.Sign() > 0 {
			assets = append(assets, key.b)
		}
	}
	return assets, nil
}

func (m *mockLedgers) GetUserTotalCollateralValue(user common.Address) (*big.Int, error) {
	if v := m.totalCollateral[user]; v != nil {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (m *mockLedgers) ForceReduceDebt(user, asset common.Address, amount *big.Int) (*big.Int, error) {
	if m.reduceErr != nil {
		return nil, m.reduceErr
	}
	key := pairKey{user, asset}
	outstanding := m.reducible[key]
	if outstanding == nil {
		return big.NewInt(0), nil
	}
	reduced := new(big.Int).Set(amount)
	if reduced.Cmp(outstanding) > 0 {
		reduced = new(big.Int).Set(outstanding)
	}
	m.reducible[key] = new(big.Int).Sub(outstanding, reduced)
	return reduced, nil
}

func (m *mockLedgers) GetUserTotalDebtValue(user common.Address) (*big.Int, error) {
	if v := m.totalDebt[user]; v != nil {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (m *mockLedgers) GetReducibleDebtAmount(user, asset common.Address) (*big.Int, error) {
	if v := m.reducible[pairKey{user, asset}]; v != nil {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

// mockEngineState keeps records in maps so tests can inspect exactly what
// was committed.
type mockEngineState struct {
	records map[pairKey]*Record
	stats   map[pairKey]*LiquidatorStats
	putErr  error
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		records: make(map[pairKey]*Record),
		stats:   make(map[pairKey]*LiquidatorStats),
	}
}

func (s *mockEngineState) GetRecord(user, asset common.Address) (*Record, error) {
	return s.records[pairKey{user, asset}].Clone(), nil
}

func (s *mockEngineState) PutRecord(record *Record) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.records[pairKey{record.User, record.Asset}] = record.Clone()
	return nil
}

func (s *mockEngineState) DeleteRecord(user, asset common.Address) error {
	delete(s.records, pairKey{user, asset})
	return nil
}

func (s *mockEngineState) GetLiquidatorStats(liquidator, asset common.Address) (*LiquidatorStats, error) {
	return s.stats[pairKey{liquidator, asset}].Clone(), nil
}

func (s *mockEngineState) PutLiquidatorStats(stats *LiquidatorStats) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.stats[pairKey{stats.Liquidator, stats.Asset}] = stats.Clone()
	return nil
}

type recordingEmitter struct {
	emitted []events.Event
}

func (r *recordingEmitter) Emit(event events.Event) { r.emitted = append(r.emitted, event) }

func (r *recordingEmitter) types() []string {
	out := make([]string, len(r.emitted))
	for i, event := range r.emitted {
		out[i] = event.EventType()
	}
	return out
}

type testHarness struct {
	engine  *Engine
	state   *mockEngineState
	ledgers *mockLedgers
	emitter *recordingEmitter
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	cache := modcache.New()
	caller := addr(0xAA)
	if err := cache.Set(modcache.KeyCollateralLedger, addr(0x01), caller); err != nil {
		t.Fatalf("seed collateral ledger: %v", err)
	}
	if err := cache.Set(modcache.KeyDebtLedger, addr(0x02), caller); err != nil {
		t.Fatalf("seed debt ledger: %v", err)
	}

	ledgers := newMockLedgers()
	assessor, err := risk.NewAssessor(cache, ledgers, 10_500)
	if err != nil {
		t.Fatalf("new assessor: %v", err)
	}

	state := newMockEngineState()
	emitter := &recordingEmitter{}
	engine := NewEngine(cache, ledgers, 500)
	engine.SetState(state)
	engine.SetAssessor(assessor)
	engine.SetEmitter(emitter)

	return &testHarness{engine: engine, state: state, ledgers: ledgers, emitter: emitter}
}

func TestSeizeClampsToAvailable(t *testing.T) {
	h := newHarness(t)
	user, asset, liquidator := addr(0x10), addr(0x20), addr(0x30)
	h.ledgers.collateral[pairKey{user, asset}] = big.NewInt(100)

	seized, err := h.engine.SeizeCollateral(user, asset, big.NewInt(250), liquidator)
	if err != nil {
		t.Fatalf("seize: %v", err)
	}
	if seized.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected clamp to 100, got %s", seized)
	}

	record := h.state.records[pairKey{user, asset}]
	if record == nil || record.CumulativeSeized.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.LastLiquidator != liquidator {
		t.Fatalf("unexpected last liquidator: %s", record.LastLiquidator.Hex())
	}
	stats := h.state.stats[pairKey{liquidator, asset}]
	if stats == nil || stats.TotalSeized.Cmp(big.NewInt(100)) != 0 || stats.SeizureCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if remaining := h.ledgers.collateral[pairKey{user, asset}]; remaining.Sign() != 0 {
		t.Fatalf("expected ledger drained, got %s", remaining)
	}
	if got := h.emitter.types(); len(got) != 1 || got[0] != events.TypeRecordUpdated {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestSeizeZeroAvailableIsNoop(t *testing.T) {
	h := newHarness(t)
	user, asset, liquidator := addr(0x10), addr(0x20), addr(0x30)

	seized, err := h.engine.SeizeCollateral(user, asset, big.NewInt(50), liquidator)
	if err != nil {
		t.Fatalf("seize: %v", err)
	}
	if seized.Sign() != 0 {
		t.Fatalf("expected zero seizure, got %s", seized)
	}
	if len(h.state.records) != 0 || len(h.emitter.emitted) != 0 {
		t.Fatal("expected no record mutation or events")
	}
}

func TestSeizeRejectsCallerErrors(t *testing.T) {
	h := newHarness(t)
	user, asset, liquidator := addr(0x10), addr(0x20), addr(0x30)
	if _, err := h.engine.SeizeCollateral(common.Address{}, asset, big.NewInt(1), liquidator); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected zero address error, got %v", err)
	}
	if _, err := h.engine.SeizeCollateral(user, asset, big.NewInt(0), liquidator); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected zero amount error, got %v", err)
	}
	if _, err := h.engine.SeizeCollateral(user, asset, nil, liquidator); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected zero amount error for nil, got %v", err)
	}
}

func TestExecuteLiquidation(t *testing.T) {
	h := newHarness(t)
	user, collateralAsset, debtAsset, liquidator := addr(0x10), addr(0x20), addr(0x21), addr(0x30)

	// Collateral value 90 against debt 95 at a 105% threshold: liquidatable.
	h.ledgers.totalCollateral[user] = big.NewInt(90)
	h.ledgers.totalDebt[user] = big.NewInt(95)
	h.ledgers.collateral[pairKey{user, collateralAsset}] = big.NewInt(90)
	h.ledgers.reducible[pairKey{user, debtAsset}] = big.NewInt(95)

	result, err := h.engine.ExecuteLiquidation(liquidator, user, collateralAsset, debtAsset, big.NewInt(50))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.SeizedAmount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected seized: %s", result.SeizedAmount)
	}
	if result.ReducedDebt.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected reduced: %s", result.ReducedDebt)
	}
	// 5% bonus on 50 seized.
	if result.Bonus.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("unexpected bonus: %s", result.Bonus)
	}
	if result.ID == "" {
		t.Fatal("expected liquidation id")
	}

	record := h.state.records[pairKey{user, collateralAsset}]
	if record == nil || record.CumulativeSeized.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected record: %+v", record)
	}

	got := h.emitter.types()
	want := []string{events.TypeLiquidationStarted, events.TypeRecordUpdated, events.TypeLiquidationCompleted}
	if len(got) != len(want) {
		t.Fatalf("unexpected events: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestExecuteLiquidationRejectsHealthyPosition(t *testing.T) {
	h := newHarness(t)
	user, collateralAsset, debtAsset, liquidator := addr(0x10), addr(0x20), addr(0x21), addr(0x30)

	// Collateral value 100 against debt 95 at a 105% threshold: healthy.
	h.ledgers.totalCollateral[user] = big.NewInt(100)
	h.ledgers.totalDebt[user] = big.NewInt(95)
	h.ledgers.collateral[pairKey{user, collateralAsset}] = big.NewInt(100)
	h.ledgers.reducible[pairKey{user, debtAsset}] = big.NewInt(95)

	if _, err := h.engine.ExecuteLiquidation(liquidator, user, collateralAsset, debtAsset, big.NewInt(50)); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected not liquidatable, got %v", err)
	}
	if len(h.state.records) != 0 {
		t.Fatal("expected no record mutation for rejected liquidation")
	}
	got := h.emitter.types()
	if len(got) != 1 || got[0] != events.TypeLiquidationFailed {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestExecuteLiquidationAtomicOnDebtFailure(t *testing.T) {
	h := newHarness(t)
	user, collateralAsset, debtAsset, liquidator := addr(0x10), addr(0x20), addr(0x21), addr(0x30)

	h.ledgers.totalCollateral[user] = big.NewInt(90)
	h.ledgers.totalDebt[user] = big.NewInt(95)
	h.ledgers.collateral[pairKey{user, collateralAsset}] = big.NewInt(90)
	h.ledgers.reducible[pairKey{user, debtAsset}] = big.NewInt(95)
	h.ledgers.reduceErr = errors.New("debt ledger unavailable")

	if _, err := h.engine.ExecuteLiquidation(liquidator, user, collateralAsset, debtAsset, big.NewInt(50)); err == nil {
		t.Fatal("expected failure")
	}
	if len(h.state.records) != 0 || len(h.state.stats) != 0 {
		t.Fatal("staged record mutations must not survive a failed call")
	}
	// The collateral ledger must be untouched too: no partial seizure may be
	// observable anywhere after a failed liquidation.
	if balance := h.ledgers.collateral[pairKey{user, collateralAsset}]; balance.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("partial seizure observable: collateral ledger holds %s, want 90", balance)
	}
	if h.ledgers.withdrawals != 0 {
		t.Fatalf("expected no withdrawals after failed liquidation, got %d", h.ledgers.withdrawals)
	}
	if reducible := h.ledgers.reducible[pairKey{user, debtAsset}]; reducible.Cmp(big.NewInt(95)) != 0 {
		t.Fatalf("debt ledger mutated by failed reduction: %s", reducible)
	}
}

func TestExecuteLiquidationAtomicOnWithdrawFailure(t *testing.T) {
	h := newHarness(t)
	user, collateralAsset, debtAsset, liquidator := addr(0x10), addr(0x20), addr(0x21), addr(0x30)

	h.ledgers.totalCollateral[user] = big.NewInt(90)
	h.ledgers.totalDebt[user] = big.NewInt(95)
	h.ledgers.collateral[pairKey{user, collateralAsset}] = big.NewInt(90)
	h.ledgers.reducible[pairKey{user, debtAsset}] = big.NewInt(95)
	h.ledgers.withdrawErr = errors.New("collateral ledger unavailable")

	if _, err := h.engine.ExecuteLiquidation(liquidator, user, collateralAsset, debtAsset, big.NewInt(50)); err == nil {
		t.Fatal("expected failure")
	}
	if len(h.state.records) != 0 || len(h.state.stats) != 0 {
		t.Fatal("staged record mutations must not survive a failed call")
	}
	if balance := h.ledgers.collateral[pairKey{user, collateralAsset}]; balance.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("collateral ledger mutated by failed withdrawal: %s", balance)
	}
}

func TestBatchSeizeIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	liquidator := addr(0x30)
	userA, userB := addr(0x10), addr(0x11)
	asset := addr(0x20)
	h.ledgers.collateral[pairKey{userA, asset}] = big.NewInt(40)
	h.ledgers.collateral[pairKey{userB, asset}] = big.NewInt(40)

	users := []common.Address{userA, {}}
	assets := []common.Address{asset, asset}
	amounts := []*big.Int{big.NewInt(10), big.NewInt(10)}
	if _, err := h.engine.BatchSeizeCollateral(users, assets, amounts, liquidator); err == nil {
		t.Fatal("expected batch failure on zero user")
	}
	if len(h.state.records) != 0 {
		t.Fatal("expected no committed records after aborted batch")
	}
	// Validation runs before any withdrawal, so the sibling item's ledger
	// balance is untouched by the aborted batch.
	if balance := h.ledgers.collateral[pairKey{userA, asset}]; balance.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("aborted batch mutated ledger: %s", balance)
	}
	if h.ledgers.withdrawals != 0 {
		t.Fatalf("expected no withdrawals after aborted batch, got %d", h.ledgers.withdrawals)
	}

	if _, err := h.engine.BatchSeizeCollateral([]common.Address{userA}, []common.Address{asset}, []*big.Int{big.NewInt(10), big.NewInt(10)}, liquidator); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected length mismatch, got %v", err)
	}

	seized, err := h.engine.BatchSeizeCollateral([]common.Address{userA, userB}, []common.Address{asset, asset}, []*big.Int{big.NewInt(10), big.NewInt(60)}, liquidator)
	if err != nil {
		t.Fatalf("batch seize: %v", err)
	}
	if seized[0].Cmp(big.NewInt(10)) != 0 || seized[1].Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected batch amounts: %s %s", seized[0], seized[1])
	}
	stats := h.state.stats[pairKey{liquidator, asset}]
	if stats == nil || stats.TotalSeized.Cmp(big.NewInt(50)) != 0 || stats.SeizureCount != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTransferOutSeizedNeverNegative(t *testing.T) {
	h := newHarness(t)
	liquidator, asset := addr(0x30), addr(0x20)
	h.state.stats[pairKey{liquidator, asset}] = &LiquidatorStats{
		Liquidator:   liquidator,
		Asset:        asset,
		TotalSeized:  big.NewInt(70),
		SeizureCount: 2,
	}

	if err := h.engine.TransferOutSeized(liquidator, asset, big.NewInt(100)); !errors.Is(err, ErrInsufficientHeld) {
		t.Fatalf("expected insufficient held, got %v", err)
	}
	if err := h.engine.TransferOutSeized(liquidator, asset, big.NewInt(70)); err != nil {
		t.Fatalf("transfer out: %v", err)
	}
	stats := h.state.stats[pairKey{liquidator, asset}]
	if stats.TotalSeized.Sign() != 0 {
		t.Fatalf("expected drained holding, got %s", stats.TotalSeized)
	}
	if err := h.engine.TransferOutSeized(liquidator, asset, big.NewInt(1)); !errors.Is(err, ErrInsufficientHeld) {
		t.Fatalf("expected insufficient held after drain, got %v", err)
	}
}

func TestClearRecordResets(t *testing.T) {
	h := newHarness(t)
	user, asset, liquidator := addr(0x10), addr(0x20), addr(0x30)
	h.ledgers.collateral[pairKey{user, asset}] = big.NewInt(100)

	if _, err := h.engine.SeizeCollateral(user, asset, big.NewInt(60), liquidator); err != nil {
		t.Fatalf("seize: %v", err)
	}
	if err := h.engine.ClearRecord(user, asset); err != nil {
		t.Fatalf("clear: %v", err)
	}
	record, err := h.engine.GetRecord(user, asset)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record != nil {
		t.Fatalf("expected cleared record, got %+v", record)
	}
}

func TestPreviewLiquidation(t *testing.T) {
	h := newHarness(t)
	user, collateralAsset, debtAsset := addr(0x10), addr(0x20), addr(0x21)
	h.ledgers.totalCollateral[user] = big.NewInt(90)
	h.ledgers.totalDebt[user] = big.NewInt(95)
	h.ledgers.collateral[pairKey{user, collateralAsset}] = big.NewInt(90)
	h.ledgers.reducible[pairKey{user, debtAsset}] = big.NewInt(95)

	preview, err := h.engine.PreviewLiquidation(user, collateralAsset, debtAsset, big.NewInt(50), 1_000)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.SeizeEstimate.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected seize estimate: %s", preview.SeizeEstimate)
	}
	if preview.DebtReduceEstimate.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected reduce estimate: %s", preview.DebtReduceEstimate)
	}
	// (40 * 10500) / 45 = 9333.
	if preview.ProjectedHealthFactor.Cmp(big.NewInt(9_333)) != 0 {
		t.Fatalf("unexpected projected health factor: %s", preview.ProjectedHealthFactor)
	}
	// 10% slippage on 50.
	if preview.SlippageEstimate.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("unexpected slippage estimate: %s", preview.SlippageEstimate)
	}
	// Nothing mutated by a preview.
	if len(h.state.records) != 0 {
		t.Fatal("preview must not mutate records")
	}
}
