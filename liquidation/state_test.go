package liquidation

import (
	"math/big"
	"testing"
	"time"

	"liqcore/storage"
)

func TestStoreStateRoundTrip(t *testing.T) {
	state := NewStoreState(storage.NewMemDB())
	user, asset, liquidator := addr(0x10), addr(0x20), addr(0x30)

	record, err := state.GetRecord(user, asset)
	if err != nil {
		t.Fatalf("get missing record: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil for missing record, got %+v", record)
	}

	stamp := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	if err := state.PutRecord(&Record{
		User:             user,
		Asset:            asset,
		CumulativeSeized: big.NewInt(1234),
		LastTimestamp:    stamp,
		LastLiquidator:   liquidator,
	}); err != nil {
		t.Fatalf("put record: %v", err)
	}

	loaded, err := state.GetRecord(user, asset)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if loaded.CumulativeSeized.Cmp(big.NewInt(1234)) != 0 {
		t.Fatalf("unexpected cumulative: %s", loaded.CumulativeSeized)
	}
	if !loaded.LastTimestamp.Equal(stamp) {
		t.Fatalf("unexpected timestamp: %s", loaded.LastTimestamp)
	}
	if loaded.LastLiquidator != liquidator {
		t.Fatalf("unexpected liquidator: %s", loaded.LastLiquidator.Hex())
	}

	if err := state.DeleteRecord(user, asset); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	loaded, err = state.GetRecord(user, asset)
	if err != nil {
		t.Fatalf("get deleted record: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil after delete, got %+v", loaded)
	}

	if err := state.PutLiquidatorStats(&LiquidatorStats{
		Liquidator:   liquidator,
		Asset:        asset,
		TotalSeized:  big.NewInt(99),
		SeizureCount: 3,
	}); err != nil {
		t.Fatalf("put stats: %v", err)
	}
	stats, err := state.GetLiquidatorStats(liquidator, asset)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.TotalSeized.Cmp(big.NewInt(99)) != 0 || stats.SeizureCount != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStagedStateBuffersUntilCommit(t *testing.T) {
	base := newMockEngineState()
	user, asset, liquidator := addr(0x10), addr(0x20), addr(0x30)
	base.records[pairKey{user, asset}] = &Record{
		User:             user,
		Asset:            asset,
		CumulativeSeized: big.NewInt(10),
	}

	staged := newStagedState(base)
	record, err := staged.GetRecord(user, asset)
	if err != nil {
		t.Fatalf("staged get: %v", err)
	}
	record.CumulativeSeized = big.NewInt(25)
	if err := staged.PutRecord(record); err != nil {
		t.Fatalf("staged put: %v", err)
	}
	if err := staged.PutLiquidatorStats(&LiquidatorStats{
		Liquidator:   liquidator,
		Asset:        asset,
		TotalSeized:  big.NewInt(15),
		SeizureCount: 1,
	}); err != nil {
		t.Fatalf("staged put stats: %v", err)
	}

	// Staged reads see the buffered write, the base does not.
	reread, err := staged.GetRecord(user, asset)
	if err != nil {
		t.Fatalf("staged reread: %v", err)
	}
	if reread.CumulativeSeized.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("staged read missed buffered write: %s", reread.CumulativeSeized)
	}
	if base.records[pairKey{user, asset}].CumulativeSeized.Cmp(big.NewInt(10)) != 0 {
		t.Fatal("base mutated before commit")
	}
	if len(base.stats) != 0 {
		t.Fatal("base stats mutated before commit")
	}

	if err := staged.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if base.records[pairKey{user, asset}].CumulativeSeized.Cmp(big.NewInt(25)) != 0 {
		t.Fatal("commit did not flush record")
	}
	if base.stats[pairKey{liquidator, asset}].TotalSeized.Cmp(big.NewInt(15)) != 0 {
		t.Fatal("commit did not flush stats")
	}
}

func TestStagedStateCommitsStoreInOneBatch(t *testing.T) {
	store := NewStoreState(storage.NewMemDB())
	user, asset, liquidator := addr(0x10), addr(0x20), addr(0x30)
	if err := store.PutRecord(&Record{
		User:             user,
		Asset:            asset,
		CumulativeSeized: big.NewInt(10),
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	stale := addr(0x40)
	if err := store.PutRecord(&Record{
		User:             stale,
		Asset:            asset,
		CumulativeSeized: big.NewInt(1),
	}); err != nil {
		t.Fatalf("seed stale record: %v", err)
	}

	staged := newStagedState(store)
	record, err := staged.GetRecord(user, asset)
	if err != nil {
		t.Fatalf("staged get: %v", err)
	}
	record.CumulativeSeized = big.NewInt(35)
	if err := staged.PutRecord(record); err != nil {
		t.Fatalf("staged put: %v", err)
	}
	if err := staged.PutLiquidatorStats(&LiquidatorStats{
		Liquidator:   liquidator,
		Asset:        asset,
		TotalSeized:  big.NewInt(25),
		SeizureCount: 1,
	}); err != nil {
		t.Fatalf("staged put stats: %v", err)
	}
	if err := staged.DeleteRecord(stale, asset); err != nil {
		t.Fatalf("staged delete: %v", err)
	}
	if err := staged.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	flushed, err := store.GetRecord(user, asset)
	if err != nil {
		t.Fatalf("get flushed record: %v", err)
	}
	if flushed.CumulativeSeized.Cmp(big.NewInt(35)) != 0 {
		t.Fatalf("unexpected flushed cumulative: %s", flushed.CumulativeSeized)
	}
	stats, err := store.GetLiquidatorStats(liquidator, asset)
	if err != nil {
		t.Fatalf("get flushed stats: %v", err)
	}
	if stats.TotalSeized.Cmp(big.NewInt(25)) != 0 || stats.SeizureCount != 1 {
		t.Fatalf("unexpected flushed stats: %+v", stats)
	}
	removed, err := store.GetRecord(stale, asset)
	if err != nil {
		t.Fatalf("get deleted record: %v", err)
	}
	if removed != nil {
		t.Fatalf("expected staged delete flushed, got %+v", removed)
	}
}

func TestStagedStateDeleteShadowsBase(t *testing.T) {
	base := newMockEngineState()
	user, asset := addr(0x10), addr(0x20)
	base.records[pairKey{user, asset}] = &Record{
		User:             user,
		Asset:            asset,
		CumulativeSeized: big.NewInt(10),
	}

	staged := newStagedState(base)
	if err := staged.DeleteRecord(user, asset); err != nil {
		t.Fatalf("staged delete: %v", err)
	}
	record, err := staged.GetRecord(user, asset)
	if err != nil {
		t.Fatalf("staged get: %v", err)
	}
	if record != nil {
		t.Fatalf("expected deleted record shadowed, got %+v", record)
	}
	if base.records[pairKey{user, asset}] == nil {
		t.Fatal("base deleted before commit")
	}

	if err := staged.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := base.records[pairKey{user, asset}]; ok {
		t.Fatal("commit did not apply delete")
	}
}
