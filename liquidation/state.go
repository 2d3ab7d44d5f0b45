package liquidation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"liqcore/storage"
)

// engineState is the persistence boundary for liquidation records and
// per-liquidator holding stats. Lookups return nil when no entry exists.
type engineState interface {
	GetRecord(user, asset common.Address) (*Record, error)
	PutRecord(record *Record) error
	DeleteRecord(user, asset common.Address) error
	GetLiquidatorStats(liquidator, asset common.Address) (*LiquidatorStats, error)
	PutLiquidatorStats(stats *LiquidatorStats) error
}

const (
	recordPrefix = "liq/record/"
	statsPrefix  = "liq/stats/"
)

// StoreState persists engine records in a key-value database as JSON.
type StoreState struct {
	db storage.Database
}

// NewStoreState wraps a database in the engine persistence interface.
func NewStoreState(db storage.Database) *StoreState {
	return &StoreState{db: db}
}

func recordKey(user, asset common.Address) []byte {
	return []byte(recordPrefix + user.Hex() + "/" + asset.Hex())
}

func statsKey(liquidator, asset common.Address) []byte {
	return []byte(statsPrefix + liquidator.Hex() + "/" + asset.Hex())
}

func (s *StoreState) GetRecord(user, asset common.Address) (*Record, error) {
	raw, err := s.db.Get(recordKey(user, asset))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("liquidation: load record: %w", err)
	}
	record := &Record{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("liquidation: decode record: %w", err)
	}
	record.EnsureDefaults()
	return record, nil
}

func (s *StoreState) PutRecord(record *Record) error {
	if record == nil {
		return errors.New("liquidation: nil record")
	}
	record.EnsureDefaults()
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("liquidation: encode record: %w", err)
	}
	return s.db.Put(recordKey(record.User, record.Asset), raw)
}

func (s *StoreState) DeleteRecord(user, asset common.Address) error {
	return s.db.Delete(recordKey(user, asset))
}

func (s *StoreState) GetLiquidatorStats(liquidator, asset common.Address) (*LiquidatorStats, error) {
	raw, err := s.db.Get(statsKey(liquidator, asset))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("liquidation: load stats: %w", err)
	}
	stats := &LiquidatorStats{}
	if err := json.Unmarshal(raw, stats); err != nil {
		return nil, fmt.Errorf("liquidation: decode stats: %w", err)
	}
	stats.EnsureDefaults()
	return stats, nil
}

func (s *StoreState) PutLiquidatorStats(stats *LiquidatorStats) error {
	if stats == nil {
		return errors.New("liquidation: nil stats")
	}
	stats.EnsureDefaults()
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("liquidation: encode stats: %w", err)
	}
	return s.db.Put(statsKey(stats.Liquidator, stats.Asset), raw)
}

// stagedState buffers writes on top of an underlying state so a liquidation
// call either commits every mutation or none of them. Reads observe staged
// writes; nothing touches the underlying state until Commit.
type stagedState struct {
	base           engineState
	records        map[string]*Record
	deletedRecords map[string]common.Address // key -> user, paired with deletedAssets
	deletedAssets  map[string]common.Address
	stats          map[string]*LiquidatorStats
}

func newStagedState(base engineState) *stagedState {
	return &stagedState{
		base:           base,
		records:        make(map[string]*Record),
		deletedRecords: make(map[string]common.Address),
		deletedAssets:  make(map[string]common.Address),
		stats:          make(map[string]*LiquidatorStats),
	}
}

func (s *stagedState) GetRecord(user, asset common.Address) (*Record, error) {
	key := string(recordKey(user, asset))
	if _, deleted := s.deletedRecords[key]; deleted {
		return nil, nil
	}
	if staged, ok := s.records[key]; ok {
		return staged.Clone(), nil
	}
	record, err := s.base.GetRecord(user, asset)
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

func (s *stagedState) PutRecord(record *Record) error {
	if record == nil {
		return errors.New("liquidation: nil record")
	}
	key := string(recordKey(record.User, record.Asset))
	delete(s.deletedRecords, key)
	delete(s.deletedAssets, key)
	s.records[key] = record.Clone()
	return nil
}

func (s *stagedState) DeleteRecord(user, asset common.Address) error {
	key := string(recordKey(user, asset))
	delete(s.records, key)
	s.deletedRecords[key] = user
	s.deletedAssets[key] = asset
	return nil
}

func (s *stagedState) GetLiquidatorStats(liquidator, asset common.Address) (*LiquidatorStats, error) {
	key := string(statsKey(liquidator, asset))
	if staged, ok := s.stats[key]; ok {
		return staged.Clone(), nil
	}
	stats, err := s.base.GetLiquidatorStats(liquidator, asset)
	if err != nil {
		return nil, err
	}
	return stats.Clone(), nil
}

func (s *stagedState) PutLiquidatorStats(stats *LiquidatorStats) error {
	if stats == nil {
		return errors.New("liquidation: nil stats")
	}
	s.stats[string(statsKey(stats.Liquidator, stats.Asset))] = stats.Clone()
	return nil
}

// commitStaged flushes a staged overlay as one atomic KV batch, so a backend
// failure cannot leave the store holding a subset of the call's writes.
func (s *StoreState) commitStaged(staged *stagedState) error {
	puts := make(map[string][]byte, len(staged.records)+len(staged.stats))
	deletes := make([][]byte, 0, len(staged.deletedRecords))
	for key := range staged.deletedRecords {
		deletes = append(deletes, []byte(key))
	}
	for key, record := range staged.records {
		record.EnsureDefaults()
		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("liquidation: encode record: %w", err)
		}
		puts[key] = raw
	}
	for key, stats := range staged.stats {
		stats.EnsureDefaults()
		raw, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("liquidation: encode stats: %w", err)
		}
		puts[key] = raw
	}
	return s.db.WriteBatch(puts, deletes)
}

// Commit flushes staged writes to the underlying state. A store-backed state
// commits in a single batch write; other implementations flush sequentially.
func (s *stagedState) Commit() error {
	if store, ok := s.base.(*StoreState); ok {
		return store.commitStaged(s)
	}
	for key, user := range s.deletedRecords {
		if err := s.base.DeleteRecord(user, s.deletedAssets[key]); err != nil {
			return err
		}
	}
	for _, record := range s.records {
		if err := s.base.PutRecord(record); err != nil {
			return err
		}
	}
	for _, stats := range s.stats {
		if err := s.base.PutLiquidatorStats(stats); err != nil {
			return err
		}
	}
	return nil
}
