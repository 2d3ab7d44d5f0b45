package modcache

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"liqcore/events"
	"liqcore/observability"
)

var (
	ErrEmptyKey          = errors.New("modcache: key must not be empty")
	ErrZeroAddress       = errors.New("modcache: address must not be zero")
	ErrSameAddress       = errors.New("modcache: address already registered for key")
	ErrNotFound          = errors.New("modcache: module not found")
	ErrExpired           = errors.New("modcache: entry expired")
	ErrClockRollback     = errors.New("modcache: clock rollback detected")
	ErrBatchLength       = errors.New("modcache: batch keys and addresses must match in length")
	ErrUnauthorizedCall  = errors.New("modcache: caller not authorised to mutate cache")
	ErrRegistryUnset     = errors.New("modcache: address registry not configured")
	errNilRegistryResult = errors.New("modcache: registry returned zero address")
)

// AddressRegistry is the fallback resolver consulted when a cache entry is
// missing or stale. It is read-only from the cache's perspective.
type AddressRegistry interface {
	Lookup(key string) (common.Address, error)
}

// AccessController decides whether a caller may mutate the cache. A nil
// controller allows every caller.
type AccessController func(caller common.Address) bool

// Entry is a single cached module address together with its freshness
// metadata. Version increases by one on every re-registration of the key.
type Entry struct {
	Key      string
	Address  common.Address
	CachedAt time.Time
	Version  uint64
}

// Cache resolves module keys to collaborator contract addresses. Freshness is
// judged per lookup against a max age; policy (default max age, clock
// rollback tolerance) is instance configuration rather than ambient global
// state.
type Cache struct {
	mu               sync.RWMutex
	entries          map[string]Entry
	registry         AddressRegistry
	defaultMaxAge    time.Duration
	tolerateRollback bool
	accessController AccessController
	globalVersion    uint64
	now              func() time.Time
	emitter          events.Emitter
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithRegistry wires the fallback address registry used by Resolve.
func WithRegistry(registry AddressRegistry) Option {
	return func(c *Cache) { c.registry = registry }
}

// WithDefaultMaxAge sets the freshness window used by Resolve.
func WithDefaultMaxAge(maxAge time.Duration) Option {
	return func(c *Cache) { c.defaultMaxAge = maxAge }
}

// WithRollbackTolerance controls whether entries observed in the future
// (clock moved backwards) are still treated as fresh.
func WithRollbackTolerance(tolerate bool) Option {
	return func(c *Cache) { c.tolerateRollback = tolerate }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithEmitter wires an event emitter for cache mutations.
func WithEmitter(emitter events.Emitter) Option {
	return func(c *Cache) {
		if emitter != nil {
			c.emitter = emitter
		}
	}
}

// New constructs an empty cache with the supplied options applied.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[string]Entry),
		defaultMaxAge: time.Hour,
		now:           time.Now,
		emitter:       events.NoopEmitter{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetRollbackTolerance flips the clock rollback policy at runtime.
func (c *Cache) SetRollbackTolerance(tolerate bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.tolerateRollback = tolerate
	c.mu.Unlock()
}

// SetAccessController installs the caller gate applied to every mutation. A
// nil controller removes the gate.
func (c *Cache) SetAccessController(controller AccessController) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.accessController = controller
	c.mu.Unlock()
}

// Set registers or refreshes the address for a key. Re-registering the
// identical address is rejected so caller mistakes surface instead of
// silently succeeding.
func (c *Cache) Set(key string, addr common.Address, caller common.Address) error {
	if c == nil {
		return ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorise(caller); err != nil {
		return err
	}
	entry, err := c.validateSet(key, addr)
	if err != nil {
		return err
	}
	c.store(entry)
	c.emitter.Emit(events.ModuleCached{
		Key:     entry.Key,
		Address: entry.Address,
		Caller:  caller,
		Version: c.entries[entry.Key].Version,
	})
	return nil
}

// BatchSet registers every key/address pair or none of them: the full batch
// is validated before the first mutation is applied.
func (c *Cache) BatchSet(keys []string, addrs []common.Address, caller common.Address) error {
	if c == nil {
		return ErrNotFound
	}
	if len(keys) != len(addrs) {
		return ErrBatchLength
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorise(caller); err != nil {
		return err
	}
	staged := make([]Entry, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for i, key := range keys {
		entry, err := c.validateSet(key, addrs[i])
		if err != nil {
			return fmt.Errorf("modcache: batch entry %d: %w", i, err)
		}
		if _, dup := seen[entry.Key]; dup {
			return fmt.Errorf("modcache: batch entry %d: duplicate key %q", i, entry.Key)
		}
		seen[entry.Key] = struct{}{}
		staged = append(staged, entry)
	}
	for _, entry := range staged {
		c.store(entry)
		c.emitter.Emit(events.ModuleCached{
			Key:     entry.Key,
			Address: entry.Address,
			Caller:  caller,
			Version: c.entries[entry.Key].Version,
		})
	}
	return nil
}

// Remove deletes the entry for a key. Removing an absent key fails with
// ErrNotFound.
func (c *Cache) Remove(key string, caller common.Address) error {
	if c == nil {
		return ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorise(caller); err != nil {
		return err
	}
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return ErrEmptyKey
	}
	if _, ok := c.entries[trimmed]; !ok {
		return ErrNotFound
	}
	delete(c.entries, trimmed)
	c.globalVersion++
	observability.Cache().RecordMutation()
	c.emitter.Emit(events.ModuleRemoved{Key: trimmed, Caller: caller})
	return nil
}

// BatchRemove deletes every key or none of them.
func (c *Cache) BatchRemove(keys []string, caller common.Address) error {
	if c == nil {
		return ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorise(caller); err != nil {
		return err
	}
	trimmed := make([]string, 0, len(keys))
	for i, key := range keys {
		t := strings.TrimSpace(key)
		if t == "" {
			return fmt.Errorf("modcache: batch entry %d: %w", i, ErrEmptyKey)
		}
		if _, ok := c.entries[t]; !ok {
			return fmt.Errorf("modcache: batch entry %d: %w", i, ErrNotFound)
		}
		trimmed = append(trimmed, t)
	}
	for _, key := range trimmed {
		delete(c.entries, key)
		c.globalVersion++
		observability.Cache().RecordMutation()
		c.emitter.Emit(events.ModuleRemoved{Key: key, Caller: caller})
	}
	return nil
}

// Get returns the cached address when the entry exists and is fresh within
// maxAge. Stale entries, unknown keys, and clock rollbacks fail with typed
// errors so callers can distinguish the conditions.
func (c *Cache) Get(key string, maxAge time.Duration) (common.Address, error) {
	if c == nil {
		return common.Address{}, ErrNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(key, maxAge)
}

// Resolve returns a fresh cached address using the instance default max age,
// consulting the fallback registry when the cache cannot answer. Registry
// hits refresh the cache entry.
func (c *Cache) Resolve(key string) (common.Address, error) {
	if c == nil {
		return common.Address{}, ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, err := c.lookup(key, c.defaultMaxAge)
	if err == nil {
		return addr, nil
	}
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrExpired) {
		return common.Address{}, err
	}
	if c.registry == nil {
		return common.Address{}, fmt.Errorf("%w: %s", ErrRegistryUnset, strings.TrimSpace(key))
	}
	resolved, lookupErr := c.registry.Lookup(strings.TrimSpace(key))
	if lookupErr != nil {
		return common.Address{}, fmt.Errorf("modcache: registry lookup %q: %w", strings.TrimSpace(key), lookupErr)
	}
	if resolved == (common.Address{}) {
		return common.Address{}, errNilRegistryResult
	}
	entry := Entry{Key: strings.TrimSpace(key), Address: resolved, CachedAt: c.now()}
	c.store(entry)
	return resolved, nil
}

// Keys returns a sorted copy of every cached key.
func (c *Cache) Keys() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes at most limit entries and reports how many were removed. A
// non-positive limit clears nothing; callers drain large caches in bounded
// chunks by looping until Clear returns zero.
func (c *Cache) Clear(limit int) int {
	if c == nil || limit <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	for _, key := range keys {
		delete(c.entries, key)
		c.globalVersion++
		observability.Cache().RecordMutation()
	}
	return len(keys)
}

// GlobalVersion returns the monotonically increasing mutation counter used
// for external cache-invalidation coordination.
func (c *Cache) GlobalVersion() uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.globalVersion
}

// EntryVersion returns the per-key registration version.
func (c *Cache) EntryVersion(key string) (uint64, error) {
	if c == nil {
		return 0, ErrNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[strings.TrimSpace(key)]
	if !ok {
		return 0, ErrNotFound
	}
	return entry.Version, nil
}

// Snapshot returns a copy of the entry for diagnostics.
func (c *Cache) Snapshot(key string) (Entry, error) {
	if c == nil {
		return Entry{}, ErrNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[strings.TrimSpace(key)]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (c *Cache) authorise(caller common.Address) error {
	if c.accessController == nil {
		return nil
	}
	if !c.accessController(caller) {
		return ErrUnauthorizedCall
	}
	return nil
}

// validateSet checks a pending registration without mutating state so batch
// operations can stage the full set before applying anything.
func (c *Cache) validateSet(key string, addr common.Address) (Entry, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return Entry{}, ErrEmptyKey
	}
	if addr == (common.Address{}) {
		return Entry{}, ErrZeroAddress
	}
	if existing, ok := c.entries[trimmed]; ok && existing.Address == addr {
		return Entry{}, ErrSameAddress
	}
	return Entry{Key: trimmed, Address: addr, CachedAt: c.now()}, nil
}

func (c *Cache) store(entry Entry) {
	if existing, ok := c.entries[entry.Key]; ok {
		entry.Version = existing.Version + 1
	} else {
		entry.Version = 1
	}
	c.entries[entry.Key] = entry
	c.globalVersion++
	observability.Cache().RecordMutation()
}

func (c *Cache) lookup(key string, maxAge time.Duration) (common.Address, error) {
	trimmed := strings.TrimSpace(key)
	entry, ok := c.entries[trimmed]
	if !ok {
		observability.Cache().RecordLookup("miss")
		return common.Address{}, ErrNotFound
	}
	now := c.now()
	if now.Before(entry.CachedAt) {
		if !c.tolerateRollback {
			observability.Cache().RecordLookup("rollback")
			return common.Address{}, ErrClockRollback
		}
		observability.Cache().RecordLookup("hit")
		return entry.Address, nil
	}
	if maxAge > 0 && now.Sub(entry.CachedAt) > maxAge {
		observability.Cache().RecordLookup("expired")
		return common.Address{}, ErrExpired
	}
	observability.Cache().RecordLookup("hit")
	return entry.Address, nil
}
