// Package lock provides a keyed mutex used wherever spec §5 requires
// per-key serialization: per (symbol, timeframe) candle writes (C4) and
// per order_id lifecycle transitions (C11). Generalized from the ad hoc
// sync.RWMutex caches scattered through the teacher repo (e.g.
// market_regime.MarketStateDetector's single-purpose cache lock) into a
// reusable type.
package lock

import "sync"

// Keyed hands out one *sync.Mutex per distinct key, created lazily and kept
// for the lifetime of the process. Entries are never removed: the key space
// (symbols x timeframes, or live order ids) is small and bounded in practice,
// so unbounded growth is not a concern for this single-process core.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty keyed-mutex set.
func New() *Keyed {
	return &Keyed{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *Keyed) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

// Unlock releases the mutex for key. Calling Unlock without a matching Lock
// is a programmer error, same as with sync.Mutex.
func (k *Keyed) Unlock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	k.mu.Unlock()
	if !ok {
		panic("lock: Unlock of unlocked key " + key)
	}
	m.Unlock()
}

// With runs fn while holding the lock for key.
func (k *Keyed) With(key string, fn func()) {
	k.Lock(key)
	defer k.Unlock(key)
	fn()
}
