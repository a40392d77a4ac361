// Package cache holds the cached-response model and the storage
// providers that back the shield.
package cache

import (
	"sync"
	"time"
)

// State describes where an entry is in its lifetime. It is always
// derived from the clock, never stored.
type State int

const (
	// Fresh entries are servable as cache hits.
	Fresh State = iota
	// Stale entries are servable only as a degraded fallback when the
	// upstream is failing.
	Stale
	// Expired entries are not servable at all.
	Expired
)

// Entry is one cached upstream response.
type Entry struct {
	// Status is the HTTP status code returned by the upstream on the
	// last successful fetch.
	Status      int
	ContentType string
	// Body is the raw response payload, stored as text.
	Body     string
	StoredAt time.Time
	// FreshUntil is StoredAt plus the freshness window.
	FreshUntil time.Time
	// StaleUntil is StoredAt plus the staleness window.
	// Invariant: StaleUntil is never before FreshUntil.
	StaleUntil time.Time
}

// State reports the lifetime state of the entry at the given instant.
func (e Entry) State(now time.Time) State {
	if !now.After(e.FreshUntil) {
		return Fresh
	}
	if !now.After(e.StaleUntil) {
		return Stale
	}
	return Expired
}

// TTL returns the remaining freshness window at the given instant,
// or zero if the entry is no longer fresh.
func (e Entry) TTL(now time.Time) time.Duration {
	ttl := e.FreshUntil.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// StaleTTL returns the remaining staleness window at the given instant,
// or zero if the entry is expired.
func (e Entry) StaleTTL(now time.Time) time.Duration {
	ttl := e.StaleUntil.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Provider is an interface for a cache provider.
// It stores entries keyed by the fully-qualified upstream URL; keys are
// compared by exact byte equality only.
//
// Implementations must be thread-safe!
type Provider interface {
	// Get returns the entry for the given key, if a usable one exists.
	// Entries past their stale deadline are purged on read and
	// reported as a miss.
	Get(key string) (Entry, bool, error)
	// Put stores the entry under the given key, replacing any
	// previous entry.
	Put(key string, entry Entry) error
	// Purge removes the entry for the given key.
	Purge(key string)
	// Len returns the number of stored entries, including ones that
	// have expired but have not been read since.
	Len() int
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]Entry
}

func NewMemCache() *MemCache {
	return &MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
}

func (m *MemCache) Get(key string) (Entry, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entry, ok := m.db[key]
	if !ok {
		return Entry{}, false, nil
	}
	if time.Now().After(entry.StaleUntil) {
		delete(m.db, key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (m *MemCache) Put(key string, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = entry
	return nil
}

func (m *MemCache) Purge(key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
}

func (m *MemCache) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}
