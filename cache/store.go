package cache

import (
	"sync"
	"time"

	cachekey "github.com/nodish/nodish/pkg/cache-key"
)

// Store holds complete entries and the partial responses of fetches in progress.
//
// Implementations must be thread-safe!
type Store interface {
	// Set stores the entry under the given key, replacing any previous entry.
	Set(key cachekey.Key, entry *Entry)
	// Get returns the entry for the given key, if it exists.
	// If the entry has expired, the store purges it and returns false.
	Get(key cachekey.Key) (*Entry, bool)
	// Purge removes the entry for the given key. Purging a missing key is not an error.
	Purge(key cachekey.Key)

	// SetPartial stores the partial response for a fetch in progress.
	SetPartial(key cachekey.Key, partial *Partial)
	// GetPartial returns the partial response for the given key, if a fetch is in progress.
	GetPartial(key cachekey.Key) (*Partial, bool)
	// PurgePartial removes the partial response for the given key.
	PurgePartial(key cachekey.Key)
}

// MemStore is an in-memory Store.
// Expiry is lazy: entries are only evicted when read after their TTL has passed, or when purged.
type MemStore struct {
	mutex    *sync.Mutex
	entries  map[cachekey.Key]*Entry
	partials map[cachekey.Key]*Partial
	now      func() time.Time
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		mutex:    &sync.Mutex{},
		entries:  make(map[cachekey.Key]*Entry),
		partials: make(map[cachekey.Key]*Partial),
		now:      time.Now,
	}
}

// WithClock replaces the clock used for expiry checks.
func (m *MemStore) WithClock(now func() time.Time) *MemStore {
	m.now = now
	return m
}

func (m *MemStore) Set(key cachekey.Key, entry *Entry) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.entries[key] = entry
}

func (m *MemStore) Get(key cachekey.Key) (*Entry, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if entry.Expired(m.now()) {
		delete(m.entries, key)
		return nil, false
	}
	return entry, true
}

func (m *MemStore) Purge(key cachekey.Key) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.entries, key)
}

// Len returns the number of stored entries, expired ones included.
func (m *MemStore) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.entries)
}

func (m *MemStore) SetPartial(key cachekey.Key, partial *Partial) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.partials[key] = partial
}

func (m *MemStore) GetPartial(key cachekey.Key) (*Partial, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	partial, ok := m.partials[key]
	return partial, ok
}

func (m *MemStore) PurgePartial(key cachekey.Key) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.partials, key)
}
