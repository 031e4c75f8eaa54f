// Package keylock provides per-key mutual exclusion with a fixed memory footprint.
//
// Keys are hashed onto a fixed set of mutexes (stripes). Two different keys may share a stripe,
// which only means they sometimes wait for each other; a single key always maps to the same stripe.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultStripes is the number of stripes used by New when given a non-positive count.
const DefaultStripes = 256

type Locks struct {
	stripes []sync.Mutex
}

// New creates a lock set with n stripes.
func New(n int) *Locks {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Locks{stripes: make([]sync.Mutex, n)}
}

func (l *Locks) stripe(key string) *sync.Mutex {
	return &l.stripes[xxhash.Sum64String(key)%uint64(len(l.stripes))]
}

// Do runs fn while holding the lock for key.
func (l *Locks) Do(key string, fn func()) {
	m := l.stripe(key)
	m.Lock()
	defer m.Unlock()
	fn()
}
