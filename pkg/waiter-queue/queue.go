// Package waitqueue keeps track of the clients waiting for an upstream fetch, per cache key.
package waitqueue

import (
	"net/http"
	"sync"

	cachekey "github.com/nodish/nodish/pkg/cache-key"
	sink "github.com/nodish/nodish/pkg/response-sink"
)

// Waiter is a client queued against a cache key.
type Waiter struct {
	Request *http.Request
	Sink    sink.Sink
}

// Queue holds, per key, the waiters in arrival order.
//
// Every method is atomic on its own. Sequences of calls that must not interleave with a
// broadcast for the same key (e.g. checking for waiters and then enqueueing) need external locking.
type Queue struct {
	mutex   sync.Mutex
	waiters map[cachekey.Key][]*Waiter
}

func New() *Queue {
	return &Queue{waiters: make(map[cachekey.Key][]*Waiter)}
}

// HasWaiters reports whether any waiter is queued for the key.
func (q *Queue) HasWaiters(key cachekey.Key) bool {
	return q.Len(key) > 0
}

// Len returns the number of waiters queued for the key.
func (q *Queue) Len(key cachekey.Key) int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.waiters[key])
}

// Enqueue appends a waiter for the key.
func (q *Queue) Enqueue(key cachekey.Key, w *Waiter) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.waiters[key] = append(q.waiters[key], w)
}

// Broadcast calls fn for every waiter of the key, in arrival order.
// The waiters stay queued.
func (q *Queue) Broadcast(key cachekey.Key, fn func(w *Waiter)) {
	q.mutex.Lock()
	waiters := append([]*Waiter(nil), q.waiters[key]...)
	q.mutex.Unlock()

	for _, w := range waiters {
		fn(w)
	}
}

// Clear drops all waiters of the key.
// It does not notify them: the terminal event must have been broadcast before.
func (q *Queue) Clear(key cachekey.Key) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	delete(q.waiters, key)
}
