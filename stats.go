package nodish

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

type counters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
	fetches   atomic.Int64
	forwards  atomic.Int64
	purges    atomic.Int64
	failures  atomic.Int64
}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	// Hits is the number of requests served from a stored entry.
	Hits int64
	// Misses is the number of cacheable requests that had to wait for a fetch.
	Misses int64
	// Coalesced is the number of misses that joined a fetch started by another request.
	Coalesced int64
	// Fetches is the number of cache fetches started.
	Fetches int64
	// Forwards is the number of requests relayed without caching.
	Forwards int64
	Purges   int64
	// Failures counts fetches and forwards that ended in an error.
	Failures int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
		Fetches:   c.fetches.Load(),
		Forwards:  c.forwards.Load(),
		Purges:    c.purges.Load(),
		Failures:  c.failures.Load(),
	}
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (s Stats) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("hits", s.Hits).
		Int64("misses", s.Misses).
		Int64("coalesced", s.Coalesced).
		Int64("fetches", s.Fetches).
		Int64("forwards", s.Forwards).
		Int64("purges", s.Purges).
		Int64("failures", s.Failures)
}
