package cache

import (
	"bytes"
	"sync"
	"time"
)

// DefaultTTL is the time-to-live of entries that do not specify their own.
const DefaultTTL = 120 * time.Second

// Entry is a complete, servable response.
// Entries are never modified once stored; a newer response replaces the entry as a whole.
type Entry struct {
	StatusCode    int
	StatusMessage string
	Header        Header
	Body          []byte
	// UpdateTime is the time the body was completed.
	UpdateTime time.Time
	// TTL overrides DefaultTTL if set.
	TTL time.Duration
}

func (e *Entry) ttl() time.Duration {
	if e.TTL > 0 {
		return e.TTL
	}
	return DefaultTTL
}

// Expired reports whether the entry is no longer servable at the given time.
// An entry is still servable at exactly UpdateTime + TTL.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.UpdateTime) > e.ttl()
}

// Partial is a response whose body is still being received.
type Partial struct {
	StatusCode    int
	StatusMessage string
	Header        Header

	mu     sync.Mutex
	chunks [][]byte
}

// NewPartial creates a partial response with an empty body.
func NewPartial(statusCode int, statusMessage string, header Header) *Partial {
	return &Partial{
		StatusCode:    statusCode,
		StatusMessage: statusMessage,
		Header:        header,
	}
}

// Append adds a received body chunk.
// The partial keeps the slice, the caller must not modify it afterwards.
func (p *Partial) Append(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, chunk)
}

// Chunks returns the chunks received so far, in order.
func (p *Partial) Chunks() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.chunks...)
}

// Len returns the number of body bytes received so far.
func (p *Partial) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.chunks {
		n += len(c)
	}
	return n
}

// Finalize concatenates the received chunks into a complete entry.
func (p *Partial) Finalize(updateTime time.Time) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Entry{
		StatusCode:    p.StatusCode,
		StatusMessage: p.StatusMessage,
		Header:        p.Header,
		Body:          bytes.Join(p.chunks, nil),
		UpdateTime:    updateTime,
	}
}
