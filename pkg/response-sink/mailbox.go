package sink

import (
	"context"
	"sync"

	"github.com/nodish/nodish/cache"
)

type eventKind int

const (
	headersEvent eventKind = iota
	chunkEvent
	completeEvent
	failEvent
)

type event struct {
	kind          eventKind
	statusCode    int
	statusMessage string
	header        cache.Header
	chunk         []byte
	err           error
}

// Mailbox buffers response events for a client waiting on a shared fetch.
// Pushing never blocks, so a slow client does not hold up the fetch or the other waiters.
// The events are written out by Drain, on the goroutine that serves the client.
type Mailbox struct {
	mu     sync.Mutex
	events []event
	closed bool
	notify chan struct{}
}

var _ Sink = (*Mailbox)(nil)

func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

func (m *Mailbox) push(e event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.events = append(m.events, e)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Mailbox) Headers(statusCode int, statusMessage string, header cache.Header) {
	m.push(event{kind: headersEvent, statusCode: statusCode, statusMessage: statusMessage, header: header})
}

func (m *Mailbox) Chunk(chunk []byte) {
	m.push(event{kind: chunkEvent, chunk: chunk})
}

func (m *Mailbox) Complete() {
	m.push(event{kind: completeEvent})
}

func (m *Mailbox) Fail(err error) {
	m.push(event{kind: failEvent, err: err})
}

// Close discards pending events and drops any pushed later.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.events = nil
}

// Drain writes the buffered events to dst in order until the response is complete.
// It returns nil on completion, the failure error if the fetch failed,
// or the context error if ctx is done first (in which case the mailbox is closed).
func (m *Mailbox) Drain(ctx context.Context, dst Sink) error {
	for {
		m.mu.Lock()
		events := m.events
		m.events = nil
		m.mu.Unlock()

		for _, e := range events {
			switch e.kind {
			case headersEvent:
				dst.Headers(e.statusCode, e.statusMessage, e.header)
			case chunkEvent:
				dst.Chunk(e.chunk)
			case completeEvent:
				dst.Complete()
				return nil
			case failEvent:
				dst.Fail(e.err)
				return e.err
			}
		}

		select {
		case <-m.notify:
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		}
	}
}
