package nodish

import (
	"time"

	"github.com/nodish/nodish/cache"
	cachekey "github.com/nodish/nodish/pkg/cache-key"
	sink "github.com/nodish/nodish/pkg/response-sink"
	waitqueue "github.com/nodish/nodish/pkg/waiter-queue"
)

// directObserver streams a fetch to a single client and keeps nothing.
type directObserver struct {
	sink sink.Sink
}

func (o directObserver) OnHeaders(p *cache.Partial) {
	o.sink.Headers(p.StatusCode, p.StatusMessage, p.Header)
}

func (o directObserver) OnChunk(chunk []byte) {
	o.sink.Chunk(chunk)
}

func (o directObserver) OnComplete(*cache.Entry) {
	o.sink.Complete()
}

func (o directObserver) OnFailure(err error) {
	o.sink.Fail(err)
}

// broadcastObserver streams a fetch to every waiter of the key
// and stores the completed response.
type broadcastObserver struct {
	key   cachekey.Key
	queue *waitqueue.Queue
	store cache.Store
	ttl   time.Duration
}

func (o broadcastObserver) OnHeaders(p *cache.Partial) {
	o.queue.Broadcast(o.key, func(w *waitqueue.Waiter) {
		w.Sink.Headers(p.StatusCode, p.StatusMessage, p.Header)
	})
}

func (o broadcastObserver) OnChunk(chunk []byte) {
	o.queue.Broadcast(o.key, func(w *waitqueue.Waiter) {
		w.Sink.Chunk(chunk)
	})
}

func (o broadcastObserver) OnComplete(entry *cache.Entry) {
	entry.TTL = o.ttl
	o.store.Set(o.key, entry)
	o.queue.Broadcast(o.key, func(w *waitqueue.Waiter) {
		w.Sink.Complete()
	})
}

func (o broadcastObserver) OnFailure(err error) {
	o.queue.Broadcast(o.key, func(w *waitqueue.Waiter) {
		w.Sink.Fail(err)
	})
}

// replay hands the response received so far to a client joining a fetch in progress.
func replay(p *cache.Partial, s sink.Sink) {
	s.Headers(p.StatusCode, p.StatusMessage, p.Header)
	for _, chunk := range p.Chunks() {
		s.Chunk(chunk)
	}
}
