package nodish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodish/nodish/cache"
	cachekey "github.com/nodish/nodish/pkg/cache-key"
	"github.com/nodish/nodish/pkg/keylock"
	waitqueue "github.com/nodish/nodish/pkg/waiter-queue"
)

// MaxRequestBodySize is the default limit for request bodies relayed to the backend.
const MaxRequestBodySize = 1_000_000

var (
	// ErrRequestBodyTooLarge means the client sent more than the allowed request body.
	ErrRequestBodyTooLarge = errors.New("request body too large")
	// ErrUpstream means the backend could not be reached or the response stream broke off.
	ErrUpstream = errors.New("upstream failure")
)

// State is the state of a single upstream fetch.
type State int

const (
	StateNotStarted State = iota
	StateHeadersPending
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateHeadersPending:
		return "headers-pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Observer receives the events of an upstream fetch.
// OnHeaders is followed by zero or more OnChunk calls, then OnComplete.
// OnFailure may come at any point and is always the last event.
type Observer interface {
	OnHeaders(partial *cache.Partial)
	OnChunk(chunk []byte)
	OnComplete(entry *cache.Entry)
	OnFailure(err error)
}

// Pipeline issues requests to the backend and streams the responses to an Observer.
type Pipeline struct {
	backend     url.URL
	client      *http.Client
	store       cache.Store
	queue       *waitqueue.Queue
	locks       *keylock.Locks
	maxBodySize int64
	log         zerolog.Logger
	now         func() time.Time
}

func newPipeline(backend url.URL, transport http.RoundTripper, store cache.Store, queue *waitqueue.Queue, locks *keylock.Locks, maxBodySize int64, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		backend: backend,
		client: &http.Client{
			Transport: transport,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store:       store,
		queue:       queue,
		locks:       locks,
		maxBodySize: maxBodySize,
		log:         logger,
		now:         time.Now,
	}
}

// Fetch fetches a cacheable resource.
// While the body streams in, the response is available as a partial entry under key.
// When the fetch ends, the partial entry is removed and the waiters of key are cleared,
// right after the observer saw the terminal event.
func (p *Pipeline) Fetch(ctx context.Context, key cachekey.Key, r *http.Request, obs Observer) State {
	return p.run(ctx, &key, r, obs)
}

// Forward relays a request to the backend without touching the cache.
func (p *Pipeline) Forward(ctx context.Context, r *http.Request, obs Observer) State {
	return p.run(ctx, nil, r, obs)
}

type fetch struct {
	key   *cachekey.Key
	state State
	log   zerolog.Logger
}

func (f *fetch) transition(s State) {
	f.log.Trace().Stringer("from", f.state).Stringer("to", s).Msg("Fetch state")
	f.state = s
}

func (p *Pipeline) run(ctx context.Context, key *cachekey.Key, r *http.Request, obs Observer) State {
	logCtx := p.log.With().Str("method", r.Method).Str("path", cachekey.RequestPath(r))
	if key != nil {
		logCtx = logCtx.Str("key", key.String())
	}
	f := &fetch{key: key, log: logCtx.Logger()}

	req, body, err := p.newUpstreamRequest(ctx, r)
	if err != nil {
		return p.fail(f, obs, err)
	}

	f.transition(StateHeadersPending)
	res, err := p.client.Do(req)
	if err != nil {
		if body.Exceeded() {
			return p.fail(f, obs, ErrRequestBodyTooLarge)
		}
		return p.fail(f, obs, fmt.Errorf("%w: %v", ErrUpstream, err))
	}
	defer res.Body.Close()

	partial := cache.NewPartial(res.StatusCode, statusMessage(res), cache.NormalizeHeader(res.Header))
	p.locked(key, func() {
		if key != nil {
			p.store.SetPartial(*key, partial)
		}
		obs.OnHeaders(partial)
	})
	f.transition(StateStreaming)

	buf := make([]byte, 32*1024)
	for {
		n, err := res.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.locked(key, func() {
				partial.Append(chunk)
				obs.OnChunk(chunk)
			})
			f.log.Trace().Int("bytes", n).Msg("Chunk from upstream")
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if body.Exceeded() {
				return p.fail(f, obs, ErrRequestBodyTooLarge)
			}
			return p.fail(f, obs, fmt.Errorf("%w: %v", ErrUpstream, err))
		}
	}
	// the backend may answer before reading the whole request body
	if body.Exceeded() {
		return p.fail(f, obs, ErrRequestBodyTooLarge)
	}

	entry := partial.Finalize(p.now())
	p.locked(key, func() {
		if key != nil {
			p.store.PurgePartial(*key)
		}
		obs.OnComplete(entry)
		if key != nil {
			p.queue.Clear(*key)
		}
	})
	f.transition(StateCompleted)
	f.log.Trace().Int("status", entry.StatusCode).Int("bytes", len(entry.Body)).Msg("Got response from origin")
	return f.state
}

func (p *Pipeline) fail(f *fetch, obs Observer, err error) State {
	p.locked(f.key, func() {
		if f.key != nil {
			p.store.PurgePartial(*f.key)
		}
		obs.OnFailure(err)
		if f.key != nil {
			p.queue.Clear(*f.key)
		}
	})
	f.transition(StateFailed)
	if errors.Is(err, ErrRequestBodyTooLarge) {
		f.log.Warn().Int64("limit", p.maxBodySize).Msg("Request body too large, dropping connection")
	} else {
		f.log.Error().Err(err).Msg("Could not fetch response from origin")
	}
	return f.state
}

// locked runs fn while holding the lock of key; untracked fetches need no lock.
func (p *Pipeline) locked(key *cachekey.Key, fn func()) {
	if key == nil {
		fn()
		return
	}
	p.locks.Do(string(*key), fn)
}

// newUpstreamRequest creates the backend request for an incoming request.
// Method, request URI and headers are passed on as received, including the Host header.
func (p *Pipeline) newUpstreamRequest(ctx context.Context, r *http.Request) (*http.Request, *limitedBody, error) {
	uri := p.backend.String() + cachekey.RequestPath(r)
	body := &limitedBody{limit: p.maxBodySize}

	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	var reqBody io.Reader
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		body.r = r.Body
		reqBody = body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, reqBody)
	if err != nil {
		return nil, body, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if reqBody != nil {
		req.ContentLength = r.ContentLength
	}
	for name, values := range r.Header {
		req.Header[name] = append([]string(nil), values...)
	}
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	req.Host = r.Host
	return req, body, nil
}

// statusMessage extracts the reason phrase from the status line, e.g. `OK` from `200 OK`.
func statusMessage(res *http.Response) string {
	return strings.TrimSpace(strings.TrimPrefix(res.Status, strconv.Itoa(res.StatusCode)))
}

// limitedBody relays a request body up to a limit.
// The read that crosses the limit fails, and none of its bytes are passed on.
type limitedBody struct {
	r        io.Reader
	limit    int64
	n        int64
	exceeded atomic.Bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.exceeded.Load() {
		return 0, ErrRequestBodyTooLarge
	}
	n, err := b.r.Read(p)
	b.n += int64(n)
	if b.n > b.limit {
		b.exceeded.Store(true)
		return 0, ErrRequestBodyTooLarge
	}
	return n, err
}

// Exceeded reports whether the client sent more than the limit.
func (b *limitedBody) Exceeded() bool {
	return b.exceeded.Load()
}
