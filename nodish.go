// Package nodish is a caching reverse proxy for a single backend.
//
// Cacheable GET requests are answered from an in-memory store while the stored response is fresh.
// Concurrent misses for the same resource share a single backend request, and every client
// receives the response as it streams in. Everything else is relayed to the backend as is.
package nodish

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/nodish/nodish/cache"
	cachekey "github.com/nodish/nodish/pkg/cache-key"
	"github.com/nodish/nodish/pkg/keylock"
	sink "github.com/nodish/nodish/pkg/response-sink"
	routepolicy "github.com/nodish/nodish/pkg/route-policy"
	waitqueue "github.com/nodish/nodish/pkg/waiter-queue"
)

const (
	// MethodPurge removes the stored response for the request URL.
	MethodPurge = "PURGE"
	// HitHeader is added to responses served from the store.
	HitHeader = "x-nodish-hit"
)

type Config struct {
	// URL of the backend, e.g. `http://localhost:8080`.
	// Backends with paths are not supported.
	Backend url.URL
	// Storage for cache entries. A new MemStore is used if nil.
	Store cache.Store
	// Waiters of fetches in progress. A new queue is used if nil.
	Queue *waitqueue.Queue
	// Decides which GET requests go through the cache. Defaults to routepolicy.Default().
	Policy routepolicy.Policy
	// Time-to-live of stored responses. Defaults to cache.DefaultTTL.
	TTL time.Duration
	// Limit for request bodies. Defaults to MaxRequestBodySize.
	MaxRequestBodySize int64
	// Transport for backend requests.
	// Defaults to a transport that does not use proxies or ask for compression.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Dispatcher routes incoming requests to the cache or directly to the backend.
type Dispatcher struct {
	store    cache.Store
	queue    *waitqueue.Queue
	policy   routepolicy.Policy
	locks    *keylock.Locks
	pipeline *Pipeline
	ttl      time.Duration
	log      zerolog.Logger
	stats    counters
}

// New creates a dispatcher for the configured backend.
func New(config Config) *Dispatcher {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("backend", config.Backend.String()).
		Logger()

	d := &Dispatcher{
		store:  config.Store,
		queue:  config.Queue,
		policy: config.Policy,
		locks:  keylock.New(keylock.DefaultStripes),
		ttl:    config.TTL,
		log:    logger,
	}
	if d.store == nil {
		d.store = cache.NewMemStore()
	}
	if d.queue == nil {
		d.queue = waitqueue.New()
	}
	if d.policy == nil {
		d.policy = routepolicy.Default()
	}
	if d.ttl <= 0 {
		d.ttl = cache.DefaultTTL
	}
	maxBodySize := config.MaxRequestBodySize
	if maxBodySize <= 0 {
		maxBodySize = MaxRequestBodySize
	}
	transport := config.Transport
	if transport == nil {
		transport = &http.Transport{
			DisableCompression: true,
		}
	}
	d.pipeline = newPipeline(config.Backend, transport, d.store, d.queue, d.locks, maxBodySize, logger)
	return d
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return d.stats.snapshot()
}

// ServeHTTP implements the http.Handler interface.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer d.recover(r)

	switch {
	case strings.EqualFold(r.Method, http.MethodGet) && d.policy.Cacheable(r.Host, r.URL.Path):
		// cookies must never end up in a shared response
		r.Header.Del("Cookie")
		d.serveCacheable(w, r)
	case strings.EqualFold(r.Method, MethodPurge):
		d.purge(w, r)
	default:
		d.forward(w, r)
	}
}

// recover logs unexpected panics and drops the connection.
func (d *Dispatcher) recover(r *http.Request) {
	if err := recover(); err != nil {
		if err == http.ErrAbortHandler {
			panic(err)
		}
		d.requestLogger(r).WithLevel(zerolog.PanicLevel).
			Interface("error", err).
			Str("url", r.URL.String()).
			Msg("Panic in dispatcher")
		panic(http.ErrAbortHandler)
	}
}

func (d *Dispatcher) purge(w http.ResponseWriter, r *http.Request) {
	key := cachekey.FromRequest(r)
	d.store.Purge(key)
	d.stats.purges.Add(1)
	d.log.Debug().Str("key", key.String()).Msg("Purged")

	w.Header().Set("Content-Type", "text/plain")
	// net/http always sends the standard reason phrase, so the status line is `200 OK`
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Purged"))
}

func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request) {
	d.stats.forwards.Add(1)
	out := sink.NewDirect(w)
	d.pipeline.Forward(r.Context(), r, directObserver{out})
	d.logRequest(r, "", false)
	if out.Err() != nil {
		d.stats.failures.Add(1)
		panic(http.ErrAbortHandler)
	}
}

func (d *Dispatcher) serveCacheable(w http.ResponseWriter, r *http.Request) {
	key := cachekey.FromRequest(r)
	if entry, ok := d.store.Get(key); ok {
		d.serveEntry(w, r, key, entry)
		return
	}

	mailbox := sink.NewMailbox()
	waiter := &waitqueue.Waiter{Request: r, Sink: mailbox}
	var (
		hit   *cache.Entry
		first bool
	)
	d.locks.Do(string(key), func() {
		// a fetch may have completed while waiting for the lock
		if entry, ok := d.store.Get(key); ok {
			hit = entry
			return
		}
		first = !d.queue.HasWaiters(key)
		// a client joining a fetch in progress first gets what was received so far
		if partial, ok := d.store.GetPartial(key); ok {
			replay(partial, mailbox)
		}
		d.queue.Enqueue(key, waiter)
	})
	if hit != nil {
		d.serveEntry(w, r, key, hit)
		return
	}

	d.stats.misses.Add(1)
	if first {
		d.startFetch(key, r)
	} else {
		d.stats.coalesced.Add(1)
		d.log.Trace().Str("key", key.String()).Msg("Joining fetch in progress")
	}

	err := mailbox.Drain(r.Context(), sink.NewDirect(w))
	d.logRequest(r, key, false)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.log.Debug().Str("key", key.String()).Msg("Client went away while waiting")
	default:
		panic(http.ErrAbortHandler)
	}
}

// startFetch fetches the resource for all waiters of key.
// The fetch is shared, so it must outlive the request that started it.
func (d *Dispatcher) startFetch(key cachekey.Key, r *http.Request) {
	d.stats.fetches.Add(1)
	ctx := context.WithoutCancel(r.Context())
	upstreamReq := r.Clone(ctx)
	obs := broadcastObserver{
		key:   key,
		queue: d.queue,
		store: d.store,
		ttl:   d.ttl,
	}
	d.log.Trace().Str("key", key.String()).Msg("Forwarding to origin")
	go func() {
		if d.pipeline.Fetch(ctx, key, upstreamReq, obs) == StateFailed {
			d.stats.failures.Add(1)
		}
	}()
}

// serveEntry responds with a stored entry, marking the response as a hit.
func (d *Dispatcher) serveEntry(w http.ResponseWriter, r *http.Request, key cachekey.Key, entry *cache.Entry) {
	d.stats.hits.Add(1)
	header := entry.Header.Clone()
	header.Set(HitHeader, "1")

	out := sink.NewDirect(w)
	out.Headers(entry.StatusCode, entry.StatusMessage, header)
	out.Chunk(entry.Body)
	out.Complete()
	d.logRequest(r, key, true)
}

// requestLogger returns the logger from the request context.
// If no logger is found, it will return the dispatcher logger.
func (d *Dispatcher) requestLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &d.log
	}
	return logger
}

func (d *Dispatcher) logRequest(r *http.Request, key cachekey.Key, hit bool) {
	isHit := 0
	if hit {
		isHit = 1
	}
	d.requestLogger(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("key", key.String()).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}
