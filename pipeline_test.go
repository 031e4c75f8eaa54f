package nodish

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodish/nodish/cache"
	cachekey "github.com/nodish/nodish/pkg/cache-key"
	"github.com/nodish/nodish/pkg/keylock"
	sink "github.com/nodish/nodish/pkg/response-sink"
	waitqueue "github.com/nodish/nodish/pkg/waiter-queue"
)

type recordingObserver struct {
	mu      sync.Mutex
	partial *cache.Partial
	chunks  []string
	entry   *cache.Entry
	err     error
}

func (o *recordingObserver) OnHeaders(p *cache.Partial) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.partial = p
}

func (o *recordingObserver) OnChunk(chunk []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chunks = append(o.chunks, string(chunk))
}

func (o *recordingObserver) OnComplete(entry *cache.Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entry = entry
}

func (o *recordingObserver) OnFailure(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func newTestPipeline(t *testing.T, backend string) (*Pipeline, *cache.MemStore, *waitqueue.Queue) {
	t.Helper()
	u, err := url.Parse(backend)
	require.NoError(t, err)
	store := cache.NewMemStore()
	queue := waitqueue.New()
	p := newPipeline(*u, &http.Transport{DisableCompression: true}, store, queue, keylock.New(0), MaxRequestBodySize, zerolog.Nop())
	return p, store, queue
}

func TestPipelineNormalizesHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header()["X-MiXeD"] = []string{"yes"}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("he"))
		// flushing before the handler ends forces a chunked response
		w.(http.Flusher).Flush()
		w.Write([]byte("llo"))
	}))
	defer upstream.Close()
	p, _, _ := newTestPipeline(t, upstream.URL)

	obs := &recordingObserver{}
	state := p.Forward(context.Background(), httptest.NewRequest("GET", "/", nil), obs)

	require.Equal(t, StateCompleted, state)
	require.NotNil(t, obs.entry)
	assert.Equal(t, http.StatusAccepted, obs.entry.StatusCode)
	assert.Equal(t, "Accepted", obs.entry.StatusMessage)
	assert.Equal(t, "hello", string(obs.entry.Body))
	assert.Equal(t, "hello", strings.Join(obs.chunks, ""))
	assert.False(t, obs.entry.UpdateTime.IsZero())

	for name := range obs.entry.Header {
		assert.Equal(t, strings.ToLower(name), name)
	}
	assert.Equal(t, "text/plain", obs.entry.Header.Get("content-type"))
	assert.Equal(t, "yes", obs.entry.Header.Get("x-mixed"))
	assert.Equal(t, "close", obs.entry.Header.Get("connection"))
	assert.NotContains(t, obs.entry.Header, "transfer-encoding")
}

func TestPipelineForwardsRequestVerbatim(t *testing.T) {
	var (
		gotMethod, gotURI, gotHost, gotHeader, gotBody string
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotMethod, gotURI, gotHost = r.Method, r.RequestURI, r.Host
		gotHeader, gotBody = r.Header.Get("X-Test"), string(body)
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()
	p, _, _ := newTestPipeline(t, upstream.URL)

	req := httptest.NewRequest("PUT", "http://kiwsy.com/a/b?c=d", strings.NewReader("payload"))
	req.Header.Set("X-Test", "value")
	obs := &recordingObserver{}
	state := p.Forward(context.Background(), req, obs)

	require.Equal(t, StateCompleted, state)
	assert.Equal(t, "PUT", gotMethod)
	assert.Equal(t, "/a/b?c=d", gotURI)
	assert.Equal(t, "kiwsy.com", gotHost)
	assert.Equal(t, "value", gotHeader)
	assert.Equal(t, "payload", gotBody)
	// redirects are passed on, not followed
	assert.Equal(t, http.StatusFound, obs.entry.StatusCode)
}

func TestPipelineFetchTracksPartial(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("he"))
		w.(http.Flusher).Flush()
		<-release
		w.Write([]byte("llo"))
	}))
	defer upstream.Close()
	p, store, queue := newTestPipeline(t, upstream.URL)

	key := cachekey.Key("kiwsy.com/")
	mailbox := sink.NewMailbox()
	queue.Enqueue(key, &waitqueue.Waiter{Sink: mailbox})

	obs := &recordingObserver{}
	done := make(chan State)
	go func() {
		done <- p.Fetch(context.Background(), key, httptest.NewRequest("GET", "/", nil), obs)
	}()

	require.Eventually(t, func() bool {
		partial, ok := store.GetPartial(key)
		return ok && partial.Len() == 2
	}, 5*time.Second, 5*time.Millisecond)
	close(release)

	select {
	case state := <-done:
		assert.Equal(t, StateCompleted, state)
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch did not finish")
	}
	_, ok := store.GetPartial(key)
	assert.False(t, ok)
	assert.False(t, queue.HasWaiters(key))
	assert.Equal(t, "hello", string(obs.entry.Body))
	// the pipeline itself does not store entries, the observer does
	_, ok = store.Get(key)
	assert.False(t, ok)
}

func TestPipelineUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	backend := upstream.URL
	upstream.Close()
	p, store, queue := newTestPipeline(t, backend)

	key := cachekey.Key("kiwsy.com/")
	queue.Enqueue(key, &waitqueue.Waiter{Sink: sink.NewMailbox()})
	obs := &recordingObserver{}
	state := p.Fetch(context.Background(), key, httptest.NewRequest("GET", "/", nil), obs)

	assert.Equal(t, StateFailed, state)
	assert.ErrorIs(t, obs.err, ErrUpstream)
	assert.Nil(t, obs.entry)
	_, ok := store.GetPartial(key)
	assert.False(t, ok)
	assert.False(t, queue.HasWaiters(key))
}

func TestPipelineBrokenStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("short"))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer upstream.Close()
	p, store, _ := newTestPipeline(t, upstream.URL)

	key := cachekey.Key("kiwsy.com/")
	obs := &recordingObserver{}
	state := p.Fetch(context.Background(), key, httptest.NewRequest("GET", "/", nil), obs)

	assert.Equal(t, StateFailed, state)
	assert.ErrorIs(t, obs.err, ErrUpstream)
	assert.NotNil(t, obs.partial)
	_, ok := store.GetPartial(key)
	assert.False(t, ok)
}

func TestPipelineRequestBodyLimit(t *testing.T) {
	var received atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		received.Store(n)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()
	p, _, _ := newTestPipeline(t, upstream.URL)

	t.Run("AtLimit", func(t *testing.T) {
		obs := &recordingObserver{}
		req := httptest.NewRequest("POST", "/", bytes.NewReader(make([]byte, MaxRequestBodySize)))
		state := p.Forward(context.Background(), req, obs)
		assert.Equal(t, StateCompleted, state)
		assert.EqualValues(t, MaxRequestBodySize, received.Load())
	})

	t.Run("OverLimit", func(t *testing.T) {
		received.Store(0)
		obs := &recordingObserver{}
		req := httptest.NewRequest("POST", "/", bytes.NewReader(make([]byte, MaxRequestBodySize+1)))
		state := p.Forward(context.Background(), req, obs)
		assert.Equal(t, StateFailed, state)
		assert.ErrorIs(t, obs.err, ErrRequestBodyTooLarge)
		assert.Nil(t, obs.entry)
		assert.LessOrEqual(t, received.Load(), int64(MaxRequestBodySize))
	})
}

func TestLimitedBody(t *testing.T) {
	b := &limitedBody{r: strings.NewReader("0123456789"), limit: 10}
	data, err := io.ReadAll(b)
	assert.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
	assert.False(t, b.Exceeded())

	b = &limitedBody{r: strings.NewReader("0123456789X"), limit: 10}
	buf := make([]byte, 4)
	var relayed []byte
	for {
		n, err := b.Read(buf)
		relayed = append(relayed, buf[:n]...)
		if err != nil {
			assert.True(t, errors.Is(err, ErrRequestBodyTooLarge))
			break
		}
	}
	assert.True(t, b.Exceeded())
	assert.LessOrEqual(t, len(relayed), 10)
}

func TestStatusMessage(t *testing.T) {
	assert.Equal(t, "OK", statusMessage(&http.Response{StatusCode: 200, Status: "200 OK"}))
	assert.Equal(t, "Purged", statusMessage(&http.Response{StatusCode: 200, Status: "200 Purged"}))
	assert.Equal(t, "", statusMessage(&http.Response{StatusCode: 599, Status: "599"}))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "unknown", State(42).String())
}
