// Package sink contains the destinations an upstream response can be streamed to.
package sink

import (
	"net/http"

	"github.com/nodish/nodish/cache"
)

// Sink receives a response as it streams in.
// Headers is called once, followed by any number of Chunk calls,
// and finally exactly one of Complete or Fail.
type Sink interface {
	Headers(statusCode int, statusMessage string, header cache.Header)
	Chunk(chunk []byte)
	Complete()
	Fail(err error)
}

// Direct writes the response straight to an http.ResponseWriter, flushing after every chunk.
// It must only be used from the goroutine serving the request.
type Direct struct {
	w           http.ResponseWriter
	rc          *http.ResponseController
	wroteHeader bool
	writeErr    error
	err         error
}

var _ Sink = (*Direct)(nil)

func NewDirect(w http.ResponseWriter) *Direct {
	return &Direct{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

// Headers writes the status line and headers.
// The reason phrase on the wire is always the standard one for the status code.
func (d *Direct) Headers(statusCode int, statusMessage string, header cache.Header) {
	if d.wroteHeader {
		return
	}
	d.wroteHeader = true
	header.WriteTo(d.w.Header())
	d.w.WriteHeader(statusCode)
}

// Chunk writes a body chunk and flushes it to the client.
// After the first write error (client gone) further chunks are dropped.
func (d *Direct) Chunk(chunk []byte) {
	if d.writeErr != nil {
		return
	}
	if _, err := d.w.Write(chunk); err != nil {
		d.writeErr = err
		return
	}
	// not every writer can flush, the data still gets sent when the handler returns
	_ = d.rc.Flush()
}

func (d *Direct) Complete() {}

func (d *Direct) Fail(err error) {
	d.err = err
}

// Err returns the error passed to Fail, if any.
func (d *Direct) Err() error {
	return d.err
}
