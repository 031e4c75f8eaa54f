package cache

import (
	"net/http"
	"sort"
	"strings"
)

// Header maps lower-cased header names to their values.
type Header map[string][]string

// NormalizeHeader converts upstream response headers to the form in which they are stored and served.
// Names are lower-cased; if several spellings of a name exist, the one seen last wins.
// `transfer-encoding` is dropped since the stored body is already de-chunked,
// and `connection` is forced to `close`.
func NormalizeHeader(src http.Header) Header {
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	// map iteration order is random, sort to make "last seen" deterministic
	sort.Strings(names)

	h := make(Header, len(src)+1)
	for _, name := range names {
		h[strings.ToLower(name)] = append([]string(nil), src[name]...)
	}
	h.Del("transfer-encoding")
	h.Set("connection", "close")
	return h
}

// Get returns the first value for the given name.
func (h Header) Get(name string) string {
	if vv := h[strings.ToLower(name)]; len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// Set replaces all values for the given name.
func (h Header) Set(name, value string) {
	h[strings.ToLower(name)] = []string{value}
}

// Del removes the given name.
func (h Header) Del(name string) {
	delete(h, strings.ToLower(name))
}

// Clone returns a deep copy of the header.
// Decorating the copy never affects the original.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	c := make(Header, len(h))
	for name, vv := range h {
		c[name] = append([]string(nil), vv...)
	}
	return c
}

// WriteTo copies the header into the given http.Header.
func (h Header) WriteTo(dst http.Header) {
	for name, vv := range h {
		for _, v := range vv {
			dst.Add(name, v)
		}
	}
}
