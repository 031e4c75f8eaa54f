package cachekey

import (
	"net/http"
)

// Key identifies a cacheable resource.
// Both the entry store and the waiter queue are indexed by it.
type Key string

// Derive returns the cache key for the given host and request path.
// The key is the plain concatenation of the two, without a separator.
// This means that host `a` with path `/bc` and host `ab` with path `/c` share a key.
// Path includes the query string and is compared as-is (case-sensitive).
func Derive(host, path string) Key {
	return Key(host + path)
}

// FromRequest returns the cache key for an incoming request,
// i.e. the `Host` header concatenated with the request URI.
func FromRequest(r *http.Request) Key {
	return Derive(r.Host, RequestPath(r))
}

// RequestPath returns the request target as received on the wire.
// If the raw target is not available (e.g. for client-side requests), it is rebuilt from the URL.
func RequestPath(r *http.Request) string {
	if r.RequestURI != "" && r.RequestURI[0] == '/' {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return string(k)
}
