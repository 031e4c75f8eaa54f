package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/nodish/nodish"
)

// newRouter mounts the dispatcher behind the logging middleware.
// Every path and method ends up at the dispatcher.
func newRouter(dispatcher http.Handler, logger zerolog.Logger) http.Handler {
	chi.RegisterMethod(nodish.MethodPurge)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", ""))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Str("host", r.Host).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Handled request")
	}))

	r.Handle("/*", dispatcher)
	// chi answers unknown methods itself
	r.MethodNotAllowed(dispatcher.ServeHTTP)
	r.NotFound(dispatcher.ServeHTTP)
	return r
}
