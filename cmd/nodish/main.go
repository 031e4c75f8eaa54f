package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nodish/nodish"
)

const shutdownTimeout = 10 * time.Second

var (
	// CLI flags
	configFilenameFlag string
	backendFlag        string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&backendFlag, "backend", "", "Backend host:port to proxy to (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()

	config := defaultConfig()
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Str("file", configFilenameFlag).Msg("Cannot read config")
		}
	}
	if backendFlag != "" {
		if err := config.Backend.Set(backendFlag); err != nil {
			log.Fatal().Err(err).Msg("Invalid backend")
		}
	}
	if err := config.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	dispatcher := nodish.New(nodish.Config{
		Backend: config.Backend.URL(),
		Policy:  config.Routes,
		TTL:     config.Cache.TTL,
		Logger:  &log.Logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, config, newRouter(dispatcher, log.Logger)); err != nil {
		log.Error().Err(err).Msg("Server failed")
	}
	log.Info().Object("stats", dispatcher.Stats()).Msg("Stopped")
}

// serve runs the enabled listeners until ctx is done or one of them fails.
func serve(ctx context.Context, config Config, handler http.Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	var servers []*http.Server
	backendURL := config.Backend.URL()

	if config.HTTP.Enabled {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", config.HTTP.Port),
			Handler: handler,
		}
		servers = append(servers, srv)
		g.Go(func() error {
			log.Info().Msgf("Listening for HTTP on %s, proxying to %s", srv.Addr, backendURL.String())
			return ignoreClosed(srv.ListenAndServe())
		})
	}
	if config.HTTPS.Enabled {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", config.HTTPS.Port),
			Handler: handler,
			// HTTP/1.1 only
			TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
		}
		servers = append(servers, srv)
		g.Go(func() error {
			log.Info().Msgf("Listening for HTTPS on %s, proxying to %s", srv.Addr, backendURL.String())
			return ignoreClosed(srv.ListenAndServeTLS(config.HTTPS.Cert, config.HTTPS.Key))
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var err error
		for _, srv := range servers {
			err = errors.Join(err, srv.Shutdown(shutdownCtx))
		}
		return err
	})

	return g.Wait()
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
