package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/api"
)

// handleHTTPServer configures and starts a HTTP server on the given URL. It
// shuts down the server when ctx is cancelled.
func handleHTTPServer(ctx context.Context, u *url.URL, server *api.Server, wg *sync.WaitGroup, errc chan error, logger *log.Logger, debug bool) {

	// Setup goa log adapter.
	var (
		adapter middleware.Logger
	)
	{
		adapter = middleware.NewLogger(logger)
	}

	// Build the HTTP request multiplexer and mount the dashboard routes.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}

	// Request logging wraps the response writer, so it only applies to the
	// JSON endpoints. MJPEG and WebSocket routes need Flush and Hijack.
	server.Use(httpmdlwr.Log(adapter))
	if debug {
		server.Use(httpmdlwr.Debug(mux, os.Stdout))
	}
	server.Mount(mux)

	// Request IDs apply to every route.
	var handler http.Handler = mux
	{
		handler = httpmdlwr.RequestID()(handler)
	}

	srv := &http.Server{Addr: u.Host, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, m := range server.Mounts {
		logger.Printf("HTTP %q mounted on %s %s", m.Method, m.Verb, m.Pattern)
	}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Printf("HTTP server listening on %q", u.Host)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", u.Host)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(ctx)
		if err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}
