// Package proxy implements the HTTP surface of gem-relay: the generate
// endpoint that spends rotated keys, plus health and stats routes.
package proxy

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server wraps http.Server with gem-relay configuration.
type Server struct {
	httpServer *http.Server
	addr       string
}

// NewServer creates a new Server with timeouts sized for slow generations.
// Timeout rationale:
//   - ReadTimeout: 10s - protect against slowloris attacks
//   - WriteTimeout: 600s - a generateContent call can take minutes
//   - IdleTimeout: 120s - reasonable keep-alive
//
// If enableHTTP2 is true, enables HTTP/2 cleartext (h2c) support for non-TLS connections.
func NewServer(addr string, handler http.Handler, enableHTTP2 bool) *Server {
	// Wrap handler with HTTP/2 support if enabled
	finalHandler := handler
	if enableHTTP2 {
		h2s := &http2.Server{}
		finalHandler = h2c.NewHandler(handler, h2s)
	}

	return &Server{
		addr: addr,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      finalHandler,
			ReadTimeout:  10 * time.Second,  // Prevent slow client attacks
			WriteTimeout: 600 * time.Second, // 10 min for long generations
			IdleTimeout:  120 * time.Second, // Keep-alive connections
		},
	}
}

// ListenAndServe starts the server (blocks).
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
