// Package transport is the Transport component (C8): it builds the HTTP
// mux that serves the PWA static assets, the WebSocket UI endpoint, the MCP
// endpoint, and health checks, and owns the listener (plain or TLS via
// certstore) plus graceful shutdown.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/hyper-ai-inc/acp-proxy/internal/auth"
	"github.com/hyper-ai-inc/acp-proxy/internal/bridge"
	"github.com/hyper-ai-inc/acp-proxy/internal/certstore"
	"github.com/hyper-ai-inc/acp-proxy/internal/mcpserver"
	"github.com/hyper-ai-inc/acp-proxy/internal/session"
	"github.com/hyper-ai-inc/acp-proxy/internal/wsapi"
)

// Config describes how to bind and what to serve.
type Config struct {
	Host    string
	Port    int
	HTTPS   bool
	CertDir string
	// StaticDir, when non-empty, is served at /app/. When empty, /app/
	// requests 404 rather than panicking on a nil file system; the PWA
	// bundle is built and shipped separately.
	StaticDir string
	Logger    *log.Logger
}

// Server wraps the http.Server and its shutdown dependencies.
type Server struct {
	cfg      Config
	registry *session.Registry
	httpSrv  *http.Server
}

// New builds the mux (auth gate, WebSocket handler, MCP handler, static
// assets, health check) and wraps it in an *http.Server.
func New(cfg Config, gate *auth.Gate, b *bridge.Bridge, registry *session.Registry, pending *bridge.PendingCalls) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handleHealth)

	wsHandler := wsapi.NewHandler(b, registry, gate, cfg.Logger)
	mux.Handle("GET /ws", wsHandler)

	mcpHandler := mcpserver.New(registry, pending, gate, cfg.Logger)
	mux.Handle("/mcp", mcpHandler.Handler())
	mux.Handle("/mcp/", mcpHandler.Handler())

	mux.HandleFunc("GET /{$}", handleRootRedirect)
	if cfg.StaticDir != "" {
		mux.Handle("GET /app/", http.StripPrefix("/app/", http.FileServer(http.Dir(cfg.StaticDir))))
	} else {
		mux.HandleFunc("GET /app/", handleNoStaticAssets)
	}

	return &Server{
		cfg:      cfg,
		registry: registry,
		httpSrv:  &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
	}
}

// Addr returns the host:port the server was configured to bind.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
}

// Scheme returns "https" or "http" depending on configuration.
func (s *Server) Scheme() string {
	if s.cfg.HTTPS {
		return "https"
	}
	return "http"
}

// ListenAndServe binds the configured address and serves until Shutdown is
// called or an unrecoverable listener error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}

	if s.cfg.HTTPS {
		store := certstore.New(s.cfg.CertDir)
		cert, err := store.Load()
		if err != nil {
			ln.Close()
			return fmt.Errorf("load tls certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server within the deadline carried by ctx. It
// does not close sessions or their agent processes.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleRootRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/app/", http.StatusFound)
}

func handleNoStaticAssets(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "PWA assets not bundled in this build", http.StatusNotFound)
}
