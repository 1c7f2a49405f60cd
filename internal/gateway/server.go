// Package gateway hosts the administration HTTP server: health, webhook
// configuration, outbound sends, history and, for the Cloud API channel,
// the inbound WhatsApp webhook.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	httpapi "github.com/nextlevelbuilder/wabridge/internal/http"
)

// RouteRegistrar is implemented by every handler group in internal/http.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the administration HTTP server.
type Server struct {
	addr     string
	handlers []RouteRegistrar
	mounts   map[string]http.Handler

	status func() any

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a server listening on addr.
func NewServer(addr string, handlers ...RouteRegistrar) *Server {
	return &Server{
		addr:     addr,
		handlers: handlers,
		mounts:   make(map[string]http.Handler),
	}
}

// Mount serves h at path. Used for the Cloud API webhook.
func (s *Server) Mount(path string, h http.Handler) {
	s.mounts[path] = h
}

// SetStatus adds the value returned by fn to the health response under "channels".
func (s *Server) SetStatus(fn func() any) {
	s.status = fn
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	for _, h := range s.handlers {
		h.RegisterRoutes(mux)
	}
	for path, h := range s.mounts {
		mux.Handle(path, h)
	}

	s.mux = mux
	return mux
}

// Handler returns the full handler chain, including request logging.
func (s *Server) Handler() http.Handler {
	return withRequestLog(s.BuildMux())
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway.starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.status == nil {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "channels": s.status()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestLog assigns an X-Request-ID and logs each request at debug level.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Debug("http.request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration_ms", time.Since(start).Milliseconds(), "request_id", reqID)
	})
}

var (
	_ RouteRegistrar = (*httpapi.WebhooksHandler)(nil)
	_ RouteRegistrar = (*httpapi.MessagesHandler)(nil)
)
