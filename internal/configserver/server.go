// Package configserver serves the configuration menu to config clients on
// the local network.
//
// GET /config-read returns the menu tree. POST /config-write takes a flat
// object of cell names and values, applies them in order, persists the
// context and reboots the device when a change needs it.
package configserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"micod/internal/health"
	"micod/internal/logging"
	"micod/internal/menu"
	"micod/internal/metrics"
	"micod/internal/power"
	"micod/internal/syscontext"
)

// Errors
var (
	ErrAlreadyRunning = errors.New("configserver: already running")
	ErrNotRunning     = errors.New("configserver: not running")
)

// RequestIDHeader carries the request ID on every response.
const RequestIDHeader = "X-Request-ID"

// Rebooter performs the reboot a write may ask for. *power.Manager
// implements it.
type Rebooter interface {
	Perform(state power.State, reason string) error
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string
	// Timeout bounds reading a request and writing its response.
	Timeout time.Duration

	Device   DeviceInfo
	Store    *syscontext.Store
	Delegate menu.Delegate
	Power    Rebooter
	Health   *health.Checker
	Metrics  *metrics.MicodMetrics
	Logger   *slog.Logger
}

// Server is the config HTTP server.
type Server struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	running  atomic.Bool
	wg       sync.WaitGroup

	// writeMu serializes config-write requests.
	writeMu sync.Mutex
}

// New returns a stopped server. Store is required.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("configserver: context store is required")
	}
	if cfg.Delegate == nil {
		cfg.Delegate = menu.NopDelegate{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &Server{config: cfg, logger: cfg.Logger}
	if s.logger == nil {
		s.logger = logging.Component("configserver")
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /config-read", s.handleRead)
	mux.HandleFunc("POST /config-write", s.handleWrite)
	if s.config.Health != nil {
		mux.Handle("GET /health", s.config.Health.Handler())
	}
	if s.config.Metrics != nil {
		mux.Handle("GET /metrics", s.config.Metrics.Handler())
	}
	return s.withRequestID(mux)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}

	s.listener = ln
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.Timeout,
		ReadTimeout:       s.config.Timeout,
		WriteTimeout:      s.config.Timeout,
	}

	s.wg.Add(1)
	go func(srv *http.Server) {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("config server stopped", "error", err)
		}
	}(s.http)

	s.logger.Info("config server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting for in-flight requests until ctx
// ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	err := s.http.Shutdown(ctx)
	s.wg.Wait()
	s.listener = nil
	s.http = nil
	if err != nil {
		return fmt.Errorf("shutdown config server: %w", err)
	}
	s.logger.Info("config server stopped")
	return nil
}

// Running reports whether the server is serving.
func (s *Server) Running() bool {
	return s.running.Load()
}

// readResponse is the config-read body. The short keys are what config
// clients expect.
type readResponse struct {
	Title        string            `json:"T"`
	Name         string            `json:"N"`
	Sectors      *menu.SectorArray `json:"C"`
	Protocol     string            `json:"PO"`
	Hardware     string            `json:"HD"`
	Firmware     string            `json:"FW"`
	Manufacturer string            `json:"MF,omitempty"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	tree, err := s.buildTree()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	s.config.Metrics.ObserveRead()
	dev := s.config.Device
	writeJSON(w, http.StatusOK, readResponse{
		Title:        "Current Configuration",
		Name:         s.config.Store.System().Name,
		Sectors:      tree,
		Protocol:     dev.Protocol,
		Hardware:     dev.Model,
		Firmware:     dev.Firmware,
		Manufacturer: dev.Manufacturer,
	})
}

type ctxKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// withRequestID tags every request with an ID, honouring one supplied by
// the client.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		s.logger.Debug("request served",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	resp := errorResponse{Error: err.Error()}
	var ke *keyError
	if errors.As(err, &ke) {
		resp.Key = ke.key
		resp.Error = ke.err.Error()
	}
	s.logger.Warn("config request rejected",
		"request_id", requestID(r.Context()),
		"path", r.URL.Path,
		"status", code,
		"error", err,
	)
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
