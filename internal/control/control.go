package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// MappingStatus is one served domain.
type MappingStatus struct {
	Domain string `json:"domain"`
	Port   uint16 `json:"port"`
}

// Status describes a running proxy.
type Status struct {
	PID                int             `json:"pid"`
	State              string          `json:"state"`
	StartedAt          time.Time       `json:"started_at"`
	UptimeSeconds      float64         `json:"uptime_seconds"`
	Addresses          []string        `json:"addresses"`
	Mappings           []MappingStatus `json:"mappings"`
	CertificateDomains []string        `json:"certificate_domains"`
	DefaultCertificate string          `json:"default_certificate"`
	ConfigFile         string          `json:"config_file,omitempty"`
}

// RequestHeader must be present on /shutdown. Browsers cannot add it to a
// cross-origin request without a CORS preflight, which this API never grants.
const RequestHeader = "X-Localhttps"

// StatusSource reports the current proxy status.
type StatusSource interface {
	Status() Status
}

// ControlAPI is the localhost-only management interface of a running proxy.
type ControlAPI struct {
	logger    *slog.Logger
	addr      string
	source    StatusSource
	metrics   http.Handler
	shutdown  func() // Function to trigger graceful shutdown
	startTime time.Time

	mu     sync.Mutex
	ln     net.Listener
	server *http.Server
}

// NewControlAPI creates a ControlAPI for host:port. metrics may be nil.
func NewControlAPI(logger *slog.Logger, host string, port int, source StatusSource, metrics http.Handler, shutdown func()) *ControlAPI {
	return &ControlAPI{
		logger:    logger,
		addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		source:    source,
		metrics:   metrics,
		shutdown:  shutdown,
		startTime: time.Now(),
	}
}

// IsLoopback reports whether host names only the local machine.
func IsLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Handler returns the API routes.
func (a *ControlAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/shutdown", a.handleShutdown)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, "localhttps control API")
	})
	return mux
}

// Listen binds the API address. Non-loopback addresses are refused.
func (a *ControlAPI) Listen() error {
	host, _, err := net.SplitHostPort(a.addr)
	if err != nil {
		return err
	}
	if !IsLoopback(host) {
		return fmt.Errorf("security risk: control API cannot bind to non-localhost address: %s", host)
	}
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("control API listen on %s: %w", a.addr, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.ln = ln
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelDebug),
	}
	a.logger.Info("control API listening", "address", ln.Addr().String())
	return nil
}

// Serve blocks until Shutdown.
func (a *ControlAPI) Serve() error {
	a.mu.Lock()
	ln, srv := a.ln, a.server
	a.mu.Unlock()
	if srv == nil {
		return errors.New("control API not listening")
	}
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (a *ControlAPI) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Shutdown gracefully shuts down the control API server.
func (a *ControlAPI) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	ln, srv := a.ln, a.server
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	a.logger.Debug("shutting down control API")
	err := srv.Shutdown(ctx)
	ln.Close()
	return err
}

func (a *ControlAPI) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get(RequestHeader) == "" {
		a.logger.Warn("shutdown request without control header rejected", "remoteAddr", r.RemoteAddr, "origin", r.Header.Get("Origin"))
		http.Error(w, "Forbidden: missing "+RequestHeader+" header", http.StatusForbidden)
		return
	}

	a.logger.Info("shutdown request received via API", "remoteAddr", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Shutdown initiated...")

	go a.shutdown()
}

func (a *ControlAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.logger.Debug("status endpoint accessed", "remoteAddr", r.RemoteAddr)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.source.Status()); err != nil {
		a.logger.Error("failed to encode status response", "error", err)
	}
}

func (a *ControlAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := map[string]interface{}{
		"status":     "ok",
		"go_version": runtime.Version(),
		"uptime":     time.Since(a.startTime).Round(time.Second).String(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode health response", "error", err)
	}
}
