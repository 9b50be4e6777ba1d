package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gbmerrall/localhttps/internal/cert"
	"github.com/gbmerrall/localhttps/internal/logging"
	"github.com/gbmerrall/localhttps/internal/mapping"
)

// Server terminates TLS, picks the certificate by SNI and forwards each
// request to the application mapped to its Host.
type Server struct {
	httpListener

	logger    *slog.Logger
	cfg       ListenConfig
	writeTimeout time.Duration
	mappings  *mapping.Table
	certs     *cert.Table
	forwarder *Forwarder
	access    *logging.AccessLogger
	metrics   *Metrics
}

func NewServer(logger *slog.Logger, cfg ListenConfig, mappings *mapping.Table, certs *cert.Table) *Server {
	return &Server{
		logger:    logger,
		cfg:       cfg,
		writeTimeout: DefaultWriteTimeout,
		mappings:  mappings,
		certs:     certs,
		forwarder: NewForwarder(logger, DefaultDialTimeout, DefaultReadTimeout),
	}
}

// SetAccessLogger sets where per-request lines are written.
func (s *Server) SetAccessLogger(al *logging.AccessLogger) {
	s.access = al
}

func (s *Server) SetMetrics(m *Metrics) {
	s.metrics = m
}

// SetForwarder replaces the default forwarder. The server's write timeout
// is applied to it.
func (s *Server) SetForwarder(f *Forwarder) {
	f.SetWriteTimeout(s.writeTimeout)
	s.forwarder = f
}

// SetWriteTimeout bounds how long one write to a client may block. It must
// be called before Listen.
func (s *Server) SetWriteTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.writeTimeout = d
	s.forwarder.SetWriteTimeout(d)
}

// TLSConfig returns the TLS settings used for accepted connections.
func (s *Server) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: s.certs.GetCertificate,
		NextProtos:     []string{"http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// Listen binds the TLS port. Errors are *BindError.
func (s *Server) Listen() error {
	if s.bound() {
		return fmt.Errorf("%s already bound", s.cfg.address())
	}
	ln, err := s.cfg.listen()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  5 * time.Second,
		// HTTP/1.1 only.
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
		ErrorLog:     serverErrorLog(s.logger),
	}
	s.set(tls.NewListener(ln, s.TLSConfig()), srv)
	s.logger.Info("https listener bound", "address", ln.Addr().String())
	return nil
}

// Serve blocks until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	return s.serve()
}

// Shutdown stops accepting, waits for in-flight requests until ctx expires,
// then closes what remains.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.shutdown(ctx)
	s.forwarder.Close()
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	crw := logging.NewCountingResponseWriter(w)
	host := strings.TrimSuffix(strings.ToLower(hostOnly(r.Host)), ".")

	hostLabel, upstream, class := unmappedHostLabel, "", ErrorClass("")
	defer func() {
		d := time.Since(start)
		s.metrics.observeRequest(hostLabel, crw.StatusCode(), d)
		s.access.Log(logging.AccessLogEntry{
			Timestamp:  start,
			RemoteAddr: r.RemoteAddr,
			Host:       host,
			Method:     r.Method,
			Path:       r.URL.RequestURI(),
			Status:     crw.StatusCode(),
			Size:       crw.Size(),
			Duration:   d,
			Upstream:   upstream,
			ErrorClass: string(class),
		})
	}()

	m, ok := s.mappings.Lookup(host)
	if !ok {
		err := &UnmappedHostError{Host: host}
		s.logger.Warn("request for unmapped host", "host", host, "sni", tlsServerName(r))
		s.metrics.unmappedRequest()
		writeText(crw, http.StatusBadGateway, err.Error()+"\n")
		return
	}

	hostLabel = m.Domain
	upstream = fmt.Sprintf("localhost:%d", m.Port)
	if err := s.forwarder.Forward(crw, r, m.Port); err != nil {
		var be *BackendError
		if errors.As(err, &be) {
			class = be.Class
			s.metrics.backendError(m.Domain, be.Class)
		}
	}
}

func tlsServerName(r *http.Request) string {
	if r.TLS == nil {
		return ""
	}
	return r.TLS.ServerName
}
