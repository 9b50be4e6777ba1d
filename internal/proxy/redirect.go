package proxy

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gbmerrall/localhttps/internal/logging"
)

// Redirector answers every plain HTTP request with a 301 to the same URL
// over HTTPS. It never looks at mappings.
type Redirector struct {
	httpListener

	logger  *slog.Logger
	cfg     ListenConfig
	access  *logging.AccessLogger
	metrics *Metrics
}

func NewRedirector(logger *slog.Logger, cfg ListenConfig) *Redirector {
	return &Redirector{logger: logger, cfg: cfg}
}

func (rd *Redirector) SetAccessLogger(al *logging.AccessLogger) {
	rd.access = al
}

func (rd *Redirector) SetMetrics(m *Metrics) {
	rd.metrics = m
}

// Listen binds the plain HTTP port. Errors are *BindError.
func (rd *Redirector) Listen() error {
	if rd.bound() {
		return fmt.Errorf("%s already bound", rd.cfg.address())
	}
	ln, err := rd.cfg.listen()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:     rd,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Second,
		ErrorLog:    serverErrorLog(rd.logger),
	}
	rd.set(ln, srv)
	rd.logger.Info("http redirect listener bound", "address", ln.Addr().String())
	return nil
}

func (rd *Redirector) Serve() error {
	return rd.serve()
}

func (rd *Redirector) Shutdown(ctx context.Context) error {
	return rd.shutdown(ctx)
}

// Location computes the HTTPS URL for r: the Host without its port, then the
// path and query exactly as received.
func Location(r *http.Request) string {
	host := hostOnly(r.Host)
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	target := r.RequestURI
	if !strings.HasPrefix(target, "/") {
		target = r.URL.RequestURI()
	}
	return "https://" + host + target
}

func (rd *Redirector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	loc := Location(r)
	body := `<a href="` + html.EscapeString(loc) + `">Moved Permanently</a>` + "\n"

	w.Header().Set("Location", loc)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusMovedPermanently)
	n, _ := w.Write([]byte(body))

	rd.metrics.redirect()
	rd.access.Log(logging.AccessLogEntry{
		Timestamp:  start,
		RemoteAddr: r.RemoteAddr,
		Host:       hostOnly(r.Host),
		Method:     r.Method,
		Path:       r.RequestURI,
		Status:     http.StatusMovedPermanently,
		Size:       int64(n),
		Duration:   time.Since(start),
	})
}
