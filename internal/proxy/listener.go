package proxy

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/netutil"
)

// DefaultMaxConnections bounds concurrently open connections per listener.
// Further connections wait in the accept backlog.
const DefaultMaxConnections = 128

// ListenConfig is where a listener binds.
type ListenConfig struct {
	BindAddress    string
	Port           int
	MaxConnections int
}

func (c ListenConfig) address() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

func (c ListenConfig) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", c.address())
	if err != nil {
		return nil, &BindError{Addr: c.BindAddress, Port: c.Port, Err: err}
	}
	max := c.MaxConnections
	if max <= 0 {
		max = DefaultMaxConnections
	}
	return netutil.LimitListener(ln, max), nil
}

// httpListener owns one bound listener and its http.Server. Shutdown is
// safe whether or not Listen or Serve ever ran.
type httpListener struct {
	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

var errNotListening = errors.New("listener not bound")

func (l *httpListener) set(ln net.Listener, srv *http.Server) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ln, l.srv = ln, srv
}

func (l *httpListener) bound() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln != nil
}

func (l *httpListener) serve() error {
	l.mu.Lock()
	ln, srv := l.ln, l.srv
	l.mu.Unlock()
	if ln == nil {
		return errNotListening
	}
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (l *httpListener) shutdown(ctx context.Context) error {
	l.mu.Lock()
	ln, srv := l.ln, l.srv
	l.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		srv.Close()
	}
	// Serve may never have taken ownership of the listener.
	ln.Close()
	return err
}

// Addr returns the bound address, or nil before Listen.
func (l *httpListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// hostOnly strips any port from a Host header value.
func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}

// serverErrorLog routes net/http's own messages (handshake failures and the
// like) to debug level.
func serverErrorLog(logger *slog.Logger) *log.Logger {
	return slog.NewLogLogger(logger.With("component", "http").Handler(), slog.LevelDebug)
}
