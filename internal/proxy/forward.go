package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 120 * time.Second
)

// hopHeaders are meaningful only for a single connection and are never
// forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Upgrade",
	"Te",
	"Trailer",
}

// removeHopHeaders deletes the hop-by-hop set plus every header listed as a
// token in Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// deadlineConn pushes the read deadline forward before every read, so the
// read timeout bounds each wait on the backend rather than the whole body.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

// Forwarder relays requests to applications on 127.0.0.1.
type Forwarder struct {
	logger       *slog.Logger
	transport    *http.Transport
	writeTimeout time.Duration
}

// NewForwarder returns a Forwarder using the given timeouts; zero values
// select the defaults.
func NewForwarder(logger *slog.Logger, dialTimeout, readTimeout time.Duration) *Forwarder {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	return &Forwarder{
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
		transport: &http.Transport{
			Proxy: nil,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				c, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return &deadlineConn{Conn: c, timeout: readTimeout}, nil
			},
			DisableCompression:    true,
			ForceAttemptHTTP2:     false,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       30 * time.Second,
			ResponseHeaderTimeout: readTimeout,
		},
	}
}

// SetWriteTimeout bounds each write to the client. The deadline moves forward
// with every chunk, so a long stream is cut only when the client stalls.
func (f *Forwarder) SetWriteTimeout(d time.Duration) {
	if d > 0 {
		f.writeTimeout = d
	}
}

// Close drops idle backend connections.
func (f *Forwarder) Close() {
	f.transport.CloseIdleConnections()
}

// outboundRequest builds the request sent to 127.0.0.1:port.
func outboundRequest(r *http.Request, port uint16) *http.Request {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL = &url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))),
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	out.Host = r.Host
	out.Close = false
	if r.ContentLength == 0 {
		out.Body = nil
	}

	removeHopHeaders(out.Header)
	if _, ok := r.Header["User-Agent"]; !ok {
		// An empty value stops net/http from adding its own.
		out.Header.Set("User-Agent", "")
	}
	return out
}

// Forward relays r to the application on port and streams the response back.
// When no response could be obtained it writes a 502 and returns the
// *BackendError. A failure after the status line was written is logged and
// the client connection is aborted.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, port uint16) error {
	resp, err := f.transport.RoundTrip(outboundRequest(r, port))
	if err != nil {
		be := newBackendError(err)
		f.logger.Warn("backend request failed", "host", r.Host, "port", port, "class", be.Class, "error", err)
		writeText(w, http.StatusBadGateway, "Proxy error: "+be.Error()+"\n")
		return be
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append([]string(nil), vv...)
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(f.writeTimeout))
	w.WriteHeader(resp.StatusCode)

	if err := f.copyFlushing(w, rc, resp.Body); err != nil {
		if errors.Is(err, errClientWrite) || r.Context().Err() != nil {
			f.logger.Debug("client went away during response", "host", r.Host, "error", err)
			return nil
		}
		be := newBackendError(err)
		f.logger.Warn("backend response interrupted", "host", r.Host, "port", port, "class", be.Class, "error", err)
		panic(http.ErrAbortHandler)
	}
	return nil
}

var errClientWrite = errors.New("write to client")

// copyFlushing copies src to w, flushing after every chunk. The write
// deadline is renewed per chunk.
func (f *Forwarder) copyFlushing(w http.ResponseWriter, rc *http.ResponseController, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			_ = rc.SetWriteDeadline(time.Now().Add(f.writeTimeout))
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("%w: %v", errClientWrite, werr)
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	io.WriteString(w, body)
}
