package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// Backend is a local application behind the proxy, listening on 127.0.0.1.
type Backend struct {
	*httptest.Server
	requestCount int64

	// release unblocks /stream after its first chunk.
	release chan struct{}
}

// echoed is what /echo reports about the request it received.
type echoed struct {
	Method string      `json:"method"`
	URI    string      `json:"uri"`
	Host   string      `json:"host"`
	Header http.Header `json:"header"`
	Body   string      `json:"body"`
}

func NewBackend(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{release: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleHello)
	mux.HandleFunc("/echo", b.handleEcho)
	mux.HandleFunc("/hop", b.handleHopHeaders)
	mux.HandleFunc("/status/", b.handleStatus)
	mux.HandleFunc("/redirect", b.handleRedirect)
	mux.HandleFunc("/slow", b.handleSlow)
	mux.HandleFunc("/large", b.handleLarge)
	mux.HandleFunc("/binary", b.handleBinary)
	mux.HandleFunc("/stream", b.handleStream)
	mux.HandleFunc("/drip", b.handleDrip)
	mux.HandleFunc("/hangup", b.handleHangup)

	b.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		select {
		case <-b.release:
		default:
			close(b.release)
		}
		b.Close()
	})
	return b
}

// Port returns the port the backend listens on.
func (b *Backend) Port() uint16 {
	u, _ := url.Parse(b.URL)
	p, _ := strconv.Atoi(u.Port())
	return uint16(p)
}

func (b *Backend) GetRequestCount() int64 {
	return atomic.LoadInt64(&b.requestCount)
}

func (b *Backend) incrementCounter() {
	atomic.AddInt64(&b.requestCount, 1)
}

func (b *Backend) handleHello(w http.ResponseWriter, r *http.Request) {
	b.incrementCounter()
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("hi"))
}

func (b *Backend) handleEcho(w http.ResponseWriter, r *http.Request) {
	b.incrementCounter()
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Backend", "echo")
	json.NewEncoder(w).Encode(echoed{
		Method: r.Method,
		URI:    r.RequestURI,
		Host:   r.Host,
		Header: r.Header,
		Body:   string(body),
	})
}

// Response carrying hop-by-hop headers, one of them named through Connection.
func (b *Backend) handleHopHeaders(w http.ResponseWriter, r *http.Request) {
	b.incrementCounter()
	w.Header().Set("Connection", "X-Secret")
	w.Header().Set("X-Secret", "1")
	w.Header().Set("Keep-Alive", "timeout=5")
	w.Header().Set("Proxy-Connection", "keep-alive")
	w.Header().Set("Upgrade", "h2c")
	w.Header().Set("X-Kept", "yes")
	w.Write([]byte("ok"))
}

func (b *Backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	b.incrementCounter()
	code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/status/"))
	if err != nil {
		code = http.StatusBadRequest
	}
	http.Error(w, http.StatusText(code), code)
}

// Redirects must reach the client untouched.
func (b *Backend) handleRedirect(w http.ResponseWriter, r *http.Request) {
	b.incrementCounter()
	http.Redirect(w, r, "/target", http.StatusFound)
}

func (b *Backend) handleSlow(w http.ResponseWriter, r *http.Request) {
	b.incrementCounter()
	delay := 1000
	if d, err := strconv.Atoi(r.URL.Query().Get("delay")); err == nil {
		delay = d
	}
	select {
	case <-time.After(time.Duration(delay) * time.Millisecond):
	case <-r.Context().Done():
		return
	}
	w.Write([]byte(fmt.Sprintf("slow response after %dms", delay)))
}

func (b *Backend) handleLarge(w http.ResponseWriter, r *http.Request) {
	b.incrementCounter()
	size := 1024 * 1024
	if s, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil {
		size = s
	}
	w.Header().Set("Content-Type", "text/plain")
	chunk := strings.Repeat("A", 1024)
	for remaining := size; remaining > 0; remaining -= len(chunk) {
		if remaining < len(chunk) {
			w.Write([]byte(chunk[:remaining]))
			break
		}
		w.Write([]byte(chunk))
	}
}

func (b *Backend) handleBinary(w http.ResponseWriter, r *http.Request) {
	b.incrementCounter()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(binaryPayload())
}

func binaryPayload() []byte {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

// handleStream sends one chunk, then waits for release before finishing.
func (b *Backend) handleStream(w http.ResponseWriter, r *http.Request) {
	b.incrementCounter()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Write([]byte("first\n"))
	w.(http.Flusher).Flush()
	select {
	case <-b.release:
	case <-r.Context().Done():
		return
	}
	w.Write([]byte("second\n"))
}

// handleDrip writes count lines, one every interval milliseconds.
func (b *Backend) handleDrip(w http.ResponseWriter, r *http.Request) {
	b.incrementCounter()
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	interval, _ := strconv.Atoi(r.URL.Query().Get("interval"))
	w.Header().Set("Content-Type", "text/plain")
	for i := 0; i < count; i++ {
		fmt.Fprintf(w, "line %d\n", i)
		w.(http.Flusher).Flush()
		select {
		case <-time.After(time.Duration(interval) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}
}

// handleHangup closes the connection without answering.
func (b *Backend) handleHangup(w http.ResponseWriter, r *http.Request) {
	b.incrementCounter()
	conn, _, err := w.(http.Hijacker).Hijack()
	if err == nil {
		conn.Close()
	}
}
