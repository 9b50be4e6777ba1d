package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Named , x-other")
	h.Set("X-Named", "1")
	h.Set("X-Other", "2")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Connection", "keep-alive")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("TE", "trailers")
	h.Set("Trailer", "X-Checksum")
	h.Set("Content-Type", "text/plain")
	h.Set("X-Kept", "yes")

	removeHopHeaders(h)

	assert.Equal(t, http.Header{
		"Content-Type": {"text/plain"},
		"X-Kept":       {"yes"},
	}, h)
}

func TestOutboundRequest(t *testing.T) {
	in := httptest.NewRequest(http.MethodPut, "https://app.test/a%2Fb/c?q=1&r=%20", strings.NewReader("body"))
	in.Host = "app.test:443"
	in.Header.Set("Connection", "close")
	in.Header.Set("X-Forwarded-Proto", "https")

	out := outboundRequest(in, 3000)
	assert.Equal(t, "http://127.0.0.1:3000/a%2Fb/c?q=1&r=%20", out.URL.String())
	assert.Equal(t, "app.test:443", out.Host)
	assert.Equal(t, http.MethodPut, out.Method)
	assert.Empty(t, out.RequestURI)
	assert.Empty(t, out.Header.Get("Connection"))
	assert.Equal(t, "https", out.Header.Get("X-Forwarded-Proto"))

	// No User-Agent came in, so an empty one suppresses net/http's default.
	ua, ok := out.Header["User-Agent"]
	assert.True(t, ok)
	assert.Equal(t, []string{""}, ua)

	// The inbound request is untouched.
	assert.Equal(t, "close", in.Header.Get("Connection"))

	in.Header.Set("User-Agent", "curl/8")
	assert.Equal(t, "curl/8", outboundRequest(in, 3000).Header.Get("User-Agent"))
}

func TestForwardWritesBadGatewayOnRefusal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	f := NewForwarder(discardLogger, 0, 0)
	rec := httptest.NewRecorder()
	err = f.Forward(rec, httptest.NewRequest(http.MethodGet, "https://app.test/", nil), port)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ClassConnectionRefused, be.Class)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Proxy error: "+be.Error()+"\n", rec.Body.String())
}

func TestForwardAbortsOnTruncatedBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "short")
		w.(http.Flusher).Flush()
		conn, _, _ := w.(http.Hijacker).Hijack()
		conn.Close()
	}))
	defer backend.Close()
	port := uint16(backend.Listener.Addr().(*net.TCPAddr).Port)

	f := NewForwarder(discardLogger, 0, 0)
	rec := httptest.NewRecorder()
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		f.Forward(rec, httptest.NewRequest(http.MethodGet, "https://app.test/", nil), port)
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timed out" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyBackendError(t *testing.T) {
	opErr := func(err error) error {
		return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", err)}
	}
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"refused", opErr(syscall.ECONNREFUSED), ClassConnectionRefused},
		{"reset", opErr(syscall.ECONNRESET), ClassConnectionReset},
		{"eof", io.EOF, ClassConnectionReset},
		{"unexpected eof", io.ErrUnexpectedEOF, ClassConnectionReset},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere.test", IsNotFound: true}, ClassDNS},
		{"deadline", os.ErrDeadlineExceeded, ClassTimeout},
		{"context", context.DeadlineExceeded, ClassTimeout},
		{"net timeout", timeoutErr{}, ClassTimeout},
		{"malformed", errors.New(`net/http: HTTP/1.x transport connection broken: malformed HTTP response "junk"`), ClassProtocol},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyBackendError(tc.err))
		})
	}
}
