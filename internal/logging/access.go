package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// AccessLogEntry is one proxied (or rejected) request.
type AccessLogEntry struct {
	Timestamp  time.Time
	RemoteAddr string
	Host       string
	Method     string
	Path       string
	Status     int
	Size       int64         // Response body bytes
	Duration   time.Duration // Until the response body finished
	Upstream   string        // "localhost:PORT", empty when the request was not forwarded
	ErrorClass string        // Backend failure class, if any
}

// AccessLogFormat represents the output format for access logs
type AccessLogFormat string

const (
	FormatHuman AccessLogFormat = "human"
	FormatJSON  AccessLogFormat = "json"
)

// AccessLogger writes entries asynchronously so a slow disk never holds up a
// proxied response. When the buffer is full entries are dropped and counted.
type AccessLogger struct {
	entries chan AccessLogEntry
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	format AccessLogFormat
	stdout io.Writer
	file   io.WriteCloser

	errorHandler func(error)

	logged  atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

// AccessLoggerConfig configures an AccessLogger
type AccessLoggerConfig struct {
	Format        AccessLogFormat
	StdoutEnabled bool
	Stdout        io.Writer // Defaults to os.Stdout
	LogFile       string
	BufferSize    int         // Channel buffer size, default 1000
	ErrorHandler  func(error) // Optional error handler
}

// NewAccessLogger always returns a usable logger. A log file that cannot be
// opened is reported through the error handler and skipped.
func NewAccessLogger(config AccessLoggerConfig) *AccessLogger {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.Format == "" {
		config.Format = FormatHuman
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = DefaultErrorHandler
	}

	al := &AccessLogger{
		entries:      make(chan AccessLogEntry, config.BufferSize),
		done:         make(chan struct{}),
		format:       config.Format,
		errorHandler: config.ErrorHandler,
	}
	if config.StdoutEnabled {
		al.stdout = config.Stdout
		if al.stdout == nil {
			al.stdout = os.Stdout
		}
	}

	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			al.errorHandler(fmt.Errorf("failed to open access log file %s, continuing without file logging: %w", config.LogFile, err))
		} else {
			al.file = file
		}
	}

	al.wg.Add(1)
	go al.worker()

	return al
}

// Log queues entry without blocking. A nil logger discards.
func (al *AccessLogger) Log(entry AccessLogEntry) {
	if al == nil {
		return
	}
	select {
	case <-al.done:
		return
	default:
	}
	select {
	case al.entries <- entry:
		al.logged.Add(1)
	default:
		al.dropped.Add(1)
		al.errorHandler(fmt.Errorf("access log buffer full, dropping entry"))
	}
}

// Close drains queued entries and closes the log file. It is safe to call
// more than once.
func (al *AccessLogger) Close() error {
	if al == nil {
		return nil
	}
	var err error
	al.once.Do(func() {
		close(al.done)
		al.wg.Wait()
		if al.file != nil {
			err = al.file.Close()
		}
	})
	return err
}

func (al *AccessLogger) worker() {
	defer al.wg.Done()

	for {
		select {
		case entry := <-al.entries:
			al.writeEntry(entry)
		case <-al.done:
			for {
				select {
				case entry := <-al.entries:
					al.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (al *AccessLogger) writeEntry(entry AccessLogEntry) {
	var line string
	switch al.format {
	case FormatJSON:
		var err error
		if line, err = formatJSON(entry); err != nil {
			al.errorHandler(fmt.Errorf("failed to format JSON: %w", err))
			return
		}
	default:
		line = formatHuman(entry)
	}

	if al.stdout != nil {
		if _, err := fmt.Fprintln(al.stdout, line); err != nil {
			al.errors.Add(1)
			al.errorHandler(fmt.Errorf("failed to write to stdout: %w", err))
		}
	}
	if al.file != nil {
		if _, err := fmt.Fprintln(al.file, line); err != nil {
			al.errors.Add(1)
			al.errorHandler(fmt.Errorf("failed to write to file: %w", err))
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatHuman renders:
// timestamp remote host "method path" status size duration_ms upstream [error]
func formatHuman(e AccessLogEntry) string {
	line := fmt.Sprintf("%s %s %s %q %d %d %d %s",
		e.Timestamp.Format(time.RFC3339),
		orDash(e.RemoteAddr),
		orDash(e.Host),
		e.Method+" "+e.Path,
		e.Status,
		e.Size,
		e.Duration.Milliseconds(),
		orDash(e.Upstream),
	)
	if e.ErrorClass != "" {
		line += " error=" + fmt.Sprintf("%q", e.ErrorClass)
	}
	return line
}

func formatJSON(e AccessLogEntry) (string, error) {
	data, err := json.Marshal(struct {
		Timestamp  string `json:"timestamp"`
		RemoteAddr string `json:"remote_addr"`
		Host       string `json:"host"`
		Method     string `json:"method"`
		Path       string `json:"path"`
		Status     int    `json:"status"`
		Size       int64  `json:"size"`
		DurationMs int64  `json:"duration_ms"`
		Upstream   string `json:"upstream,omitempty"`
		ErrorClass string `json:"error,omitempty"`
	}{
		Timestamp:  e.Timestamp.Format(time.RFC3339),
		RemoteAddr: e.RemoteAddr,
		Host:       e.Host,
		Method:     e.Method,
		Path:       e.Path,
		Status:     e.Status,
		Size:       e.Size,
		DurationMs: e.Duration.Milliseconds(),
		Upstream:   e.Upstream,
		ErrorClass: e.ErrorClass,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CountingResponseWriter records the status code and body size written
// through it. It forwards Flush so streamed responses stay streamed.
type CountingResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func NewCountingResponseWriter(w http.ResponseWriter) *CountingResponseWriter {
	return &CountingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (crw *CountingResponseWriter) Write(data []byte) (int, error) {
	crw.wroteHeader = true
	n, err := crw.ResponseWriter.Write(data)
	crw.size += int64(n)
	return n, err
}

func (crw *CountingResponseWriter) WriteHeader(statusCode int) {
	if !crw.wroteHeader {
		crw.statusCode = statusCode
		crw.wroteHeader = true
	}
	crw.ResponseWriter.WriteHeader(statusCode)
}

func (crw *CountingResponseWriter) Flush() {
	if f, ok := crw.ResponseWriter.(http.Flusher); ok {
		crw.wroteHeader = true
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (crw *CountingResponseWriter) Unwrap() http.ResponseWriter {
	return crw.ResponseWriter
}

func (crw *CountingResponseWriter) StatusCode() int {
	return crw.statusCode
}

func (crw *CountingResponseWriter) Size() int64 {
	return crw.size
}

// AccessLoggerMetrics contains metrics about the access logger's performance
type AccessLoggerMetrics struct {
	EntriesLogged  uint64 // Total entries successfully queued for logging
	EntriesDropped uint64 // Total entries dropped due to buffer overflow
	WriteErrors    uint64 // Total write errors (stdout/file)
}

func (al *AccessLogger) GetMetrics() AccessLoggerMetrics {
	return AccessLoggerMetrics{
		EntriesLogged:  al.logged.Load(),
		EntriesDropped: al.dropped.Load(),
		WriteErrors:    al.errors.Load(),
	}
}

// DefaultErrorHandler reports access log failures on the application logger.
func DefaultErrorHandler(err error) {
	slog.Default().Warn("access log error", "error", err)
}
