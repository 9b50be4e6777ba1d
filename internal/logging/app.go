package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewAppLogger builds the application logger. An empty level disables
// application logging. Output goes to stderr, teed to logfile when set; a
// nil stderr writes to the file only. The returned closer is never nil.
func NewAppLogger(level, logfile string, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	if level == "" {
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})), io.NopCloser(nil), nil
	}

	var w io.Writer = stderr
	if w == nil {
		w = io.Discard
	}
	var closer io.Closer = io.NopCloser(nil)
	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open application log file: %w", err)
		}
		closer = f
		if stderr != nil {
			w = io.MultiWriter(stderr, f)
		} else {
			w = f
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})), closer, nil
}
