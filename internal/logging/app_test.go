package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for name, want := range tests {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNewAppLogger(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := NewAppLogger("", "", &buf)
		if err != nil {
			t.Fatal(err)
		}
		defer closer.Close()
		logger.Error("should not appear")
		if buf.Len() != 0 {
			t.Errorf("expected no output, got %q", buf.String())
		}
	})

	t.Run("stderr", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := NewAppLogger("warn", "", &buf)
		if err != nil {
			t.Fatal(err)
		}
		defer closer.Close()
		logger.Info("hidden")
		logger.Warn("shown")
		if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
			t.Errorf("unexpected output %q", buf.String())
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.log")
		logger, closer, err := NewAppLogger("debug", path, nil)
		if err != nil {
			t.Fatal(err)
		}
		logger.Debug("to file")
		closer.Close()
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "to file") {
			t.Errorf("expected log line in file, got %q", data)
		}
	})

	t.Run("bad file", func(t *testing.T) {
		if _, _, err := NewAppLogger("info", filepath.Join(t.TempDir(), "missing", "app.log"), nil); err == nil {
			t.Error("expected error for unopenable log file")
		}
	})
}
