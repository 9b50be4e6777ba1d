package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func buildBinary(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "localhttps.test.bin")
	out, err := exec.Command("go", "build", "-o", bin, ".").CombinedOutput()
	if err != nil {
		t.Fatalf("failed to build localhttps binary: %v\n%s", err, out)
	}
	return bin
}

func runLocalhttps(t *testing.T, bin string, timeout time.Duration, args ...string) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), "LOCAL_HTTPS_HOME="+t.TempDir())
	cmd.Dir = t.TempDir()
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return output, ctx.Err()
	}
	return output, err
}

func TestBinary(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the binary")
	}
	bin := buildBinary(t)

	t.Run("help", func(t *testing.T) {
		output, err := runLocalhttps(t, bin, 10*time.Second, "--help")
		if err != nil {
			t.Fatalf("process exited with error: %v\n%s", err, output)
		}
		for _, want := range []string{"Usage:", "add", "start", "stop", "--config", "--home"} {
			if !strings.Contains(string(output), want) {
				t.Errorf("help output should contain %q", want)
			}
		}
	})

	t.Run("unknown flag", func(t *testing.T) {
		output, err := runLocalhttps(t, bin, 10*time.Second, "--version")
		exitErr, ok := err.(*exec.ExitError)
		if !ok || exitErr.ExitCode() != 1 {
			t.Fatalf("expected exit code 1, got %v\n%s", err, output)
		}
		if !strings.Contains(string(output), "unknown flag") {
			t.Errorf("unexpected output %q", output)
		}
	})

	t.Run("list without state", func(t *testing.T) {
		output, err := runLocalhttps(t, bin, 10*time.Second, "list")
		if err != nil {
			t.Fatalf("process exited with error: %v\n%s", err, output)
		}
		if !strings.Contains(string(output), "No mappings configured.") {
			t.Errorf("unexpected output %q", output)
		}
	})

	t.Run("start without mappings", func(t *testing.T) {
		output, err := runLocalhttps(t, bin, 10*time.Second, "start", "--daemon=false")
		exitErr, ok := err.(*exec.ExitError)
		if !ok || exitErr.ExitCode() != 1 {
			t.Fatalf("expected exit code 1, got %v\n%s", err, output)
		}
		if !strings.Contains(string(output), "no domain mappings configured") {
			t.Errorf("unexpected output %q", output)
		}
	})

	t.Run("remove unknown domain", func(t *testing.T) {
		output, err := runLocalhttps(t, bin, 10*time.Second, "remove", "nope.test")
		if err == nil {
			t.Fatalf("expected failure\n%s", output)
		}
	})
}
