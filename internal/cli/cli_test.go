package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gbmerrall/localhttps/internal/cert"
	"github.com/gbmerrall/localhttps/internal/config"
	"github.com/gbmerrall/localhttps/internal/control"
	"github.com/gbmerrall/localhttps/internal/pidfile"
	"github.com/gbmerrall/localhttps/internal/store"
)

type testEnv struct {
	t         *testing.T
	home      string
	hostsPath string
	stdout    bytes.Buffer
	stderr    bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	home := t.TempDir()
	t.Setenv(config.HomeEnv, home)
	t.Chdir(t.TempDir())

	hostsPath := filepath.Join(home, "hosts")
	if err := os.WriteFile(hostsPath, []byte("127.0.0.1 localhost\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return &testEnv{t: t, home: home, hostsPath: hostsPath}
}

func (e *testEnv) run(args ...string) int {
	e.stdout.Reset()
	e.stderr.Reset()
	app := &App{
		Stdout:    &e.stdout,
		Stderr:    &e.stderr,
		HostsPath: e.hostsPath,
		Issuer:    cert.NewLocalCAIssuer(filepath.Join(e.home, "certs")),
	}
	return app.Execute(append([]string{"--home", e.home, "--log-level", "error"}, args...))
}

func (e *testEnv) mustRun(args ...string) {
	e.t.Helper()
	if code := e.run(args...); code != 0 {
		e.t.Fatalf("%v exited %d\nstdout: %s\nstderr: %s", args, code, e.stdout.String(), e.stderr.String())
	}
}

func (e *testEnv) hosts() string {
	data, err := os.ReadFile(e.hostsPath)
	if err != nil {
		e.t.Fatal(err)
	}
	return string(data)
}

func TestAddListRemove(t *testing.T) {
	env := newTestEnv(t)

	env.mustRun("add", "App.Test", "3000")
	if !strings.Contains(env.stdout.String(), "Added mapping: app.test -> localhost:3000") {
		t.Errorf("unexpected add output %q", env.stdout.String())
	}
	if !strings.Contains(env.hosts(), "127.0.0.1 app.test # localhttps") {
		t.Errorf("hosts entry missing:\n%s", env.hosts())
	}
	if _, err := os.Stat(filepath.Join(env.home, "certs", "app.test.pem")); err != nil {
		t.Errorf("certificate not generated: %v", err)
	}

	env.mustRun("add", "api.test", "4000")
	env.mustRun("list")
	want := "Mappings:\n - app.test => localhost:3000\n - api.test => localhost:4000\nProxy running: false\n"
	if env.stdout.String() != want {
		t.Errorf("list output:\n%s\nwant:\n%s", env.stdout.String(), want)
	}

	env.mustRun("remove", "app.test")
	if strings.Contains(env.hosts(), "app.test") {
		t.Errorf("hosts entry not removed:\n%s", env.hosts())
	}
	if !strings.Contains(env.hosts(), "127.0.0.1 localhost") {
		t.Error("unrelated hosts entries must be kept")
	}
	env.mustRun("list")
	if strings.Contains(env.stdout.String(), "app.test") {
		t.Errorf("mapping still listed:\n%s", env.stdout.String())
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	tests := [][]string{
		{"add", "app.test", "0"},
		{"add", "app.test", "http"},
		{"add", "app.test", "70000"},
		{"add", "https://app.test", "3000"},
		{"add", "app.test"},
	}
	for _, args := range tests {
		if code := env.run(args...); code != 1 {
			t.Errorf("%v: expected exit 1, got %d", args, code)
		}
		if !strings.Contains(env.stderr.String(), "Error:") {
			t.Errorf("%v: expected an error message, got %q", args, env.stderr.String())
		}
	}

	env.mustRun("list")
	if !strings.Contains(env.stdout.String(), "No mappings configured.") {
		t.Errorf("nothing should have been saved:\n%s", env.stdout.String())
	}
}

func TestRemoveUnknownDomain(t *testing.T) {
	env := newTestEnv(t)
	if code := env.run("remove", "nope.test"); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(env.stderr.String(), "no such domain in config: nope.test") {
		t.Errorf("unexpected error %q", env.stderr.String())
	}
}

func TestStartWithoutMappings(t *testing.T) {
	env := newTestEnv(t)
	if code := env.run("start", "--daemon=false"); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(env.stderr.String(), "no domain mappings configured") {
		t.Errorf("unexpected error %q", env.stderr.String())
	}
}

func TestStartRefusesWhenAlreadyRunning(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("add", "app.test", "3000")

	s := store.New(env.home)
	if err := s.WritePID(pidfile.State{PID: os.Getppid(), StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if code := env.run("start", "--daemon=false", "--port", "0", "--redirect-http=false"); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	want := "already running (pid " + strconv.Itoa(os.Getppid()) + ")"
	if !strings.Contains(env.stderr.String(), want) {
		t.Errorf("expected %q in %q", want, env.stderr.String())
	}
	if pid, ok := s.ReadPID(); !ok || pid != os.Getppid() {
		t.Errorf("marker of the running instance was touched: %d %v", pid, ok)
	}
}

func TestStopWhenNotRunning(t *testing.T) {
	env := newTestEnv(t)
	s := store.New(env.home)
	if err := s.WritePID(pidfile.State{PID: 1 << 30}); err != nil {
		t.Fatal(err)
	}

	env.mustRun("stop")
	if env.stdout.String() != "Proxy not running.\n" {
		t.Errorf("unexpected output %q", env.stdout.String())
	}
	if _, ok := s.ReadPID(); ok {
		t.Error("stale marker should have been cleared")
	}
}

func TestStatusWhenNotRunning(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("status")
	if env.stdout.String() != "Proxy not running.\n" {
		t.Errorf("unexpected output %q", env.stdout.String())
	}
}

func TestExportCA(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "ca.crt")

	env.mustRun("export-ca", path)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "-----BEGIN CERTIFICATE-----") {
		t.Errorf("expected PEM certificate, got %q", data)
	}

	env.mustRun("export-ca", "-")
	if env.stdout.String() != string(data) {
		t.Error("export to stdout should print the same certificate")
	}
}

func TestUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	if code := env.run("purge"); code != 1 {
		t.Errorf("expected exit 1, got %d", code)
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient(7443)
	if client.baseURL != "http://127.0.0.1:7443" {
		t.Errorf("expected base URL http://127.0.0.1:7443, got %s", client.baseURL)
	}
	if client.httpClient == nil {
		t.Error("expected http client to be initialized")
	}
}

func TestGetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(control.Status{
			PID:      1234,
			State:    "running",
			Mappings: []control.MappingStatus{{Domain: "app.test", Port: 3000}},
		})
	}))
	defer server.Close()

	client := &Client{baseURL: server.URL, httpClient: server.Client()}
	st, err := client.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if st.PID != 1234 || st.State != "running" {
		t.Errorf("unexpected status %+v", st)
	}
	if len(st.Mappings) != 1 || st.Mappings[0].Domain != "app.test" {
		t.Errorf("unexpected mappings %+v", st.Mappings)
	}
}

func TestGetStatusServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := &Client{baseURL: server.URL, httpClient: server.Client()}
	if _, err := client.GetStatus(context.Background()); err == nil {
		t.Error("expected error for non-200 response")
	}
}
