// Package pidfile manages the run-state marker of the proxy: the pid of the
// running instance, when it started and which addresses it bound.
//
// The marker is advisory. Checking liveness and then binding the port is not
// atomic, so two instances started at the same moment can both pass the check;
// the loser then fails on bind.
package pidfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"
)

const FileName = "proxy.pid"

// ErrNotExist is returned by Read when no marker is present.
var ErrNotExist = errors.New("run-state marker does not exist")

// State is the content of the marker.
type State struct {
	PID       int       `toml:"pid"`
	StartedAt time.Time `toml:"started_at"`
	Addresses []string  `toml:"addresses"`
}

// Marker is a run-state marker stored at Path.
type Marker struct {
	Path string
}

// New returns a marker stored in dir.
func New(dir string) *Marker {
	return &Marker{Path: filepath.Join(dir, FileName)}
}

// Write stores s. It refuses to overwrite a marker owned by another live process.
func (m *Marker) Write(s State) error {
	if existing, err := m.Read(); err == nil && existing.PID != s.PID && IsAlive(existing.PID) {
		return fmt.Errorf("pidfile already exists: %s (pid %d)", m.Path, existing.PID)
	}
	if err := os.MkdirAll(filepath.Dir(m.Path), 0755); err != nil {
		return fmt.Errorf("could not create pidfile directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("could not encode run state: %w", err)
	}
	return atomic.WriteFile(m.Path, &buf)
}

// Read returns the stored state. A marker holding only a bare pid, as older
// versions wrote it, is accepted too.
func (m *Marker) Read() (State, error) {
	data, err := os.ReadFile(m.Path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, ErrNotExist
	}
	if err != nil {
		return State{}, err
	}

	var s State
	if _, err := toml.Decode(string(data), &s); err != nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr != nil {
			return State{}, fmt.Errorf("corrupt pidfile %s: %w", m.Path, err)
		}
		s = State{PID: pid}
	}
	if s.PID <= 0 {
		return State{}, fmt.Errorf("corrupt pidfile %s: invalid pid %d", m.Path, s.PID)
	}
	return s, nil
}

// Remove deletes the marker. Removing a missing marker is not an error.
func (m *Marker) Remove() error {
	if err := os.Remove(m.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Running returns the stored state if the marker names a live process.
func (m *Marker) Running() (State, bool) {
	s, err := m.Read()
	if err != nil {
		return State{}, false
	}
	return s, IsAlive(s.PID)
}
