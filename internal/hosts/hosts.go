// Package hosts adds and removes static 127.0.0.1 entries in the system hosts
// file. It only ever removes lines carrying its own marker.
package hosts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	DefaultPath   = "/etc/hosts"
	DefaultMarker = "# localhttps"
)

// PrivilegeError is returned when the hosts file cannot be read or written
// with the current privileges.
type PrivilegeError struct {
	Op   string
	Path string
	Err  error
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("permission denied trying to %s %s: %v. Try re-running with sudo", e.Op, e.Path, e.Err)
}

func (e *PrivilegeError) Unwrap() error {
	return e.Err
}

// Manager edits a hosts file.
type Manager struct {
	Path   string
	Marker string
}

// NewManager returns a Manager for path using the default marker.
func NewManager(path string) *Manager {
	if path == "" {
		path = DefaultPath
	}
	return &Manager{Path: path, Marker: DefaultMarker}
}

// Has reports whether any line of the hosts file maps domain, tagged or not.
func (m *Manager) Has(domain string) (bool, error) {
	lines, err := m.readLines()
	if err != nil {
		return false, err
	}
	for _, l := range lines {
		if lineHasHost(l, domain) {
			return true, nil
		}
	}
	return false, nil
}

// Add appends "127.0.0.1 domain # marker" unless domain is already present.
func (m *Manager) Add(domain string) error {
	lines, err := m.readLines()
	if err != nil {
		return err
	}
	for _, l := range lines {
		if lineHasHost(l, domain) {
			return nil
		}
	}

	if n := len(lines); n > 0 && !strings.HasSuffix(lines[n-1], "\n") {
		lines[n-1] += "\n"
	}
	lines = append(lines, fmt.Sprintf("127.0.0.1 %s %s\n", domain, m.Marker))
	return m.writeLines(lines)
}

// Remove deletes the tagged lines that map domain. Untagged lines are left alone.
func (m *Manager) Remove(domain string) error {
	lines, err := m.readLines()
	if err != nil {
		return err
	}
	kept := lines[:0]
	removed := false
	for _, l := range lines {
		if lineHasHost(l, domain) && strings.Contains(l, m.Marker) {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	if !removed {
		return nil
	}
	return m.writeLines(kept)
}

func (m *Manager) readLines() ([]string, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, &PrivilegeError{Op: "read", Path: m.Path, Err: err}
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	lines := strings.SplitAfter(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// writeLines rewrites the file in place. A rename is avoided because the hosts
// file is often a bind mount (containers) or a symlink.
func (m *Manager) writeLines(lines []string) error {
	mode := fs.FileMode(0644)
	if fi, err := os.Stat(m.Path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := os.WriteFile(m.Path, []byte(strings.Join(lines, "")), mode); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return &PrivilegeError{Op: "write", Path: m.Path, Err: err}
		}
		return err
	}
	return nil
}

func lineHasHost(line, domain string) bool {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	for _, f := range fields[1:] {
		if strings.EqualFold(f, domain) {
			return true
		}
	}
	return false
}
