// Package store persists the mapping table and the run-state marker under
// the localhttps home directory.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"

	"github.com/gbmerrall/localhttps/internal/mapping"
	"github.com/gbmerrall/localhttps/internal/pidfile"
)

const MappingsFileName = "mappings.toml"

type fileMapping struct {
	Domain string `toml:"domain"`
	Port   int    `toml:"port"`
}

type fileFormat struct {
	CreatedAt time.Time     `toml:"created_at"`
	UpdatedAt time.Time     `toml:"updated_at"`
	Mappings  []fileMapping `toml:"mapping"`
}

// Store reads and writes state files in Dir.
type Store struct {
	Dir    string
	marker *pidfile.Marker
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{Dir: dir, marker: pidfile.New(dir)}
}

// MappingsPath is the path of the mappings file.
func (s *Store) MappingsPath() string {
	return filepath.Join(s.Dir, MappingsFileName)
}

// Marker returns the run-state marker kept next to the mappings.
func (s *Store) Marker() *pidfile.Marker {
	return s.marker
}

// Load reads the mapping table. A missing file yields an empty table.
// Unparseable or invalid content is reported as a *mapping.ConfigError.
func (s *Store) Load() (*mapping.Table, error) {
	var f fileFormat
	_, err := toml.DecodeFile(s.MappingsPath(), &f)
	if errors.Is(err, os.ErrNotExist) {
		return mapping.NewTable(), nil
	}
	if err != nil {
		return nil, &mapping.ConfigError{Field: "mappings file", Value: s.MappingsPath(), Err: err}
	}

	ms := make([]mapping.Mapping, 0, len(f.Mappings))
	for _, fm := range f.Mappings {
		m, err := mapping.New(fm.Domain, fm.Port)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.MappingsPath(), err)
		}
		ms = append(ms, m)
	}
	return mapping.NewTable(ms...), nil
}

// Save writes t atomically, preserving the original creation time.
func (s *Store) Save(t *mapping.Table) error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("could not create %s: %w", s.Dir, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	f := fileFormat{CreatedAt: now, UpdatedAt: now}
	var prev fileFormat
	if _, err := toml.DecodeFile(s.MappingsPath(), &prev); err == nil && !prev.CreatedAt.IsZero() {
		f.CreatedAt = prev.CreatedAt
	}
	for _, m := range t.All() {
		f.Mappings = append(f.Mappings, fileMapping{Domain: m.Domain, Port: int(m.Port)})
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return fmt.Errorf("could not encode mappings: %w", err)
	}
	return atomic.WriteFile(s.MappingsPath(), &buf)
}

// ReadPID returns the pid in the run-state marker, if any.
func (s *Store) ReadPID() (int, bool) {
	st, err := s.marker.Read()
	if err != nil {
		return 0, false
	}
	return st.PID, true
}

// WritePID records the running instance.
func (s *Store) WritePID(st pidfile.State) error {
	return s.marker.Write(st)
}

// ClearPID removes the run-state marker.
func (s *Store) ClearPID() error {
	return s.marker.Remove()
}

// Watch calls onChange whenever the mappings file is written, created,
// renamed or removed, until ctx is done. The directory is watched rather than
// the file because Save replaces the file by rename.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.Dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(s.MappingsPath())
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					onChange()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
