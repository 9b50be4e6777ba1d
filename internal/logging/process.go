package logging

import (
	"os"

	"github.com/mattn/go-isatty"
)

// ProcessMode represents whether the process is running in foreground or daemon mode
type ProcessMode int

const (
	ProcessModeForeground ProcessMode = iota
	ProcessModeDaemon
)

// DetectProcessMode reports daemon mode when any standard stream is detached
// from a terminal. A daemonized child has all three pointed at /dev/null.
func DetectProcessMode() ProcessMode {
	for _, f := range []*os.File{os.Stdin, os.Stdout, os.Stderr} {
		if !isTerminal(f.Fd()) {
			return ProcessModeDaemon
		}
	}
	return ProcessModeForeground
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsForegroundMode is a convenience function that returns true if running in foreground
func IsForegroundMode() bool {
	return DetectProcessMode() == ProcessModeForeground
}

func (pm ProcessMode) String() string {
	switch pm {
	case ProcessModeForeground:
		return "foreground"
	case ProcessModeDaemon:
		return "daemon"
	default:
		return "unknown"
	}
}
