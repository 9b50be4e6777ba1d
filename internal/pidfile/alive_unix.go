//go:build !windows

package pidfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsAlive probes pid with signal 0.
//
// EPERM is reported as alive: the pid exists but belongs to another user, which
// may be an unrelated process that reused the pid.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate sends SIGTERM to pid.
func Terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}
