//go:build !windows

package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// DaemonChildEnv marks a process started by Daemonize.
const DaemonChildEnv = "LOCAL_HTTPS_DAEMON_CHILD"

// IsDaemonChild reports whether this process was started by Daemonize.
func IsDaemonChild() bool {
	return os.Getenv(DaemonChildEnv) == "1"
}

// Daemonize re-executes the current binary with the same arguments in a new
// session with stdio on /dev/null, and returns the child's pid.
func Daemonize() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("could not locate executable: %w", err)
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devnull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), DaemonChildEnv+"=1")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}
