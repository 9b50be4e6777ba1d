//go:build windows

package lifecycle

import (
	"errors"
	"os"
)

const DaemonChildEnv = "LOCAL_HTTPS_DAEMON_CHILD"

func IsDaemonChild() bool {
	return os.Getenv(DaemonChildEnv) == "1"
}

// Daemonize is not available on Windows; run with --daemon=false.
func Daemonize() (int, error) {
	return 0, errors.New("daemon mode is not supported on windows, use --daemon=false")
}
