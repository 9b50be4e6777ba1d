//go:build !windows

package proxy

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isConnRefused(err error) bool { return errors.Is(err, unix.ECONNREFUSED) }

func isConnReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNABORTED)
}

func isPermissionDenied(err error) bool { return errors.Is(err, unix.EACCES) }

func isAddrInUse(err error) bool { return errors.Is(err, unix.EADDRINUSE) }
