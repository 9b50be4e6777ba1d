package proxy

import (
	"errors"
	"syscall"
)

func isConnRefused(err error) bool { return errors.Is(err, syscall.ECONNREFUSED) }

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED)
}

func isPermissionDenied(err error) bool { return errors.Is(err, syscall.EACCES) }

func isAddrInUse(err error) bool { return errors.Is(err, syscall.EADDRINUSE) }
