package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// handleSignals stops the manager on SIGINT or SIGTERM until ctx is done.
func (m *Manager) handleSignals(ctx context.Context) {
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigchan)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigchan:
				switch sig {
				case syscall.SIGINT, syscall.SIGTERM:
					m.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String())
					m.Stop()
				case syscall.SIGHUP:
					m.logger.Info("SIGHUP received; mappings are read once, restart to apply changes")
				}
			}
		}
	}()
}
