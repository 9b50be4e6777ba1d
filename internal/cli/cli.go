// Package cli implements the localhttps command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gbmerrall/localhttps/internal/cert"
	"github.com/gbmerrall/localhttps/internal/config"
	"github.com/gbmerrall/localhttps/internal/hosts"
	"github.com/gbmerrall/localhttps/internal/logging"
	"github.com/gbmerrall/localhttps/internal/store"
)

// App holds what the commands share. The zero value writes to the process's
// standard streams and edits the system hosts file.
type App struct {
	Stdout io.Writer
	Stderr io.Writer

	// HostsPath overrides the hosts file location.
	HostsPath string
	// Issuer overrides the issuer chosen by certs.issuer.
	Issuer cert.Issuer

	configPath string
	home       string
	logLevel   string
}

// Execute runs the command line in args and returns the process exit code.
func Execute(args []string) int {
	return (&App{}).Execute(args)
}

func (a *App) Execute(args []string) int {
	if a.Stdout == nil {
		a.Stdout = os.Stdout
	}
	if a.Stderr == nil {
		a.Stderr = os.Stderr
	}

	root := a.RootCommand()
	root.SetArgs(args)
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		a.errorf("Error: %v", err)
		return 1
	}
	return 0
}

// RootCommand builds the command tree.
func (a *App) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "localhttps",
		Short:         "Serve local applications over HTTPS under their own domain names",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to config file")
	flags.StringVar(&a.home, "home", "", "state directory (default $"+config.HomeEnv+" or ~/.localhttps)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		a.addCommand(),
		a.listCommand(),
		a.removeCommand(),
		a.startCommand(),
		a.stopCommand(),
		a.statusCommand(),
		a.exportCACommand(),
	)
	return root
}

func (a *App) errorf(format string, args ...any) {
	color.New(color.FgRed).Fprintf(a.Stderr, format+"\n", args...)
}

func (a *App) warnf(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(a.Stderr, format+"\n", args...)
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.Stdout, format, args...)
}

// loadConfig applies --home before the config search so HOME/config.toml is
// found, and so a daemon child inherits it.
func (a *App) loadConfig() (*config.Config, error) {
	if a.home != "" {
		abs, err := filepath.Abs(a.home)
		if err != nil {
			return nil, err
		}
		if err := os.Setenv(config.HomeEnv, abs); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.AppLevel = a.logLevel
	}
	return cfg, nil
}

func (a *App) store(cfg *config.Config) *store.Store {
	return store.New(cfg.Home)
}

func (a *App) issuer(cfg *config.Config) cert.Issuer {
	if a.Issuer != nil {
		return a.Issuer
	}
	if cfg.Certs.Issuer == config.IssuerLocal {
		return cert.NewLocalCAIssuer(cfg.CertDir())
	}
	return cert.NewMkcertIssuer(cfg.CertDir())
}

func (a *App) hosts() *hosts.Manager {
	return hosts.NewManager(a.HostsPath)
}

// logger builds the application logger and makes it the default.
func (a *App) logger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.NewAppLogger(cfg.Logging.AppLevel, cfg.Logging.AppLogfile, a.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}
