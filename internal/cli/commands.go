package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/gbmerrall/localhttps/internal/cert"
	"github.com/gbmerrall/localhttps/internal/lifecycle"
	"github.com/gbmerrall/localhttps/internal/logging"
	"github.com/gbmerrall/localhttps/internal/mapping"
	"github.com/gbmerrall/localhttps/internal/pidfile"
	"github.com/gbmerrall/localhttps/internal/store"
)

const (
	stopWait        = 3 * time.Second
	defaultCAExport = "localhttps-ca.crt"
	daemonLogName   = "localhttps.log"
)

func (a *App) addCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add DOMAIN PORT",
		Short: "Set up a certificate, hosts entry and mapping for DOMAIN",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := mapping.ParsePort(args[1])
			if err != nil {
				return err
			}
			m, err := mapping.New(args[0], port)
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			s := a.store(cfg)
			table, err := s.Load()
			if err != nil {
				return err
			}

			issuer := a.issuer(cfg)
			if err := issuer.EnsureAvailable(); err != nil {
				return err
			}
			if _, err := issuer.Generate(cmd.Context(), m.Domain); err != nil {
				return &cert.Error{Domain: m.Domain, Err: err}
			}
			if err := a.hosts().Add(m.Domain); err != nil {
				return err
			}
			if err := s.Save(table.With(m)); err != nil {
				return fmt.Errorf("could not save mappings: %w", err)
			}

			a.printf("Added mapping: %s\n", m)
			a.printf("Certificate stored in %s\n", cfg.CertDir())
			a.printf("Remember to run 'localhttps start' (sudo may be required)\n")
			return nil
		},
	}
}

func (a *App) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List domain mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			s := a.store(cfg)
			table, err := s.Load()
			if err != nil {
				return err
			}

			if table.Len() == 0 {
				a.printf("No mappings configured.\n")
			} else {
				a.printf("Mappings:\n")
				for _, m := range table.All() {
					a.printf(" - %s => localhost:%d\n", m.Domain, m.Port)
				}
			}
			if st, running := s.Marker().Running(); running {
				a.printf("Proxy running: true (pid %d)\n", st.PID)
			} else {
				a.printf("Proxy running: false\n")
			}
			return nil
		},
	}
}

func (a *App) removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove DOMAIN",
		Short: "Remove the mapping and hosts entry for DOMAIN and stop the proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := args[0]
			if d, err := mapping.NormalizeDomain(domain); err == nil {
				domain = d
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			s := a.store(cfg)
			table, err := s.Load()
			if err != nil {
				return err
			}
			if _, ok := table.Lookup(domain); !ok {
				return fmt.Errorf("no such domain in config: %s", args[0])
			}

			if err := a.hosts().Remove(domain); err != nil {
				return err
			}
			if err := s.Save(table.Without(domain)); err != nil {
				return fmt.Errorf("could not save mappings: %w", err)
			}

			// The certificate table is built once per run, so a running
			// proxy has to be restarted to drop the domain.
			if st, running := s.Marker().Running(); running {
				if err := a.stopProxy(s, st.PID); err != nil {
					return err
				}
				a.printf("Removed mapping for %s and stopped proxy. Run 'localhttps start' to start again.\n", domain)
				return nil
			}
			a.printf("Removed mapping for %s.\n", domain)
			return nil
		},
	}
}

func (a *App) startCommand() *cobra.Command {
	var (
		daemon       bool
		redirectHTTP bool
		bind         string
		port         int
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the HTTPS reverse proxy (binds :443; may require sudo)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("redirect-http") {
				cfg.Server.RedirectHTTP = redirectHTTP
			}
			if cmd.Flags().Changed("bind") {
				cfg.Server.BindAddress = bind
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.HTTPSPort = port
			}

			child := lifecycle.IsDaemonChild()
			if child && cfg.Logging.AppLogfile == "" {
				if err := os.MkdirAll(cfg.Home, 0755); err == nil {
					cfg.Logging.AppLogfile = filepath.Join(cfg.Home, daemonLogName)
				}
			}
			cfg.Logging.ApplyProcessDetection(!child && logging.IsForegroundMode())

			logger, closer, err := a.logger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()
			logger.Debug("configuration loaded", "file", cfg.LoadedPath, "home", cfg.Home, "mode", logging.DetectProcessMode().String())

			accessLog := logging.NewAccessLogger(logging.AccessLoggerConfig{
				Format:        logging.AccessLogFormat(cfg.Logging.AccessFormat),
				StdoutEnabled: cfg.Logging.AccessToStdout,
				Stdout:        a.Stdout,
				LogFile:       cfg.Logging.AccessLogfile,
			})
			defer accessLog.Close()

			mgr := lifecycle.New(lifecycle.Options{
				Store:          a.store(cfg),
				Issuer:         a.issuer(cfg),
				Logger:         logger,
				AccessLog:      accessLog,
				BindAddress:    cfg.Server.BindAddress,
				HTTPSPort:      cfg.Server.HTTPSPort,
				HTTPPort:       cfg.Server.HTTPPort,
				RedirectHTTP:   cfg.Server.RedirectHTTP,
				MaxConnections: cfg.Server.MaxConnections,
				ControlPort:    cfg.Server.ControlPort,
				ShutdownGrace:  cfg.Server.GetShutdownGrace(),
				ConfigFile:     cfg.LoadedPath,
				Daemonize:      daemon,
			})
			if err := mgr.Run(cmd.Context()); err != nil {
				return err
			}
			if mgr.State() == lifecycle.StateDetached {
				a.printf("localhttps started in background with PID: %d\n", mgr.ChildPID())
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&daemon, "daemon", "d", true, "run in the background")
	f.BoolVar(&redirectHTTP, "redirect-http", true, "listen on the HTTP port and redirect to HTTPS")
	f.StringVar(&bind, "bind", "", "address to bind (default from config, 0.0.0.0)")
	f.IntVar(&port, "port", 0, "HTTPS port (default from config, 443)")
	return cmd
}

func (a *App) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			s := a.store(cfg)
			st, running := s.Marker().Running()
			if !running {
				if err := s.ClearPID(); err != nil {
					a.warnf("Warning: could not remove stale run-state marker: %v", err)
				}
				a.printf("Proxy not running.\n")
				return nil
			}
			if err := a.stopProxy(s, st.PID); err != nil {
				return err
			}
			a.printf("Stopped proxy.\n")
			return nil
		},
	}
}

var errStillRunning = errors.New("process still running")

// stopProxy sends SIGTERM to pid, waits for it to exit and clears the
// marker either way.
func (a *App) stopProxy(s *store.Store, pid int) error {
	defer func() {
		if err := s.ClearPID(); err != nil {
			a.warnf("Warning: could not remove run-state marker: %v", err)
		}
	}()

	if err := pidfile.Terminate(pid); err != nil {
		if !pidfile.IsAlive(pid) {
			return nil
		}
		return fmt.Errorf("failed to send SIGTERM to process %d: %w", pid, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = stopWait
	err := backoff.Retry(func() error {
		if pidfile.IsAlive(pid) {
			return errStillRunning
		}
		return nil
	}, b)
	if err != nil {
		a.warnf("Warning: process %d did not exit within %s", pid, stopWait)
	}
	return nil
}

func (a *App) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			marker, running := a.store(cfg).Marker().Running()
			if !running {
				a.printf("Proxy not running.\n")
				return nil
			}
			if cfg.Server.ControlPort == 0 {
				a.printMarker(marker)
				return nil
			}

			st, err := NewClient(cfg.Server.ControlPort).GetStatus(cmd.Context())
			if err != nil {
				a.warnf("Warning: %v", err)
				a.printMarker(marker)
				return nil
			}
			a.printf("localhttps status:\n")
			a.printf("  PID: %d\n", st.PID)
			a.printf("  State: %s\n", st.State)
			a.printf("  Uptime: %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
			for _, addr := range st.Addresses {
				a.printf("  Listening: %s\n", addr)
			}
			a.printf("  Default certificate: %s\n", st.DefaultCertificate)
			a.printf("  Mappings:\n")
			for _, m := range st.Mappings {
				a.printf("   - %s => localhost:%d\n", m.Domain, m.Port)
			}
			return nil
		},
	}
}

func (a *App) printMarker(st pidfile.State) {
	a.printf("localhttps status:\n")
	a.printf("  PID: %d\n", st.PID)
	if !st.StartedAt.IsZero() {
		a.printf("  Started: %s\n", st.StartedAt.Format(time.RFC3339))
	}
	for _, addr := range st.Addresses {
		a.printf("  Listening: %s\n", addr)
	}
}

func (a *App) exportCACommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export-ca [FILE]",
		Short: "Write the CA certificate that signs the domain certificates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			exporter, ok := a.issuer(cfg).(cert.CAExporter)
			if !ok {
				return fmt.Errorf("issuer %q cannot export its CA", cfg.Certs.Issuer)
			}
			data, err := exporter.CACertPEM(cmd.Context())
			if err != nil {
				return fmt.Errorf("could not read CA certificate: %w", err)
			}

			filename := defaultCAExport
			if len(args) > 0 {
				filename = args[0]
			}
			if filename == "-" {
				_, err := a.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(filename, data, 0644); err != nil {
				return fmt.Errorf("could not write %s: %w", filename, err)
			}
			a.printf("CA certificate exported to %s\n", filename)
			return nil
		},
	}
}
