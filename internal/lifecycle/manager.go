// Package lifecycle runs one proxy instance from loading the mappings to
// removing the run-state marker on the way out.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gbmerrall/localhttps/internal/cert"
	"github.com/gbmerrall/localhttps/internal/control"
	"github.com/gbmerrall/localhttps/internal/logging"
	"github.com/gbmerrall/localhttps/internal/mapping"
	"github.com/gbmerrall/localhttps/internal/pidfile"
	"github.com/gbmerrall/localhttps/internal/proxy"
	"github.com/gbmerrall/localhttps/internal/store"
)

const DefaultShutdownGrace = 10 * time.Second

// State is the phase a Manager is in.
type State int32

const (
	StateIdle State = iota
	StateLoading
	StateStarting
	StateRunning
	StateShuttingDown
	StateStopped
	StateAborted
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting down"
	case StateStopped:
		return "stopped"
	case StateAborted:
		return "aborted"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrNoMappings aborts a start with nothing to serve.
var ErrNoMappings = errors.New("no domain mappings configured; add one with: localhttps add DOMAIN PORT")

// AlreadyRunningError is returned when the run-state marker names another
// live process.
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("localhttps is already running (pid %d); stop it with: localhttps stop", e.PID)
}

// Options configures a Manager.
type Options struct {
	Store  *store.Store
	Issuer cert.Issuer
	Logger *slog.Logger
	// AccessLog may be nil. The caller closes it after Run returns.
	AccessLog *logging.AccessLogger

	BindAddress    string
	HTTPSPort      int
	HTTPPort       int
	RedirectHTTP   bool
	MaxConnections int
	// ControlPort of 0 disables the control API.
	ControlPort   int
	ShutdownGrace time.Duration
	ConfigFile    string

	// Daemonize moves the proxy into a background process before any
	// listener is bound. Detach defaults to Daemonize.
	Daemonize bool
	Detach    func() (pid int, err error)
}

// Manager drives the proxy through its states. Run is called once.
type Manager struct {
	opts   Options
	logger *slog.Logger

	state    atomic.Int32
	stopOnce sync.Once
	stopCh   chan struct{}
	ready    chan struct{}

	mu        sync.Mutex
	mappings  *mapping.Table
	certs     *cert.Table
	startedAt time.Time
	addresses []string
	childPID  int
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.Detach == nil {
		opts.Detach = Daemonize
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger,
		stopCh: make(chan struct{}),
		ready:  make(chan struct{}),
	}
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	m.logger.Debug("lifecycle state changed", "state", s.String())
}

// Ready is closed once both listeners are bound and the marker is written.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// ChildPID is the pid of the background process after a detached start.
func (m *Manager) ChildPID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.childPID
}

// Stop requests a graceful shutdown. It may be called any number of times
// from any goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// Status implements control.StatusSource.
func (m *Manager) Status() control.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := control.Status{
		PID:        os.Getpid(),
		State:      m.State().String(),
		StartedAt:  m.startedAt,
		Addresses:  append([]string(nil), m.addresses...),
		ConfigFile: m.opts.ConfigFile,
	}
	if !m.startedAt.IsZero() {
		st.UptimeSeconds = time.Since(m.startedAt).Seconds()
	}
	for _, mp := range m.mappings.All() {
		st.Mappings = append(st.Mappings, control.MappingStatus{Domain: mp.Domain, Port: mp.Port})
	}
	if m.certs != nil {
		st.CertificateDomains = m.certs.Domains()
		st.DefaultCertificate = m.certs.Default().Domain
	}
	return st
}

func (m *Manager) abort(err error) error {
	m.setState(StateAborted)
	return err
}

func (m *Manager) listenConfig(port int) proxy.ListenConfig {
	return proxy.ListenConfig{
		BindAddress:    m.opts.BindAddress,
		Port:           port,
		MaxConnections: m.opts.MaxConnections,
	}
}

// Run loads the mappings, binds the listeners and serves until ctx is done
// or Stop is called. It returns nil after a clean shutdown and after a
// successful detach, in which case State reports StateDetached.
func (m *Manager) Run(ctx context.Context) error {
	sigCtx, stopSignals := context.WithCancel(ctx)
	defer stopSignals()
	m.handleSignals(sigCtx)

	m.setState(StateLoading)
	table, err := m.opts.Store.Load()
	if err != nil {
		return m.abort(err)
	}
	if table.Len() == 0 {
		return m.abort(ErrNoMappings)
	}
	marker := m.opts.Store.Marker()
	if err := m.checkMarker(marker); err != nil {
		return m.abort(err)
	}

	m.setState(StateStarting)
	certs, err := cert.BuildTable(ctx, m.logger, m.opts.Issuer, table.Domains())
	if err != nil {
		return m.abort(err)
	}
	m.mu.Lock()
	m.mappings, m.certs = table, certs
	m.mu.Unlock()

	select {
	case <-m.stopCh:
		m.logger.Info("stop requested before the listeners were bound")
		m.setState(StateStopped)
		return nil
	default:
	}

	if m.opts.Daemonize && !IsDaemonChild() {
		pid, err := m.opts.Detach()
		if err != nil {
			return m.abort(fmt.Errorf("failed to start daemon: %w", err))
		}
		m.mu.Lock()
		m.childPID = pid
		m.mu.Unlock()
		m.logger.Info("proxy moved to the background", "pid", pid)
		m.setState(StateDetached)
		return nil
	}

	metrics := proxy.NewMetrics()
	metrics.SetMappings(table.Len())

	var redirector *proxy.Redirector
	if m.opts.RedirectHTTP {
		rd := proxy.NewRedirector(m.logger, m.listenConfig(m.opts.HTTPPort))
		rd.SetAccessLogger(m.opts.AccessLog)
		rd.SetMetrics(metrics)
		if err := rd.Listen(); err != nil {
			reason := err.Error()
			var be *proxy.BindError
			if errors.As(err, &be) {
				reason = be.Reason()
			}
			m.logger.Warn("HTTP redirect listener unavailable, continuing without it", "port", m.opts.HTTPPort, "reason", reason)
		} else {
			redirector = rd
		}
	}

	srv := proxy.NewServer(m.logger, m.listenConfig(m.opts.HTTPSPort), table, certs)
	srv.SetAccessLogger(m.opts.AccessLog)
	srv.SetMetrics(metrics)
	if err := srv.Listen(); err != nil {
		var be *proxy.BindError
		if errors.As(err, &be) {
			if pid, ok := m.opts.Store.ReadPID(); ok {
				be.PID = pid
			}
		}
		if redirector != nil {
			redirector.Shutdown(context.Background())
		}
		return m.abort(err)
	}

	addresses := []string{srv.Addr().String()}
	if redirector != nil {
		addresses = append(addresses, redirector.Addr().String())
	}
	startedAt := time.Now()
	if err := m.opts.Store.WritePID(pidfile.State{PID: os.Getpid(), StartedAt: startedAt, Addresses: addresses}); err != nil {
		srv.Shutdown(context.Background())
		if redirector != nil {
			redirector.Shutdown(context.Background())
		}
		return m.abort(fmt.Errorf("failed to write run-state marker: %w", err))
	}
	defer func() {
		if err := m.opts.Store.ClearPID(); err != nil {
			m.logger.Error("failed to remove run-state marker", "error", err)
		}
	}()

	m.mu.Lock()
	m.startedAt, m.addresses = startedAt, addresses
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	api := m.startControlAPI(metrics)
	if err := m.opts.Store.Watch(runCtx, func() {
		m.logger.Warn("mappings file changed; restart the proxy to apply", "file", m.opts.Store.MappingsPath())
	}); err != nil {
		m.logger.Warn("could not watch mappings file", "error", err)
	}

	m.setState(StateRunning)
	close(m.ready)
	m.logger.Info("localhttps started", "addresses", addresses, "mappings", table.Len(), "pid", os.Getpid())

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := srv.Serve(); err != nil {
			return fmt.Errorf("https listener: %w", err)
		}
		return nil
	})
	if redirector != nil {
		g.Go(func() error {
			if err := redirector.Serve(); err != nil {
				m.logger.Error("HTTP redirect listener failed", "error", err)
			}
			return nil
		})
	}
	if api != nil {
		g.Go(func() error {
			if err := api.Serve(); err != nil {
				m.logger.Error("control API failed", "error", err)
			}
			return nil
		})
	}

	var shutdownErr error
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-m.stopCh:
		}
		m.setState(StateShuttingDown)
		m.logger.Info("shutting down", "grace", m.opts.ShutdownGrace)
		shutdownErr = m.shutdown(srv, redirector, api)
		return nil
	})

	err = errors.Join(g.Wait(), shutdownErr)
	m.setState(StateStopped)
	if err != nil {
		m.logger.Error("shutdown finished with errors", "error", err)
	} else {
		m.logger.Info("localhttps stopped")
	}
	return err
}

// checkMarker refuses to start when another live instance owns the marker
// and clears a marker left behind by a dead one.
func (m *Manager) checkMarker(marker *pidfile.Marker) error {
	st, err := marker.Read()
	if errors.Is(err, pidfile.ErrNotExist) {
		return nil
	}
	if err == nil && st.PID == os.Getpid() {
		return nil
	}
	if err == nil && pidfile.IsAlive(st.PID) {
		return &AlreadyRunningError{PID: st.PID}
	}
	m.logger.Warn("removing stale run-state marker", "path", marker.Path, "pid", st.PID, "error", err)
	if err := marker.Remove(); err != nil {
		return fmt.Errorf("could not remove stale run-state marker: %w", err)
	}
	return nil
}

func (m *Manager) startControlAPI(metrics *proxy.Metrics) *control.ControlAPI {
	if m.opts.ControlPort == 0 {
		return nil
	}
	api := control.NewControlAPI(m.logger, "127.0.0.1", m.opts.ControlPort, m, metrics.Handler(), m.Stop)
	if err := api.Listen(); err != nil {
		m.logger.Warn("control API unavailable, continuing without it", "error", err)
		return nil
	}
	return api
}

// shutdown stops every listener within the grace period and collects the
// errors.
func (m *Manager) shutdown(srv *proxy.Server, rd *proxy.Redirector, api *control.ControlAPI) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownGrace)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("https listener shutdown: %w", err))
	}
	if rd != nil {
		if err := rd.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redirect listener shutdown: %w", err))
		}
	}
	if api != nil {
		if err := api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("control API shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
