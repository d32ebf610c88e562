// Package daemon runs the metadata proxy as a long-lived process: pidfile
// ownership, detaching from the terminal, the listener loop and stop/restart.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oklog/run"
	"github.com/peterbourgon/unixtransport/unixproxy"
	"go.uber.org/fx"
	"golang.org/x/sys/unix"

	"ns-metadata-proxy/internal/config"
	"ns-metadata-proxy/internal/model"
)

// State is the lifecycle state of a Daemon.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

const (
	stopPollInterval = 100 * time.Millisecond
	stopExtraWait    = 5 * time.Second
)

// Params are the fx-provided dependencies of a Daemon. Admin is only served
// when metrics are enabled.
type Params struct {
	fx.In

	Config *config.Config
	Logger *slog.Logger
	Proxy  *echo.Echo `name:"proxy"`
	Admin  *echo.Echo `name:"admin" optional:"true"`
}

// Daemon owns the proxy listener and its process lifecycle.
type Daemon struct {
	cfg      *config.Config
	identity model.Identity
	logger   *slog.Logger
	proxy    *echo.Echo
	admin    *echo.Echo
	args     []string

	state     atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	addr      net.Addr
	adminAddr net.Addr
}

// New creates a Daemon. It fails with *model.ConfigurationError when the
// configured identity is invalid.
func New(p Params) (*Daemon, error) {
	id, err := p.Config.Identity()
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:      p.Config,
		identity: id,
		logger:   p.Logger.With("component", "daemon"),
		proxy:    p.Proxy,
		admin:    p.Admin,
		args:     os.Args[1:],
		ready:    make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Ready is closed once the proxy listener is bound and serving.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the bound proxy address, or nil before Run binds it.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// AdminAddr returns the bound admin address, or nil when it is not served.
func (d *Daemon) AdminAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adminAddr
}

// Start launches the proxy. With daemonize set it detaches a child process
// and returns once the child is serving. Otherwise it takes the pidfile (if
// configured) and serves in this process until ctx is cancelled or a
// termination signal arrives.
func (d *Daemon) Start(ctx context.Context) (err error) {
	detached := IsDetached()
	if d.cfg.ShouldDaemonize() && !detached {
		d.state.Store(int32(StateStarting))
		defer d.state.Store(int32(StateStopped))
		return d.detach(ctx)
	}

	if detached {
		n := newParentNotifier()
		stop := make(chan struct{})
		defer func() {
			close(stop)
			if err != nil {
				n.fail(err)
			}
		}()
		go func() {
			select {
			case <-d.ready:
				n.ready()
			case <-stop:
			}
		}()
	}

	if path := d.cfg.Proxy.PidFile; path != "" {
		pf, err := AcquirePidfile(path, d.identity.UUID())
		if err != nil {
			return err
		}
		defer func() {
			if err := pf.Release(); err != nil {
				d.logger.Warn("releasing pidfile", "path", path, "err", err)
			}
		}()
	}

	return d.Run(ctx)
}

// Run binds the proxy listener and serves until ctx is cancelled or SIGINT
// or SIGTERM arrives, then drains in-flight requests for the configured
// grace period. A termination signal is a clean exit.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return errors.New("daemon: already running")
	}
	defer d.state.Store(int32(StateStopped))

	addr := d.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	var adminLn net.Listener
	if d.admin != nil && d.cfg.Metrics.Enabled {
		adminLn, err = unixproxy.ListenURI(ctx, d.cfg.Metrics.Listen)
		if err != nil {
			_ = ln.Close()
			return &BindError{Addr: d.cfg.Metrics.Listen, Err: err}
		}
	}

	d.mu.Lock()
	d.addr = ln.Addr()
	if adminLn != nil {
		d.adminAddr = adminLn.Addr()
	}
	d.mu.Unlock()

	var g run.Group
	{
		g.Add(func() error {
			d.logger.Info("serving metadata proxy",
				"addr", ln.Addr().String(),
				"identity_kind", d.identity.Kind(),
				"identity", d.identity.UUID(),
				"socket_path", d.cfg.Proxy.SocketPath,
			)
			return serve(d.proxy, ln)
		}, func(error) {
			d.shutdown(d.proxy, "proxy")
		})
	}
	if adminLn != nil {
		g.Add(func() error {
			d.logger.Info("serving admin endpoints", "addr", adminLn.Addr().String())
			return serve(d.admin, adminLn)
		}, func(error) {
			d.shutdown(d.admin, "admin")
		})
	}
	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	d.state.Store(int32(StateRunning))
	d.readyOnce.Do(func() { close(d.ready) })

	err = g.Run()
	var sig run.SignalError
	switch {
	case errors.As(err, &sig):
		d.logger.Info("received signal, stopped", "signal", sig.Signal.String())
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.logger.Info("stopped")
		return nil
	default:
		return err
	}
}

func serve(e *echo.Echo, ln net.Listener) error {
	if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", ln.Addr(), err)
	}
	return nil
}

// shutdown stops accepting at once and waits for in-flight requests until
// the grace period ends, then closes remaining connections.
func (d *Daemon) shutdown(e *echo.Echo, name string) {
	d.logger.Info("shutting down server", "server", name)
	ctx, cancel := context.WithTimeout(context.Background(), d.grace())
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		d.logger.Warn("grace period elapsed, closing connections", "server", name, "err", err)
		_ = e.Close()
	}
}

func (d *Daemon) grace() time.Duration {
	return time.Duration(d.cfg.Server.ShutdownGraceSeconds) * time.Second
}

// Stop terminates the proxy recorded in the pidfile: SIGTERM first, SIGKILL
// if it has not exited within the grace period plus a margin. It returns
// *NotRunningError when no live process owns the pidfile.
func (d *Daemon) Stop(ctx context.Context) error {
	path := d.cfg.Proxy.PidFile
	if path == "" {
		return &model.ConfigurationError{Field: "pid_file", Reason: "required to stop a running proxy"}
	}

	pid, live, err := Owner(path, d.identity.UUID())
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &NotRunningError{PidFile: path}
	case !live && err != nil && !errors.Is(err, errEmptyPidfile) && !errors.Is(err, errInvalidPid):
		return fmt.Errorf("inspect pidfile: %w", err)
	case !live:
		if err != nil {
			d.logger.Warn("discarding unreadable pidfile", "path", path, "err", err)
		}
		d.removePidfile(path)
		return &NotRunningError{PidFile: path}
	case pid <= 0:
		return fmt.Errorf("pidfile %s is locked but records no pid: %w", path, err)
	}

	d.logger.Info("stopping proxy", "pid", pid)
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	if !d.waitExit(ctx, pid, d.grace()+stopExtraWait) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("wait for pid %d: %w", pid, err)
		}
		d.logger.Warn("proxy did not exit in time, killing", "pid", pid)
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("kill pid %d: %w", pid, err)
		}
		d.waitExit(ctx, pid, stopExtraWait)
	}

	d.removePidfile(path)
	return nil
}

func (d *Daemon) waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(stopPollInterval)
	defer tick.Stop()

	for processAlive(pid) {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
	return true
}

func (d *Daemon) removePidfile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("removing pidfile", "path", path, "err", err)
	}
}

// Restart stops the running proxy, if any, and starts it again.
func (d *Daemon) Restart(ctx context.Context) error {
	var notRunning *NotRunningError
	if err := d.Stop(ctx); err != nil && !errors.As(err, &notRunning) {
		return err
	}
	return d.Start(ctx)
}
