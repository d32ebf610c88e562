package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DetachedEnv marks the re-executed child of a daemonizing start.
	DetachedEnv = "NS_METADATA_PROXY_DETACHED"

	// The child inherits the write end of the readiness pipe as fd 3.
	readyFD = 3

	readyMsg    = "ready"
	errorPrefix = "error: "

	detachTimeout = 30 * time.Second
)

// IsDetached reports whether this process is the detached child.
func IsDetached() bool {
	return os.Getenv(DetachedEnv) == "1"
}

// detach re-executes the current binary in a new session with stdio on
// /dev/null and waits until the child is serving or has failed.
func (d *Daemon) detach(ctx context.Context) error {
	if pid, live, _ := Owner(d.cfg.Proxy.PidFile, d.identity.UUID()); live {
		return &AlreadyRunningError{PID: pid, PidFile: d.cfg.Proxy.PidFile}
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("detach: resolve executable: %w", err)
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	defer func() { _ = devnull.Close() }()

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("detach: readiness pipe: %w", err)
	}
	defer func() { _ = r.Close() }()

	cmd := exec.Command(exe, d.args...)
	cmd.Env = append(os.Environ(), DetachedEnv+"=1")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = w.Close()
		return fmt.Errorf("detach: start child: %w", err)
	}
	_ = w.Close()

	result := make(chan error, 1)
	go func() {
		err := awaitReady(r)
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("detached proxy exited before it was ready: %w", cmd.Wait())
		}
		result <- err
	}()

	ctx, cancel := context.WithTimeout(ctx, detachTimeout)
	defer cancel()

	select {
	case err := <-result:
		if err != nil {
			return err
		}
		d.logger.Info("proxy detached", "pid", cmd.Process.Pid, "pid_file", d.cfg.Proxy.PidFile)
		return cmd.Process.Release()
	case <-ctx.Done():
		return fmt.Errorf("wait for detached proxy pid %d: %w", cmd.Process.Pid, ctx.Err())
	}
}

// awaitReady reads the child's single status line. It returns io.EOF when
// the child closed the pipe without reporting.
func awaitReady(r io.Reader) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	line = strings.TrimSpace(line)
	switch {
	case line == readyMsg:
		return nil
	case strings.HasPrefix(line, errorPrefix):
		return fmt.Errorf("detached proxy failed: %s", strings.TrimPrefix(line, errorPrefix))
	case err != nil:
		return io.EOF
	default:
		return fmt.Errorf("detached proxy sent unexpected status %q", line)
	}
}

// parentNotifier reports the detached child's outcome to the waiting parent.
// Only the first report is written.
type parentNotifier struct {
	mu sync.Mutex
	w  io.WriteCloser
}

func newParentNotifier() *parentNotifier {
	f := os.NewFile(readyFD, "ready")
	if f == nil {
		return &parentNotifier{}
	}
	return &parentNotifier{w: f}
}

func (n *parentNotifier) ready() { n.send(readyMsg) }

func (n *parentNotifier) fail(err error) {
	n.send(errorPrefix + strings.ReplaceAll(err.Error(), "\n", " "))
}

func (n *parentNotifier) send(line string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.w == nil {
		return
	}
	_, _ = io.WriteString(n.w, line+"\n")
	_ = n.w.Close()
	n.w = nil
}
