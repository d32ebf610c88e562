package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	errEmptyPidfile = errors.New("pidfile is empty")
	errInvalidPid   = errors.New("invalid pid")
)

// Pidfile is an exclusively locked pidfile owned by the running proxy.
type Pidfile struct {
	path string
	f    *os.File
}

// AcquirePidfile locks path and records the current pid in it. When another
// live process owns the file, it returns *AlreadyRunningError. A stale file
// left behind by a dead process is overwritten.
func AcquirePidfile(path, ident string) (*Pidfile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pidfile %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			pid, _ := ReadPid(path)
			return nil, &AlreadyRunningError{PID: pid, PidFile: path}
		}
		return nil, fmt.Errorf("lock pidfile %s: %w", path, err)
	}

	// The lock alone is not proof: a previous owner may still be alive
	// without holding it (started by another supervisor, or fd closed).
	if pid, err := parsePid(f); err == nil && pid != os.Getpid() && ProcessRunning(pid, ident) {
		_ = f.Close()
		return nil, &AlreadyRunningError{PID: pid, PidFile: path}
	}

	if err := writePid(f, os.Getpid()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write pidfile %s: %w", path, err)
	}
	return &Pidfile{path: path, f: f}, nil
}

// Path returns the pidfile location.
func (p *Pidfile) Path() string { return p.path }

// Release removes the pidfile and drops the lock.
func (p *Pidfile) Release() error {
	rmErr := os.Remove(p.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	return errors.Join(rmErr, p.f.Close())
}

// ReadPid returns the pid recorded in path.
func ReadPid(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	return parsePid(f)
}

func parsePid(r io.ReadSeeker) (int, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(io.LimitReader(r, 64))
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, errEmptyPidfile
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", errInvalidPid, s, err)
	}
	return pid, nil
}

func writePid(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}

// Owner returns the pid recorded in path and whether that process still owns
// it. A held lock proves a live owner whatever its command line. Without the
// lock the pid must be alive and, per ProcessRunning, carry ident.
func Owner(path, ident string) (pid int, live bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = f.Close() }()

	pid, err = parsePid(f)
	if lerr := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); lerr != nil {
		if errors.Is(lerr, unix.EWOULDBLOCK) {
			return pid, true, err
		}
		return pid, false, fmt.Errorf("probe pidfile lock %s: %w", path, lerr)
	}
	if err != nil {
		return 0, false, err
	}
	return pid, ProcessRunning(pid, ident), nil
}

// ProcessRunning reports whether pid is alive. When /proc/<pid>/cmdline is
// readable and ident is not empty, the command line must also contain ident,
// which guards against a recycled pid.
func ProcessRunning(pid int, ident string) bool {
	if !processAlive(pid) {
		return false
	}
	if ident == "" {
		return true
	}
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return true
	}
	return bytes.Contains(cmdline, []byte(ident))
}

// processAlive reports whether pid exists and is not a zombie.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	// The state field follows the parenthesised command name.
	if i := bytes.LastIndexByte(stat, ')'); i >= 0 && i+2 < len(stat) {
		return stat[i+2] != 'Z'
	}
	return true
}
