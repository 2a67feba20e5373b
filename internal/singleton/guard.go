// Package singleton enforces single-instance ownership of a named service
// via a PID file plus an advisory flock, with stale-lock reclamation and a
// forced-takeover protocol.
package singleton

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cryptoquant-io/coretrader/infrastructure/logging"
)

// ErrAlreadyRunning is returned by Acquire when another live process holds
// the lock and the caller did not request a forced takeover.
var ErrAlreadyRunning = fmt.Errorf("singleton: already running")

// Guard owns the PID file and advisory lock for one named service.
type Guard struct {
	Service string
	PidPath string

	logger *logging.Logger
	lock   *flock.Flock
}

// New builds a Guard for a service whose PID file lives at pidPath.
func New(service, pidPath string, logger *logging.Logger) *Guard {
	return &Guard{
		Service: service,
		PidPath: pidPath,
		logger:  logger,
		lock:    flock.New(pidPath + ".lock"),
	}
}

// Acquire implements §4.H's acquire sequence: write the PID file if absent,
// reclaim it if the recorded PID is no longer running, or fail with
// ErrAlreadyRunning if it is.
func (g *Guard) Acquire() error {
	locked, err := g.lock.TryLock()
	if err != nil {
		return fmt.Errorf("singleton: flock %s: %w", g.Service, err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	existing, err := g.readPid()
	if err == nil && existing > 0 {
		if pidAlive(existing) {
			g.lock.Unlock()
			return ErrAlreadyRunning
		}
		if g.logger != nil {
			g.logger.WithFields(map[string]interface{}{"service": g.Service, "stale_pid": existing}).
				Warn("singleton: reclaiming stale PID file")
		}
	}

	return g.writePid()
}

// ForceTakeover terminates the prior owner (SIGTERM, then SIGKILL after 5s
// if it hasn't exited) and retries Acquire.
func (g *Guard) ForceTakeover() error {
	existing, err := g.readPid()
	if err == nil && existing > 0 && pidAlive(existing) {
		proc, perr := os.FindProcess(existing)
		if perr == nil {
			_ = proc.Signal(syscall.SIGTERM)
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if !pidAlive(existing) {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}
			if pidAlive(existing) {
				_ = proc.Signal(syscall.SIGKILL)
			}
		}
	}
	os.Remove(g.PidPath)
	g.lock.Unlock()
	g.lock = flock.New(g.PidPath + ".lock")
	return g.Acquire()
}

// Release deletes the PID file and releases the advisory lock on graceful
// shutdown.
func (g *Guard) Release() error {
	os.Remove(g.PidPath)
	return g.lock.Unlock()
}

func (g *Guard) readPid() (int, error) {
	raw, err := os.ReadFile(g.PidPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, err
	}
	return pid, nil
}

func (g *Guard) writePid() error {
	if err := os.MkdirAll(parentDir(g.PidPath), 0o755); err != nil {
		return fmt.Errorf("singleton: ensure dir for %s: %w", g.PidPath, err)
	}
	return os.WriteFile(g.PidPath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, string(os.PathSeparator))
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func pidAlive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return exists
}
