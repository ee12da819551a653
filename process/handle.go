// handle.go - spawn and supervise one external runner process
//
// This module contains:
// - Handle: an owned OS child process with a rotating log sink
// - Start: launch the process, redirecting stdout/stderr
// - WaitUntilPortListens: poll a TCP endpoint until it accepts connections
// - Stop: graceful termination with forceful escalation
// - IsAlive: non-blocking liveness probe
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Sentinel errors for child-process operations, per the propagation policy:
// logged at the point of capture, translated to a public code at the
// router boundary.
var (
	ErrSpawn       = errors.New("process: spawn failed")
	ErrTimeout     = errors.New("process: timed out waiting for readiness")
	ErrProcessDied = errors.New("process: exited before becoming ready")
)

// Handle owns one OS child process. Only its owning Runner may call Start
// or Stop; the health aggregator only reads IsAlive.
type Handle struct {
	runnerID   string
	generation uint64

	mu      sync.Mutex
	cmd     *exec.Cmd
	logSink *lumberjack.Logger
	done    chan struct{}
	waitErr error
	stopped bool
}

// LogValue renders a Handle for structured logging without exposing the
// full exec.Cmd.
func (h *Handle) LogValue() slog.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	pid := -1
	if h.cmd != nil && h.cmd.Process != nil {
		pid = h.cmd.Process.Pid
	}
	return slog.GroupValue(
		slog.String("runner_id", h.runnerID),
		slog.Uint64("generation", h.generation),
		slog.Int("pid", pid),
	)
}

// Start launches binaryPath with argv and env, redirecting stdout/stderr to
// a rotating log sink named <runnerID>.log under logDir. Every generation of
// a runner appends to that same file; the generation is not written into it
// and appears only in the "starting runner process" log record.
// It returns once the process is observed to exist, not once it is ready.
func Start(runnerID string, generation uint64, binaryPath string, argv []string, env []string, cwd string, logDir string) (*Handle, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating log dir: %v", ErrSpawn, err)
	}

	sink := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, fmt.Sprintf("%s.log", runnerID)),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}

	cmd := exec.Command(binaryPath, argv...)
	cmd.Env = env
	cmd.Dir = cwd
	cmd.Stdout = sink
	cmd.Stderr = sink

	h := &Handle{
		runnerID:   runnerID,
		generation: generation,
		cmd:        cmd,
		logSink:    sink,
		done:       make(chan struct{}),
	}

	slog.Info("starting runner process", "runner_id", runnerID, "generation", generation, "binary", binaryPath, "args", argv)

	if err := cmd.Start(); err != nil {
		sink.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	go h.reap()

	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.waitErr = err
	h.mu.Unlock()
	close(h.done)
}

// WaitUntilPortListens polls host:port with a TCP dial until it accepts a
// connection, the deadline elapses, or the process exits first.
func WaitUntilPortListens(ctx context.Context, h *Handle, host string, port int, deadline time.Duration) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !h.IsAlive() {
			return fmt.Errorf("%w: runner_id=%s", ErrProcessDied, h.runnerID)
		}

		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for %s", ErrTimeout, addr)
		case <-ticker.C:
			continue
		}
	}
}

// IsAlive is a non-blocking liveness probe.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Stop sends a graceful termination signal; if the process is still alive
// after grace, escalates to a forceful kill. Always joins the process and
// closes the log sink before returning. Idempotent.
func (h *Handle) Stop(grace time.Duration) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	proc := h.cmd.Process
	h.mu.Unlock()

	if !h.IsAlive() {
		h.logSink.Close()
		return nil
	}

	if proc != nil {
		if err := proc.Signal(os.Interrupt); err != nil {
			slog.Debug("graceful signal failed, escalating immediately", "runner_id", h.runnerID, "error", err)
			_ = proc.Kill()
		}
	}

	select {
	case <-h.done:
	case <-time.After(grace):
		slog.Warn("runner did not exit within grace period, killing", "runner_id", h.runnerID, "grace", grace)
		if proc != nil {
			_ = proc.Kill()
		}
		<-h.done
	}

	h.logSink.Close()
	return nil
}

// PID returns the child process id, or 0 if it never started.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// ExitError returns the error observed when the process exited, if any.
func (h *Handle) ExitError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// LogPath returns the path to the runner's current rotated log file, for
// the live log-tail endpoint.
func (h *Handle) LogPath() string {
	return h.logSink.Filename
}
