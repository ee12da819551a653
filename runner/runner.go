// runner.go - the load lock with in-flight drain
//
// This module contains:
// - Runner: owns one RunnerState and guarantees its invariants
// - EnsureLoaded: the coalescing load/swap algorithm
// - Forward: brackets an upstream call with in_flight accounting
// - Stop/Start/Restart: explicit control, serialized against each other
// - MaybeUnloadIdle: the supervisor's idle-tick hook
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flexllama/flexllama/config"
	"github.com/flexllama/flexllama/process"
)

var (
	// ErrLoad is returned when spawn fails, the port never comes up, or the
	// process exits during warm-up. The runner transitions to failed and is
	// recoverable on the next EnsureLoaded.
	ErrLoad = errors.New("runner: load failed")

	// ErrUpstream is returned when a network error occurs talking to a
	// runner believed ready.
	ErrUpstream = errors.New("runner: upstream error")

	// ErrCancelled is returned when the caller's context was cancelled
	// before the load lock could be acquired or before spawn began.
	ErrCancelled = errors.New("runner: cancelled")

	// ErrBusy is returned when a control operation (start/stop/restart) is
	// requested while another control operation is already in flight.
	ErrBusy = errors.New("runner: control operation already in flight")

	// ErrNotAssigned is returned when EnsureLoaded is called with an alias
	// not assigned to this runner in the catalog.
	ErrNotAssigned = errors.New("runner: alias not assigned to this runner")

	// ErrNoDefault is returned by Start when the runner has no
	// default_alias configured; distinct from ErrLoad so callers can tell
	// "nothing to autostart" apart from a genuine load failure.
	ErrNoDefault = errors.New("runner: no default_alias configured")
)

// Runner owns one RunnerState: at most one process, at most one model
// loaded, bound to one host:port.
type Runner struct {
	cfg      config.RunnerConfig
	catalog  *config.Catalog
	logDir   string
	launchDeadline time.Duration
	stopGrace      time.Duration

	mu   sync.Mutex
	cond *sync.Cond

	st      state
	loading bool // true while an EnsureLoaded/unload swap is in progress
	handle  *process.Handle

	controlMu sync.Mutex // serializes Start/Stop/Restart, TryLock -> ErrBusy
}

// New constructs a Runner in the idle state.
func New(cfg config.RunnerConfig, catalog *config.Catalog, logDir string, launchDeadline, stopGrace time.Duration) *Runner {
	r := &Runner{
		cfg:            cfg,
		catalog:        catalog,
		logDir:         logDir,
		launchDeadline: launchDeadline,
		stopGrace:      stopGrace,
		st:             state{status: StatusIdle},
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// ID returns the runner's configured id.
func (r *Runner) ID() string { return r.cfg.ID }

// LoadingMarker returns the substring that identifies a "still loading"
// response from this runner's upstream /health endpoint, as configured.
func (r *Runner) LoadingMarker() string { return r.cfg.LoadingMarker }

// LogPath returns the path to the runner's current rotated log file,
// sourced from its current process handle. ok is false when the runner has
// no handle: no process started yet, or the last one was unloaded or failed.
func (r *Runner) LogPath() (path string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil {
		return "", false
	}
	return r.handle.LogPath(), true
}

// Snapshot returns a read-only copy of the runner's current state.
func (r *Runner) Snapshot() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Runner) snapshotLocked() Info {
	alive := r.handle != nil && r.handle.IsAlive()
	pid := 0
	if r.handle != nil {
		pid = r.handle.PID()
	}
	return Info{
		ID:            r.cfg.ID,
		CurrentModel:  r.st.currentModel,
		Status:        r.st.status,
		InFlightCount: r.st.inFlightCount,
		LastActivity:  r.st.lastActivity,
		LastError:     r.st.lastError,
		Host:          r.cfg.ListenHost,
		Port:          r.cfg.ListenPort,
		Alive:         alive,
		PID:           pid,
	}
}

// processAliveLocked reports whether the current process handle is alive.
// Must be called with r.mu held.
func (r *Runner) processAliveLocked() bool {
	return r.handle != nil && r.handle.IsAlive()
}

// EnsureLoaded guarantees that, on success, current_model = alias and
// status = ready. Concurrent calls for the same alias coalesce: one
// performs the work, the others observe the post-condition.
func (r *Runner) EnsureLoaded(ctx context.Context, alias string) error {
	spec, ok := r.catalog.Lookup(alias)
	if !ok || spec.RunnerID != r.cfg.ID {
		return fmt.Errorf("%w: %s", ErrNotAssigned, alias)
	}

	r.mu.Lock()
	var needsUnload bool
	for {
		if r.st.currentModel == alias && (r.st.status == StatusReady || r.st.status == StatusBusy) && r.processAliveLocked() {
			r.mu.Unlock()
			return nil
		}
		if r.loading {
			r.cond.Wait()
			continue
		}
		if r.st.inFlightCount > 0 {
			// A swap may not begin until in-flight requests drain.
			r.cond.Wait()
			continue
		}
		if ctx.Err() != nil {
			r.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		break
	}
	// Atomically with the drained check above: mark the swap in progress
	// and flip status away from {ready,busy} so no Forward can observe a
	// stale "ready" runner and sneak an increment in before the process is
	// actually torn down.
	r.loading = true
	needsUnload = r.handle != nil
	if needsUnload {
		r.st.status = StatusStopping
	} else {
		r.st.status = StatusLaunching
	}
	r.mu.Unlock()

	err := r.performLoad(ctx, alias, spec, needsUnload)

	r.mu.Lock()
	r.loading = false
	r.cond.Broadcast()
	r.mu.Unlock()

	return err
}

// performLoad does the actual unload-then-spawn work outside the state
// lock's fast-path, updating status at each transition. The caller has
// already flipped status to stopping/launching under the same critical
// section that confirmed the drain, so no Forward can be in flight here.
func (r *Runner) performLoad(ctx context.Context, alias string, spec config.ModelSpec, needsUnload bool) error {
	if needsUnload {
		if err := r.unloadLocked(); err != nil {
			slog.Warn("unload before swap failed", "runner_id", r.cfg.ID, "error", err)
		}
	}

	if ctx.Err() != nil {
		r.setStatus(StatusIdle, "", fmt.Sprintf("cancelled: %v", ctx.Err()))
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}

	r.setStatus(StatusLaunching, "", "")

	r.mu.Lock()
	generation := r.st.generation + 1
	r.mu.Unlock()

	env := process.ComposeEnv(r.cfg.InheritEnv, r.cfg.EnvOverrides, spec.EnvOverrides)
	handle, err := process.Start(r.cfg.ID, generation, r.cfg.BinaryPath, spec.LaunchArgs, env, "", r.logDir)
	if err != nil {
		r.markFailed(generation, fmt.Sprintf("spawn failed: %v", err))
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	r.mu.Lock()
	r.handle = handle
	r.st.generation = generation
	r.mu.Unlock()

	waitCtx := context.Background()
	if err := process.WaitUntilPortListens(waitCtx, handle, r.cfg.ListenHost, r.cfg.ListenPort, r.launchDeadline); err != nil {
		_ = handle.Stop(r.stopGrace)
		r.markFailed(generation, fmt.Sprintf("readiness failed: %v", err))
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	r.mu.Lock()
	r.st.currentModel = alias
	r.st.status = StatusReady
	r.st.lastActivity = time.Now()
	r.st.lastError = ""
	r.mu.Unlock()

	slog.Info("runner ready", "runner_id", r.cfg.ID, "alias", alias, "generation", generation)
	return nil
}

func (r *Runner) markFailed(generation uint64, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st.generation > generation {
		return
	}
	r.st.status = StatusFailed
	r.st.currentModel = ""
	r.st.lastError = msg
	r.handle = nil
}

func (r *Runner) setStatus(status Status, model, lastError string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.status = status
	if model != "" || status == StatusIdle {
		r.st.currentModel = model
	}
	if lastError != "" {
		r.st.lastError = lastError
	}
}

// Unload stops the current process, clears current_model, and closes logs.
// Idempotent. Contends for the same swap-exclusivity (r.loading) that
// EnsureLoaded uses, so a control-initiated unload can never race a
// concurrent swap. The drain wait is bounded by ctx: once ctx is done, Unload
// stops waiting on in-flight requests and forces the process down anyway,
// rather than blocking forever on a request that never completes.
func (r *Runner) Unload(ctx context.Context) error {
	wake := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer wake.Stop()

	r.mu.Lock()
	for r.loading && ctx.Err() == nil {
		r.cond.Wait()
	}
	for r.st.inFlightCount > 0 && ctx.Err() == nil {
		r.cond.Wait()
	}
	if r.handle == nil && r.st.status == StatusIdle {
		r.mu.Unlock()
		return nil
	}
	r.loading = true
	r.st.status = StatusStopping
	r.mu.Unlock()

	err := r.doUnload()

	r.mu.Lock()
	r.loading = false
	r.cond.Broadcast()
	r.mu.Unlock()
	return err
}

// unloadLocked is called by performLoad, which has already claimed
// r.loading and set status to stopping under the same critical section
// that confirmed the drain; it must not re-acquire that exclusivity.
func (r *Runner) unloadLocked() error {
	return r.doUnload()
}

// doUnload performs the actual process stop and clears current_model. The
// caller must already own r.loading.
func (r *Runner) doUnload() error {
	r.mu.Lock()
	handle := r.handle
	r.mu.Unlock()

	if handle != nil {
		if err := handle.Stop(r.stopGrace); err != nil {
			slog.Warn("stop failed during unload", "runner_id", r.cfg.ID, "error", err)
		}
	}

	r.mu.Lock()
	r.handle = nil
	r.st.currentModel = ""
	r.st.status = StatusIdle
	r.cond.Broadcast()
	r.mu.Unlock()
	return nil
}

// Forward brackets an upstream call with in_flight_count accounting. fn
// receives the runner's base URL and performs the actual HTTP round trip
// (buffered or streaming); in_flight_count remains incremented for fn's
// entire duration so a swap cannot begin mid-stream.
func (r *Runner) Forward(alias string, fn func(baseURL string) error) error {
	r.mu.Lock()
	if r.st.status != StatusReady && r.st.status != StatusBusy {
		r.mu.Unlock()
		return fmt.Errorf("%w: runner %s not ready", ErrUpstream, r.cfg.ID)
	}
	if r.st.currentModel != alias {
		r.mu.Unlock()
		return fmt.Errorf("%w: runner %s serving %q, not %q", ErrUpstream, r.cfg.ID, r.st.currentModel, alias)
	}
	r.st.inFlightCount++
	r.st.status = StatusBusy
	r.st.lastActivity = time.Now()
	r.mu.Unlock()

	baseURL := fmt.Sprintf("http://%s:%d", r.cfg.ListenHost, r.cfg.ListenPort)
	err := fn(baseURL)

	r.mu.Lock()
	r.st.inFlightCount--
	r.st.lastActivity = time.Now()
	if r.st.inFlightCount == 0 && r.st.status == StatusBusy {
		r.st.status = StatusReady
	}
	r.cond.Broadcast()
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return nil
}

// Stop terminates the runner's process via the control API. Serialized
// against Start/Restart; returns ErrBusy if another control op is in
// flight.
func (r *Runner) Stop(ctx context.Context) error {
	if !r.controlMu.TryLock() {
		return ErrBusy
	}
	defer r.controlMu.Unlock()
	return r.Unload(ctx)
}

// Start loads the runner's configured default model, if any.
func (r *Runner) Start(ctx context.Context) error {
	if !r.controlMu.TryLock() {
		return ErrBusy
	}
	defer r.controlMu.Unlock()
	if r.cfg.DefaultAlias == "" {
		return fmt.Errorf("%w: runner %s", ErrNoDefault, r.cfg.ID)
	}
	return r.EnsureLoaded(ctx, r.cfg.DefaultAlias)
}

// Restart waits for in-flight drain, stops, then starts the runner's
// previously loaded (or default) model.
func (r *Runner) Restart(ctx context.Context) error {
	if !r.controlMu.TryLock() {
		return ErrBusy
	}
	defer r.controlMu.Unlock()

	r.mu.Lock()
	alias := r.st.currentModel
	r.mu.Unlock()
	if alias == "" {
		alias = r.cfg.DefaultAlias
	}

	if err := r.Unload(ctx); err != nil {
		return err
	}
	if alias == "" {
		return nil
	}
	return r.EnsureLoaded(ctx, alias)
}

// MaybeUnloadIdle is the supervisor's ~1Hz idle-tick hook: if
// auto_unload_timeout is set, no request is in flight, no load is in
// progress, and the idle window has elapsed, unload the runner.
func (r *Runner) MaybeUnloadIdle(now time.Time) {
	if r.cfg.AutoUnloadTimeout <= 0 {
		return
	}

	r.mu.Lock()
	if r.loading || r.st.inFlightCount > 0 || r.st.currentModel == "" {
		r.mu.Unlock()
		return
	}
	idleFor := now.Sub(r.st.lastActivity)
	shouldUnload := idleFor >= r.cfg.AutoUnloadTimeout
	r.mu.Unlock()

	if shouldUnload {
		slog.Info("auto-unloading idle runner", "runner_id", r.cfg.ID, "idle_for", idleFor)
		if err := r.Unload(context.Background()); err != nil {
			slog.Warn("idle unload failed", "runner_id", r.cfg.ID, "error", err)
		}
	}
}

// IdleCountdown returns the remaining seconds before auto-unload would
// fire, or nil if auto-unload is disabled or no model is loaded.
func (r *Runner) IdleCountdown(now time.Time) *float64 {
	if r.cfg.AutoUnloadTimeout <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st.currentModel == "" || r.st.inFlightCount > 0 {
		return nil
	}
	remaining := r.cfg.AutoUnloadTimeout - now.Sub(r.st.lastActivity)
	secs := remaining.Seconds()
	if secs < 0 {
		secs = 0
	}
	return &secs
}
