// supervisor.go - owns all runners, resolves aliases, drives idle unload
//
// This module contains:
// - Supervisor: the single process-wide owner of every Runner
// - ResolveAndPrepare: alias -> runner, ensuring the model is loaded
// - Shutdown: concurrent stop-all with a global deadline
// - TickIdleUnload: the ~1Hz auto-unload driver
// - AutostartDefaults: boot-time default model warm-up
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/flexllama/flexllama/config"
	"github.com/flexllama/flexllama/runner"
)

// ErrUnknownModel is returned when an alias is not present in the catalog.
var ErrUnknownModel = errors.New("supervisor: unknown model alias")

// Supervisor is the one process-wide singleton. It is constructed at
// startup from configuration and handed to the router; runners are
// independent islands, each an exclusive owner of its own process.
type Supervisor struct {
	catalog *config.Catalog
	cfg     *config.Config

	mu      sync.RWMutex
	runners map[string]*runner.Runner

	events *eventRing

	stopGrace time.Duration
}

// New builds a Supervisor and one Runner per configured runner id.
func New(cfg *config.Config, catalog *config.Catalog, logDir string, launchDeadline, stopGrace time.Duration) *Supervisor {
	s := &Supervisor{
		catalog:   catalog,
		cfg:       cfg,
		runners:   make(map[string]*runner.Runner, len(cfg.Runners)),
		events:    newEventRing(512),
		stopGrace: stopGrace,
	}
	for id, rc := range cfg.Runners {
		s.runners[id] = runner.New(rc, catalog, logDir, launchDeadline, stopGrace)
	}
	return s
}

// Runner returns the Runner registered under id, if any.
func (s *Supervisor) Runner(id string) (*runner.Runner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runners[id]
	return r, ok
}

// Runners returns every managed runner, keyed by id.
func (s *Supervisor) Runners() map[string]*runner.Runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*runner.Runner, len(s.runners))
	for id, r := range s.runners {
		out[id] = r
	}
	return out
}

// Catalog returns the immutable model catalog.
func (s *Supervisor) Catalog() *config.Catalog { return s.catalog }

// Events returns up to limit of the most recently observed events.
func (s *Supervisor) Events(limit int) []Event {
	return s.events.recent(limit)
}

// ResolveAndPrepare looks up the model's assigned runner and ensures it is
// loaded, returning the runner ready to serve alias.
func (s *Supervisor) ResolveAndPrepare(ctx context.Context, alias string) (*runner.Runner, error) {
	spec, ok := s.catalog.Lookup(alias)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, alias)
	}

	r, ok := s.Runner(spec.RunnerID)
	if !ok {
		return nil, fmt.Errorf("%w: model %q references undefined runner %q", ErrUnknownModel, alias, spec.RunnerID)
	}

	if err := r.EnsureLoaded(ctx, alias); err != nil {
		s.events.add(Event{Timestamp: time.Now(), RunnerID: spec.RunnerID, Kind: EventLoadFailed, Detail: err.Error()})
		return nil, err
	}

	s.events.add(Event{Timestamp: time.Now(), RunnerID: spec.RunnerID, Kind: EventLoaded, Detail: alias})
	return r, nil
}

// Shutdown concurrently stops every runner with a global deadline,
// aggregating any per-runner errors. Each runner's Unload is handed the same
// deadline-bound ctx, so a request in flight past the grace period gets its
// runner torn down rather than holding shutdown open indefinitely.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.stopGrace+5*time.Second)
	defer cancel()

	g, _ := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var result *multierror.Error

	for id, r := range s.Runners() {
		id, r := id, r
		g.Go(func() error {
			if err := r.Unload(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("runner %s: %w", id, err))
				mu.Unlock()
			}
			s.events.add(Event{Timestamp: time.Now(), RunnerID: id, Kind: EventUnloaded, Detail: "shutdown"})
			return nil
		})
	}

	_ = g.Wait()
	return result.ErrorOrNil()
}

// TickIdleUnload is meant to be called on a single ~1Hz timer; it sweeps
// every runner's idle window independently.
func (s *Supervisor) TickIdleUnload(now time.Time) {
	for _, r := range s.Runners() {
		r.MaybeUnloadIdle(now)
	}
}

// AutostartDefaults loads each runner's configured default model, if any,
// at boot. Failures are logged and do not abort startup of other runners.
func (s *Supervisor) AutostartDefaults(ctx context.Context) {
	for id, r := range s.Runners() {
		if err := r.Start(ctx); err != nil {
			if errors.Is(err, runner.ErrNoDefault) {
				continue
			}
			slog.Warn("autostart default model failed", "runner_id", id, "error", err)
			s.events.add(Event{Timestamp: time.Now(), RunnerID: id, Kind: EventLoadFailed, Detail: err.Error()})
			continue
		}
		s.events.add(Event{Timestamp: time.Now(), RunnerID: id, Kind: EventLoaded, Detail: "autostart"})
	}
}

// RunIdleTicker runs TickIdleUnload on a ~1Hz timer until ctx is cancelled.
func (s *Supervisor) RunIdleTicker(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.TickIdleUnload(now)
		}
	}
}
