// types.go - runner state machine types
//
// This module contains:
// - Status: the RunnerState status enum and its state machine
// - state: the mutable, owned-by-one-Runner RunnerState
// - Info: a read-only copy of State safe to hand to callers
package runner

import (
	"log/slog"
	"time"
)

// Status is one state in the runner state machine:
//
//	idle --load--> launching --port-up--> ready <--forward--> busy
//	   ^                |                    |
//	   |                +----fail----> failed
//	   +--unload-- stopping <-----unload-----+
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLaunching Status = "launching"
	StatusReady     Status = "ready"
	StatusBusy      Status = "busy"
	StatusStopping  Status = "stopping"
	StatusFailed    Status = "failed"
)

// state is the mutable RunnerState, owned exclusively by its Runner and
// guarded by Runner.mu.
type state struct {
	currentModel  string // "" = none
	status        Status
	inFlightCount int
	lastActivity  time.Time
	lastError     string
	generation    uint64
}

// Info is a read-only snapshot of a Runner's state, safe to pass around
// after the lock is released.
type Info struct {
	ID            string
	CurrentModel  string
	Status        Status
	InFlightCount int
	LastActivity  time.Time
	LastError     string
	Host          string
	Port          int
	Alive         bool
	PID           int
}

// LogValue renders an Info for structured logging.
func (i Info) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("runner_id", i.ID),
		slog.String("model", i.CurrentModel),
		slog.String("status", string(i.Status)),
		slog.Int("in_flight", i.InFlightCount),
	)
}
