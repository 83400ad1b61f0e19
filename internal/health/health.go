// Package health implements the per-subsystem health state machine
// (spec.md §4.15, component C15): Healthy | Error{reason,code,retries} |
// Disconnected, with identical-error suppression and a post-recovery
// log cool-down.
//
// Grounded on the teacher's internal/health Monitor (RWMutex-guarded map of
// named checks, Update/Get/Summary shape), generalized from a flat
// Healthy/Degraded/Unhealthy/Unknown enum to the richer per-backend state
// machine spec.md requires, and wired to the event bus so transitions are
// observable outside the monitor.
package health

import (
	"sync"
	"time"

	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/logging"
)

var log = logging.L("health")

const (
	errorSuppressWindow  = 5 * time.Second
	recoveryCooldown     = 1 * time.Second
)

// State is the state machine's discriminant.
type State string

const (
	StateHealthy      State = "healthy"
	StateError        State = "error"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Check is the latest known state for one backend/subsystem.
type Check struct {
	Backend   string    `json:"backend"`
	Device    string    `json:"device,omitempty"`
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Code      string    `json:"code,omitempty"`
	Retries   int       `json:"retries"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition is published on the event bus whenever a Check's State changes.
type Transition struct {
	Backend string
	From    State
	To      Check
}

type entry struct {
	check        Check
	lastCode     string
	lastCodeAt   time.Time
	recoveredAt  time.Time
}

// Monitor tracks state for multiple backends. Monitors never restart a
// subsystem themselves (spec.md §4.15): they only expose state.
type Monitor struct {
	mu      sync.RWMutex
	entries map[string]*entry
	bus     *eventbus.Bus
}

func NewMonitor(bus *eventbus.Bus) *Monitor {
	return &Monitor{
		entries: make(map[string]*entry),
		bus:     bus,
	}
}

// ReportError records an error for backend/device. Identical (backend,code)
// pairs within errorSuppressWindow are coalesced into a retry count instead
// of re-logging and re-publishing.
func (m *Monitor) ReportError(backend, device, reason, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[backend]
	if !ok {
		e = &entry{}
		m.entries[backend] = e
	}

	now := time.Now()
	from := e.check.State

	suppressed := ok && e.lastCode == code && now.Sub(e.lastCodeAt) < errorSuppressWindow
	withinCooldown := !e.recoveredAt.IsZero() && now.Sub(e.recoveredAt) < recoveryCooldown

	retries := e.check.Retries
	if e.check.State == StateError && e.lastCode == code {
		retries++
	} else {
		retries = 1
	}

	e.check = Check{
		Backend:   backend,
		Device:    device,
		State:     StateError,
		Reason:    reason,
		Code:      code,
		Retries:   retries,
		UpdatedAt: now,
	}
	e.lastCode = code
	e.lastCodeAt = now

	if !suppressed && !withinCooldown {
		log.Warn("subsystem error", "backend", backend, "device", device, "code", code, "reason", reason, "retries", retries)
	}
	if from != StateError {
		m.publish(backend, from, e.check)
	}
}

// ReportReconnecting marks backend as actively retrying after a disconnect.
func (m *Monitor) ReportReconnecting(backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[backend]
	if !ok {
		e = &entry{}
		m.entries[backend] = e
	}
	from := e.check.State
	e.check = Check{Backend: backend, State: StateReconnecting, UpdatedAt: time.Now()}
	if from != StateReconnecting {
		log.Info("subsystem reconnecting", "backend", backend)
		m.publish(backend, from, e.check)
	}
}

// ReportRecovered transitions backend to Healthy and starts the log
// cool-down window (spec.md §4.15 "mute new error logs for 1s").
func (m *Monitor) ReportRecovered(backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[backend]
	if !ok {
		e = &entry{}
		m.entries[backend] = e
	}
	from := e.check.State
	now := time.Now()
	e.check = Check{Backend: backend, State: StateHealthy, UpdatedAt: now}
	e.recoveredAt = now
	e.lastCode = ""

	if from != StateHealthy {
		log.Info("subsystem recovered", "backend", backend, "was", from)
		m.publish(backend, from, e.check)
	}
}

// ReportDisconnected marks backend as disconnected, e.g. device unplugged.
func (m *Monitor) ReportDisconnected(backend, device, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[backend]
	if !ok {
		e = &entry{}
		m.entries[backend] = e
	}
	from := e.check.State
	e.check = Check{Backend: backend, Device: device, State: StateDisconnected, Reason: reason, UpdatedAt: time.Now()}
	if from != StateDisconnected {
		log.Warn("subsystem disconnected", "backend", backend, "device", device, "reason", reason)
		m.publish(backend, from, e.check)
	}
}

func (m *Monitor) publish(backend string, from State, to Check) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.KindSystemError, Transition{Backend: backend, From: from, To: to})
}

// Get returns the current Check for a backend.
func (m *Monitor) Get(backend string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[backend]
	if !ok {
		return Check{}, false
	}
	return e.check, true
}

// All returns a snapshot of every tracked backend's Check.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Check, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.check)
	}
	return out
}
