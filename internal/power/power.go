// Package power performs safe power state changes.
//
// Every change away from Normal announces SysWillPowerOff to listeners,
// persists the device context, waits a grace period for listeners that
// hand work to other goroutines, and only then hands the state to an
// Actuator.
package power

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"micod/internal/logging"
	"micod/internal/notify"
)

// Errors
var (
	ErrUnknownState = errors.New("power: unknown state")
	ErrUnsupported  = errors.New("power: state not supported by actuator")
	ErrInProgress   = errors.New("power: state change already in progress")
)

// State is a system power state.
type State int

const (
	Normal State = iota
	SoftwareReset
	WlanPowerdown
	Standby
	PowerOff
)

var stateNames = [...]string{
	Normal:        "normal",
	SoftwareReset: "software_reset",
	WlanPowerdown: "wlan_powerdown",
	Standby:       "standby",
	PowerOff:      "power_off",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

// Actuator carries out a power state on the hardware.
type Actuator interface {
	Act(state State) error
}

// ActuatorFunc adapts a function to Actuator.
type ActuatorFunc func(State) error

// Act calls f(state).
func (f ActuatorFunc) Act(state State) error { return f(state) }

// Persister saves the device context. *syscontext.Store implements it.
type Persister interface {
	Update() error
}

// Config configures a Manager.
type Config struct {
	Registry *notify.Registry
	Context  Persister
	Actuator Actuator

	// Grace is the pause between the announcement and the action.
	Grace time.Duration

	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)

	Logger *slog.Logger
}

// Manager serializes power state changes.
type Manager struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	pending bool
}

// New returns a Manager in the Normal state.
func New(cfg Config) *Manager {
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	m := &Manager{config: cfg, logger: cfg.Logger}
	if m.logger == nil {
		m.logger = logging.Component("power")
	}
	return m
}

// State returns the last state performed.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Perform moves the system to state. Normal is a no-op. A context save
// failure is logged and does not stop the change.
func (m *Manager) Perform(state State, reason string) error {
	if state < Normal || state > PowerOff {
		return fmt.Errorf("%w: %d", ErrUnknownState, state)
	}
	if state == Normal {
		return nil
	}

	m.mu.Lock()
	if m.pending {
		m.mu.Unlock()
		return ErrInProgress
	}
	m.pending = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.pending = false
		m.mu.Unlock()
	}()

	m.logger.Info("power state change", "state", state, "reason", reason)
	m.announce(state, reason)
	if m.config.Grace > 0 {
		m.config.Sleep(m.config.Grace)
	}

	if m.config.Actuator == nil {
		return fmt.Errorf("%w: no actuator for %s", ErrUnsupported, state)
	}
	if err := m.config.Actuator.Act(state); err != nil {
		return fmt.Errorf("perform %s: %w", state, err)
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	return nil
}

// announce notifies listeners and persists the context.
func (m *Manager) announce(state State, reason string) {
	if m.config.Registry != nil {
		n := notify.Emit(m.config.Registry, notify.SysWillPowerOff, notify.PowerOff{
			State:  state.String(),
			Reason: reason,
		})
		m.logger.Debug("power off announced", "listeners", n)
	}
	if m.config.Context != nil {
		if err := m.config.Context.Update(); err != nil {
			m.logger.Error("save context before power change", "state", state, "error", err)
		}
	}
}
