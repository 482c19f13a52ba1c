// Package monitor implements the system monitor: a watchdog scheduler that
// tracks per-subsystem liveness deadlines and resets the device when any
// deadline is missed.
//
// Each subsystem owns an Entry, registers it with a permitted delay and
// calls Update before that delay elapses, passing the delay for its next
// window. A slow but healthy operation can declare a longer window for
// itself only and shrink it back afterwards.
//
// A missed deadline is not an error: it triggers the Resetter exactly once.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"micod/internal/logging"
)

// Errors
var (
	ErrAlreadyRegistered = errors.New("monitor: entry already registered")
	ErrNotRegistered     = errors.New("monitor: entry not registered")
	ErrAlreadyRunning    = errors.New("monitor: daemon already running")
	ErrInvalidDelay      = errors.New("monitor: delay must be positive")
)

// selfEntryName names the daemon's own entry.
const selfEntryName = "system_monitor"

// Resetter performs the unconditional device reset.
type Resetter interface {
	Reset(reason string)
}

// ResetterFunc adapts a function to Resetter.
type ResetterFunc func(reason string)

// Reset calls f(reason).
func (f ResetterFunc) Reset(reason string) { f(reason) }

// Watchdog is a hardware watchdog kicked on every healthy tick.
type Watchdog interface {
	Kick() error
}

// Entry is a liveness checkpoint owned by one subsystem. The zero value is
// not usable; create entries with NewEntry.
type Entry struct {
	name       string
	lastUpdate atomic.Int64 // unix nanoseconds
	delay      atomic.Int64 // nanoseconds
	owner      atomic.Pointer[Daemon]
}

// NewEntry returns an unregistered entry.
func NewEntry(name string) *Entry {
	return &Entry{name: name}
}

// Name returns the entry name.
func (e *Entry) Name() string { return e.name }

// Status is a point-in-time view of one entry.
type Status struct {
	Name       string
	LastUpdate time.Time
	Delay      time.Duration
	Elapsed    time.Duration
	Overdue    bool
}

// Config configures a Daemon.
type Config struct {
	// Tick is the interval between liveness checks.
	Tick time.Duration

	// SelfDelay is the permitted delay of the daemon's own entry. Zero
	// disables self-monitoring.
	SelfDelay time.Duration

	// Resetter is invoked once when a deadline is missed. Required.
	Resetter Resetter

	// Watchdog is kicked on every healthy tick. Optional.
	Watchdog Watchdog

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger defaults to the "monitor" component logger.
	Logger *slog.Logger
}

// Daemon checks registered entries on every tick.
type Daemon struct {
	config Config
	logger *slog.Logger

	mu      sync.RWMutex
	entries []*Entry

	self    *Entry
	running atomic.Bool
	tripped atomic.Bool
	ticks   atomic.Uint64
	kickErr atomic.Uint64
	wg      sync.WaitGroup
}

// New creates a stopped daemon.
func New(cfg Config) (*Daemon, error) {
	if cfg.Tick <= 0 {
		return nil, fmt.Errorf("%w: tick %s", ErrInvalidDelay, cfg.Tick)
	}
	if cfg.Resetter == nil {
		return nil, errors.New("monitor: resetter is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d := &Daemon{config: cfg, logger: cfg.Logger}
	if d.logger == nil {
		d.logger = logging.Component("monitor")
	}
	return d, nil
}

// Start registers the daemon's own entry and starts the check loop. The
// loop runs until ctx ends, which is expected to be the process lifetime.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if d.config.SelfDelay > 0 {
		d.self = NewEntry(selfEntryName)
		if err := d.Register(d.self, d.config.SelfDelay); err != nil {
			return err
		}
	}

	d.wg.Add(1)
	go d.run(ctx)

	d.logger.Info("monitor daemon started", "tick", d.config.Tick, "self_delay", d.config.SelfDelay)
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// Wait blocks until the check loop has exited.
func (d *Daemon) Wait() {
	d.wg.Wait()
}

// Running reports whether Start has been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Register adds e with a permitted delay of initialDelay, counted from now.
func (d *Daemon) Register(e *Entry, initialDelay time.Duration) error {
	if initialDelay <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDelay, initialDelay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !e.owner.CompareAndSwap(nil, d) {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, e.name)
	}
	e.lastUpdate.Store(d.config.Now().UnixNano())
	e.delay.Store(int64(initialDelay))
	d.entries = append(d.entries, e)

	d.logger.Debug("entry registered", "entry", e.name, "delay", initialDelay)
	return nil
}

// Update records a heartbeat for e and sets the permitted delay for the
// next window. It takes no lock.
func (d *Daemon) Update(e *Entry, nextDelay time.Duration) error {
	if nextDelay <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDelay, nextDelay)
	}
	if e.owner.Load() != d {
		return fmt.Errorf("%w: %s", ErrNotRegistered, e.name)
	}

	// Delay first: a concurrent check may pair the new timestamp with the
	// old delay, never an old timestamp with a shorter new delay.
	e.delay.Store(int64(nextDelay))
	e.lastUpdate.Store(d.config.Now().UnixNano())
	return nil
}

// tick checks every entry once.
func (d *Daemon) tick() {
	d.ticks.Add(1)

	if d.tripped.Load() {
		return
	}

	now := d.config.Now()
	overdue := d.overdue(now)
	if len(overdue) > 0 {
		d.trip(overdue)
		return
	}

	if d.self != nil {
		d.self.delay.Store(int64(d.config.SelfDelay))
		d.self.lastUpdate.Store(now.UnixNano())
	}

	if d.config.Watchdog != nil {
		if err := d.config.Watchdog.Kick(); err != nil {
			d.kickErr.Add(1)
			d.logger.Warn("watchdog kick failed", "error", err)
		}
	}
}

func (d *Daemon) overdue(now time.Time) []Status {
	var late []Status
	for _, s := range d.Snapshot(now) {
		if s.Overdue {
			late = append(late, s)
		}
	}
	return late
}

func (d *Daemon) trip(overdue []Status) {
	if !d.tripped.CompareAndSwap(false, true) {
		return
	}

	first := overdue[0]
	reason := fmt.Sprintf("monitor %q missed its deadline: %s elapsed, %s permitted",
		first.Name, first.Elapsed, first.Delay)

	names := make([]string, len(overdue))
	for i, s := range overdue {
		names[i] = s.Name
	}
	d.logger.Error("watchdog deadline missed, resetting device",
		"overdue", names,
		"elapsed", first.Elapsed,
		"permitted", first.Delay,
	)

	d.config.Resetter.Reset(reason)
}

// Snapshot returns the status of every registered entry at now.
func (d *Daemon) Snapshot(now time.Time) []Status {
	d.mu.RLock()
	entries := d.entries
	d.mu.RUnlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		last := time.Unix(0, e.lastUpdate.Load())
		delay := time.Duration(e.delay.Load())
		elapsed := now.Sub(last)
		out = append(out, Status{
			Name:       e.name,
			LastUpdate: last,
			Delay:      delay,
			Elapsed:    elapsed,
			Overdue:    elapsed > delay,
		})
	}
	return out
}

// Now returns the daemon clock's current time.
func (d *Daemon) Now() time.Time {
	return d.config.Now()
}

// Tripped reports whether a missed deadline has triggered the reset.
func (d *Daemon) Tripped() bool {
	return d.tripped.Load()
}

// Ticks returns the number of checks performed.
func (d *Daemon) Ticks() uint64 {
	return d.ticks.Load()
}

// KickErrors returns the number of failed hardware watchdog kicks.
func (d *Daemon) KickErrors() uint64 {
	return d.kickErr.Load()
}
