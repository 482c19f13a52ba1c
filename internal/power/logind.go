package power

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	logindService = "org.freedesktop.login1"
	logindPath    = dbus.ObjectPath("/org/freedesktop/login1")
	logindManager = "org.freedesktop.login1.Manager"

	prepareForShutdown = logindManager + ".PrepareForShutdown"
)

// Watch follows logind on the system bus until ctx ends. When the host
// starts shutting down on its own, listeners are told and the context is
// saved before logind proceeds. A delay inhibitor lock holds logind back
// while that happens.
func (m *Manager) Watch(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchInterface(logindManager),
		dbus.WithMatchMember("PrepareForShutdown"),
	); err != nil {
		return fmt.Errorf("subscribe to logind: %w", err)
	}

	signals := make(chan *dbus.Signal, 4)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	lock := m.inhibit(conn)
	defer func() { lock.release() }()

	m.logger.Info("watching logind for shutdown")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("power: system bus connection closed")
			}
			started, handled := m.handleShutdownSignal(sig)
			switch {
			case !handled:
			case started:
				lock.release()
				lock = nil
			case lock == nil:
				// Shutdown was cancelled; hold logind back again.
				lock = m.inhibit(conn)
			}
		}
	}
}

// handleShutdownSignal reacts to PrepareForShutdown. handled is false for
// any other signal.
func (m *Manager) handleShutdownSignal(sig *dbus.Signal) (started, handled bool) {
	if sig == nil || sig.Name != prepareForShutdown || len(sig.Body) != 1 {
		return false, false
	}
	active, ok := sig.Body[0].(bool)
	if !ok {
		return false, false
	}
	if active {
		m.logger.Warn("host is shutting down")
		m.announce(PowerOff, "host shutdown")
	}
	return active, true
}

type inhibitLock struct {
	f *os.File
}

func (l *inhibitLock) release() {
	if l != nil && l.f != nil {
		_ = l.f.Close()
	}
}

func (m *Manager) inhibit(conn *dbus.Conn) *inhibitLock {
	var fd dbus.UnixFD
	err := conn.Object(logindService, logindPath).
		Call(logindManager+".Inhibit", 0, "shutdown", "micod", "Saving device context", "delay").
		Store(&fd)
	if err != nil {
		m.logger.Warn("logind inhibitor unavailable", "error", err)
		return nil
	}
	return &inhibitLock{f: os.NewFile(uintptr(fd), "logind-inhibit")}
}
