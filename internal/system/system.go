// Package system assembles the device service layer from the static
// configuration and drives Wi-Fi provisioning.
//
// Init loads the context and builds every subsystem; Start brings up the
// monitor, the power watch and the config server, and begins provisioning
// when the device holds no network credentials.
package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"micod/internal/config"
	"micod/internal/configserver"
	"micod/internal/health"
	"micod/internal/logging"
	"micod/internal/menu"
	"micod/internal/metrics"
	"micod/internal/monitor"
	"micod/internal/notify"
	"micod/internal/power"
	"micod/internal/storage"
	"micod/internal/syscontext"
)

// Errors
var (
	ErrProvisioning    = errors.New("system: provisioning already running")
	ErrNotProvisioning = errors.New("system: provisioning not running")
	ErrAuthRejected    = errors.New("system: provisioning rejected by application")
)

// minFreeDisk is the free space below which the disk check degrades.
const minFreeDisk = 256 << 10

// Options configures Init. Only Config is required.
type Options struct {
	Config *config.Config

	// UserDefaults populates the application segment on first boot.
	UserDefaults syscontext.DefaultsFunc
	// Menu extends the config server menu.
	Menu menu.Delegate
	// Delegate receives provisioning events.
	Delegate Delegate

	// Storage replaces the configured backend.
	Storage storage.Backend
	// Actuator defaults to power.SystemActuator.
	Actuator power.Actuator
	// Resetter defaults to the configured monitor reset action.
	Resetter monitor.Resetter
	// ListenAddr replaces the configured config server address.
	ListenAddr string

	Logger *slog.Logger
}

// System holds the running service layer.
type System struct {
	Context  *syscontext.Store
	Registry *notify.Registry
	Monitor  *monitor.Daemon      // nil when disabled
	Power    *power.Manager
	Server   *configserver.Server // nil when disabled
	Health   *health.Checker
	Metrics  *metrics.MicodMetrics

	cfg      *config.Config
	backend  storage.Backend
	watchdog *monitor.DeviceWatchdog
	delegate Delegate
	logger   *slog.Logger
	handles  []registration
	wg       sync.WaitGroup

	provMu       sync.Mutex
	provisioning bool
	softAP       bool
	authRejected bool
	provTimer    *time.Timer
}

type registration struct {
	kind   notify.AnyKind
	handle notify.Handle
}

// Init loads the context and builds every enabled subsystem. The context
// becomes the process context returned by syscontext.Get.
func Init(opts Options) (*System, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &System{
		cfg:      cfg,
		delegate: opts.Delegate,
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = logging.Component("system")
	}
	if s.delegate == nil {
		s.delegate = NopDelegate{}
	}

	s.backend = opts.Storage
	if s.backend == nil {
		backend, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		s.backend = backend
	}

	store, err := syscontext.Init(s.backend, cfg.Storage.UserDataSize, opts.UserDefaults, syscontext.Options{
		SystemDefaults: func(sys *syscontext.SystemConfig) {
			sys.Name = cfg.Device.Name
			sys.DHCP = true
		},
	})
	if err != nil {
		s.backend.Close()
		return nil, err
	}
	s.Context = store
	s.Registry = notify.NewRegistry(nil)

	actuator := opts.Actuator
	if actuator == nil {
		actuator = power.SystemActuator{}
	}
	s.Power = power.New(power.Config{
		Registry: s.Registry,
		Context:  store,
		Actuator: actuator,
		Grace:    time.Duration(cfg.Power.GraceMs) * time.Millisecond,
	})

	if cfg.Monitor.Enabled {
		if err := s.initMonitor(opts.Resetter); err != nil {
			s.Close(context.Background())
			return nil, err
		}
	}

	s.initHealth()
	s.initMetrics()

	if cfg.ConfigServer.Enabled {
		addr := opts.ListenAddr
		if addr == "" {
			addr = cfg.ConfigServerAddr()
		}
		s.Server, err = configserver.New(configserver.Config{
			Addr:    addr,
			Timeout: time.Duration(cfg.ConfigServer.TimeoutMs) * time.Millisecond,
			Device: configserver.DeviceInfo{
				Manufacturer: cfg.Device.Manufacturer,
				Model:        cfg.Device.Model,
				Firmware:     cfg.Device.FirmwareRevision,
				Serial:       cfg.Device.SerialNumber,
				Protocol:     cfg.Device.Protocol,
			},
			Store:    store,
			Delegate: opts.Menu,
			Power:    s.Power,
			Health:   s.Health,
			Metrics:  s.Metrics,
		})
		if err != nil {
			s.Close(context.Background())
			return nil, err
		}
	}

	s.listen()

	s.logger.Info("system initialized",
		"context", store.LoadResult(),
		"boot_count", store.System().BootCount,
		"configured", store.System().Configured,
	)
	return s, nil
}

func (s *System) initMonitor(resetter monitor.Resetter) error {
	mc := s.cfg.Monitor
	if resetter == nil {
		resetter = monitor.NewResetter(mc.ResetAction, logging.Component("monitor"))
	}

	var wd monitor.Watchdog
	if mc.WatchdogDevice != "" {
		dev, err := monitor.OpenWatchdog(mc.WatchdogDevice)
		if err != nil {
			return err
		}
		s.watchdog = dev
		wd = dev
	}

	d, err := monitor.New(monitor.Config{
		Tick:      time.Duration(mc.TickMs) * time.Millisecond,
		SelfDelay: time.Duration(mc.SelfDelayMs) * time.Millisecond,
		Resetter:  resetter,
		Watchdog:  wd,
	})
	if err != nil {
		return err
	}
	s.Monitor = d
	return nil
}

func (s *System) initHealth() {
	s.Health = health.NewChecker()
	s.Health.RegisterFunc("storage", true, health.StorageCheck(s.backend))
	s.Health.RegisterFunc("notify", false, health.NotifyCheck(s.Registry))
	if s.Monitor != nil {
		s.Health.RegisterFunc("monitor", true, health.MonitorCheck(s.Monitor))
	}

	switch s.cfg.Storage.Backend {
	case storage.BackendFile:
		s.Health.RegisterFunc("disk", false, health.DiskSpaceCheck(s.cfg.Storage.Path, minFreeDisk))
	case storage.BackendSQLite:
		s.Health.RegisterFunc("disk", false, health.DiskSpaceCheck(filepath.Dir(s.cfg.Storage.Path), minFreeDisk))
	}
}

func (s *System) initMetrics() {
	m := metrics.NewMicodMetrics(nil)
	store := s.Context

	m.Sample("context_boot_count", "Context loads since the factory image",
		func() int64 { return int64(store.System().BootCount) })
	m.Sample("context_updates", "Persisted context updates since the factory image",
		func() int64 { return int64(store.System().Seq) })
	m.Sample("context_configured", "1 when network credentials are stored",
		func() int64 { return metrics.BoolValue(store.System().Configured) })
	m.Sample("provisioning", "1 while provisioning is running",
		func() int64 { return metrics.BoolValue(s.Provisioning()) })

	reg := s.Registry
	m.Sample("notify_emitted", "Notifications emitted",
		func() int64 { return int64(reg.Stats().Emitted) })
	m.Sample("notify_delivered", "Listener invocations",
		func() int64 { return int64(reg.Stats().Delivered) })
	m.Sample("notify_listener_panics", "Listener invocations that panicked",
		func() int64 { return int64(reg.Stats().Panics) })

	if d := s.Monitor; d != nil {
		m.Sample("monitor_ticks", "Monitor liveness checks",
			func() int64 { return int64(d.Ticks()) })
		m.Sample("monitor_kick_errors", "Failed hardware watchdog kicks",
			func() int64 { return int64(d.KickErrors()) })
		m.Sample("monitor_tripped", "1 after an overdue entry forced a reset",
			func() int64 { return metrics.BoolValue(d.Tripped()) })
	}
	s.Metrics = m
}

// Start brings up the enabled subsystems. Background work stops when ctx
// ends.
func (s *System) Start(ctx context.Context) error {
	if s.Monitor != nil {
		if err := s.Monitor.Start(ctx); err != nil {
			return err
		}
	}

	if s.cfg.Power.LogindWatch {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Power.Watch(ctx); err != nil {
				s.logger.Warn("logind watch stopped", "error", err)
			}
		}()
	}

	if s.Server != nil {
		if err := s.Server.Start(); err != nil {
			return err
		}
	}

	if s.cfg.WiFi.ConnectionEnabled && !s.Context.System().Configured {
		if err := s.StartProvisioning(); err != nil {
			return err
		}
	}

	s.Health.SetReady(true)
	return nil
}

// Close stops the config server, disarms the hardware watchdog and
// releases storage. Listeners installed by Init are removed. It waits for
// the logind watch, so the context given to Start should end first.
func (s *System) Close(ctx context.Context) error {
	var errs []error

	if s.Health != nil {
		s.Health.SetReady(false)
	}
	s.provMu.Lock()
	if s.provTimer != nil {
		s.provTimer.Stop()
	}
	s.provMu.Unlock()

	if s.Server != nil && s.Server.Running() {
		if err := s.Server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range s.handles {
		_ = s.Registry.Remove(r.kind, r.handle)
	}
	s.handles = nil

	s.wg.Wait()

	if s.watchdog != nil {
		if err := s.watchdog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Config returns the static configuration the system was built from.
func (s *System) Config() *config.Config {
	return s.cfg
}
