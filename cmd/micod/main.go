// micod - device service layer for Wi-Fi connected devices
//
//	micod run       Run the service layer in the foreground
//	micod show      Print the persisted device context
//	micod restore   Reset the persisted context to factory defaults
//	micod version   Print version information
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"micod/internal/config"
	"micod/internal/logging"
	"micod/internal/storage"
	"micod/internal/syscontext"
	"micod/internal/system"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = cmdRun(args)
	case "show":
		err = cmdShow(args)
	case "restore":
		err = cmdRestore(args)
	case "version":
		fmt.Printf("micod %s (%s)\n", version, commit)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`micod - device service layer

USAGE:
    micod <command> [options]

COMMANDS:
    run         Run the service layer in the foreground
    show        Print the persisted device context
    restore     Reset the persisted context to factory defaults
    version     Print version information
    help        Show this help message

OPTIONS:
    -config <path>   Configuration file (default $MICOD_CONFIG or
                     /var/lib/micod/micod.toml)

The configuration file is created with defaults on first run. TOML, JSON
and YAML are accepted, chosen by extension. MICOD_* environment variables
override file values.`)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	watch := fs.Bool("watch", true, "reload the log level when the config file changes")
	fs.Parse(args)

	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)
	log := logging.Component("main")

	if created {
		log.Info("wrote default configuration", "path", pathOrDefault(*configPath))
	}

	sys, err := system.Init(system.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *watch {
		loader := config.NewLoader(*configPath)
		if _, err := loader.Load(); err != nil {
			log.Warn("config watch disabled", "error", err)
		} else if err := loader.Watch(); err != nil {
			log.Warn("config watch disabled", "error", err)
		} else {
			defer loader.Close()
			loader.OnChange(func(c config.Change) {
				level, err := logging.ParseLevel(c.Current.Logging.Level)
				if err != nil {
					log.Warn("ignoring log level", "error", err)
				} else {
					logger.SetLevel(level)
				}
				if c.RestartRequired() {
					log.Warn("configuration changed; restart to apply", "sections", c.Sections)
					return
				}
				log.Info("configuration reloaded", "log_level", logging.LevelString(level))
			})
			go func() {
				for err := range loader.Errors() {
					log.Warn("config reload failed", "error", err)
				}
			}()
		}
	}

	if err := sys.Start(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(fmt.Errorf("start: %w", err), sys.Close(closeCtx))
	}

	attrs := []any{"device", cfg.Device.Name, "config_mode", cfg.WiFi.ConfigMode}
	if sys.Server != nil {
		attrs = append(attrs, "config_server", sys.Server.Addr())
	}
	log.Info("micod running", attrs...)

	<-ctx.Done()
	log.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sys.Close(closeCtx)
}

// contextView is the printable form of the persisted context.
type contextView struct {
	Name         string `json:"name"`
	SSID         string `json:"ssid"`
	Passphrase   string `json:"passphrase,omitempty"`
	BSSID        string `json:"bssid"`
	Channel      uint8  `json:"channel"`
	Security     string `json:"security"`
	DHCP         bool   `json:"dhcp"`
	IP           string `json:"ip,omitempty"`
	Netmask      string `json:"netmask,omitempty"`
	Gateway      string `json:"gateway,omitempty"`
	DNS          string `json:"dns,omitempty"`
	ConfigSource string `json:"config_source"`
	Configured   bool   `json:"configured"`
	BootCount    uint32 `json:"boot_count"`
	Seq          uint32 `json:"seq"`
	UserData     string `json:"user_data"`
}

func cmdShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	asJSON := fs.Bool("json", false, "print JSON")
	reveal := fs.Bool("reveal", false, "include the stored passphrase")
	fs.Parse(args)

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		return err
	}
	data, err := storage.ReadImage(cfg.Storage.Backend, cfg.Storage.Path)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fmt.Println("No context stored yet.")
		return nil
	case errors.Is(err, storage.ErrLocked):
		return fmt.Errorf("context is in use by another process")
	case err != nil:
		return err
	}
	sys, user, err := syscontext.DecodeImage(data)
	if err != nil {
		return err
	}

	v := contextView{
		Name:         sys.Name,
		SSID:         sys.SSID,
		BSSID:        formatMAC(sys.BSSID),
		Channel:      sys.Channel,
		Security:     sys.Security.String(),
		DHCP:         sys.DHCP,
		ConfigSource: sys.ConfigSource.String(),
		Configured:   sys.Configured,
		BootCount:    sys.BootCount,
		Seq:          sys.Seq,
		UserData:     hex.EncodeToString(user),
	}
	if *reveal {
		v.Passphrase = sys.UserKey
	}
	if sys.IP.IsValid() {
		v.IP = sys.IP.String()
	}
	if sys.Netmask.IsValid() {
		v.Netmask = sys.Netmask.String()
	}
	if sys.Gateway.IsValid() {
		v.Gateway = sys.Gateway.String()
	}
	if sys.DNS.IsValid() {
		v.DNS = sys.DNS.String()
	}

	if *asJSON {
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println("=== Device Context ===")
	fmt.Printf("Name:          %s\n", v.Name)
	fmt.Printf("Configured:    %v (%s)\n", v.Configured, v.ConfigSource)
	fmt.Printf("Network:       %s\n", v.SSID)
	if *reveal {
		fmt.Printf("Passphrase:    %s\n", v.Passphrase)
	}
	fmt.Printf("BSSID:         %s (channel %d, %s)\n", v.BSSID, v.Channel, v.Security)
	if v.DHCP {
		fmt.Printf("Addressing:    DHCP %s\n", v.IP)
	} else {
		fmt.Printf("Addressing:    static %s/%s gw %s dns %s\n", v.IP, v.Netmask, v.Gateway, v.DNS)
	}
	fmt.Printf("Boot count:    %d\n", v.BootCount)
	fmt.Printf("Sequence:      %d\n", v.Seq)
	fmt.Printf("User data:     %d bytes\n", len(user))
	return nil
}

func cmdRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	force := fs.Bool("force", false, "do not ask for confirmation")
	fs.Parse(args)

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		return err
	}

	if !*force {
		fmt.Print("Erase stored network credentials and application data? [y/N] ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	backend, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return fmt.Errorf("context is in use; stop micod first")
		}
		return err
	}
	defer backend.Close()

	store, err := syscontext.New(backend, cfg.Storage.UserDataSize, nil, syscontext.Options{
		SystemDefaults: func(sys *syscontext.SystemConfig) {
			sys.Name = cfg.Device.Name
			sys.DHCP = true
		},
	})
	if err != nil {
		return err
	}
	if err := store.Restore(); err != nil {
		return err
	}
	fmt.Println("Context restored to factory defaults.")
	return nil
}

func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    int64(lc.MaxSizeKB),
		MaxBackups: lc.MaxBackups,
		Component:  "micod",
	})
}

func formatMAC(b [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

func pathOrDefault(p string) string {
	if p == "" {
		return config.ConfigPath()
	}
	return p
}
