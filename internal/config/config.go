// Package config handles configuration loading, validation, and management for micod.
//
// The configuration is the static, process-level description of the device:
// its identity, which system services are enabled, how Wi-Fi provisioning is
// performed and where the persisted context lives. It is read once at boot
// (and optionally hot-reloaded); runtime device state lives in the context
// store, not here.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Version is the current configuration schema version.
const Version = 1

// Wi-Fi provisioning modes.
const (
	ConfigModeEasyLink           = "easylink"
	ConfigModeSoftAP             = "soft_ap"
	ConfigModeEasyLinkWithSoftAP = "easylink_with_softap"
	ConfigModeWAC                = "wac"
)

// configModeValues maps provisioning modes to the numeric codes reported to
// config clients.
var configModeValues = map[string]int{
	ConfigModeEasyLink:           2,
	ConfigModeSoftAP:             3,
	ConfigModeEasyLinkWithSoftAP: 4,
	ConfigModeWAC:                7,
}

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Device identity reported to config clients and mDNS.
	Device DeviceConfig `toml:"device" json:"device" yaml:"device"`

	// Storage configuration for the persisted context.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Monitor configuration for the system monitor daemon.
	Monitor MonitorConfig `toml:"monitor" json:"monitor" yaml:"monitor"`

	// ConfigServer configuration for the local config server.
	ConfigServer ConfigServerConfig `toml:"config_server" json:"config_server" yaml:"config_server"`

	// WiFi provisioning configuration.
	WiFi WiFiConfig `toml:"wifi" json:"wifi" yaml:"wifi"`

	// Power management configuration.
	Power PowerConfig `toml:"power" json:"power" yaml:"power"`

	// CLI configuration.
	CLI CLIConfig `toml:"cli" json:"cli" yaml:"cli"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// DeviceConfig holds firmware and identity information.
type DeviceConfig struct {
	// Name is the default device name written into a fresh context.
	Name string `toml:"name" json:"name" yaml:"name" env:"MICOD_DEVICE_NAME"`

	// Model is the hardware model string.
	Model string `toml:"model" json:"model" yaml:"model"`

	// Manufacturer is the manufacturer name.
	Manufacturer string `toml:"manufacturer" json:"manufacturer" yaml:"manufacturer"`

	// SerialNumber is the firmware serial number.
	SerialNumber string `toml:"serial_number" json:"serial_number" yaml:"serial_number" env:"MICOD_SERIAL_NUMBER"`

	// FirmwareRevision is reported as the firmware version.
	FirmwareRevision string `toml:"firmware_revision" json:"firmware_revision" yaml:"firmware_revision"`

	// Protocol identifies the application protocol.
	Protocol string `toml:"protocol" json:"protocol" yaml:"protocol"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Backend is the durable storage backend: "file" or "sqlite".
	Backend string `toml:"backend" json:"backend" yaml:"backend" env:"MICOD_STORAGE_BACKEND"`

	// Path is the slot directory (file) or database file (sqlite).
	Path string `toml:"path" json:"path" yaml:"path" env:"MICOD_STORAGE_PATH"`

	// UserDataSize is the size of the application segment in bytes.
	UserDataSize int `toml:"user_data_size" json:"user_data_size" yaml:"user_data_size"`
}

// MonitorConfig holds system monitor daemon configuration.
type MonitorConfig struct {
	// Enabled starts the monitor daemon at boot.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled" env:"MICOD_MONITOR_ENABLED"`

	// TickMs is the interval between liveness checks.
	TickMs int `toml:"tick_ms" json:"tick_ms" yaml:"tick_ms"`

	// SelfDelayMs is the permitted delay of the daemon's own entry.
	SelfDelayMs int `toml:"self_delay_ms" json:"self_delay_ms" yaml:"self_delay_ms"`

	// WatchdogDevice is the hardware watchdog device kicked on each healthy
	// tick. Empty disables the hardware watchdog.
	WatchdogDevice string `toml:"watchdog_device" json:"watchdog_device" yaml:"watchdog_device" env:"MICOD_WATCHDOG_DEVICE"`

	// ResetAction is what a missed deadline does: "reboot" or "exit".
	ResetAction string `toml:"reset_action" json:"reset_action" yaml:"reset_action" env:"MICOD_RESET_ACTION"`
}

// ConfigServerConfig holds config server configuration.
type ConfigServerConfig struct {
	// Enabled starts the config server at boot.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled" env:"MICOD_CONFIG_SERVER_ENABLED"`

	// BindAddress is the listen address without the port.
	BindAddress string `toml:"bind_address" json:"bind_address" yaml:"bind_address"`

	// Port is the TCP port of the config server.
	Port int `toml:"port" json:"port" yaml:"port" env:"MICOD_CONFIG_SERVER_PORT"`

	// TimeoutMs bounds reading a request and writing its response.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// WiFiConfig holds Wi-Fi provisioning configuration.
type WiFiConfig struct {
	// ConnectionEnabled connects to the stored network at boot and starts
	// provisioning when none is stored.
	ConnectionEnabled bool `toml:"connection_enabled" json:"connection_enabled" yaml:"connection_enabled"`

	// ConfigMode is the provisioning mode.
	ConfigMode string `toml:"config_mode" json:"config_mode" yaml:"config_mode" env:"MICOD_WIFI_CONFIG_MODE"`

	// EasyLinkTimeoutMs is how long provisioning waits for credentials.
	EasyLinkTimeoutMs int `toml:"easylink_timeout_ms" json:"easylink_timeout_ms" yaml:"easylink_timeout_ms"`

	// ConnectWlanTimeoutMs is how long to wait for the network after
	// provisioning before restarting it.
	ConnectWlanTimeoutMs int `toml:"connect_wlan_timeout_ms" json:"connect_wlan_timeout_ms" yaml:"connect_wlan_timeout_ms"`
}

// PowerConfig holds power management configuration.
type PowerConfig struct {
	// LogindWatch subscribes to logind shutdown signals over the system bus.
	LogindWatch bool `toml:"logind_watch" json:"logind_watch" yaml:"logind_watch" env:"MICOD_POWER_LOGIND_WATCH"`

	// GraceMs is the pause between announcing a power change and performing it.
	GraceMs int `toml:"grace_ms" json:"grace_ms" yaml:"grace_ms"`
}

// CLIConfig holds command line interface configuration.
type CLIConfig struct {
	// Enabled enables the operator command line.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level" env:"MICOD_LOG_LEVEL"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output" env:"MICOD_LOG_OUTPUT"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path" env:"MICOD_LOG_PATH"`

	// MaxSizeKB is the maximum log file size before rotation.
	MaxSizeKB int `toml:"max_size_kb" json:"max_size_kb" yaml:"max_size_kb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Device: DeviceConfig{
			Name:             "MiCO Device",
			Model:            "EMW3165",
			Manufacturer:     "MXCHIP Inc.",
			SerialNumber:     "1508061104",
			FirmwareRevision: "MICO_BASE_1_0@1508061104",
			Protocol:         "com.mxchip.basic",
		},
		Storage: StorageConfig{
			Backend:      "file",
			Path:         filepath.Join(dir, "context"),
			UserDataSize: 64,
		},
		Monitor: MonitorConfig{
			Enabled:     true,
			TickMs:      500,
			SelfDelayMs: 5000,
			ResetAction: "reboot",
		},
		ConfigServer: ConfigServerConfig{
			Enabled:   true,
			Port:      8000,
			TimeoutMs: 10000,
		},
		WiFi: WiFiConfig{
			ConnectionEnabled:    true,
			ConfigMode:           ConfigModeEasyLink,
			EasyLinkTimeoutMs:    60000,
			ConnectWlanTimeoutMs: 20000,
		},
		Power: PowerConfig{
			LogindWatch: false,
			GraceMs:     100,
		},
		CLI: CLIConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "micod.log"),
			MaxSizeKB:  512,
			MaxBackups: 2,
		},
	}
}

// DataDir returns the base micod directory, honoring MICOD_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("MICOD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return "/var/lib/micod"
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if p := os.Getenv("MICOD_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "micod.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies MICOD_* environment variables on top of the
// loaded values. Unset variables leave the field untouched.
func (c *Config) ApplyEnvOverrides() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// ConfigModeValue returns the numeric code of the provisioning mode.
func (c *Config) ConfigModeValue() int {
	return configModeValues[c.WiFi.ConfigMode]
}

// ConfigServerAddr returns the listen address of the config server.
func (c *Config) ConfigServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ConfigServer.BindAddress, c.ConfigServer.Port)
}

// EnsureDirectories creates all directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Logging.FilePath)}
	if c.Storage.Backend == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	} else {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
