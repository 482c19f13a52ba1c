package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs validation of every configuration section and
// returns all problems at once.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateDevice(&c.Device)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateMonitor(&c.Monitor)...)
	errs = append(errs, validateConfigServer(&c.ConfigServer)...)
	errs = append(errs, validateWiFi(&c.WiFi)...)
	errs = append(errs, validatePower(&c.Power)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// maxDeviceName matches the fixed name field of the persisted context.
const maxDeviceName = 64

func validateDevice(d *DeviceConfig) ValidationErrors {
	var errs ValidationErrors

	if d.Name == "" {
		errs = append(errs, RequiredFieldError("device.name"))
	} else if len(d.Name) > maxDeviceName {
		errs = append(errs, ValidationError{
			Field:   "device.name",
			Message: fmt.Sprintf("name exceeds %d bytes", maxDeviceName),
		})
	}
	if d.FirmwareRevision == "" {
		errs = append(errs, RequiredFieldError("device.firmware_revision"))
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Backend {
	case "file", "sqlite", "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: file, sqlite, memory)", s.Backend),
		})
	}

	if s.Backend != "memory" && s.Path == "" {
		errs = append(errs, RequiredFieldError("storage.path"))
	}

	if s.UserDataSize < 0 || s.UserDataSize > 64*1024 {
		errs = append(errs, RangeError("storage.user_data_size", 0, 64*1024))
	}

	return errs
}

func validateMonitor(m *MonitorConfig) ValidationErrors {
	var errs ValidationErrors

	if m.TickMs < 10 || m.TickMs > 60000 {
		errs = append(errs, RangeError("monitor.tick_ms", 10, 60000))
	}
	if m.SelfDelayMs <= m.TickMs {
		errs = append(errs, ValidationError{
			Field:   "monitor.self_delay_ms",
			Message: "self delay must be longer than the tick interval",
		})
	}

	switch m.ResetAction {
	case "reboot", "exit":
	default:
		errs = append(errs, ValidationError{
			Field:   "monitor.reset_action",
			Message: fmt.Sprintf("invalid reset action: %s (valid: reboot, exit)", m.ResetAction),
		})
	}

	return errs
}

func validateConfigServer(c *ConfigServerConfig) ValidationErrors {
	var errs ValidationErrors

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, RangeError("config_server.port", 1, 65535))
	}
	if c.TimeoutMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "config_server.timeout_ms",
			Message: "timeout must be at least 100ms",
		})
	}

	return errs
}

func validateWiFi(w *WiFiConfig) ValidationErrors {
	var errs ValidationErrors

	if _, ok := configModeValues[w.ConfigMode]; !ok {
		errs = append(errs, ValidationError{
			Field: "wifi.config_mode",
			Message: fmt.Sprintf("invalid config mode: %s (valid: %s, %s, %s, %s)", w.ConfigMode,
				ConfigModeEasyLink, ConfigModeSoftAP, ConfigModeEasyLinkWithSoftAP, ConfigModeWAC),
		})
	}
	if w.EasyLinkTimeoutMs < 1000 {
		errs = append(errs, ValidationError{
			Field:   "wifi.easylink_timeout_ms",
			Message: "provisioning timeout must be at least 1s",
		})
	}
	if w.ConnectWlanTimeoutMs < 1000 {
		errs = append(errs, ValidationError{
			Field:   "wifi.connect_wlan_timeout_ms",
			Message: "connect timeout must be at least 1s",
		})
	}

	return errs
}

func validatePower(p *PowerConfig) ValidationErrors {
	var errs ValidationErrors

	if p.GraceMs < 0 || p.GraceMs > 10000 {
		errs = append(errs, RangeError("power.grace_ms", 0, 10000))
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file' or 'both'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeKB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_kb",
			Message: "max size must be at least 1 KB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

// Has reports whether any error concerns the given field.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// RequiredFieldError creates a validation error for a missing required field.
func RequiredFieldError(field string) ValidationError {
	return ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for a value out of range.
func RangeError(field string, min, max int) ValidationError {
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %d and %d", min, max),
	}
}
