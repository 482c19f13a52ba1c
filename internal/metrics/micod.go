package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// MicodMetrics holds the metrics recorded by the config server and those
// sampled from the running system.
type MicodMetrics struct {
	registry *Registry

	ConfigReads    *Counter
	ConfigWrites   *Counter
	RebootRequests *Counter
	WriteDuration  *Histogram
}

// NewMicodMetrics registers the config-server metrics on registry. A nil
// registry gets a fresh one in the "micod" namespace.
func NewMicodMetrics(registry *Registry) *MicodMetrics {
	if registry == nil {
		registry = NewRegistry("micod")
	}
	return &MicodMetrics{
		registry: registry,
		ConfigReads: registry.RegisterCounter("config_reads_total",
			"Config-read requests served", nil),
		ConfigWrites: registry.RegisterCounter("config_writes_total",
			"Config-write requests applied", nil),
		RebootRequests: registry.RegisterCounter("reboot_requests_total",
			"Reboots requested by config writes", nil),
		WriteDuration: registry.RegisterHistogram("config_write_duration_seconds",
			"Time to apply and persist a config write", DurationBuckets),
	}
}

// Registry returns the underlying registry.
func (m *MicodMetrics) Registry() *Registry {
	return m.registry
}

// Handler serves the metrics.
func (m *MicodMetrics) Handler() http.Handler {
	return m.registry.HTTPHandler()
}

// ObserveRead counts a config-read. m may be nil.
func (m *MicodMetrics) ObserveRead() {
	if m == nil {
		return
	}
	m.ConfigReads.Inc()
}

// ObserveWrite records a finished config-write. Failed writes are counted
// per HTTP status. m may be nil.
func (m *MicodMetrics) ObserveWrite(d time.Duration, status int, reboot bool) {
	if m == nil {
		return
	}
	if status != http.StatusOK {
		m.registry.RegisterCounter("config_write_errors_total",
			"Config-write requests rejected", Labels{"code": strconv.Itoa(status)}).Inc()
		return
	}
	m.ConfigWrites.Inc()
	m.WriteDuration.ObserveDuration(d)
	if reboot {
		m.RebootRequests.Inc()
	}
}

// Sample registers a gauge read from fn at scrape time.
func (m *MicodMetrics) Sample(name, help string, fn func() int64) {
	m.registry.RegisterGaugeFunc(name, help, fn)
}

// BoolValue converts a flag for a gauge.
func BoolValue(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
