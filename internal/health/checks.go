package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"micod/internal/monitor"
	"micod/internal/notify"
	"micod/internal/storage"
)

// MonitorSource is the part of the monitor daemon a check reads.
type MonitorSource interface {
	Now() time.Time
	Snapshot(now time.Time) []monitor.Status
	Tripped() bool
	KickErrors() uint64
}

// MonitorCheck reports unhealthy once the daemon has tripped or while any
// entry is past its deadline, and degraded after failed watchdog kicks.
func MonitorCheck(src MonitorSource) Check {
	return func(ctx context.Context) CheckResult {
		entries := src.Snapshot(src.Now())
		var overdue []string
		for _, s := range entries {
			if s.Overdue {
				overdue = append(overdue, s.Name)
			}
		}

		details := map[string]any{
			"entries":     len(entries),
			"kick_errors": src.KickErrors(),
		}
		if len(overdue) > 0 {
			details["overdue"] = overdue
		}

		switch {
		case src.Tripped():
			return CheckResult{Status: StatusUnhealthy, Message: "watchdog tripped", Details: details}
		case len(overdue) > 0:
			return CheckResult{Status: StatusUnhealthy, Message: "entries overdue", Details: details}
		case src.KickErrors() > 0:
			return CheckResult{Status: StatusDegraded, Message: "watchdog kicks failing", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: "all entries on time", Details: details}
	}
}

// StorageCheck probes the durable image. A missing image is healthy; a
// corrupt one is degraded since the next save repairs it.
func StorageCheck(st storage.Storage) Check {
	return func(ctx context.Context) CheckResult {
		data, err := st.Load()
		switch {
		case err == nil:
			return CheckResult{
				Status:  StatusHealthy,
				Message: "image readable",
				Details: map[string]any{"bytes": len(data)},
			}
		case errors.Is(err, storage.ErrNotFound):
			return CheckResult{Status: StatusHealthy, Message: "no image stored yet"}
		case errors.Is(err, storage.ErrCorrupt):
			return CheckResult{Status: StatusDegraded, Message: "stored image corrupt", Error: err.Error()}
		default:
			return CheckResult{Status: StatusUnhealthy, Message: "storage unreachable", Error: err.Error()}
		}
	}
}

// NotifyCheck reports degraded once any listener has panicked.
func NotifyCheck(r *notify.Registry) Check {
	return func(ctx context.Context) CheckResult {
		stats := r.Stats()
		details := map[string]any{
			"emitted":   stats.Emitted,
			"delivered": stats.Delivered,
			"panics":    stats.Panics,
		}
		if stats.Panics > 0 {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d listener panics", stats.Panics),
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}

// ErrFunc adapts a function returning an error to a Check.
func ErrFunc(fn func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "check failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// DiskSpaceCheck reports degraded when the filesystem holding path has less
// than minFree bytes available to the service, since the next image save
// may then fail.
func DiskSpaceCheck(path string, minFree uint64) Check {
	return func(ctx context.Context) CheckResult {
		free, err := freeBytes(path)
		if err != nil {
			return CheckResult{Status: StatusUnknown, Message: "free space unavailable", Error: err.Error()}
		}
		details := map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFree}
		if free < minFree {
			return CheckResult{Status: StatusDegraded, Message: "low disk space", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}
