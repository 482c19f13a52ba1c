package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"micod/internal/monitor"
	"micod/internal/notify"
	"micod/internal/storage"
)

func fixed(status Status) Check {
	return func(context.Context) CheckResult { return CheckResult{Status: status} }
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		critical Status
		optional Status
		want     Status
	}{
		{"all healthy", StatusHealthy, StatusHealthy, StatusHealthy},
		{"optional unhealthy degrades", StatusHealthy, StatusUnhealthy, StatusDegraded},
		{"critical degraded", StatusDegraded, StatusHealthy, StatusDegraded},
		{"critical unhealthy", StatusUnhealthy, StatusHealthy, StatusUnhealthy},
		{"critical unknown", StatusUnknown, StatusHealthy, StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.RegisterFunc("critical", true, fixed(tt.critical))
			c.RegisterFunc("optional", false, fixed(tt.optional))
			c.Check(context.Background())
			assert.Equal(t, tt.want, c.OverallStatus())
		})
	}
}

func TestUncheckedCriticalIsUnknown(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("storage", true, fixed(StatusHealthy))
	assert.Equal(t, StatusUnknown, c.OverallStatus())

	_, ok := c.CheckComponent(context.Background(), "storage")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	_, ok = c.CheckComponent(context.Background(), "missing")
	assert.False(t, ok)
}

func TestCheckPanicAndTimeout(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("panics", false, func(context.Context) CheckResult { panic("boom") })
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["panics"].Status)
	assert.Equal(t, "boom", results["panics"].Error)
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)

	last, ok := c.Result("slow")
	require.True(t, ok)
	assert.False(t, last.LastChecked.IsZero())
}

func TestUnregister(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("b", false, fixed(StatusHealthy))
	c.RegisterFunc("a", true, fixed(StatusUnhealthy))
	assert.Equal(t, []string{"a", "b"}, c.Names())

	c.Unregister("a")
	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.OverallStatus())
	_, ok := c.Result("a")
	assert.False(t, ok)
}

func TestHandler(t *testing.T) {
	c := NewChecker()
	c.SetReady(true)
	c.RegisterFunc("monitor", true, fixed(StatusHealthy))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Components, "monitor")

	c.RegisterFunc("monitor", true, fixed(StatusUnhealthy))
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeMonitor struct {
	statuses []monitor.Status
	tripped  bool
	kickErrs uint64
}

func (f *fakeMonitor) Now() time.Time                      { return time.Unix(100, 0) }
func (f *fakeMonitor) Snapshot(time.Time) []monitor.Status { return f.statuses }
func (f *fakeMonitor) Tripped() bool                       { return f.tripped }
func (f *fakeMonitor) KickErrors() uint64                  { return f.kickErrs }

func TestMonitorCheck(t *testing.T) {
	ctx := context.Background()
	m := &fakeMonitor{statuses: []monitor.Status{{Name: "wifi"}, {Name: "app"}}}

	res := MonitorCheck(m)(ctx)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, 2, res.Details["entries"])

	m.kickErrs = 3
	assert.Equal(t, StatusDegraded, MonitorCheck(m)(ctx).Status)

	m.statuses[1].Overdue = true
	res = MonitorCheck(m)(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, []string{"app"}, res.Details["overdue"])

	m.tripped = true
	assert.Equal(t, "watchdog tripped", MonitorCheck(m)(ctx).Message)
}

func TestMonitorCheckWithDaemon(t *testing.T) {
	d, err := monitor.New(monitor.Config{
		Tick:     time.Hour,
		Resetter: monitor.ResetterFunc(func(string) {}),
	})
	require.NoError(t, err)
	require.NoError(t, d.Register(monitor.NewEntry("app"), time.Minute))

	res := MonitorCheck(d)(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
}

func TestStorageCheck(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()

	res := StorageCheck(mem)(ctx)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "no image stored yet", res.Message)

	require.NoError(t, mem.Save([]byte("image")))
	res = StorageCheck(mem)(ctx)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, 5, res.Details["bytes"])

	mem.SetFault(storage.ErrCorrupt)
	assert.Equal(t, StatusDegraded, statusOf(t, StorageCheck(mem)))

	mem.SetFault(errors.New("flash offline"))
	res = StorageCheck(mem)(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "flash offline", res.Error)
}

func statusOf(t *testing.T, c Check) Status {
	t.Helper()
	return c(context.Background()).Status
}

func TestNotifyCheck(t *testing.T) {
	r := notify.NewRegistry(nil)
	assert.Equal(t, StatusHealthy, statusOf(t, NotifyCheck(r)))

	notify.Register(r, notify.WiFiFatalError, func(notify.FatalError) { panic("driver bug") })
	notify.Emit(r, notify.WiFiFatalError, notify.FatalError{Reason: "test"})
	assert.Equal(t, StatusDegraded, statusOf(t, NotifyCheck(r)))
}

func TestDiskSpaceCheck(t *testing.T) {
	dir := t.TempDir()
	res := DiskSpaceCheck(dir, 1)(context.Background())
	if res.Status == StatusUnknown {
		t.Skip("free space not available on this platform")
	}
	assert.Equal(t, StatusHealthy, res.Status)

	res = DiskSpaceCheck(dir, ^uint64(0))(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
}

func TestErrFunc(t *testing.T) {
	ok := ErrFunc(func(context.Context) error { return nil })
	assert.Equal(t, StatusHealthy, statusOf(t, ok))

	bad := ErrFunc(func(context.Context) error { return errors.New("down") })
	res := bad(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "down", res.Error)
}
