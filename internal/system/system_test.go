package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"micod/internal/config"
	"micod/internal/monitor"
	"micod/internal/notify"
	"micod/internal/power"
	"micod/internal/storage"
	"micod/internal/syscontext"
)

type recordingDelegate struct {
	mu       sync.Mutex
	events   []string
	authErr  error
	received []string
}

func (d *recordingDelegate) record(ev string) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
}

func (d *recordingDelegate) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

func (d *recordingDelegate) ConfigWillStart(*syscontext.Store) { d.record("will_start") }
func (d *recordingDelegate) ConfigWillStop(*syscontext.Store)  { d.record("will_stop") }
func (d *recordingDelegate) SoftAPWillStart(*syscontext.Store) { d.record("soft_ap") }

func (d *recordingDelegate) ConfigRecvSSID(ssid, _ string, _ *syscontext.Store) {
	d.record("ssid:" + ssid)
}

func (d *recordingDelegate) ConfigRecvAuthData(data []byte, _ *syscontext.Store) error {
	d.record("auth")
	d.mu.Lock()
	d.received = append(d.received, string(data))
	d.mu.Unlock()
	return d.authErr
}

func (d *recordingDelegate) ConfigSuccess(source syscontext.ConfigSource, _ *syscontext.Store) {
	d.record("success:" + source.String())
}

type fixture struct {
	sys      *System
	mem      *storage.Memory
	delegate *recordingDelegate
	acted    chan power.State
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = storage.BackendMemory
	cfg.Storage.Path = ""
	cfg.Monitor.Enabled = false
	cfg.Power.GraceMs = 0
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	f := &fixture{
		mem:      storage.NewMemory(),
		delegate: &recordingDelegate{},
		acted:    make(chan power.State, 4),
	}
	sys, err := Init(Options{
		Config:     cfg,
		Delegate:   f.delegate,
		Storage:    f.mem,
		ListenAddr: "127.0.0.1:0",
		Actuator: power.ActuatorFunc(func(s power.State) error {
			f.acted <- s
			return nil
		}),
		UserDefaults: func(user []byte) { user[0] = 7 },
	})
	require.NoError(t, err)
	f.sys = sys

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sys.Close(ctx)
	})
	return f
}

func TestInitLoadsDefaults(t *testing.T) {
	f := newFixture(t, testConfig())

	sys := f.sys.Context.System()
	assert.Equal(t, "MiCO Device", sys.Name)
	assert.True(t, sys.DHCP)
	assert.False(t, sys.Configured)
	assert.Equal(t, byte(7), f.sys.Context.UserData()[0])
	assert.Equal(t, syscontext.LoadedDefaults, f.sys.Context.LoadResult())

	got, err := syscontext.Get()
	require.NoError(t, err)
	assert.Same(t, f.sys.Context, got)

	assert.Nil(t, f.sys.Monitor)
	assert.NotNil(t, f.sys.Server)
	assert.Equal(t, 1, f.mem.Saves())
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.WiFi.ConfigMode = "bluetooth"

	_, err := Init(Options{Config: cfg, Storage: storage.NewMemory()})
	require.Error(t, err)
}

func TestStartBeginsProvisioningWhenUnconfigured(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.sys.Start(ctx))
	assert.True(t, f.sys.Provisioning())
	assert.True(t, f.sys.Health.IsReady())
	assert.Equal(t, []string{"will_start"}, f.delegate.Events())

	assert.ErrorIs(t, f.sys.StartProvisioning(), ErrProvisioning)
}

func TestStartSkipsProvisioningWhenDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.WiFi.ConnectionEnabled = false
	f := newFixture(t, cfg)

	require.NoError(t, f.sys.Start(context.Background()))
	assert.False(t, f.sys.Provisioning())
	assert.Empty(t, f.delegate.Events())
}

func TestEasyLinkSuccessStoresCredentials(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.sys.StartProvisioning())
	saves := f.mem.Saves()

	notify.Emit(f.sys.Registry, notify.EasyLinkWPSCompleted, notify.EasyLinkResult{
		Success:    true,
		SSID:       "IEEE",
		Passphrase: "password",
	})

	sys := f.sys.Context.System()
	assert.True(t, sys.Configured)
	assert.Equal(t, "IEEE", sys.SSID)
	assert.Equal(t, "password", sys.UserKey)
	assert.Len(t, sys.Key, 32)
	assert.Equal(t, syscontext.SourceEasyLinkV2, sys.ConfigSource)
	assert.Greater(t, f.mem.Saves(), saves)

	assert.False(t, f.sys.Provisioning())
	assert.Equal(t, []string{"will_start", "ssid:IEEE", "success:easylink_v2", "will_stop"}, f.delegate.Events())
}

func TestEasyLinkIgnoredWhenNotProvisioning(t *testing.T) {
	f := newFixture(t, testConfig())

	notify.Emit(f.sys.Registry, notify.EasyLinkWPSCompleted, notify.EasyLinkResult{
		Success: true, SSID: "Home", Passphrase: "password1",
	})
	assert.False(t, f.sys.Context.System().Configured)
	assert.Empty(t, f.delegate.Events())
}

func TestAuthDataRejectionBlocksCredentials(t *testing.T) {
	f := newFixture(t, testConfig())
	f.delegate.authErr = errors.New("bad token")
	require.NoError(t, f.sys.StartProvisioning())

	notify.Emit(f.sys.Registry, notify.EasyLinkGetExtraData, notify.EasyLinkExtra{Data: []byte("#T=123")})
	notify.Emit(f.sys.Registry, notify.EasyLinkWPSCompleted, notify.EasyLinkResult{
		Success: true, SSID: "Home", Passphrase: "password1",
	})

	assert.False(t, f.sys.Context.System().Configured)
	assert.True(t, f.sys.Provisioning())
	assert.Equal(t, []string{"#T=123"}, f.delegate.received)

	err := f.sys.Provisioned(syscontext.SourceEasyLinkV2, "Home", "password1")
	assert.ErrorIs(t, err, ErrAuthRejected)

	// A new provisioning round clears the rejection.
	require.NoError(t, f.sys.StopProvisioning())
	require.NoError(t, f.sys.StartProvisioning())
	require.NoError(t, f.sys.Provisioned(syscontext.SourceEasyLinkV2, "Home", "password1"))
	assert.True(t, f.sys.Context.System().Configured)
}

func TestProvisionedRejectsBadPassphrase(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.sys.StartProvisioning())

	err := f.sys.Provisioned(syscontext.SourceSoftAP, "Home", "short")
	require.ErrorIs(t, err, syscontext.ErrInvalidArgument)
	assert.False(t, f.sys.Context.System().Configured)
	assert.True(t, f.sys.Provisioning())
}

func TestProvisioningTimeout(t *testing.T) {
	tests := []struct {
		mode       string
		still      bool
		wantEvents []string
	}{
		{
			mode:       config.ConfigModeEasyLink,
			still:      false,
			wantEvents: []string{"will_start", "will_stop"},
		},
		{
			mode:       config.ConfigModeSoftAP,
			still:      false,
			wantEvents: []string{"will_start", "soft_ap", "will_stop"},
		},
		{
			mode:       config.ConfigModeEasyLinkWithSoftAP,
			still:      true,
			wantEvents: []string{"will_start", "soft_ap"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := testConfig()
			cfg.WiFi.ConfigMode = tt.mode
			f := newFixture(t, cfg)

			require.NoError(t, f.sys.StartProvisioning())
			f.sys.provisioningTimedOut()

			assert.Equal(t, tt.still, f.sys.Provisioning())
			assert.Equal(t, tt.wantEvents, f.delegate.Events())
		})
	}
}

func TestSoftAPFallbackThenSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.WiFi.ConfigMode = config.ConfigModeEasyLinkWithSoftAP
	f := newFixture(t, cfg)

	require.NoError(t, f.sys.StartProvisioning())
	f.sys.provisioningTimedOut()
	require.True(t, f.sys.Provisioning())

	notify.Emit(f.sys.Registry, notify.EasyLinkWPSCompleted, notify.EasyLinkResult{
		Success: true, SSID: "Home", Passphrase: "password1",
	})
	assert.Equal(t, syscontext.SourceSoftAP, f.sys.Context.System().ConfigSource)
	assert.False(t, f.sys.Provisioning())
}

func TestFailedEasyLinkActsAsTimeout(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.sys.StartProvisioning())

	notify.Emit(f.sys.Registry, notify.EasyLinkWPSCompleted, notify.EasyLinkResult{})
	assert.False(t, f.sys.Provisioning())
	assert.Equal(t, []string{"will_start", "will_stop"}, f.delegate.Events())
}

func TestStopProvisioningWhenIdle(t *testing.T) {
	f := newFixture(t, testConfig())
	assert.ErrorIs(t, f.sys.StopProvisioning(), ErrNotProvisioning)
}

func TestSourceForMode(t *testing.T) {
	assert.Equal(t, syscontext.SourceEasyLinkV2, sourceForMode(config.ConfigModeEasyLink))
	assert.Equal(t, syscontext.SourceSoftAP, sourceForMode(config.ConfigModeSoftAP))
	assert.Equal(t, syscontext.SourceSoftAP, sourceForMode(config.ConfigModeEasyLinkWithSoftAP))
	assert.Equal(t, syscontext.SourceWAC, sourceForMode(config.ConfigModeWAC))
}

func TestWiFiParaUpdatesStoredNetwork(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.sys.StartProvisioning())
	require.NoError(t, f.sys.Provisioned(syscontext.SourceEasyLinkV2, "Home", "password1"))

	bssid := [6]byte{0xc8, 0x93, 0x46, 0x01, 0x02, 0x03}
	notify.Emit(f.sys.Registry, notify.WiFiParaChanged, notify.WiFiPara{
		SSID:     "Home",
		BSSID:    bssid,
		Channel:  6,
		Security: uint8(syscontext.SecurityWPA2AES),
	})

	sys := f.sys.Context.System()
	assert.Equal(t, bssid, sys.BSSID)
	assert.Equal(t, uint8(6), sys.Channel)
	assert.Equal(t, syscontext.SecurityWPA2AES, sys.Security)
	assert.Len(t, sys.Key, 32)

	notify.Emit(f.sys.Registry, notify.WiFiParaChanged, notify.WiFiPara{SSID: "Neighbour", Channel: 11})
	assert.Equal(t, uint8(6), f.sys.Context.System().Channel)
}

func TestDHCPLeaseRecordedOnlyWhenDynamic(t *testing.T) {
	f := newFixture(t, testConfig())
	lease := notify.DHCPResult{
		IP:      netip.MustParseAddr("192.168.1.50"),
		Netmask: netip.MustParseAddr("255.255.255.0"),
		Gateway: netip.MustParseAddr("192.168.1.1"),
		DNS:     netip.MustParseAddr("192.168.1.1"),
		MAC:     "c8:93:46:00:00:01",
	}

	notify.Emit(f.sys.Registry, notify.DHCPCompleted, lease)
	assert.Equal(t, lease.IP, f.sys.Context.System().IP)

	static := netip.MustParseAddr("10.0.0.9")
	require.NoError(t, f.sys.Context.Mutate(func(sys *syscontext.SystemConfig, _ []byte) error {
		sys.DHCP = false
		sys.IP = static
		return nil
	}))
	notify.Emit(f.sys.Registry, notify.DHCPCompleted, lease)
	assert.Equal(t, static, f.sys.Context.System().IP)
}

func TestConfigServerServesContext(t *testing.T) {
	cfg := testConfig()
	cfg.WiFi.ConnectionEnabled = false
	f := newFixture(t, cfg)
	require.NoError(t, f.sys.Start(context.Background()))

	base := fmt.Sprintf("http://%s", f.sys.Server.Addr())

	resp, err := http.Get(base + "/config-read")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		N string `json:"N"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "MiCO Device", body.N)

	health, err := http.Get(base + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	scrape, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	text, err := io.ReadAll(scrape.Body)
	scrape.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(text), "micod_config_reads_total 1\n")
	assert.Contains(t, string(text), "micod_context_configured 0\n")

	write, err := http.Post(base+"/config-write", "application/json",
		strings.NewReader(`{"Wi-Fi":"Home","Password":"password1"}`))
	require.NoError(t, err)
	write.Body.Close()
	require.Equal(t, http.StatusOK, write.StatusCode)

	select {
	case st := <-f.acted:
		assert.Equal(t, power.SoftwareReset, st)
	case <-time.After(2 * time.Second):
		t.Fatal("no reboot after credential write")
	}
	assert.True(t, f.sys.Context.System().Configured)
}

func TestMonitorWired(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.Enabled = true
	cfg.Monitor.TickMs = 10
	cfg.WiFi.ConnectionEnabled = false

	var resets []string
	var mu sync.Mutex
	sys, err := Init(Options{
		Config:     cfg,
		Storage:    storage.NewMemory(),
		ListenAddr: "127.0.0.1:0",
		Resetter: monitor.ResetterFunc(func(reason string) {
			mu.Lock()
			resets = append(resets, reason)
			mu.Unlock()
		}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sys.Start(ctx))
	require.NotNil(t, sys.Monitor)
	assert.Eventually(t, func() bool { return sys.Monitor.Ticks() > 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, sys.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, resets)
	assert.Equal(t, 0, sys.Registry.Len(notify.EasyLinkWPSCompleted))
}
