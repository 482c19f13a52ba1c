package configserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"micod/internal/health"
	"micod/internal/menu"
	"micod/internal/power"
	"micod/internal/storage"
	"micod/internal/syscontext"
)

// lightDelegate is an application exposing a dimmable lamp.
type lightDelegate struct {
	mu       sync.Mutex
	received []string
}

func (d *lightDelegate) Report(root *menu.SectorArray, ctx *syscontext.Store) {
	cells := menu.NewCellList()
	cells, _ = cells.AddNumber("Brightness", int(ctx.UserData()[0]), menu.ReadWrite, 0, 1, 2, 3)
	cells, _ = cells.AddString("Mode", "warm", menu.ReadWrite, "warm", "cold")
	cells, _ = cells.AddFloat("Temperature", 36.5, menu.ReadOnly)
	root.AddSector("Light", cells)
}

func (d *lightDelegate) Receive(key string, value any, ctx *syscontext.Store) (bool, error) {
	d.mu.Lock()
	d.received = append(d.received, key)
	d.mu.Unlock()

	switch key {
	case "Brightness":
		return false, ctx.Mutate(func(_ *syscontext.SystemConfig, user []byte) error {
			user[0] = byte(value.(int))
			return nil
		})
	case "Mode":
		return true, nil
	}
	return false, &menu.UnknownKeyError{Key: key}
}

type fakePower struct {
	states chan power.State
}

func (p *fakePower) Perform(state power.State, _ string) error {
	p.states <- state
	return nil
}

type fixture struct {
	server   *Server
	store    *syscontext.Store
	mem      *storage.Memory
	delegate *lightDelegate
	power    *fakePower
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := storage.NewMemory()
	store, err := syscontext.New(mem, 8, func(user []byte) { user[0] = 1 }, syscontext.Options{
		SystemDefaults: func(sys *syscontext.SystemConfig) {
			sys.Name = "Lamp"
			sys.DHCP = true
		},
	})
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		mem:      mem,
		delegate: &lightDelegate{},
		power:    &fakePower{states: make(chan power.State, 4)},
	}
	checker := health.NewChecker()
	checker.RegisterFunc("storage", true, health.StorageCheck(mem))

	f.server, err = New(Config{
		Addr: "127.0.0.1:0",
		Device: DeviceInfo{
			Manufacturer: "MXCHIP Inc.",
			Model:        "EMW3165",
			Firmware:     "MICO_BASE_1_0",
			Serial:       "1508061104",
			Protocol:     "com.mxchip.basic",
		},
		Store:    store,
		Delegate: f.delegate,
		Power:    f.power,
		Health:   checker,
	})
	require.NoError(t, err)
	f.handler = f.server.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func (f *fixture) expectReboot(t *testing.T) {
	t.Helper()
	select {
	case st := <-f.power.states:
		assert.Equal(t, power.SoftwareReset, st)
	case <-time.After(2 * time.Second):
		t.Fatal("no reboot requested")
	}
}

func (f *fixture) expectNoReboot(t *testing.T) {
	t.Helper()
	select {
	case st := <-f.power.states:
		t.Fatalf("unexpected power change %s", st)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConfigRead(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/config-read", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := uuid.Parse(rec.Header().Get(RequestIDHeader))
	assert.NoError(t, err)

	var resp struct {
		T  string          `json:"T"`
		N  string          `json:"N"`
		C  json.RawMessage `json:"C"`
		PO string          `json:"PO"`
		HD string          `json:"HD"`
		FW string          `json:"FW"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Current Configuration", resp.T)
	assert.Equal(t, "Lamp", resp.N)
	assert.Equal(t, "com.mxchip.basic", resp.PO)
	assert.Equal(t, "EMW3165", resp.HD)
	assert.Equal(t, "MICO_BASE_1_0", resp.FW)

	require.NoError(t, menu.ValidateTree(resp.C))

	var tree menu.SectorArray
	require.NoError(t, json.Unmarshal(resp.C, &tree))
	var names []string
	for _, s := range tree.Sectors() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"Device", "WLAN", "Light"}, names)

	model, ok := tree.Find("Model")
	require.True(t, ok)
	assert.False(t, model.Writable())
	dhcp, ok := tree.Find("DHCP")
	require.True(t, ok)
	assert.Equal(t, true, dhcp.Value())
	bright, ok := tree.Find("Brightness")
	require.True(t, ok)
	assert.Equal(t, 1, bright.Value())
}

func TestWriteCredentialsReboots(t *testing.T) {
	f := newFixture(t)
	saves := f.mem.Saves()

	rec := f.do(t, http.MethodPost, "/config-write",
		`{"Device Name":"Desk Lamp","Wi-Fi":"home","Password":"correct horse"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp writeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"Device Name", "Wi-Fi", "Password"}, resp.Applied)
	assert.True(t, resp.Reboot)

	sys := f.store.System()
	assert.Equal(t, "Desk Lamp", sys.Name)
	assert.Equal(t, "home", sys.SSID)
	assert.Equal(t, "correct horse", sys.UserKey)
	assert.Len(t, sys.Key, syscontext.MaxKeyLen)
	assert.True(t, sys.Configured)
	assert.Equal(t, saves+1, f.mem.Saves())

	f.expectReboot(t)
}

func TestWriteDelegateKey(t *testing.T) {
	f := newFixture(t)
	saves := f.mem.Saves()

	rec := f.do(t, http.MethodPost, "/config-write", `{"Brightness":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, byte(3), f.store.UserData()[0])
	assert.Equal(t, saves+1, f.mem.Saves(), "delegate changes are persisted")
	f.expectNoReboot(t)

	rec = f.do(t, http.MethodPost, "/config-write", `{"Mode":"cold"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	f.expectReboot(t)
}

func TestWriteRejectsReadOnly(t *testing.T) {
	f := newFixture(t)

	for _, key := range []string{"Model", "Channel", "Temperature"} {
		t.Run(key, func(t *testing.T) {
			body, _ := json.Marshal(map[string]any{key: "x"})
			rec := f.do(t, http.MethodPost, "/config-write", string(body))
			require.Equal(t, http.StatusForbidden, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, key, resp.Key)
		})
	}
}

func TestWriteAppliesInOrderAndStopsAtFirstError(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/config-write",
		`{"Device Name":"Renamed","Brightness":2,"Model":"x","Mode":"cold"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	assert.Empty(t, f.delegate.received, "keys are checked before any is applied")
	assert.Equal(t, "Lamp", f.store.System().Name, "staged system changes are dropped")
	f.expectNoReboot(t)
}

func TestRejectedWriteLeavesRecordUnchanged(t *testing.T) {
	tests := map[string]struct {
		body   string
		status int
	}{
		"read-only after delegate key": {`{"Brightness":3,"Manufacturer":"x"}`, http.StatusForbidden},
		"unknown after delegate key":   {`{"Brightness":3,"Volume":1}`, http.StatusBadRequest},
		"bad password after delegate":  {`{"Brightness":3,"Password":"abc"}`, http.StatusBadRequest},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			saves := f.mem.Saves()

			rec := f.do(t, http.MethodPost, "/config-write", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, byte(1), f.store.UserData()[0])
			assert.Equal(t, saves, f.mem.Saves())

			require.NoError(t, f.store.Update())
			data, err := f.mem.Load()
			require.NoError(t, err)
			_, user, err := syscontext.DecodeImage(data)
			require.NoError(t, err)
			assert.Equal(t, byte(1), user[0], "later updates do not persist the rejected write")
		})
	}
}

func TestWriteBadValues(t *testing.T) {
	tests := map[string]string{
		"malformed":        `{"Device Name":`,
		"array body":       `[]`,
		"empty object":     `{}`,
		"nested value":     `{"Device Name":{"a":1}}`,
		"null value":       `{"Device Name":null}`,
		"wrong type":       `{"DHCP":"yes"}`,
		"not an integer":   `{"Brightness":1.5}`,
		"not in selection": `{"Brightness":9}`,
		"bad selection":    `{"Mode":"blue"}`,
		"bad address":      `{"IP address":"300.1.1.1"}`,
		"ipv6 address":     `{"Gateway":"fe80::1"}`,
		"short password":   `{"Password":"abc"}`,
		"long name":        `{"Device Name":"` + strings.Repeat("n", syscontext.MaxNameLen+1) + `"}`,
		"unknown key":      `{"Volume":3}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			before := f.store.System()

			rec := f.do(t, http.MethodPost, "/config-write", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, before.Name, f.store.System().Name)
			assert.Equal(t, before.SSID, f.store.System().SSID)
		})
	}
}

func TestWriteStaticAddress(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/config-write",
		`{"DHCP":false,"IP address":"192.168.1.50","Net Mask":"255.255.255.0","Gateway":"192.168.1.1","DNS Server":""}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sys := f.store.System()
	assert.False(t, sys.DHCP)
	assert.Equal(t, "192.168.1.50", sys.IP.String())
	assert.Equal(t, "255.255.255.0", sys.Netmask.String())
	assert.Equal(t, "192.168.1.1", sys.Gateway.String())
	assert.False(t, sys.DNS.IsValid())
	f.expectReboot(t)
}

func TestWriteMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/config-write", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequestIDPassthrough(t *testing.T) {
	f := newFixture(t)
	id := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/config-read", nil)
	req.Header.Set(RequestIDHeader, id)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Header().Get(RequestIDHeader))

	req.Header.Set(RequestIDHeader, "not-a-uuid")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid", rec.Header().Get(RequestIDHeader))
}

func TestHealthRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp health.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, health.StatusHealthy, resp.Status)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.server.Start())
	assert.True(t, f.server.Running())
	assert.ErrorIs(t, f.server.Start(), ErrAlreadyRunning)

	resp, err := http.Get("http://" + f.server.Addr().String() + "/config-read")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.Stop(ctx))
	assert.Nil(t, f.server.Addr())
	assert.ErrorIs(t, f.server.Stop(ctx), ErrNotRunning)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
