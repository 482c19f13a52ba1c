package syscontext

import (
	"bytes"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"micod/internal/storage"
)

func fillFF(user []byte) {
	for i := range user {
		user[i] = 0xFF
	}
}

func sysDefaults(sys *SystemConfig) {
	sys.Name = "MiCO Device"
	sys.DHCP = true
}

func newStore(t *testing.T, st storage.Storage, size int) *Store {
	t.Helper()
	s, err := New(st, size, fillFF, Options{SystemDefaults: sysDefaults})
	require.NoError(t, err)
	return s
}

// =============================================================================
// Init / Get
// =============================================================================

func TestGetBeforeInit(t *testing.T) {
	current.Store(nil)
	t.Cleanup(func() { current.Store(nil) })

	_, err := Get()
	assert.ErrorIs(t, err, ErrNotInitialized)

	s, err := Init(storage.NewMemory(), 4, nil, Options{})
	require.NoError(t, err)

	got, err := Get()
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestInitUserSegmentSizes(t *testing.T) {
	for _, size := range []int{0, 1, 16, 255, 4096} {
		var calls int
		var seen int
		s, err := New(storage.NewMemory(), size, func(user []byte) {
			calls++
			seen = len(user)
			for _, b := range user {
				require.Zero(t, b, "segment must be zeroed before defaults")
			}
			fillFF(user)
		}, Options{})
		require.NoError(t, err)

		assert.Equal(t, 1, calls)
		assert.Equal(t, size, seen)
		assert.Len(t, s.UserData(), size)
		assert.Equal(t, bytes.Repeat([]byte{0xFF}, size), s.UserData())
		assert.Equal(t, LoadedDefaults, s.LoadResult())
	}
}

func TestInitRejectsBadArguments(t *testing.T) {
	_, err := New(nil, 16, nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(storage.NewMemory(), -1, nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(storage.NewMemory(), MaxUserSize+1, nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFirstBootScenario(t *testing.T) {
	st := storage.NewMemory()

	s := newStore(t, st, 16)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 16), s.UserData())
	require.NoError(t, s.Update())

	var calls int
	again, err := New(st, 16, func([]byte) { calls++ }, Options{})
	require.NoError(t, err)

	assert.Zero(t, calls, "defaults must not run when an image exists")
	assert.Equal(t, LoadedImage, again.LoadResult())
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 16), again.UserData())
	assert.Equal(t, "MiCO Device", again.System().Name)
}

func TestInitStorageFault(t *testing.T) {
	st := storage.NewMemory()
	st.SetFault(errors.New("bus error"))

	_, err := New(st, 16, fillFF, Options{})
	assert.ErrorIs(t, err, ErrStorageFault)
}

func TestInitSaveFailureKeepsDefaults(t *testing.T) {
	st := &failingSave{Memory: storage.NewMemory()}

	s, err := New(st, 8, fillFF, Options{})
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 8), s.UserData())

	assert.ErrorIs(t, s.Update(), ErrStorageFault)
}

func TestInitCorruptImageFallsBack(t *testing.T) {
	st := storage.NewMemory()
	require.NoError(t, st.Save([]byte("not a context image")))

	s := newStore(t, st, 8)
	assert.Equal(t, RecoveredCorrupt, s.LoadResult())
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 8), s.UserData())

	// The recovered defaults were persisted.
	reloaded := newStore(t, st, 8)
	assert.Equal(t, LoadedImage, reloaded.LoadResult())
}

func TestInitResizedUserKeepsSystem(t *testing.T) {
	st := storage.NewMemory()
	s := newStore(t, st, 8)
	require.NoError(t, s.Commit(func(sys *SystemConfig, _ []byte) error {
		sys.SSID = "home"
		sys.Configured = true
		return nil
	}))

	resized := newStore(t, st, 32)
	assert.Equal(t, ResizedUser, resized.LoadResult())
	assert.Len(t, resized.UserData(), 32)
	assert.Equal(t, "home", resized.System().SSID)
	assert.True(t, resized.System().Configured)
}

func TestBootCount(t *testing.T) {
	st := storage.NewMemory()
	newStore(t, st, 4)
	newStore(t, st, 4)
	s := newStore(t, st, 4)
	assert.Equal(t, uint32(2), s.System().BootCount)
}

// =============================================================================
// Update / Restore
// =============================================================================

func TestUpdatePersistsUserWrites(t *testing.T) {
	st := storage.NewMemory()
	s := newStore(t, st, 4)

	copy(s.UserData(), []byte{1, 2, 3, 4})
	require.NoError(t, s.Update())

	reloaded := newStore(t, st, 4)
	assert.Equal(t, []byte{1, 2, 3, 4}, reloaded.UserData())
	assert.Equal(t, uint32(1), reloaded.System().Seq)
}

func TestUpdateFaultRollsBackSeq(t *testing.T) {
	st := storage.NewMemory()
	s := newStore(t, st, 4)

	st.SetFault(errors.New("flash worn out"))
	err := s.Update()
	assert.ErrorIs(t, err, ErrStorageFault)
	assert.Zero(t, s.System().Seq)

	st.SetFault(nil)
	require.NoError(t, s.Update())
	assert.Equal(t, uint32(1), s.System().Seq)
}

func TestRestoreIdempotent(t *testing.T) {
	st := storage.NewMemory()
	s := newStore(t, st, 16)

	require.NoError(t, s.Commit(func(sys *SystemConfig, user []byte) error {
		sys.SSID = "office"
		sys.UserKey = "secret-pass"
		sys.Configured = true
		copy(user, "application data")
		return nil
	}))

	require.NoError(t, s.Restore())
	once, err := st.Load()
	require.NoError(t, err)

	require.NoError(t, s.Restore())
	twice, err := st.Load()
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Empty(t, s.System().SSID)
	assert.False(t, s.System().Configured)
	assert.Equal(t, "MiCO Device", s.System().Name)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 16), s.UserData())
}

func TestAtomicUpdateAcrossPowerLoss(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ctx")
	f, err := storage.OpenFile(dir)
	require.NoError(t, err)

	s := newStore(t, f, 8)
	copy(s.UserData(), "prevprev")
	require.NoError(t, s.Update())
	pre, err := s.Image()
	require.NoError(t, err)

	copy(s.UserData(), "nextnext")
	require.NoError(t, s.Update())
	post, err := s.Image()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Saves went defaults -> slot-a, "prevprev" -> slot-b, "nextnext" ->
	// slot-a, so slot-a holds the newest image.
	tearSlot(t, filepath.Join(dir, "slot-a.bin"))

	f, err = storage.OpenFile(dir)
	require.NoError(t, err)
	defer f.Close()

	data, err := f.Load()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, pre) || bytes.Equal(data, post),
		"reloaded image must be the pre- or post-update image")
	_, user, err := DecodeImage(data)
	require.NoError(t, err)
	assert.Equal(t, []byte("prevprev"), user)
}

// =============================================================================
// Mutate / View
// =============================================================================

func TestMutateRollsBackOnError(t *testing.T) {
	s := newStore(t, storage.NewMemory(), 4)

	boom := errors.New("rejected")
	err := s.Mutate(func(sys *SystemConfig, user []byte) error {
		sys.SSID = "partial"
		user[0] = 0
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.System().SSID)
	assert.Equal(t, byte(0xFF), s.UserData()[0])
}

func TestMutateValidatesLimits(t *testing.T) {
	s := newStore(t, storage.NewMemory(), 4)

	err := s.Mutate(func(sys *SystemConfig, _ []byte) error {
		sys.SSID = "this ssid is definitely longer than 32 bytes"
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, s.System().SSID)
}

func TestViewIsSnapshot(t *testing.T) {
	s := newStore(t, storage.NewMemory(), 4)
	require.NoError(t, s.Mutate(func(sys *SystemConfig, _ []byte) error {
		sys.Key = []byte{1, 2, 3}
		return nil
	}))

	s.View(func(sys SystemConfig, user []byte) {
		sys.Key[0] = 9
		assert.Len(t, user, 4)
	})
	assert.Equal(t, []byte{1, 2, 3}, s.System().Key)
}

func TestRevertRestoresMemory(t *testing.T) {
	st := storage.NewMemory()
	s := newStore(t, st, 4)
	snap := s.Snapshot()
	saves := st.Saves()

	require.NoError(t, s.Mutate(func(sys *SystemConfig, user []byte) error {
		sys.Name = "Changed"
		user[0] = 7
		return nil
	}))
	require.NoError(t, s.Revert(snap))

	assert.Equal(t, "MiCO Device", s.System().Name)
	assert.Equal(t, byte(0xFF), s.UserData()[0])
	assert.Equal(t, saves, st.Saves(), "nothing was persisted, nothing to undo")
}

func TestRevertUndoesPersistedChange(t *testing.T) {
	st := storage.NewMemory()
	s := newStore(t, st, 4)
	snap := s.Snapshot()

	s.UserData()[0] = 7
	require.NoError(t, s.Update())
	require.NoError(t, s.Revert(snap))

	assert.Equal(t, uint32(2), s.System().Seq, "sequence keeps moving forward")
	reloaded := newStore(t, st, 4)
	assert.Equal(t, byte(0xFF), reloaded.UserData()[0])
}

// =============================================================================
// Image codec
// =============================================================================

func TestImageRoundTrip(t *testing.T) {
	sys := SystemConfig{
		Name:         "Plug",
		SSID:         "home",
		UserKey:      "hunter22",
		Key:          bytes.Repeat([]byte{0xAB}, 32),
		BSSID:        [6]byte{0xc8, 0x93, 0x46, 0x00, 0x11, 0x22},
		Channel:      11,
		Security:     SecurityWPA2AES,
		IP:           netip.MustParseAddr("192.168.1.20"),
		Netmask:      netip.MustParseAddr("255.255.255.0"),
		Gateway:      netip.MustParseAddr("192.168.1.1"),
		DNS:          netip.MustParseAddr("8.8.8.8"),
		ConfigSource: SourceEasyLinkPlus,
		Configured:   true,
		BootCount:    3,
		Seq:          42,
	}
	user := []byte("user segment")

	data, err := encodeImage(&sys, user)
	require.NoError(t, err)

	gotSys, gotUser, err := decodeImage(data)
	require.NoError(t, err)
	assert.Equal(t, sys, gotSys)
	assert.Equal(t, user, gotUser)
	assert.Equal(t, "c8:93:46:00:11:22", gotSys.BSSIDString())
}

func TestImageRejectsDamage(t *testing.T) {
	data, err := encodeImage(&SystemConfig{Name: "x"}, []byte{1, 2})
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[imageHeaderSize+1] ^= 1
	_, _, err = decodeImage(flipped)
	assert.ErrorIs(t, err, ErrCorruptImage)

	_, _, err = decodeImage(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrCorruptImage)

	_, _, err = decodeImage([]byte("MICO"))
	assert.ErrorIs(t, err, ErrCorruptImage)
}

func TestImageRejectsIPv6(t *testing.T) {
	_, err := encodeImage(&SystemConfig{IP: netip.MustParseAddr("::1")}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestValidateRejectsUnencodableValues(t *testing.T) {
	tests := map[string]SystemConfig{
		"nul in name":       {Name: "lamp\x00kitchen"},
		"nul in ssid":       {SSID: "home\x00"},
		"nul in passphrase": {UserKey: "pass\x00word"},
		"unspecified ip":    {IP: netip.IPv4Unspecified()},
		"unspecified dns":   {DNS: netip.MustParseAddr("0.0.0.0")},
	}
	for name, sys := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, sys.Validate(), ErrInvalidArgument)
			_, err := encodeImage(&sys, nil)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "airkiss", SourceAirKiss.String())
	assert.Equal(t, "ConfigSource(99)", ConfigSource(99).String())
	assert.Equal(t, "wpa2_mixed", SecurityWPA2Mixed.String())

	src, err := ParseConfigSource("soft_ap")
	require.NoError(t, err)
	assert.Equal(t, SourceSoftAP, src)

	_, err = ParseConfigSource("bluetooth")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// =============================================================================
// Helpers
// =============================================================================

type failingSave struct {
	*storage.Memory
}

func (f *failingSave) Save([]byte) error {
	return errors.New("write protect")
}

// tearSlot truncates a slot file as a power cut mid-write would.
func tearSlot(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0600))
}
