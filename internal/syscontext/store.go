// Package syscontext owns the single persisted configuration record of the
// device: framework-owned system fields plus an opaque application segment
// of fixed size.
//
// The record is loaded once at boot by Init. Subsystems read and change it
// through the Store, and call Update to persist it.
package syscontext

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"micod/internal/logging"
	"micod/internal/storage"
)

// Errors
var (
	ErrNotInitialized  = errors.New("syscontext: not initialized")
	ErrStorageFault    = errors.New("syscontext: storage fault")
	ErrInvalidArgument = errors.New("syscontext: invalid argument")
	ErrCorruptImage    = errors.New("syscontext: corrupt image")
)

// MaxUserSize bounds the application segment.
const MaxUserSize = 64 * 1024

// DefaultsFunc populates the application segment with factory defaults. The
// segment is zeroed before the call.
type DefaultsFunc func(user []byte)

// SystemDefaultsFunc populates the system fields with factory defaults. The
// config is zeroed before the call.
type SystemDefaultsFunc func(sys *SystemConfig)

// LoadResult describes how Init obtained the record.
type LoadResult int

const (
	// LoadedImage means a valid image was read from storage.
	LoadedImage LoadResult = iota
	// LoadedDefaults means no image existed and defaults were applied.
	LoadedDefaults
	// RecoveredCorrupt means the stored image was unreadable and defaults
	// were applied.
	RecoveredCorrupt
	// ResizedUser means the image was valid but its application segment had
	// a different size; system fields were kept and the segment was reset.
	ResizedUser
)

func (r LoadResult) String() string {
	switch r {
	case LoadedImage:
		return "loaded"
	case LoadedDefaults:
		return "defaults"
	case RecoveredCorrupt:
		return "recovered_corrupt"
	case ResizedUser:
		return "resized_user"
	default:
		return "unknown"
	}
}

// Options configures a Store.
type Options struct {
	// SystemDefaults populates system fields on first boot and restore.
	SystemDefaults SystemDefaultsFunc
	// Logger defaults to the "syscontext" component logger.
	Logger *slog.Logger
}

// Store is the live context record.
type Store struct {
	mu       sync.RWMutex
	sys      SystemConfig
	user     []byte
	storage  storage.Storage
	defaults DefaultsFunc
	sysDef   SystemDefaultsFunc
	logger   *slog.Logger
	result   LoadResult
}

var current atomic.Pointer[Store]

// Init creates the record, installs it as the process context and returns
// it. Calling Init again replaces the process context.
func Init(st storage.Storage, userSize int, defaults DefaultsFunc, opts Options) (*Store, error) {
	s, err := New(st, userSize, defaults, opts)
	if err != nil {
		return nil, err
	}
	current.Store(s)
	return s, nil
}

// Get returns the process context installed by Init.
func Get() (*Store, error) {
	s := current.Load()
	if s == nil {
		return nil, ErrNotInitialized
	}
	return s, nil
}

// New creates a record without installing it as the process context. It
// loads the durable image, or populates defaults and persists them.
func New(st storage.Storage, userSize int, defaults DefaultsFunc, opts Options) (*Store, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: nil storage", ErrInvalidArgument)
	}
	if userSize < 0 || userSize > MaxUserSize {
		return nil, fmt.Errorf("%w: user size %d out of range", ErrInvalidArgument, userSize)
	}

	s := &Store{
		user:     make([]byte, userSize),
		storage:  st,
		defaults: defaults,
		sysDef:   opts.SystemDefaults,
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = logging.Component("syscontext")
	}

	data, err := st.Load()
	switch {
	case err == nil:
		s.result = s.adopt(data)
	case errors.Is(err, storage.ErrNotFound):
		s.result = LoadedDefaults
		s.applyDefaults(false)
	case errors.Is(err, storage.ErrCorrupt):
		s.logger.Warn("stored context unreadable, using defaults", "error", err)
		s.result = RecoveredCorrupt
		s.applyDefaults(false)
	default:
		return nil, fmt.Errorf("%w: load: %w", ErrStorageFault, err)
	}

	if s.result == LoadedImage {
		s.sys.BootCount++
	}

	// A failed save still leaves a usable in-memory record; the next
	// Update retries.
	if err := s.persist(); err != nil {
		s.logger.Error("persist context failed", "error", err, "result", s.result.String())
	}

	s.logger.Info("context initialized",
		"result", s.result.String(),
		"user_size", userSize,
		"configured", s.sys.Configured,
		"boot_count", s.sys.BootCount,
	)
	return s, nil
}

// adopt installs a decoded image and reports how it was used.
func (s *Store) adopt(data []byte) LoadResult {
	sys, user, err := decodeImage(data)
	if err != nil {
		s.logger.Warn("stored context rejected, using defaults", "error", err)
		s.applyDefaults(false)
		return RecoveredCorrupt
	}

	s.sys = sys
	if len(user) != len(s.user) {
		s.logger.Warn("application segment size changed, resetting it",
			"stored", len(user), "declared", len(s.user))
		s.resetUser()
		return ResizedUser
	}
	copy(s.user, user)
	return LoadedImage
}

// applyDefaults must be called with s.mu held or before s is shared.
func (s *Store) applyDefaults(keepCounters bool) {
	boot := s.sys.BootCount
	s.sys = SystemConfig{}
	if s.sysDef != nil {
		s.sysDef(&s.sys)
	}
	if keepCounters {
		s.sys.BootCount = boot
	}
	s.resetUser()
}

func (s *Store) resetUser() {
	clear(s.user)
	if s.defaults != nil {
		s.defaults(s.user)
	}
}

// persist must be called with s.mu held or before s is shared.
func (s *Store) persist() error {
	data, err := encodeImage(&s.sys, s.user)
	if err != nil {
		return err
	}
	if err := s.storage.Save(data); err != nil {
		return fmt.Errorf("%w: save: %w", ErrStorageFault, err)
	}
	return nil
}

// LoadResult reports how Init obtained the record.
func (s *Store) LoadResult() LoadResult {
	return s.result
}

// UserSize returns the size of the application segment.
func (s *Store) UserSize() int {
	return len(s.user)
}

// UserData returns the live application segment. Writes through the slice
// change the record directly; use Mutate when other goroutines may access it
// concurrently.
func (s *Store) UserData() []byte {
	return s.user
}

// System returns a copy of the system fields.
func (s *Store) System() SystemConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sys.Clone()
}

// View calls fn with a consistent snapshot of the record under the read
// lock. fn must not retain or modify user.
func (s *Store) View(fn func(sys SystemConfig, user []byte)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.sys.Clone(), s.user)
}

// Mutate changes the record under the write lock without persisting it. If
// fn returns an error the record is restored to its previous state.
func (s *Store) Mutate(fn func(sys *SystemConfig, user []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(fn)
}

func (s *Store) mutate(fn func(sys *SystemConfig, user []byte) error) error {
	prevSys := s.sys.Clone()
	prevUser := append([]byte(nil), s.user...)

	if err := fn(&s.sys, s.user); err != nil {
		s.sys = prevSys
		copy(s.user, prevUser)
		return err
	}
	if err := s.sys.Validate(); err != nil {
		s.sys = prevSys
		copy(s.user, prevUser)
		return err
	}
	return nil
}

// Commit applies fn and persists the result as one step. On a storage
// fault the in-memory change is kept and the error is returned.
func (s *Store) Commit(fn func(sys *SystemConfig, user []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutate(fn); err != nil {
		return err
	}
	return s.update()
}

// Update persists the current record.
func (s *Store) Update() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update()
}

func (s *Store) update() error {
	s.sys.Seq++
	if err := s.persist(); err != nil {
		s.sys.Seq--
		return err
	}
	return nil
}

// Restore resets system fields and the application segment to factory
// defaults and persists them. The boot counter survives.
func (s *Store) Restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyDefaults(true)
	if err := s.persist(); err != nil {
		return err
	}
	s.logger.Info("context restored to defaults")
	return nil
}

// Snapshot is a copy of the record taken by Store.Snapshot.
type Snapshot struct {
	sys  SystemConfig
	user []byte
}

// Snapshot copies the record so a change spanning several calls can be
// undone with Revert.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{sys: s.sys.Clone(), user: append([]byte(nil), s.user...)}
}

// Revert puts back the record captured by snap. If the record was persisted
// since the snapshot, the reverted record is persisted again so storage does
// not keep the abandoned change.
func (s *Store) Revert(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.sys.Seq
	s.sys = snap.sys.Clone()
	s.sys.Seq = seq
	copy(s.user, snap.user)
	if seq == snap.sys.Seq {
		return nil
	}
	return s.update()
}

// Image returns the serialized record as it would be persisted.
func (s *Store) Image() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return encodeImage(&s.sys, s.user)
}

// DecodeImage parses a durable image, for inspection tools.
func DecodeImage(data []byte) (SystemConfig, []byte, error) {
	return decodeImage(data)
}
