package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Change describes a reloaded configuration.
type Change struct {
	Previous *Config
	Current  *Config
	// Sections lists the top-level sections that differ, by file key.
	Sections []string
}

// liveSections take effect without restarting the daemon.
var liveSections = map[string]bool{"logging": true}

// RestartRequired reports whether any changed section is only read at
// boot.
func (c Change) RestartRequired() bool {
	for _, s := range c.Sections {
		if !liveSections[s] {
			return true
		}
	}
	return false
}

// Loader keeps the configuration file's current contents and reloads it
// when the file changes on disk.
type Loader struct {
	path     string
	debounce time.Duration

	mu       sync.RWMutex
	config   *Config
	onChange []func(Change)

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	errs    chan error
}

// NewLoader returns a loader for path, or for ConfigPath when path is
// empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:     path,
		debounce: 100 * time.Millisecond,
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan error, 1),
	}
}

// Path returns the configuration file path.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file, applies environment overrides and validates the
// result. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Config returns the last configuration that loaded successfully.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers fn to run after every successful reload that changes
// the configuration.
func (l *Loader) OnChange(fn func(Change)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// Errors delivers reload failures. A failure is dropped when the previous
// one has not been received.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch reloads the file whenever it is written or replaced. The
// containing directory is watched so atomic renames are seen.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w

	go l.watch(w)
	return nil
}

func (l *Loader) watch(w *fsnotify.Watcher) {
	name := filepath.Base(l.path)
	timer := time.NewTimer(l.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Has(fsnotify.Write|fsnotify.Create) {
				timer.Reset(l.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.report(err)
		case <-timer.C:
			l.reload()
		}
	}
}

// reload swaps in the file's contents if they validate and differ from the
// current configuration.
func (l *Loader) reload() {
	next, err := l.read()
	if err != nil {
		l.report(fmt.Errorf("reload %s: %w", l.path, err))
		return
	}

	l.mu.Lock()
	prev := l.config
	sections := changedSections(prev, next)
	if len(sections) == 0 {
		l.mu.Unlock()
		return
	}
	l.config = next
	fns := append([]func(Change){}, l.onChange...)
	l.mu.Unlock()

	change := Change{Previous: prev, Current: next, Sections: sections}
	for _, fn := range fns {
		fn(change)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// changedSections compares the top-level sections of a and b. A nil a
// reports every section.
func changedSections(a, b *Config) []string {
	bv := reflect.ValueOf(b).Elem()
	t := bv.Type()

	var out []string
	for i := 0; i < t.NumField(); i++ {
		if a != nil && reflect.DeepEqual(reflect.ValueOf(a).Elem().Field(i).Interface(), bv.Field(i).Interface()) {
			continue
		}
		key, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if key == "" {
			key = strings.ToLower(t.Field(i).Name)
		}
		out = append(out, key)
	}
	return out
}

// loadConfigFromFile decodes path by extension over the defaults. A
// missing file yields the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		_, err = toml.Decode(string(data), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// LoadOrCreate loads path, first writing the defaults there if the file
// does not exist. The bool reports whether the file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	created := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := SaveConfig(DefaultConfig(), path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		created = true
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, created, nil
}

// SaveConfig writes cfg to path in the format implied by the extension,
// through a temporary file and rename.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString("# micod device configuration\n\n")
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
