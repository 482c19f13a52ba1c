package menu

import "micod/internal/syscontext"

// Delegate is implemented by the application to extend the config menu.
type Delegate interface {
	// Report appends application sectors to root. It is called for every
	// read request on a freshly built tree.
	Report(root *SectorArray, ctx *syscontext.Store)

	// Receive applies one written key the framework does not own. value is
	// a string, int, float64 or bool. needReboot asks for a restart once
	// the whole write request has been applied.
	Receive(key string, value any, ctx *syscontext.Store) (needReboot bool, err error)
}

// NopDelegate reports nothing and accepts no keys.
type NopDelegate struct{}

// Report implements Delegate.
func (NopDelegate) Report(*SectorArray, *syscontext.Store) {}

// Receive implements Delegate and reports every key as unknown.
func (NopDelegate) Receive(key string, _ any, _ *syscontext.Store) (bool, error) {
	return false, &UnknownKeyError{Key: key}
}

// UnknownKeyError reports a written key no cell or delegate recognizes.
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return "menu: unknown key " + e.Key
}
