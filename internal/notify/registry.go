// Package notify is the typed event bus between drivers and application
// code.
//
// Each Kind fixes the payload type its listeners receive. Listeners for a
// kind run synchronously on the emitting goroutine, in registration order.
// A listener that panics is recovered and logged; delivery continues with
// the next listener.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"micod/internal/logging"
)

// Errors
var (
	ErrNotFound        = errors.New("notify: registration not found")
	ErrPayloadMismatch = errors.New("notify: payload type does not match kind")
	ErrUnknownKind     = errors.New("notify: unknown kind")
)

// Handle identifies one registration.
type Handle struct {
	kind ID
	id   uint64
}

// Kind returns the kind the handle was registered for.
func (h Handle) Kind() ID { return h.kind }

type listener struct {
	id   uint64
	call func(any)
}

// Stats holds delivery counters.
type Stats struct {
	Emitted   uint64
	Delivered uint64
	Panics    uint64
}

// Registry maps kinds to ordered listener lists.
type Registry struct {
	mu        sync.RWMutex
	listeners map[ID][]listener
	nextID    uint64
	logger    *slog.Logger

	emitted   atomic.Uint64
	delivered atomic.Uint64
	panics    atomic.Uint64
}

// NewRegistry returns an empty registry. A nil logger uses the "notify"
// component logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.Component("notify")
	}
	return &Registry{
		listeners: make(map[ID][]listener),
		logger:    logger,
	}
}

// Register appends fn to the listeners of k.
func Register[P any](r *Registry, k Kind[P], fn func(P)) Handle {
	return r.add(k.id, func(v any) { fn(v.(P)) })
}

func (r *Registry) add(kind ID, call func(any)) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	l := listener{id: r.nextID, call: call}

	// Copy on write: emitters iterate the old slice without holding the lock.
	old := r.listeners[kind]
	next := make([]listener, len(old), len(old)+1)
	copy(next, old)
	r.listeners[kind] = append(next, l)

	return Handle{kind: kind, id: l.id}
}

// Remove removes the registration identified by h from k.
func (r *Registry) Remove(k AnyKind, h Handle) error {
	if h.kind != k.ID() {
		return ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.listeners[h.kind]
	for i := len(old) - 1; i >= 0; i-- {
		if old[i].id != h.id {
			continue
		}
		next := make([]listener, 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		if len(next) == 0 {
			delete(r.listeners, h.kind)
		} else {
			r.listeners[h.kind] = next
		}
		return nil
	}
	return ErrNotFound
}

// RemoveAll removes every listener of k.
func (r *Registry) RemoveAll(k AnyKind) {
	r.mu.Lock()
	delete(r.listeners, k.ID())
	r.mu.Unlock()
}

// Len returns the number of listeners registered for k.
func (r *Registry) Len(k AnyKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[k.ID()])
}

// Emit delivers payload to every listener of k and returns the number of
// listeners that returned normally.
func Emit[P any](r *Registry, k Kind[P], payload P) int {
	return r.deliver(k.id, payload)
}

// EmitAny delivers an untyped payload, for callers that only know the kind
// at run time. The payload's dynamic type must be the kind's payload type.
func (r *Registry) EmitAny(kind ID, payload any) (int, error) {
	info, ok := kinds[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if reflect.TypeOf(payload) != info.payload {
		return 0, fmt.Errorf("%w: %s wants %s, got %T", ErrPayloadMismatch, info.name, info.payload, payload)
	}
	return r.deliver(kind, payload), nil
}

func (r *Registry) deliver(kind ID, payload any) int {
	r.mu.RLock()
	snapshot := r.listeners[kind]
	r.mu.RUnlock()

	r.emitted.Add(1)

	ok := 0
	for _, l := range snapshot {
		if r.invoke(kind, l, payload) {
			ok++
		}
	}
	r.delivered.Add(uint64(ok))
	return ok
}

func (r *Registry) invoke(kind ID, l listener, payload any) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			r.logger.Error("listener panicked",
				"kind", kind.String(),
				"listener", l.id,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			ok = false
		}
	}()
	l.call(payload)
	return true
}

// Stats returns the delivery counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Emitted:   r.emitted.Load(),
		Delivered: r.delivered.Load(),
		Panics:    r.panics.Load(),
	}
}
