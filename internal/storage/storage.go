// Package storage provides the durable backends that hold the persisted
// device context.
//
// A backend stores exactly one opaque image. Save must be atomic with
// respect to power loss: after a crash during Save, Load returns either the
// previous image or the new one, never a mix of both.
package storage

import (
	"errors"
	"fmt"
	"io"
)

// Errors
var (
	ErrNotFound = errors.New("storage: no image stored")
	ErrCorrupt  = errors.New("storage: stored image is corrupt")
	ErrLocked   = errors.New("storage: held by another process")
	ErrClosed   = errors.New("storage: closed")
	ErrVerify   = errors.New("storage: read-back verification failed")
)

// Storage is the durable storage contract used by the context store.
type Storage interface {
	// Load returns the most recent valid image or ErrNotFound.
	Load() ([]byte, error)

	// Save durably replaces the stored image.
	Save(data []byte) error
}

// Backend is a Storage that owns resources.
type Backend interface {
	Storage
	io.Closer
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open opens the named backend at path.
func Open(backend, path string) (Backend, error) {
	switch backend {
	case BackendFile, "":
		return OpenFile(path)
	case BackendSQLite:
		return OpenSQLite(path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

// ReadImage returns the stored image without taking ownership of the
// backend, so it works while a daemon holds it open. The file backend is
// read without the directory lock; a slot torn by a concurrent Save fails
// its checksum and the other slot is used.
func ReadImage(backend, path string) ([]byte, error) {
	switch backend {
	case BackendFile, "":
		f := &File{dir: path, current: -1}
		return f.load()
	case BackendMemory:
		return nil, ErrNotFound
	}

	b, err := Open(backend, path)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return b.Load()
}
