package storage

import "sync"

// Memory is a volatile backend for tests and diskless runs.
type Memory struct {
	mu    sync.Mutex
	data  []byte
	saves int
	fault error
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{}
}

// Load returns a copy of the stored image.
func (m *Memory) Load() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fault != nil {
		return nil, m.fault
	}
	if m.data == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), m.data...), nil
}

// Save stores a copy of data.
func (m *Memory) Save(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fault != nil {
		return m.fault
	}
	m.data = append([]byte{}, data...)
	m.saves++
	return nil
}

// SetFault makes every following Load and Save fail with err. A nil err
// clears the fault.
func (m *Memory) SetFault(err error) {
	m.mu.Lock()
	m.fault = err
	m.mu.Unlock()
}

// Saves returns the number of successful saves.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Close implements Backend.
func (m *Memory) Close() error { return nil }
