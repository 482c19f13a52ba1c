package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
)

// Slot framing constants.
const (
	slotMagic   = "MSLT"
	slotVersion = uint32(1)

	// magic(4) + version(4) + generation(8) + length(4)
	slotHeaderSize = 20
	slotTrailer    = 4 // crc32
)

var slotNames = [2]string{"slot-a.bin", "slot-b.bin"}

// File is a dual-slot file backend. Each Save writes the slot that does not
// hold the current image, syncs it and reads it back before the new image is
// considered current. A torn write leaves the other slot intact.
type File struct {
	dir string

	mu         sync.Mutex
	lock       *os.File
	generation uint64
	current    int // index of the slot holding the current image, -1 if none
	closed     bool
}

// OpenFile opens or creates a slot directory. The directory is locked
// exclusively for the life of the File.
func OpenFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	lock, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(lock); err != nil {
		lock.Close()
		return nil, err
	}

	f := &File{dir: dir, lock: lock, current: -1}

	// Establish the current generation so the first Save targets the
	// right slot even if Load is never called.
	if _, err := f.load(); err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrCorrupt) {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Dir returns the slot directory.
func (f *File) Dir() string {
	return f.dir
}

// Load returns the payload of the valid slot with the highest generation.
func (f *File) Load() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}
	return f.load()
}

// load must be called with f.mu held.
func (f *File) load() ([]byte, error) {
	var (
		best     []byte
		bestGen  uint64
		bestSlot = -1
		corrupt  int
	)

	for i, name := range slotNames {
		data, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		gen, payload, err := decodeSlot(data)
		if err != nil {
			corrupt++
			continue
		}
		if bestSlot == -1 || gen > bestGen {
			best, bestGen, bestSlot = payload, gen, i
		}
	}

	if bestSlot == -1 {
		f.current, f.generation = -1, 0
		if corrupt > 0 {
			return nil, ErrCorrupt
		}
		return nil, ErrNotFound
	}

	f.current, f.generation = bestSlot, bestGen
	return best, nil
}

// Save writes data into the inactive slot and makes it current once it
// reads back intact.
func (f *File) Save(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	target := 0
	if f.current == 0 {
		target = 1
	}
	gen := f.generation + 1
	frame := encodeSlot(gen, data)
	path := filepath.Join(f.dir, slotNames[target])

	if err := writeSynced(path, frame); err != nil {
		return err
	}

	readBack, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read back %s: %w", slotNames[target], err)
	}
	if !bytes.Equal(readBack, frame) {
		return fmt.Errorf("%w: %s", ErrVerify, slotNames[target])
	}

	if err := syncDir(f.dir); err != nil {
		return err
	}

	f.current, f.generation = target, gen
	return nil
}

// Generation returns the generation of the current image, 0 if none.
func (f *File) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

// Close releases the directory lock.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	if f.lock != nil {
		unlockFile(f.lock)
		return f.lock.Close()
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open slot: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("write slot: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync slot: %w", err)
	}
	return file.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open storage directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync storage directory: %w", err)
	}
	return nil
}

func encodeSlot(gen uint64, payload []byte) []byte {
	buf := make([]byte, slotHeaderSize+len(payload)+slotTrailer)
	copy(buf[0:4], slotMagic)
	binary.BigEndian.PutUint32(buf[4:8], slotVersion)
	binary.BigEndian.PutUint64(buf[8:16], gen)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(payload)))
	copy(buf[slotHeaderSize:], payload)

	end := slotHeaderSize + len(payload)
	binary.BigEndian.PutUint32(buf[end:], crc32.ChecksumIEEE(buf[:end]))
	return buf
}

func decodeSlot(buf []byte) (uint64, []byte, error) {
	if len(buf) < slotHeaderSize+slotTrailer {
		return 0, nil, ErrCorrupt
	}
	if string(buf[0:4]) != slotMagic {
		return 0, nil, ErrCorrupt
	}
	if binary.BigEndian.Uint32(buf[4:8]) != slotVersion {
		return 0, nil, ErrCorrupt
	}

	gen := binary.BigEndian.Uint64(buf[8:16])
	length := int(binary.BigEndian.Uint32(buf[16:20]))
	if len(buf) != slotHeaderSize+length+slotTrailer {
		return 0, nil, ErrCorrupt
	}

	end := slotHeaderSize + length
	if crc32.ChecksumIEEE(buf[:end]) != binary.BigEndian.Uint32(buf[end:]) {
		return 0, nil, ErrCorrupt
	}

	payload := make([]byte, length)
	copy(payload, buf[slotHeaderSize:end])
	return gen, payload, nil
}
