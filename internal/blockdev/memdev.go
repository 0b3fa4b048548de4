package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrPowerLoss is returned by a MemDevice write interrupted by a simulated power cut.
var ErrPowerLoss = errors.New("simulated power loss")

// MemDevice is an in-memory device.
type MemDevice struct {
	mu   sync.Mutex
	data []byte
	// budget is the number of bytes still accepted before the power cut; negative means unlimited.
	budget int64

	// OnWrite is called after every WriteAt with the range actually stored.
	OnWrite func(off int64, n int)
}

// NewMemDevice creates a zero-filled device of size bytes.
func NewMemDevice(size int) *MemDevice {
	return &MemDevice{data: make([]byte, size), budget: -1}
}

// ReadAt implements io.ReaderAt.
func (m *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt implements io.WriterAt. Writing past the end fails with ENOSPC
// semantics like a full block device.
func (m *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off > int64(len(m.data)) {
		return 0, fmt.Errorf("write at %d: %w", off, os.ErrInvalid)
	}

	want := p
	if room := int64(len(m.data)) - off; int64(len(want)) > room {
		want = want[:room]
	}

	var cut bool
	if m.budget >= 0 && int64(len(want)) > m.budget {
		want = want[:m.budget]
		cut = true
	}

	n := copy(m.data[off:], want)
	if m.budget >= 0 {
		m.budget -= int64(n)
	}

	if m.OnWrite != nil && n > 0 {
		m.OnWrite(off, n)
	}

	switch {
	case cut:
		return n, ErrPowerLoss
	case n < len(p):
		return n, io.ErrShortWrite
	default:
		return n, nil
	}
}

// CutPowerAfter makes the device accept only n more bytes. Negative n restores power.
func (m *MemDevice) CutPowerAfter(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.budget = n
}

// Bytes returns a copy of the device contents.
func (m *MemDevice) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]byte(nil), m.data...)
}

// Sync is a no-op.
func (m *MemDevice) Sync() error { return nil }

// Close is a no-op; the contents survive for the next open.
func (m *MemDevice) Close() error { return nil }

// Size returns the device capacity.
func (m *MemDevice) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.data)), nil
}

// MemOpener returns an Opener serving devices from a fixed table.
func MemOpener(devices map[string]*MemDevice) Opener {
	return func(path string) (Device, error) {
		d, ok := devices[path]
		if !ok {
			return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
		}

		return d, nil
	}
}
