package blockdev

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Device is a random access storage device.
type Device interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Sync flushes written data to stable storage.
	Sync() error
	// Size returns the device capacity in bytes.
	Size() (int64, error)
}

// Opener opens a device by path.
type Opener func(path string) (Device, error)

// Open opens a block device or a regular file for reading and writing.
func Open(path string) (Device, error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	return &fileDevice{File: f}, nil
}

// OpenReadOnly opens a device for reading; writes fail.
func OpenReadOnly(path string) (Device, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	return &fileDevice{File: f}, nil
}

// fileDevice is a Device backed by an *os.File.
type fileDevice struct {
	*os.File
}

// Sync flushes file data without forcing a metadata update.
func (d *fileDevice) Sync() error {
	if err := unix.Fdatasync(int(d.Fd())); err != nil {
		return fmt.Errorf("fdatasync %s: %w", d.Name(), err)
	}

	return nil
}

// Size seeks to the end, which works for block devices where Stat reports zero.
func (d *fileDevice) Size() (int64, error) {
	size, err := d.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("size of %s: %w", d.Name(), err)
	}

	return size, nil
}
