package bootenv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oshokin/abota/internal/blockdev"
	"github.com/oshokin/abota/internal/logger"
	"github.com/oshokin/abota/internal/metrics"
)

// ErrBootloaderUnsupported is returned when the environment regions are
// missing or cannot be accessed, i.e. the bootloader does not keep a
// redundant environment where the configuration says it does.
var ErrBootloaderUnsupported = errors.New("bootloader environment is not available")

// errRegionSizes is returned when the two copies differ in size.
var errRegionSizes = errors.New("environment regions must have the same size")

// Region locates one environment copy.
type Region struct {
	// Device is the path of the device holding the copy.
	Device string
	// Offset is the byte offset of the copy on Device.
	Offset int64
	// Size is the size of the copy.
	Size int64
}

// Snapshot is the environment as read from the devices.
type Snapshot struct {
	Resolution

	// Checksums are the stored checksums of both copies.
	Checksums [2]uint32
}

// Store reads and writes the environment on two regions.
// Transactions within one process are serialized.
type Store struct {
	mu       sync.Mutex
	regions  [2]Region
	defaults Env
	// open is used for writes, openRead for reads.
	open     blockdev.Opener
	openRead blockdev.Opener
}

// Option configures a Store.
type Option func(*Store)

// WithOpener replaces the device opener for reads and writes, for in-memory
// devices in tests.
func WithOpener(open blockdev.Opener) Option {
	return func(s *Store) {
		s.open = open
		s.openRead = open
	}
}

// WithReadOpener replaces the opener used for reads only.
func WithReadOpener(open blockdev.Opener) Option {
	return func(s *Store) {
		s.openRead = open
	}
}

// NewStore creates a store over exactly two equally sized regions.
// defaults are returned when neither copy is valid.
func NewStore(regions []Region, defaults Env, options ...Option) (*Store, error) {
	if len(regions) != len(Image{}.Copies) {
		return nil, fmt.Errorf("%w: %d regions configured", ErrBootloaderUnsupported, len(regions))
	}

	if regions[0].Size != regions[1].Size {
		return nil, errRegionSizes
	}

	s := &Store{
		regions:  [2]Region{regions[0], regions[1]},
		defaults: defaults.Clone(),
		open:     blockdev.Open,
		openRead: blockdev.OpenReadOnly,
	}

	for _, o := range options {
		o(s)
	}

	return s, nil
}

// Regions returns the configured regions.
func (s *Store) Regions() [2]Region {
	return s.regions
}

// Read resolves the current environment. A single corrupt copy is recovered
// from silently apart from a log line; when both are corrupt the defaults are
// returned with Corruption set.
func (s *Store) Read(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, err := s.readImage()
	if err != nil {
		return Snapshot{}, err
	}

	snap := s.snapshot(img)
	s.report(ctx, snap)

	return snap, nil
}

// Write merges delta into the environment in one transaction: only the stale
// copy is written and flushed. An empty value deletes the variable.
func (s *Store) Write(ctx context.Context, delta Env) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, err := s.readImage()
	if err != nil {
		return Snapshot{}, err
	}

	s.report(ctx, s.snapshot(img))

	if err = ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	next, target, err := img.Apply(delta)
	if err != nil {
		return Snapshot{}, err
	}

	if err = s.writeRegion(target, next.Copies[target]); err != nil {
		return Snapshot{}, err
	}

	metrics.EnvWritesTotal.Inc()
	logger.DebugKV(ctx, "Boot environment written", "copy", target, "counter", next.Copies[target][crcSize])

	return s.snapshot(next), nil
}

// ReadImage returns the raw bytes of both copies.
func (s *Store) ReadImage() (Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readImage()
}

// WriteCopy overwrites one copy with raw bytes, bypassing the protocol.
// It exists for diagnostics and fault injection.
func (s *Store) WriteCopy(index int, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.regions) {
		return fmt.Errorf("copy index %d out of range", index)
	}

	buf := make([]byte, s.regions[index].Size)
	copy(buf, raw)

	return s.writeRegion(index, buf)
}

func (s *Store) snapshot(img Image) Snapshot {
	return Snapshot{
		Resolution: img.Resolve(),
		Checksums:  [2]uint32{Checksum(img.Copies[0]), Checksum(img.Copies[1])},
	}
}

func (s *Store) report(ctx context.Context, snap Snapshot) {
	switch {
	case errors.Is(snap.Corruption, ErrOneCopyCorrupt):
		metrics.EnvRecoveriesTotal.WithLabelValues(metrics.RecoveryOneCopy).Inc()
		logger.InfoKV(ctx, "Recovered boot environment from redundant copy", "copy", snap.Current)
	case errors.Is(snap.Corruption, ErrBothCopiesCorrupt):
		metrics.EnvRecoveriesTotal.WithLabelValues(metrics.RecoveryBothCopies).Inc()
		logger.Warn(ctx, "Both boot environment copies are corrupt, using defaults")
	}
}

func (s *Store) readImage() (Image, error) {
	img := Image{Defaults: s.defaults}

	for i, r := range s.regions {
		raw, err := s.readRegion(r)
		if err != nil {
			return Image{}, err
		}

		img.Copies[i] = raw
	}

	return img, nil
}

func (s *Store) readRegion(r Region) ([]byte, error) {
	dev, err := s.openRead(r.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBootloaderUnsupported, err)
	}

	defer func() {
		_ = dev.Close()
	}()

	raw := make([]byte, r.Size)
	if _, err = dev.ReadAt(raw, r.Offset); err != nil {
		return nil, fmt.Errorf("%w: read %s at %d: %w", ErrBootloaderUnsupported, r.Device, r.Offset, err)
	}

	return raw, nil
}

func (s *Store) writeRegion(index int, raw []byte) error {
	r := s.regions[index]

	dev, err := s.open(r.Device)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBootloaderUnsupported, err)
	}

	defer func() {
		_ = dev.Close()
	}()

	if _, err = dev.WriteAt(raw, r.Offset); err != nil {
		return fmt.Errorf("write %s at %d: %w", r.Device, r.Offset, err)
	}

	if err = dev.Sync(); err != nil {
		return err
	}

	return nil
}
