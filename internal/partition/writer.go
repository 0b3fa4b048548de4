package partition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/machinebox/progress"
	"golang.org/x/sys/unix"

	"github.com/oshokin/abota/internal/blockdev"
	"github.com/oshokin/abota/internal/domain/boot"
	"github.com/oshokin/abota/internal/logger"
	"github.com/oshokin/abota/internal/metrics"
)

// progressInterval is how often streaming progress is logged.
const progressInterval = 2 * time.Second

var (
	// ErrSpaceExhausted is returned before writing when the payload is larger than the slot.
	ErrSpaceExhausted = fmt.Errorf("payload does not fit in slot: %w", unix.ENOSPC)
	// ErrShortPayload is returned when the stream ends before the declared size.
	ErrShortPayload = errors.New("payload ended before its declared size")
)

// Writer writes images into slots.
type Writer struct {
	open blockdev.Opener
}

// NewWriter creates a writer. A nil opener opens real devices.
func NewWriter(open blockdev.Opener) *Writer {
	if open == nil {
		open = blockdev.Open
	}

	return &Writer{open: open}
}

// Capacity returns the size of the slot in bytes.
func (w *Writer) Capacity(slot boot.Slot) (int64, error) {
	dev, err := w.open(slot.Device)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", slot, err)
	}

	defer func() {
		_ = dev.Close()
	}()

	return dev.Size()
}

// Stream copies exactly size bytes from r into slot and flushes them.
// The size is checked against the slot capacity before the first byte is written.
func (w *Writer) Stream(ctx context.Context, slot boot.Slot, size int64, r io.Reader) error {
	dev, err := w.open(slot.Device)
	if err != nil {
		return fmt.Errorf("open %s: %w", slot, err)
	}

	defer func() {
		_ = dev.Close()
	}()

	capacity, err := dev.Size()
	if err != nil {
		return err
	}

	if size > capacity {
		return fmt.Errorf("%w: %d bytes into %d bytes of %s", ErrSpaceExhausted, size, capacity, slot)
	}

	ctx = logger.WithKV(ctx, "slot", slot.String())

	pr := progress.NewReader(io.LimitReader(r, size))
	if size > 0 {
		tickCtx, stop := context.WithCancel(ctx)
		defer stop()

		go func() {
			for p := range progress.NewTicker(tickCtx, pr, size, progressInterval) {
				logger.InfoKV(ctx, "Writing payload",
					"percent", int(p.Percent()),
					"remaining", p.Remaining().Round(time.Second))
			}
		}()
	}

	n, err := io.Copy(io.NewOffsetWriter(dev, 0), &contextReader{ctx: ctx, r: pr})
	metrics.PayloadBytesTotal.Add(float64(n))

	if err != nil {
		return fmt.Errorf("write %s: %w", slot, err)
	}

	if n != size {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortPayload, n, size)
	}

	if err = dev.Sync(); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Payload written", "bytes", n)

	return nil
}

// ReadPrefix returns the first n bytes of slot, or fewer if the slot is smaller.
func (w *Writer) ReadPrefix(slot boot.Slot, n int64) ([]byte, error) {
	dev, err := w.open(slot.Device)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", slot, err)
	}

	defer func() {
		_ = dev.Close()
	}()

	buf := make([]byte, n)

	read, err := dev.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", slot, err)
	}

	return buf[:read], nil
}

// Fill overwrites the whole slot with pattern repeated.
func (w *Writer) Fill(ctx context.Context, slot boot.Slot, pattern byte) error {
	capacity, err := w.Capacity(slot)
	if err != nil {
		return err
	}

	return w.Stream(ctx, slot, capacity, repeatReader(pattern))
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context //nolint:containedctx // Scoped to one copy.
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

// repeatReader yields the same byte forever.
type repeatReader byte

func (b repeatReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(b)
	}

	return len(p), nil
}
