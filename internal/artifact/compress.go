package artifact

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how header and data tarballs are compressed.
type Compression int

const (
	// Gzip compresses tarballs with gzip (".tar.gz").
	Gzip Compression = iota
	// Zstd compresses tarballs with Zstandard (".tar.zst").
	Zstd
	// None stores plain tarballs (".tar").
	None
)

// Suffix returns the file name suffix appended to ".tar".
func (c Compression) Suffix() string {
	switch c {
	case Zstd:
		return ".zst"
	case None:
		return ""
	default:
		return ".gz"
	}
}

// CompressionOf derives the compression from a tarball name.
func CompressionOf(name string) (Compression, error) {
	switch {
	case strings.HasSuffix(name, ".tar.gz"):
		return Gzip, nil
	case strings.HasSuffix(name, ".tar.zst"):
		return Zstd, nil
	case strings.HasSuffix(name, ".tar"):
		return None, nil
	default:
		return Gzip, fmt.Errorf("%w: unknown compression of %q", ErrMalformed, name)
	}
}

// NewDecompressor wraps r with the decompressor matching name.
func NewDecompressor(name string, r io.Reader) (io.ReadCloser, error) {
	c, err := CompressionOf(name)
	if err != nil {
		return nil, err
	}

	switch c {
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream %s: %w", name, err)
		}

		return dec.IOReadCloser(), nil
	case None:
		return io.NopCloser(r), nil
	default:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream %s: %w", name, err)
		}

		return zr, nil
	}
}

// NewCompressor wraps w with the compressor for c.
// Closing the returned writer flushes the stream but does not close w.
func NewCompressor(c Compression, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("create zstd stream: %w", err)
		}

		return enc, nil
	case None:
		return nopWriteCloser{w}, nil
	default:
		return gzip.NewWriter(w), nil
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
