package artifact

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Entry is a named tar member held in memory.
type Entry struct {
	// Name is the member path.
	Name string
	// Body is the member content.
	Body []byte
}

// ReadEntries reads every regular member of a tar stream in order.
func ReadEntries(r io.Reader) ([]Entry, error) {
	var (
		entries []Entry
		tr      = tar.NewReader(r)
	)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}

		entries = append(entries, Entry{Name: hdr.Name, Body: body})
	}
}

// WriteEntries writes entries as a tar stream to w.
func WriteEntries(w io.Writer, entries ...Entry) error {
	tw := tar.NewWriter(w)

	for _, e := range entries {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.Name,
			Mode:     0o644,
			Size:     int64(len(e.Body)),
			ModTime:  epoch,
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write %s header: %w", e.Name, err)
		}

		if _, err := tw.Write(e.Body); err != nil {
			return fmt.Errorf("write %s: %w", e.Name, err)
		}
	}

	return tw.Close()
}

// CompressEntries returns entries as a tarball compressed with c.
func CompressEntries(c Compression, entries ...Entry) ([]byte, error) {
	var buf bytes.Buffer

	zw, err := NewCompressor(c, &buf)
	if err != nil {
		return nil, err
	}

	if err = WriteEntries(zw, entries...); err != nil {
		return nil, err
	}

	if err = zw.Close(); err != nil {
		return nil, fmt.Errorf("flush tarball: %w", err)
	}

	return buf.Bytes(), nil
}

// DecompressEntries reads the members of the tarball data named name.
func DecompressEntries(name string, data []byte) ([]Entry, error) {
	dec, err := NewDecompressor(name, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = dec.Close()
	}()

	return ReadEntries(dec)
}
