package tamper

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/oshokin/abota/internal/artifact"
)

var (
	// ErrNoSignature is returned when asked to corrupt the signature of an unsigned artifact.
	ErrNoSignature = errors.New("artifact is not signed")
	// errEntryNotFound is returned when the member to corrupt is missing.
	errEntryNotFound = errors.New("entry not found")
)

// Signature flips the middle byte of the detached signature to another
// base64 character, so the signature still decodes but no longer verifies.
func Signature(src io.Reader, dst io.Writer) error {
	return rewrite(src, dst, func(e *artifact.Entry) (bool, error) {
		if e.Name != artifact.ManifestSigFile && e.Name != artifact.HeaderSigFile {
			return false, nil
		}

		if len(e.Body) == 0 {
			return false, ErrNoSignature
		}

		body := append([]byte(nil), e.Body...)
		mid := len(body) / 2

		if body[mid] == 'A' {
			body[mid] = 'B'
		} else {
			body[mid] = 'A'
		}

		e.Body = body

		return true, nil
	}, ErrNoSignature)
}

// Payload flips the middle byte of the first payload file inside the data tarball.
func Payload(src io.Reader, dst io.Writer) error {
	return rewrite(src, dst, func(e *artifact.Entry) (bool, error) {
		if !strings.HasPrefix(e.Name, artifact.DataBase) {
			return false, nil
		}

		return true, rewriteTarball(e, func(inner *artifact.Entry) bool {
			if len(inner.Body) == 0 {
				return false
			}

			inner.Body[len(inner.Body)/2] ^= 0xff

			return true
		})
	}, errEntryNotFound)
}

// Header appends a space to the payload file list inside the header tarball.
// The header still parses, but its checksum no longer matches.
func Header(src io.Reader, dst io.Writer) error {
	return rewrite(src, dst, func(e *artifact.Entry) (bool, error) {
		if !strings.HasPrefix(e.Name, artifact.HeaderBase) {
			return false, nil
		}

		return true, rewriteTarball(e, func(inner *artifact.Entry) bool {
			if inner.Name != artifact.FilesFile {
				return false
			}

			inner.Body = append(inner.Body, ' ')

			return true
		})
	}, errEntryNotFound)
}

// HeaderInfo truncates the header-info document inside the header tarball,
// so the header no longer parses. The signed content is left intact.
func HeaderInfo(src io.Reader, dst io.Writer) error {
	return rewrite(src, dst, func(e *artifact.Entry) (bool, error) {
		if !strings.HasPrefix(e.Name, artifact.HeaderBase) {
			return false, nil
		}

		return true, rewriteTarball(e, func(inner *artifact.Entry) bool {
			if inner.Name != artifact.HeaderInfoFile {
				return false
			}

			inner.Body = []byte("{")

			return true
		})
	}, errEntryNotFound)
}

// rewrite copies the outer tar from src to dst, letting mutate change members.
// notFound is returned when mutate never reports a change.
func rewrite(src io.Reader, dst io.Writer, mutate func(*artifact.Entry) (bool, error), notFound error) error {
	entries, err := artifact.ReadEntries(src)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}

	changed := false

	for i := range entries {
		ok, err := mutate(&entries[i])
		if err != nil {
			return err
		}

		changed = changed || ok
	}

	if !changed {
		return notFound
	}

	return artifact.WriteEntries(dst, entries...)
}

// rewriteTarball decompresses e, applies mutate to the first member it accepts and recompresses.
func rewriteTarball(e *artifact.Entry, mutate func(*artifact.Entry) bool) error {
	compression, err := artifact.CompressionOf(e.Name)
	if err != nil {
		return err
	}

	inner, err := artifact.DecompressEntries(e.Name, e.Body)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.Name, err)
	}

	changed := false

	for i := range inner {
		if mutate(&inner[i]) {
			changed = true

			break
		}
	}

	if !changed {
		return fmt.Errorf("%s: %w", e.Name, errEntryNotFound)
	}

	body, err := artifact.CompressEntries(compression, inner...)
	if err != nil {
		return fmt.Errorf("repack %s: %w", e.Name, err)
	}

	e.Body = body

	return nil
}
