package artifact

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

// maxMetadataSize bounds every buffered entry in front of the data tarball.
const maxMetadataSize = 16 << 20

// Reader reads an artifact from a stream.
type Reader struct {
	// tr iterates over the outer tar.
	tr *tar.Reader
	// header is the parsed header.
	header Header
	// version is the raw version document.
	version []byte
	// signed is the signed content: the manifest or the header checksum file.
	signed []byte
	// signature is the raw detached signature, nil when unsigned.
	signature []byte
	// headerName is the header tarball name as found in the container.
	headerName string
	// rawHeader is the compressed header tarball exactly as packaged.
	rawHeader []byte
	// manifest maps entry names to SHA-256 digests (formats 2 and 3).
	manifest map[string]string
	// data iterates over payload files once the data tarball is opened.
	data *tar.Reader
	// dataCloser closes the data decompressor.
	dataCloser io.Closer
}

// Payload is one payload file read from the data tarball.
// Reading it computes its SHA-256.
type Payload struct {
	// Name is the file name inside the data tarball.
	Name string
	// Size is the declared size of the file.
	Size int64

	r    io.Reader
	hash hash.Hash
}

// Read implements io.Reader.
func (p *Payload) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.hash.Write(b[:n])

	return n, err
}

// Sum returns the hex SHA-256 of the bytes read so far.
func (p *Payload) Sum() string {
	return hex.EncodeToString(p.hash.Sum(nil))
}

// NewReader consumes the artifact up to and including the header.
// The data tarball is left unread until NextPayload is called.
//
// A header that fails to parse and does not match the manifest is reported
// as ErrHeaderChecksumMismatch together with the Reader, whose Signed and
// HeaderChecksumValid remain usable so the signature can still be judged.
// Header returns the zero value in that case.
func NewReader(r io.Reader) (*Reader, error) {
	ar := &Reader{tr: tar.NewReader(r)}

	for ar.headerName == "" {
		hdr, err := ar.tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: no header", ErrMalformed)
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		if hdr.Size > maxMetadataSize {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrMalformed, hdr.Name, hdr.Size)
		}

		body, err := io.ReadAll(ar.tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}

		if err = ar.consume(hdr.Name, body); err != nil {
			return nil, err
		}
	}

	if err := ar.parseHeader(); err != nil {
		if !ar.HeaderChecksumValid() {
			return ar, fmt.Errorf("%w: %w", ErrHeaderChecksumMismatch, err)
		}

		return nil, err
	}

	return ar, nil
}

// consume stores one metadata entry.
func (ar *Reader) consume(name string, body []byte) error {
	if ar.version == nil && name != VersionFile {
		return fmt.Errorf("%w: first entry is %q, want %q", ErrMalformed, name, VersionFile)
	}

	switch {
	case name == VersionFile:
		v, err := parseVersion(body)
		if err != nil {
			return err
		}

		ar.version = body
		ar.header.Version = v
	case name == ManifestFile && ar.header.Version >= 2:
		sums, err := parseManifest(body)
		if err != nil {
			return err
		}

		ar.signed = body
		ar.manifest = sums
	case name == ManifestSigFile && ar.header.Version >= 2,
		name == HeaderSigFile && ar.header.Version == 1:
		ar.signature = body
	case name == HeaderChecksumFile && ar.header.Version == 1:
		ar.signed = body
	case strings.HasPrefix(name, HeaderBase):
		if ar.signed == nil {
			return fmt.Errorf("%w: header before checksums", ErrMalformed)
		}

		ar.headerName = name
		ar.rawHeader = body
	default:
		return fmt.Errorf("%w: unexpected entry %q", ErrMalformed, name)
	}

	return nil
}

func (ar *Reader) parseHeader() error {
	dec, err := NewDecompressor(ar.headerName, bytes.NewReader(ar.rawHeader))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	defer func() {
		_ = dec.Close()
	}()

	var (
		h       = &ar.header
		info    headerInfo
		files   filesInfo
		seen    = make(map[string]bool)
		tr      = tar.NewReader(dec)
		version = h.Version
	)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("%w: header: %w", ErrMalformed, err)
		}

		body, err := io.ReadAll(io.LimitReader(tr, maxMetadataSize))
		if err != nil {
			return fmt.Errorf("%w: header %s: %w", ErrMalformed, hdr.Name, err)
		}

		seen[hdr.Name] = true

		switch {
		case hdr.Name == HeaderInfoFile:
			err = json.Unmarshal(body, &info)
		case hdr.Name == TypeInfoFile:
			var ti typeInfo

			err = json.Unmarshal(body, &ti)
			if err == nil && ti.Type != "" {
				h.PayloadType = ti.Type
			}
		case hdr.Name == FilesFile:
			err = json.Unmarshal(body, &files)
		case strings.HasPrefix(hdr.Name, ChecksumsDir) && version == 1:
			if h.Checksums == nil {
				h.Checksums = make(map[string]string)
			}

			name := strings.TrimSuffix(strings.TrimPrefix(hdr.Name, ChecksumsDir), checksumSuffix)
			h.Checksums[name] = firstField(body)
		}

		if err != nil {
			return fmt.Errorf("%w: header %s: %w", ErrMalformed, hdr.Name, err)
		}
	}

	for _, required := range []string{HeaderInfoFile, FilesFile} {
		if !seen[required] {
			return fmt.Errorf("%w: header lacks %s", ErrMalformed, required)
		}
	}

	payloadType := h.PayloadType
	if err := info.apply(version, h); err != nil {
		return err
	}

	if payloadType != "" {
		h.PayloadType = payloadType
	}

	h.Files = files.Files

	return nil
}

// Header returns the parsed header.
func (ar *Reader) Header() Header {
	return ar.header
}

// Signed returns the signed content and its detached signature.
// The signature is nil for unsigned artifacts.
func (ar *Reader) Signed() (message, signature []byte) {
	return ar.signed, ar.signature
}

// HeaderChecksumValid reports whether the header tarball, exactly as
// packaged, matches the checksum recorded in the signed content.
func (ar *Reader) HeaderChecksumValid() bool {
	got := sha256Hex(ar.rawHeader)

	if ar.header.Version == 1 {
		return firstField(ar.signed) == got
	}

	return ar.manifest[ar.headerName] == got &&
		ar.manifest[VersionFile] == sha256Hex(ar.version)
}

// PayloadChecksum returns the expected SHA-256 of the named payload file.
func (ar *Reader) PayloadChecksum(name string) (string, bool) {
	var sum string
	if ar.header.Version == 1 {
		sum = ar.header.Checksums[name]
	} else {
		sum = ar.manifest[dataPrefix+name]
	}

	return sum, sum != ""
}

// NextPayload returns the next payload file or io.EOF when none remain.
// The previous payload is invalidated.
func (ar *Reader) NextPayload() (*Payload, error) {
	if ar.data == nil {
		if err := ar.openData(); err != nil {
			return nil, err
		}
	}

	for {
		hdr, err := ar.data.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}

			return nil, fmt.Errorf("%w: data: %w", ErrMalformed, err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		return &Payload{
			Name: hdr.Name,
			Size: hdr.Size,
			r:    ar.data,
			hash: sha256.New(),
		}, nil
	}
}

func (ar *Reader) openData() error {
	hdr, err := ar.tr.Next()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: no data", ErrMalformed)
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if !strings.HasPrefix(hdr.Name, DataBase) {
		return fmt.Errorf("%w: unexpected entry %q, want data", ErrMalformed, hdr.Name)
	}

	dec, err := NewDecompressor(hdr.Name, ar.tr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	ar.data = tar.NewReader(dec)
	ar.dataCloser = dec

	return nil
}

// Close releases the data decompressor. It does not close the underlying stream.
func (ar *Reader) Close() error {
	if ar.dataCloser == nil {
		return nil
	}

	return ar.dataCloser.Close()
}

func firstField(b []byte) string {
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return ""
	}

	return strings.ToLower(fields[0])
}
