package artifact

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Signer produces the detached signature text for the signed content.
type Signer interface {
	Sign(message []byte) ([]byte, error)
}

// File is one payload file to package.
type File struct {
	// Name is the file name inside the data tarball.
	Name string
	// Content is read twice: once to hash, once to store.
	Content io.ReadSeeker
}

// WriteOptions controls how an artifact is packaged.
type WriteOptions struct {
	// Version is the container format version, 1 to 3. Zero means MaxVersion.
	Version int
	// Name is the artifact name.
	Name string
	// DeviceTypes lists the compatible device types.
	DeviceTypes []string
	// PayloadType defaults to DefaultPayloadType.
	PayloadType string
	// Compression applies to both header and data tarballs.
	Compression Compression
	// Signer signs the checksums; nil produces an unsigned artifact.
	Signer Signer
}

var (
	// errNoFiles is returned when an artifact without payload is requested.
	errNoFiles = errors.New("artifact needs at least one payload file")
	// errNoName is returned when the artifact name is empty.
	errNoName = errors.New("artifact name is required")
)

// epoch is the modification time of every packaged entry, which keeps output reproducible.
//
//nolint:gochecknoglobals // Constant-like value.
var epoch = time.Unix(0, 0).UTC()

// Write packages files into an artifact written to w.
func Write(w io.Writer, opts WriteOptions, files ...File) error {
	if opts.Version == 0 {
		opts.Version = MaxVersion
	}

	if opts.Version < MinVersion || opts.Version > MaxVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, opts.Version)
	}

	if opts.Name == "" {
		return errNoName
	}

	if len(files) == 0 {
		return errNoFiles
	}

	if opts.PayloadType == "" {
		opts.PayloadType = DefaultPayloadType
	}

	sums, err := hashFiles(files)
	if err != nil {
		return err
	}

	versionDoc, err := json.Marshal(versionInfo{Format: FormatName, Version: opts.Version})
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}

	header, err := buildHeader(opts, files, sums)
	if err != nil {
		return fmt.Errorf("build header: %w", err)
	}

	data, err := buildData(opts.Compression, files)
	if err != nil {
		return fmt.Errorf("build data: %w", err)
	}

	headerName := HeaderBase + opts.Compression.Suffix()
	dataName := DataBase + opts.Compression.Suffix()

	var signedName, sigName string

	var signed []byte

	if opts.Version == 1 {
		signedName, sigName = HeaderChecksumFile, HeaderSigFile
		signed = []byte(sha256Hex(header) + "  " + headerName + "\n")
	} else {
		signedName, sigName = ManifestFile, ManifestSigFile

		manifest := map[string]string{
			VersionFile: sha256Hex(versionDoc),
			headerName:  sha256Hex(header),
		}
		for _, f := range files {
			manifest[dataPrefix+f.Name] = sums[f.Name]
		}

		signed = formatManifest(manifest)
	}

	entries := []Entry{
		{VersionFile, versionDoc},
		{signedName, signed},
	}

	if opts.Signer != nil {
		sig, err := opts.Signer.Sign(signed)
		if err != nil {
			return fmt.Errorf("sign %s: %w", signedName, err)
		}

		entries = append(entries, Entry{sigName, sig})
	}

	entries = append(entries, Entry{headerName, header}, Entry{dataName, data})

	return WriteEntries(w, entries...)
}

func hashFiles(files []File) (map[string]string, error) {
	sums := make(map[string]string, len(files))

	for _, f := range files {
		h := sha256.New()
		if _, err := io.Copy(h, f.Content); err != nil {
			return nil, fmt.Errorf("hash %s: %w", f.Name, err)
		}

		if _, err := f.Content.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind %s: %w", f.Name, err)
		}

		sums[f.Name] = hex.EncodeToString(h.Sum(nil))
	}

	return sums, nil
}

func buildHeader(opts WriteOptions, files []File, sums map[string]string) ([]byte, error) {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}

	info, err := json.Marshal(newHeaderInfo(opts.Version, opts.Name, opts.DeviceTypes, opts.PayloadType))
	if err != nil {
		return nil, err
	}

	typeDoc, err := json.Marshal(typeInfo{Type: opts.PayloadType})
	if err != nil {
		return nil, err
	}

	filesDoc, err := json.Marshal(filesInfo{Files: names})
	if err != nil {
		return nil, err
	}

	entries := []Entry{
		{HeaderInfoFile, info},
		{TypeInfoFile, typeDoc},
		{FilesFile, filesDoc},
	}

	if opts.Version == 1 {
		for _, name := range names {
			entries = append(entries, Entry{ChecksumsDir + name + checksumSuffix, []byte(sums[name] + "\n")})
		}
	}

	return CompressEntries(opts.Compression, entries...)
}

func buildData(c Compression, files []File) ([]byte, error) {
	var buf bytes.Buffer

	zw, err := NewCompressor(c, &buf)
	if err != nil {
		return nil, err
	}

	tw := tar.NewWriter(zw)

	for _, f := range files {
		size, err := f.Content.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, fmt.Errorf("size %s: %w", f.Name, err)
		}

		if _, err = f.Content.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind %s: %w", f.Name, err)
		}

		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     f.Name,
			Mode:     0o644,
			Size:     size,
			ModTime:  epoch,
		}

		if err = tw.WriteHeader(hdr); err != nil {
			return nil, err
		}

		if _, err = io.Copy(tw, f.Content); err != nil {
			return nil, fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}

	if err = tw.Close(); err != nil {
		return nil, err
	}

	if err = zw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
