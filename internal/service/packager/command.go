package packager

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/abota/internal/artifact"
	"github.com/oshokin/abota/internal/config"
	"github.com/oshokin/abota/internal/logger"
	"github.com/oshokin/abota/internal/verify"
)

// Options contains inputs for building an artifact.
type Options struct {
	// Output is the path of the artifact to write.
	Output string
	// Name is the artifact name.
	Name string
	// DeviceTypes lists the compatible device types.
	DeviceTypes []string
	// Files are the payload files, usually one rootfs image.
	Files []string
	// Version is the artifact format version, the latest when zero.
	Version int
	// Compression is gzip, zstd or none.
	Compression string
	// KeyPath names a PEM private key used to sign the artifact.
	KeyPath string
}

var (
	// errOutputRequired is returned when no output path is given.
	errOutputRequired = errors.New("output path must be provided")
	// errUnknownCompression is returned for compression names other than gzip, zstd and none.
	errUnknownCompression = errors.New("unknown compression")
)

// Run builds the artifact described by opts.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "packager")

	if opts.Output == "" {
		return errOutputRequired
	}

	compression, err := ParseCompression(opts.Compression)
	if err != nil {
		return err
	}

	writeOptions := artifact.WriteOptions{
		Version:     opts.Version,
		Name:        opts.Name,
		DeviceTypes: opts.DeviceTypes,
		Compression: compression,
	}

	if opts.KeyPath != "" {
		var pem []byte

		pem, err = os.ReadFile(filepath.Clean(opts.KeyPath))
		if err != nil {
			return fmt.Errorf("read signing key: %w", err)
		}

		var key crypto.Signer

		key, err = verify.ParsePrivateKey(pem)
		if err != nil {
			return err
		}

		writeOptions.Signer = verify.Signer{Key: key}
	}

	files := make([]artifact.File, 0, len(opts.Files))

	for _, path := range opts.Files {
		f, err := os.Open(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("open payload: %w", err)
		}

		defer func() {
			_ = f.Close()
		}()

		files = append(files, artifact.File{Name: filepath.Base(path), Content: f})
	}

	out, err := os.OpenFile(filepath.Clean(opts.Output), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, config.DefaultFilePermissions)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}

	if err = artifact.Write(out, writeOptions, files...); err != nil {
		_ = out.Close()

		return fmt.Errorf("write artifact: %w", err)
	}

	if err = out.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}

	logger.InfoKV(ctx, "Artifact written",
		"path", opts.Output,
		"name", opts.Name,
		"signed", writeOptions.Signer != nil)

	return nil
}

// ParseCompression maps a compression name to its artifact setting.
func ParseCompression(name string) (artifact.Compression, error) {
	switch strings.ToLower(name) {
	case "gzip", "":
		return artifact.Gzip, nil
	case "zstd":
		return artifact.Zstd, nil
	case "none":
		return artifact.None, nil
	default:
		return artifact.Gzip, fmt.Errorf("%w: %q", errUnknownCompression, name)
	}
}

// Inspect reads the artifact from r and writes a description of it to w,
// checking the signature against key when one is given. Payloads are read
// through to verify their checksums.
func Inspect(r io.Reader, key crypto.PublicKey, w io.Writer) error {
	ar, err := artifact.NewReader(r)
	if err != nil {
		return err
	}

	defer func() {
		_ = ar.Close()
	}()

	ev, _ := verify.New(key, "").Header(ar)
	header := ar.Header()

	var builder strings.Builder

	builder.WriteString("Artifact:\n")
	fmt.Fprintf(&builder, "  Name: %s\n", header.Name)
	fmt.Fprintf(&builder, "  Format: %s\n", artifact.FormatName)
	fmt.Fprintf(&builder, "  Version: %d\n", header.Version)
	fmt.Fprintf(&builder, "  Signature: %s\n", ev.Signature)
	fmt.Fprintf(&builder, "  Header checksum: %s\n", ev.Header)
	fmt.Fprintf(&builder, "  Compatible devices: [%s]\n", strings.Join(header.DeviceTypes, ", "))
	builder.WriteString("Payloads:\n")
	fmt.Fprintf(&builder, "  Type: %s\n", header.PayloadType)

	for {
		payload, err := ar.NextPayload()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return err
		}

		n, err := io.Copy(io.Discard, payload)
		if err != nil {
			return err
		}

		status := verify.ChecksumInvalid
		if want, ok := ar.PayloadChecksum(payload.Name); ok && want == payload.Sum() {
			status = verify.ChecksumValid
		}

		fmt.Fprintf(&builder, "  - File: %s\n", payload.Name)
		fmt.Fprintf(&builder, "    Size: %d\n", n)
		fmt.Fprintf(&builder, "    Checksum: %s (%s)\n", payload.Sum(), status)
	}

	_, err = io.WriteString(w, builder.String())

	return err
}
