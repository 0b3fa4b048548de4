package artifact

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// FormatName is the container format identifier stored in the version document.
	FormatName = "mender"

	// DefaultPayloadType is the payload type of a full root filesystem image.
	DefaultPayloadType = "rootfs-image"

	// VersionFile is the name of the version document.
	VersionFile = "version"
	// ManifestFile lists the SHA-256 of every other entry (formats 2 and 3).
	ManifestFile = "manifest"
	// ManifestSigFile is the detached signature of ManifestFile.
	ManifestSigFile = "manifest.sig"
	// HeaderChecksumFile holds the SHA-256 of the header tarball (format 1).
	HeaderChecksumFile = "header.sha256sum"
	// HeaderSigFile is the detached signature of HeaderChecksumFile.
	HeaderSigFile = "header.sig"
	// HeaderBase is the header tarball name without compression suffix.
	HeaderBase = "header.tar"
	// DataBase is the data tarball name without compression suffix.
	DataBase = "data/0000.tar"

	// HeaderInfoFile is the artifact-wide metadata document inside the header.
	HeaderInfoFile = "header-info"
	// TypeInfoFile describes the payload type inside the header.
	TypeInfoFile = "headers/0000/type-info"
	// FilesFile lists the payload files inside the header.
	FilesFile = "headers/0000/files"
	// ChecksumsDir holds per-file payload checksums inside a format 1 header.
	ChecksumsDir = "headers/0000/checksums/"

	// dataPrefix prefixes payload names in a manifest.
	dataPrefix = "data/0000/"
	// checksumSuffix is the suffix of format 1 payload checksum files.
	checksumSuffix = ".sha256sum"

	// MinVersion is the oldest supported format.
	MinVersion = 1
	// MaxVersion is the newest supported format.
	MaxVersion = 3
)

var (
	// ErrUnsupportedVersion is returned for format versions outside MinVersion..MaxVersion.
	ErrUnsupportedVersion = errors.New("unsupported artifact format version")
	// ErrMalformed is returned when the container layout is broken.
	ErrMalformed = errors.New("malformed artifact")
	// ErrHeaderChecksumMismatch is returned when the header cannot be parsed
	// and does not match its recorded checksum either.
	ErrHeaderChecksumMismatch = errors.New("header checksum mismatch")
)

// Header is the parsed artifact header.
type Header struct {
	// Version is the container format version.
	Version int
	// Name is the artifact name.
	Name string
	// DeviceTypes lists the device types the artifact is compatible with.
	DeviceTypes []string
	// PayloadType is the payload type, rootfs-image for full images.
	PayloadType string
	// Files lists the payload file names in data tarball order.
	Files []string
	// Checksums maps payload file names to their SHA-256 hex digests (format 1 only).
	Checksums map[string]string
}

// CompatibleWith reports whether the artifact can be installed on deviceType.
// An empty deviceType matches everything.
func (h *Header) CompatibleWith(deviceType string) bool {
	if deviceType == "" {
		return true
	}

	for _, dt := range h.DeviceTypes {
		if dt == deviceType {
			return true
		}
	}

	return false
}

// versionInfo is the version document.
type versionInfo struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

// typeInfo names a payload type.
type typeInfo struct {
	Type string `json:"type"`
}

// artifactProvides is the format 3 provides block.
type artifactProvides struct {
	ArtifactName string `json:"artifact_name"`
}

// artifactDepends is the format 3 depends block.
type artifactDepends struct {
	DeviceType []string `json:"device_type"`
}

// headerInfo covers both header-info layouts: formats 1 and 2 use updates and
// device_types_compatible, format 3 uses payloads and the provides/depends blocks.
type headerInfo struct {
	Updates               []typeInfo        `json:"updates,omitempty"`
	Payloads              []typeInfo        `json:"payloads,omitempty"`
	DeviceTypesCompatible []string          `json:"device_types_compatible,omitempty"`
	ArtifactName          string            `json:"artifact_name,omitempty"`
	ArtifactProvides      *artifactProvides `json:"artifact_provides,omitempty"`
	ArtifactDepends       *artifactDepends  `json:"artifact_depends,omitempty"`
}

// filesInfo lists payload file names.
type filesInfo struct {
	Files []string `json:"files"`
}

func newHeaderInfo(version int, name string, deviceTypes []string, payloadType string) headerInfo {
	if version >= 3 {
		return headerInfo{
			Payloads:         []typeInfo{{Type: payloadType}},
			ArtifactProvides: &artifactProvides{ArtifactName: name},
			ArtifactDepends:  &artifactDepends{DeviceType: deviceTypes},
		}
	}

	return headerInfo{
		Updates:               []typeInfo{{Type: payloadType}},
		DeviceTypesCompatible: deviceTypes,
		ArtifactName:          name,
	}
}

func (hi *headerInfo) apply(version int, h *Header) error {
	if version >= 3 {
		if hi.ArtifactProvides == nil || hi.ArtifactDepends == nil {
			return fmt.Errorf("%w: header-info lacks artifact_provides or artifact_depends", ErrMalformed)
		}

		h.Name = hi.ArtifactProvides.ArtifactName
		h.DeviceTypes = hi.ArtifactDepends.DeviceType

		if len(hi.Payloads) > 0 {
			h.PayloadType = hi.Payloads[0].Type
		}

		return nil
	}

	h.Name = hi.ArtifactName
	h.DeviceTypes = hi.DeviceTypesCompatible

	if len(hi.Updates) > 0 {
		h.PayloadType = hi.Updates[0].Type
	}

	return nil
}

func parseVersion(data []byte) (int, error) {
	var vi versionInfo
	if err := json.Unmarshal(data, &vi); err != nil {
		return 0, fmt.Errorf("%w: version: %w", ErrMalformed, err)
	}

	if vi.Format != FormatName {
		return 0, fmt.Errorf("%w: format %q", ErrMalformed, vi.Format)
	}

	if vi.Version < MinVersion || vi.Version > MaxVersion {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, vi.Version)
	}

	return vi.Version, nil
}

// sha256Hex returns the lower-case hex SHA-256 of data.
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// formatManifest renders "<sha256>  <name>" lines sorted by name.
func formatManifest(sums map[string]string) []byte {
	names := make([]string, 0, len(sums))
	for name := range sums {
		names = append(names, name)
	}

	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&buf, "%s  %s\n", sums[name], name)
	}

	return buf.Bytes()
}

// parseManifest reads "<sha256>  <name>" lines.
func parseManifest(data []byte) (map[string]string, error) {
	sums := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: manifest line %q", ErrMalformed, scanner.Text())
		}

		sums[fields[1]] = strings.ToLower(fields[0])
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return sums, nil
}
