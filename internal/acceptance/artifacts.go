package acceptance

import (
	"bytes"
	"crypto"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oshokin/abota/internal/artifact"
	"github.com/oshokin/abota/internal/verify"
)

// ArtifactServer publishes artifacts where the device can download them.
type ArtifactServer interface {
	// Publish makes data available under name and returns its URL.
	Publish(name string, data []byte) (string, error)
}

// HTTPArtifacts serves published artifacts over HTTP.
type HTTPArtifacts struct {
	// BaseURL is the address the device reaches this handler at.
	BaseURL string

	mu    sync.RWMutex
	files map[string][]byte
}

var _ ArtifactServer = (*HTTPArtifacts)(nil)

// Publish implements ArtifactServer.
func (s *HTTPArtifacts) Publish(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.files == nil {
		s.files = make(map[string][]byte)
	}

	s.files[name] = data

	return strings.TrimSuffix(s.BaseURL, "/") + "/" + name, nil
}

// ServeHTTP serves a published artifact.
func (s *HTTPArtifacts) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	data, ok := s.files[strings.TrimPrefix(r.URL.Path, "/")]
	s.mu.RUnlock()

	if !ok || r.Method != http.MethodGet {
		http.NotFound(w, r)

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// build describes an artifact to generate.
type build struct {
	// name is the artifact name.
	name string
	// image is the payload.
	image io.ReadSeeker
	// version is the format version, the latest when zero.
	version int
	// signer signs the artifact when set.
	signer crypto.Signer
	// corrupt damages the finished artifact when set.
	corrupt func(src io.Reader, dst io.Writer) error
}

// artifact generates the artifact described by b.
func (h *Harness) artifact(b build) ([]byte, error) {
	opts := artifact.WriteOptions{
		Version: b.version,
		Name:    b.name,
	}

	if h.DeviceType != "" {
		opts.DeviceTypes = []string{h.DeviceType}
	}

	if b.signer != nil {
		opts.Signer = verify.Signer{Key: b.signer}
	}

	var buf bytes.Buffer
	if err := artifact.Write(&buf, opts, artifact.File{Name: "rootfs.ext4", Content: b.image}); err != nil {
		return nil, fmt.Errorf("build %s: %w", b.name, err)
	}

	if b.corrupt == nil {
		return buf.Bytes(), nil
	}

	var damaged bytes.Buffer
	if err := b.corrupt(&buf, &damaged); err != nil {
		return nil, fmt.Errorf("corrupt %s: %w", b.name, err)
	}

	return damaged.Bytes(), nil
}

// bootable builds an artifact whose payload boots on the device.
func (h *Harness) bootable(b build) ([]byte, error) {
	if h.RootfsImage == "" {
		b.image = bootableImage(b.name, imageSize)

		return h.artifact(b)
	}

	f, err := os.Open(filepath.Clean(h.RootfsImage))
	if err != nil {
		return nil, fmt.Errorf("open rootfs image: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	b.image = f

	return h.artifact(b)
}

// bootableImage returns a synthetic rootfs image the fake device boots from.
func bootableImage(name string, size int) io.ReadSeeker {
	line := []byte("abota rootfs " + name + "\n")

	image := bytes.Repeat(line, size/len(line)+1)

	return bytes.NewReader(image[:size])
}

// blankImage returns size zero bytes without allocating them. A blank
// rootfs does not boot.
func blankImage(size int64) io.ReadSeeker {
	return io.NewSectionReader(zeros{}, 0, size)
}

// zeros reads as an endless run of zero bytes.
type zeros struct{}

func (zeros) ReadAt(p []byte, _ int64) (int, error) {
	clear(p)

	return len(p), nil
}
