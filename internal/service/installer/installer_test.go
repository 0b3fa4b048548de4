package installer

import (
	"bytes"
	"context"
	"crypto"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/abota/internal/artifact"
	"github.com/oshokin/abota/internal/artifact/tamper"
	"github.com/oshokin/abota/internal/bootenv"
	"github.com/oshokin/abota/internal/config"
	"github.com/oshokin/abota/internal/partition"
	"github.com/oshokin/abota/internal/repository/state"
	"github.com/oshokin/abota/internal/verify"
)

const (
	testSlotSize = 64 << 10
	testEnvSize  = 4096
)

// fixture is a device made of image files in a temporary directory.
type fixture struct {
	dir   string
	cfg   *config.Config
	store *bootenv.Store
}

func newFixture(t *testing.T, canary bool) *fixture {
	t.Helper()

	dir := t.TempDir()
	f := &fixture{dir: dir}

	for _, name := range []string{"slot-a.img", "slot-b.img"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, testSlotSize), 0o600))
	}

	envPath := filepath.Join(dir, "uboot-env.img")
	require.NoError(t, os.WriteFile(envPath, make([]byte, 2*testEnvSize), 0o600))

	f.cfg = &config.Config{
		RootfsPartA: filepath.Join(dir, "slot-a.img"),
		RootfsPartB: filepath.Join(dir, "slot-b.img"),
		BootEnvironment: []config.EnvRegion{
			{Device: envPath, Offset: 0, Size: testEnvSize},
			{Device: envPath, Offset: testEnvSize, Size: testEnvSize},
		},
		StateDir: filepath.Join(dir, "state"),
	}
	require.NoError(t, config.Validate(f.cfg))

	store, err := OpenEnvStore(f.cfg)
	require.NoError(t, err)

	f.store = store

	if canary {
		_, err = store.Write(context.Background(), bootenv.Env{"mender_saveenv_canary": "1"})
		require.NoError(t, err)
	}

	return f
}

func (f *fixture) installer(t *testing.T) *Installer {
	t.Helper()

	inst, err := New(f.cfg)
	require.NoError(t, err)

	return inst
}

// artifact writes an artifact with payload into the fixture directory.
func (f *fixture) artifact(t *testing.T, name string, payload []byte, signer crypto.Signer,
	corrupt func(src io.Reader, dst io.Writer) error,
) string {
	t.Helper()

	opts := artifact.WriteOptions{Name: name}
	if signer != nil {
		opts.Signer = verify.Signer{Key: signer}
	}

	var buf bytes.Buffer
	require.NoError(t, artifact.Write(&buf, opts, artifact.File{Name: "rootfs.ext4", Content: bytes.NewReader(payload)}))

	data := buf.Bytes()

	if corrupt != nil {
		var out bytes.Buffer
		require.NoError(t, corrupt(bytes.NewReader(data), &out))

		data = out.Bytes()
	}

	path := filepath.Join(f.dir, name+".abota")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

// chain applies corruptions in order.
func chain(steps ...func(src io.Reader, dst io.Writer) error) func(src io.Reader, dst io.Writer) error {
	return func(src io.Reader, dst io.Writer) error {
		for _, step := range steps[:len(steps)-1] {
			var buf bytes.Buffer
			if err := step(src, &buf); err != nil {
				return err
			}

			src = &buf
		}

		return steps[len(steps)-1](src, dst)
	}
}

func (f *fixture) env(t *testing.T) bootenv.Env {
	t.Helper()

	snap, err := f.store.Read(context.Background())
	require.NoError(t, err)

	return snap.Env
}

func (f *fixture) slot(t *testing.T, name string) []byte {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(f.dir, "slot-"+strings.ToLower(name)+".img"))
	require.NoError(t, err)

	return data
}

// boot simulates the bootloader counting an attempt of the candidate.
func (f *fixture) boot(t *testing.T) {
	t.Helper()

	env := f.env(t)
	if env["upgrade_available"] != "1" {
		return
	}

	_, err := f.store.Write(context.Background(), bootenv.Env{
		"bootcount": strconv.Itoa(env.Int("bootcount", 0) + 1),
	})
	require.NoError(t, err)
}

func payload(size int) []byte {
	return bytes.Repeat([]byte("bootable rootfs "), size/16)
}

// TestInstallCommitPath installs, boots the candidate and commits it.
func TestInstallCommitPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, true)
	inst := f.installer(t)
	image := payload(32 << 10)

	res, err := inst.Install(ctx, f.artifact(t, "release-2", image, nil, nil))
	require.NoError(t, err)
	require.Equal(t, "B", res.Slot.Name)
	require.Equal(t, verify.ChecksumValid, res.Evidence.Payload)

	env := f.env(t)
	require.Equal(t, "1", env["upgrade_available"])
	require.Equal(t, "0", env["bootcount"])
	require.Equal(t, "B", env["mender_boot_part"])
	require.Equal(t, image, f.slot(t, "B")[:len(image)])

	record, err := inst.LastRecord(ctx)
	require.NoError(t, err)
	require.Equal(t, "release-2", record.ArtifactName)

	// Commit is refused until the candidate actually booted.
	require.ErrorIs(t, inst.Commit(ctx), partition.ErrNotTesting)

	f.boot(t)
	require.Equal(t, "1", f.env(t)["bootcount"])

	require.NoError(t, inst.Commit(ctx))

	env = f.env(t)
	require.Equal(t, "0", env["upgrade_available"])
	require.Equal(t, "B", env["mender_boot_part"])

	current, err := inst.CurrentArtifact(ctx)
	require.NoError(t, err)
	require.Equal(t, "release-2", current)
}

// TestInstallRejectsBrokenHeader leaves slot and environment untouched.
func TestInstallRejectsBrokenHeader(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, true)
	before := f.env(t)

	_, err := f.installer(t).Install(ctx, f.artifact(t, "release-2", payload(1024), nil, tamper.Header))
	require.ErrorIs(t, err, verify.ErrHeaderChecksumInvalid)

	require.Equal(t, before, f.env(t))
	require.Equal(t, make([]byte, testSlotSize), f.slot(t, "B"))
}

// TestInstallSignaturePolicy checks the key-dependent outcomes end to end.
func TestInstallSignaturePolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	key, err := verify.GenerateKey(verify.KeyEC)
	require.NoError(t, err)

	pub, err := verify.MarshalPublicKey(key.Public())
	require.NoError(t, err)

	withKey := func(t *testing.T) *fixture {
		t.Helper()

		f := newFixture(t, true)
		f.cfg.ArtifactVerifyKey = filepath.Join(f.dir, "verify.pem")
		require.NoError(t, os.WriteFile(f.cfg.ArtifactVerifyKey, pub, 0o600))

		return f
	}

	t.Run("unsigned", func(t *testing.T) {
		t.Parallel()

		f := withKey(t)
		_, err := f.installer(t).Install(ctx, f.artifact(t, "r", payload(1024), nil, nil))
		require.ErrorIs(t, err, verify.ErrSignatureMissingWithKeyConfigured)
		require.Equal(t, "0", f.env(t)["upgrade_available"])
	})

	t.Run("broken signature", func(t *testing.T) {
		t.Parallel()

		f := withKey(t)
		_, err := f.installer(t).Install(ctx, f.artifact(t, "r", payload(1024), key, tamper.Signature))
		require.ErrorIs(t, err, verify.ErrSignatureInvalid)
		require.Equal(t, make([]byte, testSlotSize), f.slot(t, "B"))
	})

	t.Run("broken payload", func(t *testing.T) {
		t.Parallel()

		f := withKey(t)
		image := payload(1024)
		_, err := f.installer(t).Install(ctx, f.artifact(t, "r", image, key, tamper.Payload))
		require.ErrorIs(t, err, verify.ErrPayloadChecksumInvalid)
		require.NotEqual(t, make([]byte, len(image)), f.slot(t, "B")[:len(image)], "payload is written")
		require.Equal(t, "0", f.env(t)["upgrade_available"], "but never marked bootable")

		record, err := f.installer(t).LastRecord(ctx)
		require.NoError(t, err)
		require.Equal(t, "failed", string(record.Phase))
	})

	t.Run("unparsable header and broken signature", func(t *testing.T) {
		t.Parallel()

		f := withKey(t)
		_, err := f.installer(t).Install(ctx,
			f.artifact(t, "r", payload(1024), key, chain(tamper.HeaderInfo, tamper.Signature)))
		require.ErrorIs(t, err, verify.ErrSignatureInvalid)
		require.ErrorIs(t, err, artifact.ErrHeaderChecksumMismatch)
		require.Equal(t, make([]byte, testSlotSize), f.slot(t, "B"))
	})

	t.Run("unparsable header", func(t *testing.T) {
		t.Parallel()

		f := withKey(t)
		_, err := f.installer(t).Install(ctx, f.artifact(t, "r", payload(1024), key, tamper.HeaderInfo))
		require.ErrorIs(t, err, verify.ErrHeaderChecksumInvalid)
		require.NotErrorIs(t, err, verify.ErrSignatureInvalid)
		require.Equal(t, make([]byte, testSlotSize), f.slot(t, "B"))
	})

	t.Run("valid", func(t *testing.T) {
		t.Parallel()

		f := withKey(t)
		res, err := f.installer(t).Install(ctx, f.artifact(t, "r", payload(1024), key, nil))
		require.NoError(t, err)
		require.Equal(t, verify.SignatureValid, res.Evidence.Signature)
	})
}

// TestInstallRequiresCanary refuses to switch when the bootloader never saved the environment.
func TestInstallRequiresCanary(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	_, err := f.installer(t).Install(context.Background(), f.artifact(t, "r", payload(1024), nil, nil))
	require.ErrorIs(t, err, partition.ErrCanaryMissing)
	require.Equal(t, "0", f.env(t)["upgrade_available"])
	require.Equal(t, make([]byte, testSlotSize), f.slot(t, "B"))
}

// TestInstallTooBig fails before writing when the image exceeds the slot.
func TestInstallTooBig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)

	_, err := f.installer(t).Install(context.Background(), f.artifact(t, "r", payload(2*testSlotSize), nil, nil))
	require.ErrorIs(t, err, partition.ErrSpaceExhausted)
	require.Contains(t, err.Error(), "no space left on device")
	require.Equal(t, "0", f.env(t)["upgrade_available"])
	require.Equal(t, make([]byte, testSlotSize), f.slot(t, "B"))
}

// TestInstallCancelled leaves the environment untouched.
func TestInstallCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	before := f.env(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.installer(t).Install(ctx, f.artifact(t, "r", payload(1024), nil, nil))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, before, f.env(t))
}

// TestInstallFromHTTP downloads the artifact with the agent's user agent.
func TestInstallFromHTTP(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	path := f.artifact(t, "release-3", payload(1024), nil, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "abota-agent/") {
			http.Error(w, "unknown agent", http.StatusForbidden)

			return
		}

		if r.URL.Path != "/release-3.abota" {
			http.NotFound(w, r)

			return
		}

		http.ServeFile(w, r, path)
	}))
	defer srv.Close()

	inst := f.installer(t)

	_, err := inst.Install(context.Background(), srv.URL+"/missing")
	require.ErrorIs(t, err, errBadHTTPStatus)

	res, err := inst.Install(context.Background(), srv.URL+"/release-3.abota")
	require.NoError(t, err)
	require.Equal(t, "release-3", res.ArtifactName)
}

// TestRollback is refused before the candidate booted and leaves the environment alone after.
func TestRollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, true)
	inst := f.installer(t)

	require.ErrorIs(t, inst.Rollback(ctx), partition.ErrNotTesting)

	_, err := inst.Install(ctx, f.artifact(t, "release-2", payload(1024), nil, nil))
	require.NoError(t, err)
	require.ErrorIs(t, inst.Rollback(ctx), partition.ErrNotTesting)

	f.boot(t)
	before := f.env(t)

	require.NoError(t, inst.Rollback(ctx))
	require.Equal(t, before, f.env(t))

	record, err := inst.LastRecord(ctx)
	require.NoError(t, err)
	require.Equal(t, "rolled-back", string(record.Phase))
	require.Equal(t, "release-2", record.ArtifactName)

	_, err = inst.CurrentArtifact(ctx)
	require.ErrorIs(t, err, state.ErrNotFound)

	// A second install while the candidate is under test is refused.
	_, err = inst.Install(ctx, f.artifact(t, "release-3", payload(1024), nil, nil))
	require.ErrorIs(t, err, errUncommittedUpdate)
}

// TestSingleUpdateMarker refuses parallel operations and clears stale markers.
func TestSingleUpdateMarker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	release, err := acquireMarker(ctx, dir)
	require.NoError(t, err)
	require.True(t, IsUpdateRunning(ctx, dir))

	_, err = acquireMarker(ctx, dir)
	require.ErrorIs(t, err, ErrUpdateInProgress)

	release()
	require.False(t, IsUpdateRunning(ctx, dir))

	// A marker naming a process that does not exist is stale.
	require.NoError(t, os.WriteFile(filepath.Join(dir, MarkerFilename), []byte("2147483646"), 0o600))

	release, err = acquireMarker(ctx, dir)
	require.NoError(t, err)
	release()

	_, err = os.Stat(filepath.Join(dir, MarkerFilename))
	require.ErrorIs(t, err, os.ErrNotExist)
}
