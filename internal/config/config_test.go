package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestValidate checks required fields, defaults and format validations.
func TestValidate(t *testing.T) {
	t.Parallel()

	// Missing slots.
	err := Validate(new(Config))
	require.ErrorIs(t, err, errSlotsRequired)

	// Same device twice.
	err = Validate(&Config{RootfsPartA: "/dev/mmcblk0p2", RootfsPartB: "/dev/mmcblk0p2"})
	require.ErrorIs(t, err, errSlotsIdentical)

	// Bad metrics address.
	err = Validate(&Config{
		RootfsPartA:    "/dev/mmcblk0p2",
		RootfsPartB:    "/dev/mmcblk0p3",
		MetricsAddress: "no-port",
	})
	require.Error(t, err)

	// Defaults are filled in.
	settings := &Config{RootfsPartA: "/dev/mmcblk0p2", RootfsPartB: "/dev/mmcblk0p3"}
	require.NoError(t, Validate(settings))
	require.Equal(t, 1, settings.BootLimit)
	require.Equal(t, DefaultStateDir, settings.StateDir)
	require.Equal(t, filepath.Join(DefaultStateDir, "device_type"), settings.DeviceTypeFile)
	require.Equal(t, DefaultFwEnvConfig, settings.FwEnvConfig)
	require.Equal(t, DefaultDownloadTimeout, settings.DownloadTimeout)
}

// TestValidateRegions covers region count, shape and overlap.
func TestValidateRegions(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, ValidateRegions([]EnvRegion{{Device: "env", Size: 16}}), errRegionCount)
	require.ErrorIs(t, ValidateRegions([]EnvRegion{
		{Device: "env", Size: 16},
		{Device: "env", Offset: 16, Size: 0},
	}), errRegionInvalid)
	require.ErrorIs(t, ValidateRegions([]EnvRegion{
		{Device: "env", Size: 32},
		{Device: "env", Offset: 16, Size: 32},
	}), errRegionsOverlap)
	require.NoError(t, ValidateRegions([]EnvRegion{
		{Device: "env", Size: 16},
		{Device: "env", Offset: 16, Size: 16},
	}))
	require.NoError(t, ValidateRegions([]EnvRegion{
		{Device: "env-a", Size: 16},
		{Device: "env-b", Size: 16},
	}))
}

// TestLoadJSONDocument ensures a JSON configuration written by other tooling loads unchanged.
func TestLoadJSONDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "abota.conf")
	doc := `{
  "RootfsPartA": "/dev/mmcblk0p2",
  "RootfsPartB": "/dev/mmcblk0p3",
  "ArtifactVerifyKey": "/etc/abota/key.pem",
  "DownloadTimeout": "90s",
  "BootEnvironment": [
    {"Device": "/dev/mmcblk0", "Offset": 4194304, "Size": 16384},
    {"Device": "/dev/mmcblk0", "Offset": 8388608, "Size": 16384}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/etc/abota/key.pem", cfg.ArtifactVerifyKey)
	require.Equal(t, 90*time.Second, cfg.DownloadTimeout)
	require.Empty(t, cfg.FwEnvConfig)

	regions, err := cfg.Regions()
	require.NoError(t, err)
	require.Len(t, regions, 2)
	require.EqualValues(t, 8388608, regions[1].Offset)
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "abota.conf")

	settings := &Config{
		RootfsPartA:       "/dev/mmcblk0p2",
		RootfsPartB:       "/dev/mmcblk0p3",
		ArtifactVerifyKey: "/etc/abota/key.pem",
		StateDir:          t.TempDir(),
	}

	require.NoError(t, Save(path, settings))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, settings, loaded)

	// Overwriting an existing file keeps it in place.
	settings.ArtifactVerifyKey = ""
	require.NoError(t, Save(path, settings))

	loaded, err = Load(path)
	require.NoError(t, err)
	require.Empty(t, loaded.ArtifactVerifyKey)
}

// TestParseFwEnvConfig checks comment handling, numeric bases and malformed lines.
func TestParseFwEnvConfig(t *testing.T) {
	t.Parallel()

	input := `# Redundant environment
/dev/mmcblk0   0x400000   0x4000   # first copy
/dev/mmcblk0   8388608    16384    0x200 1

`
	regions, err := ParseFwEnvConfig(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []EnvRegion{
		{Device: "/dev/mmcblk0", Offset: 0x400000, Size: 0x4000},
		{Device: "/dev/mmcblk0", Offset: 8388608, Size: 16384},
	}, regions)

	_, err = ParseFwEnvConfig(strings.NewReader("/dev/mmcblk0 0x400000\n"))
	require.ErrorIs(t, err, errFwEnvLine)

	_, err = ParseFwEnvConfig(strings.NewReader("/dev/mmcblk0 zz 0x4000\n"))
	require.Error(t, err)
}

// TestRegionsFromFwEnvConfig ensures regions fall back to the fw_env.config file.
func TestRegionsFromFwEnvConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fwenv := filepath.Join(dir, "fw_env.config")
	require.NoError(t, os.WriteFile(fwenv, []byte("env 0 4096\nenv 4096 4096\n"), 0o600))

	cfg := &Config{RootfsPartA: "a.img", RootfsPartB: "b.img", FwEnvConfig: fwenv}
	require.NoError(t, Validate(cfg))

	regions, err := cfg.Regions()
	require.NoError(t, err)
	require.Len(t, regions, 2)

	cfg.FwEnvConfig = filepath.Join(dir, "missing")
	_, err = cfg.Regions()
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestResolveDeviceType reads the device type inline or from the device_type file.
func TestResolveDeviceType(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "device_type")

	cfg := &Config{DeviceType: "inline", DeviceTypeFile: file}
	got, err := cfg.ResolveDeviceType()
	require.NoError(t, err)
	require.Equal(t, "inline", got)

	cfg.DeviceType = ""
	got, err = cfg.ResolveDeviceType()
	require.NoError(t, err)
	require.Empty(t, got, "a missing file disables the check")

	require.NoError(t, os.WriteFile(file, []byte("# written at build time\ndevice_type=raspberrypi4\n"), 0o600))

	got, err = cfg.ResolveDeviceType()
	require.NoError(t, err)
	require.Equal(t, "raspberrypi4", got)
}
