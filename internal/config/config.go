package config

import (
	"bytes"
	"crypto"
	"crypto/sha512"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	goupdate "github.com/doitdistributed/go-update"
	"gopkg.in/yaml.v3"
)

// Config is the agent configuration document. Keys follow the device
// configuration convention of the bootloader tooling, so an existing JSON
// configuration file loads unchanged.
type Config struct {
	// ArtifactVerifyKey names a PEM public key (RSA or EC). When set, every
	// artifact must carry a valid signature.
	ArtifactVerifyKey string `yaml:"ArtifactVerifyKey,omitempty"`
	// DeviceType is matched against the artifact's compatible device types.
	// Empty means it is read from DeviceTypeFile.
	DeviceType string `yaml:"DeviceType,omitempty"`
	// DeviceTypeFile holds a device_type=<name> line.
	DeviceTypeFile string `yaml:"DeviceTypeFile,omitempty"`
	// RootfsPartA is the device backing slot A.
	RootfsPartA string `yaml:"RootfsPartA"`
	// RootfsPartB is the device backing slot B.
	RootfsPartB string `yaml:"RootfsPartB"`
	// RootDevice overrides mount-table detection of the booted rootfs device.
	RootDevice string `yaml:"RootDevice,omitempty"`
	// BootEnvironment lists the two redundant environment regions. Empty
	// means they are read from FwEnvConfig.
	BootEnvironment []EnvRegion `yaml:"BootEnvironment,omitempty"`
	// FwEnvConfig is the path of an fw_env.config style region description.
	FwEnvConfig string `yaml:"FwEnvConfig,omitempty"`
	// BootLimit is written to a default environment and used by the fake bootloader.
	BootLimit int `yaml:"BootLimit,omitempty"`
	// StateDir holds the update record database and the update marker.
	StateDir string `yaml:"StateDir,omitempty"`
	// ListenAddress is where `serve` exposes the device channel over gRPC.
	ListenAddress string `yaml:"ListenAddress,omitempty"`
	// MetricsAddress is where `serve` exposes Prometheus metrics. Empty disables it.
	MetricsAddress string `yaml:"MetricsAddress,omitempty"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"LogLevel,omitempty"`
	// DownloadTimeout bounds fetching an artifact over HTTP.
	DownloadTimeout time.Duration `yaml:"DownloadTimeout,omitempty"`
}

// EnvRegion is one copy of the redundant bootloader environment.
type EnvRegion struct {
	// Device is the block device or file holding the copy.
	Device string `yaml:"Device"`
	// Offset is the byte offset of the copy on Device.
	Offset int64 `yaml:"Offset"`
	// Size is the size in bytes of the copy.
	Size int64 `yaml:"Size"`
}

const (
	// DefaultConfigFilename is the default location of the agent configuration.
	DefaultConfigFilename = "/etc/abota/abota.conf"

	// DefaultFwEnvConfig is where bootloader tools describe the environment regions.
	DefaultFwEnvConfig = "/etc/fw_env.config"

	// DefaultStateDir holds the agent database and marker.
	DefaultStateDir = "/var/lib/abota"

	// DefaultDeviceTypeFilename is the device type file name inside StateDir.
	DefaultDeviceTypeFilename = "device_type"

	// DefaultDownloadTimeout bounds an artifact download.
	DefaultDownloadTimeout = 30 * time.Minute

	// DefaultListenAddress is the default device channel address.
	DefaultListenAddress = ":7443"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// defaultBootLimit mirrors boot.DefaultBootLimit without importing the domain package.
	defaultBootLimit = 1

	// envRegionCount is the number of redundant environment copies.
	envRegionCount = 2
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errSlotsRequired is returned when a rootfs slot device is missing.
	errSlotsRequired = errors.New("both RootfsPartA and RootfsPartB must be provided")
	// errSlotsIdentical is returned when both slots point at the same device.
	errSlotsIdentical = errors.New("RootfsPartA and RootfsPartB must differ")
	// errRegionCount is returned when the environment is not described by exactly two regions.
	errRegionCount = errors.New("boot environment needs exactly two regions")
	// errRegionInvalid is returned for a malformed region.
	errRegionInvalid = errors.New("invalid boot environment region")
	// errRegionsOverlap is returned when both copies share bytes on the same device.
	errRegionsOverlap = errors.New("boot environment regions overlap")
)

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save validates cfg and atomically replaces the file at path with it.
// The new contents are checked against their SHA-512 before the old file is
// swapped out, so a torn write never leaves a half-written configuration.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	path = filepath.Clean(path)

	// go-update renames the current file aside, so it has to exist.
	if _, err = os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err = os.WriteFile(path, nil, DefaultFilePermissions); err != nil {
			return fmt.Errorf("create settings: %w", err)
		}
	}

	checksum := sha512.Sum512(data)

	err = goupdate.Apply(bytes.NewReader(data), goupdate.Options{
		TargetPath: path,
		TargetMode: DefaultFilePermissions,
		Checksum:   checksum[:],
		Hash:       crypto.SHA512,
	})
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and fills defaults.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.RootfsPartA == "" || settings.RootfsPartB == "" {
		return errSlotsRequired
	}

	if filepath.Clean(settings.RootfsPartA) == filepath.Clean(settings.RootfsPartB) {
		return errSlotsIdentical
	}

	if settings.BootLimit <= 0 {
		settings.BootLimit = defaultBootLimit
	}

	if settings.StateDir == "" {
		settings.StateDir = DefaultStateDir
	}

	if settings.DeviceTypeFile == "" {
		settings.DeviceTypeFile = filepath.Join(settings.StateDir, DefaultDeviceTypeFilename)
	}

	if settings.FwEnvConfig == "" && len(settings.BootEnvironment) == 0 {
		settings.FwEnvConfig = DefaultFwEnvConfig
	}

	if settings.ListenAddress == "" {
		settings.ListenAddress = DefaultListenAddress
	}

	if settings.DownloadTimeout <= 0 {
		settings.DownloadTimeout = DefaultDownloadTimeout
	}

	if len(settings.BootEnvironment) > 0 {
		if err := ValidateRegions(settings.BootEnvironment); err != nil {
			return err
		}
	}

	for _, addr := range []string{settings.ListenAddress, settings.MetricsAddress} {
		if addr == "" {
			continue
		}

		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
	}

	return nil
}

// ValidateRegions checks that exactly two well-formed, non-overlapping regions are given.
func ValidateRegions(regions []EnvRegion) error {
	if len(regions) != envRegionCount {
		return fmt.Errorf("got %d: %w", len(regions), errRegionCount)
	}

	for i, r := range regions {
		if r.Device == "" || r.Offset < 0 || r.Size <= 0 {
			return fmt.Errorf("region %d %+v: %w", i, r, errRegionInvalid)
		}
	}

	a, b := regions[0], regions[1]
	if filepath.Clean(a.Device) == filepath.Clean(b.Device) &&
		a.Offset < b.Offset+b.Size && b.Offset < a.Offset+a.Size {
		return errRegionsOverlap
	}

	return nil
}

// Regions returns the environment regions, reading FwEnvConfig when the
// configuration does not list them inline.
func (c *Config) Regions() ([]EnvRegion, error) {
	if len(c.BootEnvironment) > 0 {
		return c.BootEnvironment, nil
	}

	f, err := os.Open(filepath.Clean(c.FwEnvConfig))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.FwEnvConfig, err)
	}

	defer func() {
		_ = f.Close()
	}()

	regions, err := ParseFwEnvConfig(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", c.FwEnvConfig, err)
	}

	if err = ValidateRegions(regions); err != nil {
		return nil, err
	}

	return regions, nil
}
