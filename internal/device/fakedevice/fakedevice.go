package fakedevice

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/oshokin/abota/internal/bootenv"
	"github.com/oshokin/abota/internal/config"
	"github.com/oshokin/abota/internal/device"
	"github.com/oshokin/abota/internal/domain/boot"
	"github.com/oshokin/abota/internal/logger"
	"github.com/oshokin/abota/internal/partition"
)

const (
	// DefaultSlotSize is the size of each rootfs slot image.
	DefaultSlotSize = 1 << 20
	// DefaultEnvSize is the size of each environment copy.
	DefaultEnvSize = 0x4000

	// AgentCommand is the command name routed to the in-process agent.
	AgentCommand = "abota-agent"

	// exitNotFound is the shell exit code of an unknown command.
	exitNotFound = 127
	// maxBootAttempts bounds the boot loop of a device with no bootable slot.
	maxBootAttempts = 8
	// blockSize is the size of the block a kernel must find data in.
	blockSize = 512
	// bootIDBytes is the length of a generated boot ID.
	bootIDBytes = 16
)

// ErrUnbootable is returned when no slot holds a bootable image.
var ErrUnbootable = errors.New("no bootable slot")

// Agent runs the agent command line the way a process would and returns its exit code.
type Agent func(ctx context.Context, args []string, stdout, stderr io.Writer) int

// Options configures a fake device.
type Options struct {
	// SlotSize is the size of each rootfs slot, DefaultSlotSize when zero.
	SlotSize int64
	// EnvSize is the size of each environment copy, DefaultEnvSize when zero.
	EnvSize int64
	// BootLimit is the number of candidate boots allowed before reverting.
	BootLimit int
	// NoSaveEnvCanary keeps the bootloader from saving the canary, like an
	// image whose U-Boot never ran saveenv.
	NoSaveEnvCanary bool
	// VerifyKey is a PEM public key installed as ArtifactVerifyKey.
	VerifyKey []byte
	// DeviceType is written to the agent configuration.
	DeviceType string
}

// Device is a simulated device. It implements device.Channel.
type Device struct {
	// dir holds the slot images, the environment and the agent state.
	dir string
	// agent runs agent command lines.
	agent Agent
	// opts are the options the device was created with.
	opts Options
	// cfg is the initial agent configuration.
	cfg *config.Config
	// store is the bootloader's view of the environment.
	store *bootenv.Store
	// slots are slot A and slot B.
	slots [2]boot.Slot

	// mu serializes commands and boots.
	mu sync.Mutex
	// booted is the slot running now.
	booted boot.Slot
	// bootID changes on every boot.
	bootID string
	// boots counts boots including kernel panics.
	boots int
}

var _ device.Channel = (*Device)(nil)

// New creates the device images in dir and boots the device.
func New(ctx context.Context, dir string, agent Agent, opts Options) (*Device, error) {
	if opts.SlotSize <= 0 {
		opts.SlotSize = DefaultSlotSize
	}

	if opts.EnvSize <= 0 {
		opts.EnvSize = DefaultEnvSize
	}

	if opts.BootLimit <= 0 {
		opts.BootLimit = boot.DefaultBootLimit
	}

	d := &Device{
		dir:   dir,
		agent: agent,
		opts:  opts,
		slots: [2]boot.Slot{
			boot.NewSlot("A", filepath.Join(dir, "mmcblk0p2")),
			boot.NewSlot("B", filepath.Join(dir, "mmcblk0p3")),
		},
	}

	rootfs := bytes.Repeat([]byte("factory rootfs A\n"), int(opts.SlotSize)/17)
	if err := createImage(d.slots[0].Device, opts.SlotSize, rootfs); err != nil {
		return nil, err
	}

	if err := createImage(d.slots[1].Device, opts.SlotSize, nil); err != nil {
		return nil, err
	}

	envPath := filepath.Join(dir, "uboot-env")
	if err := createImage(envPath, 2*opts.EnvSize, nil); err != nil {
		return nil, err
	}

	d.cfg = &config.Config{
		DeviceType:  opts.DeviceType,
		RootfsPartA: d.slots[0].Device,
		RootfsPartB: d.slots[1].Device,
		BootEnvironment: []config.EnvRegion{
			{Device: envPath, Offset: 0, Size: opts.EnvSize},
			{Device: envPath, Offset: opts.EnvSize, Size: opts.EnvSize},
		},
		BootLimit: opts.BootLimit,
		StateDir:  filepath.Join(dir, "state"),
		LogLevel:  "warn",
	}

	if len(opts.VerifyKey) > 0 {
		d.cfg.ArtifactVerifyKey = filepath.Join(dir, "artifact-verify-key.pem")
		if err := os.WriteFile(d.cfg.ArtifactVerifyKey, opts.VerifyKey, config.DefaultFilePermissions); err != nil {
			return nil, err
		}
	}

	regions := make([]bootenv.Region, 0, len(d.cfg.BootEnvironment))
	for _, r := range d.cfg.BootEnvironment {
		regions = append(regions, bootenv.Region{Device: r.Device, Offset: r.Offset, Size: r.Size})
	}

	store, err := bootenv.NewStore(regions, partition.Defaults(d.slots[0], opts.BootLimit))
	if err != nil {
		return nil, err
	}

	d.store = store

	d.mu.Lock()
	defer d.mu.Unlock()

	if err = d.boot(ctx); err != nil {
		return nil, err
	}

	return d, nil
}

// Dir is the directory holding the device files.
func (d *Device) Dir() string {
	return d.dir
}

// ConfigPath is the agent configuration passed to every agent command.
func (d *Device) ConfigPath() string {
	return filepath.Join(d.dir, "abota.conf")
}

// Slots returns slot A and slot B.
func (d *Device) Slots() [2]boot.Slot {
	return d.slots
}

// Booted returns the slot running now.
func (d *Device) Booted() boot.Slot {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.booted
}

// Boots returns how many times the device booted, kernel panics included.
func (d *Device) Boots() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.boots
}

// Env reads the environment the way the bootloader sees it.
func (d *Device) Env(ctx context.Context) (bootenv.Env, error) {
	snap, err := d.store.Read(ctx)
	if err != nil {
		return nil, err
	}

	return snap.Env, nil
}

// Run executes a command line. Arguments are split on white space; quoting
// is not supported. Besides the agent the device knows reboot, cat and true.
func (d *Device) Run(ctx context.Context, command string) (device.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return device.Result{}, nil
	}

	var stdout, stderr bytes.Buffer

	switch fields[0] {
	case AgentCommand:
		args := append([]string{"--config", d.ConfigPath()}, fields[1:]...)
		code := d.agent(ctx, args, &stdout, &stderr)

		return device.Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: code}, nil
	case "reboot":
		if err := d.boot(ctx); err != nil {
			return device.Result{}, err
		}

		return device.Result{}, nil
	case "cat":
		for _, path := range fields[1:] {
			data, err := os.ReadFile(filepath.Clean(path))
			if err != nil {
				fmt.Fprintf(&stderr, "cat: %s: %v\n", path, err)

				return device.Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: 1}, nil
			}

			stdout.Write(data)
		}

		return device.Result{Stdout: stdout.Bytes()}, nil
	case "true":
		return device.Result{}, nil
	default:
		fmt.Fprintf(&stderr, "sh: %s: not found\n", fields[0])

		return device.Result{Stderr: stderr.Bytes(), ExitCode: exitNotFound}, nil
	}
}

// Fetch reads a file.
func (d *Device) Fetch(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(filepath.Clean(path))
}

// Push writes a file.
func (d *Device) Push(_ context.Context, path string, data []byte) error {
	return os.WriteFile(filepath.Clean(path), data, config.DefaultFilePermissions)
}

// BootID identifies the current boot.
func (d *Device) BootID(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.bootID, nil
}

// boot runs the bootloader until a slot boots. It mirrors the U-Boot
// integration: while an upgrade is available every attempt increments
// bootcount, and above bootlimit the other slot is restored. An image
// whose first block is blank panics the kernel, which reboots.
func (d *Device) boot(ctx context.Context) error {
	ctx = logger.WithName(ctx, "fake-uboot")

	for attempt := 0; attempt < maxBootAttempts; attempt++ {
		d.boots++

		slot, err := d.selectSlot(ctx)
		if err != nil {
			return err
		}

		bootable, err := isBootable(slot)
		if err != nil {
			return err
		}

		if !bootable {
			logger.InfoKV(ctx, "Kernel panic, rebooting", "slot", slot.String())

			continue
		}

		d.booted = slot
		d.bootID, err = newBootID()
		if err != nil {
			return err
		}

		if err = d.saveConfig(slot); err != nil {
			return err
		}

		logger.InfoKV(ctx, "Booted", "slot", slot.String(), "boot_id", d.bootID)

		return nil
	}

	return ErrUnbootable
}

// saveConfig points the agent at the booted slot. Changes the agent made to
// its configuration survive, like on a real root filesystem.
func (d *Device) saveConfig(slot boot.Slot) error {
	cfg, err := config.Load(d.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = d.cfg, nil
	}

	if err != nil {
		return err
	}

	cfg.RootDevice = slot.Device

	return config.Save(d.ConfigPath(), cfg)
}

// selectSlot applies one round of the bootloader script and returns the slot to boot.
func (d *Device) selectSlot(ctx context.Context) (boot.Slot, error) {
	snap, err := d.store.Read(ctx)
	if err != nil {
		return boot.Slot{}, err
	}

	env := snap.Env
	delta := bootenv.Env{}

	if !d.opts.NoSaveEnvCanary && env[boot.VarSaveEnvCanary] != boot.ValueTrue {
		delta[boot.VarSaveEnvCanary] = boot.ValueTrue
	}

	if env[boot.VarUpgradeAvailable] == boot.ValueTrue {
		count := env.Int(boot.VarBootCount, 0) + 1
		delta[boot.VarBootCount] = strconv.Itoa(count)

		if count > env.Int(boot.VarBootLimit, d.opts.BootLimit) {
			fallback := d.other(env[boot.VarBootPart])
			logger.InfoKV(ctx, "Boot limit exceeded, reverting", "slot", fallback.String())

			delta[boot.VarBootPart] = fallback.ID
			delta[boot.VarUpgradeAvailable] = boot.ValueFalse
			delta[boot.VarBootCount] = "0"

			if hexID, ok := fallback.HexID(); ok {
				delta[boot.VarBootPartHex] = hexID
			}
		}
	}

	if len(delta) > 0 {
		if snap, err = d.store.Write(ctx, delta); err != nil {
			return boot.Slot{}, err
		}

		env = snap.Env
	}

	for _, slot := range d.slots {
		if slot.ID == env[boot.VarBootPart] {
			return slot, nil
		}
	}

	return d.slots[0], nil
}

// other returns the slot that is not id.
func (d *Device) other(id string) boot.Slot {
	if d.slots[0].ID == id {
		return d.slots[1]
	}

	return d.slots[0]
}

// isBootable reports whether the first block of the slot holds data.
func isBootable(slot boot.Slot) (bool, error) {
	f, err := os.Open(filepath.Clean(slot.Device))
	if err != nil {
		return false, err
	}

	defer func() {
		_ = f.Close()
	}()

	block := make([]byte, blockSize)
	if _, err = io.ReadFull(f, block); err != nil {
		return false, err
	}

	return !bytes.Equal(block, make([]byte, len(block))), nil
}

func createImage(path string, size int64, contents []byte) error {
	f, err := os.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_CREATE|os.O_TRUNC, config.DefaultFilePermissions)
	if err != nil {
		return err
	}

	if _, err = f.Write(contents); err == nil {
		err = f.Truncate(size)
	}

	return errors.Join(err, f.Close())
}

func newBootID() (string, error) {
	id := make([]byte, bootIDBytes)
	if _, err := rand.Read(id); err != nil {
		return "", err
	}

	return hex.EncodeToString(id), nil
}
