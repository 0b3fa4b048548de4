package partition

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/moby/sys/mountinfo"

	"github.com/oshokin/abota/internal/bootenv"
	"github.com/oshokin/abota/internal/domain/boot"
	"github.com/oshokin/abota/internal/logger"
)

// Phase is the update phase derived from the boot environment.
type Phase int

const (
	// Stable means no update is in progress.
	Stable Phase = iota
	// PendingTest means a candidate slot will be tried on next boot.
	PendingTest
	// Testing means the candidate slot is running but not committed.
	Testing
)

func (p Phase) String() string {
	switch p {
	case PendingTest:
		return "pending-test"
	case Testing:
		return "testing"
	default:
		return "stable"
	}
}

var (
	// ErrCanaryMissing is returned when the environment lacks the save canary,
	// which proves the bootloader reads the environment this agent writes.
	ErrCanaryMissing = errors.New("boot environment save canary is missing, refusing to switch partitions")
	// ErrNotTesting is returned when committing or rolling back outside of Testing.
	ErrNotTesting = errors.New("no update is being tested")
	// ErrNotPassive is returned when asked to switch to a slot that is not passive.
	ErrNotPassive = errors.New("candidate is not the passive slot")
	// ErrUnknownBootPart is returned when mender_boot_part names no configured slot.
	ErrUnknownBootPart = errors.New("boot partition does not match any slot")
)

// EnvStore is the boot environment storage used by the Selector.
type EnvStore interface {
	Read(ctx context.Context) (bootenv.Snapshot, error)
	Write(ctx context.Context, delta bootenv.Env) (bootenv.Snapshot, error)
}

// State is the partition state at one point in time.
type State struct {
	// Phase is the update phase.
	Phase Phase
	// Active is the running slot.
	Active boot.Slot
	// Passive is the slot updates are written to. In PendingTest it is the candidate.
	Passive boot.Slot
	// BootCount is the number of boots of the candidate so far.
	BootCount int
	// Env is the environment the state was derived from.
	Env bootenv.Env
}

// Selector derives and changes the partition state.
type Selector struct {
	// store holds the boot environment.
	store EnvStore
	// slots are slot A and slot B.
	slots [2]boot.Slot
	// rootDevice returns the device mounted at /, or "" when unknown.
	rootDevice func() (string, error)
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithRootDevice overrides root filesystem detection. An empty device disables the cross-check.
func WithRootDevice(device string) SelectorOption {
	return func(s *Selector) {
		s.rootDevice = func() (string, error) { return device, nil }
	}
}

// NewSelector creates a selector over slots a and b.
func NewSelector(store EnvStore, a, b boot.Slot, options ...SelectorOption) *Selector {
	s := &Selector{
		store:      store,
		slots:      [2]boot.Slot{a, b},
		rootDevice: mountedRoot,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// Slots returns slot A and slot B.
func (s *Selector) Slots() [2]boot.Slot {
	return s.slots
}

// Lookup returns the slot with the given ID or name.
func (s *Selector) Lookup(idOrName string) (boot.Slot, bool) {
	for _, slot := range s.slots {
		if slot.ID == idOrName || slot.Name == idOrName {
			return slot, true
		}
	}

	return boot.Slot{}, false
}

// State derives the current state from the boot environment.
func (s *Selector) State(ctx context.Context) (State, error) {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return State{}, err
	}

	st, err := s.derive(snap.Env)
	if err != nil {
		return State{}, err
	}

	s.crossCheck(ctx, st)

	return st, nil
}

func (s *Selector) derive(env bootenv.Env) (State, error) {
	part, ok := s.Lookup(env[boot.VarBootPart])
	if !ok {
		return State{}, fmt.Errorf("%w: %s=%q", ErrUnknownBootPart, boot.VarBootPart, env[boot.VarBootPart])
	}

	other := s.other(part)
	st := State{
		Phase:     Stable,
		Active:    part,
		Passive:   other,
		BootCount: env.Int(boot.VarBootCount, 0),
		Env:       env,
	}

	if env[boot.VarUpgradeAvailable] != boot.ValueTrue {
		return st, nil
	}

	if st.BootCount == 0 {
		st.Phase = PendingTest
		st.Active, st.Passive = other, part

		return st, nil
	}

	st.Phase = Testing

	return st, nil
}

func (s *Selector) other(slot boot.Slot) boot.Slot {
	if slot.ID == s.slots[0].ID {
		return s.slots[1]
	}

	return s.slots[0]
}

// crossCheck compares the derived active slot with the mounted root filesystem.
func (s *Selector) crossCheck(ctx context.Context, st State) {
	root, err := s.rootDevice()
	if err != nil {
		logger.DebugKV(ctx, "Root device detection failed", "error", err)

		return
	}

	if root == "" {
		return
	}

	root = filepath.Clean(root)
	for _, slot := range s.slots {
		if filepath.Clean(slot.Device) != root {
			continue
		}

		if slot.ID != st.Active.ID {
			logger.WarnKV(ctx, "Mounted root filesystem disagrees with boot environment",
				"mounted", slot.String(),
				"derived", st.Active.String(),
				"phase", st.Phase.String())
		}

		return
	}
}

// RequireCanary fails unless the environment holds the save canary.
func (s *Selector) RequireCanary(ctx context.Context) error {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return err
	}

	if snap.Env[boot.VarSaveEnvCanary] != boot.ValueTrue {
		return ErrCanaryMissing
	}

	return nil
}

// SetPending makes candidate boot next, on trial. All variables are written
// in a single environment transaction.
func (s *Selector) SetPending(ctx context.Context, candidate boot.Slot) (State, error) {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return State{}, err
	}

	if snap.Env[boot.VarSaveEnvCanary] != boot.ValueTrue {
		return State{}, ErrCanaryMissing
	}

	st, err := s.derive(snap.Env)
	if err != nil {
		return State{}, err
	}

	if st.Passive.ID != candidate.ID {
		return State{}, fmt.Errorf("%w: %s, passive is %s", ErrNotPassive, candidate, st.Passive)
	}

	delta := bootenv.Env{
		boot.VarBootPart:         candidate.ID,
		boot.VarUpgradeAvailable: boot.ValueTrue,
		boot.VarBootCount:        "0",
	}
	if hex, ok := candidate.HexID(); ok {
		delta[boot.VarBootPartHex] = hex
	}

	snap, err = s.store.Write(ctx, delta)
	if err != nil {
		return State{}, fmt.Errorf("mark %s pending: %w", candidate, err)
	}

	logger.InfoKV(ctx, "Candidate slot will be tried on next boot", "slot", candidate.String())

	return s.derive(snap.Env)
}

// Commit makes the running candidate permanent.
func (s *Selector) Commit(ctx context.Context) (State, error) {
	st, err := s.State(ctx)
	if err != nil {
		return State{}, err
	}

	if st.Phase != Testing {
		return st, fmt.Errorf("%w: phase is %s", ErrNotTesting, st.Phase)
	}

	snap, err := s.store.Write(ctx, bootenv.Env{
		boot.VarUpgradeAvailable: boot.ValueFalse,
		boot.VarBootCount:        "0",
	})
	if err != nil {
		return State{}, fmt.Errorf("commit %s: %w", st.Active, err)
	}

	logger.InfoKV(ctx, "Slot committed", "slot", st.Active.String())

	return s.derive(snap.Env)
}

// Defaults returns the environment used when both copies are corrupt:
// slot A stable, no canary.
func Defaults(a boot.Slot, bootLimit int) bootenv.Env {
	env := bootenv.Env{
		boot.VarUpgradeAvailable: boot.ValueFalse,
		boot.VarBootCount:        "0",
		boot.VarBootLimit:        strconv.Itoa(bootLimit),
		boot.VarBootPart:         a.ID,
	}
	if hex, ok := a.HexID(); ok {
		env[boot.VarBootPartHex] = hex
	}

	return env
}

// mountedRoot returns the source device of the / mount.
func mountedRoot() (string, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter("/"))
	if err != nil {
		return "", fmt.Errorf("read mount table: %w", err)
	}

	if len(mounts) == 0 {
		return "", nil
	}

	return mounts[len(mounts)-1].Source, nil
}
