package installer

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/oshokin/abota/internal/artifact"
	"github.com/oshokin/abota/internal/bootenv"
	"github.com/oshokin/abota/internal/config"
	"github.com/oshokin/abota/internal/domain/boot"
	"github.com/oshokin/abota/internal/logger"
	"github.com/oshokin/abota/internal/metrics"
	"github.com/oshokin/abota/internal/partition"
	"github.com/oshokin/abota/internal/repository/state"
	"github.com/oshokin/abota/internal/verify"
)

const (
	// databaseDirname is the pebble directory inside the state directory.
	databaseDirname = "db"
	// stateDirPermissions is the mode of the state directory.
	stateDirPermissions = 0o700
)

var (
	// errUncommittedUpdate is returned when installing while a tested update awaits commit.
	errUncommittedUpdate = errors.New("an installed update is being tested, commit or roll it back first")
	// errSinglePayload is returned for artifacts with more or fewer than one payload file.
	errSinglePayload = errors.New("artifact must contain exactly one payload file")
	// errPayloadType is returned for payloads this agent cannot install.
	errPayloadType = errors.New("unsupported payload type")
)

// Result describes a completed installation.
type Result struct {
	// ArtifactName is the name of the installed artifact.
	ArtifactName string
	// Slot is the slot that will be tried on next boot.
	Slot boot.Slot
	// Evidence is the final verification evidence.
	Evidence verify.Evidence
}

// Installer installs, commits and rolls back updates.
type Installer struct {
	// cfg is the agent configuration.
	cfg *config.Config
	// verifier applies the verification policy.
	verifier *verify.Verifier
	// selector derives and changes the partition state.
	selector *partition.Selector
	// writer streams payloads into slots.
	writer *partition.Writer
	// openRepo opens the update record store for one operation.
	openRepo func() (state.Repository, error)
	// httpClient downloads remote artifacts.
	httpClient *http.Client
}

// New wires an installer from the configuration.
func New(cfg *config.Config) (*Installer, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	var key crypto.PublicKey

	if cfg.ArtifactVerifyKey != "" {
		pub, err := verify.LoadPublicKey(cfg.ArtifactVerifyKey)
		if err != nil {
			return nil, err
		}

		key = pub
	}

	deviceType, err := cfg.ResolveDeviceType()
	if err != nil {
		return nil, err
	}

	store, err := OpenEnvStore(cfg)
	if err != nil {
		return nil, err
	}

	a, b := Slots(cfg)

	var selectorOptions []partition.SelectorOption
	if cfg.RootDevice != "" {
		selectorOptions = append(selectorOptions, partition.WithRootDevice(cfg.RootDevice))
	}

	dbDir := filepath.Join(cfg.StateDir, databaseDirname)

	return &Installer{
		cfg:      cfg,
		verifier: verify.New(key, deviceType),
		selector: partition.NewSelector(store, a, b, selectorOptions...),
		writer:   partition.NewWriter(nil),
		openRepo: func() (state.Repository, error) {
			return state.OpenPebble(dbDir)
		},
		httpClient: &http.Client{Timeout: cfg.DownloadTimeout},
	}, nil
}

// Slots builds slot A and slot B from the configuration. Slots whose
// devices share a partition number fall back to their names as IDs.
func Slots(cfg *config.Config) (boot.Slot, boot.Slot) {
	a := boot.NewSlot("A", cfg.RootfsPartA)
	b := boot.NewSlot("B", cfg.RootfsPartB)

	if a.ID == b.ID {
		a.ID, b.ID = a.Name, b.Name
	}

	return a, b
}

// OpenEnvStore opens the boot environment described by the configuration.
func OpenEnvStore(cfg *config.Config) (*bootenv.Store, error) {
	regions, err := cfg.Regions()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", bootenv.ErrBootloaderUnsupported, err)
	}

	envRegions := make([]bootenv.Region, 0, len(regions))
	for _, r := range regions {
		envRegions = append(envRegions, bootenv.Region{Device: r.Device, Offset: r.Offset, Size: r.Size})
	}

	a, _ := Slots(cfg)

	return bootenv.NewStore(envRegions, partition.Defaults(a, cfg.BootLimit))
}

// Selector exposes the partition selector for status queries.
func (i *Installer) Selector() *partition.Selector {
	return i.selector
}

// Install writes the artifact at source into the passive slot and marks it
// to be tried on next boot. Nothing in the boot environment changes unless
// the whole payload was written and verified.
func (i *Installer) Install(ctx context.Context, source string) (*Result, error) {
	ctx = logger.WithName(ctx, "installer")

	release, err := i.lock(ctx)
	if err != nil {
		return nil, err
	}

	defer release()

	res, err := i.install(ctx, source)
	if err != nil {
		result := metrics.ResultFailed
		if res == nil {
			result = metrics.ResultRejected
		}

		metrics.UpdatesTotal.WithLabelValues(result).Inc()

		name := ""
		if res != nil {
			name = res.ArtifactName
		}

		i.record(ctx, &boot.UpdateRecord{ArtifactName: name, Phase: boot.PhaseFailed, Reason: err.Error()})

		return nil, err
	}

	metrics.UpdatesTotal.WithLabelValues(metrics.ResultInstalled).Inc()
	i.record(ctx, &boot.UpdateRecord{ArtifactName: res.ArtifactName, Slot: res.Slot.Name, Phase: boot.PhaseInstalled})

	logger.InfoKV(ctx, "Update installed, reboot to test it", "artifact", res.ArtifactName, "slot", res.Slot.String())

	return res, nil
}

// install returns a nil result when the artifact was rejected before any
// write and a partial result when it failed after writing started.
func (i *Installer) install(ctx context.Context, source string) (*Result, error) {
	rc, err := i.openSource(ctx, source)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = rc.Close()
	}()

	ar, err := artifact.NewReader(rc)
	if errors.Is(err, artifact.ErrHeaderChecksumMismatch) {
		return nil, i.rejectUnparsedHeader(ctx, ar, err)
	}

	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	defer func() {
		_ = ar.Close()
	}()

	header := ar.Header()
	ctx = logger.WithKV(ctx, "artifact", header.Name)

	ev, decision := i.verifier.Header(ar)
	logger.InfoKV(ctx, "Artifact header verified",
		"version", header.Version,
		"signature", ev.Signature.String(),
		"header", ev.Header.String(),
		"decision", decision.String())

	if !decision.Accepted {
		return nil, decision.Err()
	}

	if len(header.Files) != 1 {
		return nil, fmt.Errorf("%w: %d files", errSinglePayload, len(header.Files))
	}

	if header.PayloadType != artifact.DefaultPayloadType {
		return nil, fmt.Errorf("%w: %q", errPayloadType, header.PayloadType)
	}

	if err = i.selector.RequireCanary(ctx); err != nil {
		return nil, err
	}

	st, err := i.selector.State(ctx)
	if err != nil {
		return nil, err
	}

	if st.Phase == partition.Testing {
		return nil, errUncommittedUpdate
	}

	target := st.Passive
	res := &Result{ArtifactName: header.Name, Slot: target, Evidence: ev}

	payload, err := ar.NextPayload()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: data tarball is empty", errSinglePayload)
	}

	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Streaming payload", "file", payload.Name, "bytes", payload.Size, "slot", target.String())

	if err = i.writer.Stream(ctx, target, payload.Size, payload); err != nil {
		if errors.Is(err, partition.ErrSpaceExhausted) {
			return nil, err
		}

		return res, err
	}

	ev, decision = i.verifier.Finish(ev, ar, payload)
	res.Evidence = ev

	if !decision.Success {
		return res, decision.Err()
	}

	// Cancellation up to here leaves the boot environment untouched.
	if err = ctx.Err(); err != nil {
		return res, err
	}

	if _, err = i.selector.SetPending(ctx, target); err != nil {
		return res, err
	}

	return res, nil
}

// Commit makes the running candidate permanent.
func (i *Installer) Commit(ctx context.Context) error {
	ctx = logger.WithName(ctx, "installer")

	release, err := i.lock(ctx)
	if err != nil {
		return err
	}

	defer release()

	st, err := i.selector.Commit(ctx)
	if err != nil {
		return err
	}

	metrics.UpdatesTotal.WithLabelValues(metrics.ResultCommitted).Inc()
	i.record(ctx, &boot.UpdateRecord{
		ArtifactName: i.lastArtifactName(ctx),
		Slot:         st.Active.Name,
		Phase:        boot.PhaseCommitted,
	})

	return nil
}

// Rollback abandons the update being tested. The environment is left as is:
// the bootloader exceeds the boot limit on next boot and reverts by itself.
func (i *Installer) Rollback(ctx context.Context) error {
	ctx = logger.WithName(ctx, "installer")

	release, err := i.lock(ctx)
	if err != nil {
		return err
	}

	defer release()

	st, err := i.selector.State(ctx)
	if err != nil {
		return err
	}

	if st.Phase != partition.Testing {
		return fmt.Errorf("%w: phase is %s", partition.ErrNotTesting, st.Phase)
	}

	metrics.UpdatesTotal.WithLabelValues(metrics.ResultRolledBack).Inc()
	i.record(ctx, &boot.UpdateRecord{
		ArtifactName: i.lastArtifactName(ctx),
		Slot:         st.Active.Name,
		Phase:        boot.PhaseRolledBack,
		Reason:       "rollback requested",
	})

	logger.InfoKV(ctx, "Rollback recorded, the bootloader will revert on next boot",
		"testing", st.Active.String(), "fallback", st.Passive.String())

	return nil
}

// CurrentArtifact returns the name of the last committed artifact.
func (i *Installer) CurrentArtifact(ctx context.Context) (string, error) {
	repo, err := i.openRepo()
	if err != nil {
		return "", err
	}

	defer func() {
		_ = repo.Close()
	}()

	return repo.CurrentArtifact(ctx)
}

// LastRecord returns the most recent update record.
func (i *Installer) LastRecord(ctx context.Context) (*boot.UpdateRecord, error) {
	repo, err := i.openRepo()
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = repo.Close()
	}()

	return repo.Load(ctx)
}

// rejectUnparsedHeader ranks an artifact whose header could not be parsed.
// The signature is judged first, so a bad signature outranks the checksum
// mismatch.
func (i *Installer) rejectUnparsedHeader(ctx context.Context, ar *artifact.Reader, cause error) error {
	ev, decision := i.verifier.Header(ar)
	logger.InfoKV(ctx, "Artifact header rejected",
		"signature", ev.Signature.String(),
		"header", ev.Header.String(),
		"decision", decision.String())

	reason := decision.Err()
	if reason == nil {
		reason = verify.ErrHeaderChecksumInvalid
	}

	return fmt.Errorf("%w: %w", reason, cause)
}

func (i *Installer) lock(ctx context.Context) (func(), error) {
	return Lock(ctx, i.cfg)
}

// Lock takes the update marker in the state directory. Anything writing the
// boot environment outside an Installer holds it for the duration of the
// write. The returned function releases the marker.
func Lock(ctx context.Context, cfg *config.Config) (func(), error) {
	if err := os.MkdirAll(cfg.StateDir, stateDirPermissions); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return acquireMarker(ctx, cfg.StateDir)
}

// lastArtifactName returns the artifact of the most recent record.
func (i *Installer) lastArtifactName(ctx context.Context) string {
	record, err := i.LastRecord(ctx)
	if err != nil {
		return ""
	}

	return record.ArtifactName
}

// record persists an update record. Failing to record does not fail the
// operation: the boot environment is the source of truth.
func (i *Installer) record(ctx context.Context, record *boot.UpdateRecord) {
	record.Timestamp = time.Now().UTC()

	repo, err := i.openRepo()
	if err != nil {
		logger.WarnKV(ctx, "Unable to open update records", "error", err)

		return
	}

	defer func() {
		_ = repo.Close()
	}()

	if err = repo.Save(ctx, record); err != nil {
		logger.WarnKV(ctx, "Unable to save update record", "error", err)
	}
}
