package acceptance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-envparse"

	"github.com/oshokin/abota/internal/device"
	"github.com/oshokin/abota/internal/logger"
)

// DefaultAgent is the agent command on the device.
const DefaultAgent = "abota-agent"

var (
	// ErrAssertion is wrapped by every failed scenario check.
	ErrAssertion = errors.New("assertion failed")
	// errUnknownScenario is returned for scenario names that are not registered.
	errUnknownScenario = errors.New("unknown scenario")
	// errNoArtifactServer is returned by scenarios that need to publish artifacts.
	errNoArtifactServer = errors.New("no artifact server configured")
)

// Harness drives a device through its channel.
type Harness struct {
	// Channel reaches the device.
	Channel device.Channel
	// WorkDir is a writable directory on the device for artifacts and keys.
	WorkDir string
	// Agent is the agent command on the device, DefaultAgent when empty.
	Agent string
	// Artifacts publishes artifacts for download by the device.
	Artifacts ArtifactServer
	// DeviceType is written into the artifacts.
	DeviceType string
	// RootfsImage is a bootable rootfs image file for the device. Synthetic
	// images, which only the fake device boots, are used when it is empty.
	RootfsImage string
	// ReconnectInterval is how often the boot ID is polled after a reboot.
	ReconnectInterval time.Duration
}

// Outcome is the result of one scenario.
type Outcome struct {
	// Name is the scenario name.
	Name string
	// Err is nil when the scenario passed.
	Err error
	// Duration is how long the scenario took.
	Duration time.Duration
}

// Run executes the named scenarios in order, all of them when none are named.
func (h *Harness) Run(ctx context.Context, names ...string) []Outcome {
	if len(names) == 0 {
		names = Scenarios()
	}

	outcomes := make([]Outcome, 0, len(names))

	for _, name := range names {
		started := time.Now()
		scenarioCtx := logger.WithKV(logger.WithName(ctx, "acceptance"), "scenario", name)

		var err error

		if scenario, ok := lookup(name); ok {
			logger.Info(scenarioCtx, "Scenario started")
			err = scenario.run(scenarioCtx, h)
		} else {
			err = fmt.Errorf("%q: %w", name, errUnknownScenario)
		}

		outcome := Outcome{Name: name, Err: err, Duration: time.Since(started)}
		if err != nil {
			logger.ErrorKV(scenarioCtx, "Scenario failed", "error", err)
		} else {
			logger.InfoKV(scenarioCtx, "Scenario passed", "duration", outcome.Duration.Round(time.Millisecond))
		}

		outcomes = append(outcomes, outcome)
	}

	return outcomes
}

// agent runs the agent with args. A non-zero exit code is not an error.
func (h *Harness) agent(ctx context.Context, args ...string) (device.Result, error) {
	name := h.Agent
	if name == "" {
		name = DefaultAgent
	}

	return h.Channel.Run(ctx, name+" "+strings.Join(args, " "))
}

// agentOK runs the agent and fails on a non-zero exit code.
func (h *Harness) agentOK(ctx context.Context, args ...string) (device.Result, error) {
	res, err := h.agent(ctx, args...)
	if err != nil {
		return res, err
	}

	if res.ExitCode != 0 {
		return res, fmt.Errorf("%s exited with %d: %s: %w",
			strings.Join(args, " "), res.ExitCode, bytes.TrimSpace(res.Stderr), device.ErrCommandFailed)
	}

	return res, nil
}

// values runs an agent command printing name=value lines and parses them.
func (h *Harness) values(ctx context.Context, args ...string) (map[string]string, error) {
	res, err := h.agentOK(ctx, args...)
	if err != nil {
		return nil, err
	}

	values, err := envparse.Parse(bytes.NewReader(res.Stdout))
	if err != nil {
		return nil, fmt.Errorf("parse %s output: %w", strings.Join(args, " "), err)
	}

	return values, nil
}

// env returns the bootloader environment.
func (h *Harness) env(ctx context.Context) (map[string]string, error) {
	return h.values(ctx, "printenv")
}

// slots returns the partition state.
func (h *Harness) slots(ctx context.Context) (map[string]string, error) {
	return h.values(ctx, "slot", "show")
}

// passiveSize returns the capacity of the passive slot.
func (h *Harness) passiveSize(ctx context.Context) (int64, error) {
	st, err := h.slots(ctx)
	if err != nil {
		return 0, err
	}

	return strconv.ParseInt(st["passive_size"], 10, 64)
}

// push copies data to a file in the work directory and returns its device path.
func (h *Harness) push(ctx context.Context, name string, data []byte) (string, error) {
	target := path.Join(h.WorkDir, name)

	return target, h.Channel.Push(ctx, target, data)
}

// reboot restarts the device and waits for it.
func (h *Harness) reboot(ctx context.Context) error {
	_, err := device.Reboot(ctx, h.Channel, h.ReconnectInterval)

	return err
}

// commitPending boots a pending update and commits it, leaving the device stable.
func (h *Harness) commitPending(ctx context.Context) error {
	env, err := h.env(ctx)
	if err != nil {
		return err
	}

	if env["upgrade_available"] != "1" {
		return nil
	}

	if err = h.reboot(ctx); err != nil {
		return err
	}

	_, err = h.agentOK(ctx, "commit")

	return err
}

// expect returns an assertion error unless ok.
func expect(ok bool, format string, args ...any) error {
	if ok {
		return nil
	}

	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrAssertion)
}

// sameEnv compares two environments and names the first difference.
func sameEnv(want, got map[string]string) error {
	for name, value := range want {
		if got[name] != value {
			return expect(false, "%s changed from %q to %q", name, value, got[name])
		}
	}

	for name, value := range got {
		if _, ok := want[name]; !ok {
			return expect(false, "%s=%q appeared", name, value)
		}
	}

	return nil
}
