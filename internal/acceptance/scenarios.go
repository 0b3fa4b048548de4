package acceptance

import (
	"bytes"
	"context"
	"crypto"
	"fmt"
	"io"
	"strings"

	"github.com/oshokin/abota/internal/artifact/tamper"
	"github.com/oshokin/abota/internal/verify"
)

const (
	// imageSize is the size of the rootfs images installed by the scenarios.
	imageSize = 64 << 10
	// checkVariable is the variable written by the redundant environment scenario.
	checkVariable = "abota_acceptance_check"
)

// scenario is one named acceptance scenario.
type scenario struct {
	name string
	run  func(ctx context.Context, h *Harness) error
}

// scenarios lists every scenario in the order Run executes them.
func scenarios() []scenario {
	return []scenario{
		{name: "redundant-env", run: redundantEnv},
		{name: "saveenv-canary", run: saveEnvCanary},
		{name: "signed-updates", run: signedUpdates},
		{name: "too-big-image", run: tooBigImage},
		{name: "broken-image-rollback", run: brokenImageRollback},
		{name: "network-update", run: networkUpdate},
	}
}

// Scenarios returns the names of all scenarios.
func Scenarios() []string {
	all := scenarios()
	names := make([]string, 0, len(all))

	for _, s := range all {
		names = append(names, s.name)
	}

	return names
}

func lookup(name string) (scenario, bool) {
	for _, s := range scenarios() {
		if s.name == name {
			return s, true
		}
	}

	return scenario{}, false
}

// redundantEnv checks that a write changes exactly one copy and that losing
// the newest copy brings back the previous environment.
func redundantEnv(ctx context.Context, h *Harness) error {
	before, err := h.env(ctx)
	if err != nil {
		return err
	}

	copiesBefore, err := h.values(ctx, "env", "show")
	if err != nil {
		return err
	}

	if _, err = h.agentOK(ctx, "setenv", checkVariable, "42"); err != nil {
		return err
	}

	copiesAfter, err := h.values(ctx, "env", "show")
	if err != nil {
		return err
	}

	changed := 0

	for _, name := range []string{"copy0_checksum", "copy1_checksum"} {
		if copiesBefore[name] != copiesAfter[name] {
			changed++
		}
	}

	if err = expect(changed == 1, "%d copies changed on a single write", changed); err != nil {
		return err
	}

	env, err := h.env(ctx)
	if err != nil {
		return err
	}

	if err = expect(env[checkVariable] == "42", "%s=%q after setenv", checkVariable, env[checkVariable]); err != nil {
		return err
	}

	if _, err = h.agentOK(ctx, "env", "corrupt", copiesAfter["current"]); err != nil {
		return err
	}

	restored, err := h.env(ctx)
	if err != nil {
		return err
	}

	if err = sameEnv(before, restored); err != nil {
		return fmt.Errorf("after corrupting the newest copy: %w", err)
	}

	// Rewrites the corrupt copy.
	_, err = h.agentOK(ctx, "setenv", checkVariable)

	return err
}

// saveEnvCanary checks that partitions are never switched before the
// bootloader proved it saves the environment the agent writes.
func saveEnvCanary(ctx context.Context, h *Harness) error {
	if _, err := h.agentOK(ctx, "setenv", "mender_saveenv_canary"); err != nil {
		return err
	}

	data, err := h.bootable(build{name: "canary-update"})
	if err != nil {
		return err
	}

	target, err := h.push(ctx, "canary-update.abota", data)
	if err != nil {
		return err
	}

	before, err := h.env(ctx)
	if err != nil {
		return err
	}

	res, err := h.agent(ctx, "install", target)
	if err != nil {
		return err
	}

	if err = expect(res.ExitCode != 0 && bytes.Contains(res.Stderr, []byte("canary")),
		"install without canary: exit %d: %s", res.ExitCode, res.Stderr); err != nil {
		return err
	}

	after, err := h.env(ctx)
	if err != nil {
		return err
	}

	if err = sameEnv(before, after); err != nil {
		return fmt.Errorf("refused install touched the environment: %w", err)
	}

	// The bootloader saves the environment, canary included, while booting.
	if err = h.reboot(ctx); err != nil {
		return err
	}

	if _, err = h.agentOK(ctx, "install", target); err != nil {
		return err
	}

	return h.commitPending(ctx)
}

// signatureCase is one row of the signed update matrix.
type signatureCase struct {
	name string
	// signed makes the artifact carry a signature from the device key.
	signed bool
	// key installs the verification key on the device.
	key bool
	// corrupt damages the artifact after signing.
	corrupt func(src io.Reader, dst io.Writer) error
	// reason is expected on stderr of a failed install; empty means success.
	reason string
}

// signatureCases covers every signature, key and checksum combination that
// leads to a distinct outcome.
func signatureCases() []signatureCase {
	return []signatureCase{
		{name: "signed", signed: true, key: true},
		{name: "signed-without-key", signed: true},
		{name: "unsigned-without-key"},
		{name: "unsigned-with-key", key: true, reason: "not signed"},
		{name: "broken-signature", signed: true, key: true, corrupt: tamper.Signature, reason: "signature is invalid"},
		{name: "broken-payload", signed: true, key: true, corrupt: tamper.Payload, reason: "payload checksum is invalid"},
		{name: "broken-header", signed: true, key: true, corrupt: tamper.Header, reason: "header checksum is invalid"},
		{name: "broken-header-without-key", corrupt: tamper.Header, reason: "header checksum is invalid"},
	}
}

// signedUpdates installs the signature matrix for RSA and EC keys and every
// artifact format version. Failed installs must leave the environment as it was.
func signedUpdates(ctx context.Context, h *Harness) error {
	for _, kind := range []verify.KeyKind{verify.KeyRSA, verify.KeyEC} {
		key, err := verify.GenerateKey(kind)
		if err != nil {
			return err
		}

		pem, err := verify.MarshalPublicKey(key.Public())
		if err != nil {
			return err
		}

		keyPath, err := h.push(ctx, "artifact-verify-key-"+kind.String()+".pem", pem)
		if err != nil {
			return err
		}

		for version := 1; version <= 3; version++ {
			for _, c := range signatureCases() {
				label := fmt.Sprintf("%s/v%d/%s", kind, version, c.name)

				if err = signedUpdate(ctx, h, label, key, keyPath, version, c); err != nil {
					return fmt.Errorf("%s: %w", label, err)
				}
			}
		}
	}

	if _, err := h.agentOK(ctx, "config", "set", "ArtifactVerifyKey="); err != nil {
		return err
	}

	// A broken payload may have overwritten the pending slot, so a good
	// image is installed before it is booted.
	data, err := h.bootable(build{name: "signed-updates-final"})
	if err != nil {
		return err
	}

	target, err := h.push(ctx, "signed-update.abota", data)
	if err != nil {
		return err
	}

	if _, err = h.agentOK(ctx, "install", target); err != nil {
		return err
	}

	return h.commitPending(ctx)
}

func signedUpdate(
	ctx context.Context,
	h *Harness,
	label string,
	key crypto.Signer,
	keyPath string,
	version int,
	c signatureCase,
) error {
	setting := "ArtifactVerifyKey="
	if c.key {
		setting += keyPath
	}

	if _, err := h.agentOK(ctx, "config", "set", setting); err != nil {
		return err
	}

	b := build{
		name:    strings.ReplaceAll(label, "/", "-"),
		version: version,
		corrupt: c.corrupt,
	}
	if c.signed {
		b.signer = key
	}

	data, err := h.bootable(b)
	if err != nil {
		return err
	}

	target, err := h.push(ctx, "signed-update.abota", data)
	if err != nil {
		return err
	}

	before, err := h.env(ctx)
	if err != nil {
		return err
	}

	res, err := h.agent(ctx, "install", target)
	if err != nil {
		return err
	}

	after, err := h.env(ctx)
	if err != nil {
		return err
	}

	if c.reason == "" {
		if err = expect(res.ExitCode == 0, "install failed: %s", res.Stderr); err != nil {
			return err
		}

		return expect(after["upgrade_available"] == "1", "upgrade_available=%q after install", after["upgrade_available"])
	}

	if err = expect(res.ExitCode != 0, "install succeeded"); err != nil {
		return err
	}

	if err = expect(bytes.Contains(res.Stderr, []byte(c.reason)),
		"expected %q in: %s", c.reason, res.Stderr); err != nil {
		return err
	}

	return sameEnv(before, after)
}

// tooBigImage installs an image one byte larger than the passive slot.
func tooBigImage(ctx context.Context, h *Harness) error {
	size, err := h.passiveSize(ctx)
	if err != nil {
		return err
	}

	data, err := h.artifact(build{name: "too-big-image", image: blankImage(size + 1)})
	if err != nil {
		return err
	}

	target, err := h.push(ctx, "too-big-image.abota", data)
	if err != nil {
		return err
	}

	before, err := h.env(ctx)
	if err != nil {
		return err
	}

	res, err := h.agent(ctx, "install", target)
	if err != nil {
		return err
	}

	if err = expect(res.ExitCode != 0 && bytes.Contains(res.Stderr, []byte("no space left on device")),
		"install of an oversized image: exit %d: %s", res.ExitCode, res.Stderr); err != nil {
		return err
	}

	after, err := h.env(ctx)
	if err != nil {
		return err
	}

	return sameEnv(before, after)
}

// brokenImageRollback installs an image that does not boot and expects the
// bootloader to return to the previous slot.
func brokenImageRollback(ctx context.Context, h *Harness) error {
	before, err := h.slots(ctx)
	if err != nil {
		return err
	}

	data, err := h.artifact(build{name: "broken-image", image: blankImage(imageSize)})
	if err != nil {
		return err
	}

	target, err := h.push(ctx, "broken-image.abota", data)
	if err != nil {
		return err
	}

	if _, err = h.agentOK(ctx, "install", target); err != nil {
		return err
	}

	if err = h.reboot(ctx); err != nil {
		return err
	}

	after, err := h.slots(ctx)
	if err != nil {
		return err
	}

	if err = expect(after["active"] == before["active"] && after["phase"] == "stable",
		"after a broken update: active=%s phase=%s, want active=%s phase=stable",
		after["active"], after["phase"], before["active"]); err != nil {
		return err
	}

	res, err := h.agent(ctx, "commit")
	if err != nil {
		return err
	}

	return expect(res.ExitCode != 0, "commit succeeded without an update under test")
}

// networkUpdate downloads an update over HTTP, boots it and commits it.
func networkUpdate(ctx context.Context, h *Harness) error {
	if h.Artifacts == nil {
		return errNoArtifactServer
	}

	before, err := h.slots(ctx)
	if err != nil {
		return err
	}

	const name = "network-update"

	data, err := h.bootable(build{name: name})
	if err != nil {
		return err
	}

	url, err := h.Artifacts.Publish(name+".abota", data)
	if err != nil {
		return err
	}

	if _, err = h.agentOK(ctx, "install", url); err != nil {
		return err
	}

	if err = h.reboot(ctx); err != nil {
		return err
	}

	trial, err := h.slots(ctx)
	if err != nil {
		return err
	}

	if err = expect(trial["phase"] == "testing" && trial["active"] == before["passive"],
		"after reboot: active=%s phase=%s, want active=%s phase=testing",
		trial["active"], trial["phase"], before["passive"]); err != nil {
		return err
	}

	if _, err = h.agentOK(ctx, "commit"); err != nil {
		return err
	}

	committed, err := h.slots(ctx)
	if err != nil {
		return err
	}

	if err = expect(committed["phase"] == "stable" && committed["active"] == before["passive"],
		"after commit: active=%s phase=%s", committed["active"], committed["phase"]); err != nil {
		return err
	}

	res, err := h.agentOK(ctx, "show-artifact")
	if err != nil {
		return err
	}

	return expect(strings.TrimSpace(string(res.Stdout)) == name, "show-artifact printed %q", res.Stdout)
}
