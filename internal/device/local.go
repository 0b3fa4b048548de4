package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/oshokin/abota/internal/config"
)

const (
	// bootIDPath is where Linux exposes the random ID of the current boot.
	bootIDPath = "/proc/sys/kernel/random/boot_id"
	// dirPermissions is used for directories created by Push.
	dirPermissions = 0o750
)

// Local is the channel of the machine the process runs on. It backs the
// gRPC device server.
type Local struct {
	// Shell runs command lines, "/bin/sh" when empty.
	Shell string
}

// Run executes command with the shell.
func (l *Local) Run(ctx context.Context, command string) (Result, error) {
	shell := l.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var stdout, stderr bytes.Buffer

	//nolint:gosec // Running operator supplied commands is the purpose of the channel.
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return Result{}, fmt.Errorf("run %q: %w", command, err)
	}

	return Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}, nil
}

// Fetch reads a local file.
func (l *Local) Fetch(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(filepath.Clean(path))
}

// Push writes a local file, creating its directory.
func (l *Local) Push(_ context.Context, path string, data []byte) error {
	path = filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return err
	}

	return os.WriteFile(path, data, config.DefaultFilePermissions)
}

// BootID reads the kernel boot ID.
func (l *Local) BootID(_ context.Context) (string, error) {
	data, err := os.ReadFile(bootIDPath)
	if err != nil {
		return "", fmt.Errorf("read boot id: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}
