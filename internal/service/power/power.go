package power

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
)

// ErrUnsupportedOS indicates the current OS cannot be rebooted by the agent.
var ErrUnsupportedOS = errors.New("unsupported operating system")

// Reboot triggers `reboot` so the bootloader picks the next slot.
// The command is started asynchronously; the OS takes over the rest.
func Reboot(ctx context.Context) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("%s: %w", runtime.GOOS, ErrUnsupportedOS)
	}

	return exec.CommandContext(ctx, "reboot").Start()
}
