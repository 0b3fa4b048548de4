package device

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("unreachable")

// rebootingChannel reports errors for a few polls and then a new boot ID.
type rebootingChannel struct {
	Local

	mu       sync.Mutex
	polls    int
	downFor  int
	bootID   string
	commands []string
}

func (c *rebootingChannel) Run(_ context.Context, command string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commands = append(c.commands, command)

	return Result{}, nil
}

func (c *rebootingChannel) BootID(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.polls++

	switch {
	case c.polls == 1:
		return "boot-1", nil
	case c.polls <= 1+c.downFor:
		return "", errUnreachable
	default:
		return c.bootID, nil
	}
}

// TestLocalRun checks output capture and that exit codes are not channel errors.
func TestLocalRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ch := new(Local)

	res, err := ch.Run(ctx, "echo out; echo err >&2; exit 3")
	require.NoError(t, err)
	require.Equal(t, "out\n", string(res.Stdout))
	require.Equal(t, "err\n", string(res.Stderr))
	require.Equal(t, 3, res.ExitCode)

	_, err = Check(ctx, ch, "exit 3")
	require.ErrorIs(t, err, ErrCommandFailed)

	res, err = Check(ctx, ch, "printf ok")
	require.NoError(t, err)
	require.Equal(t, "ok", string(res.Stdout))
}

// TestLocalFiles pushes a file into a new directory and fetches it.
func TestLocalFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ch := new(Local)
	path := filepath.Join(t.TempDir(), "work", "payload")

	require.NoError(t, ch.Push(ctx, path, []byte("data")))

	got, err := ch.Fetch(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "data", string(got))
}

// TestReboot waits through an unreachable device until the boot ID changes.
func TestReboot(t *testing.T) {
	t.Parallel()

	ch := &rebootingChannel{downFor: 3, bootID: "boot-2"}

	id, err := Reboot(context.Background(), ch, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "boot-2", id)
	require.Equal(t, []string{"reboot"}, ch.commands)
}

// TestWaitForReconnectTimeout gives up when the device never comes back.
func TestWaitForReconnectTimeout(t *testing.T) {
	t.Parallel()

	ch := &rebootingChannel{downFor: 1 << 30}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := WaitForReconnect(ctx, ch, "boot-1", time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
