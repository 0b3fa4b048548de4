package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/abota/internal/logger"
)

// MarkerFilename marks that an update operation is running right now to avoid parallel execution.
const MarkerFilename = "update.marker"

// markerPermissions is the mode of the marker file.
const markerPermissions = 0o600

// ErrUpdateInProgress is returned when another process holds the update marker.
var ErrUpdateInProgress = errors.New("another update operation is in progress")

// acquireMarker creates the marker holding our PID. A marker left behind by a
// process that no longer exists is removed and acquisition retried once.
func acquireMarker(ctx context.Context, dir string) (func(), error) {
	path := filepath.Join(dir, MarkerFilename)

	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, markerPermissions)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()

			if err = errors.Join(werr, cerr); err != nil {
				_ = os.Remove(path)

				return nil, fmt.Errorf("write update marker: %w", err)
			}

			return func() {
				if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
					logger.WarnKV(ctx, "Unable to remove update marker", "error", rerr)
				}
			}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create update marker: %w", err)
		}

		if attempt > 0 || IsUpdateRunning(ctx, dir) {
			return nil, ErrUpdateInProgress
		}
	}
}

// IsUpdateRunning checks presence of a marker file and removes it if its owner is gone.
func IsUpdateRunning(ctx context.Context, dir string) bool {
	path := filepath.Join(dir, MarkerFilename)

	contents, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return false
	}

	if err != nil {
		logger.Infof(ctx, "Unable to read update marker: %v", err)

		return true
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err == nil {
		if pid == os.Getpid() {
			return true
		}

		var process ps.Process

		process, err = ps.FindProcess(pid)
		if err == nil && process != nil {
			return true
		}
	}

	logger.InfoKV(ctx, "The update marker is stale, removing it", "pid", strings.TrimSpace(string(contents)))

	if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return true
	}

	return false
}
