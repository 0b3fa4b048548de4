package acceptance

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	harness "github.com/oshokin/abota/internal/acceptance"
)

// TestReport prints one line per scenario and a summary.
func TestReport(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	err := report(&out, []harness.Outcome{
		{Name: "redundant-env", Duration: 1500 * time.Millisecond},
		{Name: "too-big-image", Err: errors.New("install succeeded"), Duration: time.Second},
	})
	require.ErrorIs(t, err, ErrScenariosFailed)
	require.Equal(t,
		"PASS redundant-env (1.5s)\n"+
			"FAIL too-big-image (1s): install succeeded\n"+
			"1 passed, 1 failed\n",
		out.String())

	out.Reset()
	require.NoError(t, report(&out, []harness.Outcome{{Name: "redundant-env"}}))
	require.Equal(t, "PASS redundant-env (0s)\n1 passed, 0 failed\n", out.String())
}

// TestServeArtifacts advertises the bound address by default.
func TestServeArtifacts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	artifacts, stop, err := serveArtifacts(ctx, "127.0.0.1:0", "")
	require.NoError(t, err)

	defer stop()

	require.Regexp(t, `^http://127\.0\.0\.1:\d+$`, artifacts.BaseURL)

	url, err := artifacts.Publish("release.mender", []byte("artifact"))
	require.NoError(t, err)
	require.Equal(t, artifacts.BaseURL+"/release.mender", url)
}
