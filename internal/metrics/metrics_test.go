package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestHandlerExposesCollectors scrapes the handler and looks for agent series.
func TestHandlerExposesCollectors(t *testing.T) {
	t.Parallel()

	UpdatesTotal.WithLabelValues(ResultCommitted).Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL) //nolint:noctx // Test server.
	require.NoError(t, err)

	defer func() {
		require.NoError(t, resp.Body.Close())
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `abota_updates_total{result="committed"}`)
	require.Contains(t, string(body), "go_goroutines")
}
