package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/oshokin/abota/internal/logger"
	"github.com/oshokin/abota/internal/version"
)

// errBadHTTPStatus is returned when the artifact server answers with anything but 200.
var errBadHTTPStatus = errors.New("unexpected http status")

// openSource opens an artifact given as a local path or an http(s) URL.
func (i *Installer) openSource(ctx context.Context, source string) (io.ReadCloser, error) {
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		f, err := os.Open(filepath.Clean(source))
		if err != nil {
			return nil, fmt.Errorf("open artifact: %w", err)
		}

		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", version.UserAgent())

	logger.InfoKV(ctx, "Downloading artifact", "url", u.Redacted())

	response, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download artifact: %w", err)
	}

	if response.StatusCode != http.StatusOK {
		_ = response.Body.Close()

		return nil, fmt.Errorf("%s, %s: %w", u.Redacted(), response.Status, errBadHTTPStatus)
	}

	return response.Body, nil
}
