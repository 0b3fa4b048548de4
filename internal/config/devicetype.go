package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-envparse"
)

// deviceTypeKey is the variable naming the device type in DeviceTypeFile.
const deviceTypeKey = "device_type"

// ResolveDeviceType returns DeviceType, or the device_type variable of
// DeviceTypeFile when DeviceType is empty. A missing file yields "", which
// disables the compatibility check.
func (c *Config) ResolveDeviceType() (string, error) {
	if c.DeviceType != "" {
		return c.DeviceType, nil
	}

	if c.DeviceTypeFile == "" {
		return "", nil
	}

	f, err := os.Open(filepath.Clean(c.DeviceTypeFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("open device type file: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	vars, err := envparse.Parse(f)
	if err != nil {
		return "", fmt.Errorf("parse device type file %s: %w", c.DeviceTypeFile, err)
	}

	return strings.TrimSpace(vars[deviceTypeKey]), nil
}
