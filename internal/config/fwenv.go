package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// errFwEnvLine is returned for a line that is not "device offset size ...".
var errFwEnvLine = errors.New("expected: device offset size")

// ParseFwEnvConfig reads an fw_env.config description:
//
//	# device        offset    size
//	/dev/mmcblk0    0x400000  0x4000
//	/dev/mmcblk0    0x800000  0x4000
//
// Trailing erase-sector columns are accepted and ignored. Numbers may be
// decimal, octal or hexadecimal.
func ParseFwEnvConfig(r io.Reader) ([]EnvRegion, error) {
	var (
		regions []EnvRegion
		scanner = bufio.NewScanner(r)
		lineNo  int
	)

	for scanner.Scan() {
		lineNo++

		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: %w", lineNo, errFwEnvLine)
		}

		offset, err := strconv.ParseInt(fields[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d offset: %w", lineNo, err)
		}

		size, err := strconv.ParseInt(fields[2], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d size: %w", lineNo, err)
		}

		regions = append(regions, EnvRegion{
			Device: fields[0],
			Offset: offset,
			Size:   size,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return regions, nil
}
