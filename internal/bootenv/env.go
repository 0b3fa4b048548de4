package bootenv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
)

const (
	// crcSize is the size of the leading checksum.
	crcSize = 4
	// HeaderSize is the checksum plus the redundancy counter.
	HeaderSize = crcSize + 1
)

var (
	// ErrEnvTooLarge is returned when the variables do not fit in a copy.
	ErrEnvTooLarge = errors.New("environment does not fit in region")
	// ErrInvalidVariable is returned for a name that is empty or contains
	// '=' or NUL, or for a value that contains NUL. Either would be read
	// back as different variables.
	ErrInvalidVariable = errors.New("invalid environment variable")
)

// Env is a set of environment variables.
type Env map[string]string

// Clone returns a copy of e.
func (e Env) Clone() Env {
	out := make(Env, len(e))
	for k, v := range e {
		out[k] = v
	}

	return out
}

// Int returns the variable as an integer or def when it is missing or malformed.
func (e Env) Int(name string, def int) int {
	v, ok := e[name]
	if !ok {
		return def
	}

	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}

	return n
}

// Merge returns e with delta applied. An empty value deletes the variable.
func (e Env) Merge(delta Env) Env {
	out := e.Clone()

	for k, v := range delta {
		if v == "" {
			delete(out, k)

			continue
		}

		out[k] = v
	}

	return out
}

// Names returns the variable names in sorted order.
func (e Env) Names() []string {
	names := make([]string, 0, len(e))
	for k := range e {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}

// String renders the variables as sorted name=value lines, the printenv format.
func (e Env) String() string {
	var b strings.Builder
	for _, k := range e.Names() {
		fmt.Fprintf(&b, "%s=%s\n", k, e[k])
	}

	return b.String()
}

// Encode serializes env into a copy of size bytes with the given counter.
func Encode(env Env, counter uint8, size int) ([]byte, error) {
	raw := make([]byte, size)
	if size < HeaderSize+2 {
		return nil, fmt.Errorf("%w: region of %d bytes", ErrEnvTooLarge, size)
	}

	data := raw[HeaderSize:]
	pos := 0

	for _, k := range env.Names() {
		if err := validate(k, env[k]); err != nil {
			return nil, err
		}

		kv := k + "=" + env[k]

		// Keep room for the entry terminator and the final empty string.
		if pos+len(kv)+2 > len(data) {
			return nil, fmt.Errorf("%w: %d bytes available", ErrEnvTooLarge, len(data))
		}

		pos += copy(data[pos:], kv)
		data[pos] = 0
		pos++
	}

	raw[crcSize] = counter
	binary.LittleEndian.PutUint32(raw, crc32.ChecksumIEEE(raw[crcSize:]))

	return raw, nil
}

func validate(name, value string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidVariable)
	case strings.ContainsAny(name, "=\x00"):
		return fmt.Errorf("%w: name %q", ErrInvalidVariable, name)
	case strings.ContainsRune(value, 0):
		return fmt.Errorf("%w: value of %q contains NUL", ErrInvalidVariable, name)
	}

	return nil
}

// Decode parses a copy. ok is false when the checksum does not match.
func Decode(raw []byte) (env Env, counter uint8, ok bool) {
	if len(raw) < HeaderSize {
		return nil, 0, false
	}

	if binary.LittleEndian.Uint32(raw) != crc32.ChecksumIEEE(raw[crcSize:]) {
		return nil, 0, false
	}

	env = make(Env)

	for _, entry := range bytes.Split(raw[HeaderSize:], []byte{0}) {
		if len(entry) == 0 {
			break
		}

		name, value, found := strings.Cut(string(entry), "=")
		if !found || name == "" {
			continue
		}

		env[name] = value
	}

	return env, raw[crcSize], true
}

// Checksum returns the stored checksum of a copy.
func Checksum(raw []byte) uint32 {
	if len(raw) < crcSize {
		return 0
	}

	return binary.LittleEndian.Uint32(raw)
}
