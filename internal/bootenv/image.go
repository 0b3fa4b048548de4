package bootenv

import (
	"errors"
)

var (
	// ErrOneCopyCorrupt reports that one copy was unreadable and the other one was used.
	ErrOneCopyCorrupt = errors.New("one boot environment copy is corrupt")
	// ErrBothCopiesCorrupt reports that neither copy was readable and defaults were used.
	ErrBothCopiesCorrupt = errors.New("both boot environment copies are corrupt")
)

// NoCopy is the Current index of a resolution that fell back to defaults.
const NoCopy = -1

// Image holds the raw bytes of both copies.
type Image struct {
	// Copies are the raw regions in configuration order.
	Copies [2][]byte
	// Defaults are used when neither copy is valid.
	Defaults Env
}

// Resolution is the environment an Image resolves to.
type Resolution struct {
	// Env is the authoritative variable set.
	Env Env
	// Current is the index of the authoritative copy or NoCopy.
	Current int
	// Counter is the counter of the authoritative copy.
	Counter uint8
	// Corruption is ErrOneCopyCorrupt, ErrBothCopiesCorrupt or nil.
	Corruption error
}

// Stale returns the copy index the next write goes to.
func (r Resolution) Stale() int {
	if r.Current == NoCopy {
		return 0
	}

	return 1 - r.Current
}

// Resolve picks the authoritative copy: the only valid one, or the newer of
// two valid ones, or the defaults when neither is valid.
func (img Image) Resolve() Resolution {
	env0, c0, ok0 := Decode(img.Copies[0])
	env1, c1, ok1 := Decode(img.Copies[1])

	switch {
	case ok0 && ok1:
		if newer(c1, c0) {
			return Resolution{Env: env1, Current: 1, Counter: c1}
		}

		return Resolution{Env: env0, Current: 0, Counter: c0}
	case ok0:
		return Resolution{Env: env0, Current: 0, Counter: c0, Corruption: ErrOneCopyCorrupt}
	case ok1:
		return Resolution{Env: env1, Current: 1, Counter: c1, Corruption: ErrOneCopyCorrupt}
	default:
		return Resolution{Env: img.Defaults.Clone(), Current: NoCopy, Corruption: ErrBothCopiesCorrupt}
	}
}

// Apply merges delta into the resolved environment and serializes the result
// into the stale copy with the next counter. The authoritative copy is left
// byte-identical. It returns the new image and the index of the copy written.
func (img Image) Apply(delta Env) (Image, int, error) {
	res := img.Resolve()
	target := res.Stale()

	raw, err := Encode(res.Env.Merge(delta), res.Counter+1, len(img.Copies[target]))
	if err != nil {
		return img, target, err
	}

	next := Image{Defaults: img.Defaults}
	next.Copies[1-target] = img.Copies[1-target]
	next.Copies[target] = raw

	return next, target, nil
}

// newer reports whether counter a was written after counter b, allowing the
// counter to wrap from 255 to 0.
func newer(a, b uint8) bool {
	return int8(a-b) > 0 //nolint:gosec // Wraparound is the point.
}
