package verify

import (
	"crypto"

	"github.com/oshokin/abota/internal/artifact"
)

// Verifier gathers evidence from artifacts under one verification policy.
type Verifier struct {
	// key is the configured verification key or nil.
	key crypto.PublicKey
	// deviceType is matched against the artifact's compatible devices; empty matches all.
	deviceType string
}

// New creates a verifier. A nil key disables signature enforcement.
func New(key crypto.PublicKey, deviceType string) *Verifier {
	return &Verifier{key: key, deviceType: deviceType}
}

// Key returns the configured key kind.
func (v *Verifier) Key() KeyKind {
	if v.key == nil {
		return KeyNone
	}

	return KindOf(v.key)
}

// Header gathers the pre-payload evidence of r and decides on it.
// The decision is final when it is not Accepted.
func (v *Verifier) Header(r *artifact.Reader) (Evidence, Decision) {
	ev := Evidence{
		Key:    v.Key(),
		Header: ChecksumInvalid,
	}

	message, sig := r.Signed()

	switch {
	case len(sig) == 0:
		ev.Signature = SignatureAbsent
	case ev.Key == KeyNone:
		ev.Signature = SignatureUnverified
	case checkSignature(v.key, message, sig):
		ev.Signature = SignatureValid
	default:
		ev.Signature = SignatureInvalid
	}

	if r.HeaderChecksumValid() {
		ev.Header = ChecksumValid
	}

	h := r.Header()
	ev.Incompatible = !h.CompatibleWith(v.deviceType)

	return ev, Decide(ev)
}

// Finish folds the checksum of a fully read payload into ev and decides again.
func (v *Verifier) Finish(ev Evidence, r *artifact.Reader, p *artifact.Payload) (Evidence, Decision) {
	ev.Payload = ChecksumInvalid

	if want, ok := r.PayloadChecksum(p.Name); ok && want == p.Sum() {
		ev.Payload = ChecksumValid
	}

	return ev, Decide(ev)
}
