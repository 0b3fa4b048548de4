package verify

import (
	"errors"
	"fmt"
)

// SignatureStatus describes the detached signature of an artifact.
type SignatureStatus int

const (
	// SignatureAbsent means the artifact carries no signature.
	SignatureAbsent SignatureStatus = iota
	// SignatureUnverified means a signature is present but no key is configured.
	SignatureUnverified
	// SignatureValid means the signature verifies against the configured key.
	SignatureValid
	// SignatureInvalid means the signature does not verify against the configured key.
	SignatureInvalid
)

// String returns the human readable status printed by `artifact read`.
func (s SignatureStatus) String() string {
	switch s {
	case SignatureUnverified:
		return "signed but no public key provided"
	case SignatureValid:
		return "signed and verified correctly"
	case SignatureInvalid:
		return "signed but verification failed"
	default:
		return "no signature"
	}
}

// KeyKind is the type of the configured verification key.
type KeyKind int

const (
	// KeyNone means no verification key is configured.
	KeyNone KeyKind = iota
	// KeyRSA selects RSA PKCS#1 v1.5 with SHA-256.
	KeyRSA
	// KeyEC selects ECDSA (ASN.1 signatures) with SHA-256.
	KeyEC
)

func (k KeyKind) String() string {
	switch k {
	case KeyRSA:
		return "rsa"
	case KeyEC:
		return "ec"
	default:
		return "none"
	}
}

// ChecksumStatus is the outcome of a checksum comparison.
type ChecksumStatus int

const (
	// ChecksumUnchecked means the data has not been hashed yet.
	ChecksumUnchecked ChecksumStatus = iota
	// ChecksumValid means the data matches its recorded checksum.
	ChecksumValid
	// ChecksumInvalid means the data does not match its recorded checksum.
	ChecksumInvalid
)

func (c ChecksumStatus) String() string {
	switch c {
	case ChecksumValid:
		return "valid"
	case ChecksumInvalid:
		return "invalid"
	default:
		return "unchecked"
	}
}

// Evidence is everything known about an artifact at a point in time.
type Evidence struct {
	// Signature is the signature status.
	Signature SignatureStatus
	// Key is the configured key type.
	Key KeyKind
	// Header is the header checksum status. It is always checked before payload.
	Header ChecksumStatus
	// Payload is the payload checksum status, unchecked until streaming ends.
	Payload ChecksumStatus
	// Incompatible is set when the artifact does not list the device type.
	Incompatible bool
}

// Decision is the verdict for a given Evidence.
type Decision struct {
	// Accepted means the payload may be written to the passive slot.
	Accepted bool
	// Success means the update is complete and the slot may be marked bootable.
	// It is only reported once the payload checksum is known.
	Success bool
	// Reason explains a rejection or failure; nil while pending or on success.
	Reason error
}

var (
	// ErrSignatureInvalid is returned when the signature does not verify against the key.
	ErrSignatureInvalid = errors.New("artifact signature is invalid")
	// ErrSignatureMissingWithKeyConfigured is returned for unsigned artifacts when a key is configured.
	ErrSignatureMissingWithKeyConfigured = errors.New("artifact is not signed but a verification key is configured")
	// ErrHeaderChecksumInvalid is returned when the header does not match its checksum.
	ErrHeaderChecksumInvalid = errors.New("artifact header checksum is invalid")
	// ErrIncompatibleDeviceType is returned when the artifact does not list the device type.
	ErrIncompatibleDeviceType = errors.New("artifact is not compatible with this device type")
	// ErrPayloadChecksumInvalid is returned when the written payload does not match its checksum.
	ErrPayloadChecksumInvalid = errors.New("artifact payload checksum is invalid")
)

// Decide maps evidence to a decision.
//
// Without a key the signature cannot be verified and is ignored. With a key
// a missing or invalid signature rejects the artifact whatever the checksums
// say. A broken header rejects the artifact with or without a key.
func Decide(ev Evidence) Decision {
	if ev.Key != KeyNone {
		switch ev.Signature {
		case SignatureAbsent:
			return reject(ErrSignatureMissingWithKeyConfigured)
		case SignatureInvalid, SignatureUnverified:
			return reject(ErrSignatureInvalid)
		case SignatureValid:
		}
	}

	if ev.Header != ChecksumValid {
		return reject(ErrHeaderChecksumInvalid)
	}

	if ev.Incompatible {
		return reject(ErrIncompatibleDeviceType)
	}

	switch ev.Payload {
	case ChecksumValid:
		return Decision{Accepted: true, Success: true}
	case ChecksumInvalid:
		return Decision{Accepted: true, Reason: ErrPayloadChecksumInvalid}
	default:
		return Decision{Accepted: true}
	}
}

func reject(reason error) Decision {
	return Decision{Reason: reason}
}

// Err returns nil for a successful or pending decision and Reason otherwise.
func (d Decision) Err() error {
	return d.Reason
}

func (d Decision) String() string {
	switch {
	case d.Success:
		return "accepted"
	case d.Reason != nil && d.Accepted:
		return fmt.Sprintf("written, failed: %v", d.Reason)
	case d.Reason != nil:
		return fmt.Sprintf("rejected: %v", d.Reason)
	default:
		return "accepted, payload pending"
	}
}
