package verify

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const rsaKeyBits = 2048

var (
	// ErrUnsupportedKey is returned for keys that are neither RSA nor EC.
	ErrUnsupportedKey = errors.New("unsupported key type")
	// errNoPEMBlock is returned when a key file holds no PEM data.
	errNoPEMBlock = errors.New("no PEM block found")
)

// LoadPublicKey reads a PEM encoded RSA or EC public key from path.
func LoadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read verify key: %w", err)
	}

	return ParsePublicKey(data)
}

// ParsePublicKey parses a PEM encoded PKIX or PKCS#1 public key.
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errNoPEMBlock
	}

	var (
		key any
		err error
	)

	if block.Type == "RSA PUBLIC KEY" {
		key, err = x509.ParsePKCS1PublicKey(block.Bytes)
	} else {
		key, err = x509.ParsePKIXPublicKey(block.Bytes)
	}

	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	if KindOf(key) == KeyNone {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}

	return key, nil
}

// ParsePrivateKey parses a PEM encoded PKCS#8, PKCS#1 or SEC 1 private key.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errNoPEMBlock
	}

	var (
		key any
		err error
	)

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}

	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok || KindOf(signer.Public()) == KeyNone {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}

	return signer, nil
}

// KindOf returns the key kind of a public key.
func KindOf(key crypto.PublicKey) KeyKind {
	switch key.(type) {
	case *rsa.PublicKey:
		return KeyRSA
	case *ecdsa.PublicKey:
		return KeyEC
	default:
		return KeyNone
	}
}

// GenerateKey creates a signing key of the given kind.
func GenerateKey(kind KeyKind) (crypto.Signer, error) {
	var (
		key crypto.Signer
		err error
	)

	switch kind {
	case KeyRSA:
		key, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	case KeyEC:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, kind)
	}

	if err != nil {
		return nil, fmt.Errorf("generate %v key: %w", kind, err)
	}

	return key, nil
}

// MarshalPublicKey encodes the public half of key as a PKIX PEM block.
func MarshalPublicKey(key crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// MarshalPrivateKey encodes key as a PKCS#8 PEM block.
func MarshalPrivateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Signer signs artifact checksums with a private key. It implements artifact.Signer.
type Signer struct {
	// Key is an RSA or ECDSA private key.
	Key crypto.Signer
}

// Sign returns the base64 text of the key's signature over SHA-256(message).
// RSA keys produce PKCS#1 v1.5 signatures, EC keys ASN.1 encoded ones.
func (s Signer) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)

	sig, err := s.Key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(len(sig)))
	base64.StdEncoding.Encode(out, sig)

	return out, nil
}

// checkSignature verifies the base64 signature text over message.
func checkSignature(key crypto.PublicKey, message, text []byte) bool {
	sig := make([]byte, base64.StdEncoding.DecodedLen(len(text)))

	n, err := base64.StdEncoding.Decode(sig, trimSpace(text))
	if err != nil {
		return false
	}

	sig = sig[:n]
	digest := sha256.Sum256(message)

	switch k := key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig) == nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(k, digest[:], sig)
	default:
		return false
	}
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}

	return b
}
