package verify

import (
	"bytes"
	"crypto"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/abota/internal/artifact"
	"github.com/oshokin/abota/internal/artifact/tamper"
)

// corruption names one way of breaking an artifact after signing.
type corruption int

const (
	intact corruption = iota
	brokenSignature
	brokenPayload
	brokenHeader
)

// signatureCase is one row of the signed update matrix.
type signatureCase struct {
	name       string
	signed     bool
	withKey    bool
	corruption corruption
	accepted   bool
	success    bool
	reason     error
}

//nolint:gochecknoglobals // Shared test matrix.
var signatureCases = []signatureCase{
	{name: "unsigned, no key", accepted: true, success: true},
	{name: "unsigned, key", withKey: true, reason: ErrSignatureMissingWithKeyConfigured},
	{name: "signed, no key", signed: true, accepted: true, success: true},
	{name: "broken signature, no key", signed: true, corruption: brokenSignature, accepted: true, success: true},
	{name: "signed, key", signed: true, withKey: true, accepted: true, success: true},
	{name: "broken signature, key", signed: true, withKey: true, corruption: brokenSignature, reason: ErrSignatureInvalid},
	{
		name: "broken payload, key", signed: true, withKey: true, corruption: brokenPayload,
		accepted: true, reason: ErrPayloadChecksumInvalid,
	},
	{name: "broken header, key", signed: true, withKey: true, corruption: brokenHeader, reason: ErrHeaderChecksumInvalid},
	{name: "broken header, no key", corruption: brokenHeader, reason: ErrHeaderChecksumInvalid},
}

func makeArtifact(t *testing.T, version int, key crypto.Signer, c corruption, deviceTypes ...string) []byte {
	t.Helper()

	opts := artifact.WriteOptions{
		Version:     version,
		Name:        "release-2",
		DeviceTypes: deviceTypes,
	}
	if key != nil {
		opts.Signer = Signer{Key: key}
	}

	var buf bytes.Buffer

	err := artifact.Write(&buf, opts, artifact.File{
		Name:    "rootfs.ext4",
		Content: bytes.NewReader(bytes.Repeat([]byte("image"), 2048)),
	})
	require.NoError(t, err)

	mutate := map[corruption]func(io.Reader, io.Writer) error{
		brokenSignature: tamper.Signature,
		brokenPayload:   tamper.Payload,
		brokenHeader:    tamper.Header,
	}[c]
	if mutate == nil {
		return buf.Bytes()
	}

	var out bytes.Buffer
	require.NoError(t, mutate(&buf, &out))

	return out.Bytes()
}

// runVerifier walks an artifact the way the installer does and returns the final decision
// together with whether payload bytes were consumed.
func runVerifier(t *testing.T, v *Verifier, data []byte) (Decision, bool) {
	t.Helper()

	r, err := artifact.NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	defer func() {
		require.NoError(t, r.Close())
	}()

	ev, d := v.Header(r)
	if !d.Accepted {
		return d, false
	}

	p, err := r.NextPayload()
	require.NoError(t, err)

	_, err = io.Copy(io.Discard, p)
	require.NoError(t, err)

	_, d = v.Finish(ev, r, p)

	return d, true
}

// TestSignedUpdateMatrix runs every signature case for each format version and key kind.
func TestSignedUpdateMatrix(t *testing.T) {
	t.Parallel()

	for _, kind := range []KeyKind{KeyRSA, KeyEC} {
		key, err := GenerateKey(kind)
		require.NoError(t, err)

		for version := artifact.MinVersion; version <= artifact.MaxVersion; version++ {
			version := version
			for _, tc := range signatureCases {
				tc := tc
				t.Run(fmt.Sprintf("%v/v%d/%s", kind, version, tc.name), func(t *testing.T) {
					t.Parallel()

					var signer crypto.Signer
					if tc.signed {
						signer = key
					}

					var public crypto.PublicKey
					if tc.withKey {
						public = key.Public()
					}

					v := New(public, "")
					d, written := runVerifier(t, v, makeArtifact(t, version, signer, tc.corruption))

					require.Equal(t, tc.accepted, d.Accepted)
					require.Equal(t, tc.accepted, written)
					require.Equal(t, tc.success, d.Success)
					require.ErrorIs(t, d.Err(), tc.reason)

					if tc.reason == nil {
						require.NoError(t, d.Err())
					}
				})
			}
		}
	}
}

// TestSignatureFromOtherKey rejects an artifact signed by a different key of the same kind.
func TestSignatureFromOtherKey(t *testing.T) {
	t.Parallel()

	signing, err := GenerateKey(KeyEC)
	require.NoError(t, err)

	trusted, err := GenerateKey(KeyEC)
	require.NoError(t, err)

	d, written := runVerifier(t, New(trusted.Public(), ""), makeArtifact(t, 3, signing, intact))
	require.False(t, written)
	require.ErrorIs(t, d.Err(), ErrSignatureInvalid)
}

// TestDeviceTypeCompatibility checks both header-info layouts against the configured device type.
func TestDeviceTypeCompatibility(t *testing.T) {
	t.Parallel()

	for version := artifact.MinVersion; version <= artifact.MaxVersion; version++ {
		data := makeArtifact(t, version, nil, intact, "raspberrypi4")

		d, _ := runVerifier(t, New(nil, "raspberrypi4"), data)
		require.True(t, d.Success, "v%d", version)

		d, written := runVerifier(t, New(nil, "beaglebone"), data)
		require.False(t, written, "v%d", version)
		require.ErrorIs(t, d.Err(), ErrIncompatibleDeviceType, "v%d", version)
	}
}

// TestKeyRoundtrip checks PEM encoding and key loading for both key kinds.
func TestKeyRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	for _, kind := range []KeyKind{KeyRSA, KeyEC} {
		key, err := GenerateKey(kind)
		require.NoError(t, err)

		pub, err := MarshalPublicKey(key.Public())
		require.NoError(t, err)

		path := filepath.Join(dir, kind.String()+".pem")
		require.NoError(t, os.WriteFile(path, pub, 0o600))

		loaded, err := LoadPublicKey(path)
		require.NoError(t, err)
		require.Equal(t, kind, KindOf(loaded))
		require.Equal(t, kind, New(loaded, "").Key())

		priv, err := MarshalPrivateKey(key)
		require.NoError(t, err)

		parsed, err := ParsePrivateKey(priv)
		require.NoError(t, err)

		sig, err := Signer{Key: parsed}.Sign([]byte("manifest"))
		require.NoError(t, err)
		require.True(t, checkSignature(loaded, []byte("manifest"), sig))
		require.False(t, checkSignature(loaded, []byte("manifest2"), sig))
		require.False(t, checkSignature(loaded, []byte("manifest"), []byte("!!not base64!!")))
	}

	_, err := ParsePublicKey([]byte("garbage"))
	require.ErrorIs(t, err, errNoPEMBlock)

	_, err = GenerateKey(KeyNone)
	require.ErrorIs(t, err, ErrUnsupportedKey)
}

// TestSignatureStatusText checks the strings printed by `artifact read`.
func TestSignatureStatusText(t *testing.T) {
	t.Parallel()

	require.Equal(t, "signed and verified correctly", SignatureValid.String())
	require.Equal(t, "no signature", SignatureAbsent.String())
}
