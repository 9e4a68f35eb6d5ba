package cryptokit

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfkey/server/internal/testutil"
)

type samplePayload struct {
	Kid       string `json:"kid"`
	LicenseID string `json:"licenseId"`
	Nested    struct {
		B int `json:"b"`
		A int `json:"a"`
	} `json:"nested"`
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	return NewSigner(kp)
}

func TestCanonicalize_sortsKeysAtEveryLevel(t *testing.T) {
	out, err := Canonicalize(json.RawMessage(`{ "b": {"z":1, "a":2}, "a": [3, {"y":1,"x":2}] }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[3,{"x":2,"y":1}],"b":{"a":2,"z":1}}`, string(out))
}

func TestCanonicalize_rejectsTrailingData(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestSignVerify_roundTrip(t *testing.T) {
	s := newTestSigner(t)
	p := samplePayload{Kid: s.KeyID(), LicenseID: "lic-1"}
	p.Nested.A, p.Nested.B = 1, 2

	canonical, sig, err := s.Sign(p)
	require.NoError(t, err)
	assert.True(t, s.Verify(p, sig))
	assert.True(t, s.Verify(json.RawMessage(canonical), sig), "stored canonical bytes must verify")
}

func TestVerify_mutatedPayloadFails(t *testing.T) {
	s := newTestSigner(t)
	p := samplePayload{Kid: s.KeyID(), LicenseID: "lic-1"}
	_, sig, err := s.Sign(p)
	require.NoError(t, err)

	p.LicenseID = "lic-2"
	assert.False(t, s.Verify(p, sig))
}

func TestVerify_failsClosedOnMalformedInput(t *testing.T) {
	s := newTestSigner(t)
	p := samplePayload{Kid: s.KeyID(), LicenseID: "lic-1"}
	_, sig, err := s.Sign(p)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload interface{}
		sig     string
	}{
		{"empty signature", p, ""},
		{"not base64", p, "!!!"},
		{"truncated signature", p, sig[:20]},
		{"invalid json payload", []byte("{not json"), sig},
		{"unknown kid", samplePayload{Kid: "0000000000000000", LicenseID: "lic-1"}, sig},
		{"kid of wrong type", json.RawMessage(`{"kid":7,"licenseId":"lic-1"}`), sig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, s.Verify(tt.payload, tt.sig))
		})
	}
}

func TestVerify_retiredKeyStillVerifies(t *testing.T) {
	oldKey, err := GenerateKeypair()
	require.NoError(t, err)
	oldSigner := NewSigner(oldKey)
	p := samplePayload{Kid: oldKey.KeyID(), LicenseID: "lic-old"}
	_, sig, err := oldSigner.Sign(p)
	require.NoError(t, err)

	newKey, err := GenerateKeypair()
	require.NoError(t, err)

	assert.False(t, NewSigner(newKey).Verify(p, sig), "rotated-out key without keyring entry")
	assert.True(t, NewSigner(newKey, oldKey.PublicKey()).Verify(p, sig))
}

func TestVerifier_publicKeyOnly(t *testing.T) {
	s := newTestSigner(t)
	p := samplePayload{Kid: s.KeyID(), LicenseID: "lic-1"}
	canonical, sig, err := s.Sign(p)
	require.NoError(t, err)

	pemBytes, err := s.PublicKeyPEM()
	require.NoError(t, err)
	pub, err := ParsePublicKeyPEM(pemBytes)
	require.NoError(t, err)

	v := NewVerifier(pub)
	assert.True(t, v.Verify(json.RawMessage(canonical), sig))

	other, err := GenerateKeypair()
	require.NoError(t, err)
	assert.False(t, NewVerifier(other.PublicKey()).Verify(p, sig))
}

func TestLoadOrCreateKeypair_persistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.pem")

	first, created, err := LoadOrCreateKeypair(path)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, created, err := LoadOrCreateKeypair(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.KeyID(), second.KeyID())
}

func TestLoadOrCreateKeypair_rejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))
	_, _, err := LoadOrCreateKeypair(path)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestLoadRetiredKeys(t *testing.T) {
	dir := t.TempDir()
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	pemBytes, err := kp.PublicKeyPEM()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2025.pem"), pemBytes, 0o644))

	keys, err := LoadRetiredKeys(dir)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, kp.KeyID(), KeyIDFor(keys[0]))

	none, err := LoadRetiredKeys("")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestWrapKeyForDevice_roundTrip(t *testing.T) {
	key, err := GenerateContentKey()
	require.NoError(t, err)
	require.Len(t, key, ContentKeySize)

	wrapped, err := WrapKeyForDevice(key, testutil.DevicePublicKeyPEM(t, 0))
	require.NoError(t, err)

	unwrapped, err := UnwrapKey(wrapped, testutil.DeviceKey(t, 0))
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)

	_, err = UnwrapKey(wrapped, testutil.DeviceKey(t, 1))
	assert.Error(t, err, "another device must not unwrap the key")
}

func TestParseDevicePublicKey(t *testing.T) {
	pkcs1 := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&testutil.DeviceKey(t, 0).PublicKey),
	})
	_, err := ParseDevicePublicKey(string(pkcs1))
	require.NoError(t, err)

	small, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&small.PublicKey)
	require.NoError(t, err)
	_, err = ParseDevicePublicKey(string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})))
	assert.ErrorIs(t, err, ErrInvalidKey)

	kp, err := GenerateKeypair()
	require.NoError(t, err)
	edPEM, err := kp.PublicKeyPEM()
	require.NoError(t, err)
	_, err = ParseDevicePublicKey(string(edPEM))
	assert.ErrorIs(t, err, ErrInvalidKey, "ed25519 keys cannot receive wrapped keys")

	_, err = ParseDevicePublicKey("garbage")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDeviceKeyFingerprint(t *testing.T) {
	fp, err := DeviceKeyFingerprint(testutil.DevicePublicKeyPEM(t, 0))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fp, "SHA256:"))

	again, err := DeviceKeyFingerprint(testutil.DevicePublicKeyPEM(t, 0))
	require.NoError(t, err)
	assert.Equal(t, fp, again)

	other, err := DeviceKeyFingerprint(testutil.DevicePublicKeyPEM(t, 1))
	require.NoError(t, err)
	assert.NotEqual(t, fp, other)
}

func TestChunk_roundTripAndTamper(t *testing.T) {
	key, err := GenerateContentKey()
	require.NoError(t, err)

	sealed, err := EncryptChunk(key, 3, []byte("chapter one"))
	require.NoError(t, err)

	pt, err := DecryptChunk(key, 3, sealed)
	require.NoError(t, err)
	assert.Equal(t, "chapter one", string(pt))

	_, err = DecryptChunk(key, 4, sealed)
	assert.ErrorIs(t, err, ErrDecrypt, "chunk index is authenticated")

	sealed[len(sealed)-1] ^= 0x01
	_, err = DecryptChunk(key, 3, sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = DecryptChunk(key, 0, []byte("short"))
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = EncryptChunk(key[:16], 0, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEncryptChunk_freshNonce(t *testing.T) {
	key, err := GenerateContentKey()
	require.NoError(t, err)
	a, err := EncryptChunk(key, 0, []byte("same"))
	require.NoError(t, err)
	b, err := EncryptChunk(key, 0, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAsset_roundTrip(t *testing.T) {
	key, err := GenerateContentKey()
	require.NoError(t, err)
	plain := bytes.Repeat([]byte("0123456789"), 1000)

	var enc bytes.Buffer
	info, err := EncryptAsset(key, bytes.NewReader(plain), &enc, 4096)
	require.NoError(t, err)
	assert.Equal(t, 3, info.ChunkCount)
	assert.Equal(t, 4096, info.ChunkSize)
	assert.Equal(t, SHA256Hex(enc.Bytes()), info.SHA256)

	var dec bytes.Buffer
	decInfo, err := DecryptAsset(key, bytes.NewReader(enc.Bytes()), &dec)
	require.NoError(t, err)
	assert.Equal(t, plain, dec.Bytes())
	assert.Equal(t, info.SHA256, decInfo.SHA256)
	assert.Equal(t, 3, decInfo.ChunkCount)
}

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", SHA256Hex(nil))
}
