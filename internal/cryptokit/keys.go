// Package cryptokit holds the server's signing keypair and the primitives
// licenses are built from: payload signing, content key generation, device key
// wrapping and authenticated chunk encryption.
package cryptokit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned when PEM data or the key type is not what we expect
var ErrInvalidKey = errors.New("invalid key")

// Keypair is the Ed25519 signing keypair. It is immutable once loaded.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	kid  string
}

// GenerateKeypair creates a fresh signing keypair
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Keypair{priv: priv, pub: pub, kid: KeyIDFor(pub)}, nil
}

// LoadOrCreateKeypair reads a PKCS#8 PEM private key from path. If the file does
// not exist a new keypair is generated and written there with 0600 permissions.
// The boolean result reports whether a key was created.
func LoadOrCreateKeypair(path string) (*Keypair, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		kp, err := ParsePrivateKeyPEM(data)
		if err != nil {
			return nil, false, fmt.Errorf("parse signing key %s: %w", path, err)
		}
		return kp, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("read signing key: %w", err)
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, false, err
	}
	pemBytes, err := kp.MarshalPrivateKeyPEM()
	if err != nil {
		return nil, false, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	// O_EXCL so two processes starting at once cannot both write a key
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return LoadOrCreateKeypair(path)
		}
		return nil, false, fmt.Errorf("create signing key file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(pemBytes); err != nil {
		return nil, false, fmt.Errorf("write signing key: %w", err)
	}
	return kp, true, nil
}

// ParsePrivateKeyPEM parses a "PRIVATE KEY" PEM block holding an Ed25519 key
func ParsePrivateKeyPEM(data []byte) (*Keypair, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, ErrInvalidKey
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{priv: priv, pub: pub, kid: KeyIDFor(pub)}, nil
}

// ParsePublicKeyPEM parses a "PUBLIC KEY" PEM block holding an Ed25519 key
func ParsePublicKeyPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, ErrInvalidKey
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return pub, nil
}

// MarshalPrivateKeyPEM encodes the private key as PKCS#8 PEM
func (k *Keypair) MarshalPrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// PublicKeyPEM encodes the public key as SPKI PEM
func (k *Keypair) PublicKeyPEM() ([]byte, error) {
	return MarshalPublicKeyPEM(k.pub)
}

// MarshalPublicKeyPEM encodes an Ed25519 public key as SPKI PEM
func MarshalPublicKeyPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// KeyID returns the key id embedded in every payload signed with this key
func (k *Keypair) KeyID() string { return k.kid }

// PublicKey returns a copy of the verification key
func (k *Keypair) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(k.pub))
	copy(out, k.pub)
	return out
}

// KeyIDFor derives a key id: the first 16 hex chars of SHA-256 over the raw public key
func KeyIDFor(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// LoadRetiredKeys reads every *.pem file in dir as an Ed25519 public key.
// An empty dir yields no keys.
func LoadRetiredKeys(dir string) ([]ed25519.PublicKey, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil {
		return nil, fmt.Errorf("list retired keys: %w", err)
	}
	keys := make([]ed25519.PublicKey, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("read retired key %s: %w", m, err)
		}
		pub, err := ParsePublicKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parse retired key %s: %w", m, err)
		}
		keys = append(keys, pub)
	}
	return keys, nil
}
