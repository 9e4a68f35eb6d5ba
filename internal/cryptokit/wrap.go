package cryptokit

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// MinDeviceKeyBits is the smallest RSA modulus accepted for a device key
const MinDeviceKeyBits = 2048

// ParseDevicePublicKey parses a device's RSA public key from PEM. Both SPKI
// ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") encodings are accepted.
func ParseDevicePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(publicKeyPEM)))
	if block == nil {
		return nil, ErrInvalidKey
	}
	var pub *rsa.PublicKey
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: device key must be RSA", ErrInvalidKey)
		}
		pub = rsaKey
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		pub = key
	default:
		return nil, ErrInvalidKey
	}
	if pub.N.BitLen() < MinDeviceKeyBits {
		return nil, fmt.Errorf("%w: device key must be at least %d bits", ErrInvalidKey, MinDeviceKeyBits)
	}
	return pub, nil
}

// WrapKeyForDevice encrypts a content key to the device public key with
// RSA-OAEP/SHA-256 and returns it base64-encoded.
func WrapKeyForDevice(key []byte, devicePublicKeyPEM string) (string, error) {
	pub, err := ParseDevicePublicKey(devicePublicKeyPEM)
	if err != nil {
		return "", err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", fmt.Errorf("wrap content key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapKey reverses WrapKeyForDevice with the device private key. Only
// clients hold that key; the server uses this in tooling and tests.
func UnwrapKey(wrapped string, priv *rsa.PrivateKey) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap content key: %w", err)
	}
	return key, nil
}

// DeviceKeyFingerprint returns the OpenSSH-style SHA256 fingerprint of a
// device's public key, e.g. "SHA256:2f1c...".
func DeviceKeyFingerprint(publicKeyPEM string) (string, error) {
	pub, err := ParseDevicePublicKey(publicKeyPEM)
	if err != nil {
		return "", err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("convert device key: %w", err)
	}
	return ssh.FingerprintSHA256(sshPub), nil
}
