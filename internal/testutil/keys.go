// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
)

var (
	deviceKeysOnce sync.Once
	deviceKeys     []*rsa.PrivateKey
	deviceKeysErr  error
)

const cachedDeviceKeys = 4

// DeviceKey returns the i-th cached 2048-bit RSA device key. Keys are generated
// once per test binary.
func DeviceKey(t testing.TB, i int) *rsa.PrivateKey {
	t.Helper()
	deviceKeysOnce.Do(func() {
		for n := 0; n < cachedDeviceKeys; n++ {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				deviceKeysErr = err
				return
			}
			deviceKeys = append(deviceKeys, k)
		}
	})
	if deviceKeysErr != nil {
		t.Fatalf("generate device keys: %v", deviceKeysErr)
	}
	return deviceKeys[i%cachedDeviceKeys]
}

// DevicePublicKeyPEM returns the SPKI PEM of the i-th cached device key
func DevicePublicKeyPEM(t testing.TB, i int) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&DeviceKey(t, i).PublicKey)
	if err != nil {
		t.Fatalf("marshal device key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}
