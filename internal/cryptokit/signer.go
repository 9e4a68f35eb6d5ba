package cryptokit

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Signer signs payloads with the active keypair and verifies against a keyring
// of the active key plus any retired keys, selected by the payload's "kid".
type Signer struct {
	key      *Keypair
	verifier *Verifier
}

// NewSigner builds a signer around the active keypair. Retired keys only verify.
func NewSigner(key *Keypair, retired ...ed25519.PublicKey) *Signer {
	return &Signer{key: key, verifier: NewVerifier(key.PublicKey(), retired...)}
}

// Verifier checks signatures without access to a private key. Payloads that
// carry a "kid" are checked against the matching keyring entry; payloads
// without one are checked against the active key.
type Verifier struct {
	active  ed25519.PublicKey
	keyring map[string]ed25519.PublicKey
}

// NewVerifier builds a keyring from the active public key plus retired keys.
// Keys of the wrong size are skipped.
func NewVerifier(active ed25519.PublicKey, retired ...ed25519.PublicKey) *Verifier {
	ring := make(map[string]ed25519.PublicKey, len(retired)+1)
	for _, pub := range retired {
		if len(pub) != ed25519.PublicKeySize {
			continue
		}
		ring[KeyIDFor(pub)] = pub
	}
	ring[KeyIDFor(active)] = active
	return &Verifier{active: active, keyring: ring}
}

// KeyID returns the id of the active signing key
func (s *Signer) KeyID() string { return s.key.KeyID() }

// PublicKeyPEM returns the active verification key as PEM
func (s *Signer) PublicKeyPEM() ([]byte, error) { return s.key.PublicKeyPEM() }

// Canonicalize serializes v as JSON with object keys sorted at every level and
// no insignificant whitespace. Byte slices and json.RawMessage are treated as
// already-encoded JSON.
func Canonicalize(v interface{}) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode payload: trailing data")
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode canonical payload: %w", err)
	}
	return out, nil
}

// Sign canonicalizes payload and returns the canonical bytes and the
// base64-encoded Ed25519 signature over them.
func (s *Signer) Sign(payload interface{}) ([]byte, string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, "", err
	}
	sig := ed25519.Sign(s.key.priv, canonical)
	return canonical, base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is valid for the canonical form of payload.
// Any malformed input yields false.
func (s *Signer) Verify(payload interface{}, signature string) bool {
	return s.verifier.Verify(payload, signature)
}

// Verify reports whether signature is valid for the canonical form of payload
func (v *Verifier) Verify(payload interface{}, signature string) bool {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return false
	}
	return v.verifyCanonical(canonical, signature)
}

func (v *Verifier) verifyCanonical(canonical []byte, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	var header struct {
		Kid *string `json:"kid"`
	}
	pub := v.active
	if len(canonical) > 0 && canonical[0] == '{' {
		if err := json.Unmarshal(canonical, &header); err != nil {
			return false
		}
	}
	if header.Kid != nil {
		var ok bool
		if pub, ok = v.keyring[*header.Kid]; !ok {
			return false
		}
	}
	// ed25519.Verify compares the recomputed R in constant time
	return ed25519.Verify(pub, canonical, sig)
}
