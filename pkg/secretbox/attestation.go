package secretbox

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
)

// multicodecEd25519Pub is the multicodec varint prefix for an Ed25519
// public key (0xed01), used when encoding the key as a did:key-style
// multibase string.
var multicodecEd25519Pub = []byte{0xed, 0x01}

// AttestationSigner signs and verifies governance attestation records with
// a single Ed25519 key. The canonical message format is
// "<hash>|<issuerDID>|<ts>" — pipe-separated, matching the original
// implementation's eID-verification signing scheme exactly.
type AttestationSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewAttestationSigner builds a signer from a 32-byte Ed25519 seed.
func NewAttestationSigner(seed []byte) (*AttestationSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("secretbox: signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &AttestationSigner{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// NewAttestationSignerFromBase64 decodes a standard-base64 seed, as read
// from the SIGNING_KEY_SEED_B64 environment variable.
func NewAttestationSignerFromBase64(seedB64 string) (*AttestationSigner, error) {
	raw, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("secretbox: invalid SIGNING_KEY_SEED_B64: %w", err)
	}
	return NewAttestationSigner(raw)
}

// CanonicalizeAttestation builds the canonical "hash|issuerDID|ts" message
// an attestation signature is computed over.
func CanonicalizeAttestation(hash, issuerDID, ts string) string {
	return hash + "|" + issuerDID + "|" + ts
}

// SignAttestation signs hash|issuerDID|ts and returns the base64-encoded
// signature.
func (s *AttestationSigner) SignAttestation(hash, issuerDID, ts string) string {
	msg := CanonicalizeAttestation(hash, issuerDID, ts)
	sig := ed25519.Sign(s.priv, []byte(msg))
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifyAttestation checks a base64-encoded signature against this signer's
// own public key.
func (s *AttestationSigner) VerifyAttestation(hash, issuerDID, ts, sigB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("secretbox: invalid signature encoding: %w", err)
	}
	msg := CanonicalizeAttestation(hash, issuerDID, ts)
	return ed25519.Verify(s.pub, []byte(msg), sig), nil
}

// PublicKeyMultibase encodes the signer's public key as a did:key-style
// multibase string: a 'z' prefix (base58btc) over the 0xed01 multicodec
// prefix followed by the raw 32-byte key.
func (s *AttestationSigner) PublicKeyMultibase() string {
	prefixed := append(append([]byte{}, multicodecEd25519Pub...), s.pub...)
	return "z" + base58.Encode(prefixed)
}

// PublicKey returns the raw Ed25519 public key.
func (s *AttestationSigner) PublicKey() ed25519.PublicKey {
	return s.pub
}

// VerifyAttestationWithKey verifies a signature against an arbitrary raw
// Ed25519 public key, for validating attestations signed by other parties.
func VerifyAttestationWithKey(pub ed25519.PublicKey, hash, issuerDID, ts, sigB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("secretbox: invalid signature encoding: %w", err)
	}
	msg := CanonicalizeAttestation(hash, issuerDID, ts)
	return ed25519.Verify(pub, []byte(msg), sig), nil
}
