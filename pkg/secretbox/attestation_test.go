package secretbox_test

import (
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/nikwyss/poltrMVP/pkg/secretbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *secretbox.AttestationSigner {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s, err := secretbox.NewAttestationSigner(priv.Seed())
	require.NoError(t, err)
	return s
}

// TestAttestationSigner_RoundTrip verifies that a signature over
// (hash, issuerDID, ts) verifies against the same three values.
func TestAttestationSigner_RoundTrip(t *testing.T) {
	s := newTestSigner(t)

	sig := s.SignAttestation("deadbeef", "did:plc:abc123", "2026-01-01T00:00:00Z")
	ok, err := s.VerifyAttestation("deadbeef", "did:plc:abc123", "2026-01-01T00:00:00Z", sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAttestationSigner_TamperedMessageFails(t *testing.T) {
	s := newTestSigner(t)

	sig := s.SignAttestation("deadbeef", "did:plc:abc123", "2026-01-01T00:00:00Z")
	ok, err := s.VerifyAttestation("deadbeef", "did:plc:different", "2026-01-01T00:00:00Z", sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanonicalizeAttestation(t *testing.T) {
	msg := secretbox.CanonicalizeAttestation("h", "did:plc:x", "t")
	assert.Equal(t, "h|did:plc:x|t", msg)
	assert.Equal(t, 2, strings.Count(msg, "|"))
}

func TestPublicKeyMultibase(t *testing.T) {
	s := newTestSigner(t)
	mb := s.PublicKeyMultibase()
	assert.True(t, strings.HasPrefix(mb, "z"), "multibase key must start with 'z' (base58btc)")
}

func TestNewAttestationSigner_RejectsWrongSeedSize(t *testing.T) {
	_, err := secretbox.NewAttestationSigner(make([]byte, 16))
	assert.Error(t, err)
}
