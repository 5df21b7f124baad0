package config_test

import (
	"testing"
	"time"

	"github.com/nikwyss/poltrMVP/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_URL", "postgres://poltr@localhost:5432/poltr?sslmode=disable")
	t.Setenv("MASTER_KEY_B64", "MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDE=")
	t.Setenv("SIGNING_KEY_SEED_B64", "MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDE=")
	t.Setenv("PDS_INTERNAL_URL", "http://pds.poltr.svc.cluster.local")
	t.Setenv("PDS_HOSTNAME", "pds.poltr.info")
}

// TestLoad_Defaults verifies that Load() returns sensible defaults for every
// optional variable once the required ones are set.
func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.CrosspostEnabled)
	assert.False(t, cfg.PeerReviewEnabled)
	assert.Equal(t, 30*time.Second, cfg.CrosspostPollInterval)
	assert.Equal(t, 60*time.Second, cfg.PeerReviewPollInterval)
	assert.Equal(t, 10, cfg.PeerReviewQuorum)
	assert.InDelta(t, 0.35, cfg.PeerReviewInviteProb, 0.0001)
}

// TestLoad_MissingRequired verifies a missing required variable fails fast
// with a descriptive error rather than a nil pointer surfacing downstream.
func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DB_URL", "")
	t.Setenv("MASTER_KEY_B64", "")
	t.Setenv("SIGNING_KEY_SEED_B64", "")
	t.Setenv("PDS_INTERNAL_URL", "")
	t.Setenv("PDS_HOSTNAME", "")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_URL")
	assert.Contains(t, err.Error(), "MASTER_KEY_B64")
}

// TestLoad_Overrides verifies environment overrides for the worker knobs.
func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CROSSPOST_ENABLED", "true")
	t.Setenv("CROSSPOST_POLL_INTERVAL_SECONDS", "5")
	t.Setenv("PEER_REVIEW_ENABLED", "true")
	t.Setenv("PEER_REVIEW_QUORUM", "20")
	t.Setenv("PEER_REVIEW_INVITE_PROBABILITY", "0.8")
	t.Setenv("APP_ALLOW_ORIGINS", "https://poltr.ch,https://staging.poltr.ch")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.CrosspostEnabled)
	assert.Equal(t, 5*time.Second, cfg.CrosspostPollInterval)
	assert.True(t, cfg.PeerReviewEnabled)
	assert.Equal(t, 20, cfg.PeerReviewQuorum)
	assert.InDelta(t, 0.8, cfg.PeerReviewInviteProb, 0.0001)
	assert.Equal(t, []string{"https://poltr.ch", "https://staging.poltr.ch"}, cfg.AppAllowOrigins)
}
