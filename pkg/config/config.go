// Package config loads poltr's runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting the poltr AppView needs at startup. Fields with
// no safe default are validated by Load and cause a fatal startup error if
// missing, rather than failing lazily on first use.
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	DatabaseURL string

	// AdminPassword is the shared secret for PDS admin endpoints.
	AdminPassword string

	// PDS / federation endpoints.
	PDSInternalURL    string
	PDSHostname       string
	DirectoryURL      string
	RelayURL          string
	UpstreamAppviewURL string
	ModerationURL     string

	// Secret Box key material.
	MasterKeyB64      string
	SigningKeySeedB64 string

	// Governance identity.
	GovernanceDID      string
	GovernancePassword string
	FeedGeneratorDID   string

	// Cross-post worker.
	CrosspostEnabled      bool
	CrosspostPollInterval time.Duration

	// Peer-review worker.
	PeerReviewEnabled       bool
	PeerReviewPollInterval  time.Duration
	PeerReviewQuorum        int
	PeerReviewInviteProb    float64
	PeerReviewCriteria      string
	PeerReviewPromotionRule string

	MaxAccounts int

	FrontendURL     string
	AppAllowOrigins []string

	// Optional ambient wiring.
	RedisURL           string
	AppPasswordEnabled bool
	OTLPEndpoint       string
}

// Load reads Config from the environment, applying the same defaults the
// reference deployment ships with. It returns an error for any variable that
// has no safe default and is unset or malformed.
func Load() (*Config, error) {
	c := &Config{
		Port:        getenvDefault("PORT", "8080"),
		LogLevel:    getenvDefault("LOG_LEVEL", "INFO"),
		Environment: getenvDefault("ENVIRONMENT", "development"),

		PDSInternalURL:     os.Getenv("PDS_INTERNAL_URL"),
		PDSHostname:        os.Getenv("PDS_HOSTNAME"),
		DirectoryURL:       getenvDefault("DIRECTORY_URL", "https://plc.directory"),
		RelayURL:           getenvDefault("RELAY_URL", "https://bsky.network"),
		UpstreamAppviewURL: getenvDefault("UPSTREAM_APPVIEW_URL", "https://api.bsky.app"),
		ModerationURL:      getenvDefault("MODERATION_URL", ""),

		DatabaseURL:   os.Getenv("DB_URL"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		MasterKeyB64:      os.Getenv("MASTER_KEY_B64"),
		SigningKeySeedB64: os.Getenv("SIGNING_KEY_SEED_B64"),

		GovernanceDID:      os.Getenv("GOVERNANCE_DID"),
		GovernancePassword: os.Getenv("GOVERNANCE_PASSWORD"),
		FeedGeneratorDID:   os.Getenv("FEED_GENERATOR_DID"),

		PeerReviewCriteria:      os.Getenv("PEER_REVIEW_CRITERIA"),
		PeerReviewPromotionRule: os.Getenv("PEER_REVIEW_PROMOTION_RULE"),

		FrontendURL: getenvDefault("FRONTEND_URL", "https://poltr.ch"),

		RedisURL:           os.Getenv("REDIS_URL"),
		AppPasswordEnabled: os.Getenv("APP_PASSWORD_ENABLED") == "true",
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	c.CrosspostEnabled = os.Getenv("CROSSPOST_ENABLED") == "true"
	c.PeerReviewEnabled = os.Getenv("PEER_REVIEW_ENABLED") == "true"

	var err error
	if c.CrosspostPollInterval, err = getenvSeconds("CROSSPOST_POLL_INTERVAL_SECONDS", 30); err != nil {
		return nil, err
	}
	if c.PeerReviewPollInterval, err = getenvSeconds("PEER_REVIEW_POLL_INTERVAL_SECONDS", 60); err != nil {
		return nil, err
	}
	if c.PeerReviewQuorum, err = getenvInt("PEER_REVIEW_QUORUM", 10); err != nil {
		return nil, err
	}
	if c.PeerReviewInviteProb, err = getenvFloat("PEER_REVIEW_INVITE_PROBABILITY", 0.35); err != nil {
		return nil, err
	}
	if c.MaxAccounts, err = getenvInt("MAX_ACCOUNTS", 0); err != nil {
		return nil, err
	}

	if origins := os.Getenv("APP_ALLOW_ORIGINS"); origins != "" {
		c.AppAllowOrigins = strings.Split(origins, ",")
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DB_URL")
	}
	if c.MasterKeyB64 == "" {
		missing = append(missing, "MASTER_KEY_B64")
	}
	if c.SigningKeySeedB64 == "" {
		missing = append(missing, "SIGNING_KEY_SEED_B64")
	}
	if c.PDSInternalURL == "" {
		missing = append(missing, "PDS_INTERNAL_URL")
	}
	if c.PDSHostname == "" {
		missing = append(missing, "PDS_HOSTNAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: required environment variable(s) not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a float: %w", key, err)
	}
	return f, nil
}

func getenvSeconds(key string, def int) (time.Duration, error) {
	n, err := getenvInt(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
