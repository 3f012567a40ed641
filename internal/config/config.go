// Package config holds the environment-driven configuration for the relay.
// Every option has an environment variable, a default, and (where it makes
// sense) a cobra flag override wired in cmd/relay. Durations expressed in
// milliseconds or seconds in the environment are normalized to time.Duration
// here so the rest of the codebase never re-parses units.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RegistrationPolicy controls how federated DID imports are admitted.
type RegistrationPolicy string

const (
	// RegistrationOpen creates imported agents in addressable state.
	RegistrationOpen RegistrationPolicy = "open"

	// RegistrationApprovalRequired creates imported agents as shadow
	// records that an operator must approve before they are addressable.
	// This is the default.
	RegistrationApprovalRequired RegistrationPolicy = "approval_required"
)

// Config is the complete runtime configuration of the relay process.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// StorageBackend selects the store implementation:
	// "memory", "sqlite" or "postgres".
	StorageBackend string

	// DSN is the database DSN (file path for sqlite). Ignored for memory.
	DSN string

	// APIKeyRequired gates endpoints without a subject agent behind
	// MasterAPIKey. When false those endpoints are open.
	APIKeyRequired bool

	// MasterAPIKey is the shared secret for endpoints without a subject
	// agent (registration, global message status, operator actions).
	MasterAPIKey string

	// RequireHTTPSignatures rejects any request without a Signature
	// header, even on endpoints that otherwise accept API-key auth.
	RequireHTTPSignatures bool

	// HeartbeatInterval is advisory for clients; HeartbeatTimeout is when
	// the heartbeat loop marks an agent offline.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// MessageTTL is the default per-message TTL applied when an envelope
	// does not carry ttl_sec.
	MessageTTL time.Duration

	// CleanupInterval drives the TTL sweep; LeaseReclaimInterval drives
	// the lease reclaim loop.
	CleanupInterval      time.Duration
	LeaseReclaimInterval time.Duration

	// WebhookRetryInterval drives the webhook retry loop.
	WebhookRetryInterval time.Duration

	// MaxMessageSize is the envelope size cap in bytes.
	MaxMessageSize int64

	// MaxMessagesPerAgent is the per-inbox backlog ceiling.
	MaxMessagesPerAgent int

	// MaxLeaseAttempts is the lease/delivery attempt ceiling before a
	// message is dead-lettered.
	MaxLeaseAttempts int

	// RegistrationPolicy applies to federated DID imports.
	RegistrationPolicy RegistrationPolicy

	// SecretKey is the 32-byte AES-256 key for encrypting webhook secrets
	// and join-key hashes at rest. Required for sqlite/postgres backends.
	SecretKey string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// FromEnv builds a Config from the process environment, applying defaults
// for anything unset. It does not validate — call Validate afterwards.
func FromEnv() Config {
	return Config{
		Port:                  envInt("PORT", 8080),
		StorageBackend:        envStr("STORAGE_BACKEND", "memory"),
		DSN:                   envStr("STORAGE_DSN", "./relay.db"),
		APIKeyRequired:        envBool("API_KEY_REQUIRED", false),
		MasterAPIKey:          envStr("MASTER_API_KEY", ""),
		RequireHTTPSignatures: envBool("REQUIRE_HTTP_SIGNATURES", false),
		HeartbeatInterval:     envMillis("HEARTBEAT_INTERVAL_MS", 30*time.Second),
		HeartbeatTimeout:      envMillis("HEARTBEAT_TIMEOUT_MS", 90*time.Second),
		MessageTTL:            envSeconds("MESSAGE_TTL_SEC", 24*time.Hour),
		CleanupInterval:       envMillis("CLEANUP_INTERVAL_MS", time.Minute),
		LeaseReclaimInterval:  envSeconds("LEASE_RECLAIM_INTERVAL_SEC", 30*time.Second),
		WebhookRetryInterval:  envSeconds("WEBHOOK_RETRY_INTERVAL_SEC", 5*time.Second),
		MaxMessageSize:        int64(envInt("MAX_MESSAGE_SIZE_KB", 256)) * 1024,
		MaxMessagesPerAgent:   envInt("MAX_MESSAGES_PER_AGENT", 10000),
		MaxLeaseAttempts:      envInt("MAX_LEASE_ATTEMPTS", 5),
		RegistrationPolicy:    RegistrationPolicy(envStr("REGISTRATION_POLICY", string(RegistrationApprovalRequired))),
		SecretKey:             envStr("RELAY_SECRET_KEY", ""),
		LogLevel:              envStr("RELAY_LOG_LEVEL", "info"),
	}
}

// Validate checks cross-field constraints and value ranges.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported STORAGE_BACKEND %q, use \"memory\", \"sqlite\" or \"postgres\"", c.StorageBackend)
	}
	if c.StorageBackend != "memory" && len(c.SecretKey) != 32 {
		return fmt.Errorf("config: RELAY_SECRET_KEY must be exactly 32 bytes for durable backends, got %d", len(c.SecretKey))
	}
	if c.APIKeyRequired && c.MasterAPIKey == "" {
		return fmt.Errorf("config: API_KEY_REQUIRED is set but MASTER_API_KEY is empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	if c.MaxLeaseAttempts < 1 {
		return fmt.Errorf("config: MAX_LEASE_ATTEMPTS must be at least 1")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
