// Package config defines the node configuration: identity, transport
// endpoints, outbox storage and login keys. Configuration loads from a
// JSON file with environment overrides and is held behind a thread-safe
// wrapper so components can re-read it at runtime.
package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Coflnet/cloud-sub001/identity"
)

// Outbox storage modes.
const (
	StorageModeMemory = "memory" // in-memory only, lost on restart
	StorageModeKV     = "kv"     // NATS JetStream KV
)

// Config is the complete node configuration.
type Config struct {
	Version string        `json:"version"`
	Node    NodeConfig    `json:"node"`
	NATS    NATSConfig    `json:"nats"`
	Transit TransitConfig `json:"transit"`
	Auth    AuthConfig    `json:"auth,omitempty"`
	Log     LogConfig     `json:"log,omitempty"`
}

// NodeConfig defines the node's identity on the wire.
type NodeConfig struct {
	// ServerID is the node's server number. Required.
	ServerID uint64 `json:"server_id"`
	// ResourceID is 0 for a server node; a client node sets the resource
	// number its server assigned to it.
	ResourceID uint64 `json:"resource_id"`
	// SigningKey is the node's base64-encoded ed25519 private key. When
	// empty a fresh key is generated at startup, which invalidates peers'
	// trust anchors on every restart.
	SigningKey string `json:"signing_key,omitempty"`
	// Peers lists the server ids to attach transport connections for at
	// startup. Queued envelopes for a peer replay once it first connects.
	Peers []uint64 `json:"peers,omitempty"`
	// PeerKeys maps a peer server id (decimal string, JSON keys are
	// strings) to its base64-encoded ed25519 public key.
	PeerKeys map[string]string `json:"peer_keys,omitempty"`
}

// ID returns the node's entity id.
func (n NodeConfig) ID() identity.EntityID {
	return identity.NewEntityID(n.ServerID, n.ResourceID)
}

// NATSConfig defines the NATS connection used for inter-node transport
// and, in kv storage mode, the outbox bucket.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	// Bucket is the JetStream KV bucket holding the outbox in kv mode.
	Bucket string `json:"bucket,omitempty"`
}

// TransitConfig tunes the persist-then-deliver pipeline.
type TransitConfig struct {
	// StorageMode selects the outbox backend: memory or kv.
	StorageMode string `json:"storage_mode,omitempty"`
	// ReplayInterval is how often unconfirmed envelopes are re-attempted.
	ReplayInterval time.Duration `json:"replay_interval,omitempty"`
	// Workers is the delivery worker count.
	Workers int `json:"workers,omitempty"`
	// QueueSize is the delivery queue length.
	QueueSize int `json:"queue_size,omitempty"`
}

// AuthConfig holds the login token keys.
type AuthConfig struct {
	// IssuerKey is the base64-encoded ed25519 private key minting this
	// node's login tokens.
	IssuerKey string `json:"issuer_key,omitempty"`
	// TrustedKey is the base64-encoded ed25519 public key peers' tokens
	// must verify against.
	TrustedKey string `json:"trusted_key,omitempty"`
}

// LogConfig controls slog output.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `json:"level,omitempty"`
	// JSON switches the handler to JSON output.
	JSON bool `json:"json,omitempty"`
}

// Default returns a config with sensible local-development values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Node:    NodeConfig{ServerID: 1},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
			Bucket:        "cloud-outbox",
		},
		Transit: TransitConfig{
			StorageMode:    StorageModeMemory,
			ReplayInterval: 30 * time.Second,
			Workers:        4,
			QueueSize:      1024,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate checks the config is complete and consistent.
func (c *Config) Validate() error {
	if c.Node.ServerID == 0 {
		return errors.New("node.server_id is required")
	}
	if c.Node.SigningKey != "" {
		if _, err := DecodeKey(c.Node.SigningKey, 64); err != nil {
			return fmt.Errorf("node.signing_key: %w", err)
		}
	}
	for peer, key := range c.Node.PeerKeys {
		if _, err := strconv.ParseUint(peer, 10, 64); err != nil {
			return fmt.Errorf("node.peer_keys: %q is not a server id", peer)
		}
		if _, err := DecodeKey(key, 32); err != nil {
			return fmt.Errorf("node.peer_keys[%s]: %w", peer, err)
		}
	}

	switch c.Transit.StorageMode {
	case "", StorageModeMemory:
	case StorageModeKV:
		if len(c.NATS.URLs) == 0 {
			return errors.New("nats.urls is required in kv storage mode")
		}
		if c.NATS.Bucket == "" {
			return errors.New("nats.bucket is required in kv storage mode")
		}
	default:
		return fmt.Errorf("transit.storage_mode %q is not supported", c.Transit.StorageMode)
	}

	if c.Transit.Workers < 0 || c.Transit.QueueSize < 0 {
		return errors.New("transit worker settings must not be negative")
	}

	if c.Auth.IssuerKey != "" {
		if _, err := DecodeKey(c.Auth.IssuerKey, 64); err != nil {
			return fmt.Errorf("auth.issuer_key: %w", err)
		}
	}
	if c.Auth.TrustedKey != "" {
		if _, err := DecodeKey(c.Auth.TrustedKey, 32); err != nil {
			return fmt.Errorf("auth.trusted_key: %w", err)
		}
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported", c.Log.Level)
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// DecodeKey decodes a base64 key and checks its length.
func DecodeKey(encoded string, size int) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("key is not valid base64: %w", err)
	}
	if len(decoded) != size {
		return nil, fmt.Errorf("key must decode to %d bytes, got %d", size, len(decoded))
	}
	return decoded, nil
}

// Load reads a JSON config file, applies environment overrides and
// validates the result. An empty path loads defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets deployments override the file without editing it.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLOUD_NATS_URL"); v != "" {
		cfg.NATS.URLs = []string{v}
	}
	if v := os.Getenv("CLOUD_NATS_TOKEN"); v != "" {
		cfg.NATS.Token = v
	}
	if v := os.Getenv("CLOUD_NODE_SERVER_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Node.ServerID = id
		}
	}
	if v := os.Getenv("CLOUD_NODE_RESOURCE_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Node.ResourceID = id
		}
	}
	if v := os.Getenv("CLOUD_STORAGE_MODE"); v != "" {
		cfg.Transit.StorageMode = v
	}
	if v := os.Getenv("CLOUD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
