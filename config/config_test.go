package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := base64.StdEncoding.EncodeToString(priv)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing server id",
			mutate:  func(c *Config) { c.Node.ServerID = 0 },
			wantErr: "node.server_id",
		},
		{
			name:    "bad signing key",
			mutate:  func(c *Config) { c.Node.SigningKey = "not-base64!!" },
			wantErr: "node.signing_key",
		},
		{
			name:    "unknown storage mode",
			mutate:  func(c *Config) { c.Transit.StorageMode = "postgres" },
			wantErr: "storage_mode",
		},
		{
			name: "kv mode without bucket",
			mutate: func(c *Config) {
				c.Transit.StorageMode = StorageModeKV
				c.NATS.Bucket = ""
			},
			wantErr: "nats.bucket",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "log.level",
		},
		{
			name: "peer key with bad id",
			mutate: func(c *Config) {
				c.Node.PeerKeys = map[string]string{"not-a-number": key}
			},
			wantErr: "peer_keys",
		},
		{
			name: "peer key wrong size",
			mutate: func(c *Config) {
				c.Node.PeerKeys = map[string]string{"2": key}
			},
			wantErr: "peer_keys",
		},
		{
			name: "peer key valid",
			mutate: func(c *Config) {
				pub := base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
				c.Node.PeerKeys = map[string]string{"2": pub}
			},
		},
		{
			name:   "valid signing key",
			mutate: func(c *Config) { c.Node.SigningKey = key },
		},
		{
			name: "kv mode complete",
			mutate: func(c *Config) {
				c.Transit.StorageMode = StorageModeKV
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"version": "1.0.0",
		"node": {"server_id": 7, "resource_id": 3},
		"transit": {"storage_mode": "memory"}
	}`), 0o600))

	t.Setenv("CLOUD_NODE_SERVER_ID", "9")
	t.Setenv("CLOUD_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), cfg.Node.ServerID, "env wins over file")
	assert.Equal(t, uint64(3), cfg.Node.ResourceID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, uint64(9), cfg.Node.ID().ServerID)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"node": {"server_id": 0}}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_id")
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(Default())

	got := sc.Get()
	got.Node.ServerID = 42
	assert.NotEqual(t, uint64(42), sc.Get().Node.ServerID, "Get returns a copy")

	updated := Default()
	updated.Node.ServerID = 42
	require.NoError(t, sc.Update(updated))
	assert.Equal(t, uint64(42), sc.Get().Node.ServerID)

	bad := Default()
	bad.Node.ServerID = 0
	assert.Error(t, sc.Update(bad))
}
