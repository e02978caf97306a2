package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvAppliesBuiltinDefaults(t *testing.T) {
	t.Setenv(envRelay, "wss://relay.example.com")
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, "./data", cfg.DataDir)
	require.Equal(t, NetworkRegtest, cfg.Network)
	require.Equal(t, 60*time.Second, cfg.ExpireNonceAfter)
}

func TestLoadConfigFromEnvRequiresRelayURL(t *testing.T) {
	_, err := LoadConfigFromEnv()
	require.Error(t, err)
}

func TestLoadConfigFromEnvFileOverlayBeatsBuiltinDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nostrdiced.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay: wss://from-file.example.com\ndata_dir: /var/lib/nostrdiced\n"), 0o644))
	t.Setenv(envConfigFile, path)

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, "wss://from-file.example.com", cfg.RelayURL)
	require.Equal(t, "/var/lib/nostrdiced", cfg.DataDir)
}

func TestLoadConfigFromEnvVarBeatsFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nostrdiced.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay: wss://from-file.example.com\n"), 0o644))
	t.Setenv(envConfigFile, path)
	t.Setenv(envRelay, "wss://from-env.example.com")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, "wss://from-env.example.com", cfg.RelayURL)
}

func TestParseFlagsOverridesEnvAndValidates(t *testing.T) {
	t.Setenv(envRelay, "wss://relay.example.com")
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	err = cfg.ParseFlags(fs, []string{"-relay", "wss://from-flag.example.com", "-expire-nonce-after-secs", "120", "-reveal-nonce-after-secs", "150"})
	require.NoError(t, err)
	require.Equal(t, "wss://from-flag.example.com", cfg.RelayURL)
	require.Equal(t, 120*time.Second, cfg.ExpireNonceAfter)
	require.Equal(t, 150*time.Second, cfg.RevealNonceAfter)
}

func TestParseFlagsRejectsRevealBeforeExpire(t *testing.T) {
	t.Setenv(envRelay, "wss://relay.example.com")
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	err = cfg.ParseFlags(fs, []string{"-expire-nonce-after-secs", "200", "-reveal-nonce-after-secs", "100"})
	require.Error(t, err)
}

func TestValidateRejectsUnknownNetwork(t *testing.T) {
	cfg := &Config{RelayURL: "wss://relay.example.com", Network: "testnet3"}
	require.Error(t, cfg.Validate())
}
