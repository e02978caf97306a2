// Package config resolves nostrdiced's runtime configuration from
// environment variables with flag overrides, mirroring the teacher's
// services/payments-gateway/config.go (env-first defaults) combined with
// the flag.StringVar override pattern used throughout services/*/main.go
// (e.g. oracle-attesterd/main.go).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Network selects the Lightning chain parameter set (spec §6).
type Network string

const (
	NetworkRegtest Network = "regtest"
	NetworkTestnet Network = "testnet"
	NetworkMainnet Network = "mainnet"
)

// Config captures the runtime configuration for the nostrdiced daemon
// (spec §6's CLI surface).
type Config struct {
	RelayURL             string
	DataDir              string
	LNDHost              string
	LNDPort              int
	CertFile             string
	MacaroonFile         string
	Network              Network
	MultipliersFile      string
	ExpireNonceAfter     time.Duration
	RevealNonceAfter     time.Duration
	ServerPrivkeyEnv     string
	JWTSecretEnv         string
	JWTIssuer            string
	FraudProofListenAddr string
}

const (
	envRelay            = "NOSTRDICE_RELAY"
	envDataDir          = "NOSTRDICE_DATA_DIR"
	envLNDHost          = "NOSTRDICE_LND_HOST"
	envLNDPort          = "NOSTRDICE_LND_PORT"
	envCertFile         = "NOSTRDICE_CERT_FILE"
	envMacaroonFile     = "NOSTRDICE_MACAROON_FILE"
	envNetwork          = "NOSTRDICE_NETWORK"
	envMultipliersFile  = "NOSTRDICE_MULTIPLIERS_FILE"
	envExpireNonceSecs  = "NOSTRDICE_EXPIRE_NONCE_AFTER_SECS"
	envRevealNonceSecs  = "NOSTRDICE_REVEAL_NONCE_AFTER_SECS"
	envServerPrivkey    = "NOSTRDICE_SERVER_PRIVKEY" // name of the env var holding the hex privkey, not the key itself
	envJWTSecret        = "NOSTRDICE_JWT_SECRET"
	envJWTIssuer        = "NOSTRDICE_JWT_ISSUER"
	envFraudProofListen = "NOSTRDICE_FRAUDPROOF_LISTEN"
)

// LoadConfigFromEnv resolves configuration in three layers, lowest priority
// first: built-in defaults, an optional YAML file named by NOSTRDICE_CONFIG_FILE
// (mirroring the teacher's services/payoutd/config.go file-based config), and
// environment variables, the way payments-gateway.LoadConfigFromEnv layers env
// on top of defaults. ParseFlags layers CLI flags on top of all three.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		DataDir:              "./data",
		LNDHost:              "localhost",
		LNDPort:              10009,
		Network:              NetworkRegtest,
		MultipliersFile:      "./multipliers.txt",
		ExpireNonceAfter:     60 * time.Second,
		RevealNonceAfter:     90 * time.Second,
		ServerPrivkeyEnv:     "NOSTRDICE_PRIVKEY_HEX",
		JWTSecretEnv:         "NOSTRDICE_JWT_SECRET_HEX",
		JWTIssuer:            "nostrdiced",
		FraudProofListenAddr: ":8090",
	}

	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		overlay, err := loadFileOverlay(path)
		if err != nil {
			return nil, err
		}
		cfg.applyFileOverlay(overlay)
	}

	cfg.RelayURL = getenvDefault(envRelay, cfg.RelayURL)
	cfg.DataDir = getenvDefault(envDataDir, cfg.DataDir)
	cfg.LNDHost = getenvDefault(envLNDHost, cfg.LNDHost)
	cfg.LNDPort = parseIntDefault(envLNDPort, cfg.LNDPort)
	cfg.CertFile = getenvDefault(envCertFile, cfg.CertFile)
	cfg.MacaroonFile = getenvDefault(envMacaroonFile, cfg.MacaroonFile)
	cfg.Network = Network(getenvDefault(envNetwork, string(cfg.Network)))
	cfg.MultipliersFile = getenvDefault(envMultipliersFile, cfg.MultipliersFile)
	cfg.ExpireNonceAfter = parseSecondsDefault(envExpireNonceSecs, cfg.ExpireNonceAfter)
	cfg.RevealNonceAfter = parseSecondsDefault(envRevealNonceSecs, cfg.RevealNonceAfter)
	cfg.ServerPrivkeyEnv = getenvDefault(envServerPrivkey, cfg.ServerPrivkeyEnv)
	cfg.JWTSecretEnv = getenvDefault(envJWTSecret, cfg.JWTSecretEnv)
	cfg.JWTIssuer = getenvDefault(envJWTIssuer, cfg.JWTIssuer)
	cfg.FraudProofListenAddr = getenvDefault(envFraudProofListen, cfg.FraudProofListenAddr)

	return cfg, cfg.Validate()
}

// ParseFlags registers the spec §6 CLI flags on fs with cfg's current
// values (already resolved from env) as defaults, parses args, and copies
// the results back into cfg. Flags override env; Validate runs afterward.
func (cfg *Config) ParseFlags(fs *flag.FlagSet, args []string) error {
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "event-bus relay websocket URL")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "bet store data directory")
	fs.StringVar(&cfg.LNDHost, "lnd-host", cfg.LNDHost, "payment node host")
	fs.IntVar(&cfg.LNDPort, "lnd-port", cfg.LNDPort, "payment node gRPC port")
	fs.StringVar(&cfg.CertFile, "cert-file", cfg.CertFile, "payment node TLS certificate path")
	fs.StringVar(&cfg.MacaroonFile, "macaroon-file", cfg.MacaroonFile, "payment node macaroon path")
	network := fs.String("network", string(cfg.Network), "chain parameter set: regtest|testnet|mainnet")
	fs.StringVar(&cfg.MultipliersFile, "multipliers-file", cfg.MultipliersFile, "multiplier registry source file")
	expireSecs := fs.Int("expire-nonce-after-secs", int(cfg.ExpireNonceAfter/time.Second), "round expiration timer, seconds")
	revealSecs := fs.Int("reveal-nonce-after-secs", int(cfg.RevealNonceAfter/time.Second), "reveal timer, seconds, must be >= expire")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.Network = Network(*network)
	cfg.ExpireNonceAfter = time.Duration(*expireSecs) * time.Second
	cfg.RevealNonceAfter = time.Duration(*revealSecs) * time.Second
	return cfg.Validate()
}

// Validate enforces spec §6's invariants on the resolved configuration.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.RelayURL) == "" {
		return fmt.Errorf("%s (or --relay) is required", envRelay)
	}
	switch cfg.Network {
	case NetworkRegtest, NetworkTestnet, NetworkMainnet:
	default:
		return fmt.Errorf("unknown network %q", cfg.Network)
	}
	if cfg.RevealNonceAfter < cfg.ExpireNonceAfter {
		return fmt.Errorf("reveal-nonce-after-secs (%s) must be >= expire-nonce-after-secs (%s)", cfg.RevealNonceAfter, cfg.ExpireNonceAfter)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func parseSecondsDefault(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
