package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// envConfigFile names the environment variable pointing at an optional YAML
// config file, layered beneath env vars and flags. Grounded on the several
// services/*/config.go files in the teacher (e.g. services/payoutd/config.go)
// that resolve their Config from a YAML file on disk.
const envConfigFile = "NOSTRDICE_CONFIG_FILE"

// fileOverlay is the YAML-unmarshalled subset of Config an operator may set
// in a config file. Only non-zero fields are applied, so a file may specify
// just the handful of values that differ from the built-in defaults.
type fileOverlay struct {
	RelayURL             string `yaml:"relay"`
	DataDir              string `yaml:"data_dir"`
	LNDHost              string `yaml:"lnd_host"`
	LNDPort              int    `yaml:"lnd_port"`
	CertFile             string `yaml:"cert_file"`
	MacaroonFile         string `yaml:"macaroon_file"`
	Network              string `yaml:"network"`
	MultipliersFile      string `yaml:"multipliers_file"`
	ExpireNonceAfterSecs int    `yaml:"expire_nonce_after_secs"`
	RevealNonceAfterSecs int    `yaml:"reveal_nonce_after_secs"`
	ServerPrivkeyEnv     string `yaml:"server_privkey_env"`
	JWTSecretEnv         string `yaml:"jwt_secret_env"`
	JWTIssuer            string `yaml:"jwt_issuer"`
	FraudProofListenAddr string `yaml:"fraudproof_listen"`
}

func loadFileOverlay(path string) (*fileOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &overlay, nil
}

// applyFileOverlay layers o onto cfg, field by field, only where o sets a
// non-zero value. It runs after built-in defaults and before env var
// overrides, so a config file customizes defaults without outranking an
// operator's environment.
func (cfg *Config) applyFileOverlay(o *fileOverlay) {
	if o.RelayURL != "" {
		cfg.RelayURL = o.RelayURL
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.LNDHost != "" {
		cfg.LNDHost = o.LNDHost
	}
	if o.LNDPort != 0 {
		cfg.LNDPort = o.LNDPort
	}
	if o.CertFile != "" {
		cfg.CertFile = o.CertFile
	}
	if o.MacaroonFile != "" {
		cfg.MacaroonFile = o.MacaroonFile
	}
	if o.Network != "" {
		cfg.Network = Network(o.Network)
	}
	if o.MultipliersFile != "" {
		cfg.MultipliersFile = o.MultipliersFile
	}
	if o.ExpireNonceAfterSecs != 0 {
		cfg.ExpireNonceAfter = time.Duration(o.ExpireNonceAfterSecs) * time.Second
	}
	if o.RevealNonceAfterSecs != 0 {
		cfg.RevealNonceAfter = time.Duration(o.RevealNonceAfterSecs) * time.Second
	}
	if o.ServerPrivkeyEnv != "" {
		cfg.ServerPrivkeyEnv = o.ServerPrivkeyEnv
	}
	if o.JWTSecretEnv != "" {
		cfg.JWTSecretEnv = o.JWTSecretEnv
	}
	if o.JWTIssuer != "" {
		cfg.JWTIssuer = o.JWTIssuer
	}
	if o.FraudProofListenAddr != "" {
		cfg.FraudProofListenAddr = o.FraudProofListenAddr
	}
}
