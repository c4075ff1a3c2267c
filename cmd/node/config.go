package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/recovery"
)

// Config holds the node configuration.
// Values come from an optional TOML file; command-line flags override them.
type Config struct {
	// ConfigPath is the TOML file the rest was read from.
	ConfigPath string `toml:"-"`

	// DataPath is the directory for persistent storage.
	DataPath string `toml:"data"`

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string `toml:"http"`

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string `toml:"quic"`

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string `toml:"key"`

	// PrivateKey is the node's Ed25519 identity.
	PrivateKey ed25519.PrivateKey `toml:"-"`

	// LogLevel is the minimum log level.
	LogLevel string `toml:"log_level"`

	// PVFPath is the shard validation function. Bodies are imported unchecked when empty.
	PVFPath string `toml:"pvf"`

	// GenesisPath holds the shard genesis body. A built-in genesis is used when empty.
	GenesisPath string `toml:"genesis"`

	// VerifyBacking drops candidates whose backing attestation does not verify.
	VerifyBacking bool `toml:"verify_backing"`

	// Relay is the peer that streams host-chain notifications.
	Relay RelayConfig `toml:"relay"`

	// Recovery holds the recovery knobs.
	Recovery RecoveryConfig `toml:"recovery"`

	// Validators is the address and key directory of the validator set.
	Validators []ValidatorEntry `toml:"validators"`
}

// RelayConfig identifies the host-chain relay.
type RelayConfig struct {
	ID      string `toml:"id"`      // ID is the relay's hex ed25519 key, any peer is accepted when empty
	Address string `toml:"address"` // Address is the relay's QUIC address
}

// RecoveryConfig is the file form of recovery.Config.
type RecoveryConfig struct {
	DisableFastPath           bool     `toml:"disable_fast_path"`
	FastPathTimeout           duration `toml:"fast_path_timeout"`
	ChunkRequestTimeout       duration `toml:"chunk_request_timeout"`
	MaxConcurrentRecoveries   int      `toml:"max_concurrent"`
	MaxChunkRequests          int      `toml:"max_chunk_requests"`
	MaxReconstructionAttempts int      `toml:"max_reconstruction_attempts"`
	CompletedCacheSize        int      `toml:"completed_cache"`
}

// ValidatorEntry is one validator of the directory.
type ValidatorEntry struct {
	ID      string `toml:"id"`      // ID is the hex ed25519 public key
	Address string `toml:"address"` // Address is the QUIC address
	BLSKey  string `toml:"bls_key"` // BLSKey is the hex backing public key, optional
}

// duration parses TOML strings such as "1500ms".
type duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = duration(v)

	return nil
}

// defaultConfig returns the configuration used when neither file nor flags set a value.
func defaultConfig() *Config {
	d := recovery.DefaultConfig()

	return &Config{
		DataPath:    "./data",
		HTTPAddress: ":8080",
		QUICAddress: ":9000",
		LogLevel:    "info",
		Recovery: RecoveryConfig{
			FastPathTimeout:           duration(d.FastPathTimeout),
			ChunkRequestTimeout:       duration(d.ChunkRequestTimeout),
			MaxConcurrentRecoveries:   d.MaxConcurrentRecoveries,
			MaxChunkRequests:          d.MaxChunkRequests,
			MaxReconstructionAttempts: d.MaxReconstructionAttempts,
			CompletedCacheSize:        d.CompletedCacheSize,
		},
	}
}

// newFlagSet binds the command-line flags to cfg, using its current values as defaults.
func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "TOML configuration file")
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", cfg.HTTPAddress, "HTTP API address")
	fs.StringVar(&cfg.QUICAddress, "quic", cfg.QUICAddress, "QUIC P2P address")
	fs.StringVar(&cfg.KeyPath, "key", cfg.KeyPath, "Ed25519 private key path (generates new if missing)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Minimum log level (debug, info, warn, error)")
	fs.StringVar(&cfg.PVFPath, "pvf", cfg.PVFPath, "Shard validation function WASM path")
	fs.StringVar(&cfg.GenesisPath, "genesis", cfg.GenesisPath, "Shard genesis body path")
	fs.BoolVar(&cfg.VerifyBacking, "verify-backing", cfg.VerifyBacking, "Drop candidates without a valid backing attestation")
	fs.StringVar(&cfg.Relay.ID, "relay-id", cfg.Relay.ID, "Relay public key (hex)")
	fs.StringVar(&cfg.Relay.Address, "relay", cfg.Relay.Address, "Relay QUIC address")
	fs.BoolVar(&cfg.Recovery.DisableFastPath, "no-fast-path", cfg.Recovery.DisableFastPath, "Recover from chunks only")
	fs.IntVar(&cfg.Recovery.MaxConcurrentRecoveries, "max-recoveries", cfg.Recovery.MaxConcurrentRecoveries, "Maximum concurrent recoveries")

	return fs
}

// loadConfig parses args, reading the TOML file named by -config first.
func loadConfig(args []string) (*Config, error) {
	cfg := defaultConfig()

	if err := newFlagSet(cfg).Parse(args); err != nil {
		return nil, err
	}

	if cfg.ConfigPath == "" {
		return cfg, nil
	}

	fileCfg := defaultConfig()

	if _, err := toml.DecodeFile(cfg.ConfigPath, fileCfg); err != nil {
		return nil, fmt.Errorf("read config %s:\n%w", cfg.ConfigPath, err)
	}

	// Parse again so flags win over the file
	if err := newFlagSet(fileCfg).Parse(args); err != nil {
		return nil, err
	}

	return fileCfg, nil
}

// recoveryConfig converts the file form into recovery.Config.
func (c *Config) recoveryConfig() recovery.Config {
	r := recovery.DefaultConfig()

	r.DisableFastPath = c.Recovery.DisableFastPath
	r.FastPathTimeout = time.Duration(c.Recovery.FastPathTimeout)
	r.ChunkRequestTimeout = time.Duration(c.Recovery.ChunkRequestTimeout)
	r.MaxConcurrentRecoveries = c.Recovery.MaxConcurrentRecoveries
	r.MaxChunkRequests = c.Recovery.MaxChunkRequests
	r.MaxReconstructionAttempts = c.Recovery.MaxReconstructionAttempts
	r.CompletedCacheSize = c.Recovery.CompletedCacheSize

	return r
}

// relayID returns the configured relay identity, zero when any peer is accepted.
func (c *Config) relayID() (candidate.ValidatorID, error) {
	if c.Relay.ID == "" {
		return candidate.ValidatorID{}, nil
	}

	return parseID(c.Relay.ID)
}

// parseID decodes a hex validator id.
func parseID(s string) (candidate.ValidatorID, error) {
	var id candidate.ValidatorID

	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode id:\n%w", err)
	}

	if len(b) != len(id) {
		return id, fmt.Errorf("invalid id length: %d", len(b))
	}

	copy(id[:], b)

	return id, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
