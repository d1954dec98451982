// Package config provides centralized configuration for the ord-index daemon.
// All tunables that affect indexing behavior MUST be defined here, not
// scattered across the core packages.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the name of the config file inside the data directory.
const ConfigFileName = "ord-index.yaml"

// NetworkType selects which chain parameters the indexer expects the node
// to be running.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Signet  NetworkType = "signet"
	Regtest NetworkType = "regtest"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultParallelRequests bounds how many concurrent get_transaction
	// calls the value prefetcher issues per batch, chosen so as not to
	// exceed a default node's RPC work queue.
	DefaultParallelRequests = 16

	// DefaultCommitInterval is how many blocks the driver indexes between
	// savepoint refreshes. Each block is still committed in its own write
	// transaction; this interval does not batch commits.
	DefaultCommitInterval = 1000

	// DefaultSavepointLimit caps how many reorg savepoints are retained.
	DefaultSavepointLimit = 10

	// BlockQueueCapacity is the bounded channel size between the block
	// source and the driver (§5).
	BlockQueueCapacity = 32

	// PrefetchQueueCapacity bounds both the submit and reply channels of
	// the value prefetcher (§5).
	PrefetchQueueCapacity = 20_000

	// PrefetchBatchSize is the max number of outpoints drained per
	// prefetch round (§4.2).
	PrefetchBatchSize = 20_480

	// MaxBackoffSeconds caps the exponential retry backoff for transient RPC
	// failures (§4.1, §7).
	MaxBackoffSeconds = 120
)

// Config holds all configuration for the indexer daemon.
type Config struct {
	// Node RPC connection.
	RPCURL  string `yaml:"rpc_url"`
	RPCUser string `yaml:"rpc_user"`
	RPCPass string `yaml:"rpc_pass"`

	// Storage location for the bbolt-backed index.
	DataDir string `yaml:"data_dir"`

	Network NetworkType `yaml:"network"`

	// FirstInscriptionHeight is the first height at which the chain can
	// carry a witness envelope; below it, block fetches may omit txdata
	// and the inscription updater must not run.
	FirstInscriptionHeight uint32 `yaml:"first_inscription_height"`

	// FirstDuneHeight gates the sibling dunes overlay, not detailed here.
	FirstDuneHeight uint32 `yaml:"first_dune_height"`

	IndexSats         bool `yaml:"index_sats"`
	IndexTransactions bool `yaml:"index_transactions"`
	IndexBit20        bool `yaml:"index_bit20"`
	IndexDunes        bool `yaml:"index_dunes"`

	ParallelRequests int `yaml:"parallel_requests"`

	// HeightLimit, if non-nil, stops the block source at this height
	// (inclusive) rather than following the remote tip forever.
	HeightLimit *uint32 `yaml:"height_limit,omitempty"`

	CommitInterval uint32 `yaml:"commit_interval"`
	SavepointLimit int    `yaml:"savepoint_limit"`
}

// DefaultConfig returns an indexer configuration with conservative defaults.
// The RPC URL is left blank — callers must supply one before starting.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                "~/.ord-index",
		Network:                Mainnet,
		FirstInscriptionHeight: 767430, // mainnet ordinals activation height
		FirstDuneHeight:        0,
		IndexSats:              true,
		IndexTransactions:      true,
		IndexBit20:             true,
		IndexDunes:             false,
		ParallelRequests:       DefaultParallelRequests,
		CommitInterval:         DefaultCommitInterval,
		SavepointLimit:         DefaultSavepointLimit,
	}
}

// Load reads the config file from dataDir, creating a default one if none
// exists yet, mirroring the daemon's first-run behavior.
func Load(dataDir string) (*Config, error) {
	expanded := expandPath(dataDir)
	path := filepath.Join(expanded, ConfigFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks that the configuration is sufficient to start indexing.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if c.ParallelRequests <= 0 {
		return fmt.Errorf("parallel_requests must be positive")
	}
	if c.CommitInterval == 0 {
		return fmt.Errorf("commit_interval must be positive")
	}
	if c.SavepointLimit <= 0 {
		return fmt.Errorf("savepoint_limit must be positive")
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
