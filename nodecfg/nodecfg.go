// Package nodecfg generalizes the teacher's node.Config/DefaultConfig
// (node/config.go) into the full knob set spec.md §6 names, with the
// same early-validation discipline (node.ValidateConfig) and a JSON
// load path with environment-variable overrides for the handful of
// operational knobs, mirroring node/keymgr.go's RUBIN_WOLFCRYPT_STRICT
// style env escape hatches.
package nodecfg

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"findag.dev/core/model"
)

type Config struct {
	// Consensus timing (spec §6).
	BlockIntervalMS  int `json:"block_interval_ms"`
	RoundIntervalMS  int `json:"round_interval_ms"`
	RoundTimeoutMS   int `json:"round_timeout_ms"`
	MaxTxsPerBlock   int `json:"max_txs_per_block"`
	MaxBlockBytes    int `json:"max_block_bytes"`
	MaxParentsPerBlock int `json:"max_parents_per_block"`

	MempoolByteLimit  uint64 `json:"mempool_byte_limit"`
	MempoolShardCount int    `json:"mempool_shard_count"`
	MempoolTTLMS      int    `json:"mempool_ttl_ms"`

	CommitteeSize      int `json:"committee_size"`
	QuorumNumerator    int `json:"quorum_numerator"`
	QuorumDenominator  int `json:"quorum_denominator"`

	// GCRetainRounds bounds the BlockDAG's in-memory retention window for
	// finalized blocks (spec §3, §4.6).
	GCRetainRounds uint64 `json:"gc_retain_rounds"`

	AssetWhitelist []string `json:"asset_whitelist"`

	// Ambient (spec §6, teacher's node.Config carried verbatim in
	// spirit).
	DataDir  string   `json:"data_dir"`
	BindAddr string   `json:"bind_addr"`
	LogLevel string   `json:"log_level"`
	Peers    []string `json:"peers"`
	MaxPeers int      `json:"max_peers"`
}

var allowedLogLevels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".findag"
	}
	return filepath.Join(home, ".findag")
}

func DefaultConfig() Config {
	return Config{
		BlockIntervalMS:    25,
		RoundIntervalMS:    200,
		RoundTimeoutMS:     150,
		MaxTxsPerBlock:     5000,
		MaxBlockBytes:      2 << 20,
		MaxParentsPerBlock: 8,
		MempoolByteLimit:   64 << 20,
		MempoolShardCount:  8,
		MempoolTTLMS:       60_000,
		CommitteeSize:      20,
		QuorumNumerator:    2,
		QuorumDenominator:  3,
		GCRetainRounds:     64,
		DataDir:            DefaultDataDir(),
		BindAddr:           "0.0.0.0:9111",
		LogLevel:           "info",
		MaxPeers:           64,
	}
}

// Validate enforces spec.md §6's numeric ranges, the same early-reject
// discipline as the teacher's node.ValidateConfig.
func (c Config) Validate() error {
	if c.BlockIntervalMS < 10 || c.BlockIntervalMS > 50 {
		return fmt.Errorf("nodecfg: block_interval_ms must be in [10,50], got %d", c.BlockIntervalMS)
	}
	if c.RoundIntervalMS < 100 || c.RoundIntervalMS > 250 {
		return fmt.Errorf("nodecfg: round_interval_ms must be in [100,250], got %d", c.RoundIntervalMS)
	}
	if c.RoundTimeoutMS <= 0 || c.RoundTimeoutMS >= c.RoundIntervalMS {
		return fmt.Errorf("nodecfg: round_timeout_ms must be positive and less than round_interval_ms")
	}
	if c.MaxTxsPerBlock <= 0 {
		return fmt.Errorf("nodecfg: max_txs_per_block must be > 0")
	}
	if c.MaxBlockBytes <= 0 {
		return fmt.Errorf("nodecfg: max_block_bytes must be > 0")
	}
	if c.MaxParentsPerBlock <= 0 {
		return fmt.Errorf("nodecfg: max_parents_per_block must be > 0")
	}
	if c.MempoolShardCount <= 0 {
		return fmt.Errorf("nodecfg: mempool_shard_count must be > 0")
	}
	if c.MempoolTTLMS <= 0 {
		return fmt.Errorf("nodecfg: mempool_ttl_ms must be > 0")
	}
	if c.CommitteeSize <= 0 {
		return fmt.Errorf("nodecfg: committee_size must be > 0")
	}
	if c.QuorumNumerator <= 0 || c.QuorumDenominator <= 0 || c.QuorumNumerator >= c.QuorumDenominator {
		return fmt.Errorf("nodecfg: quorum_numerator/quorum_denominator must express a fraction in (0,1)")
	}
	for _, a := range c.AssetWhitelist {
		if _, err := model.AssetCodeFromString(a); err != nil {
			return fmt.Errorf("nodecfg: invalid asset_whitelist entry %q: %w", a, err)
		}
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("nodecfg: data_dir is required")
	}
	if err := validateAddr(c.BindAddr); err != nil {
		return fmt.Errorf("nodecfg: invalid bind_addr: %w", err)
	}
	for _, p := range c.Peers {
		if err := validateAddr(p); err != nil {
			return fmt.Errorf("nodecfg: invalid peer %q: %w", p, err)
		}
	}
	logLevel := strings.ToLower(strings.TrimSpace(c.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("nodecfg: invalid log_level %q", c.LogLevel)
	}
	if c.MaxPeers <= 0 || c.MaxPeers > 4096 {
		return fmt.Errorf("nodecfg: max_peers must be in (0,4096]")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return fmt.Errorf("missing port")
	}
	if strings.Contains(host, " ") {
		return fmt.Errorf("invalid host")
	}
	return nil
}

// Load reads a JSON config file and applies the operational
// environment-variable overrides spec.md §6 names.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("nodecfg: read %s: %w", path, err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("nodecfg: parse %s: %w", path, err)
		}
	}
	if v := os.Getenv("FINDAG_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FINDAG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FINDAG_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	return cfg, nil
}

// AssetWhitelistSet converts the string whitelist into the map shape
// mempool.Config expects.
func (c Config) AssetWhitelistSet() map[model.AssetCode]struct{} {
	if len(c.AssetWhitelist) == 0 {
		return nil
	}
	out := make(map[model.AssetCode]struct{}, len(c.AssetWhitelist))
	for _, a := range c.AssetWhitelist {
		code, err := model.AssetCodeFromString(a)
		if err != nil {
			continue
		}
		out[code] = struct{}{}
	}
	return out
}
