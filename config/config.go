// Package config loads the single YAML configuration file shared by the
// node and coordinator binaries. It follows the teacher's namespaced
// config-file pattern (see cmd/chihaya's ConfigFile): a single top-level
// block, plus a name+yaml.MapSlice remarshal step for the one pluggable
// sub-config (the pipeline strategy) so each strategy can own its own
// config shape without the top-level file needing to know it up front.
// The replica-table storage backend has no config key.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Defaults from spec.md §6.
const (
	DefaultDHTQueryTimeout   = 120 * time.Second
	DefaultAnnounceInterval  = 60 * time.Second
	DefaultKeepaliveInterval = 25 * time.Second
	DefaultPieceSize         = 64 * 1024
	DefaultTTL               = 3600 * time.Second
	DefaultMaxConcurrent     = 4

	// DefaultReputationHalfLife is how long an untouched cached
	// reputation score takes to decay halfway back to the neutral 0.5
	// (spec.md §9 "Reputation feedback").
	DefaultReputationHalfLife = 1 * time.Hour
)

// knownKeys is the set of top-level configuration keys this system
// recognizes. Anything else in the file is a load-time error.
var knownKeys = map[string]bool{
	"cluster_name":         true,
	"total_shards":         true,
	"total_layers":         true,
	"shard_id":             true,
	"model_name":           true,
	"shards_dir":           true,
	"bootstrap_addr":       true,
	"listen_port":          true,
	"strategy":             true,
	"dht_query_timeout":    true,
	"announce_interval":    true,
	"keepalive_interval":   true,
	"piece_size":           true,
	"max_concurrent":       true,
	"reputation_half_life": true,
}

// Plugin is a named sub-configuration whose shape is deferred to whichever
// package registers a driver under Name; Params is remarshaled into that
// driver's own Config type, mirroring the teacher's Storage{Type, Config}.
type Plugin struct {
	Name   string        `yaml:"name"`
	Params yaml.MapSlice `yaml:"params"`
}

// Config is the parsed, validated content of the system's single YAML
// configuration file.
type Config struct {
	ClusterName string `yaml:"cluster_name"`

	TotalShards uint32 `yaml:"total_shards"`
	TotalLayers uint32 `yaml:"total_layers"`
	ShardID     uint32 `yaml:"shard_id"`

	ModelName string `yaml:"model_name"`
	ShardsDir string `yaml:"shards_dir"`

	BootstrapAddr []string `yaml:"bootstrap_addr"`
	ListenPort    int      `yaml:"listen_port"`

	Strategy Plugin `yaml:"strategy"`

	DHTQueryTimeout   time.Duration `yaml:"dht_query_timeout"`
	AnnounceInterval  time.Duration `yaml:"announce_interval"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	PieceSize         int           `yaml:"piece_size"`

	// MaxConcurrent is this node's self-advertised EXECUTE_TASK capacity
	// (§3 capabilities.max_concurrent): how many in-flight calls a
	// coordinator may have outstanding against this shard at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// ReputationHalfLife is how long a coordinator's cached reputation
	// score for a replica takes to decay halfway back toward the
	// neutral 0.5 absent any further UPDATE_REPUTATION/gossip event
	// (shard.Table.Replicas applies this at read time).
	ReputationHalfLife time.Duration `yaml:"reputation_half_life"`
}

// Load reads and validates the YAML configuration file at path.
//
// It supports relative and absolute paths and environment variable
// expansion in the path itself, following the teacher's ParseConfigFile.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: no path specified")
	}

	contents, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := checkUnknownKeys(contents); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a Config populated with the system's documented
// defaults; callers then yaml.Unmarshal a file on top of it.
func Default() *Config {
	return &Config{
		DHTQueryTimeout:    DefaultDHTQueryTimeout,
		AnnounceInterval:   DefaultAnnounceInterval,
		KeepaliveInterval:  DefaultKeepaliveInterval,
		PieceSize:          DefaultPieceSize,
		MaxConcurrent:      DefaultMaxConcurrent,
		ReputationHalfLife: DefaultReputationHalfLife,
	}
}

// checkUnknownKeys rejects any top-level key not in knownKeys, since a
// silently-ignored typo in cluster_name is the single largest historical
// cause of split clusters (spec.md §9).
func checkUnknownKeys(contents []byte) error {
	var raw yaml.MapSlice
	if err := yaml.Unmarshal(contents, &raw); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for _, item := range raw {
		key, ok := item.Key.(string)
		if !ok || !knownKeys[key] {
			return fmt.Errorf("config: unknown option %v", item.Key)
		}
	}
	return nil
}

// Validate sanity-checks a loaded Config.
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("config: cluster_name is required")
	}
	if c.TotalShards == 0 {
		return fmt.Errorf("config: total_shards must be > 0")
	}
	if c.TotalLayers == 0 {
		return fmt.Errorf("config: total_layers must be > 0")
	}
	if c.TotalShards > c.TotalLayers {
		return fmt.Errorf("config: total_shards (%d) must be <= total_layers (%d)", c.TotalShards, c.TotalLayers)
	}
	if c.ShardID >= c.TotalShards {
		return fmt.Errorf("config: shard_id (%d) out of range [0,%d)", c.ShardID, c.TotalShards)
	}
	if c.PieceSize <= 0 {
		return fmt.Errorf("config: piece_size must be > 0")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("config: max_concurrent must be > 0")
	}
	if c.ReputationHalfLife <= 0 {
		return fmt.Errorf("config: reputation_half_life must be > 0")
	}
	return nil
}
