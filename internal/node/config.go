package node

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"agentworld.ai/internal/consensus"
	"agentworld.ai/internal/world"
)

// Role selects what a node does with committed blocks.
type Role string

const (
	// RoleSequencer validates, proposes and attests.
	RoleSequencer Role = "sequencer"
	// RoleObserver executes commits but never votes or publishes replication.
	RoleObserver Role = "observer"
	// RoleStorage executes commits, publishes replication and serves the
	// fetch protocols.
	RoleStorage Role = "storage"
)

// Config is the per-node configuration loaded from node.yaml.
type Config struct {
	NodeID  string `yaml:"node_id"`
	Role    Role   `yaml:"role"`
	DataDir string `yaml:"data_dir"`

	// SeedHex is the node's ed25519 seed; empty generates an ephemeral key.
	SeedHex string `yaml:"seed_hex,omitempty"`
	Signed  bool   `yaml:"signed"`

	TickIntervalMs int `yaml:"tick_interval_ms"`
	// TimeoutTicks is how many empty ticks a round survives before the
	// leader rotates.
	TimeoutTicks        int    `yaml:"timeout_ticks"`
	MaxActionsPerBlock  int    `yaml:"max_actions_per_block"`
	EpochArchiveHeights uint64 `yaml:"epoch_archive_heights"`
	ModuleWorkers       int    `yaml:"module_workers"`

	ListenAddr string `yaml:"listen_addr,omitempty"`

	World  WorldConfig  `yaml:"world"`
	Mirror MirrorConfig `yaml:"mirror,omitempty"`
}

// WorldConfig describes the world this node participates in.
type WorldConfig struct {
	ID            string                       `yaml:"id"`
	Policy        world.GameplayPolicy         `yaml:"policy"`
	Validators    []consensus.Validator        `yaml:"validators"`
	Supermajority consensus.SupermajorityRatio `yaml:"supermajority"`
	// Signers binds validator ids to public keys (signed mode).
	Signers map[string]string `yaml:"signers,omitempty"`
	// ReplicationAllowlist holds writer public keys accepted in signed mode.
	ReplicationAllowlist []string `yaml:"replication_allowlist,omitempty"`
	MaxHotCommitMessages int      `yaml:"max_hot_commit_messages"`
}

// MirrorConfig enables the optional S3-compatible offsite mirror.
type MirrorConfig struct {
	Endpoint        string `yaml:"endpoint,omitempty"`
	Bucket          string `yaml:"bucket,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
}

func (m MirrorConfig) Enabled() bool { return m.Endpoint != "" }

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, E(KindIo, "read config", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, E(KindInvalidConfig, "parse config", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Role:                RoleObserver,
		DataDir:             "data",
		TickIntervalMs:      500,
		TimeoutTicks:        4,
		MaxActionsPerBlock:  256,
		EpochArchiveHeights: consensus.SlotsPerEpoch,
		ModuleWorkers:       4,
		World: WorldConfig{
			ID:            "w-main",
			Policy:        world.DefaultGameplayPolicy(),
			Supermajority: consensus.DefaultSupermajority(),
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = "node-" + uuid.NewString()
	}
	if c.Role == "" {
		c.Role = RoleObserver
	}
	if c.TickIntervalMs <= 0 {
		c.TickIntervalMs = 500
	}
	if c.TimeoutTicks <= 0 {
		c.TimeoutTicks = 4
	}
	if c.MaxActionsPerBlock <= 0 {
		c.MaxActionsPerBlock = 256
	}
	if c.EpochArchiveHeights == 0 {
		c.EpochArchiveHeights = consensus.SlotsPerEpoch
	}
	if c.ModuleWorkers <= 0 {
		c.ModuleWorkers = 4
	}
	if c.World.Supermajority.Den == 0 {
		c.World.Supermajority = consensus.DefaultSupermajority()
	}
	if c.World.MaxHotCommitMessages <= 0 {
		c.World.MaxHotCommitMessages = 4096
	}
}

func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return E(KindInvalidConfig, "validate config", fmt.Errorf(format, args...))
	}
	switch c.Role {
	case RoleSequencer, RoleObserver, RoleStorage:
	default:
		return fail("role %q must be one of sequencer, observer, storage", c.Role)
	}
	if strings.TrimSpace(c.World.ID) == "" {
		return fail("world id must not be empty")
	}
	if c.TickIntervalMs <= 0 {
		return fail("tick_interval_ms must be > 0")
	}
	p := c.World.Policy
	if p.ElectricityTaxBps < 0 || p.ElectricityTaxBps > world.MaxTaxBps {
		return fail("electricity_tax_bps %d outside [0, %d]", p.ElectricityTaxBps, world.MaxTaxBps)
	}
	if p.PowerTradeFeeBps < 0 || p.PowerTradeFeeBps > world.MaxTaxBps {
		return fail("power_trade_fee_bps %d outside [0, %d]", p.PowerTradeFeeBps, world.MaxTaxBps)
	}
	if p.DataTaxBps < 0 || p.DataTaxBps > world.MaxTaxBps {
		return fail("data_tax_bps %d outside [0, %d]", p.DataTaxBps, world.MaxTaxBps)
	}
	if p.PointsPerCredit <= 0 {
		return fail("points_per_credit must be > 0")
	}
	if p.ChunkSizeCm <= 0 {
		return fail("chunk_size_cm must be > 0")
	}
	if len(c.World.Validators) == 0 {
		return fail("world %s has no validators", c.World.ID)
	}
	if _, err := consensus.NewValidatorSet(c.World.Validators, c.World.Supermajority); err != nil {
		return fail("validator set: %v", err)
	}
	if c.Role == RoleSequencer {
		found := false
		for _, v := range c.World.Validators {
			if v.ID == c.NodeID {
				found = true
				break
			}
		}
		if !found {
			return fail("sequencer node %s is not in the validator set", c.NodeID)
		}
	}
	if c.Signed {
		for _, v := range c.World.Validators {
			if _, ok := c.World.Signers[v.ID]; !ok {
				return fail("signed mode: validator %s has no signer binding", v.ID)
			}
		}
	}
	if c.Mirror.Enabled() {
		if c.Mirror.Bucket == "" || c.Mirror.AccessKeyID == "" || c.Mirror.SecretAccessKey == "" {
			return fail("mirror needs endpoint, bucket and credentials together")
		}
	}
	return nil
}

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// WorldDir is where this node keeps all per-world files.
func (c Config) WorldDir() string {
	return c.DataDir + string(os.PathSeparator) + c.World.ID
}
