// Package config is a reusable loader for the oracle's configuration:
// a .env file plus environment-variable overrides, unmarshalled into a
// typed Config. Grounded on the teacher's pkg/config (viper-driven
// environment overlay via AutomaticEnv) and walletserver/config (godotenv
// .env loading), merged into one loader since this repo has a single
// binary rather than the teacher's many independent cmd/ servers.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the unified runtime configuration for the oracle process.
type Config struct {
	Chain struct {
		RPCURL                  string
		WSURL                   string
		ChainID                 int64
		OraclePrivateKey        string
		AgentRegistryAddress    string
		RewardPoolAddress       string
		ChallengeManagerAddress string
	}

	Intervals struct {
		MonitorMS    int
		ChallengeMS  int
		ReportBlocks uint64
	}

	Store struct {
		DataDir string
	}

	API struct {
		Port   string
		APIKey string
	}

	ModelLayerCounts map[string]int
	ModelMemReqMB    map[string]int64

	NodeEnv string
}

// DefaultLayerCount is the fallback total-layer count for an unrecognized
// model, per spec §4.6.
const DefaultLayerCount = 32

// DefaultMemReqMB is the fallback per-model memory requirement (MB) used by
// the cluster manager (spec §4.7) when a model has no explicit override.
const DefaultMemReqMB = 16_000

// envKeys lists every variable Load binds, so viper's AutomaticEnv reads
// them even though no config file backs this process (spec §6
// "Configuration").
var envKeys = []string{
	"RPC_URL", "WS_URL", "CHAIN_ID", "ORACLE_PRIVATE_KEY",
	"AGENT_REGISTRY_ADDRESS", "REWARD_POOL_ADDRESS", "CHALLENGE_MANAGER_ADDRESS",
	"MONITOR_INTERVAL_MS", "CHALLENGE_INTERVAL_MS", "REPORT_INTERVAL_BLOCKS",
	"DATA_DIR", "API_PORT", "ORACLE_API_KEY", "NODE_ENV",
	"MODEL_LAYER_COUNTS", "MODEL_MEM_REQ_MB",
}

// Load reads an optional .env file (missing is not an error, matching the
// teacher's godotenv.Load tolerance pattern), layers environment variables
// on top via viper.AutomaticEnv, and fills Config with spec.md §6's
// defaults.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile) // absence of a .env file is normal outside dev

	v := viper.New()
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	v.SetDefault("RPC_URL", "http://127.0.0.1:8545")
	v.SetDefault("WS_URL", "ws://127.0.0.1:8546")
	v.SetDefault("CHAIN_ID", 1337)
	v.SetDefault("MONITOR_INTERVAL_MS", 30_000)
	v.SetDefault("CHALLENGE_INTERVAL_MS", 60_000)
	v.SetDefault("REPORT_INTERVAL_BLOCKS", 1200)
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("API_PORT", "8090")
	v.SetDefault("NODE_ENV", "development")

	var c Config
	c.Chain.RPCURL = v.GetString("RPC_URL")
	c.Chain.WSURL = v.GetString("WS_URL")
	c.Chain.ChainID = v.GetInt64("CHAIN_ID")
	c.Chain.OraclePrivateKey = v.GetString("ORACLE_PRIVATE_KEY")
	c.Chain.AgentRegistryAddress = v.GetString("AGENT_REGISTRY_ADDRESS")
	c.Chain.RewardPoolAddress = v.GetString("REWARD_POOL_ADDRESS")
	c.Chain.ChallengeManagerAddress = v.GetString("CHALLENGE_MANAGER_ADDRESS")

	c.Intervals.MonitorMS = v.GetInt("MONITOR_INTERVAL_MS")
	c.Intervals.ChallengeMS = v.GetInt("CHALLENGE_INTERVAL_MS")
	c.Intervals.ReportBlocks = uint64(v.GetInt64("REPORT_INTERVAL_BLOCKS"))

	c.Store.DataDir = v.GetString("DATA_DIR")

	c.API.Port = v.GetString("API_PORT")
	c.API.APIKey = v.GetString("ORACLE_API_KEY")

	c.NodeEnv = v.GetString("NODE_ENV")

	c.ModelLayerCounts = parseLayerCounts(v.GetString("MODEL_LAYER_COUNTS"))
	c.ModelMemReqMB = parseMemReq(v.GetString("MODEL_MEM_REQ_MB"))

	if c.NodeEnv == "production" && c.Chain.OraclePrivateKey == "" {
		return nil, fmt.Errorf("config: ORACLE_PRIVATE_KEY is required in production")
	}
	return &c, nil
}

// LayerCount looks up the total layer count for model, falling back to
// DefaultLayerCount per spec §4.6.
func (c *Config) LayerCount(model string) int {
	if n, ok := c.ModelLayerCounts[model]; ok {
		return n
	}
	return DefaultLayerCount
}

// IsProduction reports whether NODE_ENV disables permissive defaults and
// requires schema verification at boot, per spec §6.
func (c *Config) IsProduction() bool { return c.NodeEnv == "production" }

// MemRequirement looks up the per-model memory requirement (MB) the cluster
// manager uses to decide whether a node can run a model standalone,
// falling back to DefaultMemReqMB.
func (c *Config) MemRequirement(model string) int64 {
	if n, ok := c.ModelMemReqMB[model]; ok {
		return n
	}
	return DefaultMemReqMB
}

// parseMemReq parses "model-a=18000,model-b=8000" into a map, ignoring
// malformed entries rather than failing boot over an optional override.
func parseMemReq(raw string) map[string]int64 {
	out := make(map[string]int64)
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(kv[1]), 10, 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(kv[0])] = n
	}
	return out
}

// parseLayerCounts parses "model-a=40,model-b=60" into a map, ignoring
// malformed entries rather than failing boot over an optional override.
func parseLayerCounts(raw string) map[string]int {
	out := make(map[string]int)
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			continue
		}
		out[strings.TrimSpace(kv[0])] = n
	}
	return out
}
