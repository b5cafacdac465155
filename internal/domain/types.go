package domain

import "math/big"

// AgentStatus tracks the lifecycle of a chain-registered agent.
type AgentStatus string

const (
	AgentInactive AgentStatus = "inactive"
	AgentActive   AgentStatus = "active"
	AgentSlashed  AgentStatus = "slashed"
)

// Agent is the chain-anchored identity of an inference worker. Created by the
// chain watcher or by the ingestor on first verified metrics; never destroyed.
type Agent struct {
	Address       Address         `json:"address"`
	RegisteredAt  int64           `json:"registeredAt"`
	LastHeartbeat int64           `json:"lastHeartbeat"`
	Status        AgentStatus     `json:"status"`
	Stake         *big.Int        `json:"stake"`
	NodeID        string          `json:"nodeId"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// NodeMode describes the role a pipeline node plays within a model's pipeline.
type NodeMode string

const (
	NodeStandalone  NodeMode = "standalone"
	NodeCoordinator NodeMode = "coordinator"
	NodeRPCServer   NodeMode = "rpc-server"
	NodePipeline    NodeMode = "pipeline"
)

// AgentNode is the network-reachable presence of an Agent, keyed by address.
type AgentNode struct {
	Address                Address  `json:"address"`
	Endpoint               string   `json:"endpoint"`
	Capabilities           []string `json:"capabilities"`
	Status                 AgentStatus `json:"status"`
	Score                  float64  `json:"score"`
	LastHeartbeat          int64    `json:"lastHeartbeat"`
	LastMetricReport       int64    `json:"lastMetricReport"`
	RegistrationSignature  string   `json:"registrationSignature"`
	BenchmarkTokPerSec     float64  `json:"benchmarkTokPerSec"`
	LanIP                  string   `json:"lanIp,omitempty"`
	CanDistribute          bool     `json:"canDistribute"`
	RAMMb                  int64    `json:"ramMb,omitempty"`
	VRAMMb                 int64    `json:"vramMb,omitempty"`
	Device                 string   `json:"device,omitempty"`
}

// HasCapability reports whether the node advertises a capability.
func (n AgentNode) HasCapability(cap string) bool {
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// IsGPU reports whether the node's primary device is a GPU.
func (n AgentNode) IsGPU() bool {
	return n.Device == "gpu"
}

// AvailableMemMB resolves the §4.7 memory-reporting open question: prefer
// VRAM for GPU nodes with a nonzero value, fall back to system RAM otherwise.
// Shared by the pipeline allocator's weighting and the cluster manager's
// sizing so the two components never disagree about a node's capacity.
func AvailableMemMB(n AgentNode) int64 {
	if n.IsGPU() && n.VRAMMb > 0 {
		return n.VRAMMb
	}
	return n.RAMMb
}

// EpochMetrics is the unique-per-(address,epoch) accumulation of telemetry.
type EpochMetrics struct {
	Address         Address `json:"address"`
	Epoch           uint64  `json:"epoch"`
	TokensProcessed uint64  `json:"tokensProcessed"`
	RequestCount    uint64  `json:"requestCount"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
	UptimeSeconds   uint64  `json:"uptimeSeconds"`
	LastRawTokens   uint64  `json:"lastRawTokens"`
	LastRawRequests uint64  `json:"lastRawRequests"`
	LastUpdated     int64   `json:"lastUpdated"`
}

// Key returns the composite primary key used by the store.
func (m EpochMetrics) Key() EpochKey { return EpochKey{Address: m.Address, Epoch: m.Epoch} }

// EpochKey is the composite primary key (address, epoch) shared by several tables.
type EpochKey struct {
	Address Address
	Epoch   uint64
}

// InferenceProof is a signal of work performed, scoped to (address, epoch).
type InferenceProof struct {
	ID                  string  `json:"id"`
	Address             Address `json:"address"`
	Epoch               uint64  `json:"epoch"`
	ModelHash           string  `json:"modelHash"`
	InputHash           string  `json:"inputHash"`
	OutputHash          string  `json:"outputHash"`
	TokenCount          uint64  `json:"tokenCount"`
	Verified            bool    `json:"verified"`
	VerificationTxHash  string  `json:"verificationTxHash,omitempty"`
	CreatedAt           int64   `json:"createdAt"`
	VerifiedAt          int64   `json:"verifiedAt,omitempty"`
}

// Contribution is the per-(address,epoch) snapshot published on-chain.
type Contribution struct {
	Address         Address `json:"address"`
	Epoch           uint64  `json:"epoch"`
	TaskCount       int     `json:"taskCount"`
	UptimeSeconds   uint64  `json:"uptimeSeconds"`
	ResponseScore   int     `json:"responseScore"`
	ProcessedTokens uint64  `json:"processedTokens"`
	AvgLatencyInv   int     `json:"avgLatencyInv"`
	LastUpdated     int64   `json:"lastUpdated"`
}

// Epoch tracks the chain's accounting period and local distribution state.
type Epoch struct {
	Number      uint64 `json:"number"`
	Reward      *big.Int `json:"reward"`
	AgentCount  int    `json:"agentCount"`
	Distributed bool   `json:"distributed"`
	SyncedAt    int64  `json:"syncedAt"`
}

// Challenge is a work-proof task offered to agents for response scoring.
type Challenge struct {
	ID          string  `json:"id"`
	Difficulty  int     `json:"difficulty"`
	Seed        string  `json:"seed"`
	CreatedAt   int64   `json:"createdAt"`
	ExpiresAt   int64   `json:"expiresAt"`
	Solved      bool    `json:"solved"`
	Solver      *Address `json:"solver,omitempty"`
	RewardBonus *big.Int `json:"rewardBonus,omitempty"`
}

// TaskRecord is an in-memory log entry of a solved challenge, keyed by agent.
type TaskRecord struct {
	ChallengeID    string
	SolvedAt       int64
	SolveTimeSecs  float64
}

// PipelineAssignment is the unique-per-(nodeAddress,modelName) layer mapping.
type PipelineAssignment struct {
	NodeAddress        Address  `json:"nodeAddress"`
	ModelName          string   `json:"modelName"`
	LayerStart         int      `json:"layerStart"`
	LayerEnd           int      `json:"layerEnd"`
	TotalLayers        int      `json:"totalLayers"`
	GRPCEndpoint       string   `json:"grpcEndpoint"`
	HTTPEndpoint       string   `json:"httpEndpoint"`
	RAMMb              int64    `json:"ramMb"`
	Device             string   `json:"device"`
	VRAMMb             int64    `json:"vramMb"`
	BenchmarkTokPerSec float64  `json:"benchmarkTokPerSec"`
	Ready              bool     `json:"ready"`
	PipelineOrder      int      `json:"pipelineOrder"`
	NodeMode           NodeMode `json:"nodeMode"`
	ClusterID          uint64   `json:"clusterId,omitempty"`
	RPCPort            int      `json:"rpcPort,omitempty"`
	LanIP              string   `json:"lanIp,omitempty"`
	UpdatedAt          int64    `json:"updatedAt"`
}

// Key returns the composite primary key used by the store.
func (p PipelineAssignment) Key() AssignmentKey {
	return AssignmentKey{NodeAddress: p.NodeAddress, ModelName: p.ModelName}
}

// AssignmentKey is the composite primary key (nodeAddress, modelName).
type AssignmentKey struct {
	NodeAddress Address
	ModelName   string
}

// IsDistributable reports whether an assignment participates in layer
// splitting (distinct transports) rather than being a collapsed standalone
// entry that is merely listed in topology.
func (p PipelineAssignment) IsDistributable() bool {
	return p.GRPCEndpoint != p.HTTPEndpoint
}
