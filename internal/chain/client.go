// Package chain is the oracle's only window onto the blockchain: epoch/
// block reads, agent-registry reads, reward-pool writes, challenge-manager
// reads/writes, the two custom RPC methods, and the four raw precompile
// addresses. Everything here is an external collaborator per spec §1 — this
// package defines the contract as an interface so the rest of the oracle
// never depends on a concrete RPC transport, the same shim-interface
// discipline the teacher uses for Nodes.NodeInterface (core/node.go).
package chain

import (
	"context"
	"math/big"
	"time"

	"inference-oracle/internal/domain"
)

// Precompile addresses, per spec §6.
var (
	PrecompileVerifyInference = mustAddr("0x0000000000000000000000000000000000000020")
	PrecompileAgentRegister   = mustAddr("0x0000000000000000000000000000000000000021")
	PrecompileAgentHeartbeat  = mustAddr("0x0000000000000000000000000000000000000022")
	PrecompileClaimReward     = mustAddr("0x0000000000000000000000000000000000000023")
)

func mustAddr(s string) domain.Address {
	a, err := domain.ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AgentInfo is the registry-side view of an agent returned by getAgent.
type AgentInfo struct {
	NodeID        string
	Metadata      map[string]any
	RegisteredAt  int64
	LastHeartbeat int64
	Status        domain.AgentStatus
	Stake         *big.Int
}

// AgentMeta is the payload of the custom agent_getAgentMeta RPC method.
type AgentMeta struct {
	NodeID       string
	Capabilities []string
	Endpoint     string
}

// BlockHead is one notification from the block-stream subscription.
type BlockHead struct {
	Number uint64
	Hash   string
}

// RawCall is a decoded transaction targeting one of the precompile
// addresses, as delivered to the chain watcher.
type RawCall struct {
	BlockNumber uint64
	TxHash      string
	To          domain.Address
	From        domain.Address
	Input       []byte
	Success     bool
}

// RewardClaimedLog is a decoded RewardClaimed(address) event.
type RewardClaimedLog struct {
	BlockNumber uint64
	TxHash      string
	Address     domain.Address
}

// ChallengeEvent is either a ChallengeCreated or ChallengeSolved occurrence.
type ChallengeEvent struct {
	Created *domain.Challenge
	Solved  *SolvedEvent
}

// SolvedEvent carries the (address, challengeId, solveTime) tuple spec §3
// requires for the in-memory task log.
type SolvedEvent struct {
	Address     domain.Address
	ChallengeID string
	SolveTime   time.Duration
	At          int64
}

// Client is everything the oracle consumes from the chain (spec §6).
type Client interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
	CurrentBlock(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, addr domain.Address) (*big.Int, error)

	ActiveAgents(ctx context.Context) ([]domain.Address, error)
	AllAgents(ctx context.Context) ([]domain.Address, error)
	Agent(ctx context.Context, addr domain.Address) (AgentInfo, error)

	IsAgentAccount(ctx context.Context, addr domain.Address) (bool, error)
	AgentMeta(ctx context.Context, addr domain.Address) (AgentMeta, error)

	ReportContribution(ctx context.Context, addr domain.Address, taskCount int, uptime uint64, responseScore int, processedTokens uint64, avgLatencyInv int) error
	SyncRewards(ctx context.Context) error
	DistributeRewards(ctx context.Context, epoch uint64) error
	EpochDistributed(ctx context.Context, epoch uint64) (bool, error)
	EpochAgents(ctx context.Context, epoch uint64) ([]domain.Address, error)
	EpochContribution(ctx context.Context, epoch uint64, addr domain.Address) (domain.Contribution, error)
	PendingReward(ctx context.Context, addr domain.Address) (*big.Int, error)

	CurrentChallenge(ctx context.Context) (domain.Challenge, error)
	CreateChallenge(ctx context.Context, difficulty int, seed string, duration time.Duration) (domain.Challenge, error)
	ChallengeHistory(ctx context.Context, offset, count int) ([]domain.Challenge, error)
	SubscribeChallengeEvents(ctx context.Context) (<-chan ChallengeEvent, error)

	SponsoredHeartbeat(ctx context.Context, addr domain.Address) error

	SubscribeBlocks(ctx context.Context) (<-chan BlockHead, error)
	PrecompileCalls(ctx context.Context, blockNumber uint64) ([]RawCall, error)
	RewardClaimedLogs(ctx context.Context, blockNumber uint64) ([]RewardClaimedLog, error)

	Close()
}
