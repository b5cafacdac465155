package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"inference-oracle/internal/domain"
)

// FakeClient is an in-memory Client used by component tests, the same
// swappable-backend pattern the teacher applies to Nodes.NodeInterface via
// NodeAdapter (core/node.go) — tests never need a live RPC endpoint.
type FakeClient struct {
	mu sync.Mutex

	Epoch      uint64
	Block      uint64
	active     map[domain.Address]bool
	registered map[domain.Address]AgentInfo

	Contributions map[domain.EpochKey]domain.Contribution
	distributed   map[uint64]bool

	// ReportErr, when set, is returned by ReportContribution for the given
	// address — used to simulate per-agent partial failures (spec §4.4
	// scenario 5: one of ten reverts).
	ReportErr map[domain.Address]error

	blocks  chan BlockHead
	events  chan ChallengeEvent
	Current domain.Challenge
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		active:        make(map[domain.Address]bool),
		registered:    make(map[domain.Address]AgentInfo),
		Contributions: make(map[domain.EpochKey]domain.Contribution),
		distributed:   make(map[uint64]bool),
		ReportErr:     make(map[domain.Address]error),
		blocks:        make(chan BlockHead, 16),
		events:        make(chan ChallengeEvent, 16),
	}
}

func (f *FakeClient) RegisterAgent(addr domain.Address, info AgentInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[addr] = info
	f.active[addr] = info.Status == domain.AgentActive
}

func (f *FakeClient) Close() {}

func (f *FakeClient) CurrentEpoch(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Epoch, nil
}

func (f *FakeClient) CurrentBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Block, nil
}

func (f *FakeClient) Balance(ctx context.Context, addr domain.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *FakeClient) ActiveAgents(ctx context.Context) ([]domain.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Address
	for a, ok := range f.active {
		if ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *FakeClient) AllAgents(ctx context.Context) ([]domain.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Address, 0, len(f.registered))
	for a := range f.registered {
		out = append(out, a)
	}
	return out, nil
}

func (f *FakeClient) Agent(ctx context.Context, addr domain.Address) (AgentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.registered[addr]
	if !ok {
		return AgentInfo{}, fmt.Errorf("chain: agent %s not registered", addr)
	}
	return info, nil
}

func (f *FakeClient) IsAgentAccount(ctx context.Context, addr domain.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registered[addr]
	return ok, nil
}

func (f *FakeClient) AgentMeta(ctx context.Context, addr domain.Address) (AgentMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.registered[addr]
	return AgentMeta{NodeID: info.NodeID}, nil
}

func (f *FakeClient) ReportContribution(ctx context.Context, addr domain.Address, taskCount int, uptime uint64, responseScore int, processedTokens uint64, avgLatencyInv int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ReportErr[addr]; err != nil {
		return err
	}
	key := domain.EpochKey{Address: addr, Epoch: f.Epoch}
	f.Contributions[key] = domain.Contribution{
		Address: addr, Epoch: f.Epoch, TaskCount: taskCount, UptimeSeconds: uptime,
		ResponseScore: responseScore, ProcessedTokens: processedTokens, AvgLatencyInv: avgLatencyInv,
		LastUpdated: time.Now().Unix(),
	}
	return nil
}

func (f *FakeClient) SyncRewards(ctx context.Context) error { return nil }

func (f *FakeClient) DistributeRewards(ctx context.Context, epoch uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.distributed[epoch] = true
	return nil
}

func (f *FakeClient) EpochDistributed(ctx context.Context, epoch uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.distributed[epoch], nil
}

func (f *FakeClient) EpochAgents(ctx context.Context, epoch uint64) ([]domain.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Address
	for k := range f.Contributions {
		if k.Epoch == epoch {
			out = append(out, k.Address)
		}
	}
	return out, nil
}

func (f *FakeClient) EpochContribution(ctx context.Context, epoch uint64, addr domain.Address) (domain.Contribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Contributions[domain.EpochKey{Address: addr, Epoch: epoch}], nil
}

func (f *FakeClient) PendingReward(ctx context.Context, addr domain.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *FakeClient) CurrentChallenge(ctx context.Context) (domain.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Current, nil
}

func (f *FakeClient) CreateChallenge(ctx context.Context, difficulty int, seed string, duration time.Duration) (domain.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Current = domain.Challenge{
		ID: fmt.Sprintf("chal-%d", time.Now().UnixNano()), Difficulty: difficulty, Seed: seed,
		CreatedAt: time.Now().Unix(), ExpiresAt: time.Now().Add(duration).Unix(),
	}
	return f.Current, nil
}

func (f *FakeClient) ChallengeHistory(ctx context.Context, offset, count int) ([]domain.Challenge, error) {
	return nil, nil
}

func (f *FakeClient) SubscribeChallengeEvents(ctx context.Context) (<-chan ChallengeEvent, error) {
	return f.events, nil
}

// Emit pushes a synthetic challenge event for tests to observe downstream.
func (f *FakeClient) Emit(ev ChallengeEvent) { f.events <- ev }

func (f *FakeClient) SponsoredHeartbeat(ctx context.Context, addr domain.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.registered[addr]; ok {
		info.LastHeartbeat = time.Now().Unix()
		f.registered[addr] = info
	}
	return nil
}

func (f *FakeClient) SubscribeBlocks(ctx context.Context) (<-chan BlockHead, error) {
	return f.blocks, nil
}

// AdvanceBlock pushes a new block head and bumps the fake chain's height.
func (f *FakeClient) AdvanceBlock() BlockHead {
	f.mu.Lock()
	f.Block++
	head := BlockHead{Number: f.Block}
	f.mu.Unlock()
	f.blocks <- head
	return head
}

func (f *FakeClient) PrecompileCalls(ctx context.Context, blockNumber uint64) ([]RawCall, error) {
	return nil, nil
}

func (f *FakeClient) RewardClaimedLogs(ctx context.Context, blockNumber uint64) ([]RewardClaimedLog, error) {
	return nil, nil
}

var _ Client = (*FakeClient)(nil)
