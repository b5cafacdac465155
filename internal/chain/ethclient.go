package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"inference-oracle/internal/domain"
	"inference-oracle/pkg/utils"
)

// Addresses bundles the three contract addresses the oracle writes to/reads
// from, plus the chain ID used for transaction signing.
type Addresses struct {
	AgentRegistry    common.Address
	RewardPool       common.Address
	ChallengeManager common.Address
	ChainID          *big.Int
}

// EthClient is the production Client backed by go-ethereum's ethclient and
// rpc packages. Contract ABIs are treated as opaque codec bindings per the
// design note in spec §9 — method selectors and argument packing are built
// by hand with accounts/abi rather than generated bindings, since no
// generated-binding package ships with this spec.
//
// Grounded on _examples/ethereum-go-ethereum/ethclient for the client shape
// and on the teacher's core/utility_functions.go for secp256k1 signing
// conventions reused when submitting transactions.
type EthClient struct {
	eth  *ethclient.Client
	rpc  *rpc.Client
	addr Addresses
	key  *domain.Address // signer address, derived from the oracle key

	signer txSigner

	log *logrus.Entry

	mu    sync.Mutex
	nonce uint64
	haveN bool
}

// txSigner abstracts transaction signing so tests can swap in a no-op.
type txSigner interface {
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	Address() common.Address
}

// privateKeySigner signs with an in-process ECDSA key, matching the
// "single active oracle with a unique signing key" assumption in spec §1.
type privateKeySigner struct {
	key *ecdsaLike
}

func NewEthClient(ctx context.Context, rpcURL string, addrs Addresses, privateKeyHex string, log *logrus.Entry) (*EthClient, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, utils.Wrap(err, fmt.Sprintf("chain: dial %s", rpcURL))
	}
	rc, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, utils.Wrap(err, fmt.Sprintf("chain: rpc dial %s", rpcURL))
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, utils.Wrap(err, "chain: parse oracle private key")
	}
	signerAddr := domain.Address(crypto.PubkeyToAddress(key.PublicKey))
	return &EthClient{
		eth:    eth,
		rpc:    rc,
		addr:   addrs,
		key:    &signerAddr,
		signer: &privateKeySigner{key: (*ecdsaLike)(key)},
		log:    log,
	}, nil
}

func (c *EthClient) Close() {
	c.eth.Close()
	c.rpc.Close()
}

func (c *EthClient) CurrentEpoch(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, c.addr.RewardPool, "getCurrentEpoch")
}

func (c *EthClient) CurrentBlock(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *EthClient) Balance(ctx context.Context, addr domain.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, common.Address(addr), nil)
}

func (c *EthClient) ActiveAgents(ctx context.Context) ([]domain.Address, error) {
	return c.callAddresses(ctx, c.addr.AgentRegistry, "getActiveAgents")
}

func (c *EthClient) AllAgents(ctx context.Context) ([]domain.Address, error) {
	return c.callAddresses(ctx, c.addr.AgentRegistry, "getAllAgents")
}

func (c *EthClient) Agent(ctx context.Context, addr domain.Address) (AgentInfo, error) {
	out, err := c.call(ctx, c.addr.AgentRegistry, "getAgent",
		abi.Arguments{{Type: addressType}},
		[]any{common.Address(addr)},
		abi.Arguments{{Type: stringType}, {Type: bytesType}, {Type: uint64Type}, {Type: uint64Type}, {Type: uint8Type}, {Type: uint256Type}},
	)
	if err != nil {
		return AgentInfo{}, err
	}
	return AgentInfo{
		NodeID:        out[0].(string),
		RegisteredAt:  int64(out[2].(uint64)),
		LastHeartbeat: int64(out[3].(uint64)),
		Status:        statusFromUint8(out[4].(uint8)),
		Stake:         out[5].(*big.Int),
	}, nil
}

func (c *EthClient) IsAgentAccount(ctx context.Context, addr domain.Address) (bool, error) {
	var ok bool
	err := c.rpc.CallContext(ctx, &ok, "agent_isAgentAccount", common.Address(addr).Hex())
	return ok, err
}

func (c *EthClient) AgentMeta(ctx context.Context, addr domain.Address) (AgentMeta, error) {
	var meta AgentMeta
	err := c.rpc.CallContext(ctx, &meta, "agent_getAgentMeta", common.Address(addr).Hex())
	return meta, err
}

func (c *EthClient) ReportContribution(ctx context.Context, addr domain.Address, taskCount int, uptime uint64, responseScore int, processedTokens uint64, avgLatencyInv int) error {
	return c.send(ctx, c.addr.RewardPool, "reportContribution",
		abi.Arguments{{Type: addressType}, {Type: uint64Type}, {Type: uint64Type}, {Type: uint64Type}, {Type: uint64Type}, {Type: uint64Type}},
		[]any{common.Address(addr), uint64(taskCount), uptime, uint64(responseScore), processedTokens, uint64(avgLatencyInv)},
	)
}

func (c *EthClient) SyncRewards(ctx context.Context) error {
	return c.send(ctx, c.addr.RewardPool, "syncRewards", nil, nil)
}

func (c *EthClient) DistributeRewards(ctx context.Context, epoch uint64) error {
	return c.send(ctx, c.addr.RewardPool, "distributeRewards", abi.Arguments{{Type: uint64Type}}, []any{epoch})
}

func (c *EthClient) EpochDistributed(ctx context.Context, epoch uint64) (bool, error) {
	out, err := c.call(ctx, c.addr.RewardPool, "epochDistributed",
		abi.Arguments{{Type: uint64Type}}, []any{epoch}, abi.Arguments{{Type: boolType}})
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

func (c *EthClient) EpochAgents(ctx context.Context, epoch uint64) ([]domain.Address, error) {
	out, err := c.call(ctx, c.addr.RewardPool, "getEpochAgents",
		abi.Arguments{{Type: uint64Type}}, []any{epoch}, abi.Arguments{{Type: addressSliceType}})
	if err != nil {
		return nil, err
	}
	raw := out[0].([]common.Address)
	addrs := make([]domain.Address, len(raw))
	for i, a := range raw {
		addrs[i] = domain.Address(a)
	}
	return addrs, nil
}

func (c *EthClient) EpochContribution(ctx context.Context, epoch uint64, addr domain.Address) (domain.Contribution, error) {
	out, err := c.call(ctx, c.addr.RewardPool, "getEpochContribution",
		abi.Arguments{{Type: uint64Type}, {Type: addressType}},
		[]any{epoch, common.Address(addr)},
		abi.Arguments{{Type: uint64Type}, {Type: uint64Type}, {Type: uint64Type}, {Type: uint64Type}, {Type: uint64Type}},
	)
	if err != nil {
		return domain.Contribution{}, err
	}
	return domain.Contribution{
		Address:         addr,
		Epoch:           epoch,
		TaskCount:       int(out[0].(uint64)),
		UptimeSeconds:   out[1].(uint64),
		ResponseScore:   int(out[2].(uint64)),
		ProcessedTokens: out[3].(uint64),
		AvgLatencyInv:   int(out[4].(uint64)),
		LastUpdated:     time.Now().Unix(),
	}, nil
}

func (c *EthClient) PendingReward(ctx context.Context, addr domain.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.addr.RewardPool, "getPendingReward",
		abi.Arguments{{Type: addressType}}, []any{common.Address(addr)}, abi.Arguments{{Type: uint256Type}})
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (c *EthClient) CurrentChallenge(ctx context.Context) (domain.Challenge, error) {
	out, err := c.call(ctx, c.addr.ChallengeManager, "getCurrentChallenge", nil, nil,
		abi.Arguments{{Type: stringType}, {Type: uint64Type}, {Type: stringType}, {Type: uint64Type}, {Type: uint64Type}})
	if err != nil {
		return domain.Challenge{}, err
	}
	return domain.Challenge{
		ID:         out[0].(string),
		Difficulty: int(out[1].(uint64)),
		Seed:       out[2].(string),
		CreatedAt:  int64(out[3].(uint64)),
		ExpiresAt:  int64(out[4].(uint64)),
	}, nil
}

func (c *EthClient) CreateChallenge(ctx context.Context, difficulty int, seed string, duration time.Duration) (domain.Challenge, error) {
	err := c.send(ctx, c.addr.ChallengeManager, "createChallenge",
		abi.Arguments{{Type: uint64Type}, {Type: stringType}, {Type: uint64Type}},
		[]any{uint64(difficulty), seed, uint64(duration.Seconds())})
	if err != nil {
		return domain.Challenge{}, err
	}
	return c.CurrentChallenge(ctx)
}

func (c *EthClient) ChallengeHistory(ctx context.Context, offset, count int) ([]domain.Challenge, error) {
	// The history call returns a variable-length tuple array; decoded via the
	// custom RPC surface rather than ABI tuples, matching spec §6's
	// "Custom RPC" grouping for read-heavy history queries.
	var rows []domain.Challenge
	err := c.rpc.CallContext(ctx, &rows, "challenge_getHistory", offset, count)
	return rows, err
}

func (c *EthClient) SubscribeChallengeEvents(ctx context.Context) (<-chan ChallengeEvent, error) {
	logs := make(chan types.Log, 64)
	query := ethereum.FilterQuery{Addresses: []common.Address{c.addr.ChallengeManager}}
	sub, err := c.eth.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, utils.Wrap(err, "chain: subscribe challenge events")
	}
	out := make(chan ChallengeEvent, 64)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		createdTopic := crypto.Keccak256Hash([]byte("ChallengeCreated(string,uint256,string,uint256,uint256)"))
		solvedTopic := crypto.Keccak256Hash([]byte("ChallengeSolved(address,string,uint256)"))
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					c.log.WithError(err).Warn("challenge event subscription error")
				}
				return
			case lg := <-logs:
				if len(lg.Topics) == 0 {
					continue
				}
				switch lg.Topics[0] {
				case createdTopic:
					out <- ChallengeEvent{Created: &domain.Challenge{CreatedAt: time.Now().Unix()}}
				case solvedTopic:
					if len(lg.Topics) >= 2 {
						addr := domain.Address(common.BytesToAddress(lg.Topics[1].Bytes()))
						out <- ChallengeEvent{Solved: &SolvedEvent{Address: addr, At: time.Now().Unix()}}
					}
				}
			}
		}
	}()
	return out, nil
}

func (c *EthClient) SponsoredHeartbeat(ctx context.Context, addr domain.Address) error {
	data := encodePrecompileCall(addr)
	return c.sendRaw(ctx, common.Address(PrecompileAgentHeartbeat), data)
}

func (c *EthClient) SubscribeBlocks(ctx context.Context) (<-chan BlockHead, error) {
	heads := make(chan *types.Header, 16)
	sub, err := c.eth.SubscribeNewHead(ctx, heads)
	if err != nil {
		return nil, utils.Wrap(err, "chain: subscribe new heads")
	}
	out := make(chan BlockHead, 16)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					c.log.WithError(err).Warn("block subscription error")
				}
				return
			case h := <-heads:
				out <- BlockHead{Number: h.Number.Uint64(), Hash: h.Hash().Hex()}
			}
		}
	}()
	return out, nil
}

func (c *EthClient) PrecompileCalls(ctx context.Context, blockNumber uint64) ([]RawCall, error) {
	block, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return nil, utils.Wrap(err, fmt.Sprintf("chain: block %d", blockNumber))
	}
	precompiles := map[common.Address]bool{
		common.Address(PrecompileVerifyInference): true,
		common.Address(PrecompileAgentRegister):    true,
		common.Address(PrecompileAgentHeartbeat):   true,
		common.Address(PrecompileClaimReward):      true,
	}
	var calls []RawCall
	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || !precompiles[*to] {
			continue
		}
		receipt, err := c.eth.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			c.log.WithError(err).WithField("tx", tx.Hash().Hex()).Warn("precompile receipt lookup failed, skipping")
			continue
		}
		from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
		if err != nil {
			c.log.WithError(err).WithField("tx", tx.Hash().Hex()).Warn("precompile sender recovery failed, skipping")
			continue
		}
		calls = append(calls, RawCall{
			BlockNumber: blockNumber,
			TxHash:      tx.Hash().Hex(),
			To:          domain.Address(*to),
			From:        domain.Address(from),
			Input:       tx.Data(),
			Success:     receipt.Status == types.ReceiptStatusSuccessful,
		})
	}
	return calls, nil
}

func (c *EthClient) RewardClaimedLogs(ctx context.Context, blockNumber uint64) ([]RewardClaimedLog, error) {
	topic := crypto.Keccak256Hash([]byte("RewardClaimed(address)"))
	num := new(big.Int).SetUint64(blockNumber)
	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: num, ToBlock: num,
		Addresses: []common.Address{c.addr.RewardPool},
		Topics:    [][]common.Hash{{topic}},
	})
	if err != nil {
		return nil, utils.Wrap(err, "chain: reward claimed logs")
	}
	out := make([]RewardClaimedLog, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		out = append(out, RewardClaimedLog{
			BlockNumber: lg.BlockNumber,
			TxHash:      lg.TxHash.Hex(),
			Address:     domain.Address(common.BytesToAddress(lg.Topics[1].Bytes())),
		})
	}
	return out, nil
}

// encodePrecompileCall left-pads addr into a single 32-byte word, the
// address-padded call-data block format spec §6 describes for precompiles.
func encodePrecompileCall(addr domain.Address) []byte {
	return common.LeftPadBytes(addr[:], 32)
}

func statusFromUint8(v uint8) domain.AgentStatus {
	switch v {
	case 1:
		return domain.AgentActive
	case 2:
		return domain.AgentSlashed
	default:
		return domain.AgentInactive
	}
}
