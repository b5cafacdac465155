// Package chainwatcher is the Chain Watcher (spec §4.8): consumes the
// block-stream subscription, decodes precompile-targeted transactions, and
// reconciles agent state from registration/heartbeat/verify/claim calls.
// Also forwards challenge events into the scorer's task log.
//
// Grounded on core/fault_tolerance.go's health-checker loop discipline:
// a single failing decode is logged and skipped, never crashing the
// ticking/streaming loop.
package chainwatcher

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"inference-oracle/internal/chain"
	"inference-oracle/internal/domain"
	"inference-oracle/internal/registry"
	"inference-oracle/internal/scoring"
)

// Watcher consumes block and challenge-event streams from the chain client.
type Watcher struct {
	chain  chain.Client
	reg    *registry.Registry
	scorer *scoring.Scorer
	log    *logrus.Entry
}

func New(cl chain.Client, reg *registry.Registry, sc *scoring.Scorer, log *logrus.Entry) *Watcher {
	return &Watcher{chain: cl, reg: reg, scorer: sc, log: log}
}

// Run subscribes to blocks and challenge events and processes both from one
// select loop. It returns when ctx is done or as soon as either subscription
// channel closes.
func (w *Watcher) Run(ctx context.Context) error {
	blocks, err := w.chain.SubscribeBlocks(ctx)
	if err != nil {
		return err
	}
	events, err := w.chain.SubscribeChallengeEvents(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case head, ok := <-blocks:
			if !ok {
				return nil
			}
			w.processBlock(ctx, head)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.processChallengeEvent(ev)
		}
	}
}

func (w *Watcher) processBlock(ctx context.Context, head chain.BlockHead) {
	calls, err := w.chain.PrecompileCalls(ctx, head.Number)
	if err != nil {
		if w.log != nil {
			w.log.WithError(err).WithField("block", head.Number).Warn("chainwatcher: precompile call fetch failed")
		}
		return
	}
	for _, call := range calls {
		if !call.Success {
			continue
		}
		w.decodeCall(ctx, call)
	}

	logs, err := w.chain.RewardClaimedLogs(ctx, head.Number)
	if err != nil {
		if w.log != nil {
			w.log.WithError(err).WithField("block", head.Number).Warn("chainwatcher: reward log fetch failed")
		}
		return
	}
	for _, lg := range logs {
		if w.log != nil {
			w.log.WithField("address", lg.Address).Debug("chainwatcher: reward claimed")
		}
	}
}

// decodeCall dispatches on the precompile target. All decoding is
// defensive: malformed input lengths are logged and skipped, never crashing
// the watcher (spec §4.8).
func (w *Watcher) decodeCall(ctx context.Context, call chain.RawCall) {
	switch call.To {
	case chain.PrecompileAgentRegister:
		w.decodeRegister(call)
	case chain.PrecompileAgentHeartbeat:
		w.decodeHeartbeat(call)
	case chain.PrecompileVerifyInference:
		w.decodeVerifyInference(call)
	case chain.PrecompileClaimReward:
		// RewardClaimed logs are handled alongside block processing above;
		// nothing further to decode from the call input itself.
	}
}

// decodeRegister expects (name[32], modelHash[32], capCount[32],
// [caps[32]...], beneficiary[32]?) word-packed input. The target address is
// the beneficiary slot if present, else the transaction sender.
func (w *Watcher) decodeRegister(call chain.RawCall) {
	const wordSize = 32
	if len(call.Input) < wordSize*3 {
		if w.log != nil {
			w.log.WithField("txHash", call.TxHash).Warn("chainwatcher: register call too short, skipping")
		}
		return
	}
	capCount := binary.BigEndian.Uint64(call.Input[wordSize*2+24 : wordSize*3])
	target := call.From
	beneficiaryOffset := wordSize*3 + int(capCount)*wordSize
	if len(call.Input) >= beneficiaryOffset+wordSize {
		var addr domain.Address
		copy(addr[:], call.Input[beneficiaryOffset+wordSize-20:beneficiaryOffset+wordSize])
		if !addr.IsZero() {
			target = addr
		}
	}

	now := time.Now().Unix()
	_, err := w.reg.UpsertAgent(target, func(a domain.Agent, found bool) domain.Agent {
		if !found {
			a = domain.Agent{Address: target, RegisteredAt: now, Status: domain.AgentActive}
		}
		a.LastHeartbeat = now
		return a
	})
	if err != nil && w.log != nil {
		w.log.WithError(err).WithField("address", target).Warn("chainwatcher: register upsert failed")
	}
}

func (w *Watcher) decodeHeartbeat(call chain.RawCall) {
	now := time.Now().Unix()
	_, err := w.reg.UpsertAgent(call.From, func(a domain.Agent, found bool) domain.Agent {
		if !found {
			a = domain.Agent{Address: call.From, RegisteredAt: now, Status: domain.AgentActive}
		}
		a.LastHeartbeat = now
		return a
	})
	if err != nil && w.log != nil {
		w.log.WithError(err).WithField("address", call.From).Warn("chainwatcher: heartbeat upsert failed")
	}
}

// decodeVerifyInference expects the target agent address in the first
// 32-byte slot of the call input; it ensures the agent exists but does not
// mutate its timestamps (verification is a proof-plausibility concern, not
// a liveness signal).
func (w *Watcher) decodeVerifyInference(call chain.RawCall) {
	const wordSize = 32
	if len(call.Input) < wordSize {
		if w.log != nil {
			w.log.WithField("txHash", call.TxHash).Warn("chainwatcher: verify-inference call too short, skipping")
		}
		return
	}
	var addr domain.Address
	copy(addr[:], call.Input[wordSize-20:wordSize])
	if addr.IsZero() {
		return
	}
	if _, ok := w.reg.Agent(addr); !ok {
		now := time.Now().Unix()
		_, err := w.reg.UpsertAgent(addr, func(a domain.Agent, found bool) domain.Agent {
			return domain.Agent{Address: addr, RegisteredAt: now, Status: domain.AgentActive}
		})
		if err != nil && w.log != nil {
			w.log.WithError(err).WithField("address", addr).Warn("chainwatcher: verify-inference agent creation failed")
		}
	}
}

func (w *Watcher) processChallengeEvent(ev chain.ChallengeEvent) {
	if ev.Solved == nil {
		return
	}
	w.scorer.RecordSolved(ev.Solved.Address, scoring.TaskRecord{
		ChallengeID:   ev.Solved.ChallengeID,
		SolvedAt:      ev.Solved.At,
		SolveTimeSecs: ev.Solved.SolveTime.Seconds(),
	})
}
