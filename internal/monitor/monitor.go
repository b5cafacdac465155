// Package monitor is the Monitor & Stale Sweep component (spec §4.9): a
// liveness reconciliation tick, a sponsored-heartbeat tick for gas-less
// agents, and a stale-sweep tick that retires dead pipeline assignments and
// re-triggers allocation/clustering.
//
// Grounded on core/autonomous_agent_node.go's single loop() select body,
// generalized here to three sub-tickers owned by one struct rather than
// separate top-level goroutine owners.
package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"inference-oracle/internal/chain"
	"inference-oracle/internal/cluster"
	"inference-oracle/internal/domain"
	"inference-oracle/internal/pipeline"
	"inference-oracle/internal/pubsub"
	"inference-oracle/internal/registry"
	"inference-oracle/internal/store"
)

// Intervals per spec §4.9.
const (
	ReconcileInterval       = 30 * time.Second
	SponsoredHeartbeatEvery = 5 * time.Minute
	StaleSweepEvery         = 5 * time.Minute
	StaleAgentTimeout       = 5 * time.Minute
)

// Monitor owns all three sub-tickers.
type Monitor struct {
	db       *store.DB
	chain    chain.Client
	reg      *registry.Registry
	pipeline *pipeline.Allocator
	cluster  *cluster.Manager
	bus      *pubsub.Bus
	log      *logrus.Entry
}

func New(db *store.DB, cl chain.Client, reg *registry.Registry, pl *pipeline.Allocator, cm *cluster.Manager, bus *pubsub.Bus, log *logrus.Entry) *Monitor {
	return &Monitor{db: db, chain: cl, reg: reg, pipeline: pl, cluster: cm, bus: bus, log: log}
}

// Run launches all three ticking loops and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	reconcile := time.NewTicker(ReconcileInterval)
	heartbeat := time.NewTicker(SponsoredHeartbeatEvery)
	sweep := time.NewTicker(StaleSweepEvery)
	defer reconcile.Stop()
	defer heartbeat.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcile.C:
			m.reconcile(ctx)
		case <-heartbeat.C:
			m.sponsoredHeartbeat(ctx)
		case <-sweep.C:
			m.staleSweep(ctx)
		}
	}
}

// reconcile enumerates on-chain active agents into the local registry,
// merges local node heartbeats into the agent record, and marks nodes with a
// stale heartbeat inactive (in memory and in the store).
func (m *Monitor) reconcile(ctx context.Context) {
	onChain, err := m.chain.ActiveAgents(ctx)
	if err != nil {
		if m.log != nil {
			m.log.WithError(err).Warn("monitor: read active agents failed")
		}
		return
	}
	now := time.Now()
	for _, addr := range onChain {
		info, err := m.chain.Agent(ctx, addr)
		if err != nil {
			continue
		}
		_, err = m.reg.UpsertAgent(addr, func(a domain.Agent, found bool) domain.Agent {
			if !found {
				a = domain.Agent{Address: addr}
			}
			a.RegisteredAt = info.RegisteredAt
			a.LastHeartbeat = info.LastHeartbeat
			a.Status = info.Status
			a.Stake = info.Stake
			a.NodeID = info.NodeID
			a.Metadata = info.Metadata
			return a
		})
		if err != nil && m.log != nil {
			m.log.WithError(err).WithField("address", addr).Warn("monitor: agent reconcile upsert failed")
		}
	}

	for _, node := range m.reg.ActiveNodes(now) {
		agent, ok := m.reg.Agent(node.Address)
		if !ok {
			continue
		}
		if node.LastHeartbeat > agent.LastHeartbeat {
			agent.LastHeartbeat = node.LastHeartbeat
			if _, err := m.reg.UpsertAgent(node.Address, func(domain.Agent, bool) domain.Agent { return agent }); err != nil && m.log != nil {
				m.log.WithError(err).WithField("address", node.Address).Warn("monitor: heartbeat merge failed")
			}
		}
	}

	m.reg.MarkInactive(now)
}

// sponsoredHeartbeat submits a sponsored heartbeat transaction for every
// active node whose on-chain lastHeartbeat predates the threshold, since
// agents may hold zero balance and cannot pay their own gas.
func (m *Monitor) sponsoredHeartbeat(ctx context.Context) {
	cutoff := time.Now().Add(-SponsoredHeartbeatEvery).Unix()
	for _, node := range m.reg.ActiveNodes(time.Now()) {
		info, err := m.chain.Agent(ctx, node.Address)
		if err != nil || info.LastHeartbeat >= cutoff {
			continue
		}
		if err := m.chain.SponsoredHeartbeat(ctx, node.Address); err != nil && m.log != nil {
			m.log.WithError(err).WithField("address", node.Address).Warn("monitor: sponsored heartbeat failed")
		}
	}
}

// staleSweep deletes pipeline assignments whose updatedAt predates
// HeartbeatTimeout, re-allocates affected models, re-checks cluster
// reformation, and emits node-left events.
func (m *Monitor) staleSweep(ctx context.Context) {
	now := time.Now()
	affectedModels := make(map[string]bool)
	cutoff := now.Add(-pipeline.HeartbeatTimeout).Unix()

	for _, row := range m.db.Assignments.All() {
		if row.UpdatedAt < cutoff {
			if err := m.db.Assignments.Delete(row.Key()); err != nil {
				if m.log != nil {
					m.log.WithError(err).Warn("monitor: stale assignment delete failed")
				}
				continue
			}
			affectedModels[row.ModelName] = true
			if m.bus != nil {
				m.bus.Publish(pubsub.Event{
					Type:      pubsub.EventNodeLeft,
					Model:     row.ModelName,
					Payload:   row.NodeAddress,
					Timestamp: now.Unix(),
				})
			}
		}
	}

	for model := range affectedModels {
		nodes := m.candidateNodes(model)
		if m.pipeline != nil {
			if err := m.pipeline.Reassign(model, nodes, now); err != nil && m.log != nil {
				m.log.WithError(err).WithField("model", model).Warn("monitor: stale-sweep reassign failed")
			}
		}
		if m.cluster != nil {
			if err := m.cluster.Reconcile(model, nodes, now); err != nil && m.log != nil {
				m.log.WithError(err).WithField("model", model).Warn("monitor: stale-sweep cluster reconcile failed")
			}
		}
	}
}

// candidateNodes returns the active node set eligible for this model's
// allocation pass. Every active node is a candidate, whatever model it
// registered for; the allocator filters only on heartbeat freshness, and the
// cluster manager skips nodes without canDistribute or a lanIp.
func (m *Monitor) candidateNodes(model string) []domain.AgentNode {
	_ = model
	return m.reg.ActiveNodes(time.Now())
}
