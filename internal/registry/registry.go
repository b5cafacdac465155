// Package registry is the in-memory, store-backed view of agents and their
// network-reachable nodes: the §4.9 "Monitor & Node Registry" data side.
// Chain state (agent identity) and liveness state (node heartbeats) are
// reconciled here so the ingestor, scorer, monitor, and chain watcher share
// one picture of "who is active right now".
//
// Grounded on the teacher's core/fault_tolerance.go HealthChecker: a
// mutex-guarded map keyed by address, with Snapshot()/AddPeer()-style
// accessors rather than a query language.
package registry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"inference-oracle/internal/domain"
	"inference-oracle/internal/store"
)

// HeartbeatTimeout is the window after which a node is considered inactive
// absent a fresh heartbeat, per spec §3.
const HeartbeatTimeout = 10 * time.Minute

// StaleAgentTimeout is the window after which the monitor marks an agent
// inactive in memory, per spec §4.9.
const StaleAgentTimeout = 5 * time.Minute

// Registry tracks Agent and AgentNode rows, backed durably by the store and
// cached in memory for the hot paths (ingest, scorer, monitor).
type Registry struct {
	db  *store.DB
	log *logrus.Entry

	mu    sync.RWMutex
	nodes map[domain.Address]domain.AgentNode
}

// New loads the in-memory node cache from db's durable rows.
func New(db *store.DB, log *logrus.Entry) *Registry {
	r := &Registry{db: db, log: log, nodes: make(map[domain.Address]domain.AgentNode)}
	for _, n := range db.Nodes.All() {
		r.nodes[n.Address] = n
	}
	return r
}

// UpsertAgent creates or merges an Agent row. Used by the chain watcher on
// register/heartbeat reconciliation and by the ingestor on first verified
// metrics from a previously-unknown (but chain-registered) address.
func (r *Registry) UpsertAgent(addr domain.Address, mutate func(a domain.Agent, found bool) domain.Agent) (domain.Agent, error) {
	return r.db.Agents.Upsert(addr, func(existing domain.Agent, found bool) (domain.Agent, error) {
		return mutate(existing, found), nil
	})
}

// Agent returns the durable Agent row, if any.
func (r *Registry) Agent(addr domain.Address) (domain.Agent, bool) {
	return r.db.Agents.Get(addr)
}

// AllAgents returns every known agent.
func (r *Registry) AllAgents() []domain.Agent {
	return r.db.Agents.All()
}

// RegisterNode creates or replaces a node's registration, e.g. from an
// explicit POST /api/nodes/register or pipeline registration.
func (r *Registry) RegisterNode(n domain.AgentNode) error {
	if err := r.db.Nodes.Put(n.Address, n); err != nil {
		return err
	}
	r.mu.Lock()
	r.nodes[n.Address] = n
	r.mu.Unlock()
	return nil
}

// Node returns the cached node entry for addr.
func (r *Registry) Node(addr domain.Address) (domain.AgentNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[addr]
	return n, ok
}

// Nodes returns a snapshot of every cached node.
func (r *Registry) Nodes() []domain.AgentNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AgentNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// ActiveNodes returns nodes whose heartbeat is within HeartbeatTimeout.
func (r *Registry) ActiveNodes(now time.Time) []domain.AgentNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := now.Add(-HeartbeatTimeout).Unix()
	out := make([]domain.AgentNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.LastHeartbeat >= cutoff {
			out = append(out, n)
		}
	}
	return out
}

// TouchHeartbeat records a fresh heartbeat on a node, auto-registering a bare
// entry if this is the node's first contact (spec §4.1 side effects).
func (r *Registry) TouchHeartbeat(addr domain.Address, now int64, endpoint string) (domain.AgentNode, error) {
	r.mu.Lock()
	n, ok := r.nodes[addr]
	if !ok {
		n = domain.AgentNode{Address: addr, Endpoint: endpoint, Status: domain.AgentActive}
	}
	n.LastHeartbeat = now
	n.Status = domain.AgentActive
	r.nodes[addr] = n
	r.mu.Unlock()
	if err := r.db.Nodes.Put(addr, n); err != nil {
		return n, err
	}
	return n, nil
}

// TouchMetricReport records the last time telemetry was accepted from addr,
// separate from TouchHeartbeat since a dedicated node-register heartbeat and
// a metrics report advance different timestamps per spec §3.
func (r *Registry) TouchMetricReport(addr domain.Address, now int64) error {
	r.mu.Lock()
	n, ok := r.nodes[addr]
	if !ok {
		n = domain.AgentNode{Address: addr, Status: domain.AgentActive}
	}
	n.LastMetricReport = now
	n.LastHeartbeat = now
	n.Status = domain.AgentActive
	r.nodes[addr] = n
	r.mu.Unlock()
	return r.db.Nodes.Put(addr, n)
}

// UpdateScore sets a node's dashboard-only derived score column (spec §4.3:
// "this is a derived cache, not a source of truth").
func (r *Registry) UpdateScore(addr domain.Address, score float64) {
	r.mu.Lock()
	n, ok := r.nodes[addr]
	if !ok {
		r.mu.Unlock()
		return
	}
	n.Score = score
	r.nodes[addr] = n
	r.mu.Unlock()
	_ = r.db.Nodes.Put(addr, n)
}

// MarkInactive flips status to inactive in memory (and durably) for nodes
// whose heartbeat predates cutoff, per the monitor's reconciliation tick.
func (r *Registry) MarkInactive(now time.Time) []domain.Address {
	cutoff := now.Add(-StaleAgentTimeout).Unix()
	r.mu.Lock()
	var changed []domain.Address
	for addr, n := range r.nodes {
		if n.Status == domain.AgentActive && n.LastHeartbeat < cutoff {
			n.Status = domain.AgentInactive
			r.nodes[addr] = n
			changed = append(changed, addr)
		}
	}
	r.mu.Unlock()
	for _, addr := range changed {
		if n, ok := r.Node(addr); ok {
			if err := r.db.Nodes.Put(addr, n); err != nil && r.log != nil {
				r.log.WithError(err).WithField("address", addr).Warn("registry: persist inactive node failed")
			}
		}
	}
	return changed
}
