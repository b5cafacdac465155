// Package cluster is the Cluster Manager (spec §4.7): groups memory-
// constrained LAN peers into coordinator/rpc-server clusters per model,
// with hysteresis against flapping membership, and hands memory-sufficient
// nodes a standalone single-node assignment instead.
//
// Grounded on the teacher's core/fault_tolerance.go HealthChecker (offline-
// grace bookkeeping per peer, mutex-guarded map keyed by model+subnet) and
// core/base_node.go's broadcast pair (via internal/pubsub) for topology
// change notification.
package cluster

import (
	"encoding/binary"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inference-oracle/internal/domain"
	"inference-oracle/internal/pubsub"
	"inference-oracle/internal/store"
)

// MinAge is how young a cluster must be to survive a reconciliation pass
// even if membership changed, per spec §4.7.
const MinAge = 5 * time.Minute

// OfflineGrace is how long a member may be missing before its cluster is
// considered for reformation or dissolution, per spec §4.7.
const OfflineGrace = 2 * time.Minute

// HeartbeatTimeout mirrors registry.HeartbeatTimeout; it is declared here as
// well so this package does not import registry.
const HeartbeatTimeout = 10 * time.Minute

// MemReqTable resolves a model's memory requirement in MB.
type MemReqTable interface {
	MemRequirement(model string) int64
}

// LayerTable resolves a model's total layer count.
type LayerTable interface {
	LayerCount(model string) int
}

type clusterState struct {
	ID        uint64
	Model     string
	Subnet    string
	CreatedAt time.Time
	LastSeen  map[domain.Address]time.Time
}

// Manager tracks per-model cluster membership and shapes PipelineAssignment
// rows for clustered and standalone-capable nodes.
type Manager struct {
	db      *store.DB
	memReq  MemReqTable
	layers  LayerTable
	bus     *pubsub.Bus
	log     *logrus.Entry

	mu       sync.Mutex
	clusters map[string]map[string]*clusterState // model -> subnet -> state
}

func New(db *store.DB, memReq MemReqTable, layers LayerTable, bus *pubsub.Bus, log *logrus.Entry) *Manager {
	m := &Manager{
		db: db, memReq: memReq, layers: layers, bus: bus, log: log,
		clusters: make(map[string]map[string]*clusterState),
	}
	m.rehydrate()
	return m
}

// rehydrate reconstructs in-memory cluster bookkeeping from persisted
// PipelineAssignment rows, per spec §5's "derived map reconstruction"
// requirement.
func (m *Manager) rehydrate() {
	byCluster := make(map[uint64][]domain.PipelineAssignment)
	for _, row := range m.db.Assignments.All() {
		if row.ClusterID != 0 {
			byCluster[row.ClusterID] = append(byCluster[row.ClusterID], row)
		}
	}
	for id, rows := range byCluster {
		model := rows[0].ModelName
		subnet := subnetOf(rows[0].LanIP)
		st := &clusterState{ID: id, Model: model, Subnet: subnet, CreatedAt: time.Now(), LastSeen: make(map[domain.Address]time.Time)}
		for _, r := range rows {
			st.LastSeen[r.NodeAddress] = time.Unix(r.UpdatedAt, 0)
		}
		if m.clusters[model] == nil {
			m.clusters[model] = make(map[string]*clusterState)
		}
		m.clusters[model][subnet] = st
	}
}

func subnetOf(lanIP string) string {
	parts := strings.Split(lanIP, ".")
	if len(parts) != 4 {
		return lanIP
	}
	return strings.Join(parts[:3], ".")
}

// Reconcile runs the full §4.7 selection/shaping/dissolution pass for model
// given the current set of candidate nodes. Candidates without canDistribute
// or without a lanIp are skipped here, so callers may pass every active node.
func (m *Manager) Reconcile(model string, nodes []domain.AgentNode, now time.Time) error {
	memReq := m.memReq.MemRequirement(model)
	total := m.layers.LayerCount(model)

	var standalone, needsClustering []domain.AgentNode
	for _, n := range nodes {
		if !n.CanDistribute || n.LanIP == "" {
			continue
		}
		if domain.AvailableMemMB(n) >= memReq {
			standalone = append(standalone, n)
		} else {
			needsClustering = append(needsClustering, n)
		}
	}

	for _, n := range standalone {
		row := domain.PipelineAssignment{
			NodeAddress:        n.Address,
			ModelName:          model,
			LayerStart:         0,
			LayerEnd:           total,
			TotalLayers:        total,
			GRPCEndpoint:       n.Endpoint,
			HTTPEndpoint:       n.Endpoint,
			RAMMb:              n.RAMMb,
			Device:             n.Device,
			VRAMMb:             n.VRAMMb,
			BenchmarkTokPerSec: n.BenchmarkTokPerSec,
			Ready:              true,
			NodeMode:           domain.NodeStandalone,
			LanIP:              n.LanIP,
			UpdatedAt:          now.Unix(),
		}
		if err := m.db.Assignments.Put(row.Key(), row); err != nil {
			return err
		}
	}

	groups := make(map[string][]domain.AgentNode)
	for _, n := range needsClustering {
		subnet := subnetOf(n.LanIP)
		groups[subnet] = append(groups[subnet], n)
	}

	m.mu.Lock()
	if m.clusters[model] == nil {
		m.clusters[model] = make(map[string]*clusterState)
	}
	changed := false
	for subnet, candidates := range groups {
		if m.reconcileSubnet(model, subnet, candidates, memReq, total, now) {
			changed = true
		}
	}
	// Dissolve clusters whose subnet no longer has any candidate at all.
	for subnet, st := range m.clusters[model] {
		if _, ok := groups[subnet]; !ok {
			if now.Sub(lastSeenMax(st)) > OfflineGrace {
				m.dissolve(st)
				delete(m.clusters[model], subnet)
				changed = true
			}
		}
	}
	m.mu.Unlock()

	if changed {
		m.publishTopology(model)
	}
	return nil
}

func lastSeenMax(st *clusterState) time.Time {
	var max time.Time
	for _, t := range st.LastSeen {
		if t.After(max) {
			max = t
		}
	}
	return max
}

// reconcileSubnet handles one (model, subnet) group under m.mu. Returns
// whether any assignment row changed.
func (m *Manager) reconcileSubnet(model, subnet string, candidates []domain.AgentNode, memReq int64, total int, now time.Time) bool {
	existing := m.clusters[model][subnet]

	present := make(map[domain.Address]bool, len(candidates))
	for _, n := range candidates {
		present[n.Address] = true
	}

	if existing != nil {
		allPresent := true
		var oldestMissing time.Time
		for addr, seen := range existing.LastSeen {
			if !present[addr] {
				allPresent = false
				if oldestMissing.IsZero() || seen.Before(oldestMissing) {
					oldestMissing = seen
				}
			}
		}
		young := now.Sub(existing.CreatedAt) < MinAge
		if young || allPresent {
			m.touchMembers(existing, candidates, now)
			return false
		}
		if !oldestMissing.IsZero() && now.Sub(oldestMissing) < OfflineGrace {
			// Transient absence within grace: keep the cluster as-is.
			m.touchMembers(existing, candidates, now)
			return false
		}
		// Grace exceeded: dissolve and fall through to possible reformation.
		m.dissolve(existing)
		delete(m.clusters[model], subnet)
	}

	return m.formCluster(model, subnet, candidates, memReq, total, now)
}

func (m *Manager) touchMembers(st *clusterState, candidates []domain.AgentNode, now time.Time) {
	for _, n := range candidates {
		st.LastSeen[n.Address] = now
	}
}

// formCluster sorts candidates by benchmarkTokPerSec descending and greedily
// adds members until cumulative available memory meets memReq, then shapes
// layer proportions. Requires at least two members; otherwise leaves nodes
// un-clustered (they remain topology-visible as stale/unassigned until the
// next pass finds them a home).
func (m *Manager) formCluster(model, subnet string, candidates []domain.AgentNode, memReq int64, total int, now time.Time) bool {
	sorted := append([]domain.AgentNode(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BenchmarkTokPerSec > sorted[j].BenchmarkTokPerSec })

	var members []domain.AgentNode
	var cumMem int64
	for _, n := range sorted {
		members = append(members, n)
		cumMem += domain.AvailableMemMB(n)
		if cumMem >= memReq {
			break
		}
	}
	if len(members) < 2 || cumMem < memReq {
		return false
	}

	id := randomClusterID()
	st := &clusterState{ID: id, Model: model, Subnet: subnet, CreatedAt: now, LastSeen: make(map[domain.Address]time.Time)}
	for _, n := range members {
		st.LastSeen[n.Address] = now
	}
	m.clusters[model][subnet] = st

	var sumTok float64
	for _, n := range members {
		sumTok += n.BenchmarkTokPerSec
	}
	perLayerMem := float64(memReq) / float64(total)

	layerStart := 0
	for i, n := range members {
		memCap := int(float64(domain.AvailableMemMB(n)) / perLayerMem)
		var span int
		if sumTok > 0 {
			span = int(float64(total) * n.BenchmarkTokPerSec / sumTok)
		} else {
			span = total / len(members)
		}
		if memCap > 0 && span > memCap {
			span = memCap
		}
		layerEnd := layerStart + span
		if i == len(members)-1 || layerEnd > total {
			layerEnd = total
		}
		mode := domain.NodeRPCServer
		if i == 0 {
			mode = domain.NodeCoordinator
		}
		row := domain.PipelineAssignment{
			NodeAddress:        n.Address,
			ModelName:          model,
			LayerStart:         layerStart,
			LayerEnd:           layerEnd,
			TotalLayers:        total,
			GRPCEndpoint:       n.Endpoint,
			HTTPEndpoint:       n.Endpoint + "/http",
			RAMMb:              n.RAMMb,
			Device:             n.Device,
			VRAMMb:             n.VRAMMb,
			BenchmarkTokPerSec: n.BenchmarkTokPerSec,
			PipelineOrder:      layerStart,
			NodeMode:           mode,
			ClusterID:          id,
			LanIP:              n.LanIP,
			UpdatedAt:          now.Unix(),
		}
		_ = m.db.Assignments.Put(row.Key(), row)
		layerStart = layerEnd
	}
	return true
}

// dissolve reverts every member of st to a cleared standalone state; the
// caller is responsible for re-running allocation for the affected model.
func (m *Manager) dissolve(st *clusterState) {
	for addr := range st.LastSeen {
		key := domain.AssignmentKey{NodeAddress: addr, ModelName: st.Model}
		row, ok := m.db.Assignments.Get(key)
		if !ok {
			continue
		}
		row.NodeMode = domain.NodeStandalone
		row.ClusterID = 0
		row.Ready = false
		if err := m.db.Assignments.Put(key, row); err != nil && m.log != nil {
			m.log.WithError(err).WithField("address", addr).Warn("cluster: dissolve persist failed")
		}
	}
}

func randomClusterID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[8:16])
}

func (m *Manager) publishTopology(model string) {
	if m.bus == nil {
		return
	}
	rows := make([]domain.PipelineAssignment, 0)
	for _, row := range m.db.Assignments.All() {
		if row.ModelName == model {
			rows = append(rows, row)
		}
	}
	m.bus.Publish(pubsub.Event{
		Type:      pubsub.EventTopology,
		Model:     model,
		Payload:   rows,
		Timestamp: time.Now().Unix(),
	})
}
