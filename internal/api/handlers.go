package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"inference-oracle/internal/domain"
	"inference-oracle/internal/ingest"
	"inference-oracle/internal/scoring"
)

// handleMetrics serves both POST /api/metrics and POST /api/v1/metrics/report
// (spec §6: the same telemetry contract under two route aliases). When
// ORACLE_API_KEY is configured and presented on /api/metrics, the signature
// check is bypassed per spec §6's "Configuration" note.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var report ingest.Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, fmt.Errorf("%w: decode metrics body: %v", errBadRequest, err))
		return
	}
	if s.apiKey != "" && r.Header.Get("X-Api-Key") == s.apiKey {
		report.SkipSignature = true
	}
	result, err := s.ingestor.Accept(r.Context(), report)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIngestStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ingestor.Stats())
}

// nodeRegistration is the signed payload for POST /api/nodes/register.
type nodeRegistration struct {
	Endpoint           string   `mapstructure:"endpoint"`
	Capabilities       []string `mapstructure:"capabilities"`
	BenchmarkTokPerSec float64  `mapstructure:"benchmarkTokPerSec"`
	LanIP              string   `mapstructure:"lanIp"`
	CanDistribute      bool     `mapstructure:"canDistribute"`
	RAMMb              int64    `mapstructure:"ramMb"`
	VRAMMb             int64    `mapstructure:"vramMb"`
	Device             string   `mapstructure:"device"`
	Signature          string   `mapstructure:"signature"`
}

func (s *Server) handleNodeRegister(w http.ResponseWriter, r *http.Request) {
	var reg nodeRegistration
	addr, err := verifyAndDecode(r, &reg)
	if err != nil {
		writeError(w, err)
		return
	}
	node := domain.AgentNode{
		Address:               addr,
		Endpoint:              reg.Endpoint,
		Capabilities:          reg.Capabilities,
		Status:                domain.AgentActive,
		LastHeartbeat:         nowUnix(),
		RegistrationSignature: reg.Signature,
		BenchmarkTokPerSec:    reg.BenchmarkTokPerSec,
		LanIP:                 reg.LanIP,
		CanDistribute:         reg.CanDistribute,
		RAMMb:                 reg.RAMMb,
		VRAMMb:                reg.VRAMMb,
		Device:                reg.Device,
	}
	if err := s.registry.RegisterNode(node); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ingest.ErrInternalPersist, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Nodes())
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	node, ok := s.registry.Node(addr)
	if !ok {
		writeError(w, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.AllAgents())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agent, ok := s.registry.Agent(addr)
	if !ok {
		writeError(w, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListEpochs(w http.ResponseWriter, r *http.Request) {
	rows := s.db.Epochs.All()
	sort.Slice(rows, func(i, j int) bool { return rows[i].Number < rows[j].Number })
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(mux.Vars(r)["number"], 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: bad epoch number", errBadRequest))
		return
	}
	epoch, ok := s.db.Epochs.Get(n)
	if !ok {
		writeError(w, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, epoch)
}

func (s *Server) handleListChallenges(w http.ResponseWriter, r *http.Request) {
	rows := s.db.Challenges.All()
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt > rows[j].CreatedAt })
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCurrentChallenge(w http.ResponseWriter, r *http.Request) {
	ch, err := s.chain.CurrentChallenge(r.Context())
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ingest.ErrInternalPersist, err))
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pending, err := s.chain.PendingReward(r.Context(), addr)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ingest.ErrInternalPersist, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "pendingReward": pending.String()})
}

// handleFormula serves the read-only formula endpoint the scorer's weight
// vector must be surfaced at, per spec §4.3 and the Open Question in §9.
func (s *Server) handleFormula(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scoring.CurrentFormula())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	epoch, _ := s.chain.CurrentEpoch(r.Context())
	nodes := s.registry.ActiveNodes(time.Now())
	var totalTokens uint64
	s.db.Metrics.Range(func(_ domain.EpochKey, m domain.EpochMetrics) bool {
		if m.Epoch == epoch {
			totalTokens += m.TokensProcessed
		}
		return true
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"activeAgents": len(nodes),
		"totalTokens":  totalTokens,
		"currentEpoch": epoch,
		"ingest":       s.ingestor.Stats(),
	})
}

// pipelineRegistration is the signed payload for POST /api/v1/pipeline/register.
type pipelineRegistration struct {
	Model              string  `mapstructure:"model"`
	Endpoint           string  `mapstructure:"endpoint"`
	RAMMb              int64   `mapstructure:"ramMb"`
	Device             string  `mapstructure:"device"`
	VRAMMb             int64   `mapstructure:"vramMb"`
	BenchmarkTokPerSec float64 `mapstructure:"benchmarkTokPerSec"`
	LanIP              string  `mapstructure:"lanIp"`
	CanDistribute      bool    `mapstructure:"canDistribute"`
}

func (s *Server) handlePipelineRegister(w http.ResponseWriter, r *http.Request) {
	var reg pipelineRegistration
	addr, err := verifyAndDecode(r, &reg)
	if err != nil {
		writeError(w, err)
		return
	}
	if reg.Model == "" {
		writeError(w, fmt.Errorf("%w: model is required", errBadRequest))
		return
	}

	now := time.Now()
	node := domain.AgentNode{
		Address:            addr,
		Endpoint:           reg.Endpoint,
		Status:             domain.AgentActive,
		LastHeartbeat:      now.Unix(),
		BenchmarkTokPerSec: reg.BenchmarkTokPerSec,
		LanIP:              reg.LanIP,
		CanDistribute:      reg.CanDistribute,
		RAMMb:              reg.RAMMb,
		VRAMMb:             reg.VRAMMb,
		Device:             reg.Device,
	}
	if err := s.registry.RegisterNode(node); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ingest.ErrInternalPersist, err))
		return
	}

	candidates := s.registry.ActiveNodes(now)
	if s.pipeline != nil {
		if err := s.pipeline.Reassign(reg.Model, candidates, now); err != nil {
			writeError(w, fmt.Errorf("%w: %v", ingest.ErrInternalPersist, err))
			return
		}
	}
	if s.cluster != nil {
		if err := s.cluster.Reconcile(reg.Model, candidates, now); err != nil && s.log != nil {
			s.log.WithError(err).WithField("model", reg.Model).Warn("api: cluster reconcile on register failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type pipelineReady struct {
	Model string `mapstructure:"model"`
}

func (s *Server) handlePipelineReady(w http.ResponseWriter, r *http.Request) {
	var req pipelineReady
	addr, err := verifyAndDecode(r, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Model == "" {
		writeError(w, fmt.Errorf("%w: model is required", errBadRequest))
		return
	}
	if err := s.pipeline.MarkReady(addr, req.Model); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ingest.ErrInternalPersist, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		writeError(w, fmt.Errorf("%w: model query param is required", errBadRequest))
		return
	}
	var rows []domain.PipelineAssignment
	if s.pipeline != nil {
		rows = s.pipeline.Topology(model)
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": model, "assignments": rows})
}

// leaderboardEntry is one row of GET /api/v1/leaderboard, ranked by the
// registry's cached derived score (spec §4.3: "a derived cache ... for
// dashboard display").
type leaderboardEntry struct {
	Address domain.Address `json:"address"`
	Score   float64        `json:"score"`
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	nodes := s.registry.Nodes()
	entries := make([]leaderboardEntry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, leaderboardEntry{Address: n.Address, Score: n.Score})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleProofsForAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.proofs.AllForAddress(addr))
}

func (s *Server) handleProofStatsForAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.proofs.StatsForAddress(addr))
}

func addressParam(r *http.Request) (domain.Address, error) {
	addr, err := domain.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		return domain.Address{}, fmt.Errorf("%w: bad address", errBadRequest)
	}
	return addr, nil
}
