// router.go builds the oracle's single *mux.Router, grouped into /api and
// /api/v1 sub-routers per spec §6, with the logging middleware and the
// /pipeline WebSocket upgrade wired in alongside the REST handlers.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"inference-oracle/internal/chain"
	"inference-oracle/internal/cluster"
	"inference-oracle/internal/distributor"
	"inference-oracle/internal/ingest"
	"inference-oracle/internal/pipeline"
	"inference-oracle/internal/proofs"
	"inference-oracle/internal/pubsub"
	"inference-oracle/internal/registry"
	"inference-oracle/internal/scoring"
	"inference-oracle/internal/store"
)

// Server bundles every component the HTTP surface reads from or writes
// through. It owns no business logic itself — it's a thin edge that
// decodes requests, calls into the component packages, and shapes
// responses, the same division of labor as walletserver/controllers.
type Server struct {
	db           *store.DB
	chain        chain.Client
	registry     *registry.Registry
	ingestor     *ingest.Ingestor
	proofs       *proofs.Store
	scorer       *scoring.Scorer
	pipeline     *pipeline.Allocator
	cluster      *cluster.Manager
	distributor  *distributor.Distributor
	bus          *pubsub.Bus
	apiKey       string
	log          *logrus.Entry
}

// Deps is the constructor's dependency bundle, mirroring the explicit
// construction style spec §9 calls for in place of the teacher's framework
// DI.
type Deps struct {
	DB          *store.DB
	Chain       chain.Client
	Registry    *registry.Registry
	Ingestor    *ingest.Ingestor
	Proofs      *proofs.Store
	Scorer      *scoring.Scorer
	Pipeline    *pipeline.Allocator
	Cluster     *cluster.Manager
	Distributor *distributor.Distributor
	Bus         *pubsub.Bus
	APIKey      string
	Log         *logrus.Entry
}

// NewServer constructs the Server. Call Router() to obtain the http.Handler.
func NewServer(d Deps) *Server {
	return &Server{
		db: d.DB, chain: d.Chain, registry: d.Registry, ingestor: d.Ingestor,
		proofs: d.Proofs, scorer: d.Scorer, pipeline: d.Pipeline, cluster: d.Cluster,
		distributor: d.Distributor, bus: d.Bus, apiKey: d.APIKey, log: d.Log,
	}
}

// Router builds the full *mux.Router for spec §6's HTTP surface.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(s.log))

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodPost)
	api.HandleFunc("/nodes/register", s.handleNodeRegister).Methods(http.MethodPost)
	api.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{address}", s.handleGetNode).Methods(http.MethodGet)
	api.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/{address}", s.handleGetAgent).Methods(http.MethodGet)
	api.HandleFunc("/epochs", s.handleListEpochs).Methods(http.MethodGet)
	api.HandleFunc("/epochs/{number}", s.handleGetEpoch).Methods(http.MethodGet)
	api.HandleFunc("/challenges", s.handleListChallenges).Methods(http.MethodGet)
	api.HandleFunc("/challenges/current", s.handleCurrentChallenge).Methods(http.MethodGet)
	api.HandleFunc("/rewards/{address}", s.handleRewards).Methods(http.MethodGet)
	api.HandleFunc("/formula", s.handleFormula).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/metrics/report", s.handleMetrics).Methods(http.MethodPost)
	v1.HandleFunc("/metrics/stats", s.handleIngestStats).Methods(http.MethodGet)
	v1.HandleFunc("/pipeline/register", s.handlePipelineRegister).Methods(http.MethodPost)
	v1.HandleFunc("/pipeline/ready", s.handlePipelineReady).Methods(http.MethodPost)
	v1.HandleFunc("/pipeline/topology", s.handleTopology).Methods(http.MethodGet)
	v1.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	v1.HandleFunc("/proofs/{address}/stats", s.handleProofStatsForAddress).Methods(http.MethodGet)
	v1.HandleFunc("/proofs/{address}", s.handleProofsForAddress).Methods(http.MethodGet)

	r.HandleFunc("/pipeline", s.handleWebSocket)

	return r
}

func nowUnix() int64 { return time.Now().Unix() }
