// Command oracle is the single binary that wires every component of the
// contribution oracle together: chain client, stores, registry, scoring,
// telemetry ingestion, reporting/distribution, pipeline allocation,
// clustering, chain watching, liveness monitoring, and the HTTP/WS surface.
//
// Grounded on walletserver/main.go's "load config, build services, start
// server" shape, expanded with the explicit construction order spec.md §2
// calls for (leaves first) and a signal.NotifyContext shutdown path in place
// of walletserver's bare http.ListenAndServe.
package main

import (
	"context"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"inference-oracle/internal/api"
	"inference-oracle/internal/chain"
	"inference-oracle/internal/chainwatcher"
	"inference-oracle/internal/cluster"
	"inference-oracle/internal/distributor"
	"inference-oracle/internal/ingest"
	"inference-oracle/internal/monitor"
	"inference-oracle/internal/pipeline"
	"inference-oracle/internal/proofs"
	"inference-oracle/internal/pubsub"
	"inference-oracle/internal/registry"
	"inference-oracle/internal/reporter"
	"inference-oracle/internal/scoring"
	"inference-oracle/internal/store"
	"inference-oracle/pkg/config"
	"inference-oracle/pkg/utils"
)

func main() {
	log := newLogger()

	cfg, err := config.Load("")
	if err != nil {
		log.WithError(err).Fatal("oracle: config load failed")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("oracle: exited with error")
	}
}

// newLogger mirrors the teacher's module-level logrus.Infof calls with a
// single configured *logrus.Entry instead, so every component's log lines
// carry the same formatter/level choice.
func newLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	if os.Getenv("NODE_ENV") == "production" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l.WithField("component", "oracle")
}

// run builds every component in dependency order (leaves first: store, then
// chain client, then node registry, proof store, epoch scorer and broadcast
// bus, then pipeline allocator and cluster manager, then telemetry ingestor,
// then reporter, distributor, chain watcher and monitor, then the read API)
// and blocks until ctx is cancelled or the HTTP server fails.
func run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	db, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return utils.Wrap(err, "open store")
	}
	defer db.Close()

	if cfg.IsProduction() {
		if err := db.VerifySchema(); err != nil {
			return utils.Wrap(err, "verify schema")
		}
	}

	chainClient, err := newChainClient(ctx, cfg, log)
	if err != nil {
		return utils.Wrap(err, "construct chain client")
	}

	reg := registry.New(db, log.WithField("module", "registry"))
	proofStore := proofs.New(db, log.WithField("module", "proofs"))
	scorer := scoring.New()
	bus := pubsub.NewBus(log.WithField("module", "pubsub"))

	pipelineAlloc := pipeline.New(db, cfg, bus, log.WithField("module", "pipeline"))
	clusterMgr := cluster.New(db, cfg, cfg, bus, log.WithField("module", "cluster"))

	ingestor := ingest.New(db, chainClient, reg, scorer, proofStore, pipelineAlloc, log.WithField("module", "ingest"))

	rep := reporter.New(db, chainClient, reg, scorer, proofStore, cfg.Intervals.ReportBlocks, log.WithField("module", "reporter"))
	dist := distributor.New(db, chainClient, log.WithField("module", "distributor"))
	watcher := chainwatcher.New(chainClient, reg, scorer, log.WithField("module", "chainwatcher"))
	mon := monitor.New(db, chainClient, reg, pipelineAlloc, clusterMgr, bus, log.WithField("module", "monitor"))

	srv := api.NewServer(api.Deps{
		DB: db, Chain: chainClient, Registry: reg, Ingestor: ingestor,
		Proofs: proofStore, Scorer: scorer, Pipeline: pipelineAlloc, Cluster: clusterMgr,
		Distributor: dist, Bus: bus, APIKey: cfg.API.APIKey, Log: log.WithField("module", "api"),
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.API.Port,
		Handler: srv.Router(),
	}

	go rep.Run(ctx)
	go dist.Run(ctx)
	go mon.Run(ctx)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("oracle: chain watcher stopped")
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.API.Port).Info("oracle: http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("oracle: shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}

// newChainClient builds the production go-ethereum-backed client. Tests and
// local tooling construct chain.NewFakeClient() directly instead of going
// through this path.
func newChainClient(ctx context.Context, cfg *config.Config, log *logrus.Entry) (chain.Client, error) {
	addrs := chain.Addresses{
		AgentRegistry:    common.HexToAddress(cfg.Chain.AgentRegistryAddress),
		RewardPool:       common.HexToAddress(cfg.Chain.RewardPoolAddress),
		ChallengeManager: common.HexToAddress(cfg.Chain.ChallengeManagerAddress),
		ChainID:          big.NewInt(cfg.Chain.ChainID),
	}
	return chain.NewEthClient(ctx, cfg.Chain.RPCURL, addrs, cfg.Chain.OraclePrivateKey, log.WithField("module", "chain"))
}
