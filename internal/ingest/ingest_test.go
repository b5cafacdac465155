package ingest

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"inference-oracle/internal/chain"
	"inference-oracle/internal/domain"
	"inference-oracle/internal/proofs"
	"inference-oracle/internal/registry"
	"inference-oracle/internal/scoring"
	"inference-oracle/internal/sig"
	"inference-oracle/internal/store"
	"inference-oracle/internal/testutil"
)

// harness bundles the minimal set of collaborators Accept needs, wired the
// same way cmd/oracle/main.go wires them but pointed at a FakeClient.
type harness struct {
	db     *store.DB
	chain  *chain.FakeClient
	reg    *registry.Registry
	scorer *scoring.Scorer
	proofs *proofs.Store
	ing    *Ingestor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sandbox, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	t.Cleanup(func() { sandbox.Cleanup() })

	db, err := store.Open(sandbox.Root)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fake := chain.NewFakeClient()
	reg := registry.New(db, nil)
	sc := scoring.New()
	pf := proofs.New(db, nil)
	ing := New(db, fake, reg, sc, pf, nil, nil)
	return &harness{db: db, chain: fake, reg: reg, scorer: sc, proofs: pf, ing: ing}
}

// signedReport builds a Report whose signature verifies under sig.VerifyMetrics.
func signedReport(t *testing.T, signer *testutil.Signer, tokens uint64, ts int64) Report {
	t.Helper()
	return signedReportWithRequests(t, signer, tokens, 1, ts)
}

// signedReportWithRequests is signedReport with an explicit requestCount, for
// tests exercising the request-counter delta independently of tokens.
func signedReportWithRequests(t *testing.T, signer *testutil.Signer, tokens, requests uint64, ts int64) Report {
	t.Helper()
	msg := sig.MetricsMessage{Agent: signer.Address().String(), ProcessedTokens: tokens, Timestamp: ts}
	body, err := sig.CanonicalJSON(msg)
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	signature, err := signer.Sign(body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return Report{
		Address:         signer.Address().String(),
		TokensProcessed: tokens,
		RequestCount:    requests,
		AvgLatencyMs:    50,
		UptimeSeconds:   10,
		Timestamp:       ts,
		Signature:       hex.EncodeToString(signature),
	}
}

func TestAcceptFirstReportSucceeds(t *testing.T) {
	h := newHarness(t)
	signer, err := testutil.NewSigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	h.chain.RegisterAgent(signer.Address(), chain.AgentInfo{Status: domain.AgentActive})

	now := time.Now().Unix()
	result, err := h.ing.Accept(context.Background(), signedReport(t, signer, 1000, now))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success")
	}

	key := domain.EpochKey{Address: signer.Address(), Epoch: 0}
	m, ok := h.db.Metrics.Get(key)
	if !ok {
		t.Fatalf("expected metrics row to be persisted")
	}
	if m.TokensProcessed != 1000 {
		t.Fatalf("expected delta 1000 on first report, got %d", m.TokensProcessed)
	}
}

func TestAcceptAccumulatesDeltaFromCumulativeCounter(t *testing.T) {
	h := newHarness(t)
	signer, _ := testutil.NewSigner()
	h.chain.RegisterAgent(signer.Address(), chain.AgentInfo{Status: domain.AgentActive})

	now := time.Now().Unix()
	if _, err := h.ing.Accept(context.Background(), signedReport(t, signer, 1000, now)); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := h.ing.Accept(context.Background(), signedReport(t, signer, 1500, now+1)); err != nil {
		t.Fatalf("second accept: %v", err)
	}

	m, _ := h.db.Metrics.Get(domain.EpochKey{Address: signer.Address(), Epoch: 0})
	if m.TokensProcessed != 1500 {
		t.Fatalf("expected cumulative delta sum of 1500, got %d", m.TokensProcessed)
	}
}

// TestAcceptAppliesTokenResetDecisionToRequestCounterToo mirrors the end-to-
// end accumulation scenario: reports (t=100,r=1), (t=300,r=3), (t=250,r=4).
// The third report is a counter reset on tokens (250 < 300) even though its
// request counter (4) is still above the last seen value (3); the reset is
// decided once, on the token counter, and applied to both deltas, so the
// request delta for the third report is the full 4, not 4-3=1.
func TestAcceptAppliesTokenResetDecisionToRequestCounterToo(t *testing.T) {
	h := newHarness(t)
	signer, _ := testutil.NewSigner()
	h.chain.RegisterAgent(signer.Address(), chain.AgentInfo{Status: domain.AgentActive})

	now := time.Now().Unix()
	if _, err := h.ing.Accept(context.Background(), signedReportWithRequests(t, signer, 100, 1, now)); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := h.ing.Accept(context.Background(), signedReportWithRequests(t, signer, 300, 3, now+1)); err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if _, err := h.ing.Accept(context.Background(), signedReportWithRequests(t, signer, 250, 4, now+2)); err != nil {
		t.Fatalf("third accept: %v", err)
	}

	m, _ := h.db.Metrics.Get(domain.EpochKey{Address: signer.Address(), Epoch: 0})
	if m.TokensProcessed != 550 {
		t.Fatalf("expected tokensProcessed=550, got %d", m.TokensProcessed)
	}
	if m.RequestCount != 7 {
		t.Fatalf("expected requestCount=7, got %d", m.RequestCount)
	}
	if m.LastRawTokens != 250 {
		t.Fatalf("expected lastRawTokens=250, got %d", m.LastRawTokens)
	}
	if m.LastRawRequests != 4 {
		t.Fatalf("expected lastRawRequests=4, got %d", m.LastRawRequests)
	}
}

func TestAcceptRejectsReplayedTimestamp(t *testing.T) {
	h := newHarness(t)
	signer, _ := testutil.NewSigner()
	h.chain.RegisterAgent(signer.Address(), chain.AgentInfo{Status: domain.AgentActive})

	now := time.Now().Unix()
	if _, err := h.ing.Accept(context.Background(), signedReport(t, signer, 1000, now)); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	_, err := h.ing.Accept(context.Background(), signedReport(t, signer, 1100, now))
	if err == nil {
		t.Fatalf("expected replay rejection for non-increasing timestamp")
	}
}

func TestAcceptRejectsUnregisteredAgent(t *testing.T) {
	h := newHarness(t)
	signer, _ := testutil.NewSigner()

	_, err := h.ing.Accept(context.Background(), signedReport(t, signer, 1000, time.Now().Unix()))
	if err == nil {
		t.Fatalf("expected rejection for unregistered agent")
	}
}

func TestAcceptRejectsOutOfBoundsTokens(t *testing.T) {
	h := newHarness(t)
	signer, _ := testutil.NewSigner()
	h.chain.RegisterAgent(signer.Address(), chain.AgentInfo{Status: domain.AgentActive})

	_, err := h.ing.Accept(context.Background(), signedReport(t, signer, MaxTokensPerReport+1, time.Now().Unix()))
	if err == nil {
		t.Fatalf("expected bounds rejection")
	}
}

func TestAcceptRejectsStaleTimestamp(t *testing.T) {
	h := newHarness(t)
	signer, _ := testutil.NewSigner()
	h.chain.RegisterAgent(signer.Address(), chain.AgentInfo{Status: domain.AgentActive})

	stale := time.Now().Add(-2 * FreshnessWindow).Unix()
	_, err := h.ing.Accept(context.Background(), signedReport(t, signer, 1000, stale))
	if err == nil {
		t.Fatalf("expected staleness rejection")
	}
}

func TestAcceptSignalsShouldResetOnEpochRollover(t *testing.T) {
	h := newHarness(t)
	signer, _ := testutil.NewSigner()
	h.chain.RegisterAgent(signer.Address(), chain.AgentInfo{Status: domain.AgentActive})

	now := time.Now().Unix()
	r1, err := h.ing.Accept(context.Background(), signedReport(t, signer, 1000, now))
	if err != nil {
		t.Fatalf("accept in epoch 0: %v", err)
	}
	if r1.ShouldReset {
		t.Fatalf("first report in an agent's first epoch should not request reset")
	}

	h.chain.Epoch = 1
	r2, err := h.ing.Accept(context.Background(), signedReport(t, signer, 1200, now+1))
	if err != nil {
		t.Fatalf("accept in epoch 1: %v", err)
	}
	if !r2.ShouldReset {
		t.Fatalf("expected shouldReset on epoch rollover")
	}
}

func TestAcceptRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	signer, _ := testutil.NewSigner()
	h.chain.RegisterAgent(signer.Address(), chain.AgentInfo{Status: domain.AgentActive})

	report := signedReport(t, signer, 1000, time.Now().Unix())
	report.TokensProcessed = 9999 // mutate after signing so the signature no longer covers the payload
	_, err := h.ing.Accept(context.Background(), report)
	if err == nil {
		t.Fatalf("expected signature mismatch rejection")
	}
}
