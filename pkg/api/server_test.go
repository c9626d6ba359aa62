package api_test

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/janteras/d-loop-sub001/pkg/api"
	"github.com/janteras/d-loop-sub001/pkg/assetpool"
	"github.com/janteras/d-loop-sub001/pkg/audit"
	"github.com/janteras/d-loop-sub001/pkg/auth"
	"github.com/janteras/d-loop-sub001/pkg/fees"
	"github.com/janteras/d-loop-sub001/pkg/governance"
	"github.com/janteras/d-loop-sub001/pkg/governance/executor"
	"github.com/janteras/d-loop-sub001/pkg/governance/store"
	"github.com/janteras/d-loop-sub001/pkg/governance/validator"
	"github.com/janteras/d-loop-sub001/pkg/registry"
	"github.com/janteras/d-loop-sub001/pkg/rewards"
	"github.com/janteras/d-loop-sub001/pkg/token"
	"github.com/janteras/d-loop-sub001/pkg/treasury"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	operator = "0x9999999999999999999999999999999999999999"
	alice    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob      = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	govToken = "DLOOP"
	usdc     = "USDC"
)

type fakeOracle struct{}

func (fakeOracle) GetPrice(string) (*big.Int, error) { return big.NewInt(1), nil }

// participationProxy breaks the construction cycle between the reward
// ledger and the governance service.
type participationProxy struct{ gov *governance.Service }

func (p *participationProxy) VotingWeights(from, to time.Time) map[string]*big.Int {
	return p.gov.VotingWeights(from, to)
}

type node struct {
	server   *api.Server
	gov      *governance.Service
	tokens   *token.System
	registry *registry.Manager
	clock    time.Time
}

func newNode(t *testing.T) *node {
	t.Helper()
	logger := zap.NewNop()
	caps := auth.NewTable(operator)
	recorder := audit.NewMemoryRecorder(256)
	tokens := token.NewSystem()

	engine, err := fees.NewEngine(fees.DefaultConfig(), logger)
	require.NoError(t, err)
	tre := treasury.New(tokens, caps, recorder, logger)
	reg := registry.NewManager(registry.NewSoulboundCredentials(), caps, logger)

	proxy := &participationProxy{}
	ledger, err := rewards.NewLedger(rewards.DefaultParams(), proxy, reg,
		fakeOracle{}, tokens, tokens, recorder, logger)
	require.NoError(t, err)

	exec := executor.New(operator, engine, ledger, tre, reg)
	cfg := governance.DefaultConfig()
	cfg.MinProposerStake = big.NewInt(100)
	gov, err := governance.NewService(store.NewMemoryStore(), exec, validator.New(),
		reg, tokens, caps, recorder, cfg, logger)
	require.NoError(t, err)
	proxy.gov = gov
	exec.BindPolicySetter(gov)

	pool := assetpool.New(operator, engine, tokens, tre, ledger,
		fakeOracle{}, recorder, logger)

	n := &node{
		server:   api.NewServer(":0", pool, gov, reg, tre, ledger, engine, recorder, logger),
		gov:      gov,
		tokens:   tokens,
		registry: reg,
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	gov.SetClock(func() time.Time { return n.clock })
	return n
}

func (n *node) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	n.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (n *node) addVoter(t *testing.T, address string, staked int64) {
	t.Helper()
	require.NoError(t, n.registry.Register(address, nil))
	require.NoError(t, n.tokens.Mint(govToken, address, big.NewInt(staked)))
	require.NoError(t, n.tokens.Lock(govToken, address, big.NewInt(staked)))
}

func TestInvestAndDivestOverHTTP(t *testing.T) {
	n := newNode(t)
	require.NoError(t, n.tokens.Mint(usdc, alice, big.NewInt(10000)))

	rec := n.do(t, http.MethodPost, "/api/pool/invest", map[string]any{
		"investor": alice, "token": usdc, "amount": "1000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeMap(t, rec)
	assert.Equal(t, "900", out["net"])
	assert.Equal(t, "100", out["fee"])

	rec = n.do(t, http.MethodGet, "/api/pool/shares/"+usdc+"/"+alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "900", decodeMap(t, rec)["shares"])

	rec = n.do(t, http.MethodPost, "/api/pool/divest", map[string]any{
		"investor": alice, "token": usdc, "amount": "400", "forced": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out = decodeMap(t, rec)
	assert.Equal(t, "320", out["net"])
	assert.Equal(t, "80", out["fee"])

	rec = n.do(t, http.MethodGet, "/api/treasury/balances", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = n.do(t, http.MethodPost, "/api/pool/invest", map[string]any{
		"investor": alice, "token": usdc, "amount": "not-a-number",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegistryEndpoints(t *testing.T) {
	n := newNode(t)

	rec := n.do(t, http.MethodPost, "/api/participants", map[string]any{
		"address": alice, "metadata": map[string]string{"node": "gpu-1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Verification requires the verifier capability.
	rec = n.do(t, http.MethodPost, "/api/participants/"+alice+"/verify", map[string]any{
		"caller": bob,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = n.do(t, http.MethodPost, "/api/participants/"+alice+"/verify", map[string]any{
		"caller": operator,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = n.do(t, http.MethodGet, "/api/participants/"+alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var participant registry.Participant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &participant))
	assert.True(t, participant.Verified)

	rec = n.do(t, http.MethodGet, "/api/participants/"+bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGovernanceLifecycleOverHTTP(t *testing.T) {
	n := newNode(t)
	n.addVoter(t, alice, 6000)
	n.addVoter(t, bob, 1000)

	rec := n.do(t, http.MethodPost, "/api/proposals", map[string]any{
		"proposer": alice,
		"type":     "param_change",
		"title":    "halve the invest fee",
		"payload": map[string]string{
			"target":     "fees",
			"invest_bps": "500",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeMap(t, rec)["id"]
	require.NotEmpty(t, id)

	rec = n.do(t, http.MethodPost, "/api/proposals/"+id+"/vote", map[string]any{
		"voter": alice, "support": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Double voting conflicts.
	rec = n.do(t, http.MethodPost, "/api/proposals/"+id+"/vote", map[string]any{
		"voter": alice, "support": true,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Finalizing before the deadline conflicts.
	rec = n.do(t, http.MethodPost, "/api/proposals/"+id+"/finalize", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	n.clock = n.clock.Add(8 * 24 * time.Hour)
	rec = n.do(t, http.MethodPost, "/api/proposals/"+id+"/finalize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "succeeded", decodeMap(t, rec)["outcome"])

	rec = n.do(t, http.MethodPost, "/api/proposals/"+id+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The executed parameter change is live.
	rec = n.do(t, http.MethodGet, "/api/fees/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg fees.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, int64(500), cfg.InvestBps)

	rec = n.do(t, http.MethodGet, "/api/proposals/"+id+"/votes", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = n.do(t, http.MethodGet, "/api/proposals/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRewardsEndpoints(t *testing.T) {
	n := newNode(t)
	n.addVoter(t, alice, 5000)
	require.NoError(t, n.tokens.Mint(usdc, alice, big.NewInt(100000)))

	// A capital operation funds the reward pool.
	rec := n.do(t, http.MethodPost, "/api/pool/invest", map[string]any{
		"investor": alice, "token": usdc, "amount": "100000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Participation: one governance vote inside the round window.
	rec = n.do(t, http.MethodPost, "/api/proposals", map[string]any{
		"proposer": alice, "type": "text", "title": "signal",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeMap(t, rec)["id"]
	rec = n.do(t, http.MethodPost, "/api/proposals/"+id+"/vote", map[string]any{
		"voter": alice, "support": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = n.do(t, http.MethodPost, "/api/rewards/distribute", map[string]any{
		"token": usdc,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = n.do(t, http.MethodGet, "/api/rewards/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pools []rewards.Pool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pools))
	require.Len(t, pools, 1)
	assert.Equal(t, usdc, pools[0].Token)

	rec = n.do(t, http.MethodGet, "/api/rewards/vesting/"+alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []rewards.VestingEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)

	// Nothing has vested yet.
	rec = n.do(t, http.MethodPost, "/api/rewards/claim", map[string]any{
		"beneficiary": alice, "token": usdc,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = n.do(t, http.MethodGet, "/api/audit/events?operation=pool.invest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []audit.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
}
