// Package api exposes the protocol over HTTP: capital operations, the
// governance proposal lifecycle, participant registry management, reward
// claims and the audit surfaces.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/janteras/d-loop-sub001/pkg/assetpool"
	"github.com/janteras/d-loop-sub001/pkg/audit"
	"github.com/janteras/d-loop-sub001/pkg/auth"
	"github.com/janteras/d-loop-sub001/pkg/fees"
	"github.com/janteras/d-loop-sub001/pkg/governance"
	"github.com/janteras/d-loop-sub001/pkg/registry"
	"github.com/janteras/d-loop-sub001/pkg/rewards"
	"github.com/janteras/d-loop-sub001/pkg/treasury"
)

// Server is the HTTP front of one node.
type Server struct {
	pool       *assetpool.Pool
	governance *governance.Service
	registry   *registry.Manager
	treasury   *treasury.Treasury
	rewards    *rewards.Ledger
	fees       *fees.Engine
	query      audit.Query
	logger     *zap.Logger

	router *mux.Router
	server *http.Server
}

// NewServer wires the protocol components behind the HTTP routes.
func NewServer(addr string, pool *assetpool.Pool, gov *governance.Service,
	reg *registry.Manager, tre *treasury.Treasury, rew *rewards.Ledger,
	engine *fees.Engine, query audit.Query, logger *zap.Logger) *Server {
	s := &Server{
		pool:       pool,
		governance: gov,
		registry:   reg,
		treasury:   tre,
		rewards:    rew,
		fees:       engine,
		query:      query,
		logger:     logger,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// enableCORS enables CORS for all routes.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(enableCORS)

	// Capital operations
	s.router.HandleFunc("/api/pool/invest", s.invest).Methods("POST")
	s.router.HandleFunc("/api/pool/divest", s.divest).Methods("POST")
	s.router.HandleFunc("/api/pool/shares/{token}/{address}", s.getShares).Methods("GET")

	// Fee policy
	s.router.HandleFunc("/api/fees/config", s.getFeeConfig).Methods("GET")

	// Governance
	s.router.HandleFunc("/api/proposals", s.createProposal).Methods("POST")
	s.router.HandleFunc("/api/proposals", s.listProposals).Methods("GET")
	s.router.HandleFunc("/api/proposals/{id}", s.getProposal).Methods("GET")
	s.router.HandleFunc("/api/proposals/{id}/votes", s.listVotes).Methods("GET")
	s.router.HandleFunc("/api/proposals/{id}/vote", s.castVote).Methods("POST")
	s.router.HandleFunc("/api/proposals/{id}/finalize", s.finalizeProposal).Methods("POST")
	s.router.HandleFunc("/api/proposals/{id}/execute", s.executeProposal).Methods("POST")
	s.router.HandleFunc("/api/proposals/{id}/cancel", s.cancelProposal).Methods("POST")

	// Participant registry
	s.router.HandleFunc("/api/participants", s.registerParticipant).Methods("POST")
	s.router.HandleFunc("/api/participants", s.listParticipants).Methods("GET")
	s.router.HandleFunc("/api/participants/{address}", s.getParticipant).Methods("GET")
	s.router.HandleFunc("/api/participants/{address}/verify", s.verifyParticipant).Methods("POST")
	s.router.HandleFunc("/api/participants/{address}/deactivate", s.deactivateParticipant).Methods("POST")
	s.router.HandleFunc("/api/participants/{address}/reactivate", s.reactivateParticipant).Methods("POST")

	// Rewards
	s.router.HandleFunc("/api/rewards/claim", s.claimRewards).Methods("POST")
	s.router.HandleFunc("/api/rewards/distribute", s.runDistribution).Methods("POST")
	s.router.HandleFunc("/api/rewards/pools", s.listRewardPools).Methods("GET")
	s.router.HandleFunc("/api/rewards/vesting/{address}", s.getVesting).Methods("GET")

	// Treasury and audit surfaces
	s.router.HandleFunc("/api/treasury/balances", s.getTreasuryBalances).Methods("GET")
	s.router.HandleFunc("/api/audit/events", s.getAuditEvents).Methods("GET")
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// Handler returns the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.respondJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, governance.ErrProposalNotFound),
		errors.Is(err, registry.ErrNotRegistered),
		errors.Is(err, rewards.ErrPoolNotFound):
		return http.StatusNotFound
	case errors.Is(err, governance.ErrAlreadyVoted),
		errors.Is(err, governance.ErrVotingClosed),
		errors.Is(err, governance.ErrVotingOpen),
		errors.Is(err, governance.ErrInvalidState),
		errors.Is(err, rewards.ErrRoundInProgress),
		errors.Is(err, rewards.ErrPeriodNotElapsed),
		errors.Is(err, rewards.ErrClaimsFrozen),
		errors.Is(err, assetpool.ErrOperationInProgress),
		errors.Is(err, registry.ErrAlreadyRegistered):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.New("amount must be a base-10 integer")
	}
	return amount, nil
}

type capitalRequest struct {
	Investor string `json:"investor"`
	Token    string `json:"token"`
	Amount   string `json:"amount"`
	Forced   bool   `json:"forced,omitempty"`
}

func (s *Server) invest(w http.ResponseWriter, r *http.Request) {
	var req capitalRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	net, fee, err := s.pool.Invest(req.Investor, req.Token, amount)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"net": net.String(), "fee": fee.String(),
	})
}

func (s *Server) divest(w http.ResponseWriter, r *http.Request) {
	var req capitalRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	net, fee, err := s.pool.Divest(req.Investor, req.Token, amount, req.Forced)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"net": net.String(), "fee": fee.String(),
	})
}

func (s *Server) getShares(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	shares := s.pool.SharesOf(vars["token"], vars["address"])
	s.respondJSON(w, http.StatusOK, map[string]string{
		"token": vars["token"], "address": vars["address"], "shares": shares.String(),
	})
}

func (s *Server) getFeeConfig(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.fees.Config())
}

type proposalRequest struct {
	Proposer    string            `json:"proposer"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Payload     map[string]string `json:"payload"`
}

func (s *Server) createProposal(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.governance.CreateProposal(req.Proposer,
		governance.ProposalType(req.Type), req.Title, req.Description, req.Payload)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.governance.ListProposals()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, proposals)
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.governance.GetProposal(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, proposal)
}

func (s *Server) listVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := s.governance.Votes(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, votes)
}

type voteRequest struct {
	Voter   string `json:"voter"`
	Support bool   `json:"support"`
}

func (s *Server) castVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.governance.CastVote(req.Voter, mux.Vars(r)["id"], req.Support); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) finalizeProposal(w http.ResponseWriter, r *http.Request) {
	state, err := s.governance.FinalizeProposal(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"outcome": state.String()})
}

func (s *Server) executeProposal(w http.ResponseWriter, r *http.Request) {
	if err := s.governance.ExecuteProposal(mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

type cancelRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) cancelProposal(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.governance.CancelProposal(mux.Vars(r)["id"], req.Caller); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type registerRequest struct {
	Address  string            `json:"address"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) registerParticipant(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.registry.Register(req.Address, req.Metadata); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"address": req.Address})
}

func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) getParticipant(w http.ResponseWriter, r *http.Request) {
	participant, err := s.registry.Get(mux.Vars(r)["address"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, participant)
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) verifyParticipant(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.registry.Verify(req.Caller, mux.Vars(r)["address"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (s *Server) deactivateParticipant(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.registry.Deactivate(req.Caller, mux.Vars(r)["address"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) reactivateParticipant(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.registry.Reactivate(req.Caller, mux.Vars(r)["address"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "reactivated"})
}

type claimRequest struct {
	Beneficiary string `json:"beneficiary"`
	Token       string `json:"token"`
}

func (s *Server) claimRewards(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !s.decode(w, r, &req) {
		return
	}
	claimed, err := s.rewards.Claim(req.Beneficiary, req.Token)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"claimed": claimed.String()})
}

type distributeRequest struct {
	Token    string `json:"token"`
	Continue bool   `json:"continue,omitempty"`
}

func (s *Server) runDistribution(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if !s.decode(w, r, &req) {
		return
	}
	var created, remaining int
	var err error
	if req.Continue {
		created, remaining, err = s.rewards.ContinueDistribution(req.Token)
	} else {
		created, remaining, err = s.rewards.RunDistributionRound(req.Token)
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{
		"created": created, "remaining": remaining,
	})
}

func (s *Server) listRewardPools(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.rewards.Pools())
}

func (s *Server) getVesting(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.rewards.EntriesOf(mux.Vars(r)["address"]))
}

func (s *Server) getTreasuryBalances(w http.ResponseWriter, r *http.Request) {
	balances := s.treasury.Balances()
	out := make(map[string]string, len(balances))
	for token, amount := range balances {
		out[token] = amount.String()
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"paused":   s.treasury.Paused(),
		"balances": out,
	})
}

func (s *Server) getAuditEvents(w http.ResponseWriter, r *http.Request) {
	if op := r.URL.Query().Get("operation"); op != "" {
		s.respondJSON(w, http.StatusOK, s.query.ByOperation(op))
		return
	}
	s.respondJSON(w, http.StatusOK, s.query.Recent(100))
}
