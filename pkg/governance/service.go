// Package governance implements the proposal lifecycle: creation against a
// proposer threshold, class-differentiated voting rules, weighted tallies,
// finalization and pluggable execution. Cast votes double as the
// participation ledger consumed by reward distribution rounds.
package governance

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/janteras/d-loop-sub001/pkg/audit"
	"github.com/janteras/d-loop-sub001/pkg/auth"
)

var bpsDenom = big.NewInt(10000)

// Service is the governance engine.
type Service struct {
	store     Store
	executor  Executor
	validator ProposalValidator
	directory ParticipantDirectory
	stake     StakeSource
	caps      *auth.Table
	recorder  audit.Recorder
	logger    *zap.Logger
	config    *Config

	now   func() time.Time
	mutex sync.RWMutex

	// lifecycle serializes every load-mutate-save sequence on a proposal.
	// It is separate from mutex: ExecuteProposal holds it across the
	// executor call, and a policy-change execution reenters SetPolicy.
	lifecycle sync.Mutex
}

// NewService creates a governance service.
func NewService(store Store, executor Executor, validator ProposalValidator,
	directory ParticipantDirectory, stake StakeSource, caps *auth.Table,
	recorder audit.Recorder, config *Config, logger *zap.Logger) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		store:     store,
		executor:  executor,
		validator: validator,
		directory: directory,
		stake:     stake,
		caps:      caps,
		recorder:  recorder,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SetClock overrides the service's time source. Tests use it to drive
// deadlines deterministically.
func (s *Service) SetClock(now func() time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.now = now
}

// Config returns the active governance configuration.
func (s *Service) Config() *Config {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.config
}

// SetPolicy swaps the voting policy for one proposal type (parameter-change
// execution path).
func (s *Service) SetPolicy(t ProposalType, policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.config.Policies[t] = policy
	s.logger.Info("voting policy updated",
		zap.String("proposal_type", string(t)),
		zap.Duration("window", policy.VotingWindow),
		zap.Int64("quorum_bps", policy.QuorumBps),
		zap.Bool("verified_only", policy.VerifiedOnly))
	return nil
}

// CreateProposal creates a proposal and opens it for voting. The proposer
// must be an eligible participant meeting the minimum stake and reputation
// thresholds; verified-only types additionally require a verified proposer.
func (s *Service) CreateProposal(proposer string, proposalType ProposalType,
	title, description string, payload map[string]string) (string, error) {
	if title == "" {
		return "", fmt.Errorf("%w: proposal title is required", ErrInvalidParameter)
	}
	switch proposalType {
	case ProposalTypeParamChange, ProposalTypeTreasuryTransfer, ProposalTypeNodeAdmission, ProposalTypeText:
	default:
		return "", fmt.Errorf("%w: unknown proposal type %q", ErrInvalidParameter, proposalType)
	}
	if !s.directory.IsEligibleVoter(proposer) {
		return "", fmt.Errorf("%w: %s", ErrNotEligible, proposer)
	}

	s.mutex.RLock()
	cfg := s.config
	policy := cfg.PolicyFor(proposalType)
	s.mutex.RUnlock()

	staked := s.stake.GetLocked(cfg.GovernanceToken, proposer)
	if staked.Cmp(cfg.MinProposerStake) < 0 {
		return "", fmt.Errorf("%w: stake %s below minimum %s", ErrProposerThreshold, staked, cfg.MinProposerStake)
	}
	reputation, err := s.directory.Reputation(proposer)
	if err != nil {
		return "", err
	}
	if reputation < cfg.MinProposerReputation {
		return "", fmt.Errorf("%w: reputation %d below minimum %d", ErrProposerThreshold, reputation, cfg.MinProposerReputation)
	}
	if policy.VerifiedOnly && !s.directory.IsVerified(proposer) {
		return "", fmt.Errorf("%w: proposer %s", ErrVerifiedOnly, proposer)
	}

	now := s.now()
	proposal := &Proposal{
		ID:             uuid.NewString(),
		Proposer:       proposer,
		Type:           proposalType,
		Title:          title,
		Description:    description,
		Payload:        payload,
		CreatedAt:      now,
		VotingDeadline: now.Add(policy.VotingWindow),
		VotesFor:       big.NewInt(0),
		VotesAgainst:   big.NewInt(0),
		QuorumBps:      policy.QuorumBps,
		VerifiedOnly:   policy.VerifiedOnly,
		State:          StateActive,
	}
	if s.validator != nil {
		if err := s.validator.ValidateProposal(proposal); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
	}
	if err := s.store.SaveProposal(proposal); err != nil {
		return "", fmt.Errorf("save proposal: %w", err)
	}

	s.logger.Info("proposal created",
		zap.String("id", proposal.ID),
		zap.String("type", string(proposalType)),
		zap.String("proposer", proposer),
		zap.Time("deadline", proposal.VotingDeadline))
	if err := s.recorder.Record(audit.NewEvent("governance.propose", proposer, "", map[string]string{
		"proposal_id": proposal.ID, "type": string(proposalType),
	})); err != nil {
		return "", err
	}
	return proposal.ID, nil
}

// CastVote records the voter's weighted vote. The vote record is persisted
// before the tally update so a duplicate cast is rejected even if the
// caller reenters through an external hook.
func (s *Service) CastVote(voter, proposalID string, support bool) error {
	if !s.directory.IsEligibleVoter(voter) {
		return fmt.Errorf("%w: %s", ErrNotEligible, voter)
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	proposal, err := s.getProposal(proposalID)
	if err != nil {
		return err
	}
	if proposal.State != StateActive {
		return fmt.Errorf("%w: proposal %s is %s", ErrVotingClosed, proposalID, proposal.State)
	}
	now := s.now()
	if !now.Before(proposal.VotingDeadline) {
		return fmt.Errorf("%w: deadline %s passed", ErrVotingClosed, proposal.VotingDeadline.UTC().Format(time.RFC3339))
	}
	if proposal.VerifiedOnly && !s.directory.IsVerified(voter) {
		return fmt.Errorf("%w: voter %s", ErrVerifiedOnly, voter)
	}
	if existing, err := s.store.GetVote(proposalID, voter); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("%w: %s on proposal %s", ErrAlreadyVoted, voter, proposalID)
	}

	s.mutex.RLock()
	govToken := s.config.GovernanceToken
	s.mutex.RUnlock()

	weight := new(big.Int).Mul(s.stake.GetLocked(govToken, voter), big.NewInt(s.directory.ReputationFactorBps(voter)))
	weight.Div(weight, bpsDenom)
	if weight.Sign() <= 0 {
		return fmt.Errorf("%w: %s has no staked %s", ErrNoVotingPower, voter, govToken)
	}

	vote := &VoteRecord{
		ProposalID: proposalID,
		Voter:      voter,
		Support:    support,
		Weight:     weight,
		Timestamp:  now,
	}
	if err := s.store.AddVote(vote); err != nil {
		return err
	}

	if support {
		proposal.VotesFor.Add(proposal.VotesFor, weight)
	} else {
		proposal.VotesAgainst.Add(proposal.VotesAgainst, weight)
	}
	if err := s.store.SaveProposal(proposal); err != nil {
		return fmt.Errorf("save tally: %w", err)
	}

	s.logger.Info("vote cast",
		zap.String("proposal_id", proposalID),
		zap.String("voter", voter),
		zap.Bool("support", support),
		zap.String("weight", weight.String()))
	return nil
}

// FinalizeProposal resolves an active proposal at or after its deadline:
// Expired with no votes, Defeated below quorum or majority, Succeeded
// otherwise. Quorum is measured against the governance token supply.
func (s *Service) FinalizeProposal(proposalID string) (ProposalState, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	proposal, err := s.getProposal(proposalID)
	if err != nil {
		return 0, err
	}
	if proposal.State != StateActive {
		return 0, fmt.Errorf("%w: proposal %s is %s", ErrInvalidState, proposalID, proposal.State)
	}
	if s.now().Before(proposal.VotingDeadline) {
		return 0, fmt.Errorf("%w: until %s", ErrVotingOpen, proposal.VotingDeadline.UTC().Format(time.RFC3339))
	}

	s.mutex.RLock()
	govToken := s.config.GovernanceToken
	s.mutex.RUnlock()

	total := new(big.Int).Add(proposal.VotesFor, proposal.VotesAgainst)
	switch {
	case total.Sign() == 0:
		proposal.State = StateExpired
	case !quorumMet(total, s.stake.GetTotalSupply(govToken), proposal.QuorumBps):
		proposal.State = StateDefeated
	case proposal.VotesFor.Cmp(proposal.VotesAgainst) > 0:
		proposal.State = StateSucceeded
	default:
		proposal.State = StateDefeated
	}
	if err := s.store.SaveProposal(proposal); err != nil {
		return 0, fmt.Errorf("save outcome: %w", err)
	}

	s.logger.Info("proposal finalized",
		zap.String("proposal_id", proposalID),
		zap.String("outcome", proposal.State.String()),
		zap.String("votes_for", proposal.VotesFor.String()),
		zap.String("votes_against", proposal.VotesAgainst.String()))
	return proposal.State, nil
}

// quorumMet reports whether total participation reaches quorumBps of the
// eligible supply.
func quorumMet(total, supply *big.Int, quorumBps int64) bool {
	if supply.Sign() <= 0 {
		return false
	}
	lhs := new(big.Int).Mul(total, bpsDenom)
	rhs := new(big.Int).Mul(supply, big.NewInt(quorumBps))
	return lhs.Cmp(rhs) >= 0
}

// ExecuteProposal applies a succeeded proposal's action through the
// pluggable executor. The state moves to Executed before the external call
// so a reentrant execution attempt sees a terminal state; a failure is then
// recorded as ExecutionFailed without touching the tally.
func (s *Service) ExecuteProposal(proposalID string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	proposal, err := s.getProposal(proposalID)
	if err != nil {
		return err
	}
	if proposal.State != StateSucceeded {
		return fmt.Errorf("%w: proposal %s is %s, not succeeded", ErrInvalidState, proposalID, proposal.State)
	}

	proposal.State = StateExecuted
	if err := s.store.SaveProposal(proposal); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	if execErr := s.executor.Execute(proposal); execErr != nil {
		proposal.State = StateExecutionFailed
		proposal.ExecutionError = execErr.Error()
		if err := s.store.SaveProposal(proposal); err != nil {
			return fmt.Errorf("save failure state: %w", err)
		}
		s.logger.Error("proposal execution failed",
			zap.String("proposal_id", proposalID),
			zap.Error(execErr))
		return fmt.Errorf("%w: %v", ErrExecutionFailed, execErr)
	}

	s.logger.Info("proposal executed", zap.String("proposal_id", proposalID))
	return s.recorder.Record(audit.NewEvent("governance.execute", "", "", map[string]string{
		"proposal_id": proposalID,
	}))
}

// CancelProposal moves a pending or active proposal to Cancelled. Allowed
// for the original proposer or a governor.
func (s *Service) CancelProposal(proposalID, caller string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	proposal, err := s.getProposal(proposalID)
	if err != nil {
		return err
	}
	if proposal.State != StatePending && proposal.State != StateActive {
		return fmt.Errorf("%w: cannot cancel proposal in state %s", ErrInvalidState, proposal.State)
	}
	if caller != proposal.Proposer {
		if err := s.caps.Require(caller, auth.CapGovernor); err != nil {
			return err
		}
	}
	proposal.State = StateCancelled
	if err := s.store.SaveProposal(proposal); err != nil {
		return fmt.Errorf("save cancellation: %w", err)
	}
	s.logger.Info("proposal cancelled",
		zap.String("proposal_id", proposalID),
		zap.String("caller", caller))
	return nil
}

// VotingWeights sums each voter's cast weight over [from, to). It is the
// participation ledger feeding reward distribution rounds.
func (s *Service) VotingWeights(from, to time.Time) map[string]*big.Int {
	votes, err := s.store.VotesBetween(from, to)
	if err != nil {
		s.logger.Error("participation query failed", zap.Error(err))
		return nil
	}
	weights := make(map[string]*big.Int)
	for _, vote := range votes {
		w, ok := weights[vote.Voter]
		if !ok {
			w = big.NewInt(0)
			weights[vote.Voter] = w
		}
		w.Add(w, vote.Weight)
	}
	return weights
}

// GetProposal returns the proposal by ID.
func (s *Service) GetProposal(id string) (*Proposal, error) {
	return s.getProposal(id)
}

// ListProposals returns every proposal.
func (s *Service) ListProposals() ([]*Proposal, error) {
	return s.store.ListProposals()
}

// ListProposalsByState returns proposals in the given state.
func (s *Service) ListProposalsByState(state ProposalState) ([]*Proposal, error) {
	return s.store.ListProposalsByState(state)
}

// Votes returns the vote records of one proposal.
func (s *Service) Votes(proposalID string) ([]*VoteRecord, error) {
	if _, err := s.getProposal(proposalID); err != nil {
		return nil, err
	}
	return s.store.ListVotes(proposalID)
}

func (s *Service) getProposal(id string) (*Proposal, error) {
	proposal, err := s.store.GetProposal(id)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	if proposal == nil {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	return proposal, nil
}
