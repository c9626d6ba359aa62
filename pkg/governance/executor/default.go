// Package executor applies succeeded proposals to the protocol: parameter
// changes through the authorized setters, treasury disbursements, and AI
// node admissions.
package executor

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/janteras/d-loop-sub001/pkg/fees"
	"github.com/janteras/d-loop-sub001/pkg/governance"
	"github.com/janteras/d-loop-sub001/pkg/rewards"
)

// FeeConfigurer is the fee engine surface the executor drives.
type FeeConfigurer interface {
	Config() fees.Config
	SetConfig(cfg fees.Config) error
}

// RewardConfigurer is the reward ledger surface the executor drives.
type RewardConfigurer interface {
	Params() rewards.Params
	SetParams(params rewards.Params) error
}

// PolicySetter swaps one proposal type's voting policy.
type PolicySetter interface {
	SetPolicy(t governance.ProposalType, policy governance.Policy) error
}

// Disburser pays out treasury funds.
type Disburser interface {
	Debit(manager, token string, amount *big.Int, recipient string) error
}

// NodeAdmitter verifies a participant as an AI node operator.
type NodeAdmitter interface {
	Verify(verifier, address string) error
}

// Executor is the default governance.Executor. Operator is the protocol
// identity holding the capabilities the execution paths require.
type Executor struct {
	operator string
	fees     FeeConfigurer
	rewards  RewardConfigurer
	policies PolicySetter
	treasury Disburser
	registry NodeAdmitter
}

// New creates an executor acting as operator. The policy setter is bound
// separately because the governance service is constructed after its
// executor.
func New(operator string, fees FeeConfigurer, rewards RewardConfigurer,
	treasury Disburser, registry NodeAdmitter) *Executor {
	return &Executor{
		operator: operator,
		fees:     fees,
		rewards:  rewards,
		treasury: treasury,
		registry: registry,
	}
}

// BindPolicySetter wires the voting-policy target once the governance
// service exists.
func (e *Executor) BindPolicySetter(ps PolicySetter) {
	e.policies = ps
}

// Execute applies the proposal's payload.
func (e *Executor) Execute(proposal *governance.Proposal) error {
	if proposal == nil {
		return errors.New("proposal is nil")
	}
	switch proposal.Type {
	case governance.ProposalTypeParamChange:
		return e.executeParamChange(proposal)
	case governance.ProposalTypeTreasuryTransfer:
		return e.executeTreasuryTransfer(proposal)
	case governance.ProposalTypeNodeAdmission:
		return e.executeNodeAdmission(proposal)
	case governance.ProposalTypeText:
		return nil
	default:
		return fmt.Errorf("unknown proposal type: %s", proposal.Type)
	}
}

func (e *Executor) executeParamChange(proposal *governance.Proposal) error {
	target, ok := proposal.Payload["target"]
	if !ok {
		return errors.New("param change target is required")
	}
	switch target {
	case "fees":
		return e.applyFeeConfig(proposal.Payload)
	case "rewards":
		return e.applyRewardParams(proposal.Payload)
	case "voting_policy":
		return e.applyVotingPolicy(proposal.Payload)
	default:
		return fmt.Errorf("unknown param change target: %s", target)
	}
}

// applyFeeConfig updates only the keys present in the payload, keeping the
// rest of the active config.
func (e *Executor) applyFeeConfig(payload map[string]string) error {
	cfg := e.fees.Config()
	fields := map[string]*int64{
		"invest_bps":         &cfg.InvestBps,
		"divest_bps":         &cfg.DivestBps,
		"ragequit_bps":       &cfg.RagequitBps,
		"treasury_split_bps": &cfg.TreasurySplitBps,
		"reward_split_bps":   &cfg.RewardSplitBps,
	}
	if err := applyInt64Fields(payload, fields); err != nil {
		return err
	}
	return e.fees.SetConfig(cfg)
}

func (e *Executor) applyRewardParams(payload map[string]string) error {
	params := e.rewards.Params()
	fields := map[string]*int64{
		"governance_share_bps":    &params.GovernanceShareBps,
		"ai_node_share_bps":       &params.AINodeShareBps,
		"budget_cap_bps":          &params.BudgetCapBps,
		"per_participant_cap_bps": &params.PerParticipantCapBps,
	}
	if err := applyInt64Fields(payload, fields); err != nil {
		return err
	}
	if raw, ok := payload["vesting_duration"]; ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid vesting_duration %q: %w", raw, err)
		}
		params.VestingDuration = d
	}
	if raw, ok := payload["period_length"]; ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid period_length %q: %w", raw, err)
		}
		params.PeriodLength = d
	}
	return e.rewards.SetParams(params)
}

func (e *Executor) applyVotingPolicy(payload map[string]string) error {
	if e.policies == nil {
		return errors.New("policy setter not bound")
	}
	proposalType, ok := payload["proposal_type"]
	if !ok {
		return errors.New("proposal_type is required")
	}
	window, err := time.ParseDuration(payload["voting_window"])
	if err != nil {
		return fmt.Errorf("invalid voting_window %q: %w", payload["voting_window"], err)
	}
	quorum, err := strconv.ParseInt(payload["quorum_bps"], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid quorum_bps %q: %w", payload["quorum_bps"], err)
	}
	policy := governance.Policy{
		VotingWindow: window,
		QuorumBps:    quorum,
		VerifiedOnly: payload["verified_only"] == "true",
	}
	return e.policies.SetPolicy(governance.ProposalType(proposalType), policy)
}

func (e *Executor) executeTreasuryTransfer(proposal *governance.Proposal) error {
	token, ok := proposal.Payload["token"]
	if !ok {
		return errors.New("token is required")
	}
	recipient, ok := proposal.Payload["recipient"]
	if !ok {
		return errors.New("recipient is required")
	}
	amount, ok := new(big.Int).SetString(proposal.Payload["amount"], 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", proposal.Payload["amount"])
	}
	return e.treasury.Debit(e.operator, token, amount, recipient)
}

func (e *Executor) executeNodeAdmission(proposal *governance.Proposal) error {
	address, ok := proposal.Payload["address"]
	if !ok {
		return errors.New("node address is required")
	}
	return e.registry.Verify(e.operator, address)
}

func applyInt64Fields(payload map[string]string, fields map[string]*int64) error {
	for key, dst := range fields {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, raw, err)
		}
		*dst = value
	}
	return nil
}
