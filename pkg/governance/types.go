package governance

import (
	"fmt"
	"math/big"
	"time"
)

// ProposalState is the lifecycle state of a proposal.
type ProposalState int

const (
	StatePending ProposalState = iota
	StateActive
	StateSucceeded
	StateDefeated
	StateExpired
	StateExecuted
	StateExecutionFailed
	StateCancelled
)

// String returns the lowercase state name used on the API surface.
func (s ProposalState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateSucceeded:
		return "succeeded"
	case StateDefeated:
		return "defeated"
	case StateExpired:
		return "expired"
	case StateExecuted:
		return "executed"
	case StateExecutionFailed:
		return "execution_failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible from s.
// ExecutionFailed is terminal: the vote outcome stands, the action failed.
func (s ProposalState) Terminal() bool {
	switch s {
	case StateExecuted, StateExecutionFailed, StateCancelled, StateDefeated, StateExpired:
		return true
	default:
		return false
	}
}

// ProposalType identifies what a proposal changes when executed.
type ProposalType string

const (
	// ProposalTypeParamChange updates a protocol parameter set (fee config,
	// reward params, voting policies).
	ProposalTypeParamChange ProposalType = "param_change"

	// ProposalTypeTreasuryTransfer disburses treasury funds.
	ProposalTypeTreasuryTransfer ProposalType = "treasury_transfer"

	// ProposalTypeNodeAdmission admits an AI node operator; restricted to
	// verified participants by the default policy.
	ProposalTypeNodeAdmission ProposalType = "node_admission"

	// ProposalTypeText is a signaling proposal with no on-execution effect.
	ProposalTypeText ProposalType = "text"
)

// Proposal is one governance proposal with its running tally.
type Proposal struct {
	ID             string            `json:"id"`
	Proposer       string            `json:"proposer"`
	Type           ProposalType      `json:"type"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Payload        map[string]string `json:"payload,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	VotingDeadline time.Time         `json:"voting_deadline"`
	VotesFor       *big.Int          `json:"votes_for"`
	VotesAgainst   *big.Int          `json:"votes_against"`
	QuorumBps      int64             `json:"quorum_bps"`
	VerifiedOnly   bool              `json:"verified_only"`
	State          ProposalState     `json:"state"`
	ExecutionError string            `json:"execution_error,omitempty"`
}

// VoteRecord is one cast vote, immutable once stored. Exactly one record
// exists per (proposal, voter) pair.
type VoteRecord struct {
	ProposalID string    `json:"proposal_id"`
	Voter      string    `json:"voter"`
	Support    bool      `json:"support"`
	Weight     *big.Int  `json:"weight"`
	Timestamp  time.Time `json:"timestamp"`
}

// Policy is the voting rule set applied to a proposal type.
type Policy struct {
	VotingWindow time.Duration `json:"voting_window" yaml:"voting_window"`
	QuorumBps    int64         `json:"quorum_bps" yaml:"quorum_bps"`
	VerifiedOnly bool          `json:"verified_only" yaml:"verified_only"`
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.VotingWindow <= 0 {
		return fmt.Errorf("%w: voting window %v must be positive", ErrInvalidParameter, p.VotingWindow)
	}
	if p.QuorumBps <= 0 || p.QuorumBps > 10000 {
		return fmt.Errorf("%w: quorum %d bps outside (0, 10000]", ErrInvalidParameter, p.QuorumBps)
	}
	return nil
}

// Config is the governance configuration. Policies are keyed by proposal
// type; types without an entry use DefaultPolicy. The whole set is
// reconfigurable through the parameter-change execution path.
type Config struct {
	GovernanceToken       string                  `yaml:"governance_token"`
	MinProposerStake      *big.Int                `yaml:"min_proposer_stake"`
	MinProposerReputation int64                   `yaml:"min_proposer_reputation"`
	DefaultPolicy         Policy                  `yaml:"default_policy"`
	Policies              map[ProposalType]Policy `yaml:"policies"`
}

// DefaultConfig returns the launch governance rules: a standard 7-day /
// 30% policy, with the short-window high-quorum policy on the
// verified-restricted node admission type.
func DefaultConfig() *Config {
	return &Config{
		GovernanceToken:       "DLOOP",
		MinProposerStake:      big.NewInt(1000),
		MinProposerReputation: 0,
		DefaultPolicy: Policy{
			VotingWindow: 7 * 24 * time.Hour,
			QuorumBps:    3000,
		},
		Policies: map[ProposalType]Policy{
			ProposalTypeNodeAdmission: {
				VotingWindow: 48 * time.Hour,
				QuorumBps:    4000,
				VerifiedOnly: true,
			},
		},
	}
}

// PolicyFor returns the policy applied to a proposal type.
func (c *Config) PolicyFor(t ProposalType) Policy {
	if p, ok := c.Policies[t]; ok {
		return p
	}
	return c.DefaultPolicy
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.GovernanceToken == "" {
		return fmt.Errorf("%w: governance token is required", ErrInvalidParameter)
	}
	if c.MinProposerStake == nil || c.MinProposerStake.Sign() < 0 {
		return fmt.Errorf("%w: min proposer stake %v", ErrInvalidParameter, c.MinProposerStake)
	}
	if err := c.DefaultPolicy.Validate(); err != nil {
		return err
	}
	for t, p := range c.Policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy for %s: %w", t, err)
		}
	}
	return nil
}
