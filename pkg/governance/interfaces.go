package governance

import (
	"math/big"
	"time"
)

// Store persists proposals and vote records. Implementations return copies;
// callers never mutate stored state directly. AddVote must reject a second
// record for the same (proposal, voter) pair with ErrAlreadyVoted.
type Store interface {
	SaveProposal(proposal *Proposal) error
	GetProposal(id string) (*Proposal, error)
	ListProposals() ([]*Proposal, error)
	ListProposalsByState(state ProposalState) ([]*Proposal, error)

	AddVote(vote *VoteRecord) error
	GetVote(proposalID, voter string) (*VoteRecord, error)
	ListVotes(proposalID string) ([]*VoteRecord, error)

	// VotesBetween returns every vote cast in [from, to), across all
	// proposals. It backs the participation ledger consumed by reward
	// distribution rounds.
	VotesBetween(from, to time.Time) ([]*VoteRecord, error)
}

// ProposalValidator vets a proposal's payload before it opens for voting.
type ProposalValidator interface {
	ValidateProposal(proposal *Proposal) error
}

// Executor applies a succeeded proposal's payload. Implementations are
// pluggable; failures surface as ExecutionFailed without reverting the
// vote tally.
type Executor interface {
	Execute(proposal *Proposal) error
}

// ParticipantDirectory is the registry slice governance consults for
// eligibility, class restrictions and the reputation weight factor.
type ParticipantDirectory interface {
	IsEligibleVoter(address string) bool
	IsVerified(address string) bool
	ReputationFactorBps(address string) int64
	Reputation(address string) (int64, error)
}

// StakeSource supplies staked balances and the eligible supply used for
// quorum. Implemented by the settlement ledger.
type StakeSource interface {
	GetLocked(token, address string) *big.Int
	GetTotalSupply(token string) *big.Int
}
