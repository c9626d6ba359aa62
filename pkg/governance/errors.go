package governance

import "errors"

var (
	// ErrInvalidParameter indicates an out-of-bounds policy or argument.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrProposalNotFound indicates the proposal does not exist.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrNotEligible indicates the voter is not registered and active.
	ErrNotEligible = errors.New("voter not eligible")

	// ErrVerifiedOnly indicates the proposal is restricted to verified
	// participants.
	ErrVerifiedOnly = errors.New("proposal restricted to verified participants")

	// ErrNoVotingPower indicates the voter has no staked balance.
	ErrNoVotingPower = errors.New("no voting power")

	// ErrAlreadyVoted indicates a second vote on the same proposal.
	ErrAlreadyVoted = errors.New("already voted")

	// ErrVotingClosed indicates a vote after the deadline or on a proposal
	// that is not active.
	ErrVotingClosed = errors.New("voting closed")

	// ErrVotingOpen indicates a finalize attempt before the deadline.
	ErrVotingOpen = errors.New("voting still open")

	// ErrInvalidState indicates a transition not allowed from the current
	// proposal state.
	ErrInvalidState = errors.New("invalid proposal state")

	// ErrProposerThreshold indicates the proposer is below the minimum
	// stake or reputation threshold.
	ErrProposerThreshold = errors.New("proposer below threshold")

	// ErrExecutionFailed indicates the proposal's attached action failed.
	// The vote outcome is not rolled back.
	ErrExecutionFailed = errors.New("proposal execution failed")
)
