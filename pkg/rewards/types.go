// Package rewards owns the participant-reward pools: fee deposits, periodic
// distribution rounds driven by voting participation, and linearly vested
// claims.
package rewards

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Account is the settlement-ledger account reward claims are paid from.
const Account = "0x00000000000000000000000000000000d100pfee"

var (
	// ErrInvalidParameter indicates an out-of-bounds parameter or amount.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrPeriodNotElapsed indicates a distribution round started before the
	// period boundary.
	ErrPeriodNotElapsed = errors.New("distribution period not elapsed")

	// ErrRoundInProgress indicates an open round with pending allocations;
	// drain it with ContinueDistribution before starting another.
	ErrRoundInProgress = errors.New("distribution round in progress")

	// ErrNothingToDistribute indicates the pool has no undistributed
	// deposits.
	ErrNothingToDistribute = errors.New("nothing to distribute")

	// ErrNoParticipation indicates no eligible voting participation in the
	// round window. The period is not consumed.
	ErrNoParticipation = errors.New("no eligible participation in round window")

	// ErrNothingToClaim indicates no unlocked, unclaimed amount.
	ErrNothingToClaim = errors.New("nothing to claim")

	// ErrClaimsFrozen indicates the beneficiary is deactivated. Entitlements
	// are retained and claimable again after reactivation.
	ErrClaimsFrozen = errors.New("claims frozen while participant is deactivated")

	// ErrPoolNotFound indicates no reward pool exists for the token.
	ErrPoolNotFound = errors.New("reward pool not found")
)

// Pool tracks one token's reward accounting. TotalAllocated never exceeds
// TotalDeposited; TotalClaimed never exceeds TotalAllocated.
type Pool struct {
	Token              string   `json:"token"`
	TotalDeposited     *big.Int `json:"total_deposited"`
	TotalAllocated     *big.Int `json:"total_allocated"`
	TotalClaimed       *big.Int `json:"total_claimed"`
	GovernanceShareBps int64    `json:"governance_share_bps"`
	AINodeShareBps     int64    `json:"ai_node_share_bps"`
}

// VestingEntry is one beneficiary's allocation from a distribution round,
// unlocking linearly over Duration from StartTime.
type VestingEntry struct {
	ID            string        `json:"id"`
	Beneficiary   string        `json:"beneficiary"`
	Token         string        `json:"token"`
	Amount        *big.Int      `json:"amount"`
	StartTime     time.Time     `json:"start_time"`
	Duration      time.Duration `json:"duration"`
	ClaimedAmount *big.Int      `json:"claimed_amount"`
}

// Unlocked returns the amount vested at time now.
func (e *VestingEntry) Unlocked(now time.Time) *big.Int {
	elapsed := now.Sub(e.StartTime)
	if elapsed <= 0 {
		return big.NewInt(0)
	}
	if elapsed >= e.Duration || e.Duration <= 0 {
		return new(big.Int).Set(e.Amount)
	}
	unlocked := new(big.Int).Mul(e.Amount, big.NewInt(int64(elapsed)))
	return unlocked.Div(unlocked, big.NewInt(int64(e.Duration)))
}

// Params are the reward policy parameters, settable through the governance
// executor path.
type Params struct {
	// Default class split for lazily created pools; must sum to 10000.
	GovernanceShareBps int64 `yaml:"governance_share_bps"`
	AINodeShareBps     int64 `yaml:"ai_node_share_bps"`

	VestingDuration time.Duration `yaml:"vesting_duration"`
	PeriodLength    time.Duration `yaml:"period_length"`

	// GovernanceToken anchors the global budget cap: cumulative rewards
	// (price-normalized) never exceed BudgetCapBps of its supply value.
	GovernanceToken string `yaml:"governance_token"`
	BudgetCapBps    int64  `yaml:"budget_cap_bps"`

	// PerParticipantCapBps bounds one beneficiary's allocation per round,
	// in bps of the supply value. Zero disables the cap.
	PerParticipantCapBps int64 `yaml:"per_participant_cap_bps"`

	// BatchSize bounds vesting entries created per distribution call.
	BatchSize int `yaml:"batch_size"`
}

// DefaultParams returns the launch reward policy.
func DefaultParams() Params {
	return Params{
		GovernanceShareBps:   8000,
		AINodeShareBps:       2000,
		VestingDuration:      180 * 24 * time.Hour,
		PeriodLength:         30 * 24 * time.Hour,
		GovernanceToken:      "DLOOP",
		BudgetCapBps:         500,
		PerParticipantCapBps: 0,
		BatchSize:            100,
	}
}

// Validate checks the policy bounds.
func (p Params) Validate() error {
	if sum := p.GovernanceShareBps + p.AINodeShareBps; sum != 10000 {
		return fmt.Errorf("%w: class split sums to %d bps, must be 10000", ErrInvalidParameter, sum)
	}
	if p.GovernanceShareBps < 0 || p.AINodeShareBps < 0 {
		return fmt.Errorf("%w: negative class split (governance=%d ai_node=%d)", ErrInvalidParameter, p.GovernanceShareBps, p.AINodeShareBps)
	}
	if p.VestingDuration <= 0 || p.PeriodLength <= 0 {
		return fmt.Errorf("%w: vesting duration %v and period length %v must be positive", ErrInvalidParameter, p.VestingDuration, p.PeriodLength)
	}
	if p.BudgetCapBps <= 0 || p.BudgetCapBps > 10000 {
		return fmt.Errorf("%w: budget cap %d bps outside (0, 10000]", ErrInvalidParameter, p.BudgetCapBps)
	}
	if p.PerParticipantCapBps < 0 || p.PerParticipantCapBps > 10000 {
		return fmt.Errorf("%w: per-participant cap %d bps outside [0, 10000]", ErrInvalidParameter, p.PerParticipantCapBps)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size %d must be positive", ErrInvalidParameter, p.BatchSize)
	}
	if p.GovernanceToken == "" {
		return fmt.Errorf("%w: governance token is required", ErrInvalidParameter)
	}
	return nil
}

// ParticipationSource supplies weighted voting participation inside a round
// window. Implemented by the governance engine.
type ParticipationSource interface {
	VotingWeights(from, to time.Time) map[string]*big.Int
}

// ParticipantDirectory is the registry slice the ledger needs: round
// eligibility and reward-class membership.
type ParticipantDirectory interface {
	IsEligibleVoter(address string) bool
	IsVerified(address string) bool
}

// PriceOracle supplies unit prices used to normalize amounts across tokens
// for the budget caps.
type PriceOracle interface {
	GetPrice(token string) (*big.Int, error)
}

// Settlement is the slice of the settlement ledger used to pay claims.
type Settlement interface {
	Transfer(token, from, to string, amount *big.Int) error
}

// SupplySource reports a token's total supply. Implemented by the
// settlement ledger.
type SupplySource interface {
	GetTotalSupply(token string) *big.Int
}
