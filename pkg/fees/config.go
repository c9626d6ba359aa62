// Package fees computes protocol fees on capital-allocation operations and
// the treasury/reward split of every fee collected.
package fees

import (
	"errors"
	"fmt"
)

// Operation identifies a fee-bearing capital operation.
type Operation string

const (
	OpInvest   Operation = "invest"
	OpDivest   Operation = "divest"
	OpRagequit Operation = "ragequit"
)

const (
	// BpsDenominator is the basis-point scale used for all rates.
	BpsDenominator = 10000

	// MaxRateBps caps every per-operation fee rate.
	MaxRateBps = 3000
)

var (
	// ErrInvalidParameter indicates an out-of-bounds rate, split or amount.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Config holds the fee rates and the treasury/reward split, all in basis
// points. Version is bumped on every authorized swap so auditors can
// correlate fee events with the config that produced them.
type Config struct {
	Version          int   `json:"version" yaml:"version"`
	InvestBps        int64 `json:"invest_bps" yaml:"invest_bps"`
	DivestBps        int64 `json:"divest_bps" yaml:"divest_bps"`
	RagequitBps      int64 `json:"ragequit_bps" yaml:"ragequit_bps"`
	TreasurySplitBps int64 `json:"treasury_split_bps" yaml:"treasury_split_bps"`
	RewardSplitBps   int64 `json:"reward_split_bps" yaml:"reward_split_bps"`
}

// DefaultConfig returns the launch fee policy. Rates are policy parameters,
// not constants: governance may change them within the ceilings.
func DefaultConfig() Config {
	return Config{
		Version:          1,
		InvestBps:        1000,
		DivestBps:        500,
		RagequitBps:      2000,
		TreasurySplitBps: 7000,
		RewardSplitBps:   3000,
	}
}

// Validate checks all rates against their ceilings and the split sum.
func (c Config) Validate() error {
	rates := map[string]int64{
		"invest_bps":   c.InvestBps,
		"divest_bps":   c.DivestBps,
		"ragequit_bps": c.RagequitBps,
	}
	for name, rate := range rates {
		if rate < 0 || rate > MaxRateBps {
			return fmt.Errorf("%w: %s=%d outside [0, %d]", ErrInvalidParameter, name, rate, MaxRateBps)
		}
	}
	if c.TreasurySplitBps < 0 || c.RewardSplitBps < 0 {
		return fmt.Errorf("%w: negative split (treasury=%d reward=%d)", ErrInvalidParameter, c.TreasurySplitBps, c.RewardSplitBps)
	}
	if sum := c.TreasurySplitBps + c.RewardSplitBps; sum != BpsDenominator {
		return fmt.Errorf("%w: treasury+reward split is %d bps, must be %d", ErrInvalidParameter, sum, BpsDenominator)
	}
	return nil
}

// RateBps returns the fee rate for op.
func (c Config) RateBps(op Operation) (int64, error) {
	switch op {
	case OpInvest:
		return c.InvestBps, nil
	case OpDivest:
		return c.DivestBps, nil
	case OpRagequit:
		return c.RagequitBps, nil
	default:
		return 0, fmt.Errorf("%w: unknown operation %q", ErrInvalidParameter, op)
	}
}
