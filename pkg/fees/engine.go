package fees

import (
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"
)

var bpsDenom = big.NewInt(BpsDenominator)

// Breakdown is the result of a fee computation. Invariants:
// Fee+Net == gross and TreasuryShare+RewardShare == Fee, exactly.
type Breakdown struct {
	Fee           *big.Int
	TreasuryShare *big.Int
	RewardShare   *big.Int
	Net           *big.Int
}

// Engine computes fee breakdowns against the current versioned config.
// Compute is side-effect-free; SetConfig is the only mutation and is
// reserved for the governance-authorized path.
type Engine struct {
	config Config
	logger *zap.Logger
	mutex  sync.RWMutex
}

// NewEngine creates an engine with cfg as the active policy.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{config: cfg, logger: logger}, nil
}

// Config returns the active config snapshot.
func (e *Engine) Config() Config {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.config
}

// SetConfig swaps the active config atomically, bumping the version.
// Callers are responsible for authorization (governance executor path).
func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	cfg.Version = e.config.Version + 1
	e.config = cfg
	e.logger.Info("fee config updated",
		zap.Int("version", cfg.Version),
		zap.Int64("invest_bps", cfg.InvestBps),
		zap.Int64("divest_bps", cfg.DivestBps),
		zap.Int64("ragequit_bps", cfg.RagequitBps),
		zap.Int64("treasury_split_bps", cfg.TreasurySplitBps))
	return nil
}

// Compute returns the fee breakdown for a gross amount. The reward share
// absorbs the split remainder so no rounding dust is lost.
func (e *Engine) Compute(op Operation, gross *big.Int) (Breakdown, error) {
	if gross == nil || gross.Sign() <= 0 {
		return Breakdown{}, fmt.Errorf("%w: gross amount must be positive, got %v", ErrInvalidParameter, gross)
	}

	e.mutex.RLock()
	cfg := e.config
	e.mutex.RUnlock()

	rate, err := cfg.RateBps(op)
	if err != nil {
		return Breakdown{}, err
	}

	fee := new(big.Int).Mul(gross, big.NewInt(rate))
	fee.Div(fee, bpsDenom)

	treasuryShare := new(big.Int).Mul(fee, big.NewInt(cfg.TreasurySplitBps))
	treasuryShare.Div(treasuryShare, bpsDenom)

	return Breakdown{
		Fee:           fee,
		TreasuryShare: treasuryShare,
		RewardShare:   new(big.Int).Sub(fee, treasuryShare),
		Net:           new(big.Int).Sub(gross, fee),
	}, nil
}
