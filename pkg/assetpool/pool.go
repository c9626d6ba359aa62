// Package assetpool is the capital entry point: investors deposit tokens
// for pool shares and redeem shares for tokens, paying the configured fee
// on each operation. Collected fees are split between the treasury and the
// reward pools in the same settlement step.
package assetpool

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/janteras/d-loop-sub001/pkg/audit"
	"github.com/janteras/d-loop-sub001/pkg/fees"
	"github.com/janteras/d-loop-sub001/pkg/registry"
	"github.com/janteras/d-loop-sub001/pkg/rewards"
	"github.com/janteras/d-loop-sub001/pkg/treasury"
)

// Account is the settlement-ledger account holding pooled capital.
const Account = "0x00000000000000000000000000000000d100p001"

var (
	// ErrInvalidAmount indicates a nil, zero or negative amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidAddress indicates a malformed investor address.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInsufficientShares indicates a divest exceeding the investor's
	// share balance.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrOperationInProgress indicates a reentrant attempt at an operation
	// that is still settling.
	ErrOperationInProgress = errors.New("operation already in progress")
)

// FeeSource computes the fee breakdown of a capital operation.
type FeeSource interface {
	Compute(op fees.Operation, gross *big.Int) (fees.Breakdown, error)
}

// TreasurySink receives the treasury share of collected fees.
type TreasurySink interface {
	Credit(depositor, token string, amount *big.Int) error
}

// RewardSink receives the reward share of collected fees.
type RewardSink interface {
	DepositFee(token string, amount *big.Int) error
}

// Settlement is the slice of the settlement ledger the pool moves funds
// through.
type Settlement interface {
	Transfer(token, from, to string, amount *big.Int) error
}

// Pool custodies invested capital and mints per-token shares 1:1 with the
// net deposit. Operator is the protocol identity holding the depositor
// capability for treasury credits.
type Pool struct {
	operator   string
	fees       FeeSource
	settlement Settlement
	treasury   TreasurySink
	rewards    RewardSink
	oracle     rewards.PriceOracle
	recorder   audit.Recorder
	logger     *zap.Logger

	shares     map[string]map[string]*big.Int
	inProgress map[string]struct{}
	mutex      sync.Mutex
}

// New creates an empty pool.
func New(operator string, fees FeeSource, settlement Settlement, treasury TreasurySink,
	rewards RewardSink, oracle rewards.PriceOracle, recorder audit.Recorder, logger *zap.Logger) *Pool {
	return &Pool{
		operator:   operator,
		fees:       fees,
		settlement: settlement,
		treasury:   treasury,
		rewards:    rewards,
		oracle:     oracle,
		recorder:   recorder,
		logger:     logger,
		shares:     make(map[string]map[string]*big.Int),
		inProgress: make(map[string]struct{}),
	}
}

// begin marks the logical operation in progress. The mark is released in
// end, not held under the mutex, so a reentrant attempt through a
// settlement hook is rejected instead of deadlocking.
func (p *Pool) begin(op fees.Operation, investor, token string) (string, error) {
	key := string(op) + "|" + token + "|" + investor
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if _, busy := p.inProgress[key]; busy {
		return "", fmt.Errorf("%w: %s %s for %s", ErrOperationInProgress, op, token, investor)
	}
	p.inProgress[key] = struct{}{}
	return key, nil
}

func (p *Pool) end(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.inProgress, key)
}

// Invest deposits gross of token and mints shares for the net amount after
// the invest fee. Returns the net shares minted and the fee paid.
func (p *Pool) Invest(investor, token string, gross *big.Int) (*big.Int, *big.Int, error) {
	if !registry.ValidAddress(investor) {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidAddress, investor)
	}
	if gross == nil || gross.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAmount, gross)
	}
	key, err := p.begin(fees.OpInvest, investor, token)
	if err != nil {
		return nil, nil, err
	}
	defer p.end(key)

	breakdown, err := p.fees.Compute(fees.OpInvest, gross)
	if err != nil {
		return nil, nil, err
	}

	// Shares are credited before the external transfer and rolled back if
	// it fails.
	p.addShares(token, investor, breakdown.Net)
	if err := p.settlement.Transfer(token, investor, Account, gross); err != nil {
		p.subShares(token, investor, breakdown.Net)
		return nil, nil, fmt.Errorf("settle deposit: %w", err)
	}
	if err := p.settleFee(fees.OpInvest, token, breakdown); err != nil {
		p.subShares(token, investor, breakdown.Net)
		if refundErr := p.settlement.Transfer(token, Account, investor, gross); refundErr != nil {
			p.logger.Error("deposit refund failed",
				zap.String("investor", investor),
				zap.String("token", token),
				zap.Error(refundErr))
		}
		return nil, nil, err
	}

	p.record(fees.OpInvest, investor, token, gross, breakdown)
	return new(big.Int).Set(breakdown.Net), new(big.Int).Set(breakdown.Fee), nil
}

// Divest burns shares of token and pays out the net amount after the
// divest fee; forced redemptions pay the ragequit rate instead. Returns
// the net payout and the fee withheld.
func (p *Pool) Divest(investor, token string, shares *big.Int, forced bool) (*big.Int, *big.Int, error) {
	if !registry.ValidAddress(investor) {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidAddress, investor)
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAmount, shares)
	}
	op := fees.OpDivest
	if forced {
		op = fees.OpRagequit
	}
	key, err := p.begin(op, investor, token)
	if err != nil {
		return nil, nil, err
	}
	defer p.end(key)

	breakdown, err := p.fees.Compute(op, shares)
	if err != nil {
		return nil, nil, err
	}

	// The share burn happens before any transfer.
	if err := p.burnShares(token, investor, shares); err != nil {
		return nil, nil, err
	}
	if err := p.settlement.Transfer(token, Account, investor, breakdown.Net); err != nil {
		p.addShares(token, investor, shares)
		return nil, nil, fmt.Errorf("settle payout: %w", err)
	}
	if err := p.settleFee(op, token, breakdown); err != nil {
		p.addShares(token, investor, shares)
		if refundErr := p.settlement.Transfer(token, investor, Account, breakdown.Net); refundErr != nil {
			p.logger.Error("payout reversal failed",
				zap.String("investor", investor),
				zap.String("token", token),
				zap.Error(refundErr))
		}
		return nil, nil, err
	}

	p.record(op, investor, token, shares, breakdown)
	return new(big.Int).Set(breakdown.Net), new(big.Int).Set(breakdown.Fee), nil
}

// settleFee moves the fee out of the pool account and records both target
// ledgers. A partial failure is compensated so the fee either lands whole
// or not at all. The treasury credit comes last: once the reward deposit
// is recorded it cannot be reversed.
func (p *Pool) settleFee(op fees.Operation, token string, breakdown fees.Breakdown) error {
	if breakdown.TreasuryShare.Sign() > 0 {
		if err := p.settlement.Transfer(token, Account, treasury.Account, breakdown.TreasuryShare); err != nil {
			return fmt.Errorf("settle treasury share: %w", err)
		}
	}
	if breakdown.RewardShare.Sign() > 0 {
		if err := p.settlement.Transfer(token, Account, rewards.Account, breakdown.RewardShare); err != nil {
			return p.reverseTreasuryShare(op, token, breakdown, fmt.Errorf("settle reward share: %w", err))
		}
		if err := p.rewards.DepositFee(token, breakdown.RewardShare); err != nil {
			_ = p.settlement.Transfer(token, rewards.Account, Account, breakdown.RewardShare)
			return p.reverseTreasuryShare(op, token, breakdown, fmt.Errorf("deposit reward share: %w", err))
		}
	}
	if breakdown.TreasuryShare.Sign() > 0 {
		if err := p.treasury.Credit(p.operator, token, breakdown.TreasuryShare); err != nil {
			p.logger.Error("treasury credit failed after reward deposit, needs reconciliation",
				zap.String("operation", string(op)),
				zap.String("token", token),
				zap.String("treasury_share", breakdown.TreasuryShare.String()),
				zap.Error(err))
			return fmt.Errorf("credit treasury: %w", err)
		}
	}
	return nil
}

func (p *Pool) reverseTreasuryShare(op fees.Operation, token string, breakdown fees.Breakdown, cause error) error {
	if breakdown.TreasuryShare.Sign() > 0 {
		if err := p.settlement.Transfer(token, treasury.Account, Account, breakdown.TreasuryShare); err != nil {
			p.logger.Error("treasury share reversal failed",
				zap.String("operation", string(op)),
				zap.String("token", token),
				zap.Error(err))
		}
	}
	return cause
}

func (p *Pool) record(op fees.Operation, investor, token string, gross *big.Int, breakdown fees.Breakdown) {
	fields := map[string]string{
		"gross":          gross.String(),
		"fee":            breakdown.Fee.String(),
		"net":            breakdown.Net.String(),
		"treasury_share": breakdown.TreasuryShare.String(),
		"reward_share":   breakdown.RewardShare.String(),
	}
	if p.oracle != nil {
		if price, err := p.oracle.GetPrice(token); err == nil {
			fields["normalized_value"] = new(big.Int).Mul(gross, price).String()
		}
	}
	p.logger.Info("capital operation settled",
		zap.String("operation", string(op)),
		zap.String("investor", investor),
		zap.String("token", token),
		zap.String("gross", gross.String()),
		zap.String("fee", breakdown.Fee.String()))
	if err := p.recorder.Record(audit.NewEvent("pool."+string(op), investor, token, fields)); err != nil {
		p.logger.Error("audit record failed", zap.Error(err))
	}
}

func (p *Pool) addShares(token, investor string, amount *big.Int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	held, ok := p.shares[token]
	if !ok {
		held = make(map[string]*big.Int)
		p.shares[token] = held
	}
	current, ok := held[investor]
	if !ok {
		current = big.NewInt(0)
		held[investor] = current
	}
	current.Add(current, amount)
}

func (p *Pool) subShares(token, investor string, amount *big.Int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if current, ok := p.shares[token][investor]; ok {
		current.Sub(current, amount)
	}
}

// burnShares checks-and-decrements under one lock acquisition.
func (p *Pool) burnShares(token, investor string, amount *big.Int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	current, ok := p.shares[token][investor]
	if !ok || current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s", ErrInsufficientShares, investor, sharesOrZero(current), token)
	}
	current.Sub(current, amount)
	return nil
}

func sharesOrZero(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

// SharesOf returns the investor's share balance for token.
func (p *Pool) SharesOf(token, investor string) *big.Int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if current, ok := p.shares[token][investor]; ok {
		return new(big.Int).Set(current)
	}
	return big.NewInt(0)
}

// TotalShares returns the sum of all share balances for token.
func (p *Pool) TotalShares(token string) *big.Int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	total := big.NewInt(0)
	for _, held := range p.shares[token] {
		total.Add(total, held)
	}
	return total
}
