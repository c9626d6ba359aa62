// Package treasury is the custody ledger for the reserve share of collected
// fees. Balances are mutated only through Credit, Debit and
// EmergencyWithdraw; every movement is logged with pre/post balances.
package treasury

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/janteras/d-loop-sub001/pkg/audit"
	"github.com/janteras/d-loop-sub001/pkg/auth"
)

// Account is the settlement-ledger account the treasury disburses from.
const Account = "0x00000000000000000000000000000000d100p7ea"

var (
	// ErrInsufficientFunds indicates a debit exceeding the token balance.
	ErrInsufficientFunds = errors.New("insufficient treasury funds")

	// ErrInvalidAmount indicates a nil, zero or negative amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrNotPaused indicates an emergency withdrawal attempted while the
	// module is running normally.
	ErrNotPaused = errors.New("module is not paused")

	// ErrPaused indicates a normal operation attempted while paused.
	ErrPaused = errors.New("module is paused")
)

// Settlement is the narrow slice of the settlement ledger the treasury
// uses to disburse funds.
type Settlement interface {
	Transfer(token, from, to string, amount *big.Int) error
}

// Treasury owns the reserve balances. No other component holds a writable
// reference to them.
type Treasury struct {
	balances   map[string]*big.Int
	settlement Settlement
	caps       *auth.Table
	recorder   audit.Recorder
	logger     *zap.Logger
	paused     bool
	mutex      sync.RWMutex
}

// New creates an empty treasury.
func New(settlement Settlement, caps *auth.Table, recorder audit.Recorder, logger *zap.Logger) *Treasury {
	return &Treasury{
		balances:   make(map[string]*big.Int),
		settlement: settlement,
		caps:       caps,
		recorder:   recorder,
		logger:     logger,
	}
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return nil
}

// Credit records amount of token received by the treasury. Callers must
// hold the depositor capability (fee settlement path).
func (t *Treasury) Credit(depositor, token string, amount *big.Int) error {
	if err := t.caps.Require(depositor, auth.CapDepositor); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()

	pre := t.balance(token)
	post := new(big.Int).Add(pre, amount)
	t.balances[token] = post

	t.logger.Info("treasury credit",
		zap.String("token", token),
		zap.String("amount", amount.String()),
		zap.String("pre_balance", pre.String()),
		zap.String("post_balance", post.String()))
	return t.recorder.Record(audit.NewEvent("treasury.credit", depositor, token, map[string]string{
		"amount": amount.String(), "pre_balance": pre.String(), "post_balance": post.String(),
	}))
}

// Debit disburses amount of token to recipient through the settlement
// ledger. Requires the fund-manager capability. The internal balance is
// reduced before the settlement call.
func (t *Treasury) Debit(manager, token string, amount *big.Int, recipient string) error {
	if err := t.caps.Require(manager, auth.CapFundManager); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.paused {
		return fmt.Errorf("%w: debit of %s %s", ErrPaused, amount, token)
	}
	return t.disburse("treasury.debit", manager, token, amount, recipient)
}

// EmergencyWithdraw is the privileged escape hatch, usable only while
// paused and only by a guardian.
func (t *Treasury) EmergencyWithdraw(guardian, token string, amount *big.Int, recipient string) error {
	if err := t.caps.Require(guardian, auth.CapGuardian); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.paused {
		return fmt.Errorf("%w: emergency withdrawal of %s %s", ErrNotPaused, amount, token)
	}
	t.logger.Warn("emergency withdrawal",
		zap.String("guardian", guardian),
		zap.String("token", token),
		zap.String("amount", amount.String()),
		zap.String("recipient", recipient))
	return t.disburse("treasury.emergency_withdraw", guardian, token, amount, recipient)
}

// disburse moves funds out. Callers hold the mutex.
func (t *Treasury) disburse(operation, actor, token string, amount *big.Int, recipient string) error {
	pre := t.balance(token)
	if pre.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s balance %s, requested %s", ErrInsufficientFunds, token, pre, amount)
	}
	post := new(big.Int).Sub(pre, amount)
	t.balances[token] = post

	if err := t.settlement.Transfer(token, Account, recipient, amount); err != nil {
		t.balances[token] = pre
		return fmt.Errorf("settle %s: %w", operation, err)
	}
	t.logger.Info("treasury disbursement",
		zap.String("operation", operation),
		zap.String("token", token),
		zap.String("amount", amount.String()),
		zap.String("recipient", recipient),
		zap.String("pre_balance", pre.String()),
		zap.String("post_balance", post.String()))
	return t.recorder.Record(audit.NewEvent(operation, actor, token, map[string]string{
		"amount": amount.String(), "recipient": recipient,
		"pre_balance": pre.String(), "post_balance": post.String(),
	}))
}

// Pause halts debits and enables emergency withdrawals.
func (t *Treasury) Pause(guardian string) error {
	if err := t.caps.Require(guardian, auth.CapGuardian); err != nil {
		return err
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.paused = true
	t.logger.Warn("module paused", zap.String("guardian", guardian))
	return t.recorder.Record(audit.NewEvent("treasury.pause", guardian, "", nil))
}

// Resume returns the module to normal operation.
func (t *Treasury) Resume(guardian string) error {
	if err := t.caps.Require(guardian, auth.CapGuardian); err != nil {
		return err
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.paused = false
	t.logger.Info("module resumed", zap.String("guardian", guardian))
	return t.recorder.Record(audit.NewEvent("treasury.resume", guardian, "", nil))
}

// Paused reports the pause state.
func (t *Treasury) Paused() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.paused
}

// Balance returns the treasury balance for token.
func (t *Treasury) Balance(token string) *big.Int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return new(big.Int).Set(t.balance(token))
}

// Balances returns a snapshot of every token balance.
func (t *Treasury) Balances() map[string]*big.Int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	out := make(map[string]*big.Int, len(t.balances))
	for token, b := range t.balances {
		out[token] = new(big.Int).Set(b)
	}
	return out
}

func (t *Treasury) balance(token string) *big.Int {
	if b, ok := t.balances[token]; ok {
		return b
	}
	return big.NewInt(0)
}
