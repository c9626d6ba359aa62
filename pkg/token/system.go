// Package token implements the in-process settlement ledger: per-token
// balances with atomic transfers, stake locking and a tracked total supply
// for the governance token.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

var (
	// ErrInsufficientBalance indicates a transfer or lock exceeding the
	// available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount indicates a nil, zero or negative amount.
	ErrInvalidAmount = errors.New("invalid amount")
)

// System is the settlement ledger. Balances are keyed by (token, address)
// and locked stake is tracked per address for the governance token.
type System struct {
	balances map[string]map[string]*big.Int
	locked   map[string]map[string]*big.Int
	supply   map[string]*big.Int
	mutex    sync.RWMutex
}

// NewSystem creates an empty ledger.
func NewSystem() *System {
	return &System{
		balances: make(map[string]map[string]*big.Int),
		locked:   make(map[string]map[string]*big.Int),
		supply:   make(map[string]*big.Int),
	}
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return nil
}

func balanceIn(m map[string]map[string]*big.Int, token, address string) *big.Int {
	if accounts, ok := m[token]; ok {
		if b, ok := accounts[address]; ok {
			return b
		}
	}
	return big.NewInt(0)
}

func setBalanceIn(m map[string]map[string]*big.Int, token, address string, amount *big.Int) {
	accounts, ok := m[token]
	if !ok {
		accounts = make(map[string]*big.Int)
		m[token] = accounts
	}
	accounts[address] = amount
}

// Mint credits newly issued units of token to address and grows the
// tracked supply. Used at genesis and by test fixtures.
func (s *System) Mint(token, address string, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	balance := balanceIn(s.balances, token, address)
	setBalanceIn(s.balances, token, address, new(big.Int).Add(balance, amount))

	supply, ok := s.supply[token]
	if !ok {
		supply = big.NewInt(0)
	}
	s.supply[token] = new(big.Int).Add(supply, amount)
	return nil
}

// GetBalance returns the spendable balance of address for token.
func (s *System) GetBalance(token, address string) *big.Int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return new(big.Int).Set(balanceIn(s.balances, token, address))
}

// Transfer moves amount of token from one address to another atomically.
func (s *System) Transfer(token, from, to string, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	fromBalance := balanceIn(s.balances, token, from)
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from, fromBalance, token, amount)
	}
	toBalance := balanceIn(s.balances, token, to)

	setBalanceIn(s.balances, token, from, new(big.Int).Sub(fromBalance, amount))
	setBalanceIn(s.balances, token, to, new(big.Int).Add(toBalance, amount))
	return nil
}

// Lock moves amount of token from the spendable balance of address into its
// locked stake.
func (s *System) Lock(token, address string, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	balance := balanceIn(s.balances, token, address)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, cannot lock %s", ErrInsufficientBalance, address, balance, token, amount)
	}
	locked := balanceIn(s.locked, token, address)

	setBalanceIn(s.balances, token, address, new(big.Int).Sub(balance, amount))
	setBalanceIn(s.locked, token, address, new(big.Int).Add(locked, amount))
	return nil
}

// Unlock releases amount of locked stake back to the spendable balance.
func (s *System) Unlock(token, address string, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	locked := balanceIn(s.locked, token, address)
	if locked.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s locked, cannot unlock %s", ErrInsufficientBalance, address, locked, token, amount)
	}
	balance := balanceIn(s.balances, token, address)

	setBalanceIn(s.locked, token, address, new(big.Int).Sub(locked, amount))
	setBalanceIn(s.balances, token, address, new(big.Int).Add(balance, amount))
	return nil
}

// GetLocked returns the locked stake of address for token.
func (s *System) GetLocked(token, address string) *big.Int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return new(big.Int).Set(balanceIn(s.locked, token, address))
}

// GetTotalSupply returns the minted supply of token.
func (s *System) GetTotalSupply(token string) *big.Int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if supply, ok := s.supply[token]; ok {
		return new(big.Int).Set(supply)
	}
	return big.NewInt(0)
}
