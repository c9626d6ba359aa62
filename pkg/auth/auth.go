// Package auth implements the capability table used to gate privileged
// protocol operations. Each operation declares the capability it requires;
// callers hold capabilities granted by a governor.
package auth

import (
	"errors"
	"fmt"
	"sync"
)

// Capability names a privileged role in the protocol.
type Capability string

const (
	// CapGovernor may grant/revoke capabilities and apply governance-approved
	// configuration changes.
	CapGovernor Capability = "governor"

	// CapFundManager may debit treasury balances.
	CapFundManager Capability = "fund-manager"

	// CapGuardian may pause the module and perform emergency withdrawals.
	CapGuardian Capability = "guardian"

	// CapVerifier may mark participants as verified.
	CapVerifier Capability = "verifier"

	// CapDepositor may credit treasury balances (fee settlement path).
	CapDepositor Capability = "depositor"
)

var (
	// ErrUnauthorized indicates the caller lacks the required capability.
	ErrUnauthorized = errors.New("unauthorized")
)

// Table maps addresses to their granted capability sets.
type Table struct {
	grants map[string]map[Capability]bool
	mutex  sync.RWMutex
}

// NewTable creates an empty capability table with root holding every
// capability, including the governor capability used to extend the table.
func NewTable(root string) *Table {
	t := &Table{grants: make(map[string]map[Capability]bool)}
	for _, c := range []Capability{CapGovernor, CapFundManager, CapGuardian, CapVerifier, CapDepositor} {
		t.grant(root, c)
	}
	return t
}

func (t *Table) grant(address string, c Capability) {
	set, ok := t.grants[address]
	if !ok {
		set = make(map[Capability]bool)
		t.grants[address] = set
	}
	set[c] = true
}

// Grant gives address the capability c. Only governors may grant.
func (t *Table) Grant(granter, address string, c Capability) error {
	if err := t.Require(granter, CapGovernor); err != nil {
		return err
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.grant(address, c)
	return nil
}

// Revoke removes the capability c from address. Only governors may revoke.
func (t *Table) Revoke(revoker, address string, c Capability) error {
	if err := t.Require(revoker, CapGovernor); err != nil {
		return err
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if set, ok := t.grants[address]; ok {
		delete(set, c)
	}
	return nil
}

// Require returns ErrUnauthorized naming the missing capability if address
// does not hold c.
func (t *Table) Require(address string, c Capability) error {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if set, ok := t.grants[address]; ok && set[c] {
		return nil
	}
	return fmt.Errorf("%w: %s requires capability %q", ErrUnauthorized, address, c)
}

// Has reports whether address holds the capability c.
func (t *Table) Has(address string, c Capability) bool {
	return t.Require(address, c) == nil
}

// Capabilities returns the capabilities granted to address.
func (t *Table) Capabilities(address string) []Capability {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	caps := make([]Capability, 0, len(t.grants[address]))
	for c := range t.grants[address] {
		caps = append(caps, c)
	}
	return caps
}
