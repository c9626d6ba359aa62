package registry

import (
	"fmt"
	"sync"
	"time"
)

// SoulboundCredentials is the in-process credential issuer: a plain
// ownership table. There is deliberately no transfer operation on this
// type; a credential can only be issued or revoked.
type SoulboundCredentials struct {
	holders map[string]time.Time
	mutex   sync.RWMutex
}

// NewSoulboundCredentials creates an empty credential table.
func NewSoulboundCredentials() *SoulboundCredentials {
	return &SoulboundCredentials{holders: make(map[string]time.Time)}
}

// IssueCredential mints a credential for address. Issuing twice is an
// error so callers notice double-verification bugs.
func (c *SoulboundCredentials) IssueCredential(address string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, exists := c.holders[address]; exists {
		return fmt.Errorf("credential already issued to %s", address)
	}
	c.holders[address] = time.Now().UTC()
	return nil
}

// RevokeCredential burns the credential held by address.
func (c *SoulboundCredentials) RevokeCredential(address string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, exists := c.holders[address]; !exists {
		return fmt.Errorf("no credential issued to %s", address)
	}
	delete(c.holders, address)
	return nil
}

// IsVerified reports whether address currently holds a credential.
func (c *SoulboundCredentials) IsVerified(address string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, exists := c.holders[address]
	return exists
}
